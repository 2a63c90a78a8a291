// Package prompts contains the prompt text the agent sends to models.
//
// Prompt text is Go code rather than config files because it is program logic:
// sections are assembled from the live skill catalogue, benefit from
// compile-time embedding, and can be validated by tests. User-facing
// configuration (persona, system prompt override) lives in config.yaml.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated text.
package prompts
