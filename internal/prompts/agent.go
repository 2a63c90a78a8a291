package prompts

import (
	"fmt"
	"strings"
)

// EmptyResponseFallback is the user-facing message returned when the
// model ends a run without any content.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// MalformedToolCall is fed back to the model when one or more
// <tool_call> blocks could not be parsed, so it can correct itself.
func MalformedToolCall(errs []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d of your <tool_call> blocks could not be parsed and were not executed:\n", len(errs))
	for _, e := range errs {
		fmt.Fprintf(&sb, "- %s\n", e)
	}
	sb.WriteString(`Each block must contain exactly one JSON object like {"tool": "name", "args": {...}}. Fix the block and try again, or answer in plain text.`)
	return sb.String()
}

// TooManySteps is the failure reason for a run that hit the iteration
// cap.
func TooManySteps(max int) string {
	return fmt.Sprintf("too many steps: stopped after %d tool-call rounds without a final answer", max)
}
