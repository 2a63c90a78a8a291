// Package risk classifies tool invocations into risk tiers. The tier
// depends on the concrete arguments, not only the skill name: a shell
// command is low-stakes or catastrophic depending on what it runs.
package risk

import (
	"fmt"
	"strings"
)

// Level is an ordered risk tier.
type Level int

// Risk tiers, lowest first.
const (
	Low Level = iota
	Medium
	High
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLevel parses "low", "medium" or "high".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	}
	return Low, fmt.Errorf("invalid risk level %q (want low, medium, or high)", s)
}

// Classification is the result of classifying one invocation.
type Classification struct {
	Level  Level  `json:"level"`
	Reason string `json:"reason,omitempty"`
}

// UnknownReason is attached to skills the classifier has no entry for.
const UnknownReason = "Unrecognized tool; review carefully"

// DefaultBaseline maps skill names to their tier before argument
// inspection.
var DefaultBaseline = map[string]Level{
	"read_file":       Low,
	"list_dir":        Low,
	"web_fetch":       Low,
	"list_skills":     Low,
	"set_tools_mode":  Low,
	"disable_skill":   Low,
	"switch_provider": Medium,
	"enable_skill":    Medium,
	"save_settings":   Medium,
	"write_file":      Medium,
	"edit_file":       Medium,

	"shell_exec":  Medium,
	"exec":        Medium,
	"run_command": Medium,
	"shell":       Medium,
	"bash":        Medium,

	"git":   Medium,
	"chmod": Medium,
	"chown": Medium,
	"rm":    High,
	"sudo":  High,
	"dd":    High,
	"mkfs":  High,
}

// commandSkills take a full command line in args["command"].
var commandSkills = map[string]bool{
	"shell_exec":  true,
	"exec":        true,
	"run_command": true,
	"shell":       true,
	"bash":        true,
}

// binarySkills are named after the program they run and take its
// argument vector in args["args"].
var binarySkills = map[string]bool{
	"rm":    true,
	"git":   true,
	"sudo":  true,
	"chmod": true,
	"chown": true,
	"dd":    true,
	"mkfs":  true,
}

// Classifier maps (skill, args) to a Classification. It is pure and
// safe for concurrent use.
type Classifier struct {
	baseline map[string]Level
}

// New creates a classifier from DefaultBaseline with overrides applied
// on top.
func New(overrides map[string]Level) *Classifier {
	b := make(map[string]Level, len(DefaultBaseline)+len(overrides))
	for k, v := range DefaultBaseline {
		b[k] = v
	}
	for k, v := range overrides {
		b[k] = v
	}
	return &Classifier{baseline: b}
}

// Classify returns the tier for invoking name with args. Unknown skills
// are Medium, never Low.
func (c *Classifier) Classify(name string, args map[string]any) Classification {
	base, known := c.baseline[name]
	if !known {
		return Classification{Level: Medium, Reason: UnknownReason}
	}

	var command string
	switch {
	case commandSkills[name]:
		command, _ = args["command"].(string)
	case binarySkills[name]:
		command = strings.TrimSpace(name + " " + strings.Join(argv(args["args"]), " "))
	default:
		return Classification{Level: base}
	}

	command = strings.TrimSpace(command)
	if command == "" {
		return Classification{Level: base}
	}

	flags := inspectCommand(command)
	if len(flags) == 0 {
		return Classification{Level: base, Reason: "Runs: " + truncate(command, 120)}
	}
	return Classification{Level: High, Reason: strings.Join(flags, "; ")}
}

// argv normalizes an argument vector given as []any, []string, or a
// single string.
func argv(v any) []string {
	switch a := v.(type) {
	case []string:
		return a
	case []any:
		out := make([]string, 0, len(a))
		for _, x := range a {
			out = append(out, fmt.Sprint(x))
		}
		return out
	case string:
		return strings.Fields(a)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
