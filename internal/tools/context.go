package tools

import "strconv"

// RunContext is passed to every skill invocation.
type RunContext struct {
	RunID         string
	SessionKey    string
	WorkspaceRoot string
	// Broadcast publishes a skill-defined observability event. May be nil.
	Broadcast func(event string, payload map[string]any)
}

// Emit calls Broadcast when it is set.
func (rc RunContext) Emit(event string, payload map[string]any) {
	if rc.Broadcast != nil {
		rc.Broadcast(event, payload)
	}
}

// Argument helpers. JSON numbers decode as float64; text-protocol calls
// sometimes carry numbers as strings, which are accepted too.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
