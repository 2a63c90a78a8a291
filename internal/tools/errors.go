package tools

import (
	"errors"
	"fmt"
)

// ErrRegistrySealed is returned by Register after Seal.
var ErrRegistrySealed = errors.New("skill registry is sealed")

// ErrToolUnavailable is returned when a tool call targets a skill that
// is not registered or is currently disabled. It is a capability
// mismatch, not a transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
	Disabled bool
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	if e.Disabled {
		return fmt.Sprintf("tool %q is disabled", e.ToolName)
	}
	return fmt.Sprintf("unknown tool %q", e.ToolName)
}
