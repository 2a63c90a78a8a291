package agent

import (
	"errors"
	"fmt"

	"github.com/nugget/agentcore/internal/prompts"
)

// ErrTooManySteps is wrapped by a RunError that hit the iteration cap.
var ErrTooManySteps = errors.New("too many steps")

// ErrorKind classifies why a run failed.
type ErrorKind string

// Failure kinds.
const (
	// ErrKindProvider means the provider call failed, after the
	// fallback retry when one was available.
	ErrKindProvider ErrorKind = "provider"
	// ErrKindTooManySteps means the iteration cap was reached.
	ErrKindTooManySteps ErrorKind = "too_many_steps"
	// ErrKindCancelled means the run was cancelled.
	ErrKindCancelled ErrorKind = "cancelled"
	// ErrKindContext means the session could not be loaded or no
	// provider could be resolved.
	ErrKindContext ErrorKind = "context"
)

// RunError is the structured failure of a run.
type RunError struct {
	Kind       ErrorKind
	RunID      string
	Iterations int
	// MaxIterations is set for ErrKindTooManySteps.
	MaxIterations int
	Err           error
}

// Error implements error.
func (e *RunError) Error() string {
	switch e.Kind {
	case ErrKindTooManySteps:
		return prompts.TooManySteps(e.MaxIterations)
	case ErrKindCancelled:
		return "run cancelled"
	case ErrKindProvider:
		return fmt.Sprintf("provider failed: %v", e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Err
}
