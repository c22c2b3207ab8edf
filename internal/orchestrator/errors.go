package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/flowstate/internal/workflow"
)

var (
	// ErrStageExecutionFailed indicates the stage collaborator reported a
	// failure. No evidence was recorded and the stage may be retried.
	ErrStageExecutionFailed = errors.New("stage execution failed")

	// ErrToolFailed indicates the tool collaborator reported a failure.
	ErrToolFailed = errors.New("tool invocation failed")

	// ErrInvalidMessage indicates a malformed inbound message.
	ErrInvalidMessage = errors.New("invalid message")
)

// StageError describes one failed stage execution.
type StageError struct {
	Stage   workflow.Stage
	Attempt int
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s attempt %d: %v", e.Stage, e.Attempt, e.Err)
}

// Unwrap exposes both ErrStageExecutionFailed and the collaborator's error.
func (e *StageError) Unwrap() []error {
	return []error{ErrStageExecutionFailed, e.Err}
}
