package workflow

import (
	"errors"
	"fmt"
)

// ErrCorruptState indicates a persisted stage value outside the known set.
var ErrCorruptState = errors.New("corrupt workflow state")

// Stage is a position in the guided pipeline.
type Stage string

const (
	// StageIdle is the initial stage before any data arrives.
	StageIdle Stage = "idle"

	// StageIngesting loads the user's data.
	StageIngesting Stage = "ingesting"

	// StageComputingStage1 computes the first-pass metrics.
	StageComputingStage1 Stage = "computing_stage1"

	// StageAwaitingConfirmation waits for the user to approve Stage2.
	StageAwaitingConfirmation Stage = "awaiting_transition_confirmation"

	// StageComputingStage2 runs the risk analysis.
	StageComputingStage2 Stage = "computing_stage2"

	// StageComputingStage3 runs downstream planning once confirmed.
	StageComputingStage3 Stage = "computing_stage3"

	// StageComplete is terminal until reset.
	StageComplete Stage = "complete"
)

// orderedStages lists stages in pipeline order; the index is the ordinal.
var orderedStages = []Stage{
	StageIdle,
	StageIngesting,
	StageComputingStage1,
	StageAwaitingConfirmation,
	StageComputingStage2,
	StageComputingStage3,
	StageComplete,
}

// AllStages returns all stages in pipeline order.
func AllStages() []Stage {
	out := make([]Stage, len(orderedStages))
	copy(out, orderedStages)
	return out
}

// ExecutableStages returns the stages that invoke the stage collaborator.
func ExecutableStages() []Stage {
	return []Stage{StageIngesting, StageComputingStage1, StageComputingStage2, StageComputingStage3}
}

// ParseStage converts a persisted value, failing with ErrCorruptState on unknown input.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown stage %q", ErrCorruptState, s)
	}
	return st, nil
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Ordinal() >= 0
}

// Ordinal returns the pipeline position, or -1 for unknown stages.
func (s Stage) Ordinal() int {
	for i, st := range orderedStages {
		if st == s {
			return i
		}
	}
	return -1
}

// Executable reports whether the stage has side effects run by the collaborator.
func (s Stage) Executable() bool {
	switch s {
	case StageIngesting, StageComputingStage1, StageComputingStage2, StageComputingStage3:
		return true
	}
	return false
}

// RequiresConfirmation reports whether the stage only runs after an explicit affirmative.
func (s Stage) RequiresConfirmation() bool {
	return s == StageComputingStage2 || s == StageComputingStage3
}

// PendingConfirmation returns the stage a "yes" would approve while the
// session sits at s, or "" when s is not waiting for approval. A stage whose
// last execution failed waits for the user to retry it.
func PendingConfirmation(s Stage, flags Flags) Stage {
	if s.Executable() && flags.Get(ErrorKey(s)) != "" {
		return s
	}
	switch s {
	case StageAwaitingConfirmation:
		return StageComputingStage2
	case StageComputingStage3:
		if !flags.Bool(ConfirmedKey(StageComputingStage3)) {
			return StageComputingStage3
		}
	}
	return ""
}

func (s Stage) String() string {
	return string(s)
}
