// Package workflow implements the guided pipeline state machine.
//
// The machine is a pure function: given the current stage, the session
// flags, a signal derived from the routing decision, and the set of stages
// whose evidence markers exist, Transition computes the next stage, the
// action the orchestrator must take, and the updated flags. Nothing in this
// package performs I/O.
//
// # Stages
//
//	Idle → Ingesting → ComputingStage1 → AwaitingTransitionConfirmation
//	     → ComputingStage2 → ComputingStage3 → Complete
//
// Ingesting, ComputingStage1, ComputingStage2 and ComputingStage3 carry
// side effects and are executed by an external collaborator. Stage2 and
// Stage3 require an explicit affirmative before they run.
//
// # Evidence
//
// Evidence markers are authoritative over flags. When evidence shows that a
// stage already completed, Transition moves the session past it without
// asking for execution, regardless of what the flags say. The stage never
// moves backwards except on SignalReset.
package workflow
