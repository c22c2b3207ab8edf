// Package orchestrator is the entry point for inbound chat messages.
//
// # Cycle
//
// Every message runs one decision cycle:
//
//	load session -> route -> transition -> [claim, execute, record evidence]* -> save
//
// The router and the state machine are pure. All durable mutation goes
// through the session manager and the evidence store, so any worker process
// can serve any message for any session.
//
// # At-most-once stages
//
// Before a stage runs the orchestrator re-checks its evidence marker and
// writes an execution claim with a strict compare-and-set on the session
// record. Of several workers racing to run the same stage only one claim
// write succeeds; the others reload, see the claim or the evidence, and
// answer without executing. A claim older than Config.ClaimTTL is treated as
// abandoned.
//
// # Failures
//
// A failed stage records no evidence. The session keeps the stage, clears
// the claim and stores "attempted" and "error" flags, so the next affirmative
// retries the stage without asking for approval again. A save conflict
// reruns the whole cycle with the routing decision of the first attempt;
// evidence written by the first attempt prevents re-execution.
package orchestrator
