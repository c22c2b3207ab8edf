package router

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/flowstate/internal/workflow"
)

// ErrRouterUnavailable indicates the semantic classifier could not produce a
// decision. Route never returns it directly; it is attached to fallback
// decisions as the cause.
var ErrRouterUnavailable = errors.New("router unavailable")

// Kind is the category of a routing decision.
type Kind string

const (
	KindContinueWorkflow   Kind = "continue_workflow"
	KindInvokeTool         Kind = "invoke_tool"
	KindGeneralChat        Kind = "general_chat"
	KindNeedsClarification Kind = "needs_clarification"
)

// Intent refines a decision with what the user wants from the workflow.
type Intent string

const (
	IntentNone    Intent = ""
	IntentAdvance Intent = "advance"
	IntentConfirm Intent = "confirm"
	IntentDecline Intent = "decline"
	IntentReset   Intent = "reset"
)

// Source records which tier produced a decision.
type Source string

const (
	SourceSentinel        Source = "sentinel"
	SourceStructural      Source = "structural"
	SourceSemantic        Source = "semantic"
	SourcePatternFallback Source = "pattern_fallback"
	SourceClarifyFallback Source = "clarify_fallback"
)

// Decision is the router's output for one message. It is transient and
// never persisted.
type Decision struct {
	Kind       Kind    `json:"kind"`
	Intent     Intent  `json:"intent,omitempty"`
	Tool       string  `json:"tool,omitempty"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
	Reason     string  `json:"reason,omitempty"`

	// Fallback is true when the semantic tier was bypassed.
	Fallback bool `json:"fallback,omitempty"`

	// Cause is the classifier failure behind a fallback, wrapping
	// ErrRouterUnavailable. Nil for low-confidence fallbacks.
	Cause error `json:"-"`
}

// Signal converts the decision into the state machine's input.
func (d Decision) Signal() workflow.Signal {
	switch d.Kind {
	case KindContinueWorkflow:
		switch d.Intent {
		case IntentConfirm:
			return workflow.SignalConfirm
		case IntentReset:
			return workflow.SignalReset
		default:
			return workflow.SignalAdvance
		}
	case KindGeneralChat:
		if d.Intent == IntentDecline {
			return workflow.SignalDecline
		}
	}
	return workflow.SignalNone
}

// Unavailable reports whether the decision is a fallback caused by an
// unreachable classifier.
func (d Decision) Unavailable() bool {
	return d.Cause != nil && errors.Is(d.Cause, ErrRouterUnavailable)
}

func (d Decision) String() string {
	if d.Tool != "" {
		return fmt.Sprintf("%s(%s)/%s", d.Kind, d.Tool, d.Source)
	}
	if d.Intent != IntentNone {
		return fmt.Sprintf("%s:%s/%s", d.Kind, d.Intent, d.Source)
	}
	return fmt.Sprintf("%s/%s", d.Kind, d.Source)
}

// Request is everything Route depends on.
type Request struct {
	Message string
	Stage   workflow.Stage

	// Pending is the stage awaiting the user's approval, if any.
	Pending workflow.Stage

	Catalog Catalog
}
