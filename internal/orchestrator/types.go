package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/evidence"
	"github.com/fyrsmithlabs/flowstate/internal/router"
	"github.com/fyrsmithlabs/flowstate/internal/session"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
)

// Message is one inbound user message.
type Message struct {
	SessionID string `json:"session_id"`

	// ID is the client's message identifier. Redelivered messages carrying
	// the ID of the last processed workflow message are answered without
	// being acted on. Optional.
	ID string `json:"id,omitempty"`

	Text string `json:"text"`

	// Attachments are artifact references handed to the intake stage.
	Attachments map[string]string `json:"attachments,omitempty"`

	// Catalog overrides the configured tool catalog for this message.
	Catalog router.Catalog `json:"-"`
}

// DirectiveKind is the shape of a response.
type DirectiveKind string

const (
	DirectiveReply           DirectiveKind = "reply"
	DirectiveToolResult      DirectiveKind = "tool_result"
	DirectiveAskConfirmation DirectiveKind = "ask_confirmation"
)

// Response codes attached to directives that need client attention.
const (
	CodeStageFailed       = "stage_failed"
	CodeRouterUnavailable = "router_unavailable"
	CodeInProgress        = "in_progress"
	CodeDuplicate         = "duplicate"
	CodeResetRace         = "reset_during_request"
)

// Directive is the response to one message.
type Directive struct {
	Kind DirectiveKind `json:"kind"`
	Text string        `json:"text"`

	// Stage is the session's stage after the message was handled.
	Stage workflow.Stage `json:"stage"`

	// Pending is the stage awaiting approval for ask_confirmation.
	Pending workflow.Stage `json:"pending,omitempty"`

	// Tool and Artifacts are set for tool_result.
	Tool      string            `json:"tool,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`

	// Executed lists stages run while handling this message.
	Executed []workflow.Stage `json:"executed,omitempty"`

	Code     string          `json:"code,omitempty"`
	Decision router.Decision `json:"decision"`
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	SessionID  string           `json:"session_id"`
	Stage      workflow.Stage   `json:"stage"`
	Pending    workflow.Stage   `json:"pending,omitempty"`
	Generation uint64           `json:"generation"`
	Flags      workflow.Flags   `json:"flags"`
	Completed  []workflow.Stage `json:"completed"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Revision   uint64           `json:"revision"`
}

// StageExecutor runs one pipeline stage. It must only report success once
// the stage's outputs are durable.
type StageExecutor interface {
	Execute(ctx context.Context, sessionID string, stage workflow.Stage, inputs map[string]string) (map[string]string, error)
}

// ToolResult is what a tool returns.
type ToolResult struct {
	Text      string            `json:"text"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// ToolInvoker runs a catalog tool on behalf of the user.
type ToolInvoker interface {
	Invoke(ctx context.Context, sessionID, tool, message string) (ToolResult, error)
}

// ChatResponder produces free-form replies.
type ChatResponder interface {
	Reply(ctx context.Context, sessionID string, stage workflow.Stage, message string) (string, error)
}

// Sessions is the session state manager.
type Sessions interface {
	Load(ctx context.Context, sessionID string) (*session.State, error)
	Save(ctx context.Context, st *session.State) error
	Claim(ctx context.Context, st *session.State, stage workflow.Stage, owner string) (session.Claim, error)
}

// Markers is the evidence store.
type Markers interface {
	Completed(ctx context.Context, sessionID string, generation uint64) (workflow.Evidence, error)
	HasCompleted(ctx context.Context, key evidence.Key) (bool, error)
	Get(ctx context.Context, key evidence.Key) (*evidence.Marker, error)
	RecordCompletion(ctx context.Context, key evidence.Key, m evidence.Marker) error
	Purge(ctx context.Context, sessionID string, before uint64) (int, error)
}

// Decider routes messages.
type Decider interface {
	Route(ctx context.Context, req router.Request) router.Decision
}

var (
	_ Sessions = (*session.Manager)(nil)
	_ Markers  = (*evidence.Store)(nil)
	_ Decider  = (*router.Router)(nil)
)
