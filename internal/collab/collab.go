// Package collab connects the orchestrator to the processes that do the real
// work: stage workers, catalog tools and the chat model.
//
// Stage workers and tools are reached over NATS request-reply or HTTP. Both
// transports carry the same JSON payloads, so a worker can be moved between
// them without code changes.
package collab

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/flowstate/internal/workflow"
)

var (
	// ErrRemote indicates the collaborator answered with a failure.
	ErrRemote = errors.New("collaborator reported failure")

	// ErrNoWorker indicates nothing is listening for the request.
	ErrNoWorker = errors.New("no collaborator available")

	// ErrTimeout indicates no reply arrived in time. The work may still be
	// running on the collaborator.
	ErrTimeout = errors.New("collaborator timed out")
)

// StageRequest asks a worker to run one stage.
type StageRequest struct {
	SessionID string            `json:"session_id"`
	Stage     workflow.Stage    `json:"stage"`
	Inputs    map[string]string `json:"inputs,omitempty"`
}

// StageReply is a worker's answer. A non-empty Error means the stage failed.
type StageReply struct {
	Outputs map[string]string `json:"outputs,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// ToolRequest asks a tool to handle a message.
type ToolRequest struct {
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
	Message   string `json:"message"`
}

// ToolReply is a tool's answer.
type ToolReply struct {
	Text      string            `json:"text"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func remoteError(what, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrRemote, what, msg)
}
