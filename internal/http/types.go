// Package http provides the HTTP API for flowstated.
package http

import (
	"github.com/fyrsmithlabs/flowstate/internal/orchestrator"
)

// MessageRequest is the request body for POST /api/v1/sessions/:id/messages.
type MessageRequest struct {
	// ID is the client's message id, used to ignore redeliveries.
	ID          string            `json:"id,omitempty"`
	Text        string            `json:"text"`
	Attachments map[string]string `json:"attachments,omitempty"`

	// Catalog overrides the configured tool catalog for this message.
	Catalog map[string]string `json:"catalog,omitempty"`
}

// MessageResponse wraps a directive. Error is set when the directive was
// produced despite a failure, such as a failed stage.
type MessageResponse struct {
	Directive *orchestrator.Directive `json:"directive"`
	Error     string                  `json:"error,omitempty"`
}

// ErrorResponse is returned with non-2xx statuses.
type ErrorResponse struct {
	Error string `json:"error"`

	// Retryable tells clients the same request may succeed if resent.
	Retryable bool `json:"retryable,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services,omitempty"`
}
