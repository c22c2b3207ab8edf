// Package events publishes workflow lifecycle events on NATS.
//
// Events are published to subjects of the form
//
//	<prefix>.<session_id>.<type>
//
// for example flowstate.sessions.abc123.stage_completed. Publishing is best
// effort: the durable truth is the session record and the evidence markers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "flowstate.sessions"

// Type names a lifecycle event.
type Type string

const (
	StageStarted   Type = "stage_started"
	StageCompleted Type = "stage_completed"
	StageFailed    Type = "stage_failed"
	Transitioned   Type = "transition"
	Reset          Type = "reset"
)

// Event is one lifecycle event.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	SessionID  string         `json:"session_id"`
	Generation uint64         `json:"generation"`
	Stage      workflow.Stage `json:"stage,omitempty"`
	From       workflow.Stage `json:"from,omitempty"`
	To         workflow.Stage `json:"to,omitempty"`
	Worker     string         `json:"worker,omitempty"`
	Error      string         `json:"error,omitempty"`
	At         time.Time      `json:"at"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NATSPublisher publishes JSON events on core NATS.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher. An empty prefix selects DefaultPrefix.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject e is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, e.SessionID, e.Type)
}

// Publish sends e. Missing ID and timestamp are filled in.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.SessionID == "" || e.Type == "" {
		return errors.New("event requires session id and type")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(e)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("event published", zap.String("subject", subject), zap.String("event.id", e.ID))
	return nil
}

// Subscribe delivers events for sessionID, or for every session when
// sessionID is "*", until the returned subscription is drained.
func Subscribe(nc *nats.Conn, prefix, sessionID string, fn func(Event)) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	subject := fmt.Sprintf("%s.%s.*", prefix, sessionID)
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		fn(e)
	})
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
