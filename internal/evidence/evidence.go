// Package evidence records durable, idempotent facts that a workflow stage
// completed for a session.
//
// Markers are keyed by session, generation and stage. The generation is
// bumped by every reset, so markers from before a reset are invisible to the
// new run even if a purge has not finished or a stale execution commits late.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/kvstore"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	"go.uber.org/zap"
)

const keyPrefix = "evidence"

// ErrStoreUnavailable is returned when the marker store cannot be reached in time.
var ErrStoreUnavailable = kvstore.ErrUnavailable

// ErrNotFound is returned by Get when no marker exists.
var ErrNotFound = kvstore.ErrNotFound

// Key identifies one marker.
type Key struct {
	SessionID  string
	Generation uint64
	Stage      workflow.Stage
}

// String returns the store key.
func (k Key) String() string {
	return fmt.Sprintf("%s.%s.%d.%s", keyPrefix, k.SessionID, k.Generation, k.Stage)
}

// Marker is the stored payload.
type Marker struct {
	SessionID   string            `json:"session_id"`
	Generation  uint64            `json:"generation"`
	Stage       workflow.Stage    `json:"stage"`
	CompletedAt time.Time         `json:"completed_at"`
	Worker      string            `json:"worker,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
}

// Store reads and writes markers.
type Store struct {
	kv      kvstore.Store
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout bounds every store call.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a marker store over kv.
func NewStore(kv kvstore.Store, opts ...Option) *Store {
	s := &Store{
		kv:      kv,
		timeout: 2 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HasCompleted reports whether the marker for key exists.
func (s *Store) HasCompleted(ctx context.Context, key Key) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the marker for key or ErrNotFound.
func (s *Store) Get(ctx context.Context, key Key) (*Marker, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	e, err := s.kv.Get(ctx, key.String())
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reading marker %s: %w", key, err)
	}

	var m Marker
	if err := json.Unmarshal(e.Value, &m); err != nil {
		return nil, fmt.Errorf("decoding marker %s: %w", key, err)
	}
	return &m, nil
}

// Completed returns the evidence set for every executable stage of a generation.
func (s *Store) Completed(ctx context.Context, sessionID string, generation uint64) (workflow.Evidence, error) {
	e := workflow.Evidence{}
	for _, stage := range workflow.ExecutableStages() {
		ok, err := s.HasCompleted(ctx, Key{SessionID: sessionID, Generation: generation, Stage: stage})
		if err != nil {
			return nil, err
		}
		if ok {
			e[stage] = true
		}
	}
	return e, nil
}

// RecordCompletion writes the marker. Recording an existing marker is a no-op.
func (s *Store) RecordCompletion(ctx context.Context, key Key, m Marker) error {
	m.SessionID = key.SessionID
	m.Generation = key.Generation
	m.Stage = key.Stage
	if m.CompletedAt.IsZero() {
		m.CompletedAt = time.Now().UTC()
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding marker: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.kv.Create(ctx, key.String(), data); err != nil {
		if errors.Is(err, kvstore.ErrKeyExists) {
			s.logger.Debug("marker already recorded", zap.String("key", key.String()))
			return nil
		}
		return fmt.Errorf("recording marker %s: %w", key, err)
	}

	s.logger.Info("marker recorded",
		zap.String("session.id", key.SessionID),
		zap.String("stage", string(key.Stage)),
		zap.Uint64("generation", key.Generation),
	)
	return nil
}

// Purge deletes the session's markers from generations before the given one
// and returns the number removed. Markers of the current run are kept.
func (s *Store) Purge(ctx context.Context, sessionID string, before uint64) (int, error) {
	keys, err := s.List(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	removed := 0
	for _, k := range keys {
		if k.Generation >= before {
			continue
		}
		if err := s.kv.Delete(ctx, k.String()); err != nil {
			return removed, fmt.Errorf("deleting marker %s: %w", k, err)
		}
		removed++
	}

	s.logger.Info("markers purged",
		zap.String("session.id", sessionID),
		zap.Uint64("before_generation", before),
		zap.Int("count", removed),
	)
	return removed, nil
}

// List returns the keys of every marker stored for the session.
func (s *Store) List(ctx context.Context, sessionID string) ([]Key, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.kv.Keys(ctx, keyPrefix+"."+sessionID+".")
	if err != nil {
		return nil, fmt.Errorf("listing markers: %w", err)
	}

	keys := make([]Key, 0, len(raw))
	for _, r := range raw {
		k, err := ParseKey(r)
		if err != nil {
			s.logger.Warn("skipping malformed marker key", zap.String("key", r), zap.Error(err))
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// ParseKey splits a store key produced by Key.String.
func ParseKey(raw string) (Key, error) {
	parts := strings.SplitN(raw, ".", 4)
	if len(parts) != 4 || parts[0] != keyPrefix {
		return Key{}, fmt.Errorf("malformed marker key %q", raw)
	}
	gen, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed generation in %q: %w", raw, err)
	}
	stage, err := workflow.ParseStage(parts[3])
	if err != nil {
		return Key{}, err
	}
	return Key{SessionID: parts[1], Generation: gen, Stage: stage}, nil
}
