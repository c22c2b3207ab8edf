// Package session loads and persists workflow sessions in the shared store
// with optimistic concurrency.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/kvstore"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const keyPrefix = "session"

var tracer = otel.Tracer("github.com/fyrsmithlabs/flowstate/internal/session")

// Config configures a Manager.
type Config struct {
	// Timeout bounds every store call.
	Timeout time.Duration

	// MaxMergeAttempts bounds flag-merge retries in Save.
	MaxMergeAttempts int

	// CacheSize is the number of sessions whose last own write is remembered.
	CacheSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          2 * time.Second,
		MaxMergeAttempts: 3,
		CacheSize:        4096,
	}
}

// ownWrite is the last state this process stored for a session.
type ownWrite struct {
	rec      record
	revision uint64
}

// Manager is the single path through which session state is read and written.
type Manager struct {
	kv      kvstore.Store
	cfg     Config
	logger  *zap.Logger
	written *lru.Cache[string, ownWrite]
	now     func() time.Time
}

// NewManager creates a Manager over kv.
func NewManager(kv kvstore.Store, cfg Config, logger *zap.Logger) (*Manager, error) {
	if kv == nil {
		return nil, errors.New("kv store is required")
	}
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxMergeAttempts <= 0 {
		cfg.MaxMergeAttempts = defaults.MaxMergeAttempts
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaults.CacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New[string, ownWrite](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating write cache: %w", err)
	}

	return &Manager{
		kv:      kv,
		cfg:     cfg,
		logger:  logger,
		written: cache,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func storeKey(sessionID string) string {
	return keyPrefix + "." + sessionID
}

// Load returns the durable state of the session, or a fresh Idle state if it
// has never been stored. The result is never older than this process's own
// last write for the session.
func (m *Manager) Load(ctx context.Context, sessionID string) (*State, error) {
	ctx, span := tracer.Start(ctx, "session.Load")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}

	rec, rev, err := m.fetch(ctx, sessionID)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if own, ok := m.written.Get(sessionID); ok && own.revision > rev {
		m.logger.Debug("store returned stale session, using own write",
			zap.String("session.id", sessionID),
			zap.Uint64("store_revision", rev),
			zap.Uint64("own_revision", own.revision),
		)
		rec, rev, err = own.rec, own.revision, nil
	}

	if errors.Is(err, kvstore.ErrNotFound) {
		return NewState(sessionID), nil
	}

	st, err := fromRecord(rec, rev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("stage", string(st.Stage)), attribute.Int64("revision", int64(rev)))
	return st, nil
}

// Save persists st if it is dirty. When the stored revision moved because
// another writer changed only flags, the local flag changes are merged onto
// the fresh copy and the write is retried. A concurrent change of stage or
// generation yields ErrConflictDetected.
func (m *Manager) Save(ctx context.Context, st *State) error {
	if !st.Dirty {
		return nil
	}

	ctx, span := tracer.Start(ctx, "session.Save")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", st.SessionID), attribute.String("stage", string(st.Stage)))

	for attempt := 0; attempt < m.cfg.MaxMergeAttempts; attempt++ {
		err := m.write(ctx, st)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kvstore.ErrRevisionMismatch) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		if err := m.merge(ctx, st); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		MergesTotal.Inc()
	}

	ConflictsTotal.WithLabelValues("merge_exhausted").Inc()
	return fmt.Errorf("%w: gave up after %d merge attempts", ErrConflictDetected, m.cfg.MaxMergeAttempts)
}

// Claim records an execution claim for stage with a strict compare-and-set:
// any write to the session since st was loaded makes the claim fail with
// ErrConflictDetected. Pending changes in st are written together with the claim.
func (m *Manager) Claim(ctx context.Context, st *State, stage workflow.Stage, owner string) (Claim, error) {
	ctx, span := tracer.Start(ctx, "session.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", st.SessionID), attribute.String("stage", string(stage)))

	c := Claim{Owner: owner, ClaimedAt: m.now()}
	st.Flags.Set(workflow.RunningKey(stage), c.String())
	st.Dirty = true

	if err := m.write(ctx, st); err != nil {
		if errors.Is(err, kvstore.ErrRevisionMismatch) {
			ConflictsTotal.WithLabelValues("claim").Inc()
			m.logger.Info("claim lost",
				zap.String("session.id", st.SessionID),
				zap.String("stage", string(stage)),
				zap.String("owner", owner),
			)
			return Claim{}, fmt.Errorf("%w: claim on %s lost", ErrConflictDetected, stage)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Claim{}, err
	}
	return c, nil
}

// write performs a single compare-and-set of st.
func (m *Manager) write(ctx context.Context, st *State) error {
	st.UpdatedAt = m.now()
	rec := st.toRecord()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	var rev uint64
	if st.revision == 0 {
		rev, err = m.kv.Create(ctx, storeKey(st.SessionID), data)
		if errors.Is(err, kvstore.ErrKeyExists) {
			err = kvstore.ErrRevisionMismatch
		}
	} else {
		rev, err = m.kv.Update(ctx, storeKey(st.SessionID), data, st.revision)
	}
	if err != nil {
		if errors.Is(err, kvstore.ErrRevisionMismatch) {
			return err
		}
		return fmt.Errorf("writing session %s: %w", st.SessionID, err)
	}

	st.revision = rev
	st.Dirty = false
	st.base = st.snapshot()
	m.written.Add(st.SessionID, ownWrite{rec: cloneRecord(rec), revision: rev})
	return nil
}

// merge rebases st's local flag changes onto the stored copy.
func (m *Manager) merge(ctx context.Context, st *State) error {
	rec, rev, err := m.fetch(ctx, st.SessionID)
	if errors.Is(err, kvstore.ErrNotFound) {
		ConflictsTotal.WithLabelValues("stage_changed").Inc()
		return fmt.Errorf("%w: session %s disappeared", ErrConflictDetected, st.SessionID)
	}
	if err != nil {
		return err
	}

	if rec.Stage != string(st.base.stage) || rec.Generation != st.base.generation {
		ConflictsTotal.WithLabelValues("stage_changed").Inc()
		m.logger.Info("session conflict",
			zap.String("session.id", st.SessionID),
			zap.String("loaded_stage", string(st.base.stage)),
			zap.String("stored_stage", rec.Stage),
			zap.Uint64("loaded_generation", st.base.generation),
			zap.Uint64("stored_generation", rec.Generation),
		)
		return fmt.Errorf("%w: stage moved from %s to %s", ErrConflictDetected, st.base.stage, rec.Stage)
	}

	remote := workflow.Flags(rec.Flags).Clone()
	changes := st.Flags.Diff(st.base.flags)
	merged := remote.Clone()
	merged.Apply(changes)

	m.logger.Debug("merging concurrent flag changes",
		zap.String("session.id", st.SessionID),
		zap.Int("local_changes", len(changes)),
	)

	st.Flags = merged
	st.revision = rev
	st.base = snapshot{stage: st.base.stage, generation: rec.Generation, flags: remote}
	return nil
}

// fetch reads the stored record. A missing session returns kvstore.ErrNotFound
// with revision 0.
func (m *Manager) fetch(ctx context.Context, sessionID string) (record, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	e, err := m.kv.Get(ctx, storeKey(sessionID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return record{}, 0, err
		}
		return record{}, 0, fmt.Errorf("reading session %s: %w", sessionID, err)
	}

	var rec record
	if err := json.Unmarshal(e.Value, &rec); err != nil {
		return record{}, 0, fmt.Errorf("%w: decoding session %s: %v", workflow.ErrCorruptState, sessionID, err)
	}
	return rec, e.Revision, nil
}

func fromRecord(rec record, rev uint64) (*State, error) {
	stage, err := workflow.ParseStage(rec.Stage)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", rec.SessionID, err)
	}
	st := &State{
		SessionID:  rec.SessionID,
		Stage:      stage,
		Flags:      workflow.Flags(rec.Flags).Clone(),
		Generation: rec.Generation,
		UpdatedAt:  rec.UpdatedAt,
		revision:   rev,
	}
	st.base = st.snapshot()
	return st, nil
}

func cloneRecord(r record) record {
	r.Flags = workflow.Flags(r.Flags).Clone()
	return r
}
