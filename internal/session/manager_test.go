package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/kvstore"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, kv kvstore.Store) *Manager {
	t.Helper()
	m, err := NewManager(kv, DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestLoad_NewSession(t *testing.T) {
	m := newTestManager(t, kvstore.NewMemoryStore())

	st, err := m.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageIdle, st.Stage)
	assert.True(t, st.IsNew())
	assert.False(t, st.Dirty)
}

func TestLoad_InvalidID(t *testing.T) {
	m := newTestManager(t, kvstore.NewMemoryStore())

	_, err := m.Load(context.Background(), "bad id!")
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, kvstore.NewMemoryStore())

	st, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	st.Update(workflow.StageIngesting, workflow.Flags{"k": "v"})
	require.NoError(t, m.Save(ctx, st))
	assert.False(t, st.Dirty)
	assert.NotZero(t, st.Revision())

	got, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageIngesting, got.Stage)
	assert.Equal(t, "v", got.Flags.Get("k"))
	assert.Equal(t, st.Revision(), got.Revision())
}

func TestSave_NotDirtyIsNoop(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	m := newTestManager(t, kv)

	st := NewState("sess-1")
	require.NoError(t, m.Save(context.Background(), st))
	assert.Equal(t, 0, kv.Len())
}

func TestSave_MergesConcurrentFlagChanges(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	m1 := newTestManager(t, kv)
	m2 := newTestManager(t, kv)

	seed, err := m1.Load(ctx, "sess-1")
	require.NoError(t, err)
	seed.Update(workflow.StageAwaitingConfirmation, workflow.Flags{"shared": "0"})
	require.NoError(t, m1.Save(ctx, seed))

	a, err := m1.Load(ctx, "sess-1")
	require.NoError(t, err)
	b, err := m2.Load(ctx, "sess-1")
	require.NoError(t, err)

	a.Flags.Set("from_a", "1")
	a.Dirty = true
	require.NoError(t, m1.Save(ctx, a))

	b.Flags.Set("from_b", "1")
	b.Flags.Delete("shared")
	b.Dirty = true
	require.NoError(t, m2.Save(ctx, b))

	got, err := m1.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Flags.Get("from_a"))
	assert.Equal(t, "1", got.Flags.Get("from_b"))
	assert.Empty(t, got.Flags.Get("shared"))
	assert.Equal(t, workflow.StageAwaitingConfirmation, got.Stage)
}

func TestSave_StageConflict(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	m := newTestManager(t, kv)

	seed := NewState("sess-1")
	seed.Update(workflow.StageAwaitingConfirmation, workflow.Flags{})
	require.NoError(t, m.Save(ctx, seed))

	a, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	b, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)

	a.Update(workflow.StageComputingStage2, a.Flags)
	require.NoError(t, m.Save(ctx, a))

	b.Flags.Set("chat", "1")
	b.Dirty = true
	err = m.Save(ctx, b)
	assert.ErrorIs(t, err, ErrConflictDetected)
}

func TestSave_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	m := newTestManager(t, kv)

	a := NewState("sess-1")
	b := NewState("sess-1")

	a.Update(workflow.StageIngesting, workflow.Flags{})
	require.NoError(t, m.Save(ctx, a))

	b.Update(workflow.StageIngesting, workflow.Flags{})
	assert.ErrorIs(t, m.Save(ctx, b), ErrConflictDetected)
}

func TestClaim_StrictCompareAndSet(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	m := newTestManager(t, kv)

	seed := NewState("sess-1")
	seed.Update(workflow.StageAwaitingConfirmation, workflow.Flags{})
	require.NoError(t, m.Save(ctx, seed))

	a, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	b, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)

	// A flag-only write still invalidates b's claim.
	a.Flags.Set("noise", "1")
	a.Dirty = true
	require.NoError(t, m.Save(ctx, a))

	_, err = m.Claim(ctx, b, workflow.StageComputingStage2, "w2")
	assert.ErrorIs(t, err, ErrConflictDetected)
}

func TestClaim_OnlyOneWinner(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	m := newTestManager(t, kv)

	seed := NewState("sess-1")
	seed.Update(workflow.StageAwaitingConfirmation, workflow.Flags{})
	require.NoError(t, m.Save(ctx, seed))

	const workers = 12
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		st, err := m.Load(ctx, "sess-1")
		require.NoError(t, err)
		wg.Add(1)
		go func(st *State) {
			defer wg.Done()
			st.Update(workflow.StageComputingStage2, st.Flags)
			if _, err := m.Claim(ctx, st, workflow.StageComputingStage2, "w"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrConflictDetected)
			}
		}(st)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

// staleKV serves a frozen copy of a key after the first read.
type staleKV struct {
	kvstore.Store
	mu     sync.Mutex
	frozen *kvstore.Entry
}

func (s *staleKV) Get(ctx context.Context, key string) (*kvstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen != nil {
		return s.frozen, nil
	}
	e, err := s.Store.Get(ctx, key)
	if err == nil {
		s.frozen = e
	}
	return e, err
}

func TestLoad_NeverOlderThanOwnWrite(t *testing.T) {
	ctx := context.Background()
	kv := &staleKV{Store: kvstore.NewMemoryStore()}
	m := newTestManager(t, kv)

	st := NewState("sess-1")
	st.Update(workflow.StageIngesting, workflow.Flags{})
	require.NoError(t, m.Save(ctx, st))

	first, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	first.Update(workflow.StageComputingStage1, first.Flags)
	require.NoError(t, m.Save(ctx, first))

	// Store still reports the older revision.
	got, err := m.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageComputingStage1, got.Stage)
}

type unavailableKV struct {
	kvstore.Store
}

func (unavailableKV) Get(ctx context.Context, _ string) (*kvstore.Entry, error) {
	<-ctx.Done()
	return nil, kvstore.ErrUnavailable
}

func TestLoad_TimeoutIsStoreUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	m, err := NewManager(unavailableKV{Store: kvstore.NewMemoryStore()}, cfg, nil)
	require.NoError(t, err)

	_, err = m.Load(context.Background(), "sess-1")
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestLoad_CorruptStage(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	_, err := kv.Create(ctx, "session.sess-1", []byte(`{"session_id":"sess-1","stage":"bogus"}`))
	require.NoError(t, err)

	m := newTestManager(t, kv)
	_, err = m.Load(ctx, "sess-1")
	assert.ErrorIs(t, err, workflow.ErrCorruptState)
}

func TestActiveClaim(t *testing.T) {
	now := time.Now()
	st := NewState("sess-1")
	st.Flags.Set(workflow.RunningKey(workflow.StageComputingStage2), Claim{Owner: "w1", ClaimedAt: now.Add(-time.Second)}.String())

	c, ok := st.ActiveClaim(workflow.StageComputingStage2, time.Minute, now)
	assert.True(t, ok)
	assert.Equal(t, "w1", c.Owner)

	_, ok = st.ActiveClaim(workflow.StageComputingStage2, 500*time.Millisecond, now)
	assert.False(t, ok, "expired claim")

	_, ok = st.ActiveClaim(workflow.StageComputingStage3, time.Minute, now)
	assert.False(t, ok)
}
