package kvstore

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/flowstate/internal/natsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// storeFactories runs every contract test against both implementations.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"jetstream": func(t *testing.T) Store {
			nc := natsutil.ConnectTestServer(t)
			s, err := NewJetStreamStore(context.Background(), nc, BucketConfig{Name: "test"}, zap.NewNop())
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_CreateGet(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			_, err := s.Get(ctx, "session.a")
			assert.ErrorIs(t, err, ErrNotFound)

			rev, err := s.Create(ctx, "session.a", []byte("v1"))
			require.NoError(t, err)
			assert.NotZero(t, rev)

			e, err := s.Get(ctx, "session.a")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), e.Value)
			assert.Equal(t, rev, e.Revision)

			_, err = s.Create(ctx, "session.a", []byte("v2"))
			assert.ErrorIs(t, err, ErrKeyExists)
		})
	}
}

func TestStore_UpdateCompareAndSet(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			rev1, err := s.Create(ctx, "session.b", []byte("v1"))
			require.NoError(t, err)

			rev2, err := s.Update(ctx, "session.b", []byte("v2"), rev1)
			require.NoError(t, err)
			assert.Greater(t, rev2, rev1)

			// Stale writer loses.
			_, err = s.Update(ctx, "session.b", []byte("v3"), rev1)
			assert.ErrorIs(t, err, ErrRevisionMismatch)

			e, err := s.Get(ctx, "session.b")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), e.Value)
		})
	}
}

func TestStore_DeleteAndRecreate(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			_, err := s.Create(ctx, "evidence.s1.0.ingesting", []byte("x"))
			require.NoError(t, err)
			require.NoError(t, s.Delete(ctx, "evidence.s1.0.ingesting"))

			_, err = s.Get(ctx, "evidence.s1.0.ingesting")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.Create(ctx, "evidence.s1.0.ingesting", []byte("y"))
			assert.NoError(t, err)
		})
	}
}

func TestStore_Keys(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			for _, k := range []string{"evidence.s1.0.a", "evidence.s1.1.b", "evidence.s2.0.a"} {
				_, err := s.Create(ctx, k, []byte("1"))
				require.NoError(t, err)
			}

			keys, err := s.Keys(ctx, "evidence.s1.")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"evidence.s1.0.a", "evidence.s1.1.b"}, keys)
		})
	}
}

func TestStore_InvalidKey(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Create(context.Background(), "bad key*", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "session.a")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestInstrumented_PassesThrough(t *testing.T) {
	s := Instrument("test", NewMemoryStore())
	ctx := context.Background()

	rev, err := s.Create(ctx, "k", []byte("v"))
	require.NoError(t, err)
	_, err = s.Update(ctx, "k", []byte("w"), rev+10)
	assert.ErrorIs(t, err, ErrRevisionMismatch)
	assert.Equal(t, "mismatch", resultLabel(err))
}
