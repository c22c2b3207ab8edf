// Package kvstore provides the revisioned key-value abstraction that backs
// session state and evidence markers.
//
// Every value carries a monotonically increasing revision. Writers use Create
// for insert-if-absent and Update for compare-and-set against the revision
// they last observed. Two implementations are provided: a JetStream KV bucket
// for multi-process deployments and an in-memory store for tests and
// single-process use.
package kvstore

import (
	"context"
	"errors"
	"regexp"
)

var (
	// ErrNotFound indicates the key has no live value.
	ErrNotFound = errors.New("key not found")

	// ErrKeyExists indicates Create found a live value for the key.
	ErrKeyExists = errors.New("key already exists")

	// ErrRevisionMismatch indicates Update observed a different revision than expected.
	ErrRevisionMismatch = errors.New("revision mismatch")

	// ErrUnavailable indicates the backing store could not be reached in time.
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalidKey indicates the key contains characters the store rejects.
	ErrInvalidKey = errors.New("invalid key")
)

// keyPattern matches keys accepted by JetStream KV. Dots separate tokens.
var keyPattern = regexp.MustCompile(`^[-/_=a-zA-Z0-9]+(\.[-/_=a-zA-Z0-9]+)*$`)

// Entry is a single value read from the store.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Store is a revisioned key-value store.
type Store interface {
	// Get returns the latest value for key or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Create stores value only if key has no live value. Returns the new revision.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update stores value only if the current revision equals lastRevision.
	Update(ctx context.Context, key string, value []byte, lastRevision uint64) (uint64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists live keys under prefix. Prefixes end at a token boundary ("a.b.").
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ValidateKey reports whether key is usable with every Store implementation.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}
