package session

import (
	"errors"
	"regexp"

	"github.com/fyrsmithlabs/flowstate/internal/kvstore"
)

var (
	// ErrStoreUnavailable indicates the shared store could not be reached in time.
	// No state was mutated.
	ErrStoreUnavailable = kvstore.ErrUnavailable

	// ErrConflictDetected indicates another writer moved the session's stage
	// or generation since it was loaded.
	ErrConflictDetected = errors.New("session conflict detected")

	// ErrInvalidSessionID indicates an identifier outside [a-zA-Z0-9_-]{1,128}.
	ErrInvalidSessionID = errors.New("invalid session id")
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// ValidateID checks that id is usable as a session identifier.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return ErrInvalidSessionID
	}
	return nil
}
