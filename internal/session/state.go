package session

import (
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/workflow"
)

// State is a process-local copy of a session. The shared store is
// authoritative; a State lives for one request.
type State struct {
	SessionID  string
	Stage      workflow.Stage
	Flags      workflow.Flags
	Generation uint64
	UpdatedAt  time.Time

	// Dirty is set by callers after mutating the state and cleared by Save.
	Dirty bool

	revision uint64
	base     snapshot
}

// snapshot is the persisted view a State was loaded from.
type snapshot struct {
	stage      workflow.Stage
	generation uint64
	flags      workflow.Flags
}

// record is the stored document.
type record struct {
	SessionID  string            `json:"session_id"`
	Stage      string            `json:"stage"`
	Flags      map[string]string `json:"flags,omitempty"`
	Generation uint64            `json:"generation"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// NewState returns a fresh Idle session that has never been stored.
func NewState(sessionID string) *State {
	s := &State{
		SessionID: sessionID,
		Stage:     workflow.StageIdle,
		Flags:     workflow.Flags{},
	}
	s.base = s.snapshot()
	return s
}

// Revision returns the store revision the state was loaded at; 0 if never stored.
func (s *State) Revision() uint64 {
	return s.revision
}

// IsNew reports whether the session has never been persisted.
func (s *State) IsNew() bool {
	return s.revision == 0
}

// LoadedStage returns the stage as it was when the state was loaded.
func (s *State) LoadedStage() workflow.Stage {
	return s.base.stage
}

// Clone returns a deep copy including revision bookkeeping.
func (s *State) Clone() *State {
	c := *s
	c.Flags = s.Flags.Clone()
	c.base.flags = s.base.flags.Clone()
	return &c
}

// Update applies a new stage and flag set and marks the state dirty.
func (s *State) Update(stage workflow.Stage, flags workflow.Flags) {
	s.Stage = stage
	s.Flags = flags
	s.Dirty = true
}

func (s *State) snapshot() snapshot {
	return snapshot{stage: s.Stage, generation: s.Generation, flags: s.Flags.Clone()}
}

func (s *State) toRecord() record {
	return record{
		SessionID:  s.SessionID,
		Stage:      string(s.Stage),
		Flags:      s.Flags,
		Generation: s.Generation,
		UpdatedAt:  s.UpdatedAt,
	}
}

// Claim describes an in-flight stage execution.
type Claim struct {
	Owner     string
	ClaimedAt time.Time
}

// String encodes the claim as "<owner>|<unix-nanos>".
func (c Claim) String() string {
	return c.Owner + "|" + strconv.FormatInt(c.ClaimedAt.UnixNano(), 10)
}

// ParseClaim decodes a claim flag value.
func ParseClaim(v string) (Claim, bool) {
	i := strings.LastIndexByte(v, '|')
	if i <= 0 {
		return Claim{}, false
	}
	ns, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return Claim{}, false
	}
	return Claim{Owner: v[:i], ClaimedAt: time.Unix(0, ns)}, true
}

// ActiveClaim returns the claim on stage if one exists and is younger than ttl.
func (s *State) ActiveClaim(stage workflow.Stage, ttl time.Duration, now time.Time) (Claim, bool) {
	c, ok := ParseClaim(s.Flags.Get(workflow.RunningKey(stage)))
	if !ok {
		return Claim{}, false
	}
	if now.Sub(c.ClaimedAt) >= ttl {
		return c, false
	}
	return c, true
}
