package workflow

import (
	"sort"
	"strconv"
	"strings"
)

// Flag key prefixes. Stage-scoped keys take the form "<prefix>.<stage>".
const (
	flagAsked     = "asked"
	flagConfirmed = "confirmed"
	flagAttempted = "attempted"
	flagError     = "error"
	flagRunning   = "running"
	flagCompleted = "completed"
	flagArtifact  = "artifact"

	// FlagLastMessage holds the client message ID most recently processed.
	FlagLastMessage = "message.last_id"
)

// Flags are the string-valued session flags. Boolean flags store "true".
// Flags are hints for prompting and bookkeeping only; evidence markers decide
// whether a stage already ran.
type Flags map[string]string

// AskedKey marks that the confirmation prompt for stage was emitted.
func AskedKey(s Stage) string { return flagAsked + "." + string(s) }

// ConfirmedKey marks that the user approved stage.
func ConfirmedKey(s Stage) string { return flagConfirmed + "." + string(s) }

// AttemptedKey counts execution attempts of stage.
func AttemptedKey(s Stage) string { return flagAttempted + "." + string(s) }

// ErrorKey holds the last failure text for stage.
func ErrorKey(s Stage) string { return flagError + "." + string(s) }

// RunningKey holds the execution claim for stage.
func RunningKey(s Stage) string { return flagRunning + "." + string(s) }

// CompletedKey mirrors observed evidence for display.
func CompletedKey(s Stage) string { return flagCompleted + "." + string(s) }

// ArtifactKey stores an output reference produced by stage.
func ArtifactKey(s Stage, name string) string {
	return flagArtifact + "." + string(s) + "." + name
}

// Get returns the value for key.
func (f Flags) Get(key string) string {
	if f == nil {
		return ""
	}
	return f[key]
}

// Set stores value under key.
func (f Flags) Set(key, value string) {
	f[key] = value
}

// Bool reports whether key holds "true".
func (f Flags) Bool(key string) bool {
	return f.Get(key) == "true"
}

// SetBool stores a boolean flag. False removes the key.
func (f Flags) SetBool(key string, v bool) {
	if v {
		f[key] = "true"
		return
	}
	delete(f, key)
}

// Int parses key as an integer, returning 0 when absent or malformed.
func (f Flags) Int(key string) int {
	n, err := strconv.Atoi(f.Get(key))
	if err != nil {
		return 0
	}
	return n
}

// Incr increments an integer flag and returns the new value.
func (f Flags) Incr(key string) int {
	n := f.Int(key) + 1
	f[key] = strconv.Itoa(n)
	return n
}

// Delete removes key.
func (f Flags) Delete(key string) {
	delete(f, key)
}

// Clone returns an independent copy.
func (f Flags) Clone() Flags {
	out := make(Flags, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Artifacts returns the artifacts recorded for stage keyed by name.
func (f Flags) Artifacts(s Stage) map[string]string {
	prefix := flagArtifact + "." + string(s) + "."
	out := make(map[string]string)
	for k, v := range f {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

// SetArtifacts records outputs produced by stage.
func (f Flags) SetArtifacts(s Stage, artifacts map[string]string) {
	for name, ref := range artifacts {
		f[ArtifactKey(s, name)] = ref
	}
}

// Keys returns flag keys in sorted order.
func (f Flags) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Diff returns the keys changed between base and f. Removed keys map to nil.
func (f Flags) Diff(base Flags) map[string]*string {
	changes := make(map[string]*string)
	for k, v := range f {
		if bv, ok := base[k]; !ok || bv != v {
			v := v
			changes[k] = &v
		}
	}
	for k := range base {
		if _, ok := f[k]; !ok {
			changes[k] = nil
		}
	}
	return changes
}

// Apply writes a change set produced by Diff onto f.
func (f Flags) Apply(changes map[string]*string) {
	for k, v := range changes {
		if v == nil {
			delete(f, k)
			continue
		}
		f[k] = *v
	}
}

// clearStage removes transient bookkeeping for a stage that has evidence.
func (f Flags) clearStage(s Stage) {
	delete(f, RunningKey(s))
	delete(f, ErrorKey(s))
	delete(f, AskedKey(s))
}
