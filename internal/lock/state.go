package lock

import "fmt"

// ArtifactState is the progress of one artifact through a build.
//
//	Discovered -> Parsed -> Normalized -> Locked -> Hashed
//
// Any non-terminal state may move to Rejected.
type ArtifactState string

const (
	StateDiscovered ArtifactState = "DISCOVERED"
	StateParsed     ArtifactState = "PARSED"
	StateNormalized ArtifactState = "NORMALIZED"
	StateLocked     ArtifactState = "LOCKED"
	StateHashed     ArtifactState = "HASHED"
	StateRejected   ArtifactState = "REJECTED"
)

// IsTerminal reports whether s is a final state.
func IsTerminal(s ArtifactState) bool {
	return s == StateHashed || s == StateRejected
}

// BuildState holds per-artifact state keyed by relative path.
type BuildState map[string]ArtifactState

// Transition performs a validated transition for a single artifact.
//
// The caller supplies the expected prior state so that skipped steps are
// observable. The map is mutated only if the transition is valid.
func Transition(state BuildState, path string, from, to ArtifactState) error {
	cur, ok := state[path]
	if !ok {
		return fmt.Errorf("unknown artifact in state: %q", path)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", path, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", path, from, to)
	}
	state[path] = to
	return nil
}

func isAllowedTransition(from, to ArtifactState) bool {
	if to == StateRejected {
		return !IsTerminal(from)
	}
	switch from {
	case StateDiscovered:
		return to == StateParsed
	case StateParsed:
		return to == StateNormalized
	case StateNormalized:
		return to == StateLocked
	case StateLocked:
		return to == StateHashed
	default:
		return false
	}
}
