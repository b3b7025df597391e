// Package trace records what a lock build decided for each artifact.
//
// A BuildTrace is observational only: it never affects the bundle. Its
// canonical bytes depend on the logical transitions alone, never on
// timing, so two builds over identical inputs produce identical traces.
package trace

import (
	"errors"
	"fmt"
	"sort"

	"reprolock/internal/canon"
	"reprolock/internal/digest"
)

// BuildTrace is the canonical record of one lock build.
//
// Events must not carry timestamps, error strings or anything derived from
// map iteration or pointer identity.
type BuildTrace struct {
	BundleSchema string
	Events       []Event
}

// EventKind is the stable discriminator of an Event. The string values are
// part of the trace's canonical bytes; do not rename.
type EventKind string

const (
	EventDiscovered EventKind = "ArtifactDiscovered"
	EventParsed     EventKind = "ArtifactParsed"
	EventNormalized EventKind = "ArtifactNormalized"
	EventViolation  EventKind = "PolicyViolation"
	EventLocked     EventKind = "ArtifactLocked"
	EventHashed     EventKind = "ArtifactHashed"
	EventRejected   EventKind = "ArtifactRejected"
)

// Event is a single logical transition of one artifact.
type Event struct {
	Kind EventKind

	// Path is the artifact path relative to the build root, slash separated.
	Path string

	Schema string

	// Reason is a stable reason code ("NonCanonical", "UnknownSchema",
	// "missing_field", ...).
	Reason string

	// Field names the policy field a violation refers to.
	Field string

	// Digest is the lock file digest, set on EventHashed.
	Digest string
}

func (t *BuildTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.BundleSchema == "" {
		return errors.New("bundleSchema is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Path == "" {
			return fmt.Errorf("events[%d].path is required for kind %q", i, e.Kind)
		}
		if e.Kind == EventHashed && !digest.Valid(e.Digest) {
			return fmt.Errorf("events[%d].digest %q is not a sha256 hex digest", i, e.Digest)
		}
	}
	return nil
}

// Canonicalize sorts events by (path, kind order, field, reason). The
// order is independent of the order events were recorded in.
func (t *BuildTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Reason < b.Reason
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventDiscovered:
		return 10
	case EventParsed:
		return 20
	case EventViolation:
		return 25
	case EventNormalized:
		return 30
	case EventLocked:
		return 40
	case EventHashed:
		return 50
	case EventRejected:
		return 60
	default:
		return 1000
	}
}

// Tree returns the trace as a JSON value tree. Empty optional fields are
// omitted.
func (t BuildTrace) Tree() map[string]any {
	events := make([]any, 0, len(t.Events))
	for _, e := range t.Events {
		m := map[string]any{"kind": string(e.Kind), "path": e.Path}
		for k, v := range map[string]string{
			"schema": e.Schema,
			"reason": e.Reason,
			"field":  e.Field,
			"digest": e.Digest,
		} {
			if v != "" {
				m[k] = v
			}
		}
		events = append(events, m)
	}
	return map[string]any{"bundleSchema": t.BundleSchema, "events": events}
}

// CanonicalJSON returns the canonical bytes of a canonicalized copy of the
// trace. The receiver's events are not reordered.
func (t BuildTrace) CanonicalJSON() ([]byte, error) {
	cp := BuildTrace{BundleSchema: t.BundleSchema, Events: append([]Event(nil), t.Events...)}
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return canon.Marshal(cp.Tree())
}

// Hash returns the sha256 hex digest of CanonicalJSON.
func (t BuildTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return digest.Bytes(b), nil
}
