// Package policy declares, per artifact schema, which fields are volatile
// and how they are neutralized before an artifact is locked.
//
// A policy has three transformations, applied in this order:
//   - strip: remove volatile fields (timestamps, sessions, data roots);
//   - path_scrub: rewrite path strings to their tail from a known root
//     marker ("telemetry", "sessions", "memory"), or their base name;
//   - shape_only: replace numeric leaves with a placeholder so only the
//     structure is pinned, keeping the listed keys (n_bins, thresholds)
//     verbatim.
//
// Apply is pure, total over JSON value trees and idempotent. Check is the
// separate, read-only pass that reports policy violations.
package policy

import (
	"errors"
	"fmt"
	"math/big"
	"path"
	"sort"
	"strings"

	"reprolock/internal/record"
)

var (
	ErrInvalidPolicy   = errors.New("invalid normalization policy")
	ErrPolicyViolation = errors.New("policy violation")
)

// NumberPlaceholder replaces numeric leaves under shape_only fields.
const NumberPlaceholder = "<number>"

// DefaultMarkers are the root markers used when a scrub rule lists none.
var DefaultMarkers = []string{"telemetry", "sessions", "memory"}

// ScrubRule rewrites the path strings found at Field.
type ScrubRule struct {
	Field   string   `json:"field" yaml:"field"`
	Markers []string `json:"markers,omitempty" yaml:"markers,omitempty"`
}

// ShapeRule pins only the structure of the value at Field.
type ShapeRule struct {
	Field string   `json:"field" yaml:"field"`
	Keep  []string `json:"keep,omitempty" yaml:"keep,omitempty"`
}

// Policy is the normalization declaration for one schema.
type Policy struct {
	Schema    string      `json:"schema" yaml:"schema"`
	Strip     []string    `json:"strip,omitempty" yaml:"strip,omitempty"`
	PathScrub []ScrubRule `json:"path_scrub,omitempty" yaml:"path_scrub,omitempty"`
	ShapeOnly []ShapeRule `json:"shape_only,omitempty" yaml:"shape_only,omitempty"`
	// Keys declares the semantic top-level keys. When set, any other
	// top-level key that is not stripped is reported as unknown.
	Keys  []string `json:"keys,omitempty" yaml:"keys,omitempty"`
	Notes string   `json:"notes,omitempty" yaml:"notes,omitempty"`

	strip []fieldPath
	scrub []compiledScrub
	shape []compiledShape
}

type compiledScrub struct {
	path    fieldPath
	markers map[string]bool
}

type compiledShape struct {
	path fieldPath
	keep map[string]bool
}

// Compile validates the policy and prepares its field paths. It is called
// by Registry.Register; policies used directly must be compiled first.
func (p *Policy) Compile() error {
	var errs []error
	if _, err := record.ParseSchema(p.Schema); err != nil {
		errs = append(errs, err)
	}

	p.strip = p.strip[:0]
	for _, f := range p.Strip {
		fp, err := compileField(f)
		if err != nil {
			errs = append(errs, fmt.Errorf("strip: %w", err))
			continue
		}
		p.strip = append(p.strip, fp)
	}

	p.scrub = p.scrub[:0]
	for _, r := range p.PathScrub {
		fp, err := compileField(r.Field)
		if err != nil {
			errs = append(errs, fmt.Errorf("path_scrub: %w", err))
			continue
		}
		markers := r.Markers
		if len(markers) == 0 {
			markers = DefaultMarkers
		}
		set := make(map[string]bool, len(markers))
		for _, m := range markers {
			if m == "" || strings.ContainsAny(m, `/\`) {
				errs = append(errs, fmt.Errorf("path_scrub %s: marker %q must be a single path segment", r.Field, m))
				continue
			}
			set[m] = true
		}
		p.scrub = append(p.scrub, compiledScrub{path: fp, markers: set})
	}

	p.shape = p.shape[:0]
	for _, r := range p.ShapeOnly {
		fp, err := compileField(r.Field)
		if err != nil {
			errs = append(errs, fmt.Errorf("shape_only: %w", err))
			continue
		}
		keep := make(map[string]bool, len(r.Keep))
		for _, k := range r.Keep {
			keep[k] = true
		}
		p.shape = append(p.shape, compiledShape{path: fp, keep: keep})
	}

	for _, k := range p.Keys {
		if k == "" {
			errs = append(errs, errors.New("keys: empty key"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %s: %w", ErrInvalidPolicy, p.Schema, errors.Join(errs...))
	}
	return nil
}

// compileField parses f and refuses selectors that could remove or rewrite
// the binding keys every lock must retain.
func compileField(f string) (fieldPath, error) {
	fp, err := parsePath(f)
	if err != nil {
		return nil, err
	}
	switch fp[0] {
	case record.KeySchema, record.KeyConstantsRef, Wildcard:
		return nil, fmt.Errorf("field %q would touch %s or %s", f, record.KeySchema, record.KeyConstantsRef)
	}
	return fp, nil
}

// Apply returns the normalized projection of tree. The input is never
// modified.
func (p *Policy) Apply(tree map[string]any) map[string]any {
	out := clone(tree).(map[string]any)

	for _, fp := range p.strip {
		visit(out, fp, func(parent map[string]any, key string) {
			delete(parent, key)
		})
	}
	for _, r := range p.scrub {
		visit(out, r.path, func(parent map[string]any, key string) {
			parent[key] = scrubValue(parent[key], r.markers)
		})
	}
	for _, r := range p.shape {
		visit(out, r.path, func(parent map[string]any, key string) {
			parent[key] = skeleton(parent[key], r.keep)
		})
	}
	return out
}

// scrubValue rewrites a path string, or every path string directly inside
// a sequence or mapping.
func scrubValue(v any, markers map[string]bool) any {
	switch x := v.(type) {
	case string:
		return ScrubPath(x, markers)
	case []any:
		for i, e := range x {
			if s, ok := e.(string); ok {
				x[i] = ScrubPath(s, markers)
			}
		}
		return x
	case map[string]any:
		for k, e := range x {
			if s, ok := e.(string); ok {
				x[k] = ScrubPath(s, markers)
			}
		}
		return x
	}
	return v
}

// ScrubPath returns the tail of p starting at the first segment that is a
// marker, or the base name when no segment is. Backslashes are treated as
// separators so Windows paths scrub identically. The path is cleaned before
// the marker search, so the result is always a fixed point of ScrubPath.
func ScrubPath(p string, markers map[string]bool) string {
	if p == "" {
		return p
	}
	norm := path.Clean(strings.ReplaceAll(p, `\`, "/"))
	segs := strings.Split(norm, "/")
	for i, seg := range segs {
		if markers[seg] {
			return strings.Join(segs[i:], "/")
		}
	}
	return path.Base(norm)
}

// skeleton replaces every numeric leaf with NumberPlaceholder. Values under
// keys in keep are preserved verbatim at any depth.
func skeleton(v any, keep map[string]bool) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			if keep[k] {
				continue
			}
			x[k] = skeleton(e, keep)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = skeleton(e, keep)
		}
		return x
	}
	if isNumber(v) {
		return NumberPlaceholder
	}
	return v
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, *big.Int:
		return true
	}
	return false
}

// ViolationKind classifies a Violation.
type ViolationKind string

const (
	// MissingField: a strip target is absent from the artifact.
	MissingField ViolationKind = "missing_field"
	// UnknownKey: a top-level key is neither declared nor stripped.
	UnknownKey ViolationKind = "unknown_key"
)

// Violation is one mismatch between a policy and an artifact.
type Violation struct {
	Schema string        `json:"schema"`
	Field  string        `json:"field"`
	Kind   ViolationKind `json:"kind"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: schema %s: field %s", v.Kind, v.Schema, v.Field)
}

func (v Violation) Unwrap() error { return ErrPolicyViolation }

// Check reports, in canonical order, strip targets absent from tree and,
// when Keys is declared, top-level keys the policy does not account for.
func (p *Policy) Check(tree map[string]any) []Violation {
	var out []Violation
	for _, fp := range p.strip {
		if !exists(tree, fp) {
			out = append(out, Violation{Schema: p.Schema, Field: fp.String(), Kind: MissingField})
		}
	}
	if len(p.Keys) > 0 {
		known := map[string]bool{record.KeySchema: true, record.KeyConstantsRef: true}
		for _, k := range p.Keys {
			known[k] = true
		}
		for _, fp := range p.strip {
			if len(fp) == 1 {
				known[fp[0]] = true
			}
		}
		for _, k := range sortedKeys(tree) {
			if !known[k] {
				out = append(out, Violation{Schema: p.Schema, Field: k, Kind: UnknownKey})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Field < out[j].Field
	})
	return out
}
