package verify

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"reprolock/internal/canon"
	"reprolock/internal/digest"
	"reprolock/internal/fsys"
	"reprolock/internal/lock"
	"reprolock/internal/stdoutlock"
)

var (
	ErrDriftDetected   = errors.New("drift detected")
	ErrMissingArtifact = errors.New("missing artifact")
	ErrExtraArtifact   = errors.New("extra artifact")
)

// Mismatch is one bundle key whose digest differs.
type Mismatch struct {
	Path     string `json:"path"`
	Artifact string `json:"artifact"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	// Fields lists the differing field paths when the golden lock file was
	// available to compare against.
	Fields []string `json:"fields,omitempty"`
}

// DriftReport is the full set of divergences between two bundles, in
// canonical order.
type DriftReport struct {
	GoldenSchema  string                `json:"golden_schema"`
	CurrentSchema string                `json:"current_schema"`
	Mismatches    []Mismatch            `json:"mismatches,omitempty"`
	Missing       []string              `json:"missing,omitempty"`
	Extra         []string              `json:"extra,omitempty"`
	Stdout        []stdoutlock.Mismatch `json:"stdout,omitempty"`
}

func (r *DriftReport) SchemaMismatch() bool {
	return r.GoldenSchema != r.CurrentSchema
}

// OK reports whether there is no divergence at all.
func (r *DriftReport) OK() bool {
	return r != nil && !r.SchemaMismatch() && len(r.Mismatches) == 0 &&
		len(r.Missing) == 0 && len(r.Extra) == 0 && len(r.Stdout) == 0
}

// First describes the first divergence in canonical order.
func (r *DriftReport) First() string {
	switch {
	case r == nil || r.OK():
		return ""
	case r.SchemaMismatch():
		return fmt.Sprintf("schema: expected %s, got %s", r.GoldenSchema, r.CurrentSchema)
	}
	type div struct{ path, msg string }
	var first *div
	consider := func(p, msg string) {
		if first == nil || p < first.path {
			first = &div{p, msg}
		}
	}
	if len(r.Mismatches) > 0 {
		m := r.Mismatches[0]
		msg := fmt.Sprintf("%s (artifact %s): expected %s, got %s", m.Path, m.Artifact, m.Expected, m.Actual)
		if len(m.Fields) > 0 {
			msg += " in " + strings.Join(m.Fields, ", ")
		}
		consider(m.Path, msg)
	}
	if len(r.Missing) > 0 {
		consider(r.Missing[0], fmt.Sprintf("%s: missing", r.Missing[0]))
	}
	if len(r.Extra) > 0 {
		consider(r.Extra[0], fmt.Sprintf("%s: extra", r.Extra[0]))
	}
	if first == nil {
		m := r.Stdout[0]
		return fmt.Sprintf("stdout %s: expected %s, got %s", m.Path, m.Expected, m.Actual)
	}
	return first.msg
}

// Err returns nil when the bundles agree. Otherwise the error wraps
// ErrDriftDetected, plus ErrMissingArtifact or ErrExtraArtifact when the
// key sets differ.
func (r *DriftReport) Err() error {
	if r.OK() {
		return nil
	}
	errs := []error{ErrDriftDetected}
	if len(r.Missing) > 0 {
		errs = append(errs, ErrMissingArtifact)
	}
	if len(r.Extra) > 0 {
		errs = append(errs, ErrExtraArtifact)
	}
	return &DriftError{Report: r, kinds: errors.Join(errs...)}
}

// DriftError carries the report of a failed verification.
type DriftError struct {
	Report *DriftReport
	kinds  error
}

func (e *DriftError) Error() string {
	n := len(e.Report.Mismatches) + len(e.Report.Missing) + len(e.Report.Extra) + len(e.Report.Stdout)
	return fmt.Sprintf("drift detected (%d divergences): %s", n, e.Report.First())
}

func (e *DriftError) Unwrap() error { return e.kinds }

// Compare reports how current diverges from golden. For each mismatching
// key the digest of the current lock file is recomputed from currentRoot.
// When goldenRoot is non-nil and holds the golden lock file, the differing
// field paths are listed as well.
func Compare(golden, current *lock.Bundle, currentRoot, goldenRoot *fsys.Root) *DriftReport {
	r := &DriftReport{GoldenSchema: golden.Schema, CurrentSchema: current.Schema}
	for _, p := range golden.Paths() {
		want := golden.Files[p]
		got, ok := current.Files[p]
		if !ok {
			r.Missing = append(r.Missing, p)
			continue
		}
		if currentRoot != nil {
			if data, err := currentRoot.ReadFile(p); err == nil {
				got = digest.Bytes(data)
			}
		}
		if got == want {
			continue
		}
		m := Mismatch{Path: p, Artifact: artifactOf(p), Expected: want, Actual: got}
		if goldenRoot != nil && currentRoot != nil {
			m.Fields = diffLockFiles(goldenRoot, currentRoot, p)
		}
		r.Mismatches = append(r.Mismatches, m)
	}
	for _, p := range current.Paths() {
		if _, ok := golden.Files[p]; !ok {
			r.Extra = append(r.Extra, p)
		}
	}
	return r
}

func artifactOf(lockPath string) string {
	return strings.TrimSuffix(lockPath, lock.LockSuffix) + ".json"
}

func diffLockFiles(goldenRoot, currentRoot *fsys.Root, p string) []string {
	a, err := goldenRoot.ReadFile(p)
	if err != nil {
		return nil
	}
	b, err := currentRoot.ReadFile(p)
	if err != nil {
		return nil
	}
	va, err := canon.Unmarshal(a)
	if err != nil {
		return nil
	}
	vb, err := canon.Unmarshal(b)
	if err != nil {
		return nil
	}
	var out []string
	diffValues("", va, vb, &out)
	sort.Strings(out)
	return out
}

// diffValues appends the dotted paths at which a and b differ. Mappings
// are descended into; any other differing value is reported whole.
func diffValues(prefix string, a, b any, out *[]string) {
	ma, aok := a.(map[string]any)
	mb, bok := b.(map[string]any)
	if !aok || !bok {
		if !canon.Equal(a, b) {
			*out = append(*out, prefix)
		}
		return
	}
	keys := make(map[string]struct{}, len(ma)+len(mb))
	for k := range ma {
		keys[k] = struct{}{}
	}
	for k := range mb {
		keys[k] = struct{}{}
	}
	for k := range keys {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		va, inA := ma[k]
		vb, inB := mb[k]
		if inA != inB {
			*out = append(*out, p)
			continue
		}
		diffValues(p, va, vb, out)
	}
}
