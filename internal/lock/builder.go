// Package lock turns emitted artifacts into lock files and a bundle
// manifest binding them together.
//
// For every artifact under the root, in sorted path order, the builder
// parses it, applies the schema's normalization policy, writes the
// canonical projection to the sibling "*.lock.json" path and records the
// SHA-256 of those bytes in the bundle. Identical inputs give identical
// bundle bytes on every machine.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"reprolock/internal/canon"
	"reprolock/internal/digest"
	"reprolock/internal/fsys"
	"reprolock/internal/logging"
	"reprolock/internal/metrics"
	"reprolock/internal/policy"
	"reprolock/internal/record"
	"reprolock/internal/trace"
)

// LockSuffix names lock files, which sit next to their artifact.
const LockSuffix = ".lock.json"

// Mode selects how per-artifact errors propagate.
type Mode string

const (
	// ModeStrict stops at the first rejected artifact.
	ModeStrict Mode = "strict"
	// ModeCollect processes every artifact and reports all rejections.
	ModeCollect Mode = "collect"
)

// MissingFieldAction decides what happens when a policy strips a field the
// artifact does not have.
type MissingFieldAction string

const (
	MissingIgnore MissingFieldAction = "ignore"
	MissingWarn   MissingFieldAction = "warn"
	MissingFail   MissingFieldAction = "fail"
)

// Config controls a build.
type Config struct {
	Mode Mode
	// StrictCanonical rejects artifacts whose bytes do not round-trip
	// through the canonical serializer.
	StrictCanonical bool
	MissingField    MissingFieldAction
	BundleSchema    string
	// Exclude holds path.Match patterns tested against both the relative
	// path and the base name of each candidate.
	Exclude []string
	// ExcludePaths holds relative paths skipped verbatim, without glob
	// interpretation.
	ExcludePaths []string
}

func DefaultConfig() Config {
	return Config{
		Mode:            ModeStrict,
		StrictCanonical: true,
		MissingField:    MissingWarn,
		BundleSchema:    DefaultBundleSchema,
	}
}

// Validate checks enumerated values and exclude patterns.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeStrict, ModeCollect:
	default:
		return fmt.Errorf("unknown lock mode %q", c.Mode)
	}
	switch c.MissingField {
	case MissingIgnore, MissingWarn, MissingFail:
	default:
		return fmt.Errorf("unknown missing-field action %q", c.MissingField)
	}
	if id, err := record.ParseSchema(c.BundleSchema); err != nil || id.Name != "Bundle" {
		return fmt.Errorf("bundle schema %q must look like Bundle.vN", c.BundleSchema)
	}
	for _, p := range c.Exclude {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("exclude pattern %q: %w", p, err)
		}
	}
	return nil
}

type Option func(*Builder)

func WithConfig(c Config) Option {
	return func(b *Builder) { b.cfg = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

func WithTrace(s trace.Sink) Option {
	return func(b *Builder) { b.sink = s }
}

// Builder builds lock files and a bundle for one artifact root.
type Builder struct {
	root     *fsys.Root
	policies *policy.Registry
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	sink     trace.Sink
}

func NewBuilder(root *fsys.Root, policies *policy.Registry, opts ...Option) *Builder {
	b := &Builder{root: root, policies: policies, cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.OrDiscard(b.log)
	if b.sink == nil {
		b.sink = trace.NopSink{}
	}
	return b
}

// ArtifactResult is the outcome for one artifact.
type ArtifactResult struct {
	Path       string             `json:"path"`
	LockPath   string             `json:"lock_path,omitempty"`
	Schema     string             `json:"schema,omitempty"`
	State      ArtifactState      `json:"state"`
	Digest     string             `json:"digest,omitempty"`
	Violations []policy.Violation `json:"violations,omitempty"`
	Err        error              `json:"-"`
}

// Result is what a build produced. Bundle is nil unless every artifact
// reached StateHashed.
type Result struct {
	Bundle    *Bundle
	Artifacts []ArtifactResult
}

// Rejected returns the artifacts that did not make it into the bundle.
func (r *Result) Rejected() []ArtifactResult {
	var out []ArtifactResult
	for _, a := range r.Artifacts {
		if a.State == StateRejected {
			out = append(out, a)
		}
	}
	return out
}

// LockPath returns the sibling lock path of an artifact path.
func LockPath(artifact string) string {
	return strings.TrimSuffix(artifact, ".json") + LockSuffix
}

// Discover lists candidate artifacts in sorted order: every "*.json" that
// is not a lock file and matches no exclude pattern.
func (b *Builder) Discover() ([]string, error) {
	files, err := b.root.Files()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		if !strings.HasSuffix(f, ".json") || strings.HasSuffix(f, LockSuffix) {
			continue
		}
		if b.excluded(f) {
			b.log.Debug("artifact excluded", "path", f)
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (b *Builder) excluded(p string) bool {
	for _, lit := range b.cfg.ExcludePaths {
		if path.Clean(lit) == p {
			return true
		}
	}
	base := path.Base(p)
	for _, pat := range b.cfg.Exclude {
		if ok, _ := path.Match(pat, p); ok {
			return true
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// Build processes every discovered artifact. In strict mode the first
// rejection is returned immediately; in collect mode all rejections are
// joined into the returned error. The bundle is not written; see
// WriteBundle.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	paths, err := b.Discover()
	if err != nil {
		return nil, err
	}

	state := make(BuildState, len(paths))
	bundle := NewBundle(b.cfg.BundleSchema)
	res := &Result{Artifacts: make([]ArtifactResult, 0, len(paths))}
	var errs []error

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		state[p] = StateDiscovered
		trace.SafeRecord(b.sink, trace.Event{Kind: trace.EventDiscovered, Path: p})

		ar, err := b.lockOne(state, p)
		if err != nil {
			var ae *ArtifactError
			if !errors.As(err, &ae) {
				return res, err
			}
			if terr := Transition(state, p, state[p], StateRejected); terr != nil {
				return res, terr
			}
			ar.State = StateRejected
			ar.Err = err
			b.metrics.ArtifactRejected(ae.Reason())
			trace.SafeRecord(b.sink, trace.Event{Kind: trace.EventRejected, Path: p, Schema: ae.Schema, Reason: ae.Reason()})
			b.log.Warn("artifact rejected", "path", p, "schema", ae.Schema, "reason", ae.Reason(), "err", err)
			res.Artifacts = append(res.Artifacts, ar)
			errs = append(errs, err)
			if b.cfg.Mode == ModeStrict {
				return res, err
			}
			continue
		}
		ar.State = state[p]
		bundle.Files[ar.LockPath] = ar.Digest
		b.metrics.ArtifactLocked()
		res.Artifacts = append(res.Artifacts, ar)
	}

	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	res.Bundle = bundle
	b.metrics.LockBuilt(len(bundle.Files), time.Since(start))
	b.log.Info("lock bundle built", "artifacts", len(bundle.Files), "schema", bundle.Schema)
	return res, nil
}

func (b *Builder) lockOne(state BuildState, p string) (ArtifactResult, error) {
	ar := ArtifactResult{Path: p, State: StateDiscovered}
	reject := func(kind, cause error) (ArtifactResult, error) {
		return ar, &ArtifactError{Path: p, Schema: ar.Schema, Kind: kind, Err: cause}
	}

	data, err := b.root.ReadFile(p)
	if err != nil {
		return reject(err, err)
	}
	var v any
	if b.cfg.StrictCanonical {
		v, err = canon.CheckCanonical(data, true)
	} else {
		v, err = canon.Unmarshal(data)
	}
	if err != nil {
		return reject(ErrNonCanonical, err)
	}
	tree, ok := v.(map[string]any)
	if !ok {
		return reject(ErrMissingSchema, errors.New("top level is not an object"))
	}
	schema, _ := tree[record.KeySchema].(string)
	if schema == "" {
		return reject(ErrMissingSchema, ErrMissingSchema)
	}
	ar.Schema = schema
	if ref, _ := tree[record.KeyConstantsRef].(string); ref == "" {
		return reject(ErrUnboundConstants, ErrUnboundConstants)
	}
	if err := Transition(state, p, StateDiscovered, StateParsed); err != nil {
		return ar, err
	}
	trace.SafeRecord(b.sink, trace.Event{Kind: trace.EventParsed, Path: p, Schema: schema})

	pol, err := b.policies.Lookup(schema)
	if err != nil {
		return reject(ErrUnknownSchema, err)
	}
	var fatal []error
	for _, vio := range pol.Check(tree) {
		if vio.Kind == policy.MissingField && b.cfg.MissingField == MissingIgnore {
			continue
		}
		ar.Violations = append(ar.Violations, vio)
		trace.SafeRecord(b.sink, trace.Event{Kind: trace.EventViolation, Path: p, Schema: schema, Field: vio.Field, Reason: string(vio.Kind)})
		if vio.Kind == policy.MissingField && b.cfg.MissingField == MissingWarn {
			b.log.Warn("policy strips a missing field", "path", p, "schema", schema, "field", vio.Field)
			continue
		}
		fatal = append(fatal, vio)
	}
	if len(fatal) > 0 {
		return reject(policy.ErrPolicyViolation, errors.Join(fatal...))
	}
	normalized := pol.Apply(tree)
	if err := Transition(state, p, StateParsed, StateNormalized); err != nil {
		return ar, err
	}
	trace.SafeRecord(b.sink, trace.Event{Kind: trace.EventNormalized, Path: p, Schema: schema})

	body, err := canon.Marshal(normalized)
	if err != nil {
		return reject(ErrNonCanonical, err)
	}
	ar.LockPath = LockPath(p)
	if err := b.root.WriteAtomic(ar.LockPath, body, 0o644); err != nil {
		return reject(err, err)
	}
	if err := Transition(state, p, StateNormalized, StateLocked); err != nil {
		return ar, err
	}
	trace.SafeRecord(b.sink, trace.Event{Kind: trace.EventLocked, Path: p, Schema: schema})

	ar.Digest = digest.Bytes(body)
	if err := Transition(state, p, StateLocked, StateHashed); err != nil {
		return ar, err
	}
	trace.SafeRecord(b.sink, trace.Event{Kind: trace.EventHashed, Path: p, Schema: schema, Digest: ar.Digest})
	b.log.Debug("artifact locked", "path", p, "schema", schema, "lock", ar.LockPath, "sha256", ar.Digest)
	return ar, nil
}

// WriteBundle writes the canonical bundle bytes to name under root,
// temp-then-rename, and returns them. When secret is non-empty a detached
// signature is written to name+SigSuffix as well.
func WriteBundle(root *fsys.Root, name string, bundle *Bundle, secret []byte) ([]byte, error) {
	if bundle == nil {
		return nil, errors.New("nil bundle")
	}
	data, err := bundle.Marshal()
	if err != nil {
		return nil, err
	}
	if err := root.WriteAtomic(name, data, 0o644); err != nil {
		return nil, fmt.Errorf("write bundle: %w", err)
	}
	if len(secret) > 0 {
		if err := root.WriteAtomic(name+SigSuffix, Sign(data, secret), 0o644); err != nil {
			return nil, fmt.Errorf("write bundle signature: %w", err)
		}
	}
	return data, nil
}
