// Package emit materializes run records and their auxiliary files under an
// artifact root.
package emit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"reprolock/internal/canon"
	"reprolock/internal/digest"
	"reprolock/internal/fsys"
	"reprolock/internal/logging"
	"reprolock/internal/metrics"
	"reprolock/internal/record"
)

// PrimaryDir is the directory, relative to the root, that holds primary
// artifacts.
const PrimaryDir = "telemetry"

// LockSuffix marks lock files; the emitter refuses to produce them.
const LockSuffix = ".lock.json"

// Every *.json under the data root is a lock candidate and must carry a
// schema, so JSON payloads are emitted as records, never as aux files.
const jsonSuffix = ".json"

var ErrInvalidRequest = errors.New("invalid emit request")

// AuxFile is an auxiliary payload (figure, CSV, text) written verbatim.
type AuxFile struct {
	// Name is the logical name recorded under the record's "files" mapping.
	Name string
	// Path is relative to the artifact root.
	Path string
	Data []byte
}

// Request describes one emission.
type Request struct {
	Experiment string
	Record     *record.Record
	Aux        []AuxFile
}

// Descriptor reports what was written.
type Descriptor struct {
	Primary string   `json:"primary"`
	Aux     []string `json:"aux"`
	SHA256  string   `json:"sha256"`
}

// Emitter writes artifacts beneath a single root. One emitter per
// experiment process; emitters do not coordinate with each other.
type Emitter struct {
	root    *fsys.Root
	log     *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Emitter)

func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

func New(root *fsys.Root, opts ...Option) *Emitter {
	e := &Emitter{root: root}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logging.OrDiscard(e.log)
	return e
}

// PrimaryPath returns the relative path of an experiment's primary artifact.
func PrimaryPath(experiment string) string {
	return PrimaryDir + "/" + experiment + ".json"
}

// Emit validates the request, writes auxiliary files verbatim and then the
// primary artifact as canonical JSON plus a newline. Every file is written
// temp-then-rename. The caller's record is not modified: auxiliary names
// are merged into a copy of its "files" mapping.
func (e *Emitter) Emit(ctx context.Context, req Request) (*Descriptor, error) {
	if err := validateExperiment(req.Experiment); err != nil {
		return nil, err
	}
	if req.Record == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidRequest)
	}
	primary := PrimaryPath(req.Experiment)

	rec := *req.Record
	rec.Files = nil
	if req.Record.Files != nil {
		rec.Files = make(map[string]string, len(req.Record.Files)+len(req.Aux))
		for k, v := range req.Record.Files {
			rec.Files[k] = v
		}
	}

	aux := make([]AuxFile, 0, len(req.Aux))
	seen := map[string]bool{primary: true}
	for _, a := range req.Aux {
		p, err := fsys.CleanRel(a.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: aux %q: %v", ErrInvalidRequest, a.Name, err)
		}
		switch {
		case strings.HasSuffix(p, LockSuffix):
			return nil, fmt.Errorf("%w: aux %q: %s is reserved for lock files", ErrInvalidRequest, a.Name, LockSuffix)
		case strings.HasSuffix(p, jsonSuffix):
			return nil, fmt.Errorf("%w: aux %q: %s files are locked as records; emit %s as its own record", ErrInvalidRequest, a.Name, jsonSuffix, p)
		}
		if seen[p] {
			return nil, fmt.Errorf("%w: aux %q: duplicate path %s", ErrInvalidRequest, a.Name, p)
		}
		seen[p] = true
		if a.Name != "" {
			if rec.Files == nil {
				rec.Files = make(map[string]string)
			}
			if prev, ok := rec.Files[a.Name]; ok && prev != p {
				return nil, fmt.Errorf("%w: aux %q: record already maps it to %s", ErrInvalidRequest, a.Name, prev)
			}
			rec.Files[a.Name] = p
		}
		aux = append(aux, AuxFile{Name: a.Name, Path: p, Data: a.Data})
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	body, err := canon.MarshalLine(rec.Tree())
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", primary, err)
	}

	sort.Slice(aux, func(i, j int) bool { return aux[i].Path < aux[j].Path })
	desc := &Descriptor{Primary: primary, Aux: make([]string, 0, len(aux)), SHA256: digest.Bytes(body)}
	for _, a := range aux {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.root.WriteAtomic(a.Path, a.Data, 0o644); err != nil {
			return nil, fmt.Errorf("write aux %s: %w", a.Path, err)
		}
		desc.Aux = append(desc.Aux, a.Path)
		e.log.Debug("aux file written", "path", a.Path, "bytes", len(a.Data))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.root.WriteAtomic(primary, body, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact %s: %w", primary, err)
	}
	e.metrics.ArtifactEmitted()
	e.log.Info("artifact emitted", "path", primary, "schema", rec.Schema, "sha256", desc.SHA256)
	return desc, nil
}

func validateExperiment(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty experiment id", ErrInvalidRequest)
	case strings.ContainsAny(id, `/\`), id == ".", id == "..":
		return fmt.Errorf("%w: experiment id %q must be a plain file stem", ErrInvalidRequest, id)
	case strings.HasSuffix(id, ".lock"):
		return fmt.Errorf("%w: experiment id %q collides with lock naming", ErrInvalidRequest, id)
	}
	return nil
}
