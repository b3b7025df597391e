// Package verify regenerates artifacts with a producer and checks the
// resulting bundle byte-for-byte against a committed golden bundle.
//
// A run owns its scratch directory exclusively: the directory must start
// empty, an advisory lock on "<scratch>.lock" is held while the producer
// and the lock build run, and the directory is left in place afterwards
// for inspection unless the caller asks for it to be removed.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"reprolock/internal/fsys"
	"reprolock/internal/lock"
	"reprolock/internal/logging"
	"reprolock/internal/metrics"
	"reprolock/internal/policy"
	"reprolock/internal/stdoutlock"
)

var (
	ErrScratchNotEmpty = errors.New("scratch root is not empty")
	ErrScratchBusy     = errors.New("scratch root is locked by another verification")
)

// Status is the outcome of a verification.
type Status string

const (
	StatusEqual          Status = "VerifiedEqual"
	StatusDrift          Status = "Drift"
	StatusProducerFailed Status = "ProducerFailed"
)

// DefaultTailBytes bounds the captured output attached to producer failures.
const DefaultTailBytes = 4096

// Request describes one verification.
type Request struct {
	Producer Producer
	// Golden is the path of the committed bundle. It is only read.
	Golden string
	// GoldenRoot, when set, is the artifact root the golden bundle was
	// built from; its lock files are used to name differing fields.
	GoldenRoot string
	Scratch    string
	Policies   *policy.Registry
	Lock       lock.Config
	Timeout    time.Duration
	TailBytes  int
	// Clean empties a non-empty scratch root instead of refusing it.
	Clean bool
	// RemoveScratch deletes the scratch root after a VerifiedEqual run.
	RemoveScratch bool
	// StdoutLock is a "<name>_lock.sha256" file checked against the
	// producer's stdout. Its paths are relative to StdoutLockRoot.
	StdoutLock     string
	StdoutLockRoot string
	// Secret, when set, verifies the golden bundle's detached signature
	// if one exists.
	Secret []byte
}

// Result is the outcome of a verification.
type Result struct {
	Status        Status         `json:"status"`
	GoldenDigest  string         `json:"golden_digest"`
	CurrentDigest string         `json:"current_digest,omitempty"`
	Drift         *DriftReport   `json:"drift,omitempty"`
	Producer      *ProducerError `json:"producer,omitempty"`
	Scratch       string         `json:"scratch"`
	Duration      time.Duration  `json:"-"`
}

// Err maps the status to an error: nil for VerifiedEqual, a *DriftError
// for Drift and the *ProducerError for ProducerFailed.
func (r *Result) Err() error {
	switch r.Status {
	case StatusDrift:
		return r.Drift.Err()
	case StatusProducerFailed:
		return r.Producer
	default:
		return nil
	}
}

type Option func(*Verifier)

func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

type Verifier struct {
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(opts ...Option) *Verifier {
	v := &Verifier{}
	for _, opt := range opts {
		opt(v)
	}
	v.log = logging.OrDiscard(v.log)
	return v
}

// Verify runs the producer into an empty scratch root, builds a fresh
// bundle there and compares it with the golden bundle.
//
// Drift and producer failures are reported through Result.Status with a nil
// error. The error is non-nil for problems that prevent a verdict: a
// corrupt golden bundle, a busy or dirty scratch root, a lock build that
// rejects an artifact, I/O failures and cancellation. On any outcome
// other than VerifiedEqual with RemoveScratch, the scratch root is left in
// place.
func (v *Verifier) Verify(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.TailBytes <= 0 {
		req.TailBytes = DefaultTailBytes
	}
	if req.Lock.Mode == "" {
		req.Lock = lock.DefaultConfig()
	}

	golden, goldenDigest, err := loadGolden(req.Golden, req.Secret)
	if err != nil {
		return nil, err
	}

	scratch, err := filepath.Abs(req.Scratch)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(scratch), 0o755); err != nil {
		return nil, err
	}
	sl, err := acquireScratchLock(scratch + ".lock")
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := sl.Release(); rerr != nil {
			v.log.Warn("release scratch lock", "err", rerr)
		}
	}()
	if err := prepareScratch(scratch, req.Clean); err != nil {
		return nil, err
	}

	res := &Result{GoldenDigest: goldenDigest, Scratch: scratch}
	v.log.Info("producer starting", "scratch", scratch, "timeout", req.Timeout)
	ran, err := req.Producer.Run(ctx, scratch, req.Timeout, req.TailBytes)
	if ran != nil {
		v.metrics.ProducerFinished(ran.Duration)
	}
	if err != nil {
		var pe *ProducerError
		if !errors.As(err, &pe) {
			return nil, err
		}
		res.Status = StatusProducerFailed
		res.Producer = pe
		res.Duration = time.Since(start)
		v.metrics.Verified(string(res.Status))
		v.log.Warn("producer failed", "reason", pe.Reason, "exit_code", pe.ExitCode, "signal", pe.Signal)
		return res, nil
	}
	v.log.Info("producer exited", "exit_code", ran.ExitCode, "duration", ran.Duration)

	scratchRoot := fsys.OS(scratch)
	built, err := lock.NewBuilder(scratchRoot, req.Policies,
		lock.WithConfig(req.Lock), lock.WithLogger(v.log), lock.WithMetrics(v.metrics)).Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build current bundle: %w", err)
	}
	res.CurrentDigest, err = built.Bundle.Digest()
	if err != nil {
		return nil, err
	}

	var goldenRoot *fsys.Root
	if req.GoldenRoot != "" {
		goldenRoot = fsys.OS(req.GoldenRoot)
	}
	report := Compare(golden, built.Bundle, scratchRoot, goldenRoot)

	if req.StdoutLock != "" {
		mism, err := checkStdout(req, ran.Stdout)
		if err != nil && !errors.Is(err, stdoutlock.ErrMismatch) {
			return nil, err
		}
		report.Stdout = mism
	}

	res.Duration = time.Since(start)
	if report.OK() {
		res.Status = StatusEqual
		if req.RemoveScratch {
			if err := os.RemoveAll(scratch); err != nil {
				v.log.Warn("remove scratch", "scratch", scratch, "err", err)
			}
		}
	} else {
		res.Status = StatusDrift
		res.Drift = report
		v.log.Warn("drift detected", "first", report.First())
	}
	v.metrics.Verified(string(res.Status))
	v.log.Info("verification finished", "status", res.Status, "golden", goldenDigest, "current", res.CurrentDigest)
	return res, nil
}

func loadGolden(path string, secret []byte) (*lock.Bundle, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read golden bundle: %w", err)
	}
	golden, err := lock.ParseBundle(data)
	if err != nil {
		return nil, "", fmt.Errorf("golden bundle %s: %w", path, err)
	}
	if len(secret) > 0 {
		sig, err := os.ReadFile(path + lock.SigSuffix)
		switch {
		case err == nil:
			if err := lock.VerifySignature(data, sig, secret); err != nil {
				return nil, "", fmt.Errorf("golden bundle %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, "", err
		}
	}
	d, err := golden.Digest()
	if err != nil {
		return nil, "", err
	}
	return golden, d, nil
}

// prepareScratch creates dir if needed and makes sure it is empty.
func prepareScratch(dir string, clean bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if !clean {
		return fmt.Errorf("%w: %s has %d entries", ErrScratchNotEmpty, dir, len(entries))
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func checkStdout(req Request, stdout []byte) ([]stdoutlock.Mismatch, error) {
	rootDir := req.StdoutLockRoot
	if rootDir == "" {
		rootDir = "."
	}
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, err
	}
	absSum, err := filepath.Abs(req.StdoutLock)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(absRoot, absSum)
	if err != nil {
		return nil, err
	}
	return stdoutlock.Check(fsys.OS(absRoot), filepath.ToSlash(rel), stdout, nil)
}
