package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"reprolock/internal/fsys"
	"reprolock/internal/lock"
	"reprolock/internal/policy"
	"reprolock/internal/trace"
)

type lockReport struct {
	Bundle   string                `json:"bundle"`
	Digest   string                `json:"digest,omitempty"`
	Files    int                   `json:"files"`
	Signed   bool                  `json:"signed"`
	Trace    string                `json:"trace,omitempty"`
	Rejected []rejectedArtifactRow `json:"rejected,omitempty"`
}

type rejectedArtifactRow struct {
	Path   string `json:"path"`
	Schema string `json:"schema,omitempty"`
	Error  string `json:"error"`
}

func (a *App) lockCommand() *cobra.Command {
	var (
		tracePath string
		exclude   []string
	)
	cmd := &cobra.Command{
		Use:   "lock <artifact-root> <policies> <bundle-path>",
		Short: "Normalize every artifact under a root into lock files and a bundle",
		Long: `lock applies the per-schema normalization policies to every *.json
artifact under artifact-root, writes a sibling .lock.json for each and
writes the bundle manifest to bundle-path. The bundle and policy files are
skipped when they live inside the root, as is every file matching an
--exclude or lock.exclude pattern. With a signing secret configured a
detached <bundle-path>.sig is written as well.`,
		Args: usageArgs(cobra.ExactArgs(3)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLock(cmd, args[0], args[1], args[2], tracePath, exclude)
		},
	}
	cmd.Flags().StringVar(&tracePath, "trace", "", "Write the canonical build trace to this file")
	cmd.Flags().StringArrayVar(&exclude, "exclude", nil, "Skip JSON files matching this glob, by path or base name (repeatable)")
	cmd.Flags().String("mode", string(lock.ModeStrict), "Error mode: strict|collect")
	a.bind("lock.mode", cmd.Flags().Lookup("mode"))
	return cmd
}

func (a *App) runLock(cmd *cobra.Command, rootDir, policiesPath, bundlePath, tracePath string, exclude []string) error {
	reg, err := policy.LoadFile(policiesPath)
	if err != nil {
		return err
	}

	cfg := a.cfg.Lock.Builder()
	cfg.Exclude = append(cfg.Exclude, exclude...)
	for _, p := range []string{policiesPath, bundlePath} {
		rel, inside, err := relTo(rootDir, p)
		if err != nil {
			return err
		}
		if inside {
			cfg.ExcludePaths = append(cfg.ExcludePaths, rel)
		}
	}
	if err := cfg.Validate(); err != nil {
		return invalidInvocationf("lock: %v", err)
	}

	rec := trace.NewRecorder()
	res, buildErr := lock.NewBuilder(fsys.OS(rootDir), reg,
		lock.WithConfig(cfg),
		lock.WithLogger(a.log),
		lock.WithMetrics(a.metrics),
		lock.WithTrace(rec),
	).Build(cmd.Context())

	if tracePath != "" {
		b, err := rec.Trace(cfg.BundleSchema).CanonicalJSON()
		if err != nil {
			return errors.Join(buildErr, fmt.Errorf("render trace: %w", err))
		}
		if err := writeFile(tracePath, b); err != nil {
			return errors.Join(buildErr, fmt.Errorf("write trace: %w", err))
		}
	}
	if buildErr != nil {
		if res != nil {
			out := lockReport{Bundle: bundlePath, Trace: tracePath}
			for _, ar := range res.Rejected() {
				out.Rejected = append(out.Rejected, rejectedArtifactRow{Path: ar.Path, Schema: ar.Schema, Error: ar.Err.Error()})
			}
			if len(out.Rejected) > 0 {
				if err := a.report(out); err != nil {
					a.log.Warn("write report", "err", err)
				}
			}
		}
		return buildErr
	}

	abs, err := filepath.Abs(bundlePath)
	if err != nil {
		return err
	}
	data, err := lock.WriteBundle(fsys.OS(filepath.Dir(abs)), filepath.Base(abs), res.Bundle, a.secret())
	if err != nil {
		return err
	}
	d, err := res.Bundle.Digest()
	if err != nil {
		return err
	}
	a.log.Info("bundle written", "path", bundlePath, "files", len(res.Bundle.Files), "bytes", len(data), "sha256", d)
	return a.report(lockReport{
		Bundle: bundlePath,
		Digest: d,
		Files:  len(res.Bundle.Files),
		Signed: len(a.secret()) > 0,
		Trace:  tracePath,
	})
}
