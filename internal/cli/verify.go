package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reprolock/internal/history"
	"reprolock/internal/policy"
	"reprolock/internal/verify"
)

type verifyOptions struct {
	policies       string
	goldenRoot     string
	stdoutLock     string
	stdoutLockRoot string
	clean          bool
	env            []string
	exclude        []string
}

type verifyReport struct {
	RunID string `json:"run_id,omitempty"`
	*verify.Result
}

var defaultPolicyNames = []string{"policies.yaml", "policies.yml", "policies.json"}

func (a *App) verifyCommand() *cobra.Command {
	var opts verifyOptions
	cmd := &cobra.Command{
		Use:   "verify <producer-cmd> <golden-bundle> <scratch-root>",
		Short: "Re-run a producer into a scratch root and compare its bundle with the golden one",
		Long: `verify runs producer-cmd through "sh -c" with DATA_ROOT bound to
scratch-root and a fixed environment (PYTHONHASHSEED=0, TZ=UTC, LC_ALL=C),
locks what it wrote and compares the fresh bundle with golden-bundle.

The report is printed on stdout. Exit status is 0 on a match, 2 on drift
and 3 when the producer fails.`,
		Args: usageArgs(cobra.ExactArgs(3)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runVerify(cmd.Context(), args[0], args[1], args[2], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.policies, "policies", "", "Policy file (default: policies.yaml next to the golden bundle, or above it within --golden-root)")
	f.StringVar(&opts.goldenRoot, "golden-root", "", "Artifact root of the golden bundle, used to name differing fields")
	f.StringVar(&opts.stdoutLock, "stdout-lock", "", "sha256sum lock file to check the producer's stdout against")
	f.StringVar(&opts.stdoutLockRoot, "stdout-lock-root", ".", "Root the stdout lock's paths are relative to")
	f.BoolVar(&opts.clean, "clean", false, "Empty a non-empty scratch root instead of refusing it")
	f.StringArrayVar(&opts.env, "env", nil, "Extra producer environment KEY=VALUE (repeatable)")
	f.StringArrayVar(&opts.exclude, "exclude", nil, "Skip JSON files in the scratch root matching this glob (repeatable)")
	f.Duration("timeout", 10*time.Minute, "Producer wall-clock limit (0 disables)")
	f.Int("tail-bytes", verify.DefaultTailBytes, "Bytes of producer output kept on failure")
	f.Bool("keep-scratch", true, "Keep the scratch root after a successful verification")
	f.String("history-dir", "", "Record the run in this history directory")
	a.bind("verify.timeout", f.Lookup("timeout"))
	a.bind("verify.tail_bytes", f.Lookup("tail-bytes"))
	a.bind("verify.keep_scratch", f.Lookup("keep-scratch"))
	a.bind("history.dir", f.Lookup("history-dir"))
	return cmd
}

func (a *App) runVerify(ctx context.Context, producerCmd, golden, scratch string, opts verifyOptions) error {
	start := time.Now().UTC()
	res, err := a.verify(ctx, producerCmd, golden, scratch, opts)
	runID := a.recordRun(start, golden, scratch, res, err)
	if err != nil {
		return err
	}
	if rerr := a.report(verifyReport{RunID: runID, Result: res}); rerr != nil {
		return rerr
	}
	return res.Err()
}

func (a *App) verify(ctx context.Context, producerCmd, golden, scratch string, opts verifyOptions) (*verify.Result, error) {
	policiesPath := opts.policies
	if policiesPath == "" {
		p, ok, err := findPolicies(filepath.Dir(golden), opts.goldenRoot)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, invalidInvocationf("verify: no --policies given and no %s next to %s or above it within --golden-root", defaultPolicyNames[0], golden)
		}
		policiesPath = p
	}
	reg, err := policy.LoadFile(policiesPath)
	if err != nil {
		return nil, err
	}
	env, err := parseEnv(opts.env)
	if err != nil {
		return nil, err
	}

	lockCfg := a.cfg.Lock.Builder()
	lockCfg.Exclude = append(lockCfg.Exclude, opts.exclude...)
	if err := lockCfg.Validate(); err != nil {
		return nil, invalidInvocationf("verify: %v", err)
	}

	req := verify.Request{
		Producer:       verify.Producer{Command: producerCmd, Env: env},
		Golden:         golden,
		GoldenRoot:     opts.goldenRoot,
		Scratch:        scratch,
		Policies:       reg,
		Lock:           lockCfg,
		Timeout:        a.cfg.Verify.Timeout,
		TailBytes:      a.cfg.Verify.TailBytes,
		Clean:          opts.clean,
		RemoveScratch:  !a.cfg.Verify.KeepScratch,
		StdoutLock:     opts.stdoutLock,
		StdoutLockRoot: opts.stdoutLockRoot,
		Secret:         a.secret(),
	}
	return verify.New(verify.WithLogger(a.log), verify.WithMetrics(a.metrics)).Verify(ctx, req)
}

// findPolicies looks for a default policy file in dir. When dir lies
// under stopAt, the parents of dir are searched too, up to and including
// stopAt.
func findPolicies(dir, stopAt string) (string, bool, error) {
	dirs := []string{dir}
	if stopAt != "" {
		rel, inside, err := relTo(stopAt, dir)
		if err != nil {
			return "", false, err
		}
		if inside {
			cur, err := filepath.Abs(dir)
			if err != nil {
				return "", false, err
			}
			dirs = dirs[:0]
			for range strings.Split(rel, "/") {
				dirs = append(dirs, cur)
				cur = filepath.Dir(cur)
			}
			if rel != "." {
				dirs = append(dirs, cur)
			}
		}
	}
	for _, d := range dirs {
		for _, name := range defaultPolicyNames {
			p := filepath.Join(d, name)
			if _, err := os.Stat(p); err == nil {
				return p, true, nil
			}
		}
	}
	return "", false, nil
}

// recordRun persists the run when a history directory is configured and
// returns its id. Failing to record never changes the verdict.
func (a *App) recordRun(start time.Time, golden, scratch string, res *verify.Result, verr error) string {
	if a.cfg.History.Dir == "" {
		return ""
	}
	store, err := history.NewStore(a.cfg.History.Dir)
	if err != nil {
		a.log.Warn("open history", "dir", a.cfg.History.Dir, "err", err)
		return ""
	}
	run := history.Run{
		RunID:      history.NewRunID(),
		StartTime:  start,
		DurationMS: time.Since(start).Milliseconds(),
		Golden:     golden,
		Scratch:    scratch,
	}
	switch {
	case verr != nil:
		run.Outcome = history.OutcomeError
		run.Failure = failureOf(verr)
	default:
		run.Scratch = res.Scratch
		run.GoldenDigest = res.GoldenDigest
		run.CurrentDigest = res.CurrentDigest
		switch res.Status {
		case verify.StatusEqual:
			run.Outcome = history.OutcomeEqual
		case verify.StatusDrift:
			run.Outcome = history.OutcomeDrift
			run.Failure = failureOf(res.Err())
			if p := firstDriftPath(res.Drift); p != "" {
				run.Failure.Path = &p
			}
		case verify.StatusProducerFailed:
			run.Outcome = history.OutcomeProducerFailed
			run.Failure = failureOf(res.Err())
			run.Failure.Code = string(res.Producer.Reason)
		}
	}
	if err := store.Save(run); err != nil {
		a.log.Warn("record run", "run_id", run.RunID, "err", err)
		return ""
	}
	a.log.Info("run recorded", "run_id", run.RunID, "outcome", run.Outcome)
	return run.RunID
}

// firstDriftPath is the lowest bundle key that diverged.
func firstDriftPath(r *verify.DriftReport) string {
	var first string
	consider := func(p string) {
		if first == "" || p < first {
			first = p
		}
	}
	if len(r.Mismatches) > 0 {
		consider(r.Mismatches[0].Path)
	}
	if len(r.Missing) > 0 {
		consider(r.Missing[0])
	}
	if len(r.Extra) > 0 {
		consider(r.Extra[0])
	}
	if first == "" && len(r.Stdout) > 0 {
		first = r.Stdout[0].Path
	}
	return first
}
