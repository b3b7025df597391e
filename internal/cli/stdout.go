package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"reprolock/internal/fsys"
	"reprolock/internal/stdoutlock"
	"reprolock/internal/verify"
)

type stdoutOptions struct {
	root string
	raw  bool
	pins []string
}

type stdoutLockReport struct {
	Lock    string             `json:"lock"`
	Entries []stdoutlock.Entry `json:"entries"`
}

type stdoutCheckReport struct {
	Lock       string                `json:"lock"`
	OK         bool                  `json:"ok"`
	Mismatches []stdoutlock.Mismatch `json:"mismatches,omitempty"`
}

func (a *App) stdoutCommand() *cobra.Command {
	var opts stdoutOptions

	lockCmd := &cobra.Command{
		Use:   "lock <name> <locks-dir> -- <command>...",
		Short: "Run a benchmark and pin its normalized stdout in a sha256sum lock",
		Args:  usageArgs(dashArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runStdoutLock(cmd.Context(), args[0], args[1], args[2:], opts)
		},
	}
	lockCmd.Flags().StringArrayVar(&opts.pins, "pin", nil, "Also pin this file, relative to --root (repeatable)")

	checkCmd := &cobra.Command{
		Use:   "check <lock-file> -- <command>...",
		Short: "Run a benchmark and check its normalized stdout against a lock",
		Args:  usageArgs(dashArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runStdoutCheck(cmd.Context(), args[0], args[1:], opts)
		},
	}

	for _, c := range []*cobra.Command{lockCmd, checkCmd} {
		c.Flags().StringVar(&opts.root, "root", ".", "Root that lock paths are relative to")
		c.Flags().BoolVar(&opts.raw, "raw", false, "Compare stdout byte for byte, without normalization")
	}
	return group("stdout", "Pin and check producer stdout", lockCmd, checkCmd)
}

// dashArgs requires exactly n positional arguments before "--" and a
// non-empty command after it.
func dashArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		at := cmd.ArgsLenAtDash()
		switch {
		case at < 0:
			return errNoCommand
		case at != n:
			return cobra.ExactArgs(n)(cmd, args[:at])
		case len(args) == n:
			return errNoCommand
		}
		return nil
	}
}

var errNoCommand = invalidInvocationf("missing command after --")

func (o stdoutOptions) normalizer() stdoutlock.Normalizer {
	if o.raw {
		return stdoutlock.Raw{}
	}
	return stdoutlock.Default()
}

// capture runs argv with the deterministic producer environment and
// returns its stdout. A non-zero exit is a producer failure.
func (a *App) capture(ctx context.Context, argv []string) ([]byte, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	dataRoot := a.cfg.DataRoot
	if dataRoot == "" {
		dataRoot = wd
	}
	p := verify.Producer{Argv: argv, Dir: wd}
	a.log.Info("benchmark starting", "argv", argv)
	res, err := p.Run(ctx, dataRoot, a.cfg.Verify.Timeout, a.cfg.Verify.TailBytes)
	if res != nil {
		a.metrics.ProducerFinished(res.Duration)
	}
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

func (a *App) runStdoutLock(ctx context.Context, name, dir string, argv []string, opts stdoutOptions) error {
	rel, inside, err := relTo(opts.root, dir)
	if err != nil {
		return err
	}
	if !inside {
		return invalidInvocationf("stdout lock: %s is not under --root %s", dir, opts.root)
	}
	stdout, err := a.capture(ctx, argv)
	if err != nil {
		return err
	}
	entries, err := stdoutlock.Write(fsys.OS(opts.root), rel, name, stdout, opts.normalizer(), opts.pins...)
	if err != nil {
		return err
	}
	_, sums := stdoutlock.Paths(rel, name)
	a.log.Info("stdout lock written", "lock", sums, "entries", len(entries))
	return a.report(stdoutLockReport{Lock: sums, Entries: entries})
}

func (a *App) runStdoutCheck(ctx context.Context, lockFile string, argv []string, opts stdoutOptions) error {
	rel, inside, err := relTo(opts.root, lockFile)
	if err != nil {
		return err
	}
	if !inside {
		return invalidInvocationf("stdout check: %s is not under --root %s", lockFile, opts.root)
	}
	stdout, err := a.capture(ctx, argv)
	if err != nil {
		return err
	}
	mism, checkErr := stdoutlock.Check(fsys.OS(opts.root), rel, stdout, opts.normalizer())
	if checkErr != nil && mism == nil {
		return checkErr
	}
	if err := a.report(stdoutCheckReport{Lock: rel, OK: len(mism) == 0, Mismatches: mism}); err != nil {
		return err
	}
	return checkErr
}
