// Package cli implements the reprolock command tree. Every command writes
// its machine-readable result as one canonical JSON line on stdout; logs
// go to stderr. Failures are mapped to process exit codes by ExitCode.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"reprolock/internal/canon"
	"reprolock/internal/config"
	"reprolock/internal/fsys"
	"reprolock/internal/logging"
	"reprolock/internal/metrics"
)

// App holds the state shared by one invocation's commands.
type App struct {
	Stdout io.Writer
	Stderr io.Writer

	v          *viper.Viper
	configPath string

	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewApp(stdout, stderr io.Writer) *App {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return &App{Stdout: stdout, Stderr: stderr, v: viper.New(), metrics: metrics.New()}
}

// Run is the entrypoint used by main and by black-box tests. args excludes
// argv[0].
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := NewApp(stdout, stderr)
	err := app.Execute(ctx, args)
	if err != nil {
		fmt.Fprintf(app.Stderr, "reprolock: %v\n", err)
	}
	return ExitCode(err)
}

// Execute runs the command tree and then writes the metrics textfile when
// one is configured, whatever the outcome.
func (a *App) Execute(ctx context.Context, args []string) error {
	root := a.Command()
	root.SetArgs(args)
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)
	err := root.ExecuteContext(ctx)
	if a.cfg != nil && a.cfg.Metrics.File != "" {
		if merr := a.metrics.WriteTextfile(a.cfg.Metrics.File); merr != nil {
			a.log.Warn("write metrics textfile", "path", a.cfg.Metrics.File, "err", merr)
		}
	}
	return err
}

// Command builds the root command with every subcommand attached.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:   "reprolock",
		Short: "Pin experiment artifacts to a canonical, hash-locked bundle and verify regenerations against it",
		Long: `reprolock emits run records as canonical JSON, normalizes and locks them
into a bundle of SHA-256 digests, and re-runs producers to prove that a
fresh build matches the committed bundle byte for byte.`,
		Args:              usageArgs(cobra.NoArgs),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(flagError)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Config file (yaml, json or toml)")
	pf.String("log-level", "info", "Log level: debug|info|warn|error")
	pf.String("log-format", "text", "Log format: text|json")
	pf.String("metrics-file", "", "Write Prometheus metrics to this textfile on exit")
	a.bind("log.level", pf.Lookup("log-level"))
	a.bind("log.format", pf.Lookup("log-format"))
	a.bind("metrics.file", pf.Lookup("metrics-file"))

	root.AddCommand(
		a.emitCommand(),
		a.lockCommand(),
		a.verifyCommand(),
		a.constantsCommand(),
		a.bundleCommand(),
		a.stdoutCommand(),
		a.historyCommand(),
	)
	return root
}

// group returns a command that only hosts subcommands.
func group(use, short string, children ...*cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(children...)
	return cmd
}

func (a *App) bind(key string, flag *pflag.Flag) {
	// Bind only fails for a nil flag, which is a programming error.
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func (a *App) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWith(a.v, a.configPath)
	if err != nil {
		return &InvocationError{ExitCode: ExitInputError, Message: err.Error()}
	}
	a.cfg = cfg
	lc := cfg.Log.Logging()
	lc.Output = a.Stderr
	a.log = logging.New(lc)
	a.log.Debug("command starting", "command", cmd.CommandPath())
	return nil
}

func (a *App) secret() []byte {
	if a.cfg == nil || a.cfg.Signing.Secret == "" {
		return nil
	}
	return []byte(a.cfg.Signing.Secret)
}

// report writes v as one canonical JSON line on stdout. v is first
// rendered through its json tags.
func (a *App) report(v any) error {
	tree, err := toTree(v)
	if err != nil {
		return err
	}
	line, err := canon.MarshalLine(tree)
	if err != nil {
		return err
	}
	_, err = a.Stdout.Write(line)
	return err
}

func toTree(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return canon.Unmarshal(b)
}

// writeFile writes data to a host path temp-then-rename.
func writeFile(p string, data []byte) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return fsys.OS(filepath.Dir(abs)).WriteAtomic(filepath.Base(abs), data, 0o644)
}
