package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"
)

// Reason classifies a producer failure.
type Reason string

const (
	ReasonExitCode Reason = "ExitCode"
	ReasonTimeout  Reason = "Timeout"
	ReasonSignal   Reason = "Signal"
	ReasonStart    Reason = "Start"
)

// ProducerError is returned when the producer does not exit cleanly.
type ProducerError struct {
	Reason   Reason `json:"reason"`
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
	// StdoutTail and StderrTail hold at most the configured number of
	// trailing bytes of each stream.
	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
	Err        error  `json:"-"`
}

func (e *ProducerError) Error() string {
	switch e.Reason {
	case ReasonTimeout:
		return "producer failed: timeout"
	case ReasonSignal:
		return fmt.Sprintf("producer failed: killed by %s", e.Signal)
	case ReasonStart:
		return fmt.Sprintf("producer failed to start: %v", e.Err)
	default:
		return fmt.Sprintf("producer failed: exit code %d", e.ExitCode)
	}
}

func (e *ProducerError) Unwrap() error { return e.Err }

// Producer is the command that regenerates artifacts. Exactly one of
// Command (run through "sh -c") or Argv must be set.
type Producer struct {
	Command string
	Argv    []string
	Dir     string
	// Env adds variables to the fixed environment. It cannot override the
	// deterministic bindings.
	Env map[string]string
}

// Execution is a finished producer run.
type Execution struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// outputDrainDelay bounds how long Run waits for the producer's output
// pipes to close once its process has exited. A descendant that left the
// process group can otherwise hold them open indefinitely.
const outputDrainDelay = 2 * time.Second

// fixedEnv is bound for every producer.
var fixedEnv = map[string]string{
	"PYTHONHASHSEED": "0",
	"TZ":             "UTC",
	"LC_ALL":         "C",
	"LANG":           "C",
}

// Environ builds the producer's environment from an allowlist: the fixed
// bindings, DATA_ROOT, the host PATH and the producer's declared extras.
// Nothing else from the host is visible.
func (p Producer) Environ(dataRoot string) []string {
	env := make(map[string]string, len(p.Env)+len(fixedEnv)+2)
	if path := os.Getenv("PATH"); path != "" {
		env["PATH"] = path
	}
	for k, v := range p.Env {
		env[k] = v
	}
	for k, v := range fixedEnv {
		env[k] = v
	}
	env["DATA_ROOT"] = dataRoot

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func (p Producer) command() (*exec.Cmd, error) {
	switch {
	case p.Command != "" && len(p.Argv) > 0:
		return nil, errors.New("producer: set either Command or Argv, not both")
	case p.Command != "":
		return exec.Command("sh", "-c", p.Command), nil
	case len(p.Argv) > 0:
		return exec.Command(p.Argv[0], p.Argv[1:]...), nil
	default:
		return nil, errors.New("producer: empty command")
	}
}

// Run executes the producer with DATA_ROOT bound to dataRoot. A non-zero
// timeout bounds the wall-clock time; on expiry the whole process group is
// killed and a ProducerError with ReasonTimeout is returned. Cancelling ctx
// kills the group too but returns ctx.Err().
func (p Producer) Run(ctx context.Context, dataRoot string, timeout time.Duration, tail int) (*Execution, error) {
	cmd, err := p.command()
	if err != nil {
		return nil, &ProducerError{Reason: ReasonStart, ExitCode: -1, Err: err}
	}
	cmd.Dir = p.Dir
	if cmd.Dir == "" {
		cmd.Dir = dataRoot
	}
	cmd.Env = p.Environ(dataRoot)
	cmd.WaitDelay = outputDrainDelay
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ProducerError{Reason: ReasonStart, ExitCode: -1, Err: err}
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	fail := func(pe *ProducerError) *ProducerError {
		pe.StdoutTail = tailOf(stdout.Bytes(), tail)
		pe.StderrTail = tailOf(stderr.Bytes(), tail)
		return pe
	}

	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return nil, fmt.Errorf("producer cancelled: %w", ctx.Err())
	case <-deadline:
		killProcessGroup(cmd)
		<-done
		return nil, fail(&ProducerError{Reason: ReasonTimeout, ExitCode: -1, Err: context.DeadlineExceeded})
	case err = <-done:
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		// Exited cleanly; a detached descendant still held the output pipes.
		err = nil
	}

	res := &Execution{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fail(&ProducerError{Reason: ReasonStart, ExitCode: -1, Err: err})
		}
		if sig, ok := signalOf(exitErr); ok {
			res.ExitCode = -1
			return res, fail(&ProducerError{Reason: ReasonSignal, ExitCode: -1, Signal: sig, Err: err})
		}
		res.ExitCode = exitErr.ExitCode()
		return res, fail(&ProducerError{Reason: ReasonExitCode, ExitCode: res.ExitCode, Err: err})
	}
	return res, nil
}

func tailOf(b []byte, n int) string {
	if n <= 0 || len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
