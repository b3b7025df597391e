package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"reprolock/internal/canon"
	"reprolock/internal/constants"
	"reprolock/internal/emit"
	"reprolock/internal/fsys"
	"reprolock/internal/history"
	"reprolock/internal/lock"
	"reprolock/internal/policy"
	"reprolock/internal/record"
	"reprolock/internal/stdoutlock"
	"reprolock/internal/verify"
)

const (
	ExitSuccess         = 0
	ExitDrift           = 2
	ExitProducerFailure = 3
	ExitInputError      = 4
	ExitIOError         = 5
)

// InvocationError is a problem with the command line itself: wrong
// argument count, unknown flags, unusable configuration.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInputError, Message: fmt.Sprintf(format, args...)}
}

// usageArgs turns cobra's argument validation failures into invocation
// errors.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return invalidInvocationf("%s: %v", cmd.CommandPath(), err)
		}
		return nil
	}
}

func flagError(cmd *cobra.Command, err error) error {
	return invalidInvocationf("%s: %v", cmd.CommandPath(), err)
}

// inputErrors are the sentinels that make a run fail with ExitInputError:
// bad records, policies, schemas and corrupt or unsigned inputs.
var inputErrors = []error{
	canon.ErrUnsupportedType,
	canon.ErrNonFinite,
	canon.ErrNonStringKey,
	canon.ErrMalformed,
	canon.ErrDuplicateKey,
	canon.ErrNonCanonical,
	record.ErrInvalidRecord,
	record.ErrInvalidSchema,
	policy.ErrInvalidPolicy,
	policy.ErrPolicyViolation,
	policy.ErrUnknownSchema,
	lock.ErrNonCanonical,
	lock.ErrMissingSchema,
	lock.ErrUnboundConstants,
	lock.ErrCorruptBundle,
	lock.ErrBadSignature,
	constants.ErrCorrupt,
	constants.ErrNotFound,
	emit.ErrInvalidRequest,
	stdoutlock.ErrMalformedSumFile,
	fsys.ErrInvalidPath,
	verify.ErrScratchNotEmpty,
}

// integrityErrors are the input errors recorded as integrity failures in
// the verification history.
var integrityErrors = []error{
	lock.ErrCorruptBundle,
	lock.ErrBadSignature,
	constants.ErrCorrupt,
	constants.ErrNotFound,
	canon.ErrNonCanonical,
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// ExitCode maps a command error to the process exit status. Anything that
// is not drift, a producer failure or a recognised input problem is
// treated as an I/O error.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInputError
	}
	var pe *verify.ProducerError
	switch {
	case errors.Is(err, verify.ErrDriftDetected),
		errors.Is(err, stdoutlock.ErrMismatch),
		errors.Is(err, constants.ErrDrift):
		return ExitDrift
	case errors.As(err, &pe):
		return ExitProducerFailure
	case isAny(err, inputErrors):
		return ExitInputError
	}
	return ExitIOError
}

// failureOf classifies an error for the verification history.
func failureOf(err error) *history.Failure {
	f := &history.Failure{Message: err.Error()}
	switch code := ExitCode(err); {
	case code == ExitDrift:
		f.Class, f.Code = history.FailureClassDrift, "DriftDetected"
	case code == ExitProducerFailure:
		f.Class, f.Code = history.FailureClassProducer, "ProducerFailed"
	case isAny(err, integrityErrors):
		f.Class, f.Code = history.FailureClassIntegrity, "IntegrityError"
	case code == ExitInputError:
		f.Class, f.Code = history.FailureClassPolicy, "InputError"
	default:
		f.Class, f.Code = history.FailureClassIO, "IOError"
	}
	var ae *lock.ArtifactError
	if errors.As(err, &ae) && ae.Path != "" {
		p := ae.Path
		f.Path = &p
	}
	return f
}

// relTo returns p relative to root as a slash path, or ok=false when p is
// not beneath root.
func relTo(root, p string) (rel string, ok bool, err error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false, err
	}
	absP, err := filepath.Abs(p)
	if err != nil {
		return "", false, err
	}
	r, err := filepath.Rel(absRoot, absP)
	if err != nil {
		return "", false, nil
	}
	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false, nil
	}
	return filepath.ToSlash(r), true, nil
}

// parseAux reads one --aux value of the form name=path=source: the
// logical name, the path under the data root and the local file whose
// bytes are copied there.
func parseAux(v string) (emit.AuxFile, error) {
	parts := strings.SplitN(v, "=", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return emit.AuxFile{}, invalidInvocationf("--aux %q: want name=path=source", v)
	}
	data, err := os.ReadFile(parts[2])
	if err != nil {
		return emit.AuxFile{}, fmt.Errorf("read aux source: %w", err)
	}
	return emit.AuxFile{Name: parts[0], Path: parts[1], Data: data}, nil
}

// parseEnv reads KEY=VALUE pairs passed with --env.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, invalidInvocationf("--env %q: want KEY=VALUE", kv)
		}
		env[k] = v
	}
	return env, nil
}
