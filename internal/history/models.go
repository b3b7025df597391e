package history

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome is the final status of a verification run.
type Outcome string

const (
	OutcomeEqual          Outcome = "VerifiedEqual"
	OutcomeDrift          Outcome = "Drift"
	OutcomeProducerFailed Outcome = "ProducerFailed"
	OutcomeError          Outcome = "Error"
)

type FailureClass string

const (
	FailureClassDrift     FailureClass = "drift"
	FailureClassProducer  FailureClass = "producer"
	FailureClassPolicy    FailureClass = "policy"
	FailureClassIntegrity FailureClass = "integrity"
	FailureClassIO        FailureClass = "io"
)

// Run is one persisted verification attempt. Run IDs and times are
// operational metadata; none of it is ever hashed into a bundle.
type Run struct {
	RunID         string    `json:"run_id"`
	StartTime     time.Time `json:"start_time"`
	DurationMS    int64     `json:"duration_ms"`
	Golden        string    `json:"golden"`
	Scratch       string    `json:"scratch"`
	GoldenDigest  string    `json:"golden_digest,omitempty"`
	CurrentDigest string    `json:"current_digest,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	Failure       *Failure  `json:"failure,omitempty"`
}

// Failure says why a run did not verify.
type Failure struct {
	Class   FailureClass `json:"failure_class"`
	Code    string       `json:"error_code"`
	Message string       `json:"error_message"`
	// Path is the first offending lock path, when there is one.
	Path *string `json:"path,omitempty"`
}

// NewRunID returns a fresh random run identifier.
func NewRunID() string {
	return uuid.NewString()
}

func (r Run) Validate() error {
	var errs []error
	if _, err := uuid.Parse(r.RunID); err != nil {
		errs = append(errs, fmt.Errorf("run_id %q is not a uuid", r.RunID))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	if r.DurationMS < 0 {
		errs = append(errs, errors.New("duration_ms must be >= 0"))
	}
	if strings.TrimSpace(r.Golden) == "" {
		errs = append(errs, errors.New("golden is required"))
	}
	switch r.Outcome {
	case OutcomeEqual:
		if r.Failure != nil {
			errs = append(errs, errors.New("failure must be empty for VerifiedEqual"))
		}
	case OutcomeDrift, OutcomeProducerFailed, OutcomeError:
		if r.Failure == nil {
			errs = append(errs, fmt.Errorf("failure is required for %s", r.Outcome))
		} else if err := r.Failure.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("invalid outcome %q", r.Outcome))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func (f Failure) Validate() error {
	var errs []error
	switch f.Class {
	case FailureClassDrift, FailureClassProducer, FailureClassPolicy, FailureClassIntegrity, FailureClassIO:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.Class))
	}
	if f.Path != nil && strings.TrimSpace(*f.Path) == "" {
		errs = append(errs, errors.New("path must not be empty when provided"))
	}
	if strings.TrimSpace(f.Code) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.Message) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
