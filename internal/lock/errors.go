package lock

import (
	"errors"
	"fmt"

	"reprolock/internal/policy"
)

var (
	ErrNonCanonical     = errors.New("artifact is not canonical")
	ErrMissingSchema    = errors.New("artifact has no schema")
	ErrUnboundConstants = errors.New("artifact has no constants_ref")
	ErrCorruptBundle    = errors.New("corrupt bundle")
	ErrBadSignature     = errors.New("bundle signature mismatch")

	// ErrUnknownSchema is returned for artifacts whose schema has no
	// registered policy.
	ErrUnknownSchema = policy.ErrUnknownSchema
)

// ArtifactError ties a rejection to the artifact and schema that caused it.
type ArtifactError struct {
	Path   string
	Schema string
	Kind   error
	Err    error
}

func (e *ArtifactError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Path
	if e.Schema != "" {
		msg += " (" + e.Schema + ")"
	}
	if e.Err != nil && e.Err != e.Kind {
		return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Kind)
}

// Unwrap exposes both the classification and the underlying cause.
func (e *ArtifactError) Unwrap() []error {
	if e.Err == nil || e.Err == e.Kind {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason returns the stable reason code used in traces and metrics.
func (e *ArtifactError) Reason() string {
	switch {
	case errors.Is(e.Kind, ErrNonCanonical):
		return "NonCanonical"
	case errors.Is(e.Kind, ErrMissingSchema):
		return "MissingSchema"
	case errors.Is(e.Kind, ErrUnboundConstants):
		return "UnboundConstants"
	case errors.Is(e.Kind, ErrUnknownSchema):
		return "UnknownSchema"
	case errors.Is(e.Kind, policy.ErrPolicyViolation):
		return "PolicyViolation"
	default:
		return "IOError"
	}
}
