package recording

import (
	"errors"
	"strings"
)

// ErrKind classifies a recording-package error for the propagation policy of §7: validation
// errors surface to the caller and are never retried; transient errors are retried with backoff
// inside the component that saw them; integrity errors are logged and annotated, never fatal;
// resource errors (storage exhaustion with no eligible deletions) pause ingest and raise an
// event. Mirrors database.ErrKind for the recording package's own failure modes.
type ErrKind string

const (
	ErrKindValidation ErrKind = "validation"
	ErrKindTransient  ErrKind = "transient"
	ErrKindIntegrity  ErrKind = "integrity"
	ErrKindResource   ErrKind = "resource"
)

// ClassifiedError pairs an error with its ErrKind; recover both via errors.As.
type ClassifiedError struct {
	Kind ErrKind
	Err  error
}

func (e *ClassifiedError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with kind. A nil err yields a nil error.
func Classify(kind ErrKind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// ErrValidation is the sentinel every Validate() failure wraps, so callers can test
// errors.Is(err, ErrValidation) without reaching for ClassifiedError/errors.As.
var ErrValidation = errors.New("validation")

// splitCSV splits a comma-set field (Stream.Tags, Stream.ObjectFilter, DetectionZone.ClassFilter)
// into trimmed, non-empty elements.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
