package database

// ErrKind classifies an error for propagation-policy decisions (retry, log-and-continue,
// fatal exit). It is not a sentinel itself; wrap it alongside the underlying error with
// fmt.Errorf("...: %w", err) and recover it via errors.As against *ClassifiedError.
type ErrKind string

const (
	// ErrKindValidation covers bad input: malformed stream name, negative retention, etc.
	// Surfaced to the caller; never retried.
	ErrKindValidation ErrKind = "validation"
	// ErrKindTransient covers network reads, ENOSPC, SQLITE_BUSY/LOCKED. Retried with backoff
	// inside the component that saw it.
	ErrKindTransient ErrKind = "transient"
	// ErrKindIntegrity covers a missing file for a completed recording, an orphan row, or a
	// corrupt container detected at open. Logged and annotated, never fatal.
	ErrKindIntegrity ErrKind = "integrity"
	// ErrKindSchema covers a failed migration. Fatal at startup.
	ErrKindSchema ErrKind = "schema"
	// ErrKindResource covers storage exhaustion with no eligible deletions.
	ErrKindResource ErrKind = "resource"
)

// ClassifiedError pairs an error with its ErrKind for propagation-policy dispatch.
type ClassifiedError struct {
	Kind ErrKind
	Err  error
}

func (e *ClassifiedError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with kind. A nil err yields a nil *ClassifiedError (so err == nil checks
// on the return value keep working when passed back up as the plain error interface).
func Classify(kind ErrKind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}
