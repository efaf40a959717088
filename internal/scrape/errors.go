package scrape

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned by job stores when no job matches the given ID.
var ErrJobNotFound = errors.New("job not found")

// ValidationError reports a malformed input (bad URL, unknown data kind,
// invalid request field). It is surfaced synchronously; no state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExtractionError is a per-attempt failure from an Extractor. Retryable
// marks whether another attempt could plausibly succeed; the engine never
// inspects the failure beyond that flag.
type ExtractionError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Reason, e.Err)
	}
	return "extraction failed: " + e.Reason
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// NewExtractionError builds an ExtractionError wrapping err.
func NewExtractionError(reason string, retryable bool, err error) *ExtractionError {
	return &ExtractionError{Reason: reason, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is an ExtractionError marked retryable.
// Anything that is not an ExtractionError is treated as non-retryable.
func IsRetryable(err error) bool {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// FailureReason extracts a short human-readable reason from an extraction
// error for recording on the job.
func FailureReason(err error) string {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Reason
	}
	if err != nil {
		return err.Error()
	}
	return "unknown"
}

// InvalidTransitionError reports an attempted job status change that
// violates the lifecycle table. The job state is left unchanged.
type InvalidTransitionError struct {
	From  JobStatus
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s job in %s status", e.Event, e.From)
}

// IsInvalidTransition reports whether err is (or wraps) an
// InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}
