// Package flowengine implements a durable, saga-based workflow engine.
// Workflows are ordered lists of do/undo steps built from their input at
// submission time. Progress, the working map and the step cursor are persisted
// after every transition so a restarted process resumes where it stopped, and
// a fatal step failure undoes completed steps in reverse order.
package flowengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// ErrWorkflowTypeNotFound is returned when no definition is registered for a workflow type.
var ErrWorkflowTypeNotFound = errors.New("workflow type not registered")

// ErrDuplicateWorkflowType is returned when registering a definition with an already-used type.
var ErrDuplicateWorkflowType = errors.New("workflow type already registered")

// ErrWorkflowNotFound is returned when a workflow ID doesn't exist in the store.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrDuplicateWorkflow is returned when a workflow ID is reused for a different workflow type.
var ErrDuplicateWorkflow = errors.New("workflow id already used by another workflow type")

// ErrStepTransitionDenied is returned when an atomic step status update fails
// because the current status doesn't match the expected status (concurrent modification).
var ErrStepTransitionDenied = errors.New("step status transition denied")

// ErrWaitTimedOut is returned by WaitForCompletion when the workflow has not
// reached a terminal state within the allotted poll cycles.
var ErrWaitTimedOut = errors.New("timed out waiting for workflow")

// ErrWorkflowNotDone is returned by GetResult for a workflow that is still running.
var ErrWorkflowNotDone = errors.New("workflow has not finished")

// ErrMissingWorkingMapEntry is returned when a step reads a working map entry
// that an earlier step should have written. It always indicates a defect.
var ErrMissingWorkingMapEntry = errors.New("missing working map entry")

// ErrStepsChanged is returned when a resumed workflow rebuilds to a different
// step list than the one persisted at submission.
var ErrStepsChanged = errors.New("workflow steps changed since submission")

// errEngineStopping aborts a step when the engine context is cancelled. The
// run is left as-is and resumed on the next start.
var errEngineStopping = errors.New("engine stopping")

// TransientError represents a temporary failure that may succeed on retry.
// Examples: network timeout, cloud quota, authorization service returning 503.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// PermanentError represents a failure that will not succeed on retry.
// Examples: duplicate resource name, non-empty container on delete,
// a missing working map entry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps an error as permanent.
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

// IsTransient returns true if the error is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent returns true if the error is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Permanentf builds a PermanentError from a format string.
func Permanentf(format string, args ...any) *PermanentError {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// Transientf builds a TransientError from a format string.
func Transientf(format string, args ...any) *TransientError {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// ClassifyError determines whether an error is transient or permanent.
// If the error is already classified (TransientError or PermanentError), it is returned as-is.
// Otherwise, heuristics are applied:
//   - Network errors (timeout, connection refused, DNS) → transient
//   - Syscall errors (ECONNREFUSED, ECONNRESET, EPIPE) → transient
//   - Unknown errors → transient (safer to retry than to fail permanently)
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	// Already classified — pass through
	if IsTransient(err) || IsPermanent(err) {
		return err
	}

	// A defect in the step or workflow, never retried
	if errors.Is(err, ErrMissingWorkingMapEntry) || errors.Is(err, ErrStepsChanged) ||
		errors.Is(err, ErrDuplicateWorkflow) || errors.Is(err, ErrWorkflowTypeNotFound) {
		return NewPermanentError(err)
	}

	// Caller errors carrying a 4xx status will not change on retry
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return NewPermanentError(err)
		}
	}

	// Per-attempt timeout expired; the step gets another attempt
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError(err)
	}

	// Network errors are transient
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransientError(err)
	}

	// OS-level connection errors are transient
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return NewTransientError(err)
	}

	// EOF during read (connection dropped) is transient
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return NewTransientError(err)
	}

	// Check error message heuristics for common transient patterns
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"deadline exceeded",
		"context deadline exceeded",
		"broken pipe",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return NewTransientError(err)
		}
	}

	// Default: treat unknown errors as transient (safer to retry)
	return NewTransientError(err)
}

// ClassifyHTTPStatus classifies an HTTP status code as transient or permanent error.
// Used by the authorization service client and other HTTP-based collaborators.
//   - 5xx → transient (server error, may recover)
//   - 408 Request Timeout → transient
//   - 429 Too Many Requests → transient
//   - 4xx (other) → permanent (client error, won't recover on retry)
func ClassifyHTTPStatus(statusCode int, body string) error {
	if statusCode >= 200 && statusCode < 400 {
		return nil // Success
	}

	msg := fmt.Sprintf("HTTP %d: %s", statusCode, body)

	switch {
	case statusCode == http.StatusRequestTimeout: // 408
		return NewTransientError(errors.New(msg))
	case statusCode == http.StatusTooManyRequests: // 429
		return NewTransientError(errors.New(msg))
	case statusCode >= 500: // 5xx
		return NewTransientError(errors.New(msg))
	default: // 4xx (other)
		return NewPermanentError(errors.New(msg))
	}
}

// Outcome is the classification of one step invocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeRetry   Outcome = "RETRY"
	OutcomeFatal   Outcome = "FATAL"
)

// OutcomeOf classifies a step error. Unclassified errors are retryable.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if IsPermanent(ClassifyError(err)) {
		return OutcomeFatal
	}
	return OutcomeRetry
}

// outcomeError builds the error an injected outcome stands for.
func outcomeError(o Outcome, stepName string) error {
	switch o {
	case OutcomeRetry:
		return Transientf("injected retry after step %s", stepName)
	case OutcomeFatal:
		return Permanentf("injected failure after step %s", stepName)
	}
	return nil
}
