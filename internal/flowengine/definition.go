package flowengine

import (
	"context"
	"encoding/json"
	"time"
)

// Step is the unit of work in a workflow. Do may run more than once for the
// same logical action (crash and resume, retry after a transient error) and
// must recognise work a previous invocation already did. Undo must tolerate a
// Do that never ran or only partially ran, and treats "already gone" as success.
//
// Errors are classified with TransientError / PermanentError; see OutcomeOf.
type Step interface {
	Do(ctx context.Context, fc *FlightContext) error
	Undo(ctx context.Context, fc *FlightContext) error
}

// WorkflowDefinition describes a workflow type.
// Implementations are registered once at startup and referenced by type string.
type WorkflowDefinition interface {
	// Type returns the unique workflow type identifier (e.g., "workspace_clone").
	Type() string

	// Version returns the workflow definition version. Bump it when the step
	// list for a given input changes; a resumed run whose rebuilt steps differ
	// from the persisted ones fails with ErrStepsChanged.
	Version() int

	// Build returns the ordered steps for one submission. It must be
	// deterministic for a given input and must not perform I/O: it runs again
	// from the persisted input whenever a run is resumed.
	Build(input json.RawMessage) ([]StepDefinition, error)
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	// Name is a stable label for this step (e.g., "create_gcs_bucket").
	Name string

	Step Step

	// Retry controls retry behavior for Do. If nil, DefaultRetryPolicy is used.
	Retry *RetryPolicy

	// CompensateRetry controls retry behavior for Undo.
	// If nil, DefaultCompensateRetryPolicy is used.
	CompensateRetry *RetryPolicy

	// Timeout is the maximum duration for a single attempt of this step.
	// If zero, DefaultStepTimeout is used.
	Timeout time.Duration
}

// RetryPolicy controls how a step or its undo is retried on transient failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// 1 means no retry. 0 uses the default.
	MaxAttempts int

	// InitialInterval is the base delay between retries.
	// Actual delay = InitialInterval * 2^(attempt-1), capped at MaxInterval.
	InitialInterval time.Duration

	// MaxInterval caps the exponential backoff delay. A MaxInterval equal to
	// InitialInterval gives a fixed interval.
	MaxInterval time.Duration
}

// NoRetry makes any non-success immediately fatal.
func NoRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

// FixedInterval retries up to maxRetries times, interval apart.
func FixedInterval(interval time.Duration, maxRetries int) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: maxRetries + 1, InitialInterval: interval, MaxInterval: interval}
}

// ExponentialBackoff retries up to maxRetries times, doubling from initial up to max.
func ExponentialBackoff(initial, max time.Duration, maxRetries int) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: maxRetries + 1, InitialInterval: initial, MaxInterval: max}
}

// CloudLongRunning is for steps whose cloud side is itself slow and
// asynchronous: a few retries, minutes apart.
func CloudLongRunning() *RetryPolicy {
	return ExponentialBackoff(1*time.Minute, 5*time.Minute, 10)
}

// ShortDatabase is for quick metadata store conflicts.
func ShortDatabase() *RetryPolicy {
	return FixedInterval(1*time.Second, 5)
}

// ShortExponential is for cheap cloud control-plane calls.
func ShortExponential() *RetryPolicy {
	return ExponentialBackoff(2*time.Second, 30*time.Second, 5)
}

// CloudRetry is the general policy for cloud API calls.
func CloudRetry() *RetryPolicy {
	return ExponentialBackoff(10*time.Second, 5*time.Minute, 10)
}

// BufferRetry is for project pool handouts, which may wait for a fresh project.
func BufferRetry() *RetryPolicy {
	return ExponentialBackoff(1*time.Minute, 5*time.Minute, 8)
}

// Delay returns the wait before the given attempt (1-based retries; attempt 0
// is the first try and has no delay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := p.InitialInterval
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > p.MaxInterval {
			delay = p.MaxInterval
			break
		}
	}
	if p.MaxInterval > 0 && delay > p.MaxInterval {
		delay = p.MaxInterval
	}
	return delay
}

// Defaults
var (
	// DefaultRetryPolicy is used when a StepDefinition has no explicit Retry.
	DefaultRetryPolicy = RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Second,
	}

	// DefaultCompensateRetryPolicy is used for undo.
	DefaultCompensateRetryPolicy = RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}

	// DefaultStepTimeout is the per-attempt timeout when none is specified.
	DefaultStepTimeout = 90 * time.Second
)

// EffectiveRetry returns the retry policy for this step, falling back to DefaultRetryPolicy.
func (s StepDefinition) EffectiveRetry() RetryPolicy {
	if s.Retry != nil {
		return *s.Retry
	}
	return DefaultRetryPolicy
}

// EffectiveCompensateRetry returns the undo retry policy, falling back to default.
func (s StepDefinition) EffectiveCompensateRetry() RetryPolicy {
	if s.CompensateRetry != nil {
		return *s.CompensateRetry
	}
	return DefaultCompensateRetryPolicy
}

// EffectiveTimeout returns the step timeout, falling back to DefaultStepTimeout.
func (s StepDefinition) EffectiveTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultStepTimeout
}

// WorkflowState represents the lifecycle state of a workflow run.
type WorkflowState string

const (
	StatePending      WorkflowState = "pending"
	StateRunning      WorkflowState = "running"
	StateCompensating WorkflowState = "compensating"
	// StateSuccess: the last step completed.
	StateSuccess WorkflowState = "success"
	// StateError: a step failed fatally and every completed step was undone.
	StateError WorkflowState = "error"
	// StateFatal: an undo failed. The run needs operator attention.
	StateFatal WorkflowState = "fatal"
)

// IsTerminal returns true if the workflow is in a final state.
func (s WorkflowState) IsTerminal() bool {
	return s == StateSuccess || s == StateError || s == StateFatal
}

// StepStatus represents the lifecycle state of a single workflow step.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepCompleted    StepStatus = "completed"
	StepFailed       StepStatus = "failed"
	StepCompensating StepStatus = "compensating"
	StepCompensated  StepStatus = "compensated"
)

// EventType represents the type of workflow event recorded in the audit log.
type EventType string

const (
	EventStateChange  EventType = "state_change"
	EventRetry        EventType = "retry"
	EventCompensation EventType = "compensation"
	EventError        EventType = "error"
)

// Direction tells a step whether it is running forward or being undone.
type Direction string

const (
	DirectionDo   Direction = "do"
	DirectionUndo Direction = "undo"
)
