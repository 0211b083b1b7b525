package flowengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nuclearlighters/workspace-manager/internal/flowengine"

// StepExecutor runs a single step's Do or Undo with retry, per-attempt
// timeout and debug injection, and persists the step's transitions.
type StepExecutor struct {
	store   *WorkflowStore
	metrics *Metrics
	tracer  trace.Tracer
}

// NewStepExecutor creates a step executor backed by the given store.
func NewStepExecutor(store *WorkflowStore, metrics *Metrics) *StepExecutor {
	return &StepExecutor{
		store:   store,
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
	}
}

// ExecuteStep runs a step forward. It:
// 1. Transitions the step to "running" (a step already running was
// interrupted by a crash and is run again)
// 2. Invokes Do under the step's retry policy
// 3. On success: marks the step "completed" and saves the working map in one
// transaction
// 4. On failure: records the error, marks the step "failed" and returns a
// *stepFailure
//
// errEngineStopping is returned without touching the step when ctx is
// cancelled underneath it.
func (e *StepExecutor) ExecuteStep(ctx context.Context, run *WorkflowRun, step *WorkflowStep, def StepDefinition, fc *FlightContext) error {
	logger := log.With().
		Str("workflow_id", run.ID).
		Str("workflow_type", run.WorkflowType).
		Int("step_index", step.StepIndex).
		Str("step_name", step.StepName).
		Logger()

	switch step.Status {
	case StepPending:
		if err := e.store.UpdateStepStatus(step.ID, StepPending, StepRunning); err != nil {
			logger.Warn().Err(err).Msg("Failed to transition step to running")
			return fmt.Errorf("transition to running: %w", err)
		}
		e.recordStepEvent(run.ID, step.StepIndex, EventStateChange, string(StepPending), string(StepRunning), "")
	case StepRunning:
		logger.Info().Msg("Re-running step interrupted by a previous execution")
	default:
		return fmt.Errorf("%w: step=%s status=%s", ErrStepTransitionDenied, step.StepName, step.Status)
	}

	fc.direction = DirectionDo
	fc.stepIndex = step.StepIndex
	fc.stepName = step.StepName

	execErr := e.executeWithRetry(ctx, logger, run, step, def.Step.Do, fc, def.EffectiveRetry(), def.EffectiveTimeout())
	if errors.Is(execErr, errEngineStopping) {
		return execErr
	}
	if execErr != nil {
		logger.Error().Err(execErr).Msg("Step execution failed")
		_ = e.store.UpdateStepError(step.ID, userMessage(execErr))
		if err := e.store.UpdateStepStatus(step.ID, StepRunning, StepFailed); err != nil {
			logger.Error().Err(err).Msg("Failed to mark step failed")
		}
		e.recordStepEvent(run.ID, step.StepIndex, EventError, string(StepRunning), string(StepFailed), execErr.Error())
		return &stepFailure{err: execErr}
	}

	wm, err := json.Marshal(fc.wm)
	if err != nil {
		return fmt.Errorf("encode working map: %w", err)
	}
	if err := e.store.FinishStep(run.ID, step.ID, StepRunning, StepCompleted, wm); err != nil {
		logger.Error().Err(err).Msg("Failed to mark step completed")
		return fmt.Errorf("mark completed: %w", err)
	}

	e.recordStepEvent(run.ID, step.StepIndex, EventStateChange, string(StepRunning), string(StepCompleted), "")
	logger.Info().Msg("Step completed successfully")
	return nil
}

// ExecuteCompensation runs a completed step's Undo under its compensation
// retry policy.
func (e *StepExecutor) ExecuteCompensation(ctx context.Context, run *WorkflowRun, step *WorkflowStep, def StepDefinition, fc *FlightContext) error {
	logger := log.With().
		Str("workflow_id", run.ID).
		Int("step_index", step.StepIndex).
		Str("step_name", step.StepName).
		Logger()

	if step.Status != StepCompensating {
		if err := e.store.UpdateStepStatus(step.ID, step.Status, StepCompensating); err != nil {
			logger.Warn().Err(err).Msg("Could not transition step to compensating")
		}
		e.recordStepEvent(run.ID, step.StepIndex, EventCompensation, string(step.Status), string(StepCompensating), "")
	}

	fc.direction = DirectionUndo
	fc.stepIndex = step.StepIndex
	fc.stepName = step.StepName

	execErr := e.executeWithRetry(ctx, logger, run, step, def.Step.Undo, fc, def.EffectiveCompensateRetry(), def.EffectiveTimeout())
	if errors.Is(execErr, errEngineStopping) {
		return execErr
	}
	if execErr != nil {
		logger.Error().Err(execErr).Msg("Compensation failed")
		_ = e.store.UpdateStepError(step.ID, userMessage(execErr))
		e.recordStepEvent(run.ID, step.StepIndex, EventError, string(StepCompensating), string(StepCompensating), execErr.Error())
		return &stepFailure{err: execErr}
	}

	wm, err := json.Marshal(fc.wm)
	if err != nil {
		return fmt.Errorf("encode working map: %w", err)
	}
	if err := e.store.FinishStep(run.ID, step.ID, StepCompensating, StepCompensated, wm); err != nil {
		logger.Error().Err(err).Msg("Failed to mark step compensated")
		return fmt.Errorf("mark compensated: %w", err)
	}
	e.recordStepEvent(run.ID, step.StepIndex, EventCompensation, string(StepCompensating), string(StepCompensated), "")

	logger.Info().Msg("Step compensated successfully")
	return nil
}

// executeWithRetry invokes fn until it succeeds, fails permanently, or runs
// out of attempts. Only RETRY outcomes are retried.
func (e *StepExecutor) executeWithRetry(
	ctx context.Context,
	logger zerolog.Logger,
	run *WorkflowRun,
	step *WorkflowStep,
	fn func(context.Context, *FlightContext) error,
	fc *FlightContext,
	policy RetryPolicy,
	timeout time.Duration,
) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt)
			e.recordStepEvent(run.ID, step.StepIndex, EventRetry, "", "",
				fmt.Sprintf("attempt %d/%d, backoff %v: %v", attempt+1, maxAttempts, delay, lastErr))
			logger.Warn().Err(lastErr).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Msg("Retrying step")

			select {
			case <-ctx.Done():
				return errEngineStopping
			case <-time.After(delay):
			}
		}

		err := e.executeOnce(ctx, run, fn, fc, attempt, timeout)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errEngineStopping
		}

		lastErr = ClassifyError(err)
		if IsPermanent(lastErr) {
			return lastErr
		}
	}

	if maxAttempts > 1 {
		logger.Warn().Int("attempts", maxAttempts).Msg("Step exhausted its retries")
	}
	var te *TransientError
	if errors.As(lastErr, &te) {
		lastErr = te.Err
	}
	return NewPermanentError(lastErr)
}

// executeOnce runs a single attempt with a timeout. A panic inside the step is
// a permanent failure.
func (e *StepExecutor) executeOnce(
	ctx context.Context,
	run *WorkflowRun,
	fn func(context.Context, *FlightContext) error,
	fc *FlightContext,
	attempt int,
	timeout time.Duration,
) (err error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stepCtx, span := e.tracer.Start(stepCtx, fmt.Sprintf("%s %s", fc.direction, fc.stepName),
		trace.WithAttributes(
			attribute.String("workflow.id", run.ID),
			attribute.String("workflow.type", run.WorkflowType),
			attribute.Int("step.index", fc.stepIndex),
			attribute.Int("step.attempt", attempt),
		))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Errorf("step %s panicked: %v", fc.stepName, r))
		}
		if err == nil {
			if err = fc.debug.injection(fc.direction, fc.stepName); err != nil {
				if serr := e.store.SaveDebug(run.ID, fc.debug); serr != nil {
					log.Warn().Err(serr).Str("workflow_id", run.ID).Msg("Failed to save fired debug injection")
				}
			}
		}
		outcome := OutcomeOf(err)
		e.metrics.recordStep(run.WorkflowType, fc.stepName, fc.direction, outcome, time.Since(start))
		span.SetAttributes(attribute.String("step.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return fn(stepCtx, fc)
}

// stepFailure is a Do or Undo that failed for good, as opposed to the store
// failing underneath an otherwise healthy step.
type stepFailure struct {
	err error
}

func (f *stepFailure) Error() string { return f.err.Error() }
func (f *stepFailure) Unwrap() error { return f.err }

// recordStepEvent is a best-effort event recorder.
func (e *StepExecutor) recordStepEvent(workflowID string, stepIndex int, eventType EventType, oldState, newState, detail string) {
	_ = e.store.RecordEvent(workflowID, &stepIndex, eventType, oldState, newState, detail, "")
}
