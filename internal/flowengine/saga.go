package flowengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SagaOrchestrator executes a workflow's steps sequentially (forward path)
// and runs undo in reverse order on a fatal failure (backward path).
//
// Forward path: steps run in construction order and talk to each other only
// through the working map.
// Backward path: every step whose Do completed is undone, last first. The
// step that failed and any step after it are never undone.
//
// All state transitions are persisted to the WorkflowStore, making execution
// crash-recoverable. The WorkflowEngine resumes incomplete runs on startup.
type SagaOrchestrator struct {
	store    *WorkflowStore
	executor *StepExecutor
	launcher Launcher
	metrics  *Metrics
	tracer   trace.Tracer
	nodeID   string
}

// NewSagaOrchestrator creates a saga orchestrator backed by the given store
// and step executor. launcher is handed to steps that start child workflows.
func NewSagaOrchestrator(store *WorkflowStore, executor *StepExecutor, launcher Launcher, metrics *Metrics, nodeID string) *SagaOrchestrator {
	return &SagaOrchestrator{
		store:    store,
		executor: executor,
		launcher: launcher,
		metrics:  metrics,
		tracer:   executor.tracer,
		nodeID:   nodeID,
	}
}

// Execute runs a workflow from wherever it left off: steps already completed
// are skipped, a step interrupted mid-run is run again, and a run that was
// compensating carries on undoing.
//
// A run that reaches a terminal state returns nil; the outcome is in the
// store. Errors are returned only when the store fails or the engine is
// stopping, and leave the run to be picked up again.
func (s *SagaOrchestrator) Execute(ctx context.Context, run *WorkflowRun, def WorkflowDefinition) error {
	logger := log.With().
		Str("workflow_id", run.ID).
		Str("workflow_type", run.WorkflowType).
		Int("version", run.Version).
		Logger()

	ctx, span := s.tracer.Start(ctx, "workflow "+run.WorkflowType,
		trace.WithAttributes(attribute.String("workflow.id", run.ID)))
	defer span.End()

	steps, err := s.store.GetWorkflowSteps(run.ID)
	if err != nil {
		return fmt.Errorf("get workflow steps: %w", err)
	}

	defs, err := buildSteps(def, run.Input)
	if err == nil && !sameStepNames(defs, steps) {
		err = fmt.Errorf("%w: %s v%d", ErrStepsChanged, run.WorkflowType, run.Version)
	}
	if err != nil {
		// Nothing can be undone against a step list that no longer matches.
		logger.Error().Err(err).Msg("Cannot rebuild workflow steps")
		span.SetStatus(codes.Error, err.Error())
		return s.finishFailed(logger, run, StateFatal, run.CurrentStep, NewPermanentError(err))
	}

	wm := NewWorkingMap()
	if len(run.WorkingMap) > 0 {
		if err := json.Unmarshal(run.WorkingMap, wm); err != nil {
			return s.finishFailed(logger, run, StateFatal, run.CurrentStep,
				Permanentf("decode working map: %w", err))
		}
	}
	fc := NewFlightContext(run.ID, run.WorkflowType, run.Input, wm, s.launcher)
	fc.debug = run.Debug

	if run.CurrentState == StateCompensating {
		logger.Info().Msg("Resuming undo from previous execution")
		fc.cause = NewPermanentError(&RunError{
			WorkflowID: run.ID,
			State:      run.CurrentState,
			Message:    run.Error,
			Status:     run.StatusCode,
		})
		return s.compensate(ctx, logger, run, steps, defs, fc)
	}

	if run.CurrentState == StatePending {
		if err := s.store.UpdateWorkflowState(run.ID, StateRunning, 0); err != nil {
			return fmt.Errorf("transition to running: %w", err)
		}
		s.recordWorkflowEvent(run.ID, EventStateChange, string(StatePending), string(StateRunning), "")
		run.CurrentState = StateRunning
	}

	for i := range steps {
		step := &steps[i]

		switch step.Status {
		case StepCompleted:
			continue
		case StepFailed:
			// Failed before the run could move to compensating.
			logger.Info().Int("step_index", i).Msg("Resuming undo after failed step")
			return s.beginCompensation(ctx, logger, run, steps, defs, fc, i, Permanentf("%s", step.Error))
		}

		if err := s.store.UpdateWorkflowState(run.ID, StateRunning, i); err != nil {
			logger.Error().Err(err).Int("step", i).Msg("Failed to update current step")
		}

		logger.Info().
			Int("step_index", i).
			Str("step_name", step.StepName).
			Msg("Executing step")

		err := s.executor.ExecuteStep(ctx, run, step, defs[i], fc)
		var failure *stepFailure
		switch {
		case err == nil:
			step.Status = StepCompleted
		case errors.As(err, &failure):
			logger.Error().Err(failure.err).
				Int("step_index", i).
				Str("step_name", step.StepName).
				Msg("Step failed, initiating undo")
			step.Status = StepFailed
			span.SetStatus(codes.Error, failure.err.Error())
			return s.beginCompensation(ctx, logger, run, steps, defs, fc, i, failure.err)
		default:
			return err
		}
	}

	if run.Debug != nil && run.Debug.LastStepFailure {
		logger.Warn().Msg("Injecting failure after last step")
		return s.beginCompensation(ctx, logger, run, steps, defs, fc, len(steps),
			Permanentf("injected failure after last step"))
	}

	resp, code := fc.response()
	if err := s.store.FinishWorkflow(run.ID, StateSuccess, resp, code); err != nil {
		return fmt.Errorf("mark workflow succeeded: %w", err)
	}
	s.recordWorkflowEvent(run.ID, EventStateChange, string(StateRunning), string(StateSuccess), "")
	s.metrics.recordFinished(run.WorkflowType, StateSuccess)
	logger.Info().Msg("Workflow completed successfully")
	return nil
}

// beginCompensation records the fatal error and switches the run into undo.
// The error's message and status are what GetResult reports.
func (s *SagaOrchestrator) beginCompensation(
	ctx context.Context,
	logger zerolog.Logger,
	run *WorkflowRun,
	steps []WorkflowStep,
	defs []StepDefinition,
	fc *FlightContext,
	failedAt int,
	cause error,
) error {
	msg := userMessage(cause)
	status := statusCodeOf(cause)
	if err := s.store.FailWorkflow(run.ID, StateCompensating, failedAt, msg, status); err != nil {
		return fmt.Errorf("record workflow failure: %w", err)
	}
	s.recordWorkflowEvent(run.ID, EventStateChange, string(StateRunning), string(StateCompensating),
		fmt.Sprintf("step %d failed: %s", failedAt, msg))
	run.CurrentState = StateCompensating
	run.Error = msg
	run.StatusCode = status

	fc.cause = cause
	return s.compensate(ctx, logger, run, steps, defs, fc)
}

// compensate undoes every step whose Do completed, from the last one back to
// the first. Undo stops at the first undo that fails for good and the run
// ends fatal.
func (s *SagaOrchestrator) compensate(
	ctx context.Context,
	logger zerolog.Logger,
	run *WorkflowRun,
	steps []WorkflowStep,
	defs []StepDefinition,
	fc *FlightContext,
) error {
	for i := len(steps) - 1; i >= 0; i-- {
		step := &steps[i]
		if step.Status != StepCompleted && step.Status != StepCompensating {
			continue
		}

		if err := s.store.UpdateWorkflowState(run.ID, StateCompensating, i); err != nil {
			logger.Error().Err(err).Int("step", i).Msg("Failed to update current step")
		}

		logger.Info().
			Int("step_index", i).
			Str("step_name", step.StepName).
			Msg("Undoing step")

		err := s.executor.ExecuteCompensation(ctx, run, step, defs[i], fc)
		var failure *stepFailure
		switch {
		case err == nil:
			step.Status = StepCompensated
		case errors.As(err, &failure):
			logger.Error().Err(failure.err).
				Int("step_index", i).
				Str("step_name", step.StepName).
				Msg("Undo failed, workflow needs attention")
			if err := s.store.FinishWorkflow(run.ID, StateFatal, nil, 0); err != nil {
				return fmt.Errorf("mark workflow fatal: %w", err)
			}
			s.recordWorkflowEvent(run.ID, EventStateChange, string(StateCompensating), string(StateFatal),
				fmt.Sprintf("undo of step %d failed: %s", i, userMessage(failure.err)))
			s.metrics.recordFinished(run.WorkflowType, StateFatal)
			return nil
		default:
			return err
		}
	}

	if err := s.store.FinishWorkflow(run.ID, StateError, nil, 0); err != nil {
		return fmt.Errorf("mark workflow failed: %w", err)
	}
	s.recordWorkflowEvent(run.ID, EventStateChange, string(StateCompensating), string(StateError), "all steps undone")
	s.metrics.recordFinished(run.WorkflowType, StateError)
	logger.Info().Msg("Workflow fully undone")
	return nil
}

// finishFailed ends a run without running any undo.
func (s *SagaOrchestrator) finishFailed(logger zerolog.Logger, run *WorkflowRun, state WorkflowState, step int, cause error) error {
	if err := s.store.FailWorkflow(run.ID, state, step, userMessage(cause), statusCodeOf(cause)); err != nil {
		return fmt.Errorf("record workflow failure: %w", err)
	}
	if err := s.store.FinishWorkflow(run.ID, state, nil, 0); err != nil {
		return fmt.Errorf("finish workflow: %w", err)
	}
	s.recordWorkflowEvent(run.ID, EventStateChange, string(run.CurrentState), string(state), userMessage(cause))
	s.metrics.recordFinished(run.WorkflowType, state)
	logger.Warn().Str("state", string(state)).Msg("Workflow ended without undo")
	return nil
}

// recordWorkflowEvent is a best-effort event recorder for workflow-level events.
func (s *SagaOrchestrator) recordWorkflowEvent(workflowID string, eventType EventType, oldState, newState, detail string) {
	_ = s.store.RecordEvent(workflowID, nil, eventType, oldState, newState, detail, s.nodeID)
}

func sameStepNames(defs []StepDefinition, steps []WorkflowStep) bool {
	if len(defs) != len(steps) {
		return false
	}
	for i := range defs {
		if defs[i].Name != steps[i].StepName {
			return false
		}
	}
	return true
}
