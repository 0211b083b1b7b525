package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
)

// launch submits a child workflow under a preallocated ID. Submitting an ID
// that already exists is a no-op, so a replayed launch is harmless.
func launch(ctx context.Context, fc *flowengine.FlightContext, id, workflowType, description string, input any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return flowengine.Permanentf("encode %s input: %w", workflowType, err)
	}
	run, err := fc.Engine().Submit(ctx, flowengine.SubmitParams{
		WorkflowID:   id,
		WorkflowType: workflowType,
		Input:        data,
		Description:  description,
	})
	if err != nil {
		return fmt.Errorf("launch %s %s: %w", workflowType, id, err)
	}
	stepLogger(fc).Info().
		Str("child_id", run.ID).
		Str("child_type", workflowType).
		Str("child_state", string(run.CurrentState)).
		Msg("Child workflow launched")
	return nil
}

// await blocks until a child workflow finishes and returns its result. Running
// out of wait cycles is transient so the step's retry policy decides how
// long to keep waiting.
func await(ctx context.Context, fc *flowengine.FlightContext, d *Deps, id string) (*flowengine.FlightResult, error) {
	_, err := fc.Engine().WaitForCompletion(ctx, id, d.Wait.PollInterval, d.Wait.MaxCycles)
	switch {
	case errors.Is(err, flowengine.ErrWaitTimedOut):
		return nil, flowengine.NewTransientError(err)
	case errors.Is(err, flowengine.ErrWorkflowNotFound):
		return nil, flowengine.Permanentf("child workflow %s was never launched: %w", id, err)
	case err != nil:
		return nil, err
	}
	return fc.Engine().GetResult(ctx, id)
}

// awaitSuccess is await for children whose failure fails the parent. The
// child's error, with its status code, becomes a permanent error.
func awaitSuccess(ctx context.Context, fc *flowengine.FlightContext, d *Deps, id string) (*flowengine.FlightResult, error) {
	res, err := await(ctx, fc, d, id)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, flowengine.NewPermanentError(err)
	}
	return res, nil
}
