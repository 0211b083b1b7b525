// Package managers is the entry point for every workspace manager operation.
// A manager checks the caller's permission, validates the request and hands
// the work to a workflow. Synchronous operations wait for the workflow and
// return its response; asynchronous ones return a job ID that JobManager
// reports on.
package managers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/steps"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

var validate = validator.New()

// Engine is the part of the workflow engine the managers drive.
type Engine interface {
	Submit(ctx context.Context, params flowengine.SubmitParams) (*flowengine.WorkflowRun, error)
	WaitForCompletion(ctx context.Context, workflowID string, pollInterval time.Duration, maxCycles int) (*flowengine.WorkflowRun, error)
	GetResult(ctx context.Context, workflowID string) (*flowengine.FlightResult, error)
	GetWorkflow(workflowID string) (*flowengine.WorkflowRun, error)
	CreateWorkflowID() string
}

// validateRequest runs the struct tags of req and reports a failure as a
// BadRequestError.
func validateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return models.BadRequestf("invalid request: field %s failed %q validation", fe.Field(), fe.Tag())
		}
		return models.BadRequestf("invalid request: %v", err)
	}
	return nil
}

// submit starts a workflow under jobID. Resubmitting a job ID for the same
// workflow type is accepted and starts nothing new.
func submit(ctx context.Context, engine Engine, jobID, workflowType, description string, input any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode %s input: %w", workflowType, err)
	}
	_, err = engine.Submit(ctx, flowengine.SubmitParams{
		WorkflowID:   jobID,
		WorkflowType: workflowType,
		Input:        raw,
		Description:  description,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, flowengine.ErrDuplicateWorkflow):
		return models.Conflictf("job id %s is already used by another operation", jobID)
	case flowengine.IsPermanent(err) && models.IsCallerError(err):
		// Build rejected the input; unwrap so the caller sees the domain error.
		return errors.Unwrap(err)
	default:
		return fmt.Errorf("submit %s: %w", workflowType, err)
	}
}

// runSync submits a workflow, waits for it and decodes its response.
func runSync[T any](ctx context.Context, engine Engine, wait steps.WaitConfig, workflowType, description string, input any) (T, error) {
	var zero T
	jobID := engine.CreateWorkflowID()
	if err := submit(ctx, engine, jobID, workflowType, description, input); err != nil {
		return zero, err
	}
	if _, err := engine.WaitForCompletion(ctx, jobID, wait.PollInterval, wait.MaxCycles); err != nil {
		return zero, fmt.Errorf("wait for %s %s: %w", workflowType, jobID, err)
	}
	res, err := engine.GetResult(ctx, jobID)
	if err != nil {
		return zero, err
	}
	if err := res.Err(); err != nil {
		log.Debug().
			Str("workflow_id", jobID).
			Str("workflow_type", workflowType).
			Str("state", string(res.State)).
			Int("status", res.StatusCode).
			Msg("Synchronous workflow failed")
		return zero, err
	}
	return flowengine.DecodeResponse[T](res)
}

// checkWorkspace loads the workspace and checks that user may perform
// action on it. A missing workspace is reported before any permission check.
func checkWorkspace(ctx context.Context, ws workspaceGetter, svc iam.Service, user iam.AuthenticatedUser, id uuid.UUID, action string) (*models.Workspace, error) {
	w, err := ws.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := iam.CheckAuthz(ctx, svc, user, iam.ResourceTypeWorkspace, id.String(), action); err != nil {
		return nil, err
	}
	return w, nil
}

type workspaceGetter interface {
	GetWorkspace(ctx context.Context, id uuid.UUID) (*models.Workspace, error)
}

// Page bounds a list call.
type Page struct {
	Offset int `validate:"gte=0"`
	Limit  int `validate:"gte=1,lte=1000"`
}
