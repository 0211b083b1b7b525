package managers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// ResultPath is where a job's result can be fetched.
const ResultPath = "/api/job/v1/jobs/%s/result"

// JobManager reports on workflows started by asynchronous operations. A job
// is visible only to the user who started it.
type JobManager struct {
	engine Engine
}

func NewJobManager(engine Engine) *JobManager {
	return &JobManager{engine: engine}
}

// jobOwner is the part of every workflow input that names who started it.
type jobOwner struct {
	User iam.AuthenticatedUser `json:"user"`
}

func sameUser(a, b iam.AuthenticatedUser) bool {
	if a.SubjectID != "" && b.SubjectID != "" {
		return a.SubjectID == b.SubjectID
	}
	return a.Email == b.Email
}

func (m *JobManager) run(user iam.AuthenticatedUser, jobID string) (*flowengine.WorkflowRun, error) {
	run, err := m.engine.GetWorkflow(jobID)
	if errors.Is(err, flowengine.ErrWorkflowNotFound) {
		return nil, models.NotFoundf("job %s not found", jobID)
	}
	if err != nil {
		return nil, err
	}
	var owner jobOwner
	if err := json.Unmarshal(run.Input, &owner); err != nil {
		return nil, fmt.Errorf("decode input of job %s: %w", jobID, err)
	}
	if !sameUser(owner.User, user) {
		return nil, models.Forbiddenf("user %s may not read job %s", user.Email, jobID)
	}
	return run, nil
}

// Report returns the job's current status.
func (m *JobManager) Report(ctx context.Context, user iam.AuthenticatedUser, jobID string) (*models.JobReport, error) {
	run, err := m.run(user, jobID)
	if err != nil {
		return nil, err
	}
	report := reportOf(run)
	return &report, nil
}

func reportOf(run *flowengine.WorkflowRun) models.JobReport {
	report := models.JobReport{
		ID:          run.ID,
		Description: run.Description,
		Submitted:   run.CreatedAt,
		Completed:   run.CompletedAt,
		ResultURL:   fmt.Sprintf(ResultPath, run.ID),
	}
	switch {
	case !run.CurrentState.IsTerminal():
		report.Status = models.JobRunning
		report.StatusCode = http.StatusAccepted
	case run.CurrentState == flowengine.StateSuccess:
		report.Status = models.JobSucceeded
		report.StatusCode = run.StatusCode
		if report.StatusCode == 0 {
			report.StatusCode = http.StatusOK
		}
	default:
		report.Status = models.JobFailed
		report.StatusCode = run.StatusCode
		if report.StatusCode == 0 {
			report.StatusCode = http.StatusInternalServerError
		}
	}
	return report
}

// FetchResult returns the job report together with the decoded response of
// a succeeded job or the error report of a failed one. A running job has
// neither.
func FetchResult[T any](ctx context.Context, m *JobManager, user iam.AuthenticatedUser, jobID string) (*models.JobResult[T], error) {
	run, err := m.run(user, jobID)
	if err != nil {
		return nil, err
	}
	out := &models.JobResult[T]{JobReport: reportOf(run)}
	switch out.JobReport.Status {
	case models.JobSucceeded:
		res, err := m.engine.GetResult(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if len(res.Response) > 0 {
			v, err := flowengine.DecodeResponse[T](res)
			if err != nil {
				return nil, err
			}
			out.Response = &v
		}
	case models.JobFailed:
		out.ErrorReport = &models.ErrorReport{
			Message:    run.Error,
			StatusCode: out.JobReport.StatusCode,
			Causes:     []string{},
		}
	}
	return out, nil
}
