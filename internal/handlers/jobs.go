package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nuclearlighters/workspace-manager/internal/managers"
)

// JobsHandler reports on asynchronous jobs of any type.
type JobsHandler struct {
	jobs *managers.JobManager
}

// NewJobsHandler creates a new JobsHandler instance.
func NewJobsHandler(jobs *managers.JobManager) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

// Routes returns the router for job endpoints.
func (h *JobsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{jobId}", h.GetJob)
	r.Get("/{jobId}/result", h.GetJobResult)

	return r
}

// GetJob returns the job report.
// GET /api/job/v1/jobs/{jobId}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.jobs.Report(r.Context(), user, chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, asyncStatus(*report), report)
}

// GetJobResult returns the report with the job's response as stored.
// GET /api/job/v1/jobs/{jobId}/result
func (h *JobsHandler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := managers.FetchResult[json.RawMessage](r.Context(), h.jobs, user, chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, asyncStatus(res.JobReport), res)
}
