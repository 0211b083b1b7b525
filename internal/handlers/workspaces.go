package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/managers"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// WorkspacesHandler handles workspace, cloud context, role and clone
// endpoints.
type WorkspacesHandler struct {
	workspaces *managers.WorkspaceManager
	jobs       *managers.JobManager
}

// NewWorkspacesHandler creates a new WorkspacesHandler instance.
func NewWorkspacesHandler(workspaces *managers.WorkspaceManager, jobs *managers.JobManager) *WorkspacesHandler {
	return &WorkspacesHandler{workspaces: workspaces, jobs: jobs}
}

// Routes returns the router for workspace endpoints.
func (h *WorkspacesHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListWorkspaces)
	r.Post("/", h.CreateWorkspace)
	r.Get("/{workspaceId}", h.GetWorkspace)
	r.Patch("/{workspaceId}", h.UpdateWorkspace)
	r.Delete("/{workspaceId}", h.DeleteWorkspace)

	// Cloud contexts
	r.Post("/{workspaceId}/cloudcontexts", h.CreateCloudContext)
	r.Get("/{workspaceId}/cloudcontexts/result/{jobId}", h.GetCloudContextResult)
	r.Delete("/{workspaceId}/cloudcontexts/{platform}", h.DeleteCloudContext)

	// Roles
	r.Post("/{workspaceId}/roles/{role}/members", h.GrantRole)
	r.Delete("/{workspaceId}/roles/{role}/members/{memberEmail}", h.RemoveRole)

	// Cloning
	r.Post("/{workspaceId}/clone", h.CloneWorkspace)
	r.Get("/{workspaceId}/clone-result/{jobId}", h.GetCloneResult)

	return r
}

// CreateWorkspace creates a workspace.
// POST /api/workspaces/v1
func (h *WorkspacesHandler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req managers.CreateWorkspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.workspaces.Create(r.Context(), user, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uuid.UUID{"id": id})
}

// ListWorkspaces returns the workspaces the caller can read.
// GET /api/workspaces/v1?offset=0&limit=10
func (h *WorkspacesHandler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := pageFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.workspaces.List(r.Context(), user, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspaces": list,
	})
}

// GetWorkspace returns a workspace with its cloud contexts.
// GET /api/workspaces/v1/{workspaceId}
func (h *WorkspacesHandler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}
	ws, err := h.workspaces.Get(r.Context(), user, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// UpdateWorkspace changes the display name and/or description.
// PATCH /api/workspaces/v1/{workspaceId}
func (h *WorkspacesHandler) UpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var upd models.WorkspaceUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, r, err)
		return
	}
	ws, err := h.workspaces.Update(r.Context(), user, id, upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// DeleteWorkspace deletes a workspace with everything in it.
// DELETE /api/workspaces/v1/{workspaceId}
func (h *WorkspacesHandler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.workspaces.Delete(r.Context(), user, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateCloudContext starts creating a cloud context.
// POST /api/workspaces/v1/{workspaceId}/cloudcontexts
func (h *WorkspacesHandler) CreateCloudContext(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req managers.CreateCloudContextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	jobID, err := h.workspaces.CreateCloudContext(r.Context(), user, id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeCloudContextResult(w, r, user, jobID)
}

// GetCloudContextResult reports on a cloud context job.
// GET /api/workspaces/v1/{workspaceId}/cloudcontexts/result/{jobId}
func (h *WorkspacesHandler) GetCloudContextResult(w http.ResponseWriter, r *http.Request) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeCloudContextResult(w, r, user, chi.URLParam(r, "jobId"))
}

func (h *WorkspacesHandler) writeCloudContextResult(w http.ResponseWriter, r *http.Request, user iam.AuthenticatedUser, jobID string) {
	res, err := managers.FetchResult[models.CloudContext](r.Context(), h.jobs, user, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, asyncStatus(res.JobReport), res)
}

// DeleteCloudContext removes the context of one platform.
// DELETE /api/workspaces/v1/{workspaceId}/cloudcontexts/{platform}
func (h *WorkspacesHandler) DeleteCloudContext(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}
	platform := models.CloudPlatform(chi.URLParam(r, "platform"))
	if err := h.workspaces.DeleteCloudContext(r.Context(), user, id, platform); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantRoleBody struct {
	MemberEmail string `json:"memberEmail"`
}

// GrantRole adds a member to a workspace role.
// POST /api/workspaces/v1/{workspaceId}/roles/{role}/members
func (h *WorkspacesHandler) GrantRole(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var body grantRoleBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req := managers.RoleRequest{Role: iam.Role(chi.URLParam(r, "role")), Email: body.MemberEmail}
	if err := h.workspaces.GrantRole(r.Context(), user, id, req); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveRole removes a member from a workspace role.
// DELETE /api/workspaces/v1/{workspaceId}/roles/{role}/members/{memberEmail}
func (h *WorkspacesHandler) RemoveRole(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}
	req := managers.RoleRequest{Role: iam.Role(chi.URLParam(r, "role")), Email: chi.URLParam(r, "memberEmail")}
	if err := h.workspaces.RemoveRole(r.Context(), user, id, req); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cloneResponse is the result of a clone job. The destination is known from
// the start, before the job's response is.
type cloneResponse struct {
	models.JobResult[models.ClonedWorkspace]
	DestinationWorkspaceID uuid.UUID `json:"destinationWorkspaceId,omitempty"`
}

// CloneWorkspace starts cloning a workspace.
// POST /api/workspaces/v1/{workspaceId}/clone
func (h *WorkspacesHandler) CloneWorkspace(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req managers.CloneWorkspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	started, err := h.workspaces.Clone(r.Context(), user, id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := managers.FetchResult[models.ClonedWorkspace](r.Context(), h.jobs, user, started.JobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, asyncStatus(res.JobReport), cloneResponse{JobResult: *res, DestinationWorkspaceID: started.DestinationWorkspaceID})
}

// GetCloneResult reports on a clone job.
// GET /api/workspaces/v1/{workspaceId}/clone-result/{jobId}
func (h *WorkspacesHandler) GetCloneResult(w http.ResponseWriter, r *http.Request) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := managers.FetchResult[models.ClonedWorkspace](r.Context(), h.jobs, user, chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := cloneResponse{JobResult: *res}
	if res.Response != nil {
		out.DestinationWorkspaceID = res.Response.DestinationWorkspaceID
	}
	writeJSON(w, asyncStatus(res.JobReport), out)
}

// target reads the caller and the workspace ID, writing the error response
// itself when either is missing.
func (h *WorkspacesHandler) target(w http.ResponseWriter, r *http.Request) (iam.AuthenticatedUser, uuid.UUID, bool) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return user, uuid.Nil, false
	}
	id, err := pathUUID(r, "workspaceId")
	if err != nil {
		writeError(w, r, err)
		return user, uuid.Nil, false
	}
	return user, id, true
}
