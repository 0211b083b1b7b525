package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nuclearlighters/workspace-manager/internal/dao"
	"github.com/nuclearlighters/workspace-manager/internal/managers"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// ResourcesHandler handles the resources of a workspace. Its router is
// mounted at /api/workspaces/v1/{workspaceId}/resources.
type ResourcesHandler struct {
	resources *managers.ResourceManager
	jobs      *managers.JobManager
}

// NewResourcesHandler creates a new ResourcesHandler instance.
func NewResourcesHandler(resources *managers.ResourceManager, jobs *managers.JobManager) *ResourcesHandler {
	return &ResourcesHandler{resources: resources, jobs: jobs}
}

// Routes returns the router for resource endpoints.
func (h *ResourcesHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListResources)
	r.Get("/{resourceId}", h.GetResource)
	r.Post("/referenced", h.CreateReference)

	r.Route("/controlled", func(r chi.Router) {
		r.Post("/", h.CreateControlled)
		r.Patch("/{resourceId}", h.UpdateControlled)
		r.Post("/{resourceId}/delete", h.DeleteControlled)
		r.Get("/delete-result/{jobId}", h.GetDeleteResult)
	})

	return r
}

// CreateControlled creates a controlled resource.
// POST /api/workspaces/v1/{workspaceId}/resources/controlled
func (h *ResourcesHandler) CreateControlled(w http.ResponseWriter, r *http.Request) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	wsID, err := pathUUID(r, "workspaceId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req managers.CreateControlledResourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.resources.CreateControlled(r.Context(), user, wsID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateReference stores a referenced resource.
// POST /api/workspaces/v1/{workspaceId}/resources/referenced
func (h *ResourcesHandler) CreateReference(w http.ResponseWriter, r *http.Request) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	wsID, err := pathUUID(r, "workspaceId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req managers.CreateReferenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.resources.CreateReference(r.Context(), user, wsID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListResources lists resources, optionally by type and stewardship.
// GET /api/workspaces/v1/{workspaceId}/resources?resource=GCS_BUCKET&stewardship=CONTROLLED
func (h *ResourcesHandler) ListResources(w http.ResponseWriter, r *http.Request) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	wsID, err := pathUUID(r, "workspaceId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := pageFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter := dao.ResourceFilter{
		Type:        models.ResourceType(r.URL.Query().Get("resource")),
		Stewardship: models.StewardshipType(r.URL.Query().Get("stewardship")),
	}
	list, err := h.resources.List(r.Context(), user, wsID, filter, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resources": list,
	})
}

// GetResource returns one resource.
// GET /api/workspaces/v1/{workspaceId}/resources/{resourceId}
func (h *ResourcesHandler) GetResource(w http.ResponseWriter, r *http.Request) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	wsID, err := pathUUID(r, "workspaceId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	resID, err := pathUUID(r, "resourceId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.resources.Get(r.Context(), user, wsID, resID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// UpdateControlled changes a controlled resource.
// PATCH /api/workspaces/v1/{workspaceId}/resources/controlled/{resourceId}
func (h *ResourcesHandler) UpdateControlled(w http.ResponseWriter, r *http.Request) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	wsID, err := pathUUID(r, "workspaceId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	resID, err := pathUUID(r, "resourceId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req managers.UpdateResourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.resources.Update(r.Context(), user, wsID, resID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type deleteResourceBody struct {
	JobID string `json:"jobId"`
}

// DeleteControlled starts deleting a controlled resource.
// POST /api/workspaces/v1/{workspaceId}/resources/controlled/{resourceId}/delete
func (h *ResourcesHandler) DeleteControlled(w http.ResponseWriter, r *http.Request) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	wsID, err := pathUUID(r, "workspaceId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	resID, err := pathUUID(r, "resourceId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body deleteResourceBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	jobID, err := h.resources.Delete(r.Context(), user, wsID, resID, body.JobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeDeleteResult(w, r, jobID)
}

// GetDeleteResult reports on a resource deletion job.
// GET /api/workspaces/v1/{workspaceId}/resources/controlled/delete-result/{jobId}
func (h *ResourcesHandler) GetDeleteResult(w http.ResponseWriter, r *http.Request) {
	h.writeDeleteResult(w, r, chi.URLParam(r, "jobId"))
}

func (h *ResourcesHandler) writeDeleteResult(w http.ResponseWriter, r *http.Request, jobID string) {
	user, err := userFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := managers.FetchResult[uuid.UUID](r.Context(), h.jobs, user, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, asyncStatus(res.JobReport), res)
}
