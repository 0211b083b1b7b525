// Package handlers provides the HTTP handlers of the workspace manager API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nuclearlighters/workspace-manager/internal/auth"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/managers"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

const maxBodyBytes = 1 << 20

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError reports err as an ErrorReport with the status its type maps to.
// Server-side failures are logged; their message still goes to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := models.StatusCode(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, models.ErrorReport{Message: err.Error(), StatusCode: status, Causes: []string{}})
}

// decodeJSON reads a JSON body into v. Unknown fields are rejected.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return models.BadRequestf("request body is empty")
		}
		return models.BadRequestf("invalid request body: %v", err)
	}
	return nil
}

// userFrom returns the caller set by the auth middleware.
func userFrom(r *http.Request) (iam.AuthenticatedUser, error) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		return iam.AuthenticatedUser{}, errors.New("request reached a handler without an authenticated user")
	}
	return user, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, models.BadRequestf("invalid %s %q", name, raw)
	}
	return id, nil
}

// pageFrom reads offset and limit from the query string. Missing values
// default to the first 10 entries.
func pageFrom(r *http.Request) (managers.Page, error) {
	page := managers.Page{Offset: 0, Limit: 10}
	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return page, models.BadRequestf("invalid offset %q", v)
		}
		page.Offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return page, models.BadRequestf("invalid limit %q", v)
		}
		page.Limit = n
	}
	return page, nil
}

// asyncStatus is 202 while the job runs and 200 once it has finished.
func asyncStatus(report models.JobReport) int {
	if report.Status == models.JobRunning {
		return http.StatusAccepted
	}
	return http.StatusOK
}
