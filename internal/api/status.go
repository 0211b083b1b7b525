package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nuclearlighters/workspace-manager/internal/circuitbreaker"
	"github.com/nuclearlighters/workspace-manager/internal/database"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
)

// StatusResponse is the JSON response for the /status endpoint.
type StatusResponse struct {
	OK      bool              `json:"ok"`
	Systems map[string]System `json:"systems"`
}

// System is the state of one dependency.
type System struct {
	OK       bool     `json:"ok"`
	Messages []string `json:"messages,omitempty"`
}

// StatusHandler reports on the database and the authorization service.
type StatusHandler struct {
	db      *sql.DB
	iam     iam.Service
	version string
	timeout time.Duration
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(db *sql.DB, svc iam.Service, version string) *StatusHandler {
	return &StatusHandler{db: db, iam: svc, version: version, timeout: 5 * time.Second}
}

// ServeHTTP handles GET /status. Any failing dependency makes it a 503.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := StatusResponse{OK: true, Systems: map[string]System{
		"database": check(database.Health(ctx, h.db)),
		"sam":      h.samStatus(ctx),
	}}
	for name, s := range resp.Systems {
		if !s.OK {
			log.Warn().Str("system", name).Strs("messages", s.Messages).Msg("Status check failed")
			resp.OK = false
		}
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Version handles GET /version.
func (h *StatusHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    h.version,
		"go_version": runtime.Version(),
	})
}

// breakerReporter is implemented by authorization clients that sit behind
// a circuit breaker.
type breakerReporter interface {
	CircuitState() circuitbreaker.State
}

// samStatus skips the call while the breaker is open.
func (h *StatusHandler) samStatus(ctx context.Context) System {
	if br, ok := h.iam.(breakerReporter); ok && br.CircuitState() == circuitbreaker.StateOpen {
		return System{OK: false, Messages: []string{"circuit breaker open"}}
	}
	return check(h.iam.Status(ctx))
}

func check(err error) System {
	if err != nil {
		return System{OK: false, Messages: []string{err.Error()}}
	}
	return System{OK: true}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
