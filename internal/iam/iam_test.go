package iam

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuclearlighters/workspace-manager/internal/circuitbreaker"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

var (
	alice = AuthenticatedUser{Email: "alice@example.com", SubjectID: "1", Token: "alice-token"}
	bob   = AuthenticatedUser{Email: "bob@example.com", SubjectID: "2", Token: "bob-token"}
)

func ptr[T any](v T) *T { return &v }

func TestMockWorkspaceRoles(t *testing.T) {
	ctx := context.Background()
	m := NewMockService()
	ws := uuid.New()

	require.NoError(t, m.CreateWorkspace(ctx, alice, ws))
	assert.True(t, models.IsConflict(m.CreateWorkspace(ctx, alice, ws)))

	for _, action := range []string{ActionOwn, ActionWrite, ActionRead, ActionDelete} {
		ok, err := m.IsAuthorized(ctx, alice, ResourceTypeWorkspace, ws.String(), action)
		require.NoError(t, err)
		assert.True(t, ok, action)
	}
	ok, err := m.IsAuthorized(ctx, bob, ResourceTypeWorkspace, ws.String(), ActionRead)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.GrantWorkspaceRole(ctx, alice, ws, RoleReader, bob.Email))
	ok, _ = m.IsAuthorized(ctx, bob, ResourceTypeWorkspace, ws.String(), ActionRead)
	assert.True(t, ok)
	ok, _ = m.IsAuthorized(ctx, bob, ResourceTypeWorkspace, ws.String(), ActionWrite)
	assert.False(t, ok)
	assert.Error(t, CheckAuthz(ctx, m, bob, ResourceTypeWorkspace, ws.String(), ActionWrite))

	err = m.GrantWorkspaceRole(ctx, bob, ws, RoleOwner, bob.Email)
	var forbidden *models.ForbiddenError
	assert.True(t, errors.As(err, &forbidden))

	ids, err := m.ListWorkspaceIDs(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ws}, ids)

	require.NoError(t, m.RemoveWorkspaceRole(ctx, alice, ws, RoleReader, bob.Email))
	ids, _ = m.ListWorkspaceIDs(ctx, bob)
	assert.Empty(t, ids)

	email, err := m.SyncWorkspacePolicy(ctx, alice, ws, RoleWriter)
	require.NoError(t, err)
	assert.Equal(t, GroupEmail(ws, RoleWriter), email)

	require.NoError(t, m.DeleteWorkspace(ctx, alice, ws))
	assert.True(t, models.IsNotFound(m.DeleteWorkspace(ctx, alice, ws)))
}

func TestMockPrivateResource(t *testing.T) {
	ctx := context.Background()
	m := NewMockService()
	ws := uuid.New()
	require.NoError(t, m.CreateWorkspace(ctx, alice, ws))
	require.NoError(t, m.GrantWorkspaceRole(ctx, alice, ws, RoleWriter, bob.Email))

	res := models.Resource{
		WorkspaceID: ws,
		ResourceID:  uuid.New(),
		Name:        "scratch",
		Stewardship: models.StewardshipControlled,
		Controlled: &models.ControlledFields{
			AccessScope:      models.AccessScopePrivate,
			ManagedBy:        models.ManagedByUser,
			AssignedUser:     ptr(bob.Email),
			PrivateUserRoles: []models.ControlledResourceRole{models.ResourceRoleReader, models.ResourceRoleWriter},
		},
		Attributes: models.GcsBucketAttributes{BucketName: "scratch-bucket"},
	}
	require.NoError(t, m.CreateControlledResource(ctx, bob, res))
	assert.True(t, models.IsConflict(m.CreateControlledResource(ctx, bob, res)))
	assert.True(t, m.HasResource(res.ResourceID))

	objType, err := ControlledResourceType(res)
	require.NoError(t, err)
	assert.Equal(t, ResourceTypeControlledUserPrivate, objType)

	ok, _ := m.IsAuthorized(ctx, bob, objType, res.ResourceID.String(), ActionWrite)
	assert.True(t, ok)
	ok, _ = m.IsAuthorized(ctx, bob, objType, res.ResourceID.String(), ActionDelete)
	assert.False(t, ok, "editor role was not granted")
	ok, _ = m.IsAuthorized(ctx, alice, objType, res.ResourceID.String(), ActionWrite)
	assert.False(t, ok, "owner is not the assigned user")
	ok, _ = m.IsAuthorized(ctx, alice, objType, res.ResourceID.String(), ActionDelete)
	assert.True(t, ok, "workspace owner may delete private resources")

	require.NoError(t, m.DeleteControlledResource(ctx, alice, res))
	assert.True(t, models.IsNotFound(m.DeleteControlledResource(ctx, alice, res)))
}

func TestMockFailNext(t *testing.T) {
	m := NewMockService()
	boom := errors.New("sam: 503")
	m.FailNext("EnsureServiceAccountRegistered", boom, 1)

	assert.ErrorIs(t, m.EnsureServiceAccountRegistered(context.Background()), boom)
	require.NoError(t, m.EnsureServiceAccountRegistered(context.Background()))
	assert.True(t, m.Registered())
	assert.Equal(t, 2, m.Calls("EnsureServiceAccountRegistered"))
}

// fakeSam is a small in-memory stand-in for the authorization service API.
type fakeSam struct {
	mux        *http.ServeMux
	registered atomic.Bool
	failures   atomic.Int32
	calls      atomic.Int32
}

func newFakeSam(t *testing.T) (*fakeSam, *SamClient) {
	t.Helper()
	f := &fakeSam{mux: http.NewServeMux()}

	f.mux.HandleFunc("GET /register/user/v2/self/info", func(w http.ResponseWriter, r *http.Request) {
		if !f.registered.Load() {
			http.Error(w, `{"message":"user not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(userStatus{UserEmail: "wsm@example.com", Enabled: true})
	})
	f.mux.HandleFunc("POST /register/user/v2/self", func(w http.ResponseWriter, r *http.Request) {
		f.registered.Store(true)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(userStatus{UserEmail: "wsm@example.com", Enabled: true})
	})
	f.mux.HandleFunc("POST /api/resources/v2/workspace", func(w http.ResponseWriter, r *http.Request) {
		var req createResourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"message":"bad body"}`, http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer alice-token" {
			http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if len(req.Policies["owner"].MemberEmails) != 1 {
			http.Error(w, `{"message":"owner policy missing"}`, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	f.mux.HandleFunc("GET /api/resources/v2/workspace/{id}/action/{action}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(r.PathValue("action") == ActionRead)
	})
	f.mux.HandleFunc("DELETE /api/resources/v2/workspace/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"workspace not found"}`, http.StatusNotFound)
	})
	f.mux.HandleFunc("/api/google/v1/resource/workspace/{id}/{policy}/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(syncStatus{Email: r.PathValue("policy") + "@groups.example.com"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	f.mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		if f.failures.Load() > 0 {
			f.failures.Add(-1)
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(systemStatus{OK: true})
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	client := NewSamClient(SamConfig{
		BaseURL:      srv.URL,
		ServiceToken: "wsm-token",
		Breaker:      circuitbreaker.Config{Threshold: 2, Timeout: time.Hour, SuccessThreshold: 1},
	})
	return f, client
}

func TestSamClientRegistersOnce(t *testing.T) {
	f, c := newFakeSam(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureServiceAccountRegistered(ctx))
	assert.True(t, f.registered.Load())
	require.NoError(t, c.EnsureServiceAccountRegistered(ctx))
	assert.EqualValues(t, 3, f.calls.Load())
}

func TestSamClientWorkspaceCalls(t *testing.T) {
	_, c := newFakeSam(t)
	ctx := context.Background()
	ws := uuid.New()

	require.NoError(t, c.CreateWorkspace(ctx, alice, ws))

	err := c.CreateWorkspace(ctx, bob, ws)
	var forbidden *models.ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.True(t, flowengine.IsPermanent(flowengine.ClassifyError(err)))

	ok, err := c.IsAuthorized(ctx, alice, ResourceTypeWorkspace, ws.String(), ActionRead)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.IsAuthorized(ctx, alice, ResourceTypeWorkspace, ws.String(), ActionOwn)
	require.NoError(t, err)
	assert.False(t, ok)

	err = c.DeleteWorkspace(ctx, alice, ws)
	assert.True(t, models.IsNotFound(err))
	assert.Contains(t, err.Error(), "workspace not found")

	email, err := c.SyncWorkspacePolicy(ctx, alice, ws, RoleReader)
	require.NoError(t, err)
	assert.Equal(t, "reader@groups.example.com", email)

	assert.Equal(t, circuitbreaker.StateClosed, c.CircuitState(), "caller errors must not trip the breaker")
}

func TestSamClientBreakerOpensOnServerErrors(t *testing.T) {
	f, c := newFakeSam(t)
	ctx := context.Background()
	f.failures.Store(2)

	err := c.Status(ctx)
	require.Error(t, err)
	assert.True(t, flowengine.IsTransient(err))
	require.Error(t, c.Status(ctx))
	assert.Equal(t, circuitbreaker.StateOpen, c.CircuitState())

	before := f.calls.Load()
	err = c.Status(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.True(t, flowengine.IsTransient(err))
	assert.Equal(t, before, f.calls.Load(), "open breaker must not reach the server")
}
