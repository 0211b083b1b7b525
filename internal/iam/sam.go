package iam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/nuclearlighters/workspace-manager/internal/circuitbreaker"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

const (
	DefaultSamTimeout = 30 * time.Second
	defaultSamRate    = 20
	defaultSamBurst   = 40
)

var _ Service = (*SamClient)(nil)

// SamConfig configures the HTTP client.
type SamConfig struct {
	BaseURL string

	// ServiceToken authenticates this service's own account. It is used for
	// registration and for managing controlled resource objects.
	ServiceToken string

	Timeout time.Duration

	// RequestsPerSecond throttles outbound calls. Zero uses the default.
	RequestsPerSecond float64
	Burst             int

	Breaker circuitbreaker.Config
}

// SamClient talks to the authorization service over HTTP. Calls go through a
// rate limiter and a circuit breaker; an open breaker is reported as a
// transient error so steps retry it.
type SamClient struct {
	baseURL      string
	serviceToken string
	httpClient   *http.Client
	limiter      *rate.Limiter
	cb           *circuitbreaker.CircuitBreaker
}

func NewSamClient(cfg SamConfig) *SamClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSamTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultSamRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultSamBurst
	}
	bc := cfg.Breaker
	bc.IsFailure = func(err error) bool {
		return flowengine.IsTransient(flowengine.ClassifyError(err))
	}
	return &SamClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		serviceToken: cfg.ServiceToken,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cb:           circuitbreaker.New("sam", bc),
	}
}

// CircuitState exposes the breaker position for the status endpoint.
func (c *SamClient) CircuitState() circuitbreaker.State {
	return c.cb.State()
}

// samError is the error body the authorization service returns.
type samError struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// doRequest sends one call and decodes a JSON response into result when it
// is non-nil.
func (c *SamClient) doRequest(ctx context.Context, method, path, token string, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sam rate limiter: %w", err)
	}

	err := c.cb.ExecuteContext(ctx, func(ctx context.Context) error {
		var bodyReader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return flowengine.NewPermanentError(fmt.Errorf("marshal sam request: %w", err))
			}
			bodyReader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return flowengine.NewPermanentError(fmt.Errorf("create sam request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sam %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read sam response: %w", err)
		}
		if resp.StatusCode >= 300 {
			return samStatusError(resp.StatusCode, respBody)
		}
		if result != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, result); err != nil {
				return flowengine.NewPermanentError(fmt.Errorf("parse sam response: %w", err))
			}
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return flowengine.NewTransientError(fmt.Errorf("sam unavailable: %w", err))
	}
	return err
}

// samStatusError maps a failed status to the domain error taxonomy. Statuses
// with no domain meaning are classified by flowengine.ClassifyHTTPStatus.
func samStatusError(status int, body []byte) error {
	var se samError
	_ = json.Unmarshal(body, &se)
	msg := se.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusBadRequest:
		return models.BadRequestf("sam: %s", msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.Forbiddenf("sam: %s", msg)
	case http.StatusNotFound:
		return models.NotFoundf("sam: %s", msg)
	case http.StatusConflict:
		return models.Conflictf("sam: %s", msg)
	}
	return flowengine.ClassifyHTTPStatus(status, msg)
}

type userStatus struct {
	UserSubjectID string `json:"userSubjectId"`
	UserEmail     string `json:"userEmail"`
	Enabled       bool   `json:"enabled"`
}

func (c *SamClient) EnsureServiceAccountRegistered(ctx context.Context) error {
	var status userStatus
	err := c.doRequest(ctx, http.MethodGet, "/register/user/v2/self/info", c.serviceToken, nil, &status)
	if err == nil {
		log.Info().Str("email", status.UserEmail).Msg("Service account already registered in Sam")
		return nil
	}
	if !models.IsNotFound(err) {
		return fmt.Errorf("check service account registration: %w", err)
	}
	if err := c.doRequest(ctx, http.MethodPost, "/register/user/v2/self", c.serviceToken, nil, &status); err != nil {
		return fmt.Errorf("register service account: %w", err)
	}
	log.Info().Str("email", status.UserEmail).Msg("Registered service account in Sam")
	return nil
}

type policyMembership struct {
	MemberEmails []string `json:"memberEmails"`
	Roles        []string `json:"roles"`
	Actions      []string `json:"actions"`
}

type createResourceRequest struct {
	ResourceID string                      `json:"resourceId"`
	Policies   map[string]policyMembership `json:"policies"`
	AuthDomain []string                    `json:"authDomain"`
	Parent     *fullyQualifiedID           `json:"parent,omitempty"`
}

type fullyQualifiedID struct {
	ResourceTypeName string `json:"resourceTypeName"`
	ResourceID       string `json:"resourceId"`
}

// CreateWorkspace creates the workspace object with the caller as the only
// owner and empty writer, reader and application policies.
func (c *SamClient) CreateWorkspace(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID) error {
	policies := make(map[string]policyMembership, len(WorkspaceRoles))
	for _, r := range WorkspaceRoles {
		p := policyMembership{Roles: []string{r.policyName()}, MemberEmails: []string{}, Actions: []string{}}
		if r == RoleOwner {
			p.MemberEmails = []string{user.Email}
		}
		policies[r.policyName()] = p
	}
	req := createResourceRequest{ResourceID: workspaceID.String(), Policies: policies, AuthDomain: []string{}}
	return c.doRequest(ctx, http.MethodPost, "/api/resources/v2/"+ResourceTypeWorkspace, user.Token, req, nil)
}

func (c *SamClient) DeleteWorkspace(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID) error {
	return c.doRequest(ctx, http.MethodDelete, objectPath(ResourceTypeWorkspace, workspaceID.String()), user.Token, nil, nil)
}

type resourceAndPolicy struct {
	ResourceID       string `json:"resourceId"`
	AccessPolicyName string `json:"accessPolicyName"`
}

func (c *SamClient) ListWorkspaceIDs(ctx context.Context, user AuthenticatedUser) ([]uuid.UUID, error) {
	var entries []resourceAndPolicy
	if err := c.doRequest(ctx, http.MethodGet, "/api/resources/v2/"+ResourceTypeWorkspace, user.Token, nil, &entries); err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(entries))
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		id, err := uuid.Parse(e.ResourceID)
		if err != nil {
			// Workspaces created outside this service may not use UUIDs.
			log.Debug().Str("resource_id", e.ResourceID).Msg("Skipping non-UUID workspace id")
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (c *SamClient) IsAuthorized(ctx context.Context, user AuthenticatedUser, resourceType, resourceID, action string) (bool, error) {
	var allowed bool
	path := objectPath(resourceType, resourceID) + "/action/" + url.PathEscape(action)
	if err := c.doRequest(ctx, http.MethodGet, path, user.Token, nil, &allowed); err != nil {
		return false, err
	}
	return allowed, nil
}

func (c *SamClient) GrantWorkspaceRole(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID, role Role, email string) error {
	return c.doRequest(ctx, http.MethodPut, memberPath(workspaceID, role, email), user.Token, nil, nil)
}

func (c *SamClient) RemoveWorkspaceRole(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID, role Role, email string) error {
	return c.doRequest(ctx, http.MethodDelete, memberPath(workspaceID, role, email), user.Token, nil, nil)
}

type syncStatus struct {
	LastSyncDate string `json:"lastSyncDate"`
	Email        string `json:"email"`
}

func (c *SamClient) SyncWorkspacePolicy(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID, role Role) (string, error) {
	path := fmt.Sprintf("/api/google/v1/resource/%s/%s/%s/sync", ResourceTypeWorkspace, workspaceID, role.policyName())
	if err := c.doRequest(ctx, http.MethodPost, path, user.Token, nil, nil); err != nil {
		return "", fmt.Errorf("sync %s policy: %w", role, err)
	}
	var status syncStatus
	if err := c.doRequest(ctx, http.MethodGet, path, user.Token, nil, &status); err != nil {
		return "", fmt.Errorf("read %s policy sync status: %w", role, err)
	}
	if status.Email == "" {
		return "", flowengine.Transientf("policy %s on workspace %s has no group yet", role, workspaceID)
	}
	return status.Email, nil
}

// CreateControlledResource creates the resource object under its workspace.
// Private resources get reader, writer and editor policies with the assigned
// user in each role they were granted.
func (c *SamClient) CreateControlledResource(ctx context.Context, user AuthenticatedUser, resource models.Resource) error {
	objectType, err := ControlledResourceType(resource)
	if err != nil {
		return models.BadRequestf("%v", err)
	}
	policies := map[string]policyMembership{
		"owner": {Roles: []string{"owner"}, MemberEmails: []string{}, Actions: []string{}},
	}
	if resource.Controlled.AccessScope == models.AccessScopePrivate {
		granted := make(map[models.ControlledResourceRole]bool)
		for _, r := range resource.Controlled.PrivateUserRoles {
			granted[r] = true
		}
		for _, r := range []models.ControlledResourceRole{models.ResourceRoleReader, models.ResourceRoleWriter, models.ResourceRoleEditor} {
			name := strings.ToLower(string(r))
			p := policyMembership{Roles: []string{name}, MemberEmails: []string{}, Actions: []string{}}
			if granted[r] && resource.Controlled.AssignedUser != nil {
				p.MemberEmails = []string{*resource.Controlled.AssignedUser}
			}
			policies[name] = p
		}
	}
	req := createResourceRequest{
		ResourceID: resource.ResourceID.String(),
		Policies:   policies,
		AuthDomain: []string{},
		Parent:     &fullyQualifiedID{ResourceTypeName: ResourceTypeWorkspace, ResourceID: resource.WorkspaceID.String()},
	}
	return c.doRequest(ctx, http.MethodPost, "/api/resources/v2/"+objectType, c.serviceToken, req, nil)
}

func (c *SamClient) DeleteControlledResource(ctx context.Context, user AuthenticatedUser, resource models.Resource) error {
	objectType, err := ControlledResourceType(resource)
	if err != nil {
		return models.BadRequestf("%v", err)
	}
	return c.doRequest(ctx, http.MethodDelete, objectPath(objectType, resource.ResourceID.String()), c.serviceToken, nil, nil)
}

type systemStatus struct {
	OK bool `json:"ok"`
}

func (c *SamClient) Status(ctx context.Context) error {
	var s systemStatus
	if err := c.doRequest(ctx, http.MethodGet, "/status", "", nil, &s); err != nil {
		return err
	}
	if !s.OK {
		return flowengine.Transientf("sam reports not ok")
	}
	return nil
}

func objectPath(resourceType, resourceID string) string {
	return "/api/resources/v2/" + url.PathEscape(resourceType) + "/" + url.PathEscape(resourceID)
}

func memberPath(workspaceID uuid.UUID, role Role, email string) string {
	return fmt.Sprintf("%s/policies/%s/memberEmails/%s",
		objectPath(ResourceTypeWorkspace, workspaceID.String()), role.policyName(), url.PathEscape(email))
}
