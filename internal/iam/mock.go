package iam

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nuclearlighters/workspace-manager/internal/models"
)

var _ Service = (*MockService)(nil)

type mockResource struct {
	workspaceID  uuid.UUID
	objectType   string
	assignedUser string
	roles        map[models.ControlledResourceRole]bool
}

type mockFault struct {
	err       error
	remaining int
}

// MockService is an in-process authorization service. Workspace roles decide
// every action: own, read_iam and delete need OWNER; write and resource
// creation need OWNER, WRITER or APPLICATION; read needs any role. It is
// safe for concurrent use.
type MockService struct {
	mu         sync.Mutex
	registered bool
	workspaces map[uuid.UUID]map[Role]map[string]bool
	resources  map[uuid.UUID]*mockResource
	faults     map[string]*mockFault
	calls      map[string]int
}

func NewMockService() *MockService {
	return &MockService{
		workspaces: make(map[uuid.UUID]map[Role]map[string]bool),
		resources:  make(map[uuid.UUID]*mockResource),
		faults:     make(map[string]*mockFault),
		calls:      make(map[string]int),
	}
}

// FailNext makes the next times calls of method return err.
func (m *MockService) FailNext(method string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[method] = &mockFault{err: err, remaining: times}
}

// Calls returns how many times method was called.
func (m *MockService) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// HasWorkspace reports whether the workspace object exists.
func (m *MockService) HasWorkspace(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workspaces[id]
	return ok
}

// HasResource reports whether the controlled resource object exists.
func (m *MockService) HasResource(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.resources[id]
	return ok
}

// Registered reports whether EnsureServiceAccountRegistered has run.
func (m *MockService) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// enter counts a call and returns any injected failure. Caller holds m.mu.
func (m *MockService) enter(method string) error {
	m.calls[method]++
	f, ok := m.faults[method]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

func (m *MockService) EnsureServiceAccountRegistered(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("EnsureServiceAccountRegistered"); err != nil {
		return err
	}
	m.registered = true
	return nil
}

func (m *MockService) CreateWorkspace(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateWorkspace"); err != nil {
		return err
	}
	if _, ok := m.workspaces[workspaceID]; ok {
		return models.Conflictf("workspace %s already exists in the authorization service", workspaceID)
	}
	policies := make(map[Role]map[string]bool, len(WorkspaceRoles))
	for _, r := range WorkspaceRoles {
		policies[r] = make(map[string]bool)
	}
	policies[RoleOwner][user.Email] = true
	m.workspaces[workspaceID] = policies
	return nil
}

func (m *MockService) DeleteWorkspace(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteWorkspace"); err != nil {
		return err
	}
	policies, ok := m.workspaces[workspaceID]
	if !ok {
		return models.NotFoundf("workspace %s not found in the authorization service", workspaceID)
	}
	if !policies[RoleOwner][user.Email] {
		return models.Forbiddenf("user %s may not delete workspace %s", user.Email, workspaceID)
	}
	delete(m.workspaces, workspaceID)
	for id, r := range m.resources {
		if r.workspaceID == workspaceID {
			delete(m.resources, id)
		}
	}
	return nil
}

func (m *MockService) ListWorkspaceIDs(ctx context.Context, user AuthenticatedUser) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListWorkspaceIDs"); err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for id, policies := range m.workspaces {
		for _, members := range policies {
			if members[user.Email] {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (m *MockService) IsAuthorized(ctx context.Context, user AuthenticatedUser, resourceType, resourceID, action string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("IsAuthorized"); err != nil {
		return false, err
	}
	id, err := uuid.Parse(resourceID)
	if err != nil {
		return false, models.BadRequestf("invalid object id %q", resourceID)
	}
	if resourceType == ResourceTypeWorkspace {
		return m.workspaceAllows(id, user.Email, action), nil
	}
	r, ok := m.resources[id]
	if !ok || r.objectType != resourceType {
		return false, nil
	}
	if r.assignedUser == "" {
		return m.workspaceAllows(r.workspaceID, user.Email, resourceToWorkspaceAction(action)), nil
	}
	if m.workspaceAllows(r.workspaceID, user.Email, ActionOwn) && (action == ActionDelete || action == ActionReadIAM) {
		return true, nil
	}
	if r.assignedUser != user.Email {
		return false, nil
	}
	switch action {
	case ActionRead:
		return len(r.roles) > 0, nil
	case ActionWrite:
		return r.roles[models.ResourceRoleWriter] || r.roles[models.ResourceRoleEditor], nil
	case ActionEdit, ActionDelete:
		return r.roles[models.ResourceRoleEditor], nil
	}
	return false, nil
}

// workspaceAllows applies the role-to-action table. Caller holds m.mu.
func (m *MockService) workspaceAllows(workspaceID uuid.UUID, email, action string) bool {
	policies, ok := m.workspaces[workspaceID]
	if !ok {
		return false
	}
	has := func(roles ...Role) bool {
		for _, r := range roles {
			if policies[r][email] {
				return true
			}
		}
		return false
	}
	switch action {
	case ActionOwn, ActionReadIAM, ActionDelete:
		return has(RoleOwner)
	case ActionWrite, ActionCreateControlled, ActionCreateControlledPrivate:
		return has(RoleOwner, RoleWriter, RoleApplication)
	case ActionRead:
		return has(RoleOwner, RoleWriter, RoleReader, RoleApplication)
	}
	return false
}

func resourceToWorkspaceAction(action string) string {
	switch action {
	case ActionEdit, ActionDelete:
		return ActionWrite
	}
	return action
}

func (m *MockService) GrantWorkspaceRole(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID, role Role, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GrantWorkspaceRole"); err != nil {
		return err
	}
	policies, err := m.ownedPolicies(user, workspaceID, role)
	if err != nil {
		return err
	}
	policies[role][email] = true
	return nil
}

func (m *MockService) RemoveWorkspaceRole(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID, role Role, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RemoveWorkspaceRole"); err != nil {
		return err
	}
	policies, err := m.ownedPolicies(user, workspaceID, role)
	if err != nil {
		return err
	}
	delete(policies[role], email)
	return nil
}

// ownedPolicies returns the workspace policies if user owns the workspace.
// Caller holds m.mu.
func (m *MockService) ownedPolicies(user AuthenticatedUser, workspaceID uuid.UUID, role Role) (map[Role]map[string]bool, error) {
	if !role.Valid() {
		return nil, models.BadRequestf("invalid workspace role %q", role)
	}
	policies, ok := m.workspaces[workspaceID]
	if !ok {
		return nil, models.NotFoundf("workspace %s not found in the authorization service", workspaceID)
	}
	if !policies[RoleOwner][user.Email] {
		return nil, models.Forbiddenf("user %s may not change roles on workspace %s", user.Email, workspaceID)
	}
	return policies, nil
}

func (m *MockService) SyncWorkspacePolicy(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID, role Role) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SyncWorkspacePolicy"); err != nil {
		return "", err
	}
	if !role.Valid() {
		return "", models.BadRequestf("invalid workspace role %q", role)
	}
	if _, ok := m.workspaces[workspaceID]; !ok {
		return "", models.NotFoundf("workspace %s not found in the authorization service", workspaceID)
	}
	return GroupEmail(workspaceID, role), nil
}

// GroupEmail is the group the mock reports for a synced workspace policy.
func GroupEmail(workspaceID uuid.UUID, role Role) string {
	return fmt.Sprintf("policy-%s-%s@groups.wsm.local", role.policyName(), workspaceID)
}

func (m *MockService) CreateControlledResource(ctx context.Context, user AuthenticatedUser, resource models.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateControlledResource"); err != nil {
		return err
	}
	objectType, err := ControlledResourceType(resource)
	if err != nil {
		return models.BadRequestf("%v", err)
	}
	if _, ok := m.workspaces[resource.WorkspaceID]; !ok {
		return models.NotFoundf("workspace %s not found in the authorization service", resource.WorkspaceID)
	}
	if !m.workspaceAllows(resource.WorkspaceID, user.Email, ActionWrite) {
		return models.Forbiddenf("user %s may not create resources in workspace %s", user.Email, resource.WorkspaceID)
	}
	if _, ok := m.resources[resource.ResourceID]; ok {
		return models.Conflictf("resource %s already exists in the authorization service", resource.ResourceID)
	}
	r := &mockResource{
		workspaceID: resource.WorkspaceID,
		objectType:  objectType,
		roles:       make(map[models.ControlledResourceRole]bool),
	}
	if resource.Controlled.AssignedUser != nil {
		r.assignedUser = *resource.Controlled.AssignedUser
		for _, role := range resource.Controlled.PrivateUserRoles {
			r.roles[role] = true
		}
	}
	m.resources[resource.ResourceID] = r
	return nil
}

func (m *MockService) DeleteControlledResource(ctx context.Context, user AuthenticatedUser, resource models.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteControlledResource"); err != nil {
		return err
	}
	if _, ok := m.resources[resource.ResourceID]; !ok {
		return models.NotFoundf("resource %s not found in the authorization service", resource.ResourceID)
	}
	delete(m.resources, resource.ResourceID)
	return nil
}

func (m *MockService) Status(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Status")
}
