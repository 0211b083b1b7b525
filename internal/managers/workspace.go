package managers

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nuclearlighters/workspace-manager/internal/dao"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/steps"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// WorkspaceManager handles workspaces, their cloud contexts, their role
// membership and cloning.
type WorkspaceManager struct {
	engine Engine
	stores *dao.Stores
	iam    iam.Service
	wait   steps.WaitConfig
}

func NewWorkspaceManager(engine Engine, stores *dao.Stores, svc iam.Service, wait steps.WaitConfig) *WorkspaceManager {
	return &WorkspaceManager{engine: engine, stores: stores, iam: svc, wait: wait}
}

type CreateWorkspaceRequest struct {
	ID             uuid.UUID             `json:"id" validate:"required"`
	Stage          models.WorkspaceStage `json:"stage" validate:"omitempty,oneof=RAWLS_WORKSPACE MC_WORKSPACE"`
	SpendProfileID *string               `json:"spendProfile,omitempty"`
	DisplayName    string                `json:"displayName,omitempty" validate:"max=1024"`
	Description    string                `json:"description,omitempty" validate:"max=2048"`
	Properties     map[string]string     `json:"properties,omitempty"`
}

// Create creates a workspace and waits for it. A request without a stage
// describes a workspace whose authorization object already exists.
func (m *WorkspaceManager) Create(ctx context.Context, user iam.AuthenticatedUser, req CreateWorkspaceRequest) (uuid.UUID, error) {
	if err := validateRequest(req); err != nil {
		return uuid.Nil, err
	}
	if req.Stage == "" {
		req.Stage = models.StageRawls
	}
	ws := models.Workspace{
		ID:             req.ID,
		Stage:          req.Stage,
		SpendProfileID: req.SpendProfileID,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		Properties:     req.Properties,
	}
	id, err := runSync[uuid.UUID](ctx, m.engine, m.wait, steps.TypeWorkspaceCreate,
		fmt.Sprintf("Create workspace %s", ws.ID),
		steps.WorkspaceCreateInput{User: user, Workspace: ws})
	if err != nil {
		return uuid.Nil, err
	}
	log.Info().Str("workspace_id", id.String()).Str("stage", string(ws.Stage)).Msg("Workspace created")
	return id, nil
}

// WorkspaceDescription is a workspace together with its cloud contexts.
type WorkspaceDescription struct {
	models.Workspace
	GcpContext   *models.GcpCloudContext   `json:"gcpContext,omitempty"`
	AzureContext *models.AzureCloudContext `json:"azureContext,omitempty"`
}

func (m *WorkspaceManager) Get(ctx context.Context, user iam.AuthenticatedUser, id uuid.UUID) (*WorkspaceDescription, error) {
	ws, err := checkWorkspace(ctx, m.stores.Workspaces, m.iam, user, id, iam.ActionRead)
	if err != nil {
		return nil, err
	}
	return m.describe(ctx, *ws)
}

func (m *WorkspaceManager) describe(ctx context.Context, ws models.Workspace) (*WorkspaceDescription, error) {
	contexts, err := m.stores.CloudContexts.ListCloudContexts(ctx, ws.ID)
	if err != nil {
		return nil, err
	}
	desc := &WorkspaceDescription{Workspace: ws}
	for _, cc := range contexts {
		switch cc.Platform {
		case models.PlatformGCP:
			desc.GcpContext = cc.Gcp
		case models.PlatformAzure:
			desc.AzureContext = cc.Azure
		}
	}
	return desc, nil
}

// List returns the workspaces user has any role on.
func (m *WorkspaceManager) List(ctx context.Context, user iam.AuthenticatedUser, page Page) ([]WorkspaceDescription, error) {
	if err := validateRequest(page); err != nil {
		return nil, err
	}
	ids, err := m.iam.ListWorkspaceIDs(ctx, user)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	workspaces, err := m.stores.Workspaces.ListWorkspaces(ctx, ids, page.Offset, page.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]WorkspaceDescription, 0, len(workspaces))
	for _, ws := range workspaces {
		desc, err := m.describe(ctx, ws)
		if err != nil {
			return nil, err
		}
		out = append(out, *desc)
	}
	return out, nil
}

// Update changes the display name and/or description.
func (m *WorkspaceManager) Update(ctx context.Context, user iam.AuthenticatedUser, id uuid.UUID, upd models.WorkspaceUpdate) (*WorkspaceDescription, error) {
	if _, err := checkWorkspace(ctx, m.stores.Workspaces, m.iam, user, id, iam.ActionWrite); err != nil {
		return nil, err
	}
	updated, err := m.stores.Workspaces.UpdateWorkspace(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, models.NotFoundf("workspace %s not found", id)
	}
	ws, err := m.stores.Workspaces.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.describe(ctx, *ws)
}

// Delete removes the workspace, its resources and its cloud contexts, and
// waits until everything is gone.
func (m *WorkspaceManager) Delete(ctx context.Context, user iam.AuthenticatedUser, id uuid.UUID) error {
	if _, err := checkWorkspace(ctx, m.stores.Workspaces, m.iam, user, id, iam.ActionDelete); err != nil {
		return err
	}
	_, err := runSync[uuid.UUID](ctx, m.engine, m.wait, steps.TypeWorkspaceDelete,
		fmt.Sprintf("Delete workspace %s", id),
		steps.WorkspaceDeleteInput{User: user, WorkspaceID: id})
	return err
}

// CreateCloudContextRequest asks for a cloud context. JobID is chosen by the
// caller so a retried request lands on the same job.
type CreateCloudContextRequest struct {
	JobID    string                    `json:"jobId" validate:"required,max=128"`
	Platform models.CloudPlatform      `json:"cloudPlatform" validate:"required,oneof=GCP AZURE"`
	Azure    *models.AzureCloudContext `json:"azureContext,omitempty" validate:"required_if=Platform AZURE"`
}

// CreateCloudContext starts creating a cloud context and returns the job ID.
func (m *WorkspaceManager) CreateCloudContext(ctx context.Context, user iam.AuthenticatedUser, id uuid.UUID, req CreateCloudContextRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}
	ws, err := checkWorkspace(ctx, m.stores.Workspaces, m.iam, user, id, iam.ActionWrite)
	if err != nil {
		return "", err
	}
	if ws.Stage != models.StageMC {
		return "", models.BadRequestf("cloud contexts can only be added to %s workspaces", models.StageMC)
	}

	description := fmt.Sprintf("Create %s cloud context for workspace %s", req.Platform, id)
	switch req.Platform {
	case models.PlatformGCP:
		err = submit(ctx, m.engine, req.JobID, steps.TypeGcpContextCreate, description,
			steps.GcpContextCreateInput{User: user, WorkspaceID: id})
	case models.PlatformAzure:
		err = submit(ctx, m.engine, req.JobID, steps.TypeAzureContextCreate, description,
			steps.AzureContextCreateInput{User: user, WorkspaceID: id, Context: *req.Azure})
	}
	if err != nil {
		return "", err
	}
	return req.JobID, nil
}

// DeleteCloudContext removes the workspace's context on platform and waits.
func (m *WorkspaceManager) DeleteCloudContext(ctx context.Context, user iam.AuthenticatedUser, id uuid.UUID, platform models.CloudPlatform) error {
	if !platform.Valid() {
		return models.BadRequestf("invalid cloud platform %q", platform)
	}
	if _, err := checkWorkspace(ctx, m.stores.Workspaces, m.iam, user, id, iam.ActionWrite); err != nil {
		return err
	}
	if _, err := m.stores.CloudContexts.GetCloudContext(ctx, id, platform); err != nil {
		return err
	}
	_, err := runSync[uuid.UUID](ctx, m.engine, m.wait, steps.TypeCloudContextDelete,
		fmt.Sprintf("Delete %s cloud context of workspace %s", platform, id),
		steps.CloudContextDeleteInput{User: user, WorkspaceID: id, Platform: platform})
	return err
}

type CloneWorkspaceRequest struct {
	// JobID is optional; an empty one is generated.
	JobID          string            `json:"jobId,omitempty" validate:"max=128"`
	DisplayName    string            `json:"displayName,omitempty" validate:"max=1024"`
	Description    string            `json:"description,omitempty" validate:"max=2048"`
	SpendProfileID *string           `json:"spendProfile,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
	Location       string            `json:"location,omitempty"`
}

// CloneStarted identifies a running workspace clone.
type CloneStarted struct {
	JobID                  string
	DestinationWorkspaceID uuid.UUID
}

// Clone starts copying a workspace and its resources into a new workspace.
// The destination ID is fixed before the job starts.
func (m *WorkspaceManager) Clone(ctx context.Context, user iam.AuthenticatedUser, source uuid.UUID, req CloneWorkspaceRequest) (*CloneStarted, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := checkWorkspace(ctx, m.stores.Workspaces, m.iam, user, source, iam.ActionRead); err != nil {
		return nil, err
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = m.engine.CreateWorkflowID()
	}
	dest := uuid.New()
	err := submit(ctx, m.engine, jobID, steps.TypeWorkspaceClone,
		fmt.Sprintf("Clone workspace %s", source),
		steps.WorkspaceCloneInput{
			User:                   user,
			SourceWorkspaceID:      source,
			DestinationWorkspaceID: dest,
			DisplayName:            req.DisplayName,
			Description:            req.Description,
			SpendProfileID:         req.SpendProfileID,
			Properties:             req.Properties,
			Location:               req.Location,
		})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("workspace_id", source.String()).
		Str("destination_workspace_id", dest.String()).
		Str("job_id", jobID).
		Msg("Workspace clone started")
	return &CloneStarted{JobID: jobID, DestinationWorkspaceID: dest}, nil
}

type RoleRequest struct {
	Role  iam.Role `validate:"required,oneof=OWNER WRITER READER APPLICATION"`
	Email string   `validate:"required,email"`
}

// GrantRole adds email to a workspace role. Only owners may change roles.
func (m *WorkspaceManager) GrantRole(ctx context.Context, user iam.AuthenticatedUser, id uuid.UUID, req RoleRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	if _, err := checkWorkspace(ctx, m.stores.Workspaces, m.iam, user, id, iam.ActionOwn); err != nil {
		return err
	}
	return m.iam.GrantWorkspaceRole(ctx, user, id, req.Role, req.Email)
}

// RemoveRole takes email out of a workspace role.
func (m *WorkspaceManager) RemoveRole(ctx context.Context, user iam.AuthenticatedUser, id uuid.UUID, req RoleRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	if _, err := checkWorkspace(ctx, m.stores.Workspaces, m.iam, user, id, iam.ActionOwn); err != nil {
		return err
	}
	return m.iam.RemoveWorkspaceRole(ctx, user, id, req.Role, req.Email)
}
