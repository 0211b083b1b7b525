package managers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nuclearlighters/workspace-manager/internal/dao"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/steps"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// ResourceManager handles controlled and referenced resources.
type ResourceManager struct {
	engine Engine
	stores *dao.Stores
	iam    iam.Service
	wait   steps.WaitConfig
}

func NewResourceManager(engine Engine, stores *dao.Stores, svc iam.Service, wait steps.WaitConfig) *ResourceManager {
	return &ResourceManager{engine: engine, stores: stores, iam: svc, wait: wait}
}

// CreateControlledResourceRequest describes a resource whose cloud object the
// workspace manager creates and owns. Attributes are decoded by ResourceType.
type CreateControlledResourceRequest struct {
	Name                string                          `json:"name" validate:"required,max=1024"`
	Description         string                          `json:"description,omitempty" validate:"max=2048"`
	CloningInstructions models.CloningInstructions      `json:"cloningInstructions" validate:"required"`
	AccessScope         models.AccessScope              `json:"accessScope" validate:"required"`
	ManagedBy           models.ManagedBy                `json:"managedBy,omitempty"`
	AssignedUser        *string                         `json:"assignedUser,omitempty"`
	PrivateUserRoles    []models.ControlledResourceRole `json:"privateUserRoles,omitempty"`
	ResourceType        models.ResourceType             `json:"resourceType" validate:"required"`
	Attributes          json.RawMessage                 `json:"attributes" validate:"required"`
	Params              steps.CreationParameters        `json:"creationParameters"`
}

// CreateControlled creates a controlled resource and waits for it. A private
// resource without an assigned user is assigned to the caller.
func (m *ResourceManager) CreateControlled(ctx context.Context, user iam.AuthenticatedUser, workspaceID uuid.UUID, req CreateControlledResourceRequest) (*models.Resource, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	attrs, err := decodeAttributes(req.ResourceType, req.Attributes)
	if err != nil {
		return nil, err
	}
	controlled := &models.ControlledFields{
		AccessScope:      req.AccessScope,
		ManagedBy:        req.ManagedBy,
		AssignedUser:     req.AssignedUser,
		PrivateUserRoles: req.PrivateUserRoles,
	}
	if controlled.ManagedBy == "" {
		controlled.ManagedBy = models.ManagedByUser
	}
	action := iam.ActionCreateControlled
	if controlled.AccessScope == models.AccessScopePrivate {
		action = iam.ActionCreateControlledPrivate
		if controlled.AssignedUser == nil {
			email := user.Email
			controlled.AssignedUser = &email
		}
	}
	if _, err := checkWorkspace(ctx, m.stores.Workspaces, m.iam, user, workspaceID, action); err != nil {
		return nil, err
	}

	r := models.Resource{
		WorkspaceID:         workspaceID,
		ResourceID:          uuid.New(),
		Name:                req.Name,
		Description:         req.Description,
		CloningInstructions: req.CloningInstructions,
		Stewardship:         models.StewardshipControlled,
		Controlled:          controlled,
		Attributes:          attrs,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	created, err := runSync[models.Resource](ctx, m.engine, m.wait, steps.TypeControlledResourceCreate,
		fmt.Sprintf("Create controlled %s %q in workspace %s", r.Type(), r.Name, workspaceID),
		steps.ControlledResourceCreateInput{User: user, Resource: r, Params: req.Params})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

type CreateReferenceRequest struct {
	Name                string                     `json:"name" validate:"required,max=1024"`
	Description         string                     `json:"description,omitempty" validate:"max=2048"`
	CloningInstructions models.CloningInstructions `json:"cloningInstructions" validate:"required"`
	ResourceType        models.ResourceType        `json:"resourceType" validate:"required"`
	Attributes          json.RawMessage            `json:"attributes" validate:"required"`
}

// CreateReference stores a reference to an object the workspace does not own.
func (m *ResourceManager) CreateReference(ctx context.Context, user iam.AuthenticatedUser, workspaceID uuid.UUID, req CreateReferenceRequest) (*models.Resource, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	attrs, err := decodeAttributes(req.ResourceType, req.Attributes)
	if err != nil {
		return nil, err
	}
	if _, err := checkWorkspace(ctx, m.stores.Workspaces, m.iam, user, workspaceID, iam.ActionWrite); err != nil {
		return nil, err
	}
	r := models.Resource{
		WorkspaceID:         workspaceID,
		ResourceID:          uuid.New(),
		Name:                req.Name,
		Description:         req.Description,
		CloningInstructions: req.CloningInstructions,
		Stewardship:         models.StewardshipReferenced,
		Attributes:          attrs,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	created, err := runSync[models.Resource](ctx, m.engine, m.wait, steps.TypeReferenceCreate,
		fmt.Sprintf("Create reference %q in workspace %s", r.Name, workspaceID),
		steps.ReferenceCreateInput{User: user, Resource: r})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateResourceRequest changes a controlled resource. Nil fields are left
// as they are.
type UpdateResourceRequest struct {
	Name                 *string `json:"name,omitempty" validate:"omitempty,min=1,max=1024"`
	Description          *string `json:"description,omitempty" validate:"omitempty,max=2048"`
	StorageClass         *string `json:"storageClass,omitempty" validate:"omitempty,oneof=STANDARD NEARLINE COLDLINE ARCHIVE"`
	DefaultTableLifetime *int64  `json:"defaultTableLifetime,omitempty" validate:"omitempty,gte=3600"`
}

func (r UpdateResourceRequest) empty() bool {
	return r.Name == nil && r.Description == nil && r.StorageClass == nil && r.DefaultTableLifetime == nil
}

// Update applies req to a controlled resource and waits for the result.
func (m *ResourceManager) Update(ctx context.Context, user iam.AuthenticatedUser, workspaceID, resourceID uuid.UUID, req UpdateResourceRequest) (*models.Resource, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.empty() {
		return nil, models.BadRequestf("nothing to update")
	}
	r, err := m.controlledResource(ctx, user, workspaceID, resourceID, iam.ActionEdit)
	if err != nil {
		return nil, err
	}
	updated, err := runSync[models.Resource](ctx, m.engine, m.wait, steps.TypeControlledResourceUpdate,
		fmt.Sprintf("Update controlled %s %s", r.Type(), resourceID),
		steps.ControlledResourceUpdateInput{
			User:                 user,
			WorkspaceID:          workspaceID,
			ResourceID:           resourceID,
			Name:                 req.Name,
			Description:          req.Description,
			StorageClass:         req.StorageClass,
			DefaultTableLifetime: req.DefaultTableLifetime,
		})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete starts deleting a controlled resource under the caller's job ID.
func (m *ResourceManager) Delete(ctx context.Context, user iam.AuthenticatedUser, workspaceID, resourceID uuid.UUID, jobID string) (string, error) {
	if jobID == "" {
		return "", models.BadRequestf("a job id is required")
	}
	r, err := m.controlledResource(ctx, user, workspaceID, resourceID, iam.ActionDelete)
	if err != nil {
		return "", err
	}
	err = submit(ctx, m.engine, jobID, steps.TypeControlledResourceDelete,
		fmt.Sprintf("Delete controlled %s %s", r.Type(), resourceID),
		steps.ControlledResourceDeleteInput{User: user, Resource: *r})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// controlledResource loads a controlled resource and checks action on its
// authorization object.
func (m *ResourceManager) controlledResource(ctx context.Context, user iam.AuthenticatedUser, workspaceID, resourceID uuid.UUID, action string) (*models.Resource, error) {
	if _, err := m.stores.Workspaces.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	r, err := m.stores.Resources.GetResource(ctx, workspaceID, resourceID)
	if err != nil {
		return nil, err
	}
	if !r.IsControlled() {
		return nil, models.BadRequestf("resource %s is not a controlled resource", resourceID)
	}
	objectType, err := iam.ControlledResourceType(*r)
	if err != nil {
		return nil, err
	}
	if err := iam.CheckAuthz(ctx, m.iam, user, objectType, resourceID.String(), action); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *ResourceManager) Get(ctx context.Context, user iam.AuthenticatedUser, workspaceID, resourceID uuid.UUID) (*models.Resource, error) {
	if _, err := checkWorkspace(ctx, m.stores.Workspaces, m.iam, user, workspaceID, iam.ActionRead); err != nil {
		return nil, err
	}
	return m.stores.Resources.GetResource(ctx, workspaceID, resourceID)
}

func (m *ResourceManager) List(ctx context.Context, user iam.AuthenticatedUser, workspaceID uuid.UUID, filter dao.ResourceFilter, page Page) ([]models.Resource, error) {
	if err := validateRequest(page); err != nil {
		return nil, err
	}
	if _, err := checkWorkspace(ctx, m.stores.Workspaces, m.iam, user, workspaceID, iam.ActionRead); err != nil {
		return nil, err
	}
	resources, err := m.stores.Resources.ListResources(ctx, workspaceID, filter, page.Offset, page.Limit)
	if err != nil {
		return nil, err
	}
	if resources == nil {
		resources = []models.Resource{}
	}
	return resources, nil
}

func decodeAttributes(rt models.ResourceType, raw json.RawMessage) (models.Attributes, error) {
	attrs, err := models.DecodeAttributes(rt, raw)
	if err != nil {
		return nil, models.BadRequestf("invalid attributes: %v", err)
	}
	return attrs, nil
}
