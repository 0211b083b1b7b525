// Package iam is the authorization contract the workspace manager relies on.
// Workspaces and controlled resources are registered as protected objects
// with an external authorization service (Sam); role membership on them
// decides what a user may do.
package iam

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// AuthenticatedUser is the caller on whose behalf a request or a workflow
// acts. It is persisted in workflow inputs so steps can reuse the token.
type AuthenticatedUser struct {
	Email     string `json:"email"`
	SubjectID string `json:"subjectId"`
	Token     string `json:"token,omitempty"`
}

// Role is a workspace role.
type Role string

const (
	RoleOwner       Role = "OWNER"
	RoleWriter      Role = "WRITER"
	RoleReader      Role = "READER"
	RoleApplication Role = "APPLICATION"
)

// WorkspaceRoles lists the workspace roles in the order their groups are synced.
var WorkspaceRoles = []Role{RoleOwner, RoleWriter, RoleReader, RoleApplication}

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleWriter, RoleReader, RoleApplication:
		return true
	}
	return false
}

// policyName is the lowercase form used in authorization service paths.
func (r Role) policyName() string { return strings.ToLower(string(r)) }

// Actions checked with IsAuthorized.
const (
	ActionRead                    = "read"
	ActionWrite                   = "write"
	ActionOwn                     = "own"
	ActionDelete                  = "delete"
	ActionReadIAM                 = "read_iam"
	ActionCreateControlled        = "create_controlled_user_shared"
	ActionCreateControlledPrivate = "create_controlled_user_private"
	ActionEdit                    = "edit"
)

// Object types known to the authorization service.
const (
	ResourceTypeWorkspace = "workspace"

	ResourceTypeControlledUserShared         = "controlled-user-shared-workspace-resource"
	ResourceTypeControlledUserPrivate        = "controlled-user-private-workspace-resource"
	ResourceTypeControlledApplicationShared  = "controlled-application-shared-workspace-resource"
	ResourceTypeControlledApplicationPrivate = "controlled-application-private-workspace-resource"
)

// ControlledResourceType returns the authorization object type for a
// controlled resource, based on its access scope and manager.
func ControlledResourceType(r models.Resource) (string, error) {
	if r.Controlled == nil {
		return "", fmt.Errorf("resource %s is not controlled", r.ResourceID)
	}
	private := r.Controlled.AccessScope == models.AccessScopePrivate
	switch r.Controlled.ManagedBy {
	case models.ManagedByApplication:
		if private {
			return ResourceTypeControlledApplicationPrivate, nil
		}
		return ResourceTypeControlledApplicationShared, nil
	default:
		if private {
			return ResourceTypeControlledUserPrivate, nil
		}
		return ResourceTypeControlledUserShared, nil
	}
}

// Service is the authorization service. Every mutating call is idempotent on
// the provider side except creation, which reports models.ConflictError when
// the object already exists. Missing objects are models.NotFoundError and
// denied calls are models.ForbiddenError.
type Service interface {
	// EnsureServiceAccountRegistered registers this service's own account
	// if it is not registered yet.
	EnsureServiceAccountRegistered(ctx context.Context) error

	CreateWorkspace(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID) error
	DeleteWorkspace(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID) error
	ListWorkspaceIDs(ctx context.Context, user AuthenticatedUser) ([]uuid.UUID, error)

	IsAuthorized(ctx context.Context, user AuthenticatedUser, resourceType, resourceID, action string) (bool, error)

	GrantWorkspaceRole(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID, role Role, email string) error
	RemoveWorkspaceRole(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID, role Role, email string) error

	// SyncWorkspacePolicy mirrors a workspace role into a cloud group and
	// returns the group's email.
	SyncWorkspacePolicy(ctx context.Context, user AuthenticatedUser, workspaceID uuid.UUID, role Role) (string, error)

	CreateControlledResource(ctx context.Context, user AuthenticatedUser, resource models.Resource) error
	DeleteControlledResource(ctx context.Context, user AuthenticatedUser, resource models.Resource) error

	Status(ctx context.Context) error
}

// CheckAuthz returns models.ForbiddenError unless user may perform action.
func CheckAuthz(ctx context.Context, svc Service, user AuthenticatedUser, resourceType, resourceID, action string) error {
	ok, err := svc.IsAuthorized(ctx, user, resourceType, resourceID, action)
	if err != nil {
		return err
	}
	if !ok {
		return models.Forbiddenf("user %s is not authorized to %s %s %s", user.Email, action, resourceType, resourceID)
	}
	return nil
}
