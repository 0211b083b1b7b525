package steps

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/nuclearlighters/workspace-manager/internal/cloud"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// Custom project roles created in every workspace project, and the workspace
// role whose group is bound to each.
var (
	projectReaderRole = cloud.CustomRole{
		Name: "PROJECT_READER",
		Permissions: []string{
			"bigquery.datasets.get",
			"bigquery.tables.list",
			"bigquery.tables.getData",
			"storage.buckets.list",
			"storage.objects.get",
			"storage.objects.list",
			"notebooks.instances.list",
		},
	}
	projectWriterRole = cloud.CustomRole{
		Name: "PROJECT_WRITER",
		Permissions: append(append([]string(nil), projectReaderRole.Permissions...),
			"bigquery.jobs.create",
			"bigquery.tables.create",
			"bigquery.tables.updateData",
			"storage.objects.create",
			"storage.objects.delete",
		),
	}
	projectOwnerRole = cloud.CustomRole{
		Name: "PROJECT_OWNER",
		Permissions: append(append([]string(nil), projectWriterRole.Permissions...),
			"bigquery.datasets.update",
			"storage.buckets.update",
		),
	}

	customProjectRoles = []cloud.CustomRole{projectReaderRole, projectWriterRole, projectOwnerRole}

	projectRoleFor = map[iam.Role]cloud.CustomRole{
		iam.RoleOwner:       projectOwnerRole,
		iam.RoleWriter:      projectWriterRole,
		iam.RoleReader:      projectReaderRole,
		iam.RoleApplication: projectWriterRole,
	}
)

func customRoleName(projectID string, role cloud.CustomRole) string {
	return fmt.Sprintf("projects/%s/roles/%s", projectID, role.Name)
}

// =============================================================================
// GCP context create
// =============================================================================

// GenerateProjectIDStep derives the project ID from the workflow ID so every
// attempt asks the pool for the same project.
type GenerateProjectIDStep struct {
	noUndo
}

func (s *GenerateProjectIDStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	return flowengine.Put(fc.WorkingMap(), KeyGcpProjectID, cloud.ProjectIDFor(fc.WorkflowID()))
}

// PullProjectFromPoolStep takes a project out of the pool. The handout is
// keyed by the workflow, so a retry gets the project of the first attempt.
type PullProjectFromPoolStep struct {
	Deps *Deps
}

func (s *PullProjectFromPoolStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, err := flowengine.Get(fc.WorkingMap(), KeyGcpProjectID)
	if err != nil {
		return err
	}
	p, err := s.Deps.GCP.HandoutProject(ctx, fc.WorkflowID(), projectID)
	if err != nil {
		return fmt.Errorf("handout project %s: %w", projectID, err)
	}
	if p.ProjectID != projectID {
		return flowengine.Permanentf("pool handed out project %s, expected %s", p.ProjectID, projectID)
	}
	stepLogger(fc).Info().Str("project_id", projectID).Msg("Project pulled from pool")
	return nil
}

func (s *PullProjectFromPoolStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, ok, err := flowengine.Lookup(fc.WorkingMap(), KeyGcpProjectID)
	if err != nil || !ok {
		return err
	}
	return ignoreNotFound(s.Deps.GCP.DeleteProject(ctx, projectID))
}

type SetProjectBillingStep struct {
	noUndo
	Deps *Deps
}

func (s *SetProjectBillingStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, err := flowengine.Get(fc.WorkingMap(), KeyGcpProjectID)
	if err != nil {
		return err
	}
	if s.Deps.BillingAccount == "" {
		return flowengine.NewPermanentError(models.BadRequestf("no billing account configured for new projects"))
	}
	return s.Deps.GCP.SetBillingAccount(ctx, projectID, s.Deps.BillingAccount)
}

// CreateCustomGcpRolesStep creates the custom project roles. Roles go away
// with the project, so there is no undo.
type CreateCustomGcpRolesStep struct {
	noUndo
	Deps *Deps
}

func (s *CreateCustomGcpRolesStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, err := flowengine.Get(fc.WorkingMap(), KeyGcpProjectID)
	if err != nil {
		return err
	}
	for _, role := range customProjectRoles {
		err := s.Deps.GCP.CreateCustomRole(ctx, projectID, role)
		if err != nil && !cloud.IsAlreadyExists(err) {
			return fmt.Errorf("create role %s: %w", role.Name, err)
		}
	}
	return nil
}

// StoreGcpContextStep records the context stamped with this workflow. A
// context stored by any other workflow is a permanent conflict.
type StoreGcpContextStep struct {
	Deps        *Deps
	WorkspaceID uuid.UUID
}

func (s *StoreGcpContextStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, err := flowengine.Get(fc.WorkingMap(), KeyGcpProjectID)
	if err != nil {
		return err
	}
	return s.Deps.Stores.CloudContexts.CreateCloudContext(ctx, models.CloudContext{
		WorkspaceID: s.WorkspaceID,
		Platform:    models.PlatformGCP,
		Gcp:         &models.GcpCloudContext{ProjectID: projectID},
	}, fc.WorkflowID())
}

func (s *StoreGcpContextStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return s.Deps.Stores.CloudContexts.DeleteCloudContextWithCheck(ctx, s.WorkspaceID, models.PlatformGCP, fc.WorkflowID())
}

// SyncAuthzGroupsStep asks the authorization service for one group per
// workspace role. The groups are bound to project roles by GcpCloudSyncStep.
type SyncAuthzGroupsStep struct {
	noUndo
	Deps        *Deps
	User        iam.AuthenticatedUser
	WorkspaceID uuid.UUID
}

func (s *SyncAuthzGroupsStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	emails := make(map[iam.Role]string, len(iam.WorkspaceRoles))
	for _, role := range iam.WorkspaceRoles {
		email, err := s.Deps.IAM.SyncWorkspacePolicy(ctx, s.User, s.WorkspaceID, role)
		if err != nil {
			return fmt.Errorf("sync %s policy: %w", role, err)
		}
		emails[role] = email
	}
	return flowengine.Put(fc.WorkingMap(), KeyIamGroupEmails, emails)
}

// GcpCloudSyncStep binds each synced group to its custom project role.
type GcpCloudSyncStep struct {
	Deps *Deps
}

func (s *GcpCloudSyncStep) bindings(fc *flowengine.FlightContext) (string, []cloud.RoleBinding, error) {
	wm := fc.WorkingMap()
	if err := flowengine.Require(wm, KeyGcpProjectID, KeyIamGroupEmails); err != nil {
		return "", nil, err
	}
	projectID, err := flowengine.Get(wm, KeyGcpProjectID)
	if err != nil {
		return "", nil, err
	}
	emails, err := flowengine.Get(wm, KeyIamGroupEmails)
	if err != nil {
		return "", nil, err
	}
	var out []cloud.RoleBinding
	for _, role := range iam.WorkspaceRoles {
		email, ok := emails[role]
		if !ok {
			return "", nil, flowengine.Permanentf("no group synced for role %s", role)
		}
		out = append(out, cloud.RoleBinding{
			Role:   customRoleName(projectID, projectRoleFor[role]),
			Member: "group:" + email,
		})
	}
	return projectID, out, nil
}

func (s *GcpCloudSyncStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, bindings, err := s.bindings(fc)
	if err != nil {
		return err
	}
	return s.Deps.GCP.AddRoleBindings(ctx, projectID, bindings)
}

func (s *GcpCloudSyncStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, bindings, err := s.bindings(fc)
	if err != nil {
		return err
	}
	return ignoreNotFound(s.Deps.GCP.RemoveRoleBindings(ctx, projectID, bindings))
}

// SetGcpContextOutputStep reports the new context.
type SetGcpContextOutputStep struct {
	noUndo
	WorkspaceID uuid.UUID
}

func (s *SetGcpContextOutputStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, err := flowengine.Get(fc.WorkingMap(), KeyGcpProjectID)
	if err != nil {
		return err
	}
	return fc.SetResponse(models.CloudContext{
		WorkspaceID: s.WorkspaceID,
		Platform:    models.PlatformGCP,
		Gcp:         &models.GcpCloudContext{ProjectID: projectID},
	}, http.StatusOK)
}

// =============================================================================
// Cloud context delete
// =============================================================================

// DeleteCloudContextStep removes one context row regardless of its creator.
type DeleteCloudContextStep struct {
	Deps        *Deps
	WorkspaceID uuid.UUID
	Platform    models.CloudPlatform
}

func (s *DeleteCloudContextStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	if err := s.Deps.Stores.CloudContexts.DeleteCloudContext(ctx, s.WorkspaceID, s.Platform); err != nil {
		return err
	}
	return fc.SetResponse(s.WorkspaceID, http.StatusOK)
}

func (s *DeleteCloudContextStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return resurfaceCause(fc)
}

// =============================================================================
// Azure context create
// =============================================================================

// ValidateAzureManagedResourceGroupStep checks the managed resource group
// named by the request exists and is reachable.
type ValidateAzureManagedResourceGroupStep struct {
	noUndo
	Deps    *Deps
	Context models.AzureCloudContext
}

func (s *ValidateAzureManagedResourceGroupStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	err := s.Deps.Azure.CheckResourceGroup(ctx, cloud.AzureTarget{
		TenantID:        s.Context.TenantID,
		SubscriptionID:  s.Context.SubscriptionID,
		ResourceGroupID: s.Context.ResourceGroupID,
	})
	if cloud.IsNotFound(err) {
		return flowengine.NewPermanentError(models.BadRequestf("managed resource group %s not found", s.Context.ResourceGroupID))
	}
	return classifyAzure(err)
}

type StoreAzureContextStep struct {
	Deps        *Deps
	WorkspaceID uuid.UUID
	Context     models.AzureCloudContext
}

func (s *StoreAzureContextStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	az := s.Context
	return s.Deps.Stores.CloudContexts.CreateCloudContext(ctx, models.CloudContext{
		WorkspaceID: s.WorkspaceID,
		Platform:    models.PlatformAzure,
		Azure:       &az,
	}, fc.WorkflowID())
}

func (s *StoreAzureContextStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return s.Deps.Stores.CloudContexts.DeleteCloudContextWithCheck(ctx, s.WorkspaceID, models.PlatformAzure, fc.WorkflowID())
}

type SetAzureContextOutputStep struct {
	noUndo
	WorkspaceID uuid.UUID
	Context     models.AzureCloudContext
}

func (s *SetAzureContextOutputStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	az := s.Context
	return fc.SetResponse(models.CloudContext{
		WorkspaceID: s.WorkspaceID,
		Platform:    models.PlatformAzure,
		Azure:       &az,
	}, http.StatusOK)
}
