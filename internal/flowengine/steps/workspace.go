package steps

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/nuclearlighters/workspace-manager/internal/cloud"
	"github.com/nuclearlighters/workspace-manager/internal/dao"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// =============================================================================
// Workspace create
// =============================================================================

// CreateWorkspaceAuthzStep creates the authorization object of an MC
// workspace with the user as owner. RAWLS workspaces already have one; the
// step only checks the user can read it.
type CreateWorkspaceAuthzStep struct {
	Deps      *Deps
	User      iam.AuthenticatedUser
	Workspace models.Workspace
}

func (s *CreateWorkspaceAuthzStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	id := s.Workspace.ID
	if s.Workspace.Stage == models.StageRawls {
		return iam.CheckAuthz(ctx, s.Deps.IAM, s.User, iam.ResourceTypeWorkspace, id.String(), iam.ActionRead)
	}

	err := s.Deps.IAM.CreateWorkspace(ctx, s.User, id)
	if !models.IsConflict(err) {
		return err
	}
	// Either an earlier attempt created it, or the ID belongs to someone else.
	owns, authzErr := s.Deps.IAM.IsAuthorized(ctx, s.User, iam.ResourceTypeWorkspace, id.String(), iam.ActionOwn)
	if authzErr != nil {
		return authzErr
	}
	if !owns {
		return err
	}
	stepLogger(fc).Info().Str("workspace_id", id.String()).Msg("Workspace authz object already created")
	return nil
}

func (s *CreateWorkspaceAuthzStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	if s.Workspace.Stage == models.StageRawls {
		return nil
	}
	return ignoreNotFound(s.Deps.IAM.DeleteWorkspace(ctx, s.User, s.Workspace.ID))
}

// CreateWorkspaceStep inserts the workspace row. The response is the new
// workspace's ID.
type CreateWorkspaceStep struct {
	Deps      *Deps
	Workspace models.Workspace
}

func (s *CreateWorkspaceStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	if err := s.Deps.Stores.Workspaces.CreateWorkspace(ctx, s.Workspace); err != nil {
		return err
	}
	return fc.SetResponse(s.Workspace.ID, http.StatusOK)
}

func (s *CreateWorkspaceStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	_, err := s.Deps.Stores.Workspaces.DeleteWorkspace(ctx, s.Workspace.ID)
	return err
}

// =============================================================================
// Workspace delete
// =============================================================================

// DeleteControlledResourcesStep deletes every controlled resource of the
// workspace: its cloud object, its authorization object, then its row. Every
// resource is attempted; the failures are reported together.
type DeleteControlledResourcesStep struct {
	Deps        *Deps
	User        iam.AuthenticatedUser
	WorkspaceID uuid.UUID
}

const deletePageSize = 100

func (s *DeleteControlledResourcesStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	logger := stepLogger(fc).With().Str("workspace_id", s.WorkspaceID.String()).Logger()

	var resources []models.Resource
	filter := dao.ResourceFilter{Stewardship: models.StewardshipControlled}
	for offset := 0; ; offset += deletePageSize {
		page, err := s.Deps.Stores.Resources.ListResources(ctx, s.WorkspaceID, filter, offset, deletePageSize)
		if err != nil {
			return err
		}
		resources = append(resources, page...)
		if len(page) < deletePageSize {
			break
		}
	}

	var errs error
	for _, r := range resources {
		err := deleteCloudObject(ctx, s.Deps, r, true)
		if err == nil {
			err = ignoreNotFound(s.Deps.IAM.DeleteControlledResource(ctx, s.User, r))
		}
		if err == nil {
			_, err = s.Deps.Stores.Resources.DeleteResource(ctx, r.WorkspaceID, r.ResourceID)
		}
		if err != nil {
			logger.Warn().Err(err).Str("resource_id", r.ResourceID.String()).Msg("Failed to delete controlled resource")
			errs = multierr.Append(errs, fmt.Errorf("resource %s: %w", r.ResourceID, err))
			continue
		}
		logger.Info().Str("resource_id", r.ResourceID.String()).Msg("Deleted controlled resource")
	}
	return errs
}

func (s *DeleteControlledResourcesStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return resurfaceCause(fc)
}

// DeleteGcpProjectStep deletes the project of the workspace's GCP context.
// A workspace without one has nothing to delete.
type DeleteGcpProjectStep struct {
	Deps        *Deps
	WorkspaceID uuid.UUID
}

func (s *DeleteGcpProjectStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	cc, err := s.Deps.Stores.CloudContexts.GetCloudContext(ctx, s.WorkspaceID, models.PlatformGCP)
	if models.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := ignoreNotFound(s.Deps.GCP.DeleteProject(ctx, cc.Gcp.ProjectID)); err != nil {
		return fmt.Errorf("delete project %s: %w", cc.Gcp.ProjectID, err)
	}
	stepLogger(fc).Info().Str("project_id", cc.Gcp.ProjectID).Msg("Deleted GCP project")
	return nil
}

func (s *DeleteGcpProjectStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return resurfaceCause(fc)
}

// DeleteCloudContextsStep removes every cloud context row of the workspace.
type DeleteCloudContextsStep struct {
	Deps        *Deps
	WorkspaceID uuid.UUID
}

func (s *DeleteCloudContextsStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	contexts, err := s.Deps.Stores.CloudContexts.ListCloudContexts(ctx, s.WorkspaceID)
	if err != nil {
		return err
	}
	for _, cc := range contexts {
		if err := s.Deps.Stores.CloudContexts.DeleteCloudContext(ctx, s.WorkspaceID, cc.Platform); err != nil {
			return err
		}
	}
	return nil
}

func (s *DeleteCloudContextsStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return resurfaceCause(fc)
}

// DeleteWorkspaceAuthzStep deletes the authorization object of an MC
// workspace. RAWLS owns the object of its workspaces.
type DeleteWorkspaceAuthzStep struct {
	Deps        *Deps
	User        iam.AuthenticatedUser
	WorkspaceID uuid.UUID
}

func (s *DeleteWorkspaceAuthzStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	ws, err := s.Deps.Stores.Workspaces.GetWorkspace(ctx, s.WorkspaceID)
	if models.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if ws.Stage != models.StageMC {
		return nil
	}
	return ignoreNotFound(s.Deps.IAM.DeleteWorkspace(ctx, s.User, s.WorkspaceID))
}

func (s *DeleteWorkspaceAuthzStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return resurfaceCause(fc)
}

// DeleteWorkspaceStateStep deletes the workspace row. Remaining rows of the
// workspace go with it.
type DeleteWorkspaceStateStep struct {
	Deps        *Deps
	WorkspaceID uuid.UUID
}

func (s *DeleteWorkspaceStateStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	deleted, err := s.Deps.Stores.Workspaces.DeleteWorkspace(ctx, s.WorkspaceID)
	if err != nil {
		return err
	}
	if !deleted {
		stepLogger(fc).Info().Str("workspace_id", s.WorkspaceID.String()).Msg("Workspace row already deleted")
	}
	return fc.SetResponse(s.WorkspaceID, http.StatusOK)
}

func (s *DeleteWorkspaceStateStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return resurfaceCause(fc)
}

// deleteCloudObject deletes the cloud object behind a controlled resource.
// A missing object is success. With force, a non-empty storage container is
// deleted anyway.
func deleteCloudObject(ctx context.Context, d *Deps, r models.Resource, force bool) error {
	switch a := r.Attributes.(type) {
	case models.GcsBucketAttributes:
		return ignoreNotFound(d.GCP.DeleteBucket(ctx, a.BucketName))
	case models.BigQueryDatasetAttributes:
		project, err := gcpProjectFor(ctx, d, r.WorkspaceID)
		if err != nil {
			return err
		}
		return ignoreNotFound(d.GCP.DeleteDataset(ctx, project, a.DatasetName))
	case models.AiNotebookAttributes:
		project, err := gcpProjectFor(ctx, d, r.WorkspaceID)
		if err != nil {
			return err
		}
		return ignoreNotFound(d.GCP.DeleteInstance(ctx, project, a.Location, a.InstanceID))
	case models.AzureStorageContainerAttributes:
		return deleteStorageContainer(ctx, d, r.WorkspaceID, a, force)
	case models.DataRepoSnapshotAttributes:
		return nil
	}
	return flowengine.Permanentf("unsupported resource type %s", r.Type())
}

// deleteStorageContainer deletes a container and then its storage account
// when no container is left in it.
func deleteStorageContainer(ctx context.Context, d *Deps, workspaceID uuid.UUID, a models.AzureStorageContainerAttributes, force bool) error {
	az, err := azureContextFor(ctx, d, workspaceID)
	if err != nil {
		return err
	}
	rg := az.ResourceGroupID

	if !force {
		blobs, err := d.Azure.ListBlobs(ctx, rg, a.StorageAccountName, a.ContainerName)
		switch {
		case cloud.IsNotFound(err):
			// Container or account already gone; still clean up the account.
		case err != nil:
			return classifyAzure(err)
		case len(blobs) > 0:
			return flowengine.NewPermanentError(models.Conflictf("Blob Container %s is not empty.", a.ContainerName))
		}
	}

	if err := ignoreNotFound(d.Azure.DeleteContainer(ctx, rg, a.StorageAccountName, a.ContainerName)); err != nil {
		return classifyAzure(err)
	}

	remaining, err := d.Azure.ListContainers(ctx, rg, a.StorageAccountName)
	if cloud.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return classifyAzure(err)
	}
	if len(remaining) > 0 {
		return nil
	}
	return classifyAzure(ignoreNotFound(d.Azure.DeleteStorageAccount(ctx, rg, a.StorageAccountName)))
}
