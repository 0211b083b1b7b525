package steps

import (
	"context"
	"net/http"

	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// Deletion cannot be undone. Every undo here fails with the error that
// started the undo, which leaves the run fatal.

type DeleteResourceAuthzStep struct {
	Deps     *Deps
	User     iam.AuthenticatedUser
	Resource models.Resource
}

func (s *DeleteResourceAuthzStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	return ignoreNotFound(s.Deps.IAM.DeleteControlledResource(ctx, s.User, s.Resource))
}

func (s *DeleteResourceAuthzStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return resurfaceCause(fc)
}

type DeleteGcsBucketStep struct {
	Deps     *Deps
	Resource models.Resource
}

func (s *DeleteGcsBucketStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	return deleteCloudObject(ctx, s.Deps, s.Resource, false)
}

func (s *DeleteGcsBucketStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return resurfaceCause(fc)
}

type DeleteBigQueryDatasetStep struct {
	Deps     *Deps
	Resource models.Resource
}

func (s *DeleteBigQueryDatasetStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	return deleteCloudObject(ctx, s.Deps, s.Resource, false)
}

func (s *DeleteBigQueryDatasetStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return resurfaceCause(fc)
}

type DeleteAiNotebookInstanceStep struct {
	Deps     *Deps
	Resource models.Resource
}

func (s *DeleteAiNotebookInstanceStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	return deleteCloudObject(ctx, s.Deps, s.Resource, false)
}

func (s *DeleteAiNotebookInstanceStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return resurfaceCause(fc)
}

// DeleteAzureStorageContainerStep refuses to delete a container that still
// holds blobs. The storage account goes once its last container is gone.
type DeleteAzureStorageContainerStep struct {
	Deps     *Deps
	Resource models.Resource
}

func (s *DeleteAzureStorageContainerStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	return deleteCloudObject(ctx, s.Deps, s.Resource, false)
}

func (s *DeleteAzureStorageContainerStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return resurfaceCause(fc)
}

type DeleteResourceMetadataStep struct {
	Deps     *Deps
	Resource models.Resource
}

func (s *DeleteResourceMetadataStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	if _, err := s.Deps.Stores.Resources.DeleteResource(ctx, s.Resource.WorkspaceID, s.Resource.ResourceID); err != nil {
		return err
	}
	return fc.SetResponse(s.Resource.ResourceID, http.StatusOK)
}

func (s *DeleteResourceMetadataStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return resurfaceCause(fc)
}
