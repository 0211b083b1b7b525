package steps

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nuclearlighters/workspace-manager/internal/cloud"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

const (
	DefaultLocation     = "us-central1"
	DefaultStorageClass = "STANDARD"
)

// ValidateResourceUniquenessStep rejects a resource whose name or cloud
// object is already used by another resource.
type ValidateResourceUniquenessStep struct {
	noUndo
	Deps     *Deps
	Resource models.Resource
}

func (s *ValidateResourceUniquenessStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	r := s.Resource
	existing, err := s.Deps.Stores.Resources.GetResourceByName(ctx, r.WorkspaceID, r.Name)
	switch {
	case err == nil && existing.ResourceID != r.ResourceID:
		return flowengine.NewPermanentError(models.Conflictf("a resource named %s already exists in workspace %s", r.Name, r.WorkspaceID))
	case err != nil && !models.IsNotFound(err):
		return err
	}
	if err := s.Deps.Stores.Resources.ValidateUniqueCloudName(ctx, r); err != nil {
		if models.IsConflict(err) {
			return flowengine.NewPermanentError(err)
		}
		return err
	}
	return nil
}

// CreateResourceAuthzStep creates the authorization object of a controlled
// resource. Private resources grant their roles to the assigned user.
type CreateResourceAuthzStep struct {
	Deps     *Deps
	User     iam.AuthenticatedUser
	Resource models.Resource
}

func (s *CreateResourceAuthzStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	err := s.Deps.IAM.CreateControlledResource(ctx, s.User, s.Resource)
	if models.IsConflict(err) {
		stepLogger(fc).Info().Str("resource_id", s.Resource.ResourceID.String()).Msg("Resource authz object already created")
		return nil
	}
	return err
}

func (s *CreateResourceAuthzStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return ignoreNotFound(s.Deps.IAM.DeleteControlledResource(ctx, s.User, s.Resource))
}

// =============================================================================
// GCP cloud objects
// =============================================================================

// CreateGcsBucketStep creates the bucket in the workspace project. A bucket of
// the same name in that project is one an earlier attempt made.
type CreateGcsBucketStep struct {
	Deps     *Deps
	Resource models.Resource
	Bucket   models.GcsBucketAttributes
	Params   CreationParameters
}

func (s *CreateGcsBucketStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, err := gcpProjectFor(ctx, s.Deps, s.Resource.WorkspaceID)
	if err != nil {
		return err
	}
	b := cloud.Bucket{
		Name:         s.Bucket.BucketName,
		ProjectID:    projectID,
		Location:     s.Params.Location,
		StorageClass: s.Params.StorageClass,
	}
	if b.Location == "" {
		b.Location = DefaultLocation
	}
	if b.StorageClass == "" {
		b.StorageClass = DefaultStorageClass
	}

	err = s.Deps.GCP.CreateBucket(ctx, b)
	if !cloud.IsAlreadyExists(err) {
		return err
	}
	existing, getErr := s.Deps.GCP.GetBucket(ctx, b.Name)
	if getErr != nil {
		return getErr
	}
	if existing.ProjectID != projectID {
		return flowengine.NewPermanentError(models.Conflictf("bucket name %s is already in use", b.Name))
	}
	stepLogger(fc).Info().Str("bucket", b.Name).Msg("Bucket already created")
	return nil
}

func (s *CreateGcsBucketStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, err := gcpProjectFor(ctx, s.Deps, s.Resource.WorkspaceID)
	if err != nil {
		return err
	}
	existing, err := s.Deps.GCP.GetBucket(ctx, s.Bucket.BucketName)
	if cloud.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	// Never delete a same-named bucket of another project.
	if existing.ProjectID != projectID {
		return nil
	}
	return ignoreNotFound(s.Deps.GCP.DeleteBucket(ctx, s.Bucket.BucketName))
}

type CreateBigQueryDatasetStep struct {
	Deps     *Deps
	Resource models.Resource
	Dataset  models.BigQueryDatasetAttributes
	Params   CreationParameters
}

func (s *CreateBigQueryDatasetStep) location() string {
	switch {
	case s.Params.Location != "":
		return s.Params.Location
	case s.Dataset.Location != "":
		return s.Dataset.Location
	}
	return DefaultLocation
}

func (s *CreateBigQueryDatasetStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, err := gcpProjectFor(ctx, s.Deps, s.Resource.WorkspaceID)
	if err != nil {
		return err
	}
	err = s.Deps.GCP.CreateDataset(ctx, cloud.Dataset{
		ProjectID:            projectID,
		DatasetID:            s.Dataset.DatasetName,
		Location:             s.location(),
		DefaultTableLifetime: s.Params.DefaultTableLifetime,
	})
	if cloud.IsAlreadyExists(err) {
		stepLogger(fc).Info().Str("dataset", s.Dataset.DatasetName).Msg("Dataset already created")
		return nil
	}
	return err
}

func (s *CreateBigQueryDatasetStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, err := gcpProjectFor(ctx, s.Deps, s.Resource.WorkspaceID)
	if err != nil {
		return err
	}
	return ignoreNotFound(s.Deps.GCP.DeleteDataset(ctx, projectID, s.Dataset.DatasetName))
}

// RetrieveNetworkNameStep finds the network a notebook instance is attached to.
type RetrieveNetworkNameStep struct {
	noUndo
	Deps     *Deps
	Resource models.Resource
	Notebook models.AiNotebookAttributes
}

func (s *RetrieveNetworkNameStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, err := gcpProjectFor(ctx, s.Deps, s.Resource.WorkspaceID)
	if err != nil {
		return err
	}
	network, err := s.Deps.GCP.GetDefaultNetwork(ctx, projectID, s.Notebook.Location)
	if err != nil {
		return fmt.Errorf("find network for %s: %w", s.Notebook.Location, err)
	}
	return flowengine.Put(fc.WorkingMap(), KeyNetwork, *network)
}

type CreateAiNotebookInstanceStep struct {
	Deps     *Deps
	Resource models.Resource
	Notebook models.AiNotebookAttributes
}

func (s *CreateAiNotebookInstanceStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	network, err := flowengine.Get(fc.WorkingMap(), KeyNetwork)
	if err != nil {
		return err
	}
	projectID, err := gcpProjectFor(ctx, s.Deps, s.Resource.WorkspaceID)
	if err != nil {
		return err
	}
	err = s.Deps.GCP.CreateInstance(ctx, cloud.NotebookInstance{
		ProjectID:  projectID,
		Location:   s.Notebook.Location,
		InstanceID: s.Notebook.InstanceID,
		Network:    network.Network,
		Subnetwork: network.Subnetwork,
	})
	if cloud.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (s *CreateAiNotebookInstanceStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID, err := gcpProjectFor(ctx, s.Deps, s.Resource.WorkspaceID)
	if err != nil {
		return err
	}
	return ignoreNotFound(s.Deps.GCP.DeleteInstance(ctx, projectID, s.Notebook.Location, s.Notebook.InstanceID))
}

// =============================================================================
// Azure cloud objects
// =============================================================================

// CreateAzureStorageContainerStep makes sure the storage account exists in
// the workspace's resource group, then creates the container in it.
type CreateAzureStorageContainerStep struct {
	Deps      *Deps
	Resource  models.Resource
	Container models.AzureStorageContainerAttributes
}

func (s *CreateAzureStorageContainerStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	az, err := azureContextFor(ctx, s.Deps, s.Resource.WorkspaceID)
	if err != nil {
		return err
	}
	rg := az.ResourceGroupID
	account := s.Container.StorageAccountName
	logger := stepLogger(fc).With().Str("storage_account", account).Logger()

	_, err = s.Deps.Azure.GetStorageAccount(ctx, rg, account)
	switch {
	case err == nil:
		logger.Debug().Msg("Reusing storage account")
	case cloud.IsNotFound(err):
		available, err := s.Deps.Azure.CheckNameAvailability(ctx, account)
		if err != nil {
			return classifyAzure(err)
		}
		if !available {
			return flowengine.NewPermanentError(models.Conflictf("storage account name %s is not available", account))
		}
		if err := s.Deps.Azure.CreateStorageAccount(ctx, rg, account); err != nil {
			return classifyAzure(err)
		}
		logger.Info().Msg("Storage account created")
	default:
		return classifyAzure(err)
	}

	_, err = s.Deps.Azure.GetContainer(ctx, rg, account, s.Container.ContainerName)
	if err == nil {
		return nil
	}
	if !cloud.IsNotFound(err) {
		return classifyAzure(err)
	}

	access := cloud.PublicAccessContainer
	if s.Resource.Controlled != nil && s.Resource.Controlled.AccessScope == models.AccessScopePrivate {
		access = cloud.PublicAccessNone
	}
	err = s.Deps.Azure.CreateContainer(ctx, rg, account, s.Container.ContainerName, access)
	if cloud.IsAlreadyExists(err) {
		return nil
	}
	return classifyAzure(err)
}

func (s *CreateAzureStorageContainerStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	az, err := azureContextFor(ctx, s.Deps, s.Resource.WorkspaceID)
	if err != nil {
		return err
	}
	err = s.Deps.Azure.DeleteContainer(ctx, az.ResourceGroupID, s.Container.StorageAccountName, s.Container.ContainerName)
	return classifyAzure(ignoreNotFound(err))
}

// =============================================================================
// Metadata and response
// =============================================================================

// StoreResourceMetadataStep inserts the resource row. The same row stored by
// an earlier attempt is success.
type StoreResourceMetadataStep struct {
	Deps     *Deps
	Resource models.Resource
}

func (s *StoreResourceMetadataStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	return s.Deps.Stores.Resources.CreateResource(ctx, s.Resource)
}

func (s *StoreResourceMetadataStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	_, err := s.Deps.Stores.Resources.DeleteResource(ctx, s.Resource.WorkspaceID, s.Resource.ResourceID)
	return err
}

type SetCreateResponseStep struct {
	noUndo
	Deps     *Deps
	Resource models.Resource
}

func (s *SetCreateResponseStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	r, err := s.Deps.Stores.Resources.GetResource(ctx, s.Resource.WorkspaceID, s.Resource.ResourceID)
	if err != nil {
		return err
	}
	return fc.SetResponse(r, http.StatusOK)
}

// CreateReferenceMetadataStep stores a referenced resource. References have
// no cloud object and no authorization object of their own.
type CreateReferenceMetadataStep struct {
	StoreResourceMetadataStep
}

type SetReferenceResponseStep struct {
	SetCreateResponseStep
}
