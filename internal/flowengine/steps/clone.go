package steps

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nuclearlighters/workspace-manager/internal/cloud"
	"github.com/nuclearlighters/workspace-manager/internal/dao"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// =============================================================================
// Single resource clone: shared pieces
// =============================================================================

// destinationDefinition is the resource a clone creates in the destination
// workspace. A private resource is assigned to the user doing the clone.
func destinationDefinition(in ResourceCloneInput, attrs models.Attributes) models.Resource {
	src := in.Source
	dest := models.Resource{
		WorkspaceID:         in.DestinationWorkspaceID,
		ResourceID:          in.DestinationResourceID,
		Name:                src.Name,
		Description:         src.Description,
		CloningInstructions: src.CloningInstructions,
		Stewardship:         models.StewardshipControlled,
		Attributes:          attrs,
	}
	if src.Controlled != nil {
		c := *src.Controlled
		if c.AccessScope == models.AccessScopePrivate {
			email := in.User.Email
			c.AssignedUser = &email
		}
		dest.Controlled = &c
	}
	return dest
}

// referenceDefinition is the reference a COPY_REFERENCE clone creates.
func referenceDefinition(in ResourceCloneInput, attrs models.Attributes) models.Resource {
	return models.Resource{
		WorkspaceID:         in.DestinationWorkspaceID,
		ResourceID:          in.DestinationResourceID,
		Name:                in.Source.Name,
		Description:         in.Source.Description,
		CloningInstructions: models.CloneReference,
		Stewardship:         models.StewardshipReferenced,
		Attributes:          attrs,
	}
}

// definitionCopier creates the destination resource through a child
// workflow and removes it again on undo.
type definitionCopier struct {
	Deps  *Deps
	Input ResourceCloneInput
}

func (c *definitionCopier) copy(ctx context.Context, fc *flowengine.FlightContext, controlled models.Resource, params CreationParameters, reference models.Resource) error {
	id := childID(fc.WorkflowID(), "create-definition")
	var err error
	if c.Input.Source.CloningInstructions == models.CloneReference {
		err = launch(ctx, fc, id, TypeReferenceCreate, "Clone reference "+c.Input.Source.Name,
			ReferenceCreateInput{User: c.Input.User, Resource: reference})
	} else {
		err = launch(ctx, fc, id, TypeControlledResourceCreate, "Clone definition of "+c.Input.Source.Name,
			ControlledResourceCreateInput{User: c.Input.User, Resource: controlled, Params: params})
	}
	if err != nil {
		return err
	}
	res, err := awaitSuccess(ctx, fc, c.Deps, id)
	if err != nil {
		return err
	}
	created, err := flowengine.DecodeResponse[models.Resource](res)
	if err != nil {
		return flowengine.NewPermanentError(err)
	}
	return flowengine.Put(fc.WorkingMap(), KeyClonedResource, created)
}

func (c *definitionCopier) undo(ctx context.Context, fc *flowengine.FlightContext) error {
	created, ok, err := flowengine.Lookup(fc.WorkingMap(), KeyClonedResource)
	if err != nil {
		return err
	}
	if !ok {
		// The create child failed and undid itself, or was never launched.
		return nil
	}
	if created.Stewardship == models.StewardshipReferenced {
		_, err := c.Deps.Stores.Resources.DeleteResource(ctx, created.WorkspaceID, created.ResourceID)
		return err
	}
	id := childID(fc.WorkflowID(), "delete-definition")
	if err := launch(ctx, fc, id, TypeControlledResourceDelete, "Remove cloned "+created.Name,
		ControlledResourceDeleteInput{User: c.Input.User, Resource: created}); err != nil {
		return err
	}
	_, err = awaitSuccess(ctx, fc, c.Deps, id)
	return err
}

// SetCloneResponseStep reports the outcome of a single resource clone.
type SetCloneResponseStep struct {
	noUndo
	Input ResourceCloneInput
}

func (s *SetCloneResponseStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	details := models.NewCloneDetails(s.Input.Source)
	if s.Input.Source.CloningInstructions == models.CloneNothing {
		details = details.Skipped("cloning instructions are " + string(models.CloneNothing))
	} else {
		details = details.Succeeded(s.Input.DestinationResourceID)
	}
	return fc.SetResponse(details, http.StatusOK)
}

// =============================================================================
// GCS bucket clone
// =============================================================================

// RetrieveGcsBucketCloudAttributesStep reads the source bucket, whose
// location and storage class the clone inherits.
type RetrieveGcsBucketCloudAttributesStep struct {
	noUndo
	Deps   *Deps
	Bucket models.GcsBucketAttributes
}

func (s *RetrieveGcsBucketCloudAttributesStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	b, err := s.Deps.GCP.GetBucket(ctx, s.Bucket.BucketName)
	if cloud.IsNotFound(err) {
		return flowengine.NewPermanentError(models.NotFoundf("source bucket %s not found", s.Bucket.BucketName))
	}
	if err != nil {
		return err
	}
	return flowengine.Put(fc.WorkingMap(), KeySourceBucket, *b)
}

type CopyGcsBucketDefinitionStep struct {
	definitionCopier
	Bucket models.GcsBucketAttributes
}

func NewCopyGcsBucketDefinitionStep(d *Deps, in ResourceCloneInput, bucket models.GcsBucketAttributes) *CopyGcsBucketDefinitionStep {
	return &CopyGcsBucketDefinitionStep{definitionCopier: definitionCopier{Deps: d, Input: in}, Bucket: bucket}
}

func (s *CopyGcsBucketDefinitionStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	params := CreationParameters{Location: s.Input.Location}
	if src, ok, err := flowengine.Lookup(fc.WorkingMap(), KeySourceBucket); err != nil {
		return err
	} else if ok {
		if params.Location == "" {
			params.Location = src.Location
		}
		params.StorageClass = src.StorageClass
	}
	controlled := destinationDefinition(s.Input, models.GcsBucketAttributes{
		BucketName: cloud.BucketNameFor(s.Input.DestinationResourceID.String()),
	})
	return s.copy(ctx, fc, controlled, params, referenceDefinition(s.Input, s.Bucket))
}

func (s *CopyGcsBucketDefinitionStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return s.undo(ctx, fc)
}

// CreateStorageTransferJobStep starts copying the source bucket's objects
// into the cloned bucket. The job name is derived from the workflow, so a
// retry finds the job of an earlier attempt.
type CreateStorageTransferJobStep struct {
	Deps                   *Deps
	DestinationWorkspaceID uuid.UUID
}

func (s *CreateStorageTransferJobStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	if err := flowengine.Require(wm, KeySourceBucket, KeyClonedResource); err != nil {
		return err
	}
	src, err := flowengine.Get(wm, KeySourceBucket)
	if err != nil {
		return err
	}
	cloned, err := flowengine.Get(wm, KeyClonedResource)
	if err != nil {
		return err
	}
	dest, ok := cloned.Attributes.(models.GcsBucketAttributes)
	if !ok {
		return flowengine.Permanentf("cloned resource %s is not a bucket", cloned.ResourceID)
	}
	projectID, err := gcpProjectFor(ctx, s.Deps, s.DestinationWorkspaceID)
	if err != nil {
		return err
	}

	name := cloud.TransferJobNameFor(fc.WorkflowID())
	if err := flowengine.Put(wm, KeyTransferJobName, name); err != nil {
		return err
	}
	err = s.Deps.GCP.CreateTransferJob(ctx, cloud.TransferJob{
		Name:              name,
		ProjectID:         projectID,
		SourceBucket:      src.Name,
		DestinationBucket: dest.BucketName,
	})
	if cloud.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return err
	}
	stepLogger(fc).Info().Str("transfer_job", name).Str("source", src.Name).Str("destination", dest.BucketName).Msg("Storage transfer job created")
	return nil
}

func (s *CreateStorageTransferJobStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return ignoreNotFound(s.Deps.GCP.DeleteTransferJob(ctx, cloud.TransferJobNameFor(fc.WorkflowID())))
}

// CompleteTransferOperationStep waits for the transfer job to start an
// operation and then for that operation to finish. Running out of polls in
// either phase fails the clone.
type CompleteTransferOperationStep struct {
	noUndo
	Deps *Deps
}

func (s *CompleteTransferOperationStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	jobName, err := flowengine.Get(wm, KeyTransferJobName)
	if err != nil {
		return err
	}
	p := s.Deps.Transfer
	logger := stepLogger(fc).With().Str("transfer_job", jobName).Logger()

	opName, ok, err := flowengine.Lookup(wm, KeyTransferOperation)
	if err != nil {
		return err
	}
	for attempt := 0; !ok; attempt++ {
		if attempt >= p.JobPollAttempts {
			return flowengine.NewPermanentError(fmt.Errorf("timed out waiting for transfer job %s to start an operation", jobName))
		}
		if attempt > 0 {
			if err := sleepCtx(ctx, p.JobPollInterval); err != nil {
				return err
			}
		}
		job, err := s.Deps.GCP.GetTransferJob(ctx, jobName)
		if err != nil {
			return err
		}
		if job.LatestOperationName != "" {
			opName, ok = job.LatestOperationName, true
		}
	}
	if err := flowengine.Put(wm, KeyTransferOperation, opName); err != nil {
		return err
	}
	logger.Debug().Str("operation", opName).Msg("Transfer operation started")

	for attempt := 0; ; attempt++ {
		if attempt >= p.OpPollAttempts {
			return flowengine.NewPermanentError(fmt.Errorf("timed out waiting for transfer operation %s", opName))
		}
		if attempt > 0 {
			if err := sleepCtx(ctx, p.OpPollInterval); err != nil {
				return err
			}
		}
		op, err := s.Deps.GCP.GetTransferOperation(ctx, opName)
		if err != nil {
			return err
		}
		if !op.Done {
			continue
		}
		if op.Error != "" {
			return flowengine.NewPermanentError(fmt.Errorf("transfer operation %s failed: %s", opName, op.Error))
		}
		logger.Info().Str("operation", opName).Msg("Transfer operation completed")
		return nil
	}
}

type DeleteStorageTransferJobStep struct {
	noUndo
	Deps *Deps
}

func (s *DeleteStorageTransferJobStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	return ignoreNotFound(s.Deps.GCP.DeleteTransferJob(ctx, cloud.TransferJobNameFor(fc.WorkflowID())))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// BigQuery dataset clone
// =============================================================================

// RetrieveBigQueryDatasetCloudAttributesStep records the source project and
// the location of the clone: the requested one, else the source dataset's.
type RetrieveBigQueryDatasetCloudAttributesStep struct {
	noUndo
	Deps     *Deps
	Source   models.Resource
	Dataset  models.BigQueryDatasetAttributes
	Location string
}

func (s *RetrieveBigQueryDatasetCloudAttributesStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	projectID := s.Dataset.ProjectID
	if projectID == "" {
		var err error
		if projectID, err = gcpProjectFor(ctx, s.Deps, s.Source.WorkspaceID); err != nil {
			return err
		}
	}
	wm := fc.WorkingMap()
	if err := flowengine.Put(wm, KeySourceProjectID, projectID); err != nil {
		return err
	}
	location := s.Location
	if location == "" {
		d, err := s.Deps.GCP.GetDataset(ctx, projectID, s.Dataset.DatasetName)
		if cloud.IsNotFound(err) {
			return flowengine.NewPermanentError(models.NotFoundf("source dataset %s.%s not found", projectID, s.Dataset.DatasetName))
		}
		if err != nil {
			return err
		}
		location = d.Location
	}
	return flowengine.Put(wm, KeyDatasetLocation, location)
}

type CopyBigQueryDatasetDefinitionStep struct {
	definitionCopier
	Dataset models.BigQueryDatasetAttributes
}

func NewCopyBigQueryDatasetDefinitionStep(d *Deps, in ResourceCloneInput, dataset models.BigQueryDatasetAttributes) *CopyBigQueryDatasetDefinitionStep {
	return &CopyBigQueryDatasetDefinitionStep{definitionCopier: definitionCopier{Deps: d, Input: in}, Dataset: dataset}
}

func (s *CopyBigQueryDatasetDefinitionStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	location, _, err := flowengine.Lookup(wm, KeyDatasetLocation)
	if err != nil {
		return err
	}
	srcProject, _, err := flowengine.Lookup(wm, KeySourceProjectID)
	if err != nil {
		return err
	}
	controlled := destinationDefinition(s.Input, models.BigQueryDatasetAttributes{
		DatasetName: s.Dataset.DatasetName,
		Location:    location,
	})
	reference := referenceDefinition(s.Input, models.BigQueryDatasetAttributes{
		ProjectID:   srcProject,
		DatasetName: s.Dataset.DatasetName,
		Location:    location,
	})
	return s.copy(ctx, fc, controlled, CreationParameters{Location: location}, reference)
}

func (s *CopyBigQueryDatasetDefinitionStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	return s.undo(ctx, fc)
}

// CopyBigQueryDatasetDataStep copies every table into the cloned dataset.
// The tables go with the dataset when the definition is undone.
type CopyBigQueryDatasetDataStep struct {
	noUndo
	Deps                   *Deps
	DestinationWorkspaceID uuid.UUID
	Dataset                models.BigQueryDatasetAttributes
}

func (s *CopyBigQueryDatasetDataStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	srcProject, err := flowengine.Get(wm, KeySourceProjectID)
	if err != nil {
		return err
	}
	cloned, err := flowengine.Get(wm, KeyClonedResource)
	if err != nil {
		return err
	}
	dest, ok := cloned.Attributes.(models.BigQueryDatasetAttributes)
	if !ok {
		return flowengine.Permanentf("cloned resource %s is not a dataset", cloned.ResourceID)
	}
	destProject, err := gcpProjectFor(ctx, s.Deps, s.DestinationWorkspaceID)
	if err != nil {
		return err
	}
	if err := flowengine.Put(wm, KeyDestinationProject, destProject); err != nil {
		return err
	}
	return s.Deps.GCP.CopyTables(ctx, srcProject, s.Dataset.DatasetName, destProject, dest.DatasetName)
}

// =============================================================================
// Clone all resources
// =============================================================================

// recordCloneResult stores one resource's clone outcome in the result map.
func recordCloneResult(fc *flowengine.FlightContext, details models.ResourceCloneDetails) error {
	wm := fc.WorkingMap()
	results, ok, err := flowengine.Lookup(wm, KeyResourceIDToCloneResult)
	if err != nil {
		return err
	}
	if !ok || results == nil {
		results = make(map[uuid.UUID]models.ResourceCloneDetails)
	}
	results[details.SourceResourceID] = details
	return flowengine.Put(wm, KeyResourceIDToCloneResult, results)
}

// RecordSkippedResourceStep records a resource the clone leaves out.
type RecordSkippedResourceStep struct {
	noUndo
	Resource models.Resource
	Reason   string
}

func (s *RecordSkippedResourceStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	return recordCloneResult(fc, models.NewCloneDetails(s.Resource).Skipped(s.Reason))
}

// cloneInput is the single-resource clone request for one listed resource.
func cloneInput(user iam.AuthenticatedUser, item ResourceToClone, destWorkspaceID uuid.UUID, location string) ResourceCloneInput {
	return ResourceCloneInput{
		User:                   user,
		Source:                 item.Resource,
		DestinationWorkspaceID: destWorkspaceID,
		DestinationResourceID:  item.DestinationResourceID,
		Location:               location,
	}
}

// LaunchCreateReferenceStep copies a referenced resource. A reference has no
// cloud object, so the copy is a reference_create child.
type LaunchCreateReferenceStep struct {
	noUndo
	User                   iam.AuthenticatedUser
	Item                   ResourceToClone
	DestinationWorkspaceID uuid.UUID
}

func (s *LaunchCreateReferenceStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	in := cloneInput(s.User, s.Item, s.DestinationWorkspaceID, "")
	return launch(ctx, fc, s.Item.JobID, TypeReferenceCreate, "Clone reference "+s.Item.Resource.Name,
		ReferenceCreateInput{User: s.User, Resource: referenceDefinition(in, s.Item.Resource.Attributes)})
}

type LaunchCloneGcsBucketStep struct {
	noUndo
	User                   iam.AuthenticatedUser
	Item                   ResourceToClone
	DestinationWorkspaceID uuid.UUID
	Location               string
}

func (s *LaunchCloneGcsBucketStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	return launch(ctx, fc, s.Item.JobID, TypeGcsBucketClone, "Clone bucket "+s.Item.Resource.Name,
		cloneInput(s.User, s.Item, s.DestinationWorkspaceID, s.Location))
}

type LaunchCloneBigQueryDatasetStep struct {
	noUndo
	User                   iam.AuthenticatedUser
	Item                   ResourceToClone
	DestinationWorkspaceID uuid.UUID
	Location               string
}

func (s *LaunchCloneBigQueryDatasetStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	return launch(ctx, fc, s.Item.JobID, TypeBigQueryDatasetClone, "Clone dataset "+s.Item.Resource.Name,
		cloneInput(s.User, s.Item, s.DestinationWorkspaceID, s.Location))
}

// AwaitCloneResourceStep waits for one resource's clone and records its
// outcome. A failed clone is recorded, not propagated.
type AwaitCloneResourceStep struct {
	noUndo
	Deps *Deps
	Item ResourceToClone
}

func (s *AwaitCloneResourceStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	res, err := await(ctx, fc, s.Deps, s.Item.JobID)
	if err != nil {
		return err
	}
	base := models.NewCloneDetails(s.Item.Resource)
	if runErr := res.Err(); runErr != nil {
		stepLogger(fc).Warn().
			Str("resource_id", s.Item.Resource.ResourceID.String()).
			Str("child_id", s.Item.JobID).
			Err(runErr).
			Msg("Resource clone failed")
		return recordCloneResult(fc, base.Failed(runErr.Error()))
	}
	if s.Item.Resource.IsControlled() {
		if details, err := flowengine.DecodeResponse[models.ResourceCloneDetails](res); err == nil && details.Result != "" {
			return recordCloneResult(fc, details)
		}
	}
	return recordCloneResult(fc, base.Succeeded(s.Item.DestinationResourceID))
}

// SetCloneAllResponseStep reports every recorded clone outcome.
type SetCloneAllResponseStep struct {
	noUndo
}

func (s *SetCloneAllResponseStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	results, _, err := flowengine.Lookup(fc.WorkingMap(), KeyResourceIDToCloneResult)
	if err != nil {
		return err
	}
	if results == nil {
		results = map[uuid.UUID]models.ResourceCloneDetails{}
	}
	return fc.SetResponse(results, http.StatusOK)
}

// =============================================================================
// Workspace clone
// =============================================================================

// CreateIDsForFutureStepsStep allocates the destination workspace and every
// child workflow ID once, so a replayed launch reuses them.
type CreateIDsForFutureStepsStep struct {
	noUndo
	DestinationWorkspaceID uuid.UUID
}

func (s *CreateIDsForFutureStepsStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	if wm.Has(KeyDestinationWorkspaceID) {
		return nil
	}
	dest := s.DestinationWorkspaceID
	if dest == uuid.Nil {
		dest = uuid.New()
	}
	launcher := fc.Engine()
	for _, put := range []func() error{
		func() error { return flowengine.Put(wm, KeyCreateWorkspaceJobID, launcher.CreateWorkflowID()) },
		func() error { return flowengine.Put(wm, KeyCreateContextJobID, launcher.CreateWorkflowID()) },
		func() error { return flowengine.Put(wm, KeyCloneAllJobID, launcher.CreateWorkflowID()) },
		func() error { return flowengine.Put(wm, KeyDestinationWorkspaceID, dest) },
	} {
		if err := put(); err != nil {
			return err
		}
	}
	return nil
}

// LaunchCreateWorkspaceStep creates the destination workspace. Its undo
// deletes the destination with everything cloned into it.
type LaunchCreateWorkspaceStep struct {
	Deps   *Deps
	User   iam.AuthenticatedUser
	Source uuid.UUID

	DisplayName    string
	Description    string
	SpendProfileID *string
	Properties     map[string]string
}

func (s *LaunchCreateWorkspaceStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	dest, err := flowengine.Get(wm, KeyDestinationWorkspaceID)
	if err != nil {
		return err
	}
	jobID, err := flowengine.Get(wm, KeyCreateWorkspaceJobID)
	if err != nil {
		return err
	}
	ws := models.Workspace{
		ID:             dest,
		Stage:          models.StageMC,
		SpendProfileID: s.SpendProfileID,
		DisplayName:    s.DisplayName,
		Description:    s.Description,
		Properties:     s.Properties,
	}
	return launch(ctx, fc, jobID, TypeWorkspaceCreate, "Create clone of workspace "+s.Source.String(),
		WorkspaceCreateInput{User: s.User, Workspace: ws})
}

func (s *LaunchCreateWorkspaceStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	dest, err := flowengine.Get(wm, KeyDestinationWorkspaceID)
	if err != nil {
		return err
	}
	jobID, err := flowengine.Get(wm, KeyCreateWorkspaceJobID)
	if err != nil {
		return err
	}
	// The create child must be finished before its workspace can be deleted.
	if _, err := await(ctx, fc, s.Deps, jobID); err != nil {
		if errors.Is(err, flowengine.ErrWorkflowNotFound) {
			return nil
		}
		return err
	}
	id := childID(fc.WorkflowID(), "delete-destination")
	if err := launch(ctx, fc, id, TypeWorkspaceDelete, "Remove clone destination "+dest.String(),
		WorkspaceDeleteInput{User: s.User, WorkspaceID: dest}); err != nil {
		return err
	}
	_, err = awaitSuccess(ctx, fc, s.Deps, id)
	return err
}

type AwaitCreateWorkspaceStep struct {
	noUndo
	Deps *Deps
}

func (s *AwaitCreateWorkspaceStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	jobID, err := flowengine.Get(fc.WorkingMap(), KeyCreateWorkspaceJobID)
	if err != nil {
		return err
	}
	_, err = awaitSuccess(ctx, fc, s.Deps, jobID)
	return err
}

// LaunchCreateGcpContextStep gives the destination a GCP context when the
// source has one.
type LaunchCreateGcpContextStep struct {
	Deps   *Deps
	User   iam.AuthenticatedUser
	Source uuid.UUID
}

func (s *LaunchCreateGcpContextStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	_, err := s.Deps.Stores.CloudContexts.GetCloudContext(ctx, s.Source, models.PlatformGCP)
	has := err == nil
	if err != nil && !models.IsNotFound(err) {
		return err
	}
	if err := flowengine.Put(wm, KeySourceHasGcpContext, has); err != nil {
		return err
	}
	if !has {
		stepLogger(fc).Info().Str("workspace_id", s.Source.String()).Msg("Source workspace has no GCP context")
		return nil
	}
	dest, err := flowengine.Get(wm, KeyDestinationWorkspaceID)
	if err != nil {
		return err
	}
	jobID, err := flowengine.Get(wm, KeyCreateContextJobID)
	if err != nil {
		return err
	}
	return launch(ctx, fc, jobID, TypeGcpContextCreate, "Create GCP context for clone "+dest.String(),
		GcpContextCreateInput{User: s.User, WorkspaceID: dest})
}

// Undo waits for the context child to settle so the destination is not
// deleted under it.
func (s *LaunchCreateGcpContextStep) Undo(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	has, _, err := flowengine.Lookup(wm, KeySourceHasGcpContext)
	if err != nil || !has {
		return err
	}
	jobID, err := flowengine.Get(wm, KeyCreateContextJobID)
	if err != nil {
		return err
	}
	_, err = await(ctx, fc, s.Deps, jobID)
	if errors.Is(err, flowengine.ErrWorkflowNotFound) {
		return nil
	}
	return err
}

type AwaitCreateGcpContextStep struct {
	noUndo
	Deps *Deps
}

func (s *AwaitCreateGcpContextStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	has, err := flowengine.Get(wm, KeySourceHasGcpContext)
	if err != nil || !has {
		return err
	}
	jobID, err := flowengine.Get(wm, KeyCreateContextJobID)
	if err != nil {
		return err
	}
	_, err = awaitSuccess(ctx, fc, s.Deps, jobID)
	return err
}

// FindResourcesToCloneStep lists the source workspace's resources and
// allocates a destination ID and a child workflow ID for each.
type FindResourcesToCloneStep struct {
	noUndo
	Deps   *Deps
	Source uuid.UUID
}

const listPageSize = 100

func (s *FindResourcesToCloneStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	if wm.Has(KeyResourcesToClone) {
		return nil
	}
	var items []ResourceToClone
	for offset := 0; ; offset += listPageSize {
		page, err := s.Deps.Stores.Resources.ListResources(ctx, s.Source, dao.ResourceFilter{}, offset, listPageSize)
		if err != nil {
			return err
		}
		for _, r := range page {
			items = append(items, ResourceToClone{
				Resource:              r,
				DestinationResourceID: uuid.New(),
				JobID:                 fc.Engine().CreateWorkflowID(),
			})
		}
		if len(page) < listPageSize {
			break
		}
	}
	stepLogger(fc).Info().Int("resources", len(items)).Msg("Resources to clone found")
	return flowengine.Put(wm, KeyResourcesToClone, items)
}

type LaunchCloneAllResourcesStep struct {
	noUndo
	User     iam.AuthenticatedUser
	Source   uuid.UUID
	Location string
}

func (s *LaunchCloneAllResourcesStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	if err := flowengine.Require(wm, KeyResourcesToClone, KeyDestinationWorkspaceID, KeyCloneAllJobID); err != nil {
		return err
	}
	items, err := flowengine.Get(wm, KeyResourcesToClone)
	if err != nil {
		return err
	}
	dest, err := flowengine.Get(wm, KeyDestinationWorkspaceID)
	if err != nil {
		return err
	}
	jobID, err := flowengine.Get(wm, KeyCloneAllJobID)
	if err != nil {
		return err
	}
	return launch(ctx, fc, jobID, TypeCloneAllResources, "Clone resources into "+dest.String(), CloneAllResourcesInput{
		User:                   s.User,
		SourceWorkspaceID:      s.Source,
		DestinationWorkspaceID: dest,
		Location:               s.Location,
		Resources:              items,
	})
}

// AwaitCloneAllResourcesStep waits for the resource clones and reports the
// cloned workspace.
type AwaitCloneAllResourcesStep struct {
	noUndo
	Deps   *Deps
	Source uuid.UUID
}

func (s *AwaitCloneAllResourcesStep) Do(ctx context.Context, fc *flowengine.FlightContext) error {
	wm := fc.WorkingMap()
	dest, err := flowengine.Get(wm, KeyDestinationWorkspaceID)
	if err != nil {
		return err
	}
	jobID, err := flowengine.Get(wm, KeyCloneAllJobID)
	if err != nil {
		return err
	}
	res, err := awaitSuccess(ctx, fc, s.Deps, jobID)
	if err != nil {
		return err
	}
	results, err := flowengine.DecodeResponse[map[uuid.UUID]models.ResourceCloneDetails](res)
	if err != nil {
		return flowengine.NewPermanentError(err)
	}
	if err := flowengine.Put(wm, KeyResourceIDToCloneResult, results); err != nil {
		return err
	}
	return fc.SetResponse(models.NewClonedWorkspace(s.Source, dest, results), http.StatusOK)
}
