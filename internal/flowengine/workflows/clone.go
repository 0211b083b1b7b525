package workflows

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/steps"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// GcsBucketCloneWorkflow clones one controlled bucket into another
// workspace. What gets copied follows the source's cloning instructions:
// COPY_NOTHING only reports a skip, COPY_REFERENCE creates a reference to the
// source bucket, COPY_DEFINITION creates an empty bucket and COPY_RESOURCE
// also transfers the objects.
//
// Step order for COPY_RESOURCE:
//  0. retrieve_bucket_attributes
//  1. copy_definition: a controlled_resource_create child; undo deletes it
//  2. create_transfer_job: undo deletes the job
//  3. complete_transfer_operation
//  4. delete_transfer_job
//  5. set_response
type GcsBucketCloneWorkflow struct{ builder }

func (w *GcsBucketCloneWorkflow) Type() string { return steps.TypeGcsBucketClone }
func (w *GcsBucketCloneWorkflow) Version() int { return 1 }

func (w *GcsBucketCloneWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.ResourceCloneInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	bucket, ok := in.Source.Attributes.(models.GcsBucketAttributes)
	if !ok || !in.Source.IsControlled() {
		return nil, models.BadRequestf("resource %s is not a controlled bucket", in.Source.ResourceID)
	}
	d, p := w.deps, w.policies
	respond := w.step("set_response", &steps.SetCloneResponseStep{Input: in}, p.NoRetry)

	ci := in.Source.CloningInstructions
	if ci == models.CloneNothing {
		return []flowengine.StepDefinition{respond}, nil
	}
	defs := []flowengine.StepDefinition{
		w.step("retrieve_bucket_attributes", &steps.RetrieveGcsBucketCloudAttributesStep{Deps: d, Bucket: bucket}, p.Cloud),
		w.awaitStep("copy_definition", steps.NewCopyGcsBucketDefinitionStep(d, in, bucket), p.CloudLongRunning),
	}
	if ci == models.CloneResource {
		transfer := w.step("complete_transfer_operation", &steps.CompleteTransferOperationStep{Deps: d}, p.Cloud)
		transfer.Timeout = d.Transfer.Budget() + stepTimeoutMargin
		defs = append(defs,
			w.step("create_transfer_job", &steps.CreateStorageTransferJobStep{Deps: d, DestinationWorkspaceID: in.DestinationWorkspaceID}, p.Cloud),
			transfer,
			w.step("delete_transfer_job", &steps.DeleteStorageTransferJobStep{Deps: d}, p.Cloud),
		)
	}
	return append(defs, respond), nil
}

// BigQueryDatasetCloneWorkflow clones one controlled dataset. COPY_RESOURCE
// copies the tables after the definition.
type BigQueryDatasetCloneWorkflow struct{ builder }

func (w *BigQueryDatasetCloneWorkflow) Type() string { return steps.TypeBigQueryDatasetClone }
func (w *BigQueryDatasetCloneWorkflow) Version() int { return 1 }

func (w *BigQueryDatasetCloneWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.ResourceCloneInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	dataset, ok := in.Source.Attributes.(models.BigQueryDatasetAttributes)
	if !ok || !in.Source.IsControlled() {
		return nil, models.BadRequestf("resource %s is not a controlled dataset", in.Source.ResourceID)
	}
	d, p := w.deps, w.policies
	respond := w.step("set_response", &steps.SetCloneResponseStep{Input: in}, p.NoRetry)

	ci := in.Source.CloningInstructions
	if ci == models.CloneNothing {
		return []flowengine.StepDefinition{respond}, nil
	}
	defs := []flowengine.StepDefinition{
		w.step("retrieve_dataset_attributes", &steps.RetrieveBigQueryDatasetCloudAttributesStep{
			Deps:     d,
			Source:   in.Source,
			Dataset:  dataset,
			Location: in.Location,
		}, p.Cloud),
		w.awaitStep("copy_definition", steps.NewCopyBigQueryDatasetDefinitionStep(d, in, dataset), p.CloudLongRunning),
	}
	if ci == models.CloneResource {
		defs = append(defs, w.step("copy_dataset_data", &steps.CopyBigQueryDatasetDataStep{
			Deps:                   d,
			DestinationWorkspaceID: in.DestinationWorkspaceID,
			Dataset:                dataset,
		}, p.CloudLongRunning))
	}
	return append(defs, respond), nil
}

// CloneAllResourcesWorkflow fans the resource clones of a workspace clone
// out to child workflows and collects every outcome. A failed resource clone
// is recorded in the result and does not fail this workflow.
//
// All children are launched before any is awaited, so the clones run side
// by side. Step names carry the source resource ID.
type CloneAllResourcesWorkflow struct{ builder }

func (w *CloneAllResourcesWorkflow) Type() string { return steps.TypeCloneAllResources }
func (w *CloneAllResourcesWorkflow) Version() int { return 1 }

func (w *CloneAllResourcesWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.CloneAllResourcesInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	d, p := w.deps, w.policies
	var launches, awaits []flowengine.StepDefinition

	for _, item := range in.Resources {
		r := item.Resource
		id := r.ResourceID.String()
		skip := func(reason string) {
			launches = append(launches, w.step("skip_"+id,
				&steps.RecordSkippedResourceStep{Resource: r, Reason: reason}, p.NoRetry))
		}
		await := func(retry *flowengine.RetryPolicy) {
			awaits = append(awaits, w.awaitStep("await_clone_"+id,
				&steps.AwaitCloneResourceStep{Deps: d, Item: item}, retry))
		}

		if r.CloningInstructions == models.CloneNothing {
			skip("cloning instructions are " + string(models.CloneNothing))
			continue
		}
		if r.Stewardship == models.StewardshipReferenced {
			launches = append(launches, w.step("launch_clone_"+id, &steps.LaunchCreateReferenceStep{
				User:                   in.User,
				Item:                   item,
				DestinationWorkspaceID: in.DestinationWorkspaceID,
			}, p.ShortDatabase))
			await(p.Cloud)
			continue
		}
		switch r.Attributes.(type) {
		case models.GcsBucketAttributes:
			launches = append(launches, w.step("launch_clone_"+id, &steps.LaunchCloneGcsBucketStep{
				User:                   in.User,
				Item:                   item,
				DestinationWorkspaceID: in.DestinationWorkspaceID,
				Location:               in.Location,
			}, p.ShortDatabase))
			await(p.CloudLongRunning)
		case models.BigQueryDatasetAttributes:
			launches = append(launches, w.step("launch_clone_"+id, &steps.LaunchCloneBigQueryDatasetStep{
				User:                   in.User,
				Item:                   item,
				DestinationWorkspaceID: in.DestinationWorkspaceID,
				Location:               in.Location,
			}, p.ShortDatabase))
			await(p.CloudLongRunning)
		default:
			log.Warn().
				Str("workflow_type", w.Type()).
				Str("resource_id", id).
				Str("resource_type", string(r.Type())).
				Msg("Cloning this resource type is not supported, skipping")
			skip("cloning " + string(r.Type()) + " resources is not supported")
		}
	}

	defs := append(launches, awaits...)
	return append(defs, w.step("set_response", &steps.SetCloneAllResponseStep{}, p.NoRetry)), nil
}

// WorkspaceCloneWorkflow creates a new workspace from an existing one and
// clones the source's resources into it.
//
// Step order:
//  0. create_ids: the destination and every child workflow ID, once
//  1. launch_create_workspace: undo deletes the whole destination, which
//     also removes everything cloned into it
//  2. await_create_workspace
//  3. launch_create_gcp_context, await_create_gcp_context: only when the
//     source has a GCP context
//  4. find_resources_to_clone
//  5. launch_clone_all_resources
//  6. await_clone_all_resources: the response is the cloned workspace
type WorkspaceCloneWorkflow struct{ builder }

func (w *WorkspaceCloneWorkflow) Type() string { return steps.TypeWorkspaceClone }
func (w *WorkspaceCloneWorkflow) Version() int { return 1 }

func (w *WorkspaceCloneWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.WorkspaceCloneInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	d, p := w.deps, w.policies
	return []flowengine.StepDefinition{
		w.step("create_ids", &steps.CreateIDsForFutureStepsStep{DestinationWorkspaceID: in.DestinationWorkspaceID}, p.NoRetry),
		w.step("launch_create_workspace", &steps.LaunchCreateWorkspaceStep{
			Deps:           d,
			User:           in.User,
			Source:         in.SourceWorkspaceID,
			DisplayName:    in.DisplayName,
			Description:    in.Description,
			SpendProfileID: in.SpendProfileID,
			Properties:     in.Properties,
		}, p.ShortDatabase),
		w.awaitStep("await_create_workspace", &steps.AwaitCreateWorkspaceStep{Deps: d}, p.CloudLongRunning),
		w.step("launch_create_gcp_context", &steps.LaunchCreateGcpContextStep{Deps: d, User: in.User, Source: in.SourceWorkspaceID}, p.ShortDatabase),
		w.awaitStep("await_create_gcp_context", &steps.AwaitCreateGcpContextStep{Deps: d}, p.CloudLongRunning),
		w.step("find_resources_to_clone", &steps.FindResourcesToCloneStep{Deps: d, Source: in.SourceWorkspaceID}, p.ShortDatabase),
		w.step("launch_clone_all_resources", &steps.LaunchCloneAllResourcesStep{User: in.User, Source: in.SourceWorkspaceID, Location: in.Location}, p.ShortDatabase),
		w.awaitStep("await_clone_all_resources", &steps.AwaitCloneAllResourcesStep{Deps: d, Source: in.SourceWorkspaceID}, p.NoRetry),
	}, nil
}
