package workflows

import (
	"encoding/json"

	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/steps"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// ControlledResourceCreateWorkflow creates a controlled resource.
//
// Step order:
//  0. validate_uniqueness: a clash with another resource fails without retry
//  1. create_authz: before the cloud object, so nothing exists unguarded
//  2. cloud steps for the resource type
//  3. store_metadata: the row goes last, so a listed resource always has its
//     cloud object
//  4. set_response
type ControlledResourceCreateWorkflow struct{ builder }

func (w *ControlledResourceCreateWorkflow) Type() string { return steps.TypeControlledResourceCreate }
func (w *ControlledResourceCreateWorkflow) Version() int { return 1 }

func (w *ControlledResourceCreateWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.ControlledResourceCreateInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	r := in.Resource
	if !r.IsControlled() {
		return nil, models.BadRequestf("resource %s is not a controlled resource", r.ResourceID)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	d, p := w.deps, w.policies

	defs := []flowengine.StepDefinition{
		w.step("validate_uniqueness", &steps.ValidateResourceUniquenessStep{Deps: d, Resource: r}, p.NoRetry),
		w.step("create_authz", &steps.CreateResourceAuthzStep{Deps: d, User: in.User, Resource: r}, p.Cloud),
	}
	switch attrs := r.Attributes.(type) {
	case models.GcsBucketAttributes:
		defs = append(defs,
			w.step("create_gcs_bucket", &steps.CreateGcsBucketStep{Deps: d, Resource: r, Bucket: attrs, Params: in.Params}, p.Cloud))
	case models.BigQueryDatasetAttributes:
		defs = append(defs,
			w.step("create_bigquery_dataset", &steps.CreateBigQueryDatasetStep{Deps: d, Resource: r, Dataset: attrs, Params: in.Params}, p.Cloud))
	case models.AiNotebookAttributes:
		defs = append(defs,
			w.step("retrieve_network_name", &steps.RetrieveNetworkNameStep{Deps: d, Resource: r, Notebook: attrs}, p.Cloud),
			w.step("create_ai_notebook_instance", &steps.CreateAiNotebookInstanceStep{Deps: d, Resource: r, Notebook: attrs}, p.CloudLongRunning))
	case models.AzureStorageContainerAttributes:
		defs = append(defs,
			w.step("create_storage_container", &steps.CreateAzureStorageContainerStep{Deps: d, Resource: r, Container: attrs}, p.Cloud))
	case models.DataRepoSnapshotAttributes:
		return nil, models.BadRequestf("%s cannot be a controlled resource", attrs.ResourceType())
	default:
		return nil, models.BadRequestf("unsupported resource type %q", r.Type())
	}
	return append(defs,
		w.step("store_metadata", &steps.StoreResourceMetadataStep{Deps: d, Resource: r}, p.ShortDatabase),
		w.step("set_response", &steps.SetCreateResponseStep{Deps: d, Resource: r}, p.ShortDatabase),
	), nil
}

// ControlledResourceUpdateWorkflow renames or redescribes a controlled
// resource and changes its updatable cloud attributes.
type ControlledResourceUpdateWorkflow struct{ builder }

func (w *ControlledResourceUpdateWorkflow) Type() string { return steps.TypeControlledResourceUpdate }
func (w *ControlledResourceUpdateWorkflow) Version() int { return 1 }

func (w *ControlledResourceUpdateWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.ControlledResourceUpdateInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	d, p := w.deps, w.policies
	return []flowengine.StepDefinition{
		w.step("update_metadata", &steps.UpdateResourceMetadataStep{
			Deps:        d,
			WorkspaceID: in.WorkspaceID,
			ResourceID:  in.ResourceID,
			Name:        in.Name,
			Description: in.Description,
		}, p.ShortDatabase),
		w.step("update_cloud_attributes", &steps.UpdateCloudAttributesStep{
			Deps:                 d,
			WorkspaceID:          in.WorkspaceID,
			ResourceID:           in.ResourceID,
			StorageClass:         in.StorageClass,
			DefaultTableLifetime: in.DefaultTableLifetime,
		}, p.Cloud),
	}, nil
}

// ControlledResourceDeleteWorkflow deletes a controlled resource. The authz
// entry goes first so nobody reaches the object while it is being removed.
// Deletion cannot be undone.
type ControlledResourceDeleteWorkflow struct{ builder }

func (w *ControlledResourceDeleteWorkflow) Type() string { return steps.TypeControlledResourceDelete }
func (w *ControlledResourceDeleteWorkflow) Version() int { return 1 }

func (w *ControlledResourceDeleteWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.ControlledResourceDeleteInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	r := in.Resource
	if !r.IsControlled() {
		return nil, models.BadRequestf("resource %s is not a controlled resource", r.ResourceID)
	}
	d, p := w.deps, w.policies

	defs := []flowengine.StepDefinition{
		w.step("delete_authz", &steps.DeleteResourceAuthzStep{Deps: d, User: in.User, Resource: r}, p.DeleteAuthz),
	}
	switch r.Attributes.(type) {
	case models.GcsBucketAttributes:
		defs = append(defs, w.step("delete_gcs_bucket", &steps.DeleteGcsBucketStep{Deps: d, Resource: r}, p.Cloud))
	case models.BigQueryDatasetAttributes:
		defs = append(defs, w.step("delete_bigquery_dataset", &steps.DeleteBigQueryDatasetStep{Deps: d, Resource: r}, p.Cloud))
	case models.AiNotebookAttributes:
		defs = append(defs, w.step("delete_ai_notebook_instance", &steps.DeleteAiNotebookInstanceStep{Deps: d, Resource: r}, p.Cloud))
	case models.AzureStorageContainerAttributes:
		defs = append(defs, w.step("delete_storage_container", &steps.DeleteAzureStorageContainerStep{Deps: d, Resource: r}, p.Cloud))
	default:
		return nil, models.BadRequestf("unsupported resource type %q", r.Type())
	}
	return append(defs,
		w.step("delete_metadata", &steps.DeleteResourceMetadataStep{Deps: d, Resource: r}, p.DeleteMetadata),
	), nil
}

// ReferenceCreateWorkflow stores a referenced resource. There is no cloud
// object to create.
type ReferenceCreateWorkflow struct{ builder }

func (w *ReferenceCreateWorkflow) Type() string { return steps.TypeReferenceCreate }
func (w *ReferenceCreateWorkflow) Version() int { return 1 }

func (w *ReferenceCreateWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.ReferenceCreateInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	r := in.Resource
	if r.Stewardship != models.StewardshipReferenced {
		return nil, models.BadRequestf("resource %s is not a reference", r.ResourceID)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	d, p := w.deps, w.policies
	return []flowengine.StepDefinition{
		w.step("store_reference", &steps.CreateReferenceMetadataStep{
			StoreResourceMetadataStep: steps.StoreResourceMetadataStep{Deps: d, Resource: r},
		}, p.ShortDatabase),
		w.step("set_response", &steps.SetReferenceResponseStep{
			SetCreateResponseStep: steps.SetCreateResponseStep{Deps: d, Resource: r},
		}, p.ShortDatabase),
	}, nil
}
