package workflows

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/steps"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

var validate = validator.New()

// GcpContextCreateWorkflow gives a workspace a GCP project.
//
// Step order:
//  0. generate_project_id: derived from the workflow ID, so retries agree
//  1. pull_project: handout from the pool; undo deletes the project
//  2. set_billing
//  3. create_custom_roles
//  4. store_context: stamped with this workflow; a context already stored by
//     another workflow fails the run, and undo only removes this one's row
//  5. sync_authz_groups: one group per workspace role
//  6. cloud_sync: bind the groups to the custom roles
//  7. set_output
type GcpContextCreateWorkflow struct{ builder }

func (w *GcpContextCreateWorkflow) Type() string { return steps.TypeGcpContextCreate }
func (w *GcpContextCreateWorkflow) Version() int { return 1 }

func (w *GcpContextCreateWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.GcpContextCreateInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	d, p := w.deps, w.policies
	return []flowengine.StepDefinition{
		w.step("generate_project_id", &steps.GenerateProjectIDStep{}, p.NoRetry),
		w.step("pull_project", &steps.PullProjectFromPoolStep{Deps: d}, p.Buffer),
		w.step("set_billing", &steps.SetProjectBillingStep{Deps: d}, p.Cloud),
		w.step("create_custom_roles", &steps.CreateCustomGcpRolesStep{Deps: d}, p.ShortExponential),
		w.step("store_context", &steps.StoreGcpContextStep{Deps: d, WorkspaceID: in.WorkspaceID}, p.ShortDatabase),
		w.step("sync_authz_groups", &steps.SyncAuthzGroupsStep{Deps: d, User: in.User, WorkspaceID: in.WorkspaceID}, p.Cloud),
		w.step("cloud_sync", &steps.GcpCloudSyncStep{Deps: d}, p.Cloud),
		w.step("set_output", &steps.SetGcpContextOutputStep{WorkspaceID: in.WorkspaceID}, p.NoRetry),
	}, nil
}

// AzureContextCreateWorkflow records an Azure managed resource group as a
// workspace's cloud context.
type AzureContextCreateWorkflow struct{ builder }

func (w *AzureContextCreateWorkflow) Type() string { return steps.TypeAzureContextCreate }
func (w *AzureContextCreateWorkflow) Version() int { return 1 }

func (w *AzureContextCreateWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.AzureContextCreateInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(in.Context); err != nil {
		return nil, models.BadRequestf("invalid azure context: %v", err)
	}
	d, p := w.deps, w.policies
	return []flowengine.StepDefinition{
		w.step("validate_resource_group", &steps.ValidateAzureManagedResourceGroupStep{Deps: d, Context: in.Context}, p.Cloud),
		w.step("store_context", &steps.StoreAzureContextStep{Deps: d, WorkspaceID: in.WorkspaceID, Context: in.Context}, p.ShortDatabase),
		w.step("set_output", &steps.SetAzureContextOutputStep{WorkspaceID: in.WorkspaceID, Context: in.Context}, p.NoRetry),
	}, nil
}

// CloudContextDeleteWorkflow removes one cloud context from a workspace. A
// GCP context takes its project with it.
type CloudContextDeleteWorkflow struct{ builder }

func (w *CloudContextDeleteWorkflow) Type() string { return steps.TypeCloudContextDelete }
func (w *CloudContextDeleteWorkflow) Version() int { return 1 }

func (w *CloudContextDeleteWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.CloudContextDeleteInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	d, p := w.deps, w.policies
	var defs []flowengine.StepDefinition
	switch in.Platform {
	case models.PlatformGCP:
		defs = append(defs, w.step("delete_gcp_project", &steps.DeleteGcpProjectStep{Deps: d, WorkspaceID: in.WorkspaceID}, p.Cloud))
	case models.PlatformAzure:
	default:
		return nil, models.BadRequestf("invalid cloud platform %q", in.Platform)
	}
	return append(defs,
		w.step("delete_context", &steps.DeleteCloudContextStep{Deps: d, WorkspaceID: in.WorkspaceID, Platform: in.Platform}, p.ShortDatabase),
	), nil
}
