package workflows

import (
	"encoding/json"

	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/steps"
	"github.com/nuclearlighters/workspace-manager/internal/models"
)

// WorkspaceCreateWorkflow creates a workspace: its authorization object, then
// its row. The row goes last so a workspace is never visible without the
// object that guards it.
type WorkspaceCreateWorkflow struct{ builder }

func (w *WorkspaceCreateWorkflow) Type() string { return steps.TypeWorkspaceCreate }
func (w *WorkspaceCreateWorkflow) Version() int { return 1 }

func (w *WorkspaceCreateWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.WorkspaceCreateInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	if !in.Workspace.Stage.Valid() {
		return nil, models.BadRequestf("invalid workspace stage %q", in.Workspace.Stage)
	}
	d := w.deps
	return []flowengine.StepDefinition{
		w.step("create_workspace_authz", &steps.CreateWorkspaceAuthzStep{Deps: d, User: in.User, Workspace: in.Workspace}, w.policies.Cloud),
		w.step("create_workspace", &steps.CreateWorkspaceStep{Deps: d, Workspace: in.Workspace}, w.policies.ShortDatabase),
	}, nil
}

// WorkspaceDeleteWorkflow deletes a workspace with everything in it.
// Deletion cannot be undone, so a failure part way leaves the run fatal.
//
// Step order:
//  0. controlled resources, while the cloud context that holds them exists
//  1. the GCP project
//  2. cloud context rows
//  3. the workspace authorization object
//  4. the workspace row
type WorkspaceDeleteWorkflow struct{ builder }

func (w *WorkspaceDeleteWorkflow) Type() string { return steps.TypeWorkspaceDelete }
func (w *WorkspaceDeleteWorkflow) Version() int { return 1 }

func (w *WorkspaceDeleteWorkflow) Build(input json.RawMessage) ([]flowengine.StepDefinition, error) {
	in, err := decode[steps.WorkspaceDeleteInput](w.Type(), input)
	if err != nil {
		return nil, err
	}
	d, p := w.deps, w.policies
	return []flowengine.StepDefinition{
		w.step("delete_controlled_resources", &steps.DeleteControlledResourcesStep{Deps: d, User: in.User, WorkspaceID: in.WorkspaceID}, p.Cloud),
		w.step("delete_gcp_project", &steps.DeleteGcpProjectStep{Deps: d, WorkspaceID: in.WorkspaceID}, p.Cloud),
		w.step("delete_cloud_contexts", &steps.DeleteCloudContextsStep{Deps: d, WorkspaceID: in.WorkspaceID}, p.ShortDatabase),
		w.step("delete_workspace_authz", &steps.DeleteWorkspaceAuthzStep{Deps: d, User: in.User, WorkspaceID: in.WorkspaceID}, p.Cloud),
		w.step("delete_workspace_state", &steps.DeleteWorkspaceStateStep{Deps: d, WorkspaceID: in.WorkspaceID}, p.ShortDatabase),
	}, nil
}
