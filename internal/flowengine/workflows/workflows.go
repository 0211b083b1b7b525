// Package workflows defines the workspace manager's workflow types. Each
// definition decodes its input and builds the step list for that input; the
// steps themselves live in package steps.
package workflows

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/steps"
)

// Policies are the retry policies the definitions attach to their steps.
// The service uses DefaultPolicies; tests swap in short intervals.
type Policies struct {
	NoRetry          *flowengine.RetryPolicy
	ShortDatabase    *flowengine.RetryPolicy
	ShortExponential *flowengine.RetryPolicy
	Cloud            *flowengine.RetryPolicy
	CloudLongRunning *flowengine.RetryPolicy
	Buffer           *flowengine.RetryPolicy

	// DeleteAuthz and DeleteMetadata are the fixed-interval policies of a
	// resource delete.
	DeleteAuthz    *flowengine.RetryPolicy
	DeleteMetadata *flowengine.RetryPolicy

	// Undo is used for every compensating action.
	Undo *flowengine.RetryPolicy
}

func DefaultPolicies() Policies {
	return Policies{
		NoRetry:          flowengine.NoRetry(),
		ShortDatabase:    flowengine.ShortDatabase(),
		ShortExponential: flowengine.ShortExponential(),
		Cloud:            flowengine.CloudRetry(),
		CloudLongRunning: flowengine.CloudLongRunning(),
		Buffer:           flowengine.BufferRetry(),
		DeleteAuthz:      flowengine.FixedInterval(10*time.Second, 2),
		DeleteMetadata:   flowengine.FixedInterval(0, 2),
		Undo:             flowengine.ExponentialBackoff(time.Second, 30*time.Second, 4),
	}
}

// stepTimeoutMargin pads the timeout of steps that wait for something with
// a known budget.
const stepTimeoutMargin = time.Minute

// builder carries what every definition needs to build its steps.
type builder struct {
	deps     *steps.Deps
	policies Policies
}

func (b builder) step(name string, s flowengine.Step, retry *flowengine.RetryPolicy) flowengine.StepDefinition {
	return flowengine.StepDefinition{
		Name:            name,
		Step:            s,
		Retry:           retry,
		CompensateRetry: b.policies.Undo,
	}
}

// awaitStep is a step that blocks on a child workflow. Its timeout covers a
// whole wait budget.
func (b builder) awaitStep(name string, s flowengine.Step, retry *flowengine.RetryPolicy) flowengine.StepDefinition {
	def := b.step(name, s, retry)
	def.Timeout = b.deps.Wait.Budget() + stepTimeoutMargin
	return def
}

// decode parses a definition's input.
func decode[T any](workflowType string, input json.RawMessage) (T, error) {
	var v T
	if len(input) == 0 {
		return v, fmt.Errorf("%s requires input", workflowType)
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return v, fmt.Errorf("decode %s input: %w", workflowType, err)
	}
	return v, nil
}

// Definitions returns every workflow definition of the service.
func Definitions(deps *steps.Deps, policies Policies) []flowengine.WorkflowDefinition {
	b := builder{deps: deps, policies: policies}
	return []flowengine.WorkflowDefinition{
		&WorkspaceCreateWorkflow{b},
		&WorkspaceDeleteWorkflow{b},
		&GcpContextCreateWorkflow{b},
		&AzureContextCreateWorkflow{b},
		&CloudContextDeleteWorkflow{b},
		&ControlledResourceCreateWorkflow{b},
		&ControlledResourceUpdateWorkflow{b},
		&ControlledResourceDeleteWorkflow{b},
		&ReferenceCreateWorkflow{b},
		&GcsBucketCloneWorkflow{b},
		&BigQueryDatasetCloneWorkflow{b},
		&CloneAllResourcesWorkflow{b},
		&WorkspaceCloneWorkflow{b},
	}
}

// Register adds every definition to the registry.
func Register(registry *flowengine.Registry, deps *steps.Deps, policies Policies) error {
	for _, def := range Definitions(deps, policies) {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}
