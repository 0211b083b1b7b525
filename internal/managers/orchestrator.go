package managers

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nuclearlighters/workspace-manager/internal/cloud"
	"github.com/nuclearlighters/workspace-manager/internal/dao"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/steps"
	"github.com/nuclearlighters/workspace-manager/internal/flowengine/workflows"
	"github.com/nuclearlighters/workspace-manager/internal/iam"
)

// asyncWorkflowTypes are started as jobs the caller polls for.
var asyncWorkflowTypes = []string{
	steps.TypeGcpContextCreate,
	steps.TypeAzureContextCreate,
	steps.TypeControlledResourceDelete,
	steps.TypeWorkspaceClone,
}

// Orchestrator owns the workflow engine and the managers built on it. It is
// the single object the API and the CLI wire together.
type Orchestrator struct {
	Workspaces *WorkspaceManager
	Resources  *ResourceManager
	Jobs       *JobManager

	engine *flowengine.WorkflowEngine
	stores *dao.Stores
	iam    iam.Service
}

// OrchestratorConfig holds configuration for the Orchestrator
type OrchestratorConfig struct {
	DB    *sql.DB
	IAM   iam.Service
	GCP   cloud.GCP
	Azure cloud.Azure

	BillingAccount string
	Wait           steps.WaitConfig
	// SyncWait bounds how long synchronous API calls wait for their
	// workflow. Zero uses Wait.
	SyncWait steps.WaitConfig
	Transfer steps.TransferPolling
	Engine   flowengine.EngineConfig
	Policies workflows.Policies
}

// NewOrchestrator registers every workflow with a new engine. The engine is
// not started.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection required")
	}
	if cfg.IAM == nil || cfg.GCP == nil || cfg.Azure == nil {
		return nil, fmt.Errorf("authorization and cloud providers required")
	}

	stores := dao.New(cfg.DB)
	deps := &steps.Deps{
		Stores:         stores,
		IAM:            cfg.IAM,
		GCP:            cfg.GCP,
		Azure:          cfg.Azure,
		BillingAccount: cfg.BillingAccount,
		Wait:           cfg.Wait,
		Transfer:       cfg.Transfer,
	}
	engine := flowengine.NewWorkflowEngine(flowengine.NewWorkflowStore(cfg.DB), flowengine.NewRegistry(), cfg.Engine)
	if err := workflows.Register(engine.Registry(), deps, cfg.Policies); err != nil {
		return nil, fmt.Errorf("failed to register workflows: %w", err)
	}
	jobFinished := func(workflowType, workflowID string, state flowengine.WorkflowState) {
		log.Info().
			Str("workflow_type", workflowType).
			Str("job_id", workflowID).
			Str("state", string(state)).
			Msg("Job finished")
	}
	for _, t := range asyncWorkflowTypes {
		engine.OnCompletion(t, jobFinished)
	}

	syncWait := cfg.SyncWait
	if syncWait.PollInterval <= 0 || syncWait.MaxCycles <= 0 {
		syncWait = cfg.Wait
	}

	return &Orchestrator{
		Workspaces: NewWorkspaceManager(engine, stores, cfg.IAM, syncWait),
		Resources:  NewResourceManager(engine, stores, cfg.IAM, syncWait),
		Jobs:       NewJobManager(engine),
		engine:     engine,
		stores:     stores,
		iam:        cfg.IAM,
	}, nil
}

// Start registers the service account with the authorization service and
// starts the engine, which resumes any unfinished jobs.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.iam.EnsureServiceAccountRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register service account: %w", err)
	}
	return o.engine.Start(ctx)
}

// Close stops the engine. Unfinished jobs resume on the next start.
func (o *Orchestrator) Close() error {
	o.engine.Stop()
	return nil
}

func (o *Orchestrator) Engine() *flowengine.WorkflowEngine { return o.engine }

func (o *Orchestrator) Stores() *dao.Stores { return o.stores }
