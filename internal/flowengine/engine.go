package flowengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sync/semaphore"
)

// DefaultEngineConfig returns the engine defaults used by the service.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ActivePollInterval:     200 * time.Millisecond,
		IdlePollInterval:       2 * time.Second,
		ReaperInterval:         30 * time.Second,
		LockDuration:           2 * time.Minute,
		MaxConcurrentWorkflows: 64,
	}
}

// EngineConfig holds tunable parameters for the WorkflowEngine.
type EngineConfig struct {
	// ActivePollInterval is how often the engine polls for runnable workflows
	// when there are active (non-terminal) workflows in the system.
	ActivePollInterval time.Duration

	// IdlePollInterval is how often the engine polls when no active workflows exist.
	IdlePollInterval time.Duration

	// ReaperInterval is how often the reaper checks for stuck locks.
	ReaperInterval time.Duration

	// LockDuration is how long a workflow lock is held before the reaper can
	// release it. The lock is renewed while the run makes progress.
	LockDuration time.Duration

	// MaxConcurrentWorkflows bounds the runs executing at once on this node.
	// A parent awaiting its children holds a slot, so keep this well above the
	// deepest workflow nesting.
	MaxConcurrentWorkflows int

	// NodeID overrides the lock owner identity. Empty resolves the host ID.
	NodeID string

	// Registerer receives the engine's metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// CompletionHook is called when a workflow reaches a terminal state.
// Fired asynchronously after the workflow finishes.
type CompletionHook func(workflowType, workflowID string, state WorkflowState)

// WorkflowEngine is the main entry point for the FlowEngine subsystem.
// It manages the lifecycle of workflows: submission, dispatch, execution,
// recovery on startup, and lock reaping.
//
// The engine runs two background goroutines:
//   - pollLoop: finds runnable workflows and dispatches them
//   - reaperLoop: releases expired locks so crashed workflows can be retried
//
// Each dispatched run executes on its own goroutine and makes strictly
// sequential progress through its steps. Runs are independent of each other.
type WorkflowEngine struct {
	store    *WorkflowStore
	saga     *SagaOrchestrator
	registry *Registry
	config   EngineConfig
	metrics  *Metrics
	nodeID   string

	completionHooks map[string]CompletionHook
	hookMu          sync.RWMutex

	// mu guards active and the running flag against dispatch.
	mu      sync.Mutex
	active  map[string]bool
	sem     *semaphore.Weighted
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkflowEngine creates a new engine. Register workflow definitions with
// RegisterWorkflow (or on the registry directly), then call Start.
func NewWorkflowEngine(store *WorkflowStore, registry *Registry, config EngineConfig) *WorkflowEngine {
	defaults := DefaultEngineConfig()
	if config.ActivePollInterval <= 0 {
		config.ActivePollInterval = defaults.ActivePollInterval
	}
	if config.IdlePollInterval <= 0 {
		config.IdlePollInterval = defaults.IdlePollInterval
	}
	if config.ReaperInterval <= 0 {
		config.ReaperInterval = defaults.ReaperInterval
	}
	if config.LockDuration <= 0 {
		config.LockDuration = defaults.LockDuration
	}
	if config.MaxConcurrentWorkflows <= 0 {
		config.MaxConcurrentWorkflows = defaults.MaxConcurrentWorkflows
	}

	nodeID := config.NodeID
	if nodeID == "" {
		nodeID = resolveNodeID()
	}

	metrics := NewMetrics(config.Registerer)
	executor := NewStepExecutor(store, metrics)

	e := &WorkflowEngine{
		store:           store,
		registry:        registry,
		config:          config,
		metrics:         metrics,
		nodeID:          nodeID,
		completionHooks: make(map[string]CompletionHook),
		active:          make(map[string]bool),
		sem:             semaphore.NewWeighted(int64(config.MaxConcurrentWorkflows)),
	}
	e.saga = NewSagaOrchestrator(store, executor, e, metrics, nodeID)
	return e
}

// RegisterWorkflow adds a workflow definition to the engine's registry.
func (e *WorkflowEngine) RegisterWorkflow(def WorkflowDefinition) error {
	if err := e.registry.Register(def); err != nil {
		return err
	}
	log.Info().
		Str("type", def.Type()).
		Int("version", def.Version()).
		Msg("Registered workflow definition")
	return nil
}

// Registry returns the engine's workflow registry.
func (e *WorkflowEngine) Registry() *Registry {
	return e.registry
}

// Store returns the engine's workflow store.
func (e *WorkflowEngine) Store() *WorkflowStore {
	return e.store
}

// OnCompletion registers a hook that fires when a workflow of the given type
// reaches a terminal state. The hook runs in a separate goroutine.
func (e *WorkflowEngine) OnCompletion(workflowType string, hook CompletionHook) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.completionHooks[workflowType] = hook
	log.Info().Str("type", workflowType).Msg("Registered completion hook")
}

// fireCompletionHook fires the registered hook for a workflow type, if any.
// Runs asynchronously. Panics in the hook are recovered and logged.
func (e *WorkflowEngine) fireCompletionHook(workflowType, workflowID string, state WorkflowState) {
	e.hookMu.RLock()
	hook, ok := e.completionHooks[workflowType]
	e.hookMu.RUnlock()
	if !ok {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("type", workflowType).
					Str("workflow_id", workflowID).
					Msg("Completion hook panicked")
			}
		}()
		hook(workflowType, workflowID, state)
	}()
}

// SubmitParams holds parameters for submitting a new workflow.
type SubmitParams struct {
	// WorkflowID is the idempotency key. Empty generates a fresh ID.
	WorkflowID   string
	WorkflowType string
	Input        json.RawMessage
	Description  string
	Debug        *DebugInfo
}

// Submit persists a new workflow run and starts it. Submitting an ID that
// already exists returns the existing run without starting anything, whether
// that run is still going or long finished; reusing the ID for a different
// workflow type is ErrDuplicateWorkflow.
func (e *WorkflowEngine) Submit(ctx context.Context, params SubmitParams) (*WorkflowRun, error) {
	def, err := e.registry.Get(params.WorkflowType)
	if err != nil {
		return nil, err
	}

	steps, err := buildSteps(def, params.Input)
	if err != nil {
		return nil, NewPermanentError(err)
	}

	run, created, err := e.store.CreateWorkflow(CreateWorkflowParams{
		ID:           params.WorkflowID,
		WorkflowType: params.WorkflowType,
		Version:      def.Version(),
		Description:  params.Description,
		Input:        params.Input,
		Debug:        params.Debug,
		StepNames:    stepNames(steps),
	})
	if err != nil {
		return nil, err
	}

	if !created {
		log.Debug().
			Str("workflow_id", run.ID).
			Str("type", run.WorkflowType).
			Str("state", string(run.CurrentState)).
			Msg("Workflow already submitted")
		return run, nil
	}

	e.metrics.recordSubmitted(params.WorkflowType)
	log.Info().
		Str("workflow_id", run.ID).
		Str("type", params.WorkflowType).
		Int("steps", len(steps)).
		Msg("Workflow submitted")

	e.dispatch(run.ID)
	return run, nil
}

// WaitForCompletion polls the store until the workflow reaches a terminal
// state. maxCycles bounds the number of polls; zero or less polls until ctx
// is done. Returns ErrWaitTimedOut when the budget runs out. Called from a
// step, the calling run's slot is free for other runs during the wait.
func (e *WorkflowEngine) WaitForCompletion(ctx context.Context, workflowID string, pollInterval time.Duration, maxCycles int) (run *WorkflowRun, err error) {
	if pollInterval <= 0 {
		pollInterval = e.config.ActivePollInterval
	}
	resume := e.parkSlot(ctx)
	defer func() {
		if rerr := resume(); rerr != nil && err == nil {
			run, err = nil, rerr
		}
	}()
	return e.pollUntilDone(ctx, workflowID, pollInterval, maxCycles)
}

func (e *WorkflowEngine) pollUntilDone(ctx context.Context, workflowID string, pollInterval time.Duration, maxCycles int) (*WorkflowRun, error) {

	for cycle := 0; maxCycles <= 0 || cycle < maxCycles; cycle++ {
		run, err := e.store.GetWorkflow(workflowID)
		if err != nil {
			return nil, err
		}
		if run.CurrentState.IsTerminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	run, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if run.CurrentState.IsTerminal() {
		return run, nil
	}
	return nil, fmt.Errorf("%w: %s after %d polls", ErrWaitTimedOut, workflowID, maxCycles)
}

// GetResult returns the outcome of a finished workflow. It may be called any
// number of times. A run still in progress is ErrWorkflowNotDone.
func (e *WorkflowEngine) GetResult(ctx context.Context, workflowID string) (*FlightResult, error) {
	run, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if !run.CurrentState.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrWorkflowNotDone, workflowID, run.CurrentState)
	}
	return resultOf(run), nil
}

// CreateWorkflowID returns a fresh ID for a workflow not submitted yet.
func (e *WorkflowEngine) CreateWorkflowID() string {
	return uuid.NewString()
}

// GetWorkflow returns the stored run, finished or not.
func (e *WorkflowEngine) GetWorkflow(workflowID string) (*WorkflowRun, error) {
	return e.store.GetWorkflow(workflowID)
}

func resultOf(run *WorkflowRun) *FlightResult {
	return &FlightResult{
		WorkflowID: run.ID,
		State:      run.CurrentState,
		Response:   run.Output,
		StatusCode: run.StatusCode,
		Error:      run.Error,
	}
}

// Start begins the engine's background processing. It:
// 1. Releases locks this node held before a restart
// 2. Dispatches every incomplete workflow
// 3. Starts the poll loop and reaper goroutines
//
// Call Stop() to shut down gracefully.
func (e *WorkflowEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running.Load() {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running.Store(true)
	e.mu.Unlock()

	log.Info().
		Str("node_id", e.nodeID).
		Dur("active_poll", e.config.ActivePollInterval).
		Dur("idle_poll", e.config.IdlePollInterval).
		Dur("reaper", e.config.ReaperInterval).
		Int("max_concurrent", e.config.MaxConcurrentWorkflows).
		Msg("Starting FlowEngine")

	if err := e.recover(); err != nil {
		log.Error().Err(err).Msg("FlowEngine recovery failed (continuing)")
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.pollLoop(e.ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.reaperLoop(e.ctx)
	}()

	return nil
}

// Stop shuts the engine down and waits for in-flight runs to park. A run
// interrupted mid-step is left as it is and resumed on the next Start.
func (e *WorkflowEngine) Stop() {
	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return
	}
	e.running.Store(false)
	e.mu.Unlock()

	log.Info().Msg("Stopping FlowEngine")
	e.cancel()
	e.wg.Wait()
	log.Info().Msg("FlowEngine stopped")
}

// IsRunning returns whether the engine is currently processing.
func (e *WorkflowEngine) IsRunning() bool {
	return e.running.Load()
}

// NodeID returns the engine's lock owner identity.
func (e *WorkflowEngine) NodeID() string {
	return e.nodeID
}

// ActiveCount returns the number of runs executing on this node.
func (e *WorkflowEngine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// recover picks up incomplete workflows from a previous life of this node.
func (e *WorkflowEngine) recover() error {
	released, err := e.store.ReleaseNodeLocks(e.nodeID)
	if err != nil {
		return fmt.Errorf("release node locks: %w", err)
	}
	if released > 0 {
		log.Info().Int64("released", released).Msg("Released locks held before restart")
	}

	incomplete, err := e.store.GetIncompleteWorkflows()
	if err != nil {
		return fmt.Errorf("query incomplete workflows: %w", err)
	}
	if len(incomplete) == 0 {
		log.Debug().Msg("No incomplete workflows to recover")
		return nil
	}

	log.Info().Int("count", len(incomplete)).Msg("Recovering incomplete workflows")
	for _, run := range incomplete {
		if !e.lockAvailable(&run) {
			continue
		}
		log.Info().
			Str("workflow_id", run.ID).
			Str("type", run.WorkflowType).
			Str("state", string(run.CurrentState)).
			Int("step", run.CurrentStep).
			Msg("Resuming workflow")
		e.dispatch(run.ID)
	}
	return nil
}

// dispatch starts a run on its own goroutine unless it is already active
// here, the engine is stopped, or every slot is taken. A run that is not
// dispatched now is picked up by the poll loop.
func (e *WorkflowEngine) dispatch(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() || e.active[workflowID] {
		return false
	}
	if !e.sem.TryAcquire(1) {
		return false
	}
	e.active[workflowID] = true
	e.metrics.addActive(1)

	slot := &runSlot{held: true}
	ctx := context.WithValue(e.ctx, runSlotKey{}, slot)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, workflowID)
			e.mu.Unlock()
			e.metrics.addActive(-1)
			if slot.held {
				e.sem.Release(1)
			}
		}()
		e.runWorkflow(ctx, workflowID)
	}()
	return true
}

// runSlot is the concurrency slot of a dispatched run. The run gives it up
// while one of its steps waits on another workflow.
type runSlot struct {
	held bool
}

type runSlotKey struct{}

// parkSlot releases the slot of the run calling from ctx, if any. The
// returned func takes it back.
func (e *WorkflowEngine) parkSlot(ctx context.Context) func() error {
	slot, ok := ctx.Value(runSlotKey{}).(*runSlot)
	if !ok || !slot.held {
		return func() error { return nil }
	}
	e.sem.Release(1)
	slot.held = false
	return func() error {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		slot.held = true
		return nil
	}
}

// runWorkflow locks a run, executes it through the saga, and releases the
// lock. The lock is renewed in the background while the run is executing.
func (e *WorkflowEngine) runWorkflow(ctx context.Context, workflowID string) {
	logger := log.With().Str("workflow_id", workflowID).Logger()

	locked, err := e.store.LockWorkflow(workflowID, e.nodeID, e.config.LockDuration)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to lock workflow")
		return
	}
	if !locked {
		logger.Debug().Msg("Workflow locked by another node")
		return
	}
	defer func() {
		if err := e.store.UnlockWorkflow(workflowID); err != nil {
			logger.Warn().Err(err).Msg("Failed to unlock workflow")
		}
	}()

	run, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load workflow")
		return
	}
	if run.CurrentState.IsTerminal() {
		return
	}

	def, err := e.registry.Get(run.WorkflowType)
	if err != nil {
		logger.Warn().Err(err).Str("type", run.WorkflowType).Msg("No definition registered for workflow type, skipping")
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeat(hbCtx, workflowID)

	logger.Info().
		Str("type", run.WorkflowType).
		Str("state", string(run.CurrentState)).
		Msg("Executing workflow")

	if err := e.saga.Execute(ctx, run, def); err != nil {
		if errors.Is(err, errEngineStopping) {
			logger.Info().Msg("Workflow parked for shutdown")
			return
		}
		logger.Error().Err(err).Msg("Workflow execution error")
		return
	}

	updated, err := e.store.GetWorkflow(workflowID)
	if err == nil && updated.CurrentState.IsTerminal() {
		e.fireCompletionHook(updated.WorkflowType, updated.ID, updated.CurrentState)
	}
}

// heartbeat renews the run's lock until ctx is done. Steps may run longer
// than a single lock period.
func (e *WorkflowEngine) heartbeat(ctx context.Context, workflowID string) {
	ticker := time.NewTicker(e.config.LockDuration / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.store.LockWorkflow(workflowID, e.nodeID, e.config.LockDuration)
			if err != nil || !ok {
				log.Warn().Err(err).Str("workflow_id", workflowID).Msg("Failed to renew workflow lock")
			}
		}
	}
}

// lockAvailable reports whether this node could lock the run right now.
func (e *WorkflowEngine) lockAvailable(run *WorkflowRun) bool {
	return run.LockedUntil == nil || run.LockedBy == e.nodeID || run.LockedUntil.Before(time.Now().UTC())
}

// pollLoop continuously checks for runnable workflows and dispatches them.
// Uses adaptive polling: fast when active workflows exist, slow when idle.
func (e *WorkflowEngine) pollLoop(ctx context.Context) {
	log.Debug().Msg("FlowEngine poll loop started")

	for {
		interval := e.config.IdlePollInterval

		incomplete, err := e.store.GetIncompleteWorkflows()
		if err != nil {
			log.Error().Err(err).Msg("Poll loop: failed to query incomplete workflows")
		} else if len(incomplete) > 0 {
			interval = e.config.ActivePollInterval
			for i := range incomplete {
				if e.lockAvailable(&incomplete[i]) {
					e.dispatch(incomplete[i].ID)
				}
			}
		}

		select {
		case <-ctx.Done():
			log.Debug().Msg("FlowEngine poll loop stopped")
			return
		case <-time.After(interval):
		}
	}
}

// reaperLoop periodically releases expired workflow locks.
// If a node crashes while holding a lock, the reaper on any node will release it
// after the lock expires, allowing the workflow to be picked up again.
func (e *WorkflowEngine) reaperLoop(ctx context.Context) {
	log.Debug().Msg("FlowEngine reaper started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("FlowEngine reaper stopped")
			return
		case <-time.After(e.config.ReaperInterval):
		}

		released, err := e.store.ReleaseExpiredLocks()
		if err != nil {
			log.Error().Err(err).Msg("Reaper: failed to release expired locks")
			continue
		}
		if released > 0 {
			log.Info().Int64("released", released).Msg("Reaper: released expired workflow locks")
		}
	}
}

// resolveNodeID determines the node identifier for lock ownership.
// Prefers the host ID (stable across restarts), falls back to hostname.
func resolveNodeID() string {
	info, err := host.Info()
	if err == nil && info.HostID != "" {
		log.Debug().Str("node_id", info.HostID).Msg("Resolved host ID")
		return info.HostID
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	log.Debug().Str("node_id", hostname).Msg("Host ID not available, using hostname")
	return hostname
}
