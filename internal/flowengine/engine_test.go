package flowengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testEngineConfig() EngineConfig {
	return EngineConfig{
		ActivePollInterval:     20 * time.Millisecond,
		IdlePollInterval:       50 * time.Millisecond,
		ReaperInterval:         time.Second,
		LockDuration:           time.Minute,
		MaxConcurrentWorkflows: 8,
		NodeID:                 "test-node",
	}
}

func startEngine(t *testing.T, store *WorkflowStore, defs ...WorkflowDefinition) *WorkflowEngine {
	t.Helper()
	return startEngineWith(t, store, testEngineConfig(), defs...)
}

func startEngineWith(t *testing.T, store *WorkflowStore, cfg EngineConfig, defs ...WorkflowDefinition) *WorkflowEngine {
	t.Helper()
	engine := NewWorkflowEngine(store, NewRegistry(), cfg)
	for _, def := range defs {
		if err := engine.RegisterWorkflow(def); err != nil {
			t.Fatalf("RegisterWorkflow: %v", err)
		}
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(engine.Stop)
	return engine
}

func waitDone(t *testing.T, engine *WorkflowEngine, id string) *WorkflowRun {
	t.Helper()
	run, err := engine.WaitForCompletion(context.Background(), id, 10*time.Millisecond, 500)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	return run
}

func TestEngineSubmitAndProcess(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	log := &callLog{}
	def, _ := newTestWorkflow("test_workflow", 2, log)
	def.steps = append(def.steps, StepDefinition{Name: "respond", Step: &respondStep{}})
	engine := startEngine(t, store, def)

	run, err := engine.Submit(context.Background(), SubmitParams{
		WorkflowType: "test_workflow",
		Input:        json.RawMessage(`{"test":"data"}`),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if run.ID == "" {
		t.Fatal("Expected non-empty workflow ID")
	}

	run = waitDone(t, engine, run.ID)
	if run.CurrentState != StateSuccess {
		t.Fatalf("Expected success, got %s (%s)", run.CurrentState, run.Error)
	}

	result, err := engine.GetResult(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if !result.Succeeded() || result.Err() != nil {
		t.Errorf("Expected a successful result, got %+v", result)
	}
	got, err := DecodeResponse[map[string]int](result)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got["count"] != 2 {
		t.Errorf("Expected count 2, got %v", got)
	}
}

func TestEngineSubmitUnknownType(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	engine := NewWorkflowEngine(store, NewRegistry(), testEngineConfig())

	_, err := engine.Submit(context.Background(), SubmitParams{WorkflowType: "nonexistent"})
	if !errors.Is(err, ErrWorkflowTypeNotFound) {
		t.Fatalf("Expected ErrWorkflowTypeNotFound, got %v", err)
	}
}

func TestEngineSubmitSameIDIsIdempotent(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	log := &callLog{}
	def, _ := newTestWorkflow("test_workflow", 1, log)
	engine := startEngine(t, store, def)

	id := engine.CreateWorkflowID()
	first, err := engine.Submit(context.Background(), SubmitParams{WorkflowID: id, WorkflowType: "test_workflow"})
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	waitDone(t, engine, id)

	second, err := engine.Submit(context.Background(), SubmitParams{WorkflowID: id, WorkflowType: "test_workflow"})
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Expected the same run, got %s and %s", first.ID, second.ID)
	}
	if second.CurrentState != StateSuccess {
		t.Errorf("Expected the finished run back, got %s", second.CurrentState)
	}

	time.Sleep(100 * time.Millisecond)
	if n := log.count("do:s0"); n != 1 {
		t.Errorf("Expected one execution, got %d", n)
	}
}

func TestEngineSubmitSameIDDifferentType(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	log := &callLog{}
	a, _ := newTestWorkflow("type_a", 1, log)
	b, _ := newTestWorkflow("type_b", 1, log)
	engine := NewWorkflowEngine(store, NewRegistry(), testEngineConfig())
	_ = engine.RegisterWorkflow(a)
	_ = engine.RegisterWorkflow(b)

	if _, err := engine.Submit(context.Background(), SubmitParams{WorkflowID: "wf-1", WorkflowType: "type_a"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err := engine.Submit(context.Background(), SubmitParams{WorkflowID: "wf-1", WorkflowType: "type_b"})
	if !errors.Is(err, ErrDuplicateWorkflow) {
		t.Fatalf("Expected ErrDuplicateWorkflow, got %v", err)
	}
}

func TestEngineRegisterDuplicateWorkflow(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	engine := NewWorkflowEngine(store, NewRegistry(), testEngineConfig())
	def, _ := newTestWorkflow("test_workflow", 1, &callLog{})

	if err := engine.RegisterWorkflow(def); err != nil {
		t.Fatal(err)
	}
	if err := engine.RegisterWorkflow(def); !errors.Is(err, ErrDuplicateWorkflowType) {
		t.Fatalf("Expected ErrDuplicateWorkflowType, got %v", err)
	}
}

func TestEngineWaitTimesOut(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	log := &callLog{}
	def, steps := newTestWorkflow("test_workflow", 1, log)
	release := make(chan struct{})
	steps[0].doFn = func(ctx context.Context, fc *FlightContext) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	engine := startEngine(t, store, def)

	run, err := engine.Submit(context.Background(), SubmitParams{WorkflowType: "test_workflow"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = engine.WaitForCompletion(context.Background(), run.ID, 5*time.Millisecond, 3)
	if !errors.Is(err, ErrWaitTimedOut) {
		t.Fatalf("Expected ErrWaitTimedOut, got %v", err)
	}
	if _, err := engine.GetResult(context.Background(), run.ID); !errors.Is(err, ErrWorkflowNotDone) {
		t.Fatalf("Expected ErrWorkflowNotDone, got %v", err)
	}

	close(release)
	if run = waitDone(t, engine, run.ID); run.CurrentState != StateSuccess {
		t.Errorf("Expected success once released, got %s", run.CurrentState)
	}
}

func TestEngineGetResultRepeatable(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	log := &callLog{}
	def, steps := newTestWorkflow("test_workflow", 2, log)
	steps[1].doErrs = []error{NewPermanentError(&conflictError{msg: "duplicate bucket"})}
	engine := startEngine(t, store, def)

	run, _ := engine.Submit(context.Background(), SubmitParams{WorkflowType: "test_workflow"})
	waitDone(t, engine, run.ID)

	for i := 0; i < 3; i++ {
		result, err := engine.GetResult(context.Background(), run.ID)
		if err != nil {
			t.Fatalf("GetResult: %v", err)
		}
		if result.State != StateError || result.StatusCode != 409 || result.Error != "duplicate bucket" {
			t.Errorf("Unexpected result %+v", result)
		}
		var runErr *RunError
		if !errors.As(result.Err(), &runErr) || runErr.HTTPStatus() != 409 {
			t.Errorf("Expected RunError with status 409, got %v", result.Err())
		}
	}
	if log.count("undo:s0") != 1 {
		t.Errorf("Expected exactly one undo, got %v", log.list())
	}
}

// parentStep launches a child workflow and waits for it.
type parentStep struct {
	childID Key[string]
}

func (p *parentStep) Do(ctx context.Context, fc *FlightContext) error {
	id, ok, _ := Lookup(fc.WorkingMap(), p.childID)
	if !ok {
		id = fc.Engine().CreateWorkflowID()
		if err := Put(fc.WorkingMap(), p.childID, id); err != nil {
			return err
		}
	}
	if _, err := fc.Engine().Submit(ctx, SubmitParams{WorkflowID: id, WorkflowType: "child"}); err != nil {
		return err
	}
	if _, err := fc.Engine().WaitForCompletion(ctx, id, 10*time.Millisecond, 300); err != nil {
		return err
	}
	result, err := fc.Engine().GetResult(ctx, id)
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return NewPermanentError(err)
	}
	return fc.SetResponse(result.Response, 200)
}

func (p *parentStep) Undo(ctx context.Context, fc *FlightContext) error { return nil }

func TestEngineChildWorkflow(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	log := &callLog{}
	child, _ := newTestWorkflow("child", 2, log)
	child.steps = append(child.steps, StepDefinition{Name: "respond", Step: &respondStep{}})
	parent := &testWorkflowDef{typ: "parent", steps: []StepDefinition{
		{Name: "launch_and_await", Step: &parentStep{childID: NewKey[string]("childId")}, Timeout: 10 * time.Second},
	}}
	engine := startEngine(t, store, child, parent)

	run, err := engine.Submit(context.Background(), SubmitParams{WorkflowType: "parent"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	run = waitDone(t, engine, run.ID)
	if run.CurrentState != StateSuccess {
		t.Fatalf("Expected parent success, got %s (%s)", run.CurrentState, run.Error)
	}
	if string(run.Output) != `{"count":2}` {
		t.Errorf("Expected child response, got %s", run.Output)
	}
}

func TestEngineChildFailureFailsParent(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	log := &callLog{}
	child, steps := newTestWorkflow("child", 1, log)
	steps[0].doErrs = []error{NewPermanentError(&conflictError{msg: "taken"})}
	parent := &testWorkflowDef{typ: "parent", steps: []StepDefinition{
		{Name: "launch_and_await", Step: &parentStep{childID: NewKey[string]("childId")}, Timeout: 10 * time.Second},
	}}
	engine := startEngine(t, store, child, parent)

	run, _ := engine.Submit(context.Background(), SubmitParams{WorkflowType: "parent"})
	run = waitDone(t, engine, run.ID)
	if run.CurrentState != StateError {
		t.Fatalf("Expected parent error, got %s", run.CurrentState)
	}
	if run.StatusCode != 409 || run.Error != "taken" {
		t.Errorf("Expected child failure to surface, got %d %q", run.StatusCode, run.Error)
	}
}

func TestEngineChildRunsWhileParentHoldsOnlySlot(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	log := &callLog{}
	child, _ := newTestWorkflow("child", 1, log)
	child.steps = append(child.steps, StepDefinition{Name: "respond", Step: &respondStep{}})
	parent := &testWorkflowDef{typ: "parent", steps: []StepDefinition{
		{Name: "launch_and_await", Step: &parentStep{childID: NewKey[string]("childId")}, Timeout: 10 * time.Second},
	}}
	cfg := testEngineConfig()
	cfg.MaxConcurrentWorkflows = 1
	engine := startEngineWith(t, store, cfg, child, parent)

	// The second parent only runs if the first gave its slot back.
	for i := 0; i < 2; i++ {
		run, err := engine.Submit(context.Background(), SubmitParams{WorkflowType: "parent"})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		run = waitDone(t, engine, run.ID)
		if run.CurrentState != StateSuccess {
			t.Fatalf("Run %d: expected success, got %s (%s)", i, run.CurrentState, run.Error)
		}
	}
	if log.count("do:s0") != 2 {
		t.Errorf("Expected two child runs, got %v", log.list())
	}
}

func TestEngineRecovery(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	log := &callLog{}
	def, _ := newTestWorkflow("test_workflow", 2, log)
	run := createRun(t, store, def, nil)

	// Step 0 completed and the run was locked by a node that crashed
	_ = store.UpdateWorkflowState(run.ID, StateRunning, 1)
	steps, _ := store.GetWorkflowSteps(run.ID)
	_ = store.UpdateStepStatus(steps[0].ID, StepPending, StepRunning)
	_ = store.FinishStep(run.ID, steps[0].ID, StepRunning, StepCompleted, json.RawMessage(`{"counter":1}`))
	_, _ = store.LockWorkflow(run.ID, "test-node", 5*time.Minute)

	engine := startEngine(t, store, def)

	run = waitDone(t, engine, run.ID)
	if run.CurrentState != StateSuccess {
		t.Fatalf("Expected success after recovery, got %s", run.CurrentState)
	}
	if want := []string{"do:s1"}; !equalCalls(log.list(), want) {
		t.Errorf("Expected only s1 to run, got %v", log.list())
	}
}

func TestEngineLeavesOtherNodesLocks(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	log := &callLog{}
	def, _ := newTestWorkflow("test_workflow", 1, log)
	run := createRun(t, store, def, nil)
	_, _ = store.LockWorkflow(run.ID, "other-node", 5*time.Minute)

	startEngine(t, store, def)
	time.Sleep(200 * time.Millisecond)

	got, _ := store.GetWorkflow(run.ID)
	if got.CurrentState != StatePending {
		t.Errorf("Expected run locked by another node to stay pending, got %s", got.CurrentState)
	}
	if len(log.list()) != 0 {
		t.Errorf("Expected no steps to run, got %v", log.list())
	}
}

func TestEngineStopParksAndRestartResumes(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	log := &callLog{}
	def, steps := newTestWorkflow("test_workflow", 2, log)
	started := make(chan struct{}, 1)
	var blocking atomic.Bool
	blocking.Store(true)
	steps[1].doFn = func(ctx context.Context, fc *FlightContext) error {
		if blocking.Load() {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	engine := NewWorkflowEngine(store, NewRegistry(), testEngineConfig())
	_ = engine.RegisterWorkflow(def)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	run, _ := engine.Submit(context.Background(), SubmitParams{WorkflowType: "test_workflow"})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("step never started")
	}
	engine.Stop()
	if engine.IsRunning() {
		t.Error("Expected engine to be stopped")
	}

	parked, _ := store.GetWorkflow(run.ID)
	if parked.CurrentState != StateRunning {
		t.Fatalf("Expected parked run to stay running, got %s", parked.CurrentState)
	}

	blocking.Store(false)
	restarted := startEngine(t, store, def)
	if got := waitDone(t, restarted, run.ID); got.CurrentState != StateSuccess {
		t.Fatalf("Expected success after restart, got %s", got.CurrentState)
	}
	if log.count("do:s0") != 1 || log.count("do:s1") != 2 {
		t.Errorf("Expected s0 once and s1 re-run, got %v", log.list())
	}
}

func TestEngineCompletionHook(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	def, _ := newTestWorkflow("test_workflow", 1, &callLog{})
	engine := NewWorkflowEngine(store, NewRegistry(), testEngineConfig())
	_ = engine.RegisterWorkflow(def)

	fired := make(chan WorkflowState, 1)
	engine.OnCompletion("test_workflow", func(workflowType, workflowID string, state WorkflowState) {
		fired <- state
	})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	if _, err := engine.Submit(context.Background(), SubmitParams{WorkflowType: "test_workflow"}); err != nil {
		t.Fatal(err)
	}
	select {
	case state := <-fired:
		if state != StateSuccess {
			t.Errorf("Expected success, got %s", state)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("completion hook never fired")
	}
}

func TestEngineMetrics(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	def, _ := newTestWorkflow("test_workflow", 2, &callLog{})
	reg := prometheus.NewRegistry()
	config := testEngineConfig()
	config.Registerer = reg
	engine := NewWorkflowEngine(store, NewRegistry(), config)
	_ = engine.RegisterWorkflow(def)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer engine.Stop()

	run, _ := engine.Submit(context.Background(), SubmitParams{WorkflowType: "test_workflow"})
	waitDone(t, engine, run.ID)

	if got := testutil.ToFloat64(engine.metrics.workflowsFinished.WithLabelValues("test_workflow", "success")); got != 1 {
		t.Errorf("Expected 1 successful workflow, got %v", got)
	}
	if got := testutil.ToFloat64(engine.metrics.stepOutcomes.WithLabelValues("test_workflow", "s1", "do", "SUCCESS")); got != 1 {
		t.Errorf("Expected 1 successful s1, got %v", got)
	}
}

func TestEngineNodeID(t *testing.T) {
	engine := NewWorkflowEngine(NewWorkflowStore(testDB(t)), NewRegistry(), DefaultEngineConfig())
	if engine.NodeID() == "" {
		t.Error("Expected non-empty node ID")
	}
}

func TestResolveNodeID(t *testing.T) {
	nodeID := resolveNodeID()
	if nodeID == "" {
		t.Error("resolveNodeID returned empty string")
	}
	t.Logf("Resolved node ID: %s", nodeID)
}
