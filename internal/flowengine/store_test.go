package flowengine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func createTestWorkflow(t *testing.T, store *WorkflowStore, id, typ string) *WorkflowRun {
	t.Helper()
	run, created, err := store.CreateWorkflow(CreateWorkflowParams{
		ID:           id,
		WorkflowType: typ,
		Version:      2,
		Description:  "create bucket",
		Input:        json.RawMessage(`{"name":"b1"}`),
		StepNames:    []string{"check", "create", "store"},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if !created {
		t.Fatalf("expected a new run for %s", id)
	}
	return run
}

func TestCreateWorkflow(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	run := createTestWorkflow(t, store, "", "controlled_resource_create")

	if run.ID == "" {
		t.Fatal("expected a generated ID")
	}
	got, err := store.GetWorkflow(run.ID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.WorkflowType != "controlled_resource_create" || got.Version != 2 {
		t.Errorf("unexpected run %+v", got)
	}
	if got.CurrentState != StatePending {
		t.Errorf("expected state pending, got %s", got.CurrentState)
	}
	if string(got.Input) != `{"name":"b1"}` {
		t.Errorf("expected input kept, got %s", got.Input)
	}
	if string(got.WorkingMap) != `{}` {
		t.Errorf("expected empty working map, got %s", got.WorkingMap)
	}

	steps, err := store.GetWorkflowSteps(run.ID)
	if err != nil {
		t.Fatalf("GetWorkflowSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for i, name := range []string{"check", "create", "store"} {
		if steps[i].StepName != name || steps[i].StepIndex != i || steps[i].Status != StepPending {
			t.Errorf("step %d: unexpected %+v", i, steps[i])
		}
	}
}

func TestCreateWorkflow_SameIDReturnsExisting(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	first := createTestWorkflow(t, store, "wf-1", "controlled_resource_create")

	again, created, err := store.CreateWorkflow(CreateWorkflowParams{
		ID:           "wf-1",
		WorkflowType: "controlled_resource_create",
		StepNames:    []string{"other"},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if created {
		t.Error("expected created=false for a reused ID")
	}
	if again.ID != first.ID || again.Version != 2 {
		t.Errorf("expected the original run back, got %+v", again)
	}
	steps, _ := store.GetWorkflowSteps("wf-1")
	if len(steps) != 3 {
		t.Errorf("expected original steps untouched, got %d", len(steps))
	}
}

func TestCreateWorkflow_SameIDOtherType(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	createTestWorkflow(t, store, "wf-1", "controlled_resource_create")

	_, _, err := store.CreateWorkflow(CreateWorkflowParams{ID: "wf-1", WorkflowType: "workspace_delete"})
	if !errors.Is(err, ErrDuplicateWorkflow) {
		t.Fatalf("expected ErrDuplicateWorkflow, got %v", err)
	}
}

func TestCreateWorkflow_DebugInfoRoundTrip(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	run, _, err := store.CreateWorkflow(CreateWorkflowParams{
		WorkflowType: "workspace_clone",
		Debug: &DebugInfo{
			DoStepFailures:  map[string]Outcome{"create": OutcomeRetry},
			LastStepFailure: true,
		},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	got, _ := store.GetWorkflow(run.ID)
	if got.Debug == nil || !got.Debug.LastStepFailure || got.Debug.DoStepFailures["create"] != OutcomeRetry {
		t.Errorf("expected debug info persisted, got %+v", got.Debug)
	}
}

func TestGetWorkflow_NotFound(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	if _, err := store.GetWorkflow("missing"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
	if err := store.UpdateWorkflowState("missing", StateRunning, 0); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound on update, got %v", err)
	}
}

func TestUpdateStepStatus_CAS(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	run := createTestWorkflow(t, store, "", "controlled_resource_create")
	steps, _ := store.GetWorkflowSteps(run.ID)

	if err := store.UpdateStepStatus(steps[0].ID, StepPending, StepRunning); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	err := store.UpdateStepStatus(steps[0].ID, StepPending, StepRunning)
	if !errors.Is(err, ErrStepTransitionDenied) {
		t.Fatalf("expected ErrStepTransitionDenied, got %v", err)
	}

	steps, _ = store.GetWorkflowSteps(run.ID)
	if steps[0].StartedAt == nil {
		t.Error("expected started_at set on running")
	}
}

func TestFinishStep_SavesWorkingMap(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	run := createTestWorkflow(t, store, "", "controlled_resource_create")
	steps, _ := store.GetWorkflowSteps(run.ID)
	_ = store.UpdateStepStatus(steps[0].ID, StepPending, StepRunning)

	if err := store.FinishStep(run.ID, steps[0].ID, StepRunning, StepCompleted, json.RawMessage(`{"bucket":"\"b1\""}`)); err != nil {
		t.Fatalf("FinishStep: %v", err)
	}
	got, _ := store.GetWorkflow(run.ID)
	if string(got.WorkingMap) != `{"bucket":"\"b1\""}` {
		t.Errorf("expected working map saved, got %s", got.WorkingMap)
	}

	// A second finish from the wrong status writes nothing
	err := store.FinishStep(run.ID, steps[0].ID, StepRunning, StepCompleted, json.RawMessage(`{}`))
	if !errors.Is(err, ErrStepTransitionDenied) {
		t.Fatalf("expected ErrStepTransitionDenied, got %v", err)
	}
	got, _ = store.GetWorkflow(run.ID)
	if string(got.WorkingMap) == `{}` {
		t.Error("expected working map untouched by a denied transition")
	}
}

func TestFailAndFinishWorkflow(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	run := createTestWorkflow(t, store, "", "controlled_resource_create")
	_, _ = store.LockWorkflow(run.ID, "node-a", time.Minute)

	if err := store.FailWorkflow(run.ID, StateCompensating, 1, "bucket name taken", 409); err != nil {
		t.Fatalf("FailWorkflow: %v", err)
	}
	if err := store.FinishWorkflow(run.ID, StateError, nil, 0); err != nil {
		t.Fatalf("FinishWorkflow: %v", err)
	}

	got, _ := store.GetWorkflow(run.ID)
	if got.CurrentState != StateError || got.Error != "bucket name taken" || got.StatusCode != 409 {
		t.Errorf("unexpected terminal run %+v", got)
	}
	if got.CompletedAt == nil || got.LockedBy != "" {
		t.Errorf("expected completed and unlocked, got completed=%v locked_by=%q", got.CompletedAt, got.LockedBy)
	}

	incomplete, _ := store.GetIncompleteWorkflows()
	if len(incomplete) != 0 {
		t.Errorf("expected no incomplete workflows, got %d", len(incomplete))
	}
}

func TestLockWorkflow(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	run := createTestWorkflow(t, store, "", "controlled_resource_create")

	ok, err := store.LockWorkflow(run.ID, "node-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected node-a to lock, got %v %v", ok, err)
	}
	if ok, _ := store.LockWorkflow(run.ID, "node-b", time.Minute); ok {
		t.Error("expected node-b to be refused")
	}
	if ok, _ := store.LockWorkflow(run.ID, "node-a", time.Minute); !ok {
		t.Error("expected node-a to renew its own lock")
	}

	if err := store.UnlockWorkflow(run.ID); err != nil {
		t.Fatalf("UnlockWorkflow: %v", err)
	}
	if ok, _ := store.LockWorkflow(run.ID, "node-b", time.Minute); !ok {
		t.Error("expected node-b to lock after unlock")
	}
}

func TestReleaseLocks(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	expired := createTestWorkflow(t, store, "expired", "controlled_resource_create")
	mine := createTestWorkflow(t, store, "mine", "controlled_resource_create")
	theirs := createTestWorkflow(t, store, "theirs", "controlled_resource_create")

	_, _ = store.LockWorkflow(expired.ID, "dead-node", -time.Minute)
	_, _ = store.LockWorkflow(mine.ID, "node-a", time.Hour)
	_, _ = store.LockWorkflow(theirs.ID, "node-b", time.Hour)

	n, err := store.ReleaseExpiredLocks()
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired lock released, got %d %v", n, err)
	}
	n, err = store.ReleaseNodeLocks("node-a")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 node lock released, got %d %v", n, err)
	}

	got, _ := store.GetWorkflow(theirs.ID)
	if got.LockedBy != "node-b" {
		t.Errorf("expected node-b lock kept, got %q", got.LockedBy)
	}
}

func TestRecordEvent(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	run := createTestWorkflow(t, store, "", "controlled_resource_create")

	idx := 1
	_ = store.RecordEvent(run.ID, nil, EventStateChange, "pending", "running", "", "node-a")
	_ = store.RecordEvent(run.ID, &idx, EventRetry, "", "", "attempt 2/3", "")

	events, err := store.GetWorkflowEvents(run.ID)
	if err != nil {
		t.Fatalf("GetWorkflowEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].StepIndex != nil || events[0].NodeID != "node-a" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[1].StepIndex == nil || *events[1].StepIndex != 1 || events[1].Detail != "attempt 2/3" {
		t.Errorf("unexpected second event %+v", events[1])
	}
}

func TestListWorkflows(t *testing.T) {
	store := NewWorkflowStore(testDB(t))
	createTestWorkflow(t, store, "a", "workspace_create")
	createTestWorkflow(t, store, "b", "workspace_clone")
	createTestWorkflow(t, store, "c", "workspace_clone")

	all, _ := store.ListWorkflows("", 0)
	if len(all) != 3 {
		t.Errorf("expected 3 runs, got %d", len(all))
	}
	clones, _ := store.ListWorkflows("workspace_clone", 10)
	if len(clones) != 2 {
		t.Errorf("expected 2 clone runs, got %d", len(clones))
	}
}
