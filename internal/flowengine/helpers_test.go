package flowengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nuclearlighters/workspace-manager/internal/database"
)

// testDB opens a migrated database in a temp dir. A file is used rather than
// :memory: so every connection sees the same tables.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "flowengine.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.MigrateAndSeed(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// callLog records step invocations in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(s string) int {
	n := 0
	for _, c := range l.list() {
		if c == s {
			n++
		}
	}
	return n
}

var counterKey = NewKey[int]("counter")

// recordingStep logs its calls and increments a working map counter.
// doErrs and undoErrs are returned in order, one per call, then nil.
type recordingStep struct {
	name     string
	log      *callLog
	mu       sync.Mutex
	doErrs   []error
	undoErrs []error
	doFn     func(ctx context.Context, fc *FlightContext) error
}

func (s *recordingStep) Do(ctx context.Context, fc *FlightContext) error {
	s.log.add("do:" + s.name)
	if s.doFn != nil {
		return s.doFn(ctx, fc)
	}
	s.mu.Lock()
	var err error
	if len(s.doErrs) > 0 {
		err, s.doErrs = s.doErrs[0], s.doErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	n, _, _ := Lookup(fc.WorkingMap(), counterKey)
	return Put(fc.WorkingMap(), counterKey, n+1)
}

func (s *recordingStep) Undo(ctx context.Context, fc *FlightContext) error {
	s.log.add("undo:" + s.name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.undoErrs) > 0 {
		var err error
		err, s.undoErrs = s.undoErrs[0], s.undoErrs[1:]
		return err
	}
	return nil
}

// testWorkflowDef builds the same steps for any input.
type testWorkflowDef struct {
	typ     string
	version int
	steps   []StepDefinition
}

func (d *testWorkflowDef) Type() string { return d.typ }
func (d *testWorkflowDef) Version() int {
	if d.version == 0 {
		return 1
	}
	return d.version
}
func (d *testWorkflowDef) Build(json.RawMessage) ([]StepDefinition, error) {
	return d.steps, nil
}

// newTestWorkflow returns a definition with n recording steps named s0..sn-1.
func newTestWorkflow(typ string, n int, log *callLog) (*testWorkflowDef, []*recordingStep) {
	def := &testWorkflowDef{typ: typ}
	steps := make([]*recordingStep, n)
	for i := 0; i < n; i++ {
		steps[i] = &recordingStep{name: fmt.Sprintf("s%d", i), log: log}
		def.steps = append(def.steps, StepDefinition{
			Name:            steps[i].name,
			Step:            steps[i],
			Retry:           FixedInterval(time.Millisecond, 2),
			CompensateRetry: FixedInterval(time.Millisecond, 2),
			Timeout:         5 * time.Second,
		})
	}
	return def, steps
}

// conflictError carries a caller-visible status.
type conflictError struct{ msg string }

func (e *conflictError) Error() string   { return e.msg }
func (e *conflictError) HTTPStatus() int { return http.StatusConflict }

func createRun(t *testing.T, store *WorkflowStore, def WorkflowDefinition, debug *DebugInfo) *WorkflowRun {
	t.Helper()
	steps, err := buildSteps(def, nil)
	if err != nil {
		t.Fatalf("buildSteps: %v", err)
	}
	run, _, err := store.CreateWorkflow(CreateWorkflowParams{
		WorkflowType: def.Type(),
		Version:      def.Version(),
		Input:        json.RawMessage(`{}`),
		Debug:        debug,
		StepNames:    stepNames(steps),
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return run
}

func equalCalls(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
