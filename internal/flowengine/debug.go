package flowengine

import "fmt"

// DebugInfo injects failures into a run so tests can exercise replay and undo
// without breaking real collaborators. It is persisted with the run.
type DebugInfo struct {
	// DoStepFailures maps a step name to the outcome to report once after
	// that step's Do has succeeded. OutcomeRetry makes the engine run Do again,
	// which checks the step's idempotency.
	DoStepFailures map[string]Outcome `json:"do_step_failures,omitempty"`

	// UndoStepFailures is the same for Undo.
	UndoStepFailures map[string]Outcome `json:"undo_step_failures,omitempty"`

	// LastStepFailure reports a fatal failure after the last step succeeds,
	// forcing a full undo.
	LastStepFailure bool `json:"last_step_failure,omitempty"`

	// Fired holds the "direction/step" injections already reported. It is
	// saved with the run, so a restart does not report them again.
	Fired map[string]bool `json:"fired,omitempty"`
}

// injection returns the error to report in place of a successful invocation,
// or nil. Each (direction, step) pair fires at most once per run; the caller
// persists the DebugInfo when an injection fires.
func (d *DebugInfo) injection(dir Direction, stepName string) error {
	if d == nil {
		return nil
	}
	failures := d.DoStepFailures
	if dir == DirectionUndo {
		failures = d.UndoStepFailures
	}
	outcome, ok := failures[stepName]
	if !ok || outcome == OutcomeSuccess {
		return nil
	}
	key := fmt.Sprintf("%s/%s", dir, stepName)
	if d.Fired[key] {
		return nil
	}
	if d.Fired == nil {
		d.Fired = make(map[string]bool)
	}
	d.Fired[key] = true
	return outcomeError(outcome, stepName)
}
