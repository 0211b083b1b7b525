package flowengine

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkflowRun represents a row in the workflow_runs table.
type WorkflowRun struct {
	ID           string          `json:"id"`
	WorkflowType string          `json:"workflow_type"`
	Version      int             `json:"version"`
	Description  string          `json:"description,omitempty"`
	CurrentState WorkflowState   `json:"current_state"`
	CurrentStep  int             `json:"current_step"`
	Input        json.RawMessage `json:"input,omitempty"`
	WorkingMap   json.RawMessage `json:"working_map,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	StatusCode   int             `json:"status_code,omitempty"`
	Error        string          `json:"error,omitempty"`
	Debug        *DebugInfo      `json:"debug,omitempty"`
	LockedBy     string          `json:"locked_by,omitempty"`
	LockedUntil  *time.Time      `json:"locked_until,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// WorkflowStep represents a row in the workflow_steps table.
type WorkflowStep struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	StepIndex   int        `json:"step_index"`
	StepName    string     `json:"step_name"`
	Status      StepStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkflowEvent represents a row in the workflow_events table.
type WorkflowEvent struct {
	ID         int64     `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	StepIndex  *int      `json:"step_index,omitempty"`
	EventType  EventType `json:"event_type"`
	OldState   string    `json:"old_state,omitempty"`
	NewState   string    `json:"new_state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkflowStore provides CRUD operations for workflow data in SQLite.
// All methods are safe for concurrent use (SQLite WAL + busy_timeout handles contention).
type WorkflowStore struct {
	db *sql.DB
}

// NewWorkflowStore creates a new store backed by the given database connection.
// The database must have the workflow tables from database.Migrate.
func NewWorkflowStore(db *sql.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

// CreateWorkflowParams holds the parameters for creating a new workflow run.
type CreateWorkflowParams struct {
	ID           string
	WorkflowType string
	Version      int
	Description  string
	Input        json.RawMessage
	Debug        *DebugInfo
	StepNames    []string
}

const runColumns = `id, workflow_type, version, description, current_state, current_step,
	input, working_map, output, status_code, error, debug, locked_by, locked_until,
	created_at, updated_at, completed_at`

// CreateWorkflow inserts a new workflow run and its steps. If a run with the
// same ID already exists it is returned with created=false and nothing is
// written; a different workflow type under that ID is ErrDuplicateWorkflow.
func (s *WorkflowStore) CreateWorkflow(params CreateWorkflowParams) (*WorkflowRun, bool, error) {
	if params.Version < 1 {
		params.Version = 1
	}
	if params.ID == "" {
		params.ID = uuid.NewString()
	}

	var debug interface{}
	if params.Debug != nil {
		data, err := json.Marshal(params.Debug)
		if err != nil {
			return nil, false, fmt.Errorf("encode debug info: %w", err)
		}
		debug = string(data)
	}

	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO workflow_runs (id, workflow_type, version, description, current_state,
			current_step, input, working_map, debug, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, '{}', ?, ?, ?)`,
		params.ID, params.WorkflowType, params.Version,
		nullableString(params.Description),
		string(StatePending),
		nullableJSON(params.Input),
		debug,
		now, now,
	)
	if err != nil {
		if isDuplicateErr(err) {
			tx.Rollback()
			existing, getErr := s.GetWorkflow(params.ID)
			if getErr != nil {
				return nil, false, getErr
			}
			if existing.WorkflowType != params.WorkflowType {
				return nil, false, fmt.Errorf("%w: id=%s type=%s existing=%s",
					ErrDuplicateWorkflow, params.ID, params.WorkflowType, existing.WorkflowType)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert workflow: %w", err)
	}

	for i, name := range params.StepNames {
		_, err = tx.Exec(`
			INSERT INTO workflow_steps (id, workflow_id, step_index, step_name, status)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), params.ID, i, name, string(StepPending),
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert step %d (%s): %w", i, name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	return &WorkflowRun{
		ID:           params.ID,
		WorkflowType: params.WorkflowType,
		Version:      params.Version,
		Description:  params.Description,
		CurrentState: StatePending,
		Input:        params.Input,
		WorkingMap:   json.RawMessage(`{}`),
		Debug:        params.Debug,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, true, nil
}

// GetWorkflow retrieves a workflow run by ID.
// Returns ErrWorkflowNotFound if the ID doesn't exist.
func (s *WorkflowStore) GetWorkflow(id string) (*WorkflowRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	return scanWorkflowRun(row)
}

// GetWorkflowSteps retrieves all steps for a workflow, ordered by step_index.
func (s *WorkflowStore) GetWorkflowSteps(workflowID string) ([]WorkflowStep, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_id, step_index, step_name, status, error, started_at, completed_at
		FROM workflow_steps
		WHERE workflow_id = ?
		ORDER BY step_index ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []WorkflowStep
	for rows.Next() {
		step, err := scanWorkflowStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// GetIncompleteWorkflows retrieves all workflows that are not in a terminal state.
// Used by the engine on startup and by the poll loop.
func (s *WorkflowStore) GetIncompleteWorkflows() ([]WorkflowRun, error) {
	return s.queryRuns(`SELECT ` + runColumns + ` FROM workflow_runs
		WHERE current_state IN ('pending', 'running', 'compensating')
		ORDER BY created_at ASC`)
}

// ListWorkflows returns the most recent runs, newest first. An empty
// workflowType lists every type.
func (s *WorkflowStore) ListWorkflows(workflowType string, limit int) ([]WorkflowRun, error) {
	if limit <= 0 {
		limit = 100
	}
	if workflowType == "" {
		return s.queryRuns(`SELECT `+runColumns+` FROM workflow_runs
			ORDER BY created_at DESC LIMIT ?`, limit)
	}
	return s.queryRuns(`SELECT `+runColumns+` FROM workflow_runs
		WHERE workflow_type = ? ORDER BY created_at DESC LIMIT ?`, workflowType, limit)
}

func (s *WorkflowStore) queryRuns(query string, args ...interface{}) ([]WorkflowRun, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var workflows []WorkflowRun
	for rows.Next() {
		wf, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// UpdateWorkflowState atomically updates the workflow's state and current_step.
// Returns ErrWorkflowNotFound if the workflow doesn't exist.
func (s *WorkflowStore) UpdateWorkflowState(id string, state WorkflowState, currentStep int) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs
		SET current_state = ?, current_step = ?, updated_at = ?
		WHERE id = ?`,
		string(state), currentStep, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update workflow state: %w", err)
	}
	return checkRowsAffected(res, id)
}

// SaveWorkingMap persists the run's working map.
func (s *WorkflowStore) SaveWorkingMap(id string, wm json.RawMessage) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET working_map = ?, updated_at = ? WHERE id = ?`,
		string(wm), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("save working map: %w", err)
	}
	return checkRowsAffected(res, id)
}

// SaveDebug replaces the run's debug info.
func (s *WorkflowStore) SaveDebug(id string, debug *DebugInfo) error {
	data, err := json.Marshal(debug)
	if err != nil {
		return fmt.Errorf("encode debug info: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET debug = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("save debug info: %w", err)
	}
	return checkRowsAffected(res, id)
}

// FailWorkflow records the error that stopped forward progress and moves the
// run into the given state (compensating, or fatal when nothing can be undone).
func (s *WorkflowStore) FailWorkflow(id string, state WorkflowState, currentStep int, errMsg string, statusCode int) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs
		SET current_state = ?, current_step = ?, error = ?, status_code = ?, updated_at = ?
		WHERE id = ?`,
		string(state), currentStep, errMsg, statusCode, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update workflow error: %w", err)
	}
	return checkRowsAffected(res, id)
}

// FinishWorkflow moves the run to a terminal state. Output and statusCode are
// only written when set, so a failed run keeps the status of its original error.
func (s *WorkflowStore) FinishWorkflow(id string, state WorkflowState, output json.RawMessage, statusCode int) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE workflow_runs
		SET current_state = ?,
			output = COALESCE(?, output),
			status_code = CASE WHEN ? > 0 THEN ? ELSE status_code END,
			locked_by = NULL, locked_until = NULL,
			updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(state), nullableJSON(output), statusCode, statusCode, now, now, id)
	if err != nil {
		return fmt.Errorf("finish workflow: %w", err)
	}
	return checkRowsAffected(res, id)
}

// UpdateStepStatus atomically transitions a step from expectedStatus to newStatus.
// Returns ErrStepTransitionDenied if the current status doesn't match expectedStatus
// (indicates concurrent modification).
func (s *WorkflowStore) UpdateStepStatus(stepID string, expectedStatus, newStatus StepStatus) error {
	now := time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE workflow_steps
		SET status = ?,
			started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? IN ('completed', 'failed', 'compensated') THEN ? ELSE completed_at END
		WHERE id = ? AND status = ?`,
		string(newStatus),
		string(newStatus), now,
		string(newStatus), now,
		stepID, string(expectedStatus),
	)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: step=%s expected=%s", ErrStepTransitionDenied, stepID, expectedStatus)
	}
	return nil
}

// FinishStep transitions a step and saves the working map in one transaction,
// so a recorded completion always has the working map it produced.
func (s *WorkflowStore) FinishStep(workflowID, stepID string, expectedStatus, newStatus StepStatus, wm json.RawMessage) error {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE workflow_steps SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(newStatus), now, stepID, string(expectedStatus))
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: step=%s expected=%s", ErrStepTransitionDenied, stepID, expectedStatus)
	}

	if _, err := tx.Exec(`UPDATE workflow_runs SET working_map = ?, updated_at = ? WHERE id = ?`,
		string(wm), now, workflowID); err != nil {
		return fmt.Errorf("save working map: %w", err)
	}
	return tx.Commit()
}

// UpdateStepError sets the error message on a step.
func (s *WorkflowStore) UpdateStepError(stepID string, errMsg string) error {
	_, err := s.db.Exec(`UPDATE workflow_steps SET error = ? WHERE id = ?`,
		errMsg, stepID)
	if err != nil {
		return fmt.Errorf("update step error: %w", err)
	}
	return nil
}

// RecordEvent inserts an event into the workflow_events audit log.
func (s *WorkflowStore) RecordEvent(workflowID string, stepIndex *int, eventType EventType, oldState, newState, detail, nodeID string) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_events (workflow_id, step_index, event_type,
			old_state, new_state, detail, node_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		workflowID,
		stepIndex,
		string(eventType),
		nullableString(oldState),
		nullableString(newState),
		nullableString(detail),
		nullableString(nodeID),
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// GetWorkflowEvents retrieves all events for a workflow, in insertion order.
func (s *WorkflowStore) GetWorkflowEvents(workflowID string) ([]WorkflowEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_id, step_index, event_type, old_state, new_state,
			detail, node_id, created_at
		FROM workflow_events
		WHERE workflow_id = ?
		ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []WorkflowEvent
	for rows.Next() {
		var ev WorkflowEvent
		var stepIndex sql.NullInt64
		var oldState, newState, detail, nodeID sql.NullString
		err := rows.Scan(&ev.ID, &ev.WorkflowID, &stepIndex, &ev.EventType,
			&oldState, &newState, &detail, &nodeID, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if stepIndex.Valid {
			idx := int(stepIndex.Int64)
			ev.StepIndex = &idx
		}
		ev.OldState = oldState.String
		ev.NewState = newState.String
		ev.Detail = detail.String
		ev.NodeID = nodeID.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LockWorkflow attempts to acquire an exclusive lock on a workflow for processing.
// Uses optimistic locking: only succeeds if the workflow is unlocked, the lock has
// expired, or the lock is already held by nodeID.
// Returns true if the lock was acquired, false if another node holds it.
func (s *WorkflowStore) LockWorkflow(id, nodeID string, duration time.Duration) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(duration)

	res, err := s.db.Exec(`
		UPDATE workflow_runs
		SET locked_by = ?, locked_until = ?, updated_at = ?
		WHERE id = ? AND (locked_until IS NULL OR locked_until < ? OR locked_by = ?)`,
		nodeID, until, now, id, now, nodeID)
	if err != nil {
		return false, fmt.Errorf("lock workflow: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// UnlockWorkflow releases the lock on a workflow.
func (s *WorkflowStore) UnlockWorkflow(id string) error {
	_, err := s.db.Exec(`
		UPDATE workflow_runs
		SET locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("unlock workflow: %w", err)
	}
	return nil
}

// ReleaseNodeLocks clears every lock held by nodeID. Called on startup: a
// lock held under our own node ID belongs to a previous life of this process.
func (s *WorkflowStore) ReleaseNodeLocks(nodeID string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE workflow_runs
		SET locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE locked_by = ?`, time.Now().UTC(), nodeID)
	if err != nil {
		return 0, fmt.Errorf("release node locks: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseExpiredLocks clears locks where locked_until has passed.
// Used by the reaper goroutine to recover from crashed nodes.
func (s *WorkflowStore) ReleaseExpiredLocks() (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE workflow_runs
		SET locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE locked_until IS NOT NULL AND locked_until < ?
			AND current_state NOT IN ('success', 'error', 'fatal')`,
		now, now)
	if err != nil {
		return 0, fmt.Errorf("release expired locks: %w", err)
	}
	return res.RowsAffected()
}

// --- Scanner helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflowRun(row rowScanner) (*WorkflowRun, error) {
	var wf WorkflowRun
	var description, input, workingMap, output, errMsg, debug, lockedBy sql.NullString
	var statusCode sql.NullInt64
	var lockedUntil, completedAt sql.NullTime

	err := row.Scan(&wf.ID, &wf.WorkflowType, &wf.Version, &description,
		&wf.CurrentState, &wf.CurrentStep,
		&input, &workingMap, &output, &statusCode, &errMsg, &debug,
		&lockedBy, &lockedUntil,
		&wf.CreatedAt, &wf.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	wf.Description = description.String
	if input.Valid {
		wf.Input = json.RawMessage(input.String)
	}
	if workingMap.Valid {
		wf.WorkingMap = json.RawMessage(workingMap.String)
	}
	if output.Valid {
		wf.Output = json.RawMessage(output.String)
	}
	wf.StatusCode = int(statusCode.Int64)
	wf.Error = errMsg.String
	if debug.Valid && debug.String != "" {
		var d DebugInfo
		if err := json.Unmarshal([]byte(debug.String), &d); err != nil {
			return nil, fmt.Errorf("decode debug info: %w", err)
		}
		wf.Debug = &d
	}
	wf.LockedBy = lockedBy.String
	if lockedUntil.Valid {
		wf.LockedUntil = &lockedUntil.Time
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	return &wf, nil
}

func scanWorkflowStep(rows *sql.Rows) (*WorkflowStep, error) {
	var step WorkflowStep
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := rows.Scan(&step.ID, &step.WorkflowID, &step.StepIndex, &step.StepName,
		&step.Status, &errMsg, &startedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	step.Error = errMsg.String
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		step.CompletedAt = &completedAt.Time
	}
	return &step, nil
}

// --- SQL helpers ---

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(data json.RawMessage) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func checkRowsAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return nil
}

func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
