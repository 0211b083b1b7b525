package flowengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Launcher is the part of the engine a step may use to start and await
// child workflows.
type Launcher interface {
	Submit(ctx context.Context, params SubmitParams) (*WorkflowRun, error)
	WaitForCompletion(ctx context.Context, workflowID string, pollInterval time.Duration, maxCycles int) (*WorkflowRun, error)
	GetResult(ctx context.Context, workflowID string) (*FlightResult, error)
	CreateWorkflowID() string
}

// FlightContext is what a step sees of the run it belongs to.
type FlightContext struct {
	workflowID   string
	workflowType string
	input        json.RawMessage
	wm           *WorkingMap
	launcher     Launcher

	direction Direction
	stepIndex int
	stepName  string
	cause     error

	debug *DebugInfo
}

// NewFlightContext builds a context around a working map. The engine builds
// one per execution; tests use it to drive steps directly.
func NewFlightContext(workflowID, workflowType string, input json.RawMessage, wm *WorkingMap, launcher Launcher) *FlightContext {
	if wm == nil {
		wm = NewWorkingMap()
	}
	return &FlightContext{
		workflowID:   workflowID,
		workflowType: workflowType,
		input:        input,
		wm:           wm,
		launcher:     launcher,
		direction:    DirectionDo,
	}
}

func (fc *FlightContext) WorkflowID() string      { return fc.workflowID }
func (fc *FlightContext) WorkflowType() string    { return fc.workflowType }
func (fc *FlightContext) WorkingMap() *WorkingMap { return fc.wm }
func (fc *FlightContext) Direction() Direction    { return fc.direction }
func (fc *FlightContext) StepIndex() int          { return fc.stepIndex }
func (fc *FlightContext) StepName() string        { return fc.stepName }

// Engine returns the launcher for child workflows.
func (fc *FlightContext) Engine() Launcher { return fc.launcher }

// FailureCause is the error that sent the run into undo. Nil while the run is
// moving forward.
func (fc *FlightContext) FailureCause() error { return fc.cause }

// Input decodes the run's immutable input parameters into v.
func (fc *FlightContext) Input(v any) error {
	if len(fc.input) == 0 {
		return Permanentf("workflow %s has no input", fc.workflowID)
	}
	if err := json.Unmarshal(fc.input, v); err != nil {
		return Permanentf("decode input of workflow %s: %w", fc.workflowID, err)
	}
	return nil
}

// SetResponse records the payload returned to callers by GetResult, with its
// HTTP-equivalent status code.
func (fc *FlightContext) SetResponse(v any, statusCode int) error {
	data, err := json.Marshal(v)
	if err != nil {
		return Permanentf("encode response: %w", err)
	}
	if err := Put(fc.wm, responseKey, json.RawMessage(data)); err != nil {
		return err
	}
	return Put(fc.wm, statusCodeKey, statusCode)
}

func (fc *FlightContext) response() (json.RawMessage, int) {
	resp, _, _ := Lookup(fc.wm, responseKey)
	code, ok, _ := Lookup(fc.wm, statusCodeKey)
	if !ok || code == 0 {
		code = http.StatusOK
	}
	return resp, code
}

// DecodeInput decodes the run's input into a new T.
func DecodeInput[T any](fc *FlightContext) (T, error) {
	var v T
	err := fc.Input(&v)
	return v, err
}

// FlightResult is the outcome of a finished run.
type FlightResult struct {
	WorkflowID string          `json:"workflow_id"`
	State      WorkflowState   `json:"state"`
	Response   json.RawMessage `json:"response,omitempty"`
	StatusCode int             `json:"status_code"`
	Error      string          `json:"error,omitempty"`
}

// Succeeded reports whether the run reached its last step.
func (r *FlightResult) Succeeded() bool { return r.State == StateSuccess }

// Err returns the run's failure as an error carrying its status code, or nil
// on success.
func (r *FlightResult) Err() error {
	if r.Succeeded() {
		return nil
	}
	return &RunError{WorkflowID: r.WorkflowID, State: r.State, Message: r.Error, Status: r.StatusCode}
}

// DecodeResponse decodes a result's response payload into a new T.
func DecodeResponse[T any](r *FlightResult) (T, error) {
	var v T
	if len(r.Response) == 0 {
		return v, fmt.Errorf("workflow %s has no response", r.WorkflowID)
	}
	if err := json.Unmarshal(r.Response, &v); err != nil {
		return v, fmt.Errorf("decode response of workflow %s: %w", r.WorkflowID, err)
	}
	return v, nil
}

// RunError is the failure of a finished run as seen by another workflow or
// an API caller.
type RunError struct {
	WorkflowID string
	State      WorkflowState
	Message    string
	Status     int
}

func (e *RunError) Error() string { return e.Message }

func (e *RunError) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

// statusCodeOf returns the HTTP-equivalent status carried by err, or 500.
func statusCodeOf(err error) int {
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// userMessage strips the engine's classification wrappers from err.
func userMessage(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Err.Error()
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Err.Error()
	}
	return err.Error()
}
