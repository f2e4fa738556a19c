package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeInput      = "INPUT_ERROR"
	ErrCodeExecution  = "EXECUTION_ERROR"
	ErrCodeCondition  = "CONDITION_ERROR"
	ErrCodeLoopLimit  = "LOOP_LIMIT"
	ErrCodeCompile    = "COMPILE_ERROR"
	ErrCodeConfig     = "CONFIG_ERROR"
	ErrCodeTimeout    = "TIMEOUT_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeSchema     = "SCHEMA_ERROR"
	ErrCodeAgent      = "AGENT_ERROR"
	ErrCodeStore      = "STORE_ERROR"
	ErrCodeConflict   = "CONFLICT"
)

// FlowError is the structured error type for all flowlet operations. Every
// error raised inside the interpreter carries enough context (workflow and
// step IDs) for the host to log it meaningfully; the interpreter itself does
// no user-facing presentation.
type FlowError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

func (e *FlowError) Error() string {
	switch {
	case e.WorkflowID != "" && e.StepID != "":
		return fmt.Sprintf("[%s] %s/%s: %s", e.Code, e.WorkflowID, e.StepID, e.Message)
	case e.WorkflowID != "":
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.WorkflowID, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithWorkflow attaches a workflow ID to the error.
func (e *FlowError) WithWorkflow(workflowID string) *FlowError {
	e.WorkflowID = workflowID
	return e
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}
