// Package models defines the domain types shared across the workflow engine:
// workflow definitions, runtime instances, and the error taxonomy used to
// report failures back through the Public API.
package models

import "errors"

// Sentinel errors for conditions callers commonly branch on.
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrWorkflowExists    = errors.New("workflow already exists")
	ErrInvalidWorkflow   = errors.New("invalid workflow")
	ErrCyclicDependency  = errors.New("cyclic dependency detected")
	ErrStepNotFound      = errors.New("step not found")

	ErrInstanceNotFound = errors.New("workflow instance not found")
	ErrInvalidInstance  = errors.New("invalid instance state for operation")

	ErrSubAgentNotFound = errors.New("sub-agent task not found")

	ErrValidationFailed = errors.New("validation failed")
	ErrRequired         = errors.New("required field is missing")
)

// ErrorKind closes the error taxonomy a workflow execution can surface to a
// polling client. Every WorkflowError carries exactly one of these.
type ErrorKind string

const (
	ErrorKindValidation   ErrorKind = "validation"
	ErrorKindEvaluation   ErrorKind = "evaluation"
	ErrorKindStateAccess  ErrorKind = "state_access"
	ErrorKindControlFlow  ErrorKind = "control_flow"
	ErrorKindStepExecution ErrorKind = "step_execution"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindSubAgent     ErrorKind = "sub_agent"
	ErrorKindCancelled    ErrorKind = "cancelled"
	ErrorKindInternal     ErrorKind = "internal"
)

// WorkflowError is the typed error returned by every engine component that
// can fail in a way a caller needs to branch on. It carries the step that
// was executing (if any) so the Public API can attach it to the response
// envelope.
type WorkflowError struct {
	Kind   ErrorKind
	Message string
	StepID string
	Cause  error
}

func (e *WorkflowError) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.StepID != "" {
		msg = "step " + e.StepID + " " + msg
	}
	return msg
}

func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// NewWorkflowError builds a WorkflowError, optionally wrapping a cause.
func NewWorkflowError(kind ErrorKind, stepID, message string, cause error) *WorkflowError {
	return &WorkflowError{Kind: kind, StepID: stepID, Message: message, Cause: cause}
}

// ValidationError represents a single field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors represents multiple validation errors collected during a
// single Validate() pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Error()
}

// ComputedCycle is returned by the Workflow Loader when a workflow's
// computed-field dependency graph contains a cycle (Invariant 3).
type ComputedCycle struct {
	Fields []string
}

func (e *ComputedCycle) Error() string {
	msg := "cyclic computed field dependency: "
	for i, f := range e.Fields {
		if i > 0 {
			msg += " -> "
		}
		msg += f
	}
	return msg
}
