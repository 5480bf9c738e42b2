package orchestrator

import "fmt"

// ErrorKind closes the set of failure categories the Orchestrator
// recognizes, carried on KernelError rather than matched via ad hoc string
// comparisons against error messages.
type ErrorKind string

const (
	// PlanningFailure: the LLM produced no Plan after the iteration cap, or
	// create_plan's attempt guard tripped. Fatal to the session.
	PlanningFailure ErrorKind = "planning_failure"
	// InvariantViolation: a planning tool-call would have broken a
	// structural invariant. Reported back to the LLM, never raised here.
	InvariantViolation ErrorKind = "invariant_violation"
	// ToolExecutionError: a tool call returned an error, recorded as a
	// failed StepResult and routed to DecideRecovery.
	ToolExecutionError ErrorKind = "tool_execution_error"
	// EvaluationError: an evaluator returned an error. Logged and
	// swallowed; the Orchestrator proceeds as if evaluation was skipped.
	EvaluationError ErrorKind = "evaluation_error"
	// DecompositionError: invalid decomposition JSON or a dependency
	// cycle. Fatal to that invocation.
	DecompositionError ErrorKind = "decomposition_error"
	// Cancelled: the caller's context was cancelled mid-session.
	Cancelled ErrorKind = "cancelled"
	// LogAppendFailure: the audit trail could not be written. Fatal.
	LogAppendFailure ErrorKind = "log_append_failure"
	// PersistenceFailure: the ResearchResult failed to save. Logged, but
	// session_completed is still emitted.
	PersistenceFailure ErrorKind = "persistence_failure"
)

// KernelError is the Orchestrator's error type. Every fatal path returns one
// of these, wrapping the underlying error without losing it.
type KernelError struct {
	Kind      ErrorKind
	SessionID string
	Message   string
	Err       error
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orchestrator: %s (session %s): %s: %v", e.Kind, e.SessionID, e.Message, e.Err)
	}
	return fmt.Sprintf("orchestrator: %s (session %s): %s", e.Kind, e.SessionID, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Err }

func newKernelError(kind ErrorKind, sessionID, message string, err error) *KernelError {
	return &KernelError{Kind: kind, SessionID: sessionID, Message: message, Err: err}
}
