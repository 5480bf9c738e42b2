// Package plan defines the Plan/Phase/Step data model the Planner
// constructs and the Orchestrator executes. The model is a strict tree:
// Plan owns an ordered sequence of Phases, each Phase owns an ordered
// sequence of Steps, and Steps reference each other only by id within their
// own Phase. Nothing in this package points back up the tree.
package plan

import "time"

// Status is the lifecycle state of a Plan.
type Status string

const (
	StatusPlanning   Status = "planning"
	StatusExecuting  Status = "executing"
	StatusReplanning Status = "replanning"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// PhaseStatus is the lifecycle state of a Phase.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusSkipped   PhaseStatus = "skipped"
)

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepType enumerates the recognized Step kinds. Only toolName dispatch
// affects execution; Type is descriptive metadata carried for observers.
type StepType string

const (
	StepTypeToolCall StepType = "tool_call"
	StepTypeLLMCall  StepType = "llm_call"
	StepTypeSearch   StepType = "search"
	StepTypeFetch    StepType = "fetch"
	StepTypeLLM      StepType = "llm"
)

// Plan is the ordered sequence of Phases produced by the Planner for a
// session. The Planner is the sole owner of a Plan's mutable fields while
// status is Planning or Replanning; once status becomes Executing, ownership
// transfers to the Orchestrator and further mutation happens only through
// Planner.Replan (see package planner).
type Plan struct {
	ID        string
	Query     string
	Status    Status
	Phases    []*Phase
	CreatedAt time.Time
}

// Phase is a named stage of the Plan, owning a local DAG of Steps. Phases
// within a Plan are strictly ordered by Order and the current Orchestrator
// executes them sequentially (see package orchestrator).
type Phase struct {
	ID               string
	PlanID           string
	Name             string
	Description      string
	Status           PhaseStatus
	Steps            []*Step
	ReplanCheckpoint bool
	Order            int
}

// Step is an atomic tool invocation with a config, result, and dependency
// set within its Phase. Dependencies reference other Step ids in the same
// Phase only — the DAG Scheduler (package dag) rejects Steps that claim
// membership outside their Phase by simply never seeing them.
type Step struct {
	ID           string
	PhaseID      string
	Type         StepType
	ToolName     string
	Config       map[string]any
	Dependencies map[string]struct{}
	Status       StepStatus
	Order        int
}

// DependsOn reports whether the Step declares a dependency on id.
func (s *Step) DependsOn(id string) bool {
	if s == nil || s.Dependencies == nil {
		return false
	}
	_, ok := s.Dependencies[id]
	return ok
}

// TokenUsage reports prompt/completion/total token accounting for a single
// tool or LLM invocation.
type TokenUsage struct {
	Prompt     int
	Completion int
	Total      int
}

// ErrKindCancelled marks a StepError produced by context cancellation
// rather than a tool failure. Cancelled steps are classified as failed; the
// Kind is the distinguishing marker.
const ErrKindCancelled = "cancelled"

// StepError carries a human-readable failure message, an optional failure
// kind, and an optional stack trace captured at the point of failure.
type StepError struct {
	Message string
	Kind    string
	Stack   string
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// StepResult is the outcome of running one Step. The invariant
// `Status == completed => Output != nil` and `Status == failed => Error !=
// nil` (no other combination is legal) is enforced by the Step Executor
// (package stepexec), which is the only producer of StepResult values.
type StepResult struct {
	StepID     string
	ToolName   string
	Status     StepStatus
	Input      map[string]any // frozen config snapshot
	Output     any
	Error      *StepError
	DurationMS int64
	TokensUsed TokenUsage
}

// PhaseResult is the outcome of running one Phase: every StepResult produced
// by its Steps, in Step insertion order (not completion order, which waves
// of concurrent Steps would otherwise scramble), plus the Phase's terminal
// status.
type PhaseResult struct {
	Status      PhaseStatus
	StepResults []StepResult
	Error       *StepError
}

// FirstFailed returns the first failed StepResult in the PhaseResult, or nil
// if none failed. Used by the Phase Executor to pick the representative
// failure for `phase_failed` events and by the Orchestrator to build
// recovery context.
func (r *PhaseResult) FirstFailed() *StepResult {
	for i := range r.StepResults {
		if r.StepResults[i].Status == StepStatusFailed {
			return &r.StepResults[i]
		}
	}
	return nil
}

// SearchResult is the shape a tool's Output must match to be recognized by
// the Result Extractor (package extract) as a sequence of search hits.
type SearchResult struct {
	URL     string
	Title   string
	Content string
	Score   *float64
}
