// Package planner implements the Planner: an LLM-driven tool-call loop that
// builds and mutates a plan.Plan, enforcing every structural invariant
// through a closed set of internal state-mutation handlers rather than
// trusting the model's output directly.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"deepresearch/chatmodel"
	"deepresearch/eventlog"
	"deepresearch/ids"
	"deepresearch/plan"
)

const maxIterations = 20

// createPlanMaxAttempts caps runaway create_plan calls within one planning
// loop.
const createPlanMaxAttempts = 3

// ErrPlanningFailure is returned when the planning loop exits without ever
// producing a Plan.
var ErrPlanningFailure = errors.New("planner: no plan created")

// Feedback is the structured critique RegeneratePlanWithFeedback folds into
// the planning transcript.
type Feedback struct {
	Critique          string
	FailingDimensions []string
	Issues            []FeedbackIssue
}

// FeedbackIssue is one specific problem/fix pair.
type FeedbackIssue struct {
	Problem string
	Fix     string
}

// FailureInfo describes why Replan was invoked due to a phase failure.
type FailureInfo struct {
	StepID  string
	Message string
}

// ReplanResult is Replan's outcome.
type ReplanResult struct {
	Plan     *plan.Plan
	Modified bool
}

// RecoveryAction is the action DecideRecovery chose.
type RecoveryAction string

const (
	RecoveryRetry       RecoveryAction = "retry"
	RecoverySkip        RecoveryAction = "skip"
	RecoveryAlternative RecoveryAction = "alternative"
	RecoveryAbort       RecoveryAction = "abort"
)

// RecoveryDecision is DecideRecovery's outcome.
type RecoveryDecision struct {
	Action           RecoveryAction
	Reason           string
	RetryWithConfig  map[string]any
	AlternativeSteps []*plan.Step
}

// Planner drives one session's planning loop. A Planner is single-session:
// callers must not share one across concurrent sessions.
type Planner struct {
	client chatmodel.Client
	model  string
	store  eventlog.Store

	// executionToolNames is the set of tool names the Tool Registry can
	// actually dispatch, surfaced to the model and used to validate
	// add_step's toolName.
	executionToolNames map[string]struct{}

	current            *plan.Plan
	phasesByID         map[string]*plan.Phase
	stepsByID          map[string]*plan.Step
	phaseResults       map[string][]plan.StepResult
	createPlanAttempts int
	finalizeFailures   int
}

// New constructs a Planner. executionToolNames is typically
// (*tooling.Registry).Names().
func New(client chatmodel.Client, model string, store eventlog.Store, executionToolNames []string) *Planner {
	set := make(map[string]struct{}, len(executionToolNames))
	for _, n := range executionToolNames {
		set[n] = struct{}{}
	}
	return &Planner{client: client, model: model, store: store, executionToolNames: set}
}

func (p *Planner) reset() {
	p.current = nil
	p.phasesByID = make(map[string]*plan.Phase)
	p.stepsByID = make(map[string]*plan.Step)
	p.phaseResults = make(map[string][]plan.StepResult)
	p.createPlanAttempts = 0
	p.finalizeFailures = 0
}

// SetPhaseResults records results for phaseID so a later get_phase_results
// tool-call or Replan transcript can consult them.
func (p *Planner) SetPhaseResults(phaseID string, results []plan.StepResult) {
	if p.phaseResults == nil {
		p.phaseResults = make(map[string][]plan.StepResult)
	}
	p.phaseResults[phaseID] = results
}

// CreatePlan builds a fresh Plan for query via the planning tool-call loop.
func (p *Planner) CreatePlan(ctx context.Context, query, sessionID string) (*plan.Plan, error) {
	p.reset()
	return p.runPlanningLoop(ctx, sessionID, []chatmodel.Message{
		{Role: chatmodel.RoleSystem, Parts: []chatmodel.Part{chatmodel.TextPart{Text: p.planningSystemPrompt()}}},
		{Role: chatmodel.RoleUser, Parts: []chatmodel.Part{chatmodel.TextPart{Text: query}}},
	})
}

// RegeneratePlanWithFeedback is CreatePlan plus an explicit structured
// critique appended to the transcript ahead of the loop.
func (p *Planner) RegeneratePlanWithFeedback(ctx context.Context, query, sessionID string, feedback Feedback) (*plan.Plan, error) {
	p.reset()
	return p.runPlanningLoop(ctx, sessionID, []chatmodel.Message{
		{Role: chatmodel.RoleSystem, Parts: []chatmodel.Part{chatmodel.TextPart{Text: p.planningSystemPrompt()}}},
		{Role: chatmodel.RoleUser, Parts: []chatmodel.Part{chatmodel.TextPart{Text: query}}},
		{Role: chatmodel.RoleUser, Parts: []chatmodel.Part{chatmodel.TextPart{Text: formatFeedback(feedback)}}},
	})
}

func formatFeedback(f Feedback) string {
	var b strings.Builder
	b.WriteString("The previous plan did not pass evaluation.\n")
	if f.Critique != "" {
		fmt.Fprintf(&b, "Critique: %s\n", f.Critique)
	}
	if len(f.FailingDimensions) > 0 {
		fmt.Fprintf(&b, "Failing dimensions: %s\n", strings.Join(f.FailingDimensions, ", "))
	}
	for _, issue := range f.Issues {
		fmt.Fprintf(&b, "- problem: %s; fix: %s\n", issue.Problem, issue.Fix)
	}
	b.WriteString("Please produce a revised plan addressing these issues.")
	return b.String()
}

func (p *Planner) planningSystemPrompt() string {
	var names []string
	for n := range p.executionToolNames {
		names = append(names, n)
	}
	return fmt.Sprintf(
		"You are a research planner. Build a plan of phases and steps to answer the user's query. "+
			"Available execution tools: %s. Call create_plan first, then add_phase/add_step to build out "+
			"the plan, then finalize_plan when every phase has at least one step.",
		strings.Join(names, ", "))
}

// runPlanningLoop drives the tool-call loop to completion, then applies the
// unconditional synthesis guarantee.
func (p *Planner) runPlanningLoop(ctx context.Context, sessionID string, transcript []chatmodel.Message) (*plan.Plan, error) {
	var toolNames []string
	for n := range p.executionToolNames {
		toolNames = append(toolNames, n)
	}
	p.emit(ctx, sessionID, eventlog.EventPlanningStarted, "", "", map[string]any{"tools": toolNames})

	tools := planningCatalog()
	finalized := false

	for i := 0; i < maxIterations && !finalized; i++ {
		p.emit(ctx, sessionID, eventlog.EventPlanningIter, "", "", map[string]any{"iteration": i})

		resp, err := p.client.Chat(ctx, chatmodel.ChatRequest{Model: p.model, Messages: transcript, Tools: tools})
		if err != nil {
			return nil, fmt.Errorf("planner: chat: %w", err)
		}

		calls := resp.Message.ToolCalls()
		transcript = append(transcript, resp.Message)

		if len(calls) == 0 {
			transcript = append(transcript, chatmodel.Message{
				Role:  chatmodel.RoleUser,
				Parts: []chatmodel.Part{chatmodel.TextPart{Text: "Continue building the plan using the available tools."}},
			})
			continue
		}

		for _, call := range calls {
			resultJSON, callErr := p.dispatch(ctx, sessionID, call.Name, call.Arguments)
			isError := callErr != nil
			content := resultJSON
			if callErr != nil {
				content = fmt.Sprintf(`{"error": %q}`, callErr.Error())
			}
			transcript = append(transcript, chatmodel.Message{
				Role: chatmodel.RoleTool,
				Parts: []chatmodel.Part{chatmodel.ToolResultPart{
					ToolCallID: call.ID,
					Content:    content,
					IsError:    isError,
				}},
			})
			if call.Name == "finalize_plan" && callErr == nil {
				finalized = true
			}
		}
	}

	if p.current == nil {
		return nil, ErrPlanningFailure
	}
	p.applySynthesisGuarantee(ctx, sessionID)
	return p.current, nil
}

// dispatch validates call arguments against the tool's schema, then routes
// to the matching state-mutation handler. It returns the JSON-encoded
// result payload (on success) and any error (reported back to the model as
// a structured tool result, never panicking the loop).
func (p *Planner) dispatch(ctx context.Context, sessionID, toolName string, rawArgs json.RawMessage) (string, error) {
	args, err := validateArguments(toolName, rawArgs)
	if err != nil {
		return "", err
	}

	if toolName != "create_plan" && p.current == nil {
		return "", fmt.Errorf(`no plan exists yet; call create_plan first (requiredAction: "create_plan")`)
	}

	var result any
	switch toolName {
	case "create_plan":
		result, err = p.handleCreatePlan(args)
	case "add_phase":
		result, err = p.handleAddPhase(ctx, sessionID, args)
	case "add_step":
		result, err = p.handleAddStep(ctx, sessionID, args)
	case "modify_step":
		result, err = p.handleModifyStep(ctx, sessionID, args)
	case "remove_step":
		result, err = p.handleRemoveStep(ctx, sessionID, args)
	case "skip_phase":
		result, err = p.handleSkipPhase(args)
	case "insert_phase_after":
		result, err = p.handleInsertPhaseAfter(args)
	case "get_plan_status":
		result, err = p.handleGetPlanStatus()
	case "get_phase_results":
		result, err = p.handleGetPhaseResults(args)
	case "finalize_plan":
		result, err = p.handleFinalizePlan(ctx, sessionID)
	default:
		err = fmt.Errorf("unknown planning tool %q", toolName)
	}
	if err != nil {
		return "", err
	}
	b, merr := json.Marshal(result)
	if merr != nil {
		return "", merr
	}
	return string(b), nil
}

func (p *Planner) handleCreatePlan(args map[string]any) (any, error) {
	p.createPlanAttempts++
	if p.createPlanAttempts > createPlanMaxAttempts {
		return nil, fmt.Errorf("create_plan called too many times (max %d)", createPlanMaxAttempts)
	}
	query, _ := args["query"].(string)
	p.current = &plan.Plan{ID: ids.Plan(), Query: query, Status: plan.StatusPlanning}
	return map[string]any{"planId": p.current.ID}, nil
}

func (p *Planner) handleAddPhase(ctx context.Context, sessionID string, args map[string]any) (any, error) {
	name, _ := args["name"].(string)
	description, _ := args["description"].(string)
	checkpoint, _ := args["replanCheckpoint"].(bool)

	ph := &plan.Phase{
		ID:               ids.Phase(),
		PlanID:           p.current.ID,
		Name:             name,
		Description:      description,
		Status:           plan.PhaseStatusPending,
		ReplanCheckpoint: checkpoint,
		Order:            len(p.current.Phases),
	}
	p.current.Phases = append(p.current.Phases, ph)
	p.phasesByID[ph.ID] = ph
	p.emit(ctx, sessionID, eventlog.EventPhaseAdded, ph.ID, "", map[string]any{"name": name})
	return map[string]any{"phaseId": ph.ID}, nil
}

func (p *Planner) handleAddStep(ctx context.Context, sessionID string, args map[string]any) (any, error) {
	phaseID, _ := args["phaseId"].(string)
	ph, ok := p.phasesByID[phaseID]
	if !ok {
		return nil, fmt.Errorf("unknown phaseId %q", phaseID)
	}
	toolName, _ := args["toolName"].(string)
	if toolName == "" {
		return nil, errors.New("toolName is required")
	}
	if _, known := p.executionToolNames[toolName]; !known {
		return nil, fmt.Errorf("unknown toolName %q", toolName)
	}
	config, _ := args["config"].(map[string]any)
	if len(config) == 0 {
		return nil, fmt.Errorf("config must be non-empty for tool %q", toolName)
	}
	if err := plan.ValidateStepConfig(toolName, config); err != nil {
		return nil, err
	}

	stepType := plan.StepTypeToolCall
	if t, ok := args["type"].(string); ok && t != "" {
		stepType = plan.StepType(t)
	}

	deps := make(map[string]struct{})
	if rawDeps, ok := args["dependsOn"].([]any); ok {
		for _, d := range rawDeps {
			if s, ok := d.(string); ok {
				deps[s] = struct{}{}
			}
		}
	}

	step := &plan.Step{
		ID:           ids.Step(),
		PhaseID:      ph.ID,
		Type:         stepType,
		ToolName:     toolName,
		Config:       config,
		Dependencies: deps,
		Status:       plan.StepStatusPending,
		Order:        len(ph.Steps),
	}
	ph.Steps = append(ph.Steps, step)
	p.stepsByID[step.ID] = step
	p.emit(ctx, sessionID, eventlog.EventStepAdded, ph.ID, step.ID, map[string]any{"toolName": toolName})
	return map[string]any{"stepId": step.ID}, nil
}

func (p *Planner) handleModifyStep(ctx context.Context, sessionID string, args map[string]any) (any, error) {
	stepID, _ := args["stepId"].(string)
	step, ok := p.stepsByID[stepID]
	if !ok {
		return nil, fmt.Errorf("unknown stepId %q", stepID)
	}
	changes, _ := args["changes"].(map[string]any)
	if toolName, ok := changes["toolName"].(string); ok && toolName != "" {
		step.ToolName = toolName
	}
	if config, ok := changes["config"].(map[string]any); ok {
		step.Config = config
	}
	if rawDeps, ok := changes["dependsOn"].([]any); ok {
		deps := make(map[string]struct{})
		for _, d := range rawDeps {
			if s, ok := d.(string); ok {
				deps[s] = struct{}{}
			}
		}
		step.Dependencies = deps
	}
	p.emit(ctx, sessionID, eventlog.EventStepModified, step.PhaseID, step.ID, map[string]any{"changes": changes})
	return map[string]any{"stepId": step.ID}, nil
}

func (p *Planner) handleRemoveStep(ctx context.Context, sessionID string, args map[string]any) (any, error) {
	stepID, _ := args["stepId"].(string)
	step, ok := p.stepsByID[stepID]
	if !ok {
		return nil, fmt.Errorf("unknown stepId %q", stepID)
	}
	ph := p.phasesByID[step.PhaseID]
	for i, s := range ph.Steps {
		if s.ID == stepID {
			ph.Steps = append(ph.Steps[:i], ph.Steps[i+1:]...)
			break
		}
	}
	delete(p.stepsByID, stepID)
	reason, _ := args["reason"].(string)
	p.emit(ctx, sessionID, eventlog.EventStepRemoved, step.PhaseID, stepID, map[string]any{"reason": reason})
	return map[string]any{"removed": true}, nil
}

func (p *Planner) handleSkipPhase(args map[string]any) (any, error) {
	phaseID, _ := args["phaseId"].(string)
	ph, ok := p.phasesByID[phaseID]
	if !ok {
		return nil, fmt.Errorf("unknown phaseId %q", phaseID)
	}
	ph.Status = plan.PhaseStatusSkipped
	return map[string]any{"phaseId": ph.ID, "status": ph.Status}, nil
}

func (p *Planner) handleInsertPhaseAfter(args map[string]any) (any, error) {
	afterID, _ := args["afterPhaseId"].(string)
	idx := -1
	for i, ph := range p.current.Phases {
		if ph.ID == afterID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("unknown afterPhaseId %q", afterID)
	}
	name, _ := args["name"].(string)
	description, _ := args["description"].(string)
	checkpoint, _ := args["replanCheckpoint"].(bool)
	ph := &plan.Phase{
		ID:               ids.Phase(),
		PlanID:           p.current.ID,
		Name:             name,
		Description:      description,
		Status:           plan.PhaseStatusPending,
		ReplanCheckpoint: checkpoint,
	}
	phases := make([]*plan.Phase, 0, len(p.current.Phases)+1)
	phases = append(phases, p.current.Phases[:idx+1]...)
	phases = append(phases, ph)
	phases = append(phases, p.current.Phases[idx+1:]...)
	for i, pp := range phases {
		pp.Order = i
	}
	p.current.Phases = phases
	p.phasesByID[ph.ID] = ph
	return map[string]any{"phaseId": ph.ID}, nil
}

func (p *Planner) handleGetPlanStatus() (any, error) {
	type phaseStatus struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Status    string `json:"status"`
		StepCount int    `json:"stepCount"`
	}
	out := struct {
		Status string        `json:"status"`
		Phases []phaseStatus `json:"phases"`
	}{Status: string(p.current.Status)}
	for _, ph := range p.current.Phases {
		out.Phases = append(out.Phases, phaseStatus{ID: ph.ID, Name: ph.Name, Status: string(ph.Status), StepCount: len(ph.Steps)})
	}
	return out, nil
}

func (p *Planner) handleGetPhaseResults(args map[string]any) (any, error) {
	phaseID, _ := args["phaseId"].(string)
	results, ok := p.phaseResults[phaseID]
	if !ok {
		return map[string]any{"phaseId": phaseID, "results": []any{}}, nil
	}
	type summary struct {
		StepID    string `json:"stepId"`
		Status    string `json:"status"`
		HasOutput bool   `json:"hasOutput"`
	}
	var out []summary
	for _, r := range results {
		out = append(out, summary{StepID: r.StepID, Status: string(r.Status), HasOutput: r.Output != nil})
	}
	return map[string]any{"phaseId": phaseID, "results": out}, nil
}

func (p *Planner) handleFinalizePlan(ctx context.Context, sessionID string) (any, error) {
	empty := emptyNonSkippedPhases(p.current)
	if len(empty) == 0 {
		p.current.Status = plan.StatusExecuting
		return map[string]any{"finalized": true}, nil
	}

	p.finalizeFailures++
	if p.finalizeFailures == 1 {
		return nil, fmt.Errorf("phases %v have no steps; add at least one step to each before finalizing", empty)
	}

	// Second consecutive failure: auto-recovery synthesizes a default step
	// for every empty phase.
	for _, phaseID := range empty {
		ph := p.phasesByID[phaseID]
		step := defaultStepForPhase(ph)
		ph.Steps = append(ph.Steps, step)
		p.stepsByID[step.ID] = step
		p.emit(ctx, sessionID, eventlog.EventStepAutoAdded, ph.ID, step.ID, map[string]any{"toolName": step.ToolName})
	}
	p.emit(ctx, sessionID, eventlog.EventAutoRecovery, "", "", map[string]any{"emptyPhases": empty})
	p.current.Status = plan.StatusExecuting
	return map[string]any{"finalized": true, "autoRecovered": empty}, nil
}

func emptyNonSkippedPhases(p *plan.Plan) []string {
	var out []string
	for _, ph := range p.Phases {
		if ph.Status == plan.PhaseStatusSkipped {
			continue
		}
		if len(ph.Steps) == 0 {
			out = append(out, ph.ID)
		}
	}
	return out
}

// defaultStepForPhase synthesizes a step keyed off the phase's name, per
// the auto-recovery heuristic: "search" -> tavily_search, "fetch" ->
// web_fetch, "synth..." -> synthesize, otherwise tavily_search.
func defaultStepForPhase(ph *plan.Phase) *plan.Step {
	lower := strings.ToLower(ph.Name)
	toolName := "tavily_search"
	var config map[string]any
	switch {
	case strings.Contains(lower, "synth"):
		toolName = "synthesize"
		prompt := ph.Description
		if prompt == "" {
			prompt = ph.Name
		}
		config = map[string]any{"prompt": prompt}
	case strings.Contains(lower, "fetch"):
		toolName = "web_fetch"
		config = map[string]any{"url": ""}
	case strings.Contains(lower, "search"):
		fallthrough
	default:
		query := ph.Description
		if query == "" {
			query = ph.Name
		}
		config = map[string]any{"query": query, "max_results": 5}
	}
	return &plan.Step{
		ID:       ids.Step(),
		PhaseID:  ph.ID,
		Type:     plan.StepTypeToolCall,
		ToolName: toolName,
		Config:   config,
		Status:   plan.StepStatusPending,
		Order:    len(ph.Steps),
	}
}

var synthesisPhaseNameMarkers = []string{"synth", "answer", "final", "summary", "conclusion"}

// applySynthesisGuarantee scans the finalized plan and appends a
// Synthesis & Answer Generation phase if nothing in the plan already
// produces a synthesized answer. Idempotent: running it again on an
// already-guaranteed plan is a no-op.
func (p *Planner) applySynthesisGuarantee(ctx context.Context, sessionID string) {
	if planHasSynthesis(p.current) {
		return
	}
	ph := &plan.Phase{
		ID:     ids.Phase(),
		PlanID: p.current.ID,
		Name:   "Synthesis & Answer Generation",
		Status: plan.PhaseStatusPending,
		Order:  len(p.current.Phases),
	}
	step := &plan.Step{
		ID:       ids.Step(),
		PhaseID:  ph.ID,
		Type:     plan.StepTypeToolCall,
		ToolName: "synthesize",
		Config:   map[string]any{"prompt": p.current.Query},
		Status:   plan.StepStatusPending,
	}
	ph.Steps = append(ph.Steps, step)
	p.current.Phases = append(p.current.Phases, ph)
	p.phasesByID[ph.ID] = ph
	p.stepsByID[step.ID] = step
	p.emit(ctx, sessionID, eventlog.EventSynthesisAdded, ph.ID, step.ID, nil)
}

func planHasSynthesis(p *plan.Plan) bool {
	for _, ph := range p.Phases {
		lowerName := strings.ToLower(ph.Name)
		for _, marker := range synthesisPhaseNameMarkers {
			if strings.Contains(lowerName, marker) {
				return true
			}
		}
		for _, s := range ph.Steps {
			if strings.Contains(s.ToolName, "synth") || s.ToolName == "llm" || s.ToolName == "text_synthesis" {
				return true
			}
		}
	}
	return false
}

// FailureContext describes the failed Step DecideRecovery is asked to
// adjudicate.
type FailureContext struct {
	StepID   string
	PhaseID  string
	ToolName string
	Config   map[string]any
	Error    string
}

// Replan borrows plan p for the duration of one LLM turn, offering it the
// same planning tool catalog used during initial construction. Used both
// after a replanCheckpoint Phase completes and after a Phase failure.
// Resolves Open Question #1: Replan may add Steps to completedPhase even
// though it has already run — the Phase Executor re-runs exactly the
// newly-added pending Steps and merges their results into the existing
// PhaseResult.
func (p *Planner) Replan(ctx context.Context, pl *plan.Plan, completedPhase *plan.Phase, phaseResult plan.PhaseResult, sessionID string, failure *FailureInfo) (ReplanResult, error) {
	p.current = pl
	p.rebuildIndices(pl)

	p.emit(ctx, sessionID, eventlog.EventReplanTriggered, completedPhaseID(completedPhase), "", map[string]any{
		"phaseStatus": phaseResult.Status,
	})

	transcript := []chatmodel.Message{
		{Role: chatmodel.RoleSystem, Parts: []chatmodel.Part{chatmodel.TextPart{Text: p.planningSystemPrompt()}}},
		{Role: chatmodel.RoleUser, Parts: []chatmodel.Part{chatmodel.TextPart{Text: replanTranscript(pl, completedPhase, phaseResult, failure)}}},
	}

	resp, err := p.client.Chat(ctx, chatmodel.ChatRequest{Model: p.model, Messages: transcript, Tools: planningCatalog()})
	if err != nil {
		return ReplanResult{}, fmt.Errorf("planner: replan chat: %w", err)
	}

	modified := false
	for _, c := range resp.Message.ToolCalls() {
		_, callErr := p.dispatch(ctx, sessionID, c.Name, c.Arguments)
		if callErr == nil && c.Name != "get_plan_status" && c.Name != "get_phase_results" {
			modified = true
		}
	}

	p.emit(ctx, sessionID, eventlog.EventReplanCompleted, completedPhaseID(completedPhase), "", map[string]any{"modified": modified})
	return ReplanResult{Plan: p.current, Modified: modified}, nil
}

func completedPhaseID(ph *plan.Phase) string {
	if ph == nil {
		return ""
	}
	return ph.ID
}

func replanTranscript(pl *plan.Plan, completedPhase *plan.Phase, phaseResult plan.PhaseResult, failure *FailureInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan for query %q has %d phases.\n", pl.Query, len(pl.Phases))
	if completedPhase != nil {
		fmt.Fprintf(&b, "Phase %q (%s) just completed with status %s.\n", completedPhase.Name, completedPhase.ID, phaseResult.Status)
		for _, r := range phaseResult.StepResults {
			fmt.Fprintf(&b, "- step %s: status=%s hasOutput=%v\n", r.StepID, r.Status, r.Output != nil)
		}
	}
	if failure != nil {
		fmt.Fprintf(&b, "Failure: step %s: %s\n", failure.StepID, failure.Message)
	}
	b.WriteString("Remaining phases: ")
	var names []string
	for _, ph := range pl.Phases {
		if ph.Status == plan.PhaseStatusPending {
			names = append(names, ph.Name)
		}
	}
	b.WriteString(strings.Join(names, ", "))
	b.WriteString("\nRevise the plan if needed using the planning tools, or call get_plan_status/finalize_plan if no change is needed.")
	return b.String()
}

// rebuildIndices repopulates phasesByID/stepsByID/createPlanAttempts-free
// state from an externally supplied Plan, since Replan receives a Plan the
// Planner did not itself construct via CreatePlan.
func (p *Planner) rebuildIndices(pl *plan.Plan) {
	p.phasesByID = make(map[string]*plan.Phase)
	p.stepsByID = make(map[string]*plan.Step)
	for _, ph := range pl.Phases {
		p.phasesByID[ph.ID] = ph
		for _, s := range ph.Steps {
			p.stepsByID[s.ID] = s
		}
	}
}

// DecideRecovery runs one LLM turn with the recovery tool catalog to decide
// how to handle a failed Step.
func (p *Planner) DecideRecovery(ctx context.Context, failureCtx FailureContext, sessionID string) (RecoveryDecision, error) {
	prompt := fmt.Sprintf(
		"Step %s (tool %q) failed: %s\nDecide how to proceed using exactly one recovery tool.",
		failureCtx.StepID, failureCtx.ToolName, failureCtx.Error)

	resp, err := p.client.Chat(ctx, chatmodel.ChatRequest{
		Model: p.model,
		Messages: []chatmodel.Message{
			{Role: chatmodel.RoleSystem, Parts: []chatmodel.Part{chatmodel.TextPart{Text: "You are a research recovery adjudicator."}}},
			{Role: chatmodel.RoleUser, Parts: []chatmodel.Part{chatmodel.TextPart{Text: prompt}}},
		},
		Tools: recoveryCatalog(),
	})
	if err != nil {
		return RecoveryDecision{}, fmt.Errorf("planner: recovery chat: %w", err)
	}

	calls := resp.Message.ToolCalls()
	if len(calls) == 0 {
		return RecoveryDecision{Action: RecoveryAbort, Reason: "No recovery decision made by planner"}, nil
	}

	call := calls[0]
	args, err := validateArguments(call.Name, call.Arguments)
	if err != nil {
		return RecoveryDecision{Action: RecoveryAbort, Reason: err.Error()}, nil
	}

	switch call.Name {
	case "retry_step":
		reason, _ := args["reason"].(string)
		retryConfig, _ := args["modifiedConfig"].(map[string]any)
		return RecoveryDecision{Action: RecoveryRetry, Reason: reason, RetryWithConfig: retryConfig}, nil
	case "skip_step":
		reason, _ := args["reason"].(string)
		return RecoveryDecision{Action: RecoverySkip, Reason: reason}, nil
	case "replace_step":
		reason, _ := args["reason"].(string)
		altTool, _ := args["alternativeToolName"].(string)
		altConfig, _ := args["alternativeConfig"].(map[string]any)
		altStep := &plan.Step{
			ID:       ids.Step(),
			PhaseID:  failureCtx.PhaseID,
			Type:     plan.StepTypeToolCall,
			ToolName: altTool,
			Config:   altConfig,
			Status:   plan.StepStatusPending,
		}
		return RecoveryDecision{Action: RecoveryAlternative, Reason: reason, AlternativeSteps: []*plan.Step{altStep}}, nil
	case "abort_plan":
		reason, _ := args["reason"].(string)
		return RecoveryDecision{Action: RecoveryAbort, Reason: reason}, nil
	default:
		return RecoveryDecision{Action: RecoveryAbort, Reason: fmt.Sprintf("unrecognized recovery tool %q", call.Name)}, nil
	}
}

func (p *Planner) emit(ctx context.Context, sessionID string, eventType eventlog.EventType, phaseID, stepID string, data map[string]any) {
	if p.store == nil {
		return
	}
	_, _ = p.store.Append(ctx, eventlog.LogEntry{
		ID:        ids.LogEntry(),
		SessionID: sessionID,
		EventType: eventType,
		PhaseID:   phaseID,
		StepID:    stepID,
		Data:      data,
	})
}
