// Package orchestrator implements the session state machine that drives a
// query from intake to a persisted ResearchResult: decompose, plan,
// evaluate, execute phase by phase, replan and recover on failure, then
// extract and persist an answer. It is the one package that wires every
// other kernel component together; nothing downstream of it imports it.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"deepresearch/chatmodel"
	"deepresearch/config"
	"deepresearch/coverage"
	"deepresearch/decompose"
	"deepresearch/eventlog"
	"deepresearch/extract"
	"deepresearch/ids"
	"deepresearch/memory"
	"deepresearch/phaseexec"
	"deepresearch/plan"
	"deepresearch/planner"
	"deepresearch/resultstore"
	"deepresearch/stepexec"
	"deepresearch/telemetry"
	"deepresearch/tooling"
)

// Orchestrator ties the Planner, Phase Executor, Query Decomposer, Coverage
// Analyzer, Result Extractor, and ResearchResult Store into one session
// state machine.
type Orchestrator struct {
	client   chatmodel.Client
	model    string
	store    eventlog.Store
	memory   memory.Store
	registry *tooling.Registry
	results  resultstore.Store
	cfg      config.Config
	tracer   telemetry.Tracer

	stepRunner  *stepexec.Executor
	phaseRunner *phaseexec.Executor
	decomposer  *decompose.Decomposer
	analyzer    *coverage.Analyzer
	planEval    coverage.PlanEvaluator
	retrEval    coverage.RetrievalEvaluator
	answerEval  coverage.AnswerEvaluator
}

// New constructs an Orchestrator. registry must already have every tool the
// Planner might call registered; its Names() feeds the Planner's closed
// planning-tool catalog.
func New(client chatmodel.Client, store eventlog.Store, mem memory.Store, registry *tooling.Registry, results resultstore.Store, cfg config.Config) *Orchestrator {
	stepRunner := stepexec.New(registry, store).WithTimeout(cfg.StepTimeout)
	return &Orchestrator{
		client:      client,
		model:       cfg.LLMModel,
		store:       store,
		memory:      mem,
		registry:    registry,
		results:     results,
		cfg:         cfg,
		tracer:      telemetry.NewNoopTracer(),
		stepRunner:  stepRunner,
		phaseRunner: phaseexec.New(stepRunner, store).WithTimeout(cfg.PhaseTimeout),
		decomposer:  decompose.New(client, cfg.LLMModel, store),
		analyzer:    coverage.NewAnalyzer(client, cfg.LLMModel, store),
		planEval:    coverage.NewPlanEvaluator(),
		retrEval:    coverage.NewRetrievalEvaluator(),
		answerEval:  coverage.NewAnswerEvaluator(),
	}
}

// WithTracer returns a copy of the Orchestrator that traces each session's
// Phase and Step executions via tracer, instead of discarding spans. Every
// session run through the returned Orchestrator opens one root span; each
// Phase and Step run within that session nests under it.
func (o *Orchestrator) WithTracer(tracer telemetry.Tracer) *Orchestrator {
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	cp := *o
	cp.tracer = tracer
	cp.stepRunner = o.stepRunner.WithTracer(tracer)
	cp.phaseRunner = phaseexec.New(cp.stepRunner, o.store).WithTracer(tracer).WithTimeout(o.cfg.PhaseTimeout)
	return &cp
}

// newPlanner builds a fresh Planner scoped to one session. The Planner
// keeps per-session mutable state (phasesByID, attempt counters), so the
// Orchestrator never shares one across sessions or sub-queries.
func (o *Orchestrator) newPlanner() *planner.Planner {
	return planner.New(o.client, o.model, o.store, o.registry.Names())
}

// ExecuteResearch is the default entry point. It decomposes the query
// first: complex queries route to the decomposed path, everything else runs
// the simple path — one Plan, built and evaluated up to MaxPlanAttempts times
// (regenerating after each failing evaluation but the last), then executed phase by phase with
// replan checkpoints and failure recovery, and the final answer extracted
// and persisted.
func (o *Orchestrator) ExecuteResearch(ctx context.Context, query string, sessionID string) (*resultstore.ResearchResult, error) {
	if sessionID == "" {
		sessionID = ids.Session()
	}
	ctx, span := o.tracer.Start(ctx, "session.executeResearch",
		attribute.String("deepresearch.session_id", sessionID),
	)
	defer span.End()
	o.emit(ctx, sessionID, eventlog.EventSessionStarted, "", "", map[string]any{"query": query})

	o.initWorkingMemory(sessionID, query)
	defer o.memory.Cleanup(sessionID)

	// A decomposition failure degrades to the simple path rather than
	// failing the session: the Decomposer has already logged the error on
	// decomposition_completed, and a single-plan run is always a valid
	// answer strategy.
	decomposition, derr := o.decomposer.DecomposeQuery(ctx, query, sessionID)
	if derr == nil {
		o.memory.SetScratchPadValue(sessionID, "decomposition", decomposition)
		if decomposition.IsComplex && len(decomposition.SubQueries) > 0 {
			return o.runDecomposed(ctx, span, query, sessionID, decomposition, 0)
		}
	}
	return o.runSimple(ctx, span, query, sessionID)
}

// executeSimpleSession bootstraps a fresh session and runs the simple path
// without consulting the Decomposer. The decomposed path uses it for each
// nested sub-query research, where re-decomposing would recurse unboundedly.
func (o *Orchestrator) executeSimpleSession(ctx context.Context, query, sessionID string) (*resultstore.ResearchResult, error) {
	if sessionID == "" {
		sessionID = ids.Session()
	}
	ctx, span := o.tracer.Start(ctx, "session.executeResearch",
		attribute.String("deepresearch.session_id", sessionID),
	)
	defer span.End()
	o.emit(ctx, sessionID, eventlog.EventSessionStarted, "", "", map[string]any{"query": query})

	o.initWorkingMemory(sessionID, query)
	defer o.memory.Cleanup(sessionID)

	return o.runSimple(ctx, span, query, sessionID)
}

// initWorkingMemory seeds the session's Working Memory with the query as the
// primary goal plus the heuristic sub-goals derived from it.
func (o *Orchestrator) initWorkingMemory(sessionID, query string) {
	wm := o.memory.Initialize(sessionID, query)
	wm.PrimaryGoal = query
	for _, g := range deriveSubGoals(query) {
		o.memory.AddSubGoal(sessionID, g)
	}
}

// runSimple assumes the session is already bootstrapped (session_started
// emitted, Working Memory initialized) and runs plan-build, execution, and
// persistence to the terminal event.
func (o *Orchestrator) runSimple(ctx context.Context, span telemetry.Span, query, sessionID string) (*resultstore.ResearchResult, error) {
	p, err := o.buildAndEvaluatePlan(ctx, query, sessionID)
	if err != nil {
		o.emit(ctx, sessionID, eventlog.EventSessionFailed, "", "", map[string]any{"error": err.Error()})
		kerr := newKernelError(PlanningFailure, sessionID, "could not produce a plan", err)
		span.RecordError(kerr)
		return nil, kerr
	}
	o.emit(ctx, sessionID, eventlog.EventPlanCreated, "", "", map[string]any{"plan": planTree(p)})

	result, err := o.runPlan(ctx, p, query, sessionID)
	if err != nil {
		o.emit(ctx, sessionID, eventlog.EventSessionFailed, "", "", map[string]any{"error": err.Error()})
		span.RecordError(err)
		return nil, err
	}

	if err := o.results.Save(ctx, *result); err != nil {
		o.emit(ctx, sessionID, eventlog.EventSessionFailed, "", "", map[string]any{
			"error": fmt.Sprintf("persistence: %v", err),
		})
		// Persistence failure does not invalidate a completed session; the
		// caller still receives the in-memory result.
	}

	o.emit(ctx, sessionID, eventlog.EventSessionCompleted, "", "", map[string]any{"query": query})
	return result, nil
}

// planTree renders the full Plan as a nested map for the plan_created event.
func planTree(p *plan.Plan) map[string]any {
	phases := make([]map[string]any, 0, len(p.Phases))
	for _, ph := range p.Phases {
		steps := make([]map[string]any, 0, len(ph.Steps))
		for _, s := range ph.Steps {
			steps = append(steps, map[string]any{
				"id":       s.ID,
				"type":     string(s.Type),
				"toolName": s.ToolName,
				"order":    s.Order,
			})
		}
		phases = append(phases, map[string]any{
			"id":               ph.ID,
			"name":             ph.Name,
			"replanCheckpoint": ph.ReplanCheckpoint,
			"order":            ph.Order,
			"steps":            steps,
		})
	}
	return map[string]any{"id": p.ID, "query": p.Query, "status": string(p.Status), "phases": phases}
}

// buildAndEvaluatePlan runs CreatePlan, then evaluates up to
// cfg.MaxPlanAttempts Plans with the Plan Evaluator, regenerating with
// structured feedback after each failing evaluation but the last. If every attempt
// fails evaluation, the last Plan produced is still used (with a
// plan_evaluation_warning event) rather than failing the session outright.
func (o *Orchestrator) buildAndEvaluatePlan(ctx context.Context, query, sessionID string) (*plan.Plan, error) {
	pl := o.newPlanner()

	p, err := pl.CreatePlan(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}

	maxAttempts := o.cfg.MaxPlanAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		o.emit(ctx, sessionID, eventlog.EventEvaluationStarted, "", "", map[string]any{"attempt": attempt})
		verdict, evalErr := o.planEval.Evaluate(ctx, p)
		o.emit(ctx, sessionID, eventlog.EventEvaluationCompleted, "", "", map[string]any{"attempt": attempt})
		if evalErr != nil || verdict.EvaluationSkipped || verdict.Passed {
			return p, nil
		}
		if attempt == maxAttempts {
			break
		}

		o.emit(ctx, sessionID, eventlog.EventPlanRegenStarted, "", "", map[string]any{
			"attempt":  attempt,
			"critique": verdict.Critique,
		})
		var issues []planner.FeedbackIssue
		for _, i := range verdict.Issues {
			issues = append(issues, planner.FeedbackIssue{Problem: i.Problem, Fix: i.Fix})
		}
		regenerated, regenErr := pl.RegeneratePlanWithFeedback(ctx, query, sessionID, planner.Feedback{
			Critique:          verdict.Critique,
			FailingDimensions: verdict.FailingDimensions,
			Issues:            issues,
		})
		if regenErr != nil {
			// Keep the plan we already have rather than fail the session.
			o.emit(ctx, sessionID, eventlog.EventPlanEvalWarning, "", "", map[string]any{
				"reason": "regeneration failed, proceeding with prior plan",
			})
			return p, nil
		}
		p = regenerated
	}

	o.emit(ctx, sessionID, eventlog.EventPlanEvalWarning, "", "", map[string]any{
		"reason": "plan still failing evaluation after max attempts, proceeding anyway",
	})
	return p, nil
}

// runPlan executes every non-skipped Phase of p in order, handling replan
// checkpoints and step-level failure recovery, then extracts the final
// answer and sources.
func (o *Orchestrator) runPlan(ctx context.Context, p *plan.Plan, query, sessionID string) (*resultstore.ResearchResult, error) {
	start := time.Now()
	pl := o.newPlanner()

	accumulated := make(stepexec.PriorResults)
	var allResults []plan.StepResult
	var sources []extract.Source
	answer := ""
	var phaseTimings []resultstore.PhaseTiming
	retrievalEvaluated := false

	for i := range p.Phases {
		phase := p.Phases[i]
		if phase.Status == plan.PhaseStatusSkipped {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, newKernelError(Cancelled, sessionID, "context cancelled mid-session", ctx.Err())
		default:
		}

		o.memory.UpdatePhase(sessionID, phase.Name, phase.Order)
		phaseStart := time.Now()
		phaseResult := o.phaseRunner.Run(ctx, sessionID, query, phase, accumulated)

		if phase.ReplanCheckpoint && phaseResult.Status == plan.PhaseStatusCompleted {
			o.applyReplanCheckpoint(ctx, p, phase, &phaseResult, query, sessionID, accumulated, &allResults)
		}

		if phaseResult.Status == plan.PhaseStatusFailed {
			recovered, recErr := o.recoverFromFailure(ctx, pl, phase, &phaseResult, query, sessionID, accumulated)
			if recErr != nil {
				phaseTimings = append(phaseTimings, resultstore.PhaseTiming{Phase: phase.Name, ExecutionTime: time.Since(phaseStart)})
				return nil, recErr
			}
			if recovered {
				// Planner decided to skip this phase's failure and move on.
				phaseResult.Status = plan.PhaseStatusCompleted
			}
		}

		for _, r := range phaseResult.StepResults {
			accumulated[r.StepID] = r
		}
		allResults = append(allResults, phaseResult.StepResults...)
		pl.SetPhaseResults(phase.ID, phaseResult.StepResults)
		phaseTimings = append(phaseTimings, resultstore.PhaseTiming{Phase: phase.Name, ExecutionTime: time.Since(phaseStart)})

		sources = mergeSources(sources, extract.Sources(phaseResult.StepResults))
		if out := extract.Output(phaseResult.StepResults); out != "" {
			answer = out
		}

		if !retrievalEvaluated && looksLikeRetrievalPhase(phase.Name) {
			if searchResults := collectSearchResults(phaseResult.StepResults); len(searchResults) > 0 {
				retrievalEvaluated = true
				verdict, evalErr := o.retrEval.Evaluate(ctx, coverage.RetrievalInput{Query: query, Results: searchResults})
				if evalErr == nil {
					o.emit(ctx, sessionID, eventlog.EventCoverageChecked, phase.ID, "", map[string]any{
						"confidence": verdict.Confidence,
					})
				}
			}
		}
	}

	confidence := o.evaluateAnswer(ctx, query, answer)

	sourceRefs := make([]resultstore.SourceRef, 0, len(sources))
	for _, s := range sources {
		sourceRefs = append(sourceRefs, resultstore.SourceRef{URL: s.URL, Title: s.Title, Relevance: string(s.Relevance)})
	}

	result := &resultstore.ResearchResult{
		SessionID:  sessionID,
		PlanID:     p.ID,
		Query:      query,
		Answer:     answer,
		Sources:    sourceRefs,
		Confidence: confidence,
		Metadata: resultstore.Metadata{
			TotalExecutionTime: time.Since(start),
			Phases:             phaseTimings,
		},
	}
	return result, nil
}

// applyReplanCheckpoint lets Replan add Steps to completedPhase even though
// it has already run. Those new Steps are re-executed here, in isolation,
// and their results merged into phaseResult rather than re-running the
// whole Phase.
func (o *Orchestrator) applyReplanCheckpoint(ctx context.Context, p *plan.Plan, phase *plan.Phase, phaseResult *plan.PhaseResult, query, sessionID string, accumulated stepexec.PriorResults, allResults *[]plan.StepResult) {
	pl := o.newPlanner()
	replanResult, err := pl.Replan(ctx, p, phase, *phaseResult, sessionID, nil)
	if err != nil || !replanResult.Modified {
		return
	}

	pending := stepsWithStatus(phase, plan.StepStatusPending)
	if len(pending) == 0 {
		return
	}
	subPhase := &plan.Phase{ID: phase.ID, PlanID: phase.PlanID, Name: phase.Name, Steps: pending}
	rerun := o.phaseRunner.Run(ctx, sessionID, query, subPhase, accumulated)
	phaseResult.StepResults = append(phaseResult.StepResults, rerun.StepResults...)
	*allResults = append(*allResults, rerun.StepResults...)
	if rerun.Status == plan.PhaseStatusFailed {
		phaseResult.Status = plan.PhaseStatusFailed
		phaseResult.Error = rerun.Error
		return
	}
	o.emit(ctx, sessionID, eventlog.EventPhaseCompleted, phase.ID, "", map[string]any{"reason": "replan_execution"})
}

// recoverFromFailure asks the Planner's recovery decision for a failed
// Phase and carries it out. It returns recovered=true when the session
// should continue as if the phase had completed (skip, retry-succeeded, or
// alternative-succeeded), and a non-nil error when the session must stop:
// the decision is to abort, a retried or alternative Step fails again, or
// the action is not recognized.
func (o *Orchestrator) recoverFromFailure(ctx context.Context, pl *planner.Planner, phase *plan.Phase, phaseResult *plan.PhaseResult, query, sessionID string, accumulated stepexec.PriorResults) (bool, error) {
	failed := phaseResult.FirstFailed()
	if failed == nil {
		return true, nil
	}

	failureCtx := planner.FailureContext{StepID: failed.StepID, PhaseID: phase.ID, ToolName: failed.ToolName}
	if failed.Error != nil {
		failureCtx.Error = failed.Error.Message
	}
	if step := findStep(phase, failed.StepID); step != nil {
		failureCtx.Config = step.Config
	}

	decision, err := pl.DecideRecovery(ctx, failureCtx, sessionID)
	if err != nil {
		decision = planner.RecoveryDecision{Action: planner.RecoveryAbort, Reason: "recovery decision failed: " + err.Error()}
	}

	switch decision.Action {
	case planner.RecoveryAbort:
		return false, newKernelError(ToolExecutionError, sessionID, "phase failed and planner decided to abort: "+decision.Reason, nil)

	case planner.RecoverySkip:
		return true, nil

	case planner.RecoveryRetry:
		step := findStep(phase, failed.StepID)
		if step == nil {
			return true, nil
		}
		if decision.RetryWithConfig != nil {
			step.Config = decision.RetryWithConfig
		}
		step.Status = plan.StepStatusPending
		retryResult := o.stepRunner.Run(ctx, sessionID, query, step, accumulated)
		replaceStepResult(phaseResult, retryResult)
		if retryResult.Status == plan.StepStatusFailed {
			return false, newKernelError(ToolExecutionError, sessionID, "retry also failed: "+step.ID, nil)
		}
		phaseResult.Status = plan.PhaseStatusCompleted
		return true, nil

	case planner.RecoveryAlternative:
		if len(decision.AlternativeSteps) == 0 {
			return true, nil
		}
		var altResults []plan.StepResult
		for _, alt := range decision.AlternativeSteps {
			altResults = append(altResults, o.stepRunner.Run(ctx, sessionID, query, alt, accumulated))
		}
		phaseResult.StepResults = append(phaseResult.StepResults, altResults...)
		phaseResult.Status = plan.PhaseStatusCompleted
		if failed := firstFailedResult(altResults); failed != nil {
			phaseResult.Status = plan.PhaseStatusFailed
			phaseResult.Error = failed.Error
			return false, newKernelError(ToolExecutionError, sessionID, "alternative step(s) also failed", nil)
		}
		return true, nil

	default:
		return false, newKernelError(ToolExecutionError, sessionID, "unrecognized recovery action", nil)
	}
}

// evaluateAnswer runs the Answer Evaluator best-effort: a failure or a
// skipped evaluation never fails the session, it just leaves Confidence nil.
func (o *Orchestrator) evaluateAnswer(ctx context.Context, query, answer string) *float64 {
	verdict, err := o.answerEval.Evaluate(ctx, coverage.AnswerInput{Query: query, Answer: answer})
	if err != nil || verdict.EvaluationSkipped {
		return nil
	}
	c := verdict.Confidence
	return &c
}

func (o *Orchestrator) emit(ctx context.Context, sessionID string, eventType eventlog.EventType, phaseID, stepID string, data map[string]any) {
	if o.store == nil {
		return
	}
	_, _ = o.store.Append(ctx, eventlog.LogEntry{
		ID:        ids.LogEntry(),
		SessionID: sessionID,
		EventType: eventType,
		PhaseID:   phaseID,
		StepID:    stepID,
		Data:      data,
	})
}

// deriveSubGoals classifies the query by keyword into prioritized research
// sub-goals. It is a heuristic seed for Working Memory, not a substitute for
// the Query Decomposer's LLM-driven split.
func deriveSubGoals(query string) []string {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	lower := strings.ToLower(query)
	var goals []string
	if containsAny(lower, "compare", "difference", "vs") {
		goals = append(goals, "Compare: identify and contrast the entities in the query")
	}
	if containsAny(lower, "how", "explain", "what is") {
		goals = append(goals, "Explain: describe the core concept and how it works")
	}
	if containsAny(lower, "when", "date", "year") {
		goals = append(goals, "Temporal: establish the relevant dates and timeline")
	}
	if containsAny(lower, "why", "reason") {
		goals = append(goals, "Causal: identify the underlying causes and reasons")
	}
	if containsAny(lower, "where", "location") {
		goals = append(goals, "Location: determine the relevant places")
	}
	if len(goals) == 0 {
		goals = append(goals, "Comprehensive: gather broad background on the query")
	}
	return goals
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func looksLikeRetrievalPhase(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "search") || strings.Contains(lower, "research") || strings.Contains(lower, "retriev") || strings.Contains(lower, "fetch")
}

func collectSearchResults(results []plan.StepResult) []plan.SearchResult {
	var out []plan.SearchResult
	for _, r := range results {
		if sr, ok := r.Output.([]plan.SearchResult); ok {
			out = append(out, sr...)
		}
	}
	return out
}

func mergeSources(existing []extract.Source, fresh []extract.Source) []extract.Source {
	seen := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		seen[s.URL] = struct{}{}
	}
	for _, s := range fresh {
		if _, ok := seen[s.URL]; ok {
			continue
		}
		seen[s.URL] = struct{}{}
		existing = append(existing, s)
	}
	return existing
}

func stepsWithStatus(phase *plan.Phase, status plan.StepStatus) []*plan.Step {
	var out []*plan.Step
	for _, s := range phase.Steps {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

func findStep(phase *plan.Phase, stepID string) *plan.Step {
	for _, s := range phase.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

func replaceStepResult(phaseResult *plan.PhaseResult, r plan.StepResult) {
	for i := range phaseResult.StepResults {
		if phaseResult.StepResults[i].StepID == r.StepID {
			phaseResult.StepResults[i] = r
			return
		}
	}
	phaseResult.StepResults = append(phaseResult.StepResults, r)
}

func firstFailedResult(results []plan.StepResult) *plan.StepResult {
	for i := range results {
		if results[i].Status == plan.StepStatusFailed {
			return &results[i]
		}
	}
	return nil
}
