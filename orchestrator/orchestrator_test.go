package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"deepresearch/chatmodel"
	"deepresearch/config"
	"deepresearch/decompose"
	"deepresearch/eventlog"
	"deepresearch/extract"
	"deepresearch/memory"
	"deepresearch/plan"
	"deepresearch/planner"
	"deepresearch/resultstore"
	"deepresearch/telemetry"
	"deepresearch/tooling"
)

// recordingTracer captures the names of spans started on it, used to assert
// that WithTracer actually threads through to the Phase and Step Executors
// the Orchestrator owns, not just the session span it opens itself.
type recordingTracer struct {
	started []string
}

func (r *recordingTracer) Start(ctx context.Context, name string, _ ...attribute.KeyValue) (context.Context, telemetry.Span) {
	r.started = append(r.started, name)
	return ctx, recordingSpan{}
}

type recordingSpan struct{}

func (recordingSpan) End()                               {}
func (recordingSpan) RecordError(error)                  {}
func (recordingSpan) SetAttributes(...attribute.KeyValue) {}

func decomposeSubQuery(id, text string) decompose.SubQuery {
	return decompose.SubQuery{ID: id, Text: text}
}

// --- pure helper tests ---

func TestDeriveSubGoalsClassifiesByKeyword(t *testing.T) {
	goals := deriveSubGoals("Compare Go and Rust: how do they differ and why?")
	require.Len(t, goals, 3)
	assert.Contains(t, goals[0], "Compare")
	assert.Contains(t, goals[1], "Explain")
	assert.Contains(t, goals[2], "Causal")
}

func TestDeriveSubGoalsDefaultsToComprehensive(t *testing.T) {
	goals := deriveSubGoals("Tell me about quantum computing")
	require.Len(t, goals, 1)
	assert.Contains(t, goals[0], "Comprehensive")
}

func TestLooksLikeRetrievalPhase(t *testing.T) {
	assert.True(t, looksLikeRetrievalPhase("Web Search"))
	assert.True(t, looksLikeRetrievalPhase("Research"))
	assert.False(t, looksLikeRetrievalPhase("Synthesis"))
}

func TestMergeSourcesDedupesByURL(t *testing.T) {
	existing := []extract.Source{{URL: "a"}}
	fresh := []extract.Source{{URL: "a"}, {URL: "b"}}
	merged := mergeSources(existing, fresh)
	assert.Len(t, merged, 2)
}

func TestStepsWithStatusFiltersByStatus(t *testing.T) {
	phase := &plan.Phase{Steps: []*plan.Step{
		{ID: "s1", Status: plan.StepStatusPending},
		{ID: "s2", Status: plan.StepStatusCompleted},
	}}
	pending := stepsWithStatus(phase, plan.StepStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, "s1", pending[0].ID)
}

func TestFindStepLocatesByID(t *testing.T) {
	phase := &plan.Phase{Steps: []*plan.Step{{ID: "s1"}, {ID: "s2"}}}
	assert.NotNil(t, findStep(phase, "s2"))
	assert.Nil(t, findStep(phase, "missing"))
}

func TestReplaceStepResultOverwritesExisting(t *testing.T) {
	pr := &plan.PhaseResult{StepResults: []plan.StepResult{{StepID: "s1", Status: plan.StepStatusFailed}}}
	replaceStepResult(pr, plan.StepResult{StepID: "s1", Status: plan.StepStatusCompleted})
	require.Len(t, pr.StepResults, 1)
	assert.Equal(t, plan.StepStatusCompleted, pr.StepResults[0].Status)
}

// --- integration fake wiring ---

// countAssistantTurns counts completed LLM turns already in the transcript,
// letting the fake planning client decide its next tool call purely from
// req.Messages rather than from any externally shared counter. This keeps
// it safe to reuse across concurrently running nested sessions.
func countAssistantTurns(messages []chatmodel.Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == chatmodel.RoleAssistant {
			n++
		}
	}
	return n
}

func toolNameSet(tools []chatmodel.ToolSpec) map[string]bool {
	out := make(map[string]bool, len(tools))
	for _, t := range tools {
		out[t.Name] = true
	}
	return out
}

func toolCallMsg(calls ...chatmodel.ToolCallPart) chatmodel.Message {
	parts := make([]chatmodel.Part, len(calls))
	for i, c := range calls {
		parts[i] = c
	}
	return chatmodel.Message{Role: chatmodel.RoleAssistant, Parts: parts}
}

func call(id, name string, args map[string]any) chatmodel.ToolCallPart {
	b, _ := json.Marshal(args)
	return chatmodel.ToolCallPart{ID: id, Name: name, Arguments: b}
}

func lastToolResultField(messages []chatmodel.Message, field string) string {
	for i := len(messages) - 1; i >= 0; i-- {
		for _, part := range messages[i].Parts {
			tr, ok := part.(chatmodel.ToolResultPart)
			if !ok {
				continue
			}
			var decoded map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &decoded); err != nil {
				continue
			}
			if v, ok := decoded[field].(string); ok {
				return v
			}
		}
	}
	return ""
}

func systemPromptContains(messages []chatmodel.Message, needle string) bool {
	for _, m := range messages {
		if m.Role != chatmodel.RoleSystem {
			continue
		}
		for _, p := range m.Parts {
			if tp, ok := p.(chatmodel.TextPart); ok && strings.Contains(tp.Text, needle) {
				return true
			}
		}
	}
	return false
}

// fakeResearchClient drives a full research session end to end: it builds
// a two-step plan (a search phase and an auto-synthesized answer phase)
// through the planning catalog, answers decomposition requests with
// decomposeResponse (falling back to plainResponse, whose non-JSON shape
// degrades the session to the simple path), and answers any other plain
// (non-tool) request with plainResponse.
type fakeResearchClient struct {
	plainResponse     string
	decomposeResponse string
	coverageResponse  string
}

func (f *fakeResearchClient) Chat(_ context.Context, req chatmodel.ChatRequest) (chatmodel.ChatResponse, error) {
	tools := toolNameSet(req.Tools)
	if len(tools) == 0 {
		text := f.plainResponse
		if f.decomposeResponse != "" && systemPromptContains(req.Messages, "decomposer") {
			text = f.decomposeResponse
		}
		if f.coverageResponse != "" && systemPromptContains(req.Messages, "how completely") {
			text = f.coverageResponse
		}
		return chatmodel.ChatResponse{
			Message: chatmodel.Message{Role: chatmodel.RoleAssistant, Parts: []chatmodel.Part{chatmodel.TextPart{Text: text}}},
		}, nil
	}

	switch countAssistantTurns(req.Messages) {
	case 0:
		return chatmodel.ChatResponse{Message: toolCallMsg(call("c1", "create_plan", map[string]any{"query": "test query"}))}, nil
	case 1:
		return chatmodel.ChatResponse{Message: toolCallMsg(call("c2", "add_phase", map[string]any{"name": "Research"}))}, nil
	case 2:
		phaseID := lastToolResultField(req.Messages, "phaseId")
		return chatmodel.ChatResponse{Message: toolCallMsg(call("c3", "add_step", map[string]any{
			"phaseId":  phaseID,
			"toolName": "tavily_search",
			"config":   map[string]any{"query": "test query"},
		}))}, nil
	default:
		return chatmodel.ChatResponse{Message: toolCallMsg(call("c4", "finalize_plan", map[string]any{}))}, nil
	}
}

func searchExecutor(result plan.SearchResult) tooling.ExecutorFunc {
	return func(_ context.Context, _ map[string]any) (tooling.Result, error) {
		return tooling.Result{Output: []plan.SearchResult{result}}, nil
	}
}

func synthesizeExecutor(answer string) tooling.ExecutorFunc {
	return func(_ context.Context, _ map[string]any) (tooling.Result, error) {
		return tooling.Result{Output: answer}, nil
	}
}

func newTestRegistry(answer string) *tooling.Registry {
	reg := tooling.NewRegistry()
	score := 0.9
	reg.Register(tooling.Spec{Name: "tavily_search"}, searchExecutor(plan.SearchResult{
		URL: "https://example.com", Title: "Example", Content: "relevant content about the test query", Score: &score,
	}))
	reg.Register(tooling.Spec{Name: "synthesize"}, synthesizeExecutor(answer))
	return reg
}

func newTestOrchestrator(client chatmodel.Client, answer string) (*Orchestrator, *tooling.Registry) {
	reg := newTestRegistry(answer)
	store := eventlog.NewMemoryStore(eventlog.NewBus())
	mem := memory.NewManager()
	results := resultstore.NewMemoryStore()
	cfg := config.Defaults()
	cfg.LLMModel = "test-model"
	return New(client, store, mem, reg, results, cfg), reg
}

func TestExecuteResearchSimplePathCompletesAndPersists(t *testing.T) {
	client := &fakeResearchClient{plainResponse: "the final answer"}
	o, _ := newTestOrchestrator(client, "the final answer to the test query, assembled from research")

	result, err := o.ExecuteResearch(context.Background(), "test query", "")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.NotEmpty(t, result.Answer)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "https://example.com", result.Sources[0].URL)
	assert.NotEmpty(t, result.Metadata.Phases)

	stored, err := o.results.Get(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, result.Answer, stored.Answer)
}

func TestWithTracerTracesSessionPhaseAndStep(t *testing.T) {
	client := &fakeResearchClient{plainResponse: "the final answer"}
	o, _ := newTestOrchestrator(client, "the final answer to the test query, assembled from research")
	tracer := &recordingTracer{}
	o = o.WithTracer(tracer)

	_, err := o.ExecuteResearch(context.Background(), "test query", "")
	require.NoError(t, err)

	require.Contains(t, tracer.started, "session.executeResearch")
	assert.True(t, hasPrefix(tracer.started, "phase."))
	assert.True(t, hasPrefix(tracer.started, "step."))
}

func hasPrefix(names []string, prefix string) bool {
	for _, n := range names {
		if len(n) >= len(prefix) && n[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func TestExecuteResearchUsesProvidedSessionID(t *testing.T) {
	client := &fakeResearchClient{plainResponse: "answer"}
	o, _ := newTestOrchestrator(client, "a reasonably long synthesized answer for the query")

	result, err := o.ExecuteResearch(context.Background(), "test query", "my-session")
	require.NoError(t, err)
	assert.Equal(t, "my-session", result.SessionID)
}

func TestExecuteResearchEmitsPlanCreated(t *testing.T) {
	client := &fakeResearchClient{plainResponse: "the final answer"}
	o, _ := newTestOrchestrator(client, "the final answer to the test query, assembled from research")

	result, err := o.ExecuteResearch(context.Background(), "test query", "")
	require.NoError(t, err)

	entries, err := o.store.FindBySession(context.Background(), result.SessionID)
	require.NoError(t, err)
	var sawPlanCreated bool
	for _, e := range entries {
		if e.EventType == eventlog.EventPlanCreated {
			sawPlanCreated = true
			assert.NotNil(t, e.Data["plan"])
		}
	}
	assert.True(t, sawPlanCreated)
}

const complexDecomposition = `{"isComplex": true, "reasoning": "multi-part", "subQueries": [` +
	`{"text": "economic impact of AI", "order": 0, "dependencies": [], "type": "factual", "priority": "high", "estimatedComplexity": 2},` +
	`{"text": "compare the impacts", "order": 1, "dependencies": ["0"], "type": "comparative", "priority": "medium", "estimatedComplexity": 3}]}`

func TestExecuteResearchRoutesComplexQueryThroughDecomposedPath(t *testing.T) {
	client := &fakeResearchClient{
		plainResponse:     "synthesized from sub-answers",
		decomposeResponse: complexDecomposition,
	}
	o, _ := newTestOrchestrator(client, "a reasonably long synthesized answer for the query")

	result, err := o.ExecuteResearch(context.Background(), "Compare economic impacts of AI and blockchain", "")
	require.NoError(t, err)

	require.NotNil(t, result.Metadata.Decomposition)
	assert.True(t, result.Metadata.Decomposition.IsComplex)
	assert.Len(t, result.Metadata.SubQueryResults, 2)
	assert.NotEmpty(t, result.Answer)
}

func TestExecuteDecomposedFallsBackToSimplePathWhenNotComplex(t *testing.T) {
	client := &fakeResearchClient{plainResponse: `{"isComplex": false, "reasoning": "simple lookup"}`}
	o, _ := newTestOrchestrator(client, "a reasonably long synthesized answer for the query")

	result, err := o.ExecuteDecomposed(context.Background(), "test query", "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Answer)
	assert.Nil(t, result.Metadata.Decomposition)
}

func TestIterativeRetrievalStopsWhenCoverageComplete(t *testing.T) {
	client := &fakeResearchClient{
		plainResponse:    "the final answer",
		coverageResponse: `{"aspects": [{"id": "a1", "description": "core concept", "answered": true, "confidence": 0.95}]}`,
	}
	o, _ := newTestOrchestrator(client, "a reasonably long synthesized answer for the query")

	result, err := o.ExecuteWithIterativeRetrieval(context.Background(), "test query", "")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Metadata.RetrievalCycles)
	require.NotNil(t, result.Metadata.FinalCoverage)
	assert.InDelta(t, 0.95, *result.Metadata.FinalCoverage, 1e-9)

	entries, err := o.store.FindBySession(context.Background(), result.SessionID)
	require.NoError(t, err)
	var sawTermination bool
	for _, e := range entries {
		if e.EventType == eventlog.EventRetrievalCycleDone && e.Data["terminationReason"] == "coverage_threshold_met" {
			sawTermination = true
		}
	}
	assert.True(t, sawTermination)
}

// --- recovery path tests ---

func newPlanWithOneFailedStep() (*plan.Plan, *plan.Phase, plan.PhaseResult) {
	step := &plan.Step{ID: "step-1", PhaseID: "phase-1", ToolName: "tavily_search", Status: plan.StepStatusFailed}
	phase := &plan.Phase{ID: "phase-1", Name: "Research", Steps: []*plan.Step{step}}
	p := &plan.Plan{ID: "plan-1", Query: "q", Phases: []*plan.Phase{phase}}
	phaseResult := plan.PhaseResult{
		Status: plan.PhaseStatusFailed,
		StepResults: []plan.StepResult{
			{StepID: "step-1", ToolName: "tavily_search", Status: plan.StepStatusFailed, Error: &plan.StepError{Message: "boom"}},
		},
	}
	return p, phase, phaseResult
}

type recoveryClient struct {
	toolName string
	args     map[string]any
}

func (r recoveryClient) Chat(_ context.Context, req chatmodel.ChatRequest) (chatmodel.ChatResponse, error) {
	return chatmodel.ChatResponse{Message: toolCallMsg(call("r1", r.toolName, r.args))}, nil
}

func TestRecoverFromFailureSkipReturnsRecoveredTrue(t *testing.T) {
	client := recoveryClient{toolName: "skip_step", args: map[string]any{"stepId": "step-1", "reason": "not critical"}}
	o, _ := newTestOrchestrator(client, "")
	_, phase, phaseResult := newPlanWithOneFailedStep()

	recovered, err := o.recoverFromFailure(context.Background(), o.newPlanner(), phase, &phaseResult, "q", "sess-1", map[string]plan.StepResult{})
	require.NoError(t, err)
	assert.True(t, recovered)
}

func TestRecoverFromFailureAbortReturnsError(t *testing.T) {
	client := recoveryClient{toolName: "abort_plan", args: map[string]any{"reason": "unrecoverable"}}
	o, _ := newTestOrchestrator(client, "")
	_, phase, phaseResult := newPlanWithOneFailedStep()

	recovered, err := o.recoverFromFailure(context.Background(), o.newPlanner(), phase, &phaseResult, "q", "sess-1", map[string]plan.StepResult{})
	assert.False(t, recovered)
	require.Error(t, err)
	var kerr *KernelError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, ToolExecutionError, kerr.Kind)
}

func TestRecoverFromFailureRetrySucceedsWithFreshExecutor(t *testing.T) {
	client := recoveryClient{toolName: "retry_step", args: map[string]any{"stepId": "step-1", "reason": "transient"}}
	reg := tooling.NewRegistry()
	reg.Register(tooling.Spec{Name: "tavily_search"}, tooling.ExecutorFunc(func(context.Context, map[string]any) (tooling.Result, error) {
		return tooling.Result{Output: []plan.SearchResult{{URL: "https://retry.example.com"}}}, nil
	}))
	store := eventlog.NewMemoryStore(eventlog.NewBus())
	mem := memory.NewManager()
	cfg := config.Defaults()
	o := New(client, store, mem, reg, resultstore.NewMemoryStore(), cfg)

	_, phase, phaseResult := newPlanWithOneFailedStep()
	recovered, err := o.recoverFromFailure(context.Background(), o.newPlanner(), phase, &phaseResult, "q", "sess-1", map[string]plan.StepResult{})
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, plan.PhaseStatusCompleted, phaseResult.Status)
}

// replanAddStepClient answers the one replan turn with an add_step call
// into the given phase.
type replanAddStepClient struct{ phaseID string }

func (r replanAddStepClient) Chat(_ context.Context, _ chatmodel.ChatRequest) (chatmodel.ChatResponse, error) {
	return chatmodel.ChatResponse{Message: toolCallMsg(call("rp1", "add_step", map[string]any{
		"phaseId":  r.phaseID,
		"toolName": "tavily_search",
		"config":   map[string]any{"query": "follow-up search"},
	}))}, nil
}

func TestApplyReplanCheckpointRerunsOnlyNewSteps(t *testing.T) {
	client := replanAddStepClient{phaseID: "phase-1"}
	o, _ := newTestOrchestrator(client, "")

	done := &plan.Step{ID: "step-1", PhaseID: "phase-1", ToolName: "tavily_search", Status: plan.StepStatusCompleted}
	phase := &plan.Phase{ID: "phase-1", Name: "Research", ReplanCheckpoint: true, Status: plan.PhaseStatusCompleted, Steps: []*plan.Step{done}}
	p := &plan.Plan{ID: "plan-1", Query: "q", Status: plan.StatusExecuting, Phases: []*plan.Phase{phase}}
	phaseResult := plan.PhaseResult{
		Status:      plan.PhaseStatusCompleted,
		StepResults: []plan.StepResult{{StepID: "step-1", ToolName: "tavily_search", Status: plan.StepStatusCompleted, Output: []plan.SearchResult{}}},
	}
	var allResults []plan.StepResult

	o.applyReplanCheckpoint(context.Background(), p, phase, &phaseResult, "q", "sess-1", map[string]plan.StepResult{}, &allResults)

	require.Len(t, phaseResult.StepResults, 2, "only the replan-added step should have been re-run and merged")
	assert.Equal(t, plan.PhaseStatusCompleted, phaseResult.Status)
	require.Len(t, allResults, 1)
	assert.Equal(t, plan.StepStatusCompleted, allResults[0].Status)

	entries, err := o.store.FindBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	var sawReplanExecution bool
	for _, e := range entries {
		if e.EventType == eventlog.EventPhaseCompleted && e.Data["reason"] == "replan_execution" {
			sawReplanExecution = true
		}
	}
	assert.True(t, sawReplanExecution)
}

// --- failure context / error formatting ---

func TestKernelErrorWrapsUnderlyingError(t *testing.T) {
	inner := assert.AnError
	kerr := newKernelError(PersistenceFailure, "sess-1", "save failed", inner)
	assert.Contains(t, kerr.Error(), "persistence_failure")
	assert.Contains(t, kerr.Error(), "sess-1")
	assert.ErrorIs(t, kerr, inner)
}

func TestFailureContextCarriesPhaseID(t *testing.T) {
	fc := planner.FailureContext{StepID: "s1", PhaseID: "p1", ToolName: "tavily_search", Error: "boom"}
	assert.Equal(t, "p1", fc.PhaseID)
}

type erroringClient struct{}

func (erroringClient) Chat(context.Context, chatmodel.ChatRequest) (chatmodel.ChatResponse, error) {
	return chatmodel.ChatResponse{}, assert.AnError
}

func TestSynthesizeSubAnswersFallsBackToConcatenationOnError(t *testing.T) {
	o, _ := newTestOrchestrator(erroringClient{}, "")
	outcomes := []subQueryOutcome{
		{query: decomposeSubQuery("q1", "a1"), answer: "a1"},
		{query: decomposeSubQuery("q2", "a2"), answer: "a2"},
	}
	answer, _ := o.synthesizeSubAnswers(context.Background(), "original query", outcomes, "sess-1")
	assert.Contains(t, answer, "a1")
	assert.Contains(t, answer, "a2")
}

func TestReflectOnceTreatsNoChangeAsNoImprovement(t *testing.T) {
	client := &fakeResearchClient{plainResponse: "NO_CHANGE"}
	o, _ := newTestOrchestrator(client, "")
	_, ok := o.reflectOnce(context.Background(), "q", "answer")
	assert.False(t, ok)
}

func TestReflectOnceReturnsRevisedAnswer(t *testing.T) {
	client := &fakeResearchClient{plainResponse: "a better answer"}
	o, _ := newTestOrchestrator(client, "")
	revised, ok := o.reflectOnce(context.Background(), "q", "answer")
	require.True(t, ok)
	assert.Equal(t, "a better answer", revised)
}

func TestDeriveSubGoalsIgnoresEmptyQuery(t *testing.T) {
	assert.Empty(t, deriveSubGoals(""))
}
