package planner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/chatmodel"
	"deepresearch/eventlog"
	"deepresearch/ids"
	"deepresearch/plan"
)

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

func newStore() eventlog.Store { return eventlog.NewMemoryStore(eventlog.NewBus()) }

// dynamicClient drives a realistic multi-turn plan build: create_plan,
// add_phase, then add_step referencing the phase id returned from the prior
// tool result, then finalize_plan. It inspects the transcript handed back to
// it each turn to recover ids minted by the previous turn's handler, since
// those ids aren't known ahead of time.
type dynamicClient struct{ step int }

func (d *dynamicClient) Chat(_ context.Context, req chatmodel.ChatRequest) (chatmodel.ChatResponse, error) {
	switch d.step {
	case 0:
		d.step++
		return chatmodel.ChatResponse{Message: toolCallMsg(call("c1", "create_plan", map[string]any{"query": "x"}))}, nil
	case 1:
		d.step++
		return chatmodel.ChatResponse{Message: toolCallMsg(call("c2", "add_phase", map[string]any{"name": "Research"}))}, nil
	case 2:
		d.step++
		phaseID := lastToolResultField(req.Messages, "phaseId")
		return chatmodel.ChatResponse{Message: toolCallMsg(call("c3", "add_step", map[string]any{
			"phaseId":  phaseID,
			"toolName": "tavily_search",
			"config":   map[string]any{"query": "population of France"},
		}))}, nil
	default:
		return chatmodel.ChatResponse{Message: toolCallMsg(call("c4", "finalize_plan", map[string]any{}))}, nil
	}
}

func lastToolResultField(messages []chatmodel.Message, field string) string {
	for i := len(messages) - 1; i >= 0; i-- {
		for _, part := range messages[i].Parts {
			tr, ok := part.(chatmodel.ToolResultPart)
			if !ok || tr.IsError {
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

func TestCreatePlanBuildsAndFinalizesUsingReturnedIDs(t *testing.T) {
	store := newStore()
	client := &dynamicClient{}
	p := New(client, "test-model", store, []string{"tavily_search", "synthesize"})

	result, err := p.CreatePlan(context.Background(), "what is the population of France", "s1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, plan.StatusExecuting, result.Status)
	require.Len(t, result.Phases, 2) // Research + the auto-appended synthesis phase
	assert.NotEmpty(t, result.Phases[0].Steps)
	assert.Contains(t, result.Phases[1].Name, "Synthesis")
}

// scriptedClient replays a fixed sequence of assistant turns, one per Chat
// call, ignoring the transcript it is given.
type scriptedClient struct {
	turns []chatmodel.Message
	calls int
}

func (s *scriptedClient) Chat(context.Context, chatmodel.ChatRequest) (chatmodel.ChatResponse, error) {
	if s.calls >= len(s.turns) {
		return chatmodel.ChatResponse{Message: s.turns[len(s.turns)-1]}, nil
	}
	msg := s.turns[s.calls]
	s.calls++
	return chatmodel.ChatResponse{Message: msg}, nil
}

func TestCreatePlanRejectsMoreThanThreeCreatePlanCalls(t *testing.T) {
	client := &scriptedClient{turns: []chatmodel.Message{
		toolCallMsg(call("c1", "create_plan", map[string]any{"query": "q"})),
		toolCallMsg(call("c2", "create_plan", map[string]any{"query": "q"})),
		toolCallMsg(call("c3", "create_plan", map[string]any{"query": "q"})),
		toolCallMsg(call("c4", "create_plan", map[string]any{"query": "q"})),
		toolCallMsg(call("c5", "add_phase", map[string]any{"name": "Research"})),
		toolCallMsg(call("c6", "finalize_plan", map[string]any{})),
	}}
	p := New(client, "test-model", newStore(), []string{"tavily_search", "synthesize"})
	_, err := p.CreatePlan(context.Background(), "q", "s1")
	// The fourth create_plan call errors out (reported back as a tool
	// result), but the loop itself does not abort: it keeps going and still
	// produces a plan from the third create_plan (each accepted call replaces
	// the current plan) plus the later add_phase/finalize_plan calls.
	require.NoError(t, err)
	assert.Equal(t, 4, p.createPlanAttempts)
}

func newTestPlan() *plan.Plan {
	return &plan.Plan{ID: ids.Plan(), Query: "test query", Status: plan.StatusPlanning}
}

func mustAddPhase(t *testing.T, p *Planner, name string) string {
	t.Helper()
	raw, err := p.dispatch(context.Background(), "s1", "add_phase", marshalArgs(map[string]any{"name": name}))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	return decoded["phaseId"].(string)
}

func marshalArgs(m map[string]any) json.RawMessage {
	b, _ := json.Marshal(m)
	return b
}

func TestAddStepRejectsUnknownTool(t *testing.T) {
	p := New(nil, "test-model", newStore(), []string{"tavily_search"})
	p.reset()
	p.current = newTestPlan()
	phaseID := mustAddPhase(t, p, "Research")

	_, err := p.dispatch(context.Background(), "s1", "add_step", marshalArgs(map[string]any{
		"phaseId":  phaseID,
		"toolName": "nonexistent_tool",
		"config":   map[string]any{"query": "x"},
	}))
	require.Error(t, err)
}

func TestAddStepRejectsEmptyConfig(t *testing.T) {
	p := New(nil, "test-model", newStore(), []string{"tavily_search"})
	p.reset()
	p.current = newTestPlan()
	phaseID := mustAddPhase(t, p, "Research")

	_, err := p.dispatch(context.Background(), "s1", "add_step", marshalArgs(map[string]any{
		"phaseId":  phaseID,
		"toolName": "tavily_search",
	}))
	require.Error(t, err)
}

func TestFinalizePlanAutoRecoversEmptyPhaseAfterTwoFailures(t *testing.T) {
	p := New(nil, "test-model", newStore(), []string{"tavily_search", "synthesize"})
	p.reset()
	p.current = newTestPlan()
	mustAddPhase(t, p, "Search the web")

	_, err1 := p.dispatch(context.Background(), "s1", "finalize_plan", marshalArgs(map[string]any{}))
	require.Error(t, err1)

	raw, err2 := p.dispatch(context.Background(), "s1", "finalize_plan", marshalArgs(map[string]any{}))
	require.NoError(t, err2)
	assert.Contains(t, raw, "autoRecovered")
	require.Len(t, p.current.Phases[0].Steps, 1)
	assert.Equal(t, "tavily_search", p.current.Phases[0].Steps[0].ToolName)
}

func TestSynthesisGuaranteeAddsPhaseWhenMissing(t *testing.T) {
	p := New(nil, "test-model", newStore(), []string{"tavily_search", "synthesize"})
	p.reset()
	p.current = newTestPlan()
	mustAddPhase(t, p, "Research")

	p.applySynthesisGuarantee(context.Background(), "s1")
	require.Len(t, p.current.Phases, 2)
	assert.Contains(t, p.current.Phases[1].Name, "Synthesis")
}

func TestSynthesisGuaranteeIsIdempotentWhenAlreadyPresent(t *testing.T) {
	p := New(nil, "test-model", newStore(), []string{"tavily_search", "synthesize"})
	p.reset()
	p.current = newTestPlan()
	mustAddPhase(t, p, "Synthesis & Answer Generation")

	p.applySynthesisGuarantee(context.Background(), "s1")
	assert.Len(t, p.current.Phases, 1)
}

func TestInsertPhaseAfterSplicesAndReorders(t *testing.T) {
	p := New(nil, "test-model", newStore(), []string{"tavily_search"})
	p.reset()
	p.current = newTestPlan()
	first := mustAddPhase(t, p, "First")
	mustAddPhase(t, p, "Last")

	_, err := p.dispatch(context.Background(), "s1", "insert_phase_after", marshalArgs(map[string]any{
		"afterPhaseId": first,
		"name":         "Middle",
	}))
	require.NoError(t, err)
	require.Len(t, p.current.Phases, 3)
	assert.Equal(t, "Middle", p.current.Phases[1].Name)
	assert.Equal(t, 0, p.current.Phases[0].Order)
	assert.Equal(t, 1, p.current.Phases[1].Order)
	assert.Equal(t, 2, p.current.Phases[2].Order)
}

func TestGetPhaseResultsReturnsRecordedResults(t *testing.T) {
	p := New(nil, "test-model", newStore(), []string{"tavily_search"})
	p.reset()
	p.current = newTestPlan()
	phaseID := mustAddPhase(t, p, "Research")
	p.SetPhaseResults(phaseID, nil)

	raw, err := p.dispatch(context.Background(), "s1", "get_phase_results", marshalArgs(map[string]any{"phaseId": phaseID}))
	require.NoError(t, err)
	assert.Contains(t, raw, phaseID)
}

func TestModifyStepOverwritesConfig(t *testing.T) {
	p := New(nil, "test-model", newStore(), []string{"tavily_search"})
	p.reset()
	p.current = newTestPlan()
	phaseID := mustAddPhase(t, p, "Research")
	rawStep, err := p.dispatch(context.Background(), "s1", "add_step", marshalArgs(map[string]any{
		"phaseId":  phaseID,
		"toolName": "tavily_search",
		"config":   map[string]any{"query": "a"},
	}))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(rawStep), &decoded))
	stepID := decoded["stepId"].(string)

	_, err = p.dispatch(context.Background(), "s1", "modify_step", marshalArgs(map[string]any{
		"stepId":  stepID,
		"changes": map[string]any{"config": map[string]any{"query": "b"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, "b", p.stepsByID[stepID].Config["query"])
}

func TestRemoveStepDeletesFromPhase(t *testing.T) {
	p := New(nil, "test-model", newStore(), []string{"tavily_search"})
	p.reset()
	p.current = newTestPlan()
	phaseID := mustAddPhase(t, p, "Research")
	rawStep, err := p.dispatch(context.Background(), "s1", "add_step", marshalArgs(map[string]any{
		"phaseId":  phaseID,
		"toolName": "tavily_search",
		"config":   map[string]any{"query": "a"},
	}))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(rawStep), &decoded))
	stepID := decoded["stepId"].(string)

	_, err = p.dispatch(context.Background(), "s1", "remove_step", marshalArgs(map[string]any{"stepId": stepID, "reason": "duplicate"}))
	require.NoError(t, err)
	assert.Empty(t, p.phasesByID[phaseID].Steps)
	_, stillPresent := p.stepsByID[stepID]
	assert.False(t, stillPresent)
}

func TestSkipPhaseMarksSkipped(t *testing.T) {
	p := New(nil, "test-model", newStore(), []string{"tavily_search"})
	p.reset()
	p.current = newTestPlan()
	phaseID := mustAddPhase(t, p, "Research")

	_, err := p.dispatch(context.Background(), "s1", "skip_phase", marshalArgs(map[string]any{"phaseId": phaseID, "reason": "not needed"}))
	require.NoError(t, err)
	assert.Equal(t, plan.PhaseStatusSkipped, p.phasesByID[phaseID].Status)
}

func TestDispatchRejectsUnknownToolName(t *testing.T) {
	p := New(nil, "test-model", newStore(), []string{"tavily_search"})
	p.reset()
	p.current = newTestPlan()

	_, err := p.dispatch(context.Background(), "s1", "not_a_real_tool", marshalArgs(map[string]any{}))
	require.Error(t, err)
}

func TestDispatchRequiresCreatePlanFirst(t *testing.T) {
	p := New(nil, "test-model", newStore(), []string{"tavily_search"})
	p.reset()

	_, err := p.dispatch(context.Background(), "s1", "add_phase", marshalArgs(map[string]any{"name": "Research"}))
	require.Error(t, err)
}

func TestReplanAppliesAddPhaseAndReportsModified(t *testing.T) {
	pl := &plan.Plan{ID: ids.Plan(), Query: "x", Status: plan.StatusExecuting}
	completed := &plan.Phase{ID: ids.Phase(), Name: "Research", Status: plan.PhaseStatusCompleted}
	pl.Phases = append(pl.Phases, completed)

	client := &scriptedClient{turns: []chatmodel.Message{
		toolCallMsg(call("r1", "add_phase", map[string]any{"name": "Deeper dive"})),
	}}
	p := New(client, "test-model", newStore(), []string{"tavily_search"})

	result, err := p.Replan(context.Background(), pl, completed, plan.PhaseResult{Status: plan.PhaseStatusCompleted}, "s1", nil)
	require.NoError(t, err)
	assert.True(t, result.Modified)
	require.Len(t, result.Plan.Phases, 2)
	assert.Equal(t, "Deeper dive", result.Plan.Phases[1].Name)
}

func TestReplanReadOnlyCallsDoNotReportModified(t *testing.T) {
	pl := &plan.Plan{ID: ids.Plan(), Query: "x", Status: plan.StatusExecuting}
	completed := &plan.Phase{ID: ids.Phase(), Name: "Research", Status: plan.PhaseStatusCompleted}
	pl.Phases = append(pl.Phases, completed)

	client := &scriptedClient{turns: []chatmodel.Message{
		toolCallMsg(call("r1", "get_plan_status", map[string]any{})),
	}}
	p := New(client, "test-model", newStore(), []string{"tavily_search"})

	result, err := p.Replan(context.Background(), pl, completed, plan.PhaseResult{Status: plan.PhaseStatusCompleted}, "s1", nil)
	require.NoError(t, err)
	assert.False(t, result.Modified)
}

func TestDecideRecoveryMapsRetryStep(t *testing.T) {
	client := &scriptedClient{turns: []chatmodel.Message{
		toolCallMsg(call("d1", "retry_step", map[string]any{"stepId": "step-1", "reason": "transient timeout"})),
	}}
	p := New(client, "test-model", newStore(), []string{"tavily_search"})

	decision, err := p.DecideRecovery(context.Background(), FailureContext{StepID: "step-1", ToolName: "tavily_search", Error: "timeout"}, "s1")
	require.NoError(t, err)
	assert.Equal(t, RecoveryRetry, decision.Action)
	assert.Equal(t, "transient timeout", decision.Reason)
}

func TestDecideRecoveryDefaultsToAbortOnNoToolCall(t *testing.T) {
	client := &scriptedClient{turns: []chatmodel.Message{
		{Role: chatmodel.RoleAssistant, Parts: []chatmodel.Part{chatmodel.TextPart{Text: "I don't know what to do."}}},
	}}
	p := New(client, "test-model", newStore(), []string{"tavily_search"})

	decision, err := p.DecideRecovery(context.Background(), FailureContext{StepID: "step-1"}, "s1")
	require.NoError(t, err)
	assert.Equal(t, RecoveryAbort, decision.Action)
	assert.Contains(t, decision.Reason, "No recovery decision")
}

func TestDecideRecoveryMapsReplaceStep(t *testing.T) {
	client := &scriptedClient{turns: []chatmodel.Message{
		toolCallMsg(call("d1", "replace_step", map[string]any{
			"stepId":              "step-1",
			"alternativeToolName": "web_fetch",
			"alternativeConfig":   map[string]any{"url": "https://example.com"},
			"reason":              "search tool unavailable",
		})),
	}}
	p := New(client, "test-model", newStore(), []string{"tavily_search", "web_fetch"})

	decision, err := p.DecideRecovery(context.Background(), FailureContext{StepID: "step-1", PhaseID: "phase-1"}, "s1")
	require.NoError(t, err)
	assert.Equal(t, RecoveryAlternative, decision.Action)
	require.Len(t, decision.AlternativeSteps, 1)
	assert.Equal(t, "web_fetch", decision.AlternativeSteps[0].ToolName)
	assert.Equal(t, "phase-1", decision.AlternativeSteps[0].PhaseID)
}
