package stepexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"deepresearch/eventlog"
	"deepresearch/plan"
	"deepresearch/telemetry"
	"deepresearch/tooling"
)

// recordingTracer captures the names of spans started on it, for asserting
// that WithTracer actually routes Step execution through the supplied Tracer
// instead of silently keeping the default no-op.
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

func newTestStore() eventlog.Store {
	return eventlog.NewMemoryStore(eventlog.NewBus())
}

func TestRunSuccessEmitsStartedAndCompleted(t *testing.T) {
	reg := tooling.NewRegistry()
	reg.Register(tooling.Spec{Name: "tavily_search"}, tooling.ExecutorFunc(
		func(context.Context, map[string]any) (tooling.Result, error) {
			return tooling.Result{Output: []plan.SearchResult{{URL: "https://x", Title: "t"}}, TokensUsed: 12}, nil
		}))
	store := newTestStore()
	exec := New(reg, store)

	step := &plan.Step{ID: "step-1", PhaseID: "phase-1", ToolName: "tavily_search", Config: map[string]any{"query": "go"}}
	result := exec.Run(context.Background(), "s1", "go concurrency", step, nil)

	require.Equal(t, plan.StepStatusCompleted, result.Status)
	assert.NotNil(t, result.Output)
	assert.Equal(t, 12, result.TokensUsed.Total)
	assert.Equal(t, plan.StepStatusCompleted, step.Status)

	entries, _ := store.FindBySession(context.Background(), "s1")
	require.Len(t, entries, 2)
	assert.Equal(t, eventlog.EventStepStarted, entries[0].EventType)
	assert.Equal(t, eventlog.EventStepCompleted, entries[1].EventType)
}

func TestRunToolErrorProducesFailedResult(t *testing.T) {
	reg := tooling.NewRegistry()
	reg.Register(tooling.Spec{Name: "web_fetch"}, tooling.ExecutorFunc(
		func(context.Context, map[string]any) (tooling.Result, error) {
			return tooling.Result{}, assert.AnError
		}))
	store := newTestStore()
	exec := New(reg, store)

	step := &plan.Step{ID: "step-1", PhaseID: "phase-1", ToolName: "web_fetch", Config: map[string]any{"url": "https://x"}}
	result := exec.Run(context.Background(), "s1", "q", step, nil)

	require.Equal(t, plan.StepStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, plan.StepStatusFailed, step.Status)
}

func TestRunRecoversPanic(t *testing.T) {
	reg := tooling.NewRegistry()
	reg.Register(tooling.Spec{Name: "boom"}, tooling.ExecutorFunc(
		func(context.Context, map[string]any) (tooling.Result, error) {
			panic("kaboom")
		}))
	exec := New(reg, newTestStore())

	step := &plan.Step{ID: "step-1", PhaseID: "phase-1", ToolName: "boom", Config: map[string]any{"x": 1}}
	var result plan.StepResult
	assert.NotPanics(t, func() {
		result = exec.Run(context.Background(), "s1", "q", step, nil)
	})
	require.Equal(t, plan.StepStatusFailed, result.Status)
	assert.Contains(t, result.Error.Message, "kaboom")
}

func TestWithTracerStartsOneSpanPerStep(t *testing.T) {
	reg := tooling.NewRegistry()
	reg.Register(tooling.Spec{Name: "tavily_search"}, tooling.ExecutorFunc(
		func(context.Context, map[string]any) (tooling.Result, error) {
			return tooling.Result{Output: []plan.SearchResult{{URL: "https://x"}}}, nil
		}))
	tracer := &recordingTracer{}
	exec := New(reg, newTestStore()).WithTracer(tracer)

	step := &plan.Step{ID: "step-1", PhaseID: "phase-1", ToolName: "tavily_search", Config: map[string]any{"query": "go"}}
	exec.Run(context.Background(), "s1", "go concurrency", step, nil)

	require.Equal(t, []string{"step.tavily_search"}, tracer.started)
}

func TestEnrichConfigAppliesSynthesizeContext(t *testing.T) {
	score := 0.9
	prior := PriorResults{
		"step-0": {
			StepID: "step-0",
			Status: plan.StepStatusCompleted,
			Output: []plan.SearchResult{{URL: "https://a", Title: "A", Score: &score}},
		},
	}
	step := &plan.Step{ID: "step-1", ToolName: "synthesize", Config: map[string]any{}}
	config := enrichConfig(step, "what is go", prior)

	assert.Equal(t, "what is go", config["query"])
	assert.Contains(t, config["context"], "https://a")
	assert.NotEmpty(t, config["systemPrompt"])
}

func TestEnrichConfigDefaultsEmptySearchConfig(t *testing.T) {
	step := &plan.Step{ID: "step-1", ToolName: "tavily_search", Config: map[string]any{}}
	config := enrichConfig(step, "what is go", nil)
	assert.Equal(t, "what is go", config["query"])
	assert.Equal(t, 5, config["max_results"])
}

func TestEnrichConfigDefaultsWebFetchFromPriorSearch(t *testing.T) {
	prior := PriorResults{
		"step-0": {StepID: "step-0", Status: plan.StepStatusCompleted, Output: []plan.SearchResult{{URL: "https://found"}}},
	}
	step := &plan.Step{ID: "step-1", ToolName: "web_fetch", Config: map[string]any{}}
	config := enrichConfig(step, "q", prior)
	assert.Equal(t, "https://found", config["url"])
}
