package coverage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/plan"
)

func TestPlanEvaluatorPassesWellFormedPlan(t *testing.T) {
	p := &plan.Plan{Phases: []*plan.Phase{
		{Steps: []*plan.Step{{ToolName: "tavily_search"}, {ToolName: "synthesize"}}},
	}}
	v, err := NewPlanEvaluator().Evaluate(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, v.Passed)
}

func TestPlanEvaluatorFailsOnEmptyPhase(t *testing.T) {
	p := &plan.Plan{Phases: []*plan.Phase{
		{Steps: nil},
		{Steps: []*plan.Step{{ToolName: "tavily_search"}}},
	}}
	v, err := NewPlanEvaluator().Evaluate(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Contains(t, v.FailingDimensions, "phaseCoverage")
	assert.NotEmpty(t, v.Critique)
}

func TestPlanEvaluatorSkipsNilPlan(t *testing.T) {
	v, err := NewPlanEvaluator().Evaluate(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, v.EvaluationSkipped)
}

func TestRetrievalEvaluatorFlagsEmptyResults(t *testing.T) {
	v, err := NewRetrievalEvaluator().Evaluate(context.Background(), RetrievalInput{Query: "go"})
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.True(t, v.FlaggedSevere)
	assert.True(t, v.ShouldRegenerate)
}

func TestRetrievalEvaluatorScoresOverlap(t *testing.T) {
	v, err := NewRetrievalEvaluator().Evaluate(context.Background(), RetrievalInput{
		Query: "go concurrency patterns",
		Results: []plan.SearchResult{
			{Title: "Go concurrency", Content: "patterns for goroutines"},
			{Title: "Go concurrency", Content: "patterns for goroutines"},
			{Title: "Go concurrency", Content: "patterns for goroutines"},
			{Title: "Go concurrency", Content: "patterns for goroutines"},
			{Title: "Go concurrency", Content: "patterns for goroutines"},
		},
	})
	require.NoError(t, err)
	assert.True(t, v.Passed)
}

func TestAnswerEvaluatorSkipsEmptyAnswer(t *testing.T) {
	v, err := NewAnswerEvaluator().Evaluate(context.Background(), AnswerInput{Query: "q", Answer: ""})
	require.NoError(t, err)
	assert.True(t, v.EvaluationSkipped)
}

func TestAnswerEvaluatorScoresLengthAndAlignment(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'a'
	}
	v, err := NewAnswerEvaluator().Evaluate(context.Background(), AnswerInput{
		Query:  "golang concurrency",
		Answer: "golang concurrency " + string(long),
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Scores["length"])
	assert.Equal(t, 1.0, v.Scores["queryAlignment"])
	assert.True(t, v.Passed)
}
