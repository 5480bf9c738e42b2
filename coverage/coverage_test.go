package coverage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/chatmodel"
	"deepresearch/eventlog"
)

type fakeClient struct{ response string }

func (f fakeClient) Chat(context.Context, chatmodel.ChatRequest) (chatmodel.ChatResponse, error) {
	return chatmodel.ChatResponse{
		Message: chatmodel.Message{Role: chatmodel.RoleAssistant, Parts: []chatmodel.Part{chatmodel.TextPart{Text: f.response}}},
	}, nil
}

func TestAnalyzeCoverageComputesOverallAndClassifies(t *testing.T) {
	client := fakeClient{response: `{"aspects": [
		{"id": "a1", "description": "population", "answered": true, "confidence": 0.9},
		{"id": "a2", "description": "history", "answered": true, "confidence": 0.5},
		{"id": "a3", "description": "economy", "answered": false, "confidence": 0.1}
	]}`}
	a := NewAnalyzer(client, "test-model", eventlog.NewMemoryStore(eventlog.NewBus()))

	result, err := a.AnalyzeCoverage(context.Background(), "tell me about France", "draft", nil, "s1")
	require.NoError(t, err)
	assert.InDelta(t, (0.9+0.5+0.0)/3.0, result.OverallCoverage, 0.001)
	require.Len(t, result.AspectsCovered, 1)
	require.Len(t, result.AspectsMissing, 2)
	assert.False(t, result.IsComplete)
}

func TestScoreAspectsNoAspectsIsComplete(t *testing.T) {
	result := scoreAspects(nil)
	assert.True(t, result.IsComplete)
	assert.Equal(t, 1.0, result.OverallCoverage)
}

func TestScoreAspectsPriorityBands(t *testing.T) {
	raw := []rawAspect{
		{ID: "unanswered", Answered: false, Confidence: 0},
		{ID: "medium", Answered: true, Confidence: 0.5},
	}
	result := scoreAspects(raw)
	require.Len(t, result.SuggestedRetrievals, 2)
	byAspect := map[string]Priority{}
	for _, sr := range result.SuggestedRetrievals {
		byAspect[sr.Aspect] = sr.Priority
	}
	assert.Equal(t, PriorityHigh, byAspect["unanswered"])
	assert.Equal(t, PriorityMedium, byAspect["medium"])
}

func TestScoreAspectsIsCompleteAtThreshold(t *testing.T) {
	raw := []rawAspect{{ID: "a", Answered: true, Confidence: 0.9}}
	result := scoreAspects(raw)
	assert.True(t, result.IsComplete)
}
