package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"deepresearch/chatmodel"
	"deepresearch/coverage"
	"deepresearch/eventlog"
	"deepresearch/ids"
	"deepresearch/resultstore"
)

const (
	maxReflectionIterations    = 2
	minReflectionImprovement   = 0.05
	reflectionQualityTarget    = 0.85
	reflectionIterationTimeout = 60 * time.Second
)

// OrchestrateAgenticResearch is the most capable entry point: it decomposes
// the query, researches it (decomposed when the query is complex, iterative
// retrieval otherwise), then runs a bounded reflection loop that asks
// whether the draft answer's confidence can still be meaningfully improved.
// Nested sub-query sessions on the complex branch each get one iterative
// retrieval cycle; the simple branch gets the full cycle budget.
func (o *Orchestrator) OrchestrateAgenticResearch(ctx context.Context, query, sessionID string) (*resultstore.ResearchResult, error) {
	if sessionID == "" {
		sessionID = ids.Session()
	}
	ctx, span := o.tracer.Start(ctx, "session.agenticResearch",
		attribute.String("deepresearch.session_id", sessionID),
	)
	defer span.End()
	o.emit(ctx, sessionID, eventlog.EventSessionStarted, "", "", map[string]any{"query": query, "mode": "agentic"})

	o.initWorkingMemory(sessionID, query)
	defer o.memory.Cleanup(sessionID)

	decomposition, derr := o.decomposer.DecomposeQuery(ctx, query, sessionID)
	if derr == nil {
		o.memory.SetScratchPadValue(sessionID, "decomposition", decomposition)
	}

	var result *resultstore.ResearchResult
	var err error
	if derr == nil && decomposition.IsComplex && len(decomposition.SubQueries) > 0 {
		result, err = o.runDecomposed(ctx, span, query, sessionID, decomposition, 1)
	} else {
		result, err = o.runIterative(ctx, span, query, sessionID, maxRetrievalCycles)
	}
	if err != nil {
		return nil, err
	}

	result = o.reflectAndImprove(ctx, query, result)
	result.Metadata.UsedAgenticPipeline = true

	if err := o.results.Save(ctx, *result); err != nil {
		o.emit(ctx, sessionID, eventlog.EventSessionFailed, "", "", map[string]any{"error": fmt.Sprintf("persistence: %v", err)})
	}
	return result, nil
}

// reflectAndImprove runs up to maxReflectionIterations rounds of asking the
// LLM to critique and, if warranted, rewrite the answer. The loop stops
// early once the answer's confidence reaches reflectionQualityTarget or a
// round's confidence gain falls below minReflectionImprovement. Each round
// is bounded by reflectionIterationTimeout.
func (o *Orchestrator) reflectAndImprove(ctx context.Context, query string, result *resultstore.ResearchResult) *resultstore.ResearchResult {
	prevConfidence := 0.0
	if result.Confidence != nil {
		prevConfidence = *result.Confidence
	}

	for i := 0; i < maxReflectionIterations; i++ {
		if prevConfidence >= reflectionQualityTarget {
			break
		}

		revised, ok := o.reflectOnce(ctx, query, result.Answer)
		if !ok {
			break
		}

		verdict, err := o.answerEval.Evaluate(ctx, coverage.AnswerInput{Query: query, Answer: revised})
		if err != nil || verdict.EvaluationSkipped {
			break
		}

		result.Metadata.ReflectionIterations++
		improvement := verdict.Confidence - prevConfidence
		if improvement < minReflectionImprovement {
			break
		}

		result.Answer = revised
		result.Metadata.TotalImprovement += improvement
		c := verdict.Confidence
		result.Confidence = &c
		prevConfidence = verdict.Confidence
	}
	return result
}

// reflectOnce asks the LLM whether the answer needs improvement. ok is
// false when the call fails or the model reports no improvement is needed
// (a response starting with "NO_CHANGE").
func (o *Orchestrator) reflectOnce(ctx context.Context, query, answer string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, reflectionIterationTimeout)
	defer cancel()

	resp, err := o.client.Chat(ctx, chatmodel.ChatRequest{
		Model: o.model,
		Messages: []chatmodel.Message{
			{Role: chatmodel.RoleSystem, Parts: []chatmodel.Part{chatmodel.TextPart{
				Text: "Critique the draft answer against the query. If it can be meaningfully improved, respond with the improved answer text only. " +
					"If it is already as good as it can reasonably get, respond with exactly NO_CHANGE.",
			}}},
			{Role: chatmodel.RoleUser, Parts: []chatmodel.Part{chatmodel.TextPart{
				Text: fmt.Sprintf("Query: %s\n\nDraft answer:\n%s", query, answer),
			}}},
		},
	})
	if err != nil {
		return "", false
	}
	text := resp.Message.Text()
	if text == "" || strings.HasPrefix(text, "NO_CHANGE") {
		return "", false
	}
	return text, true
}
