package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"deepresearch/chatmodel"
	"deepresearch/coverage"
	"deepresearch/eventlog"
	"deepresearch/extract"
	"deepresearch/ids"
	"deepresearch/plan"
	"deepresearch/resultstore"
	"deepresearch/stepexec"
	"deepresearch/telemetry"
)

const maxRetrievalCycles = 2

// ExecuteWithIterativeRetrieval runs the simple path once, then repeatedly
// analyzes coverage and issues the Coverage Analyzer's SuggestedRetrievals
// as additional search steps, stopping when coverage is complete, no new
// retrievals are suggested, or maxRetrievalCycles is reached.
func (o *Orchestrator) ExecuteWithIterativeRetrieval(ctx context.Context, query, sessionID string) (*resultstore.ResearchResult, error) {
	return o.executeIterativeSession(ctx, query, sessionID, maxRetrievalCycles)
}

// executeIterativeSession bootstraps a session and runs the iterative
// retrieval loop with the given cycle cap. The agentic path uses a cap of 1
// for nested sub-query sessions.
func (o *Orchestrator) executeIterativeSession(ctx context.Context, query, sessionID string, maxCycles int) (*resultstore.ResearchResult, error) {
	if sessionID == "" {
		sessionID = ids.Session()
	}
	ctx, span := o.tracer.Start(ctx, "session.executeIterativeRetrieval",
		attribute.String("deepresearch.session_id", sessionID),
	)
	defer span.End()
	o.emit(ctx, sessionID, eventlog.EventSessionStarted, "", "", map[string]any{"query": query, "mode": "iterative"})

	o.initWorkingMemory(sessionID, query)
	defer o.memory.Cleanup(sessionID)

	return o.runIterative(ctx, span, query, sessionID, maxCycles)
}

// runIterative assumes the session is already bootstrapped; it builds and
// runs one Plan, then loops coverage analysis and gap-filling retrievals up
// to maxCycles times.
func (o *Orchestrator) runIterative(ctx context.Context, span telemetry.Span, query, sessionID string, maxCycles int) (*resultstore.ResearchResult, error) {
	pl := o.newPlanner()
	planned, err := pl.CreatePlan(ctx, query, sessionID)
	if err != nil {
		o.emit(ctx, sessionID, eventlog.EventSessionFailed, "", "", map[string]any{"error": err.Error()})
		kerr := newKernelError(PlanningFailure, sessionID, "could not produce a plan", err)
		span.RecordError(kerr)
		return nil, kerr
	}
	o.emit(ctx, sessionID, eventlog.EventPlanCreated, "", "", map[string]any{"plan": planTree(planned)})

	base, err := o.runPlan(ctx, planned, query, sessionID)
	if err != nil {
		o.emit(ctx, sessionID, eventlog.EventSessionFailed, "", "", map[string]any{"error": err.Error()})
		span.RecordError(err)
		return nil, err
	}

	seenURLs := make(map[string]struct{}, len(base.Sources))
	for _, s := range base.Sources {
		seenURLs[s.URL] = struct{}{}
	}
	sources := base.Sources
	answer := base.Answer
	cycles := 0

	for cycles < maxCycles {
		cov, err := o.analyzer.AnalyzeCoverage(ctx, query, answer, sourceURLs(sources), sessionID)
		if err != nil || cov == nil {
			break
		}
		if cov.IsComplete {
			o.emit(ctx, sessionID, eventlog.EventRetrievalCycleDone, "", "", map[string]any{
				"cycle":             cycles,
				"terminationReason": "coverage_threshold_met",
			})
			break
		}
		if len(cov.SuggestedRetrievals) == 0 {
			o.emit(ctx, sessionID, eventlog.EventRetrievalCycleDone, "", "", map[string]any{
				"cycle":             cycles,
				"terminationReason": "no_suggested_retrievals",
			})
			break
		}

		cycles++
		o.emit(ctx, sessionID, eventlog.EventRetrievalCycleStart, "", "", map[string]any{"cycle": cycles})

		newSources, newResults := o.runSuggestedRetrievals(ctx, query, sessionID, cov.SuggestedRetrievals, seenURLs)
		sources = append(sources, newSources...)
		for _, s := range newSources {
			seenURLs[s.URL] = struct{}{}
		}

		if len(newResults) > 0 {
			answer = o.regenerateAnswer(ctx, query, answer, newResults, sessionID)
		}

		o.emit(ctx, sessionID, eventlog.EventRetrievalCycleDone, "", "", map[string]any{
			"cycle":      cycles,
			"newSources": len(newSources),
		})

		if len(newSources) == 0 {
			break
		}
	}

	finalCoverage, _ := o.finalCoverageScore(ctx, query, answer, sources, sessionID)
	confidence := o.evaluateAnswer(ctx, query, answer)

	result := &resultstore.ResearchResult{
		SessionID:  sessionID,
		PlanID:     base.PlanID,
		Query:      query,
		Answer:     answer,
		Sources:    sources,
		Confidence: confidence,
		Metadata: resultstore.Metadata{
			TotalExecutionTime: base.Metadata.TotalExecutionTime,
			Phases:             base.Metadata.Phases,
			RetrievalCycles:    cycles,
			FinalCoverage:      finalCoverage,
		},
	}

	if err := o.results.Save(ctx, *result); err != nil {
		o.emit(ctx, sessionID, eventlog.EventSessionFailed, "", "", map[string]any{"error": fmt.Sprintf("persistence: %v", err)})
	}
	o.emit(ctx, sessionID, eventlog.EventSessionCompleted, "", "", map[string]any{"query": query, "mode": "iterative"})
	return result, nil
}

// runSuggestedRetrievals issues one tavily_search step per SuggestedRetrieval
// whose aspect was not already searched for, deduplicating results against
// seenURLs so later cycles never re-surface the same source.
func (o *Orchestrator) runSuggestedRetrievals(ctx context.Context, query, sessionID string, suggestions []coverage.SuggestedRetrieval, seenURLs map[string]struct{}) ([]resultstore.SourceRef, []plan.StepResult) {
	var stepResults []plan.StepResult
	prior := stepexec.PriorResults{}

	for _, s := range suggestions {
		step := &plan.Step{
			ID:       ids.Step(),
			Type:     plan.StepTypeSearch,
			ToolName: "tavily_search",
			Config:   map[string]any{"query": s.SearchQuery},
			Status:   plan.StepStatusPending,
		}
		result := o.stepRunner.Run(ctx, sessionID, query, step, prior)
		stepResults = append(stepResults, result)
	}

	fresh := extract.Sources(stepResults)
	var out []resultstore.SourceRef
	for _, s := range fresh {
		if _, ok := seenURLs[s.URL]; ok {
			continue
		}
		out = append(out, resultstore.SourceRef{URL: s.URL, Title: s.Title, Relevance: string(s.Relevance)})
	}
	return out, stepResults
}

// regenerateAnswer asks the LLM to fold newResults into the existing
// answer. On failure it returns the prior answer unchanged.
func (o *Orchestrator) regenerateAnswer(ctx context.Context, query, priorAnswer string, newResults []plan.StepResult, sessionID string) string {
	searchContext := extractSearchContext(newResults)
	resp, err := o.client.Chat(ctx, chatmodel.ChatRequest{
		Model: o.model,
		Messages: []chatmodel.Message{
			{Role: chatmodel.RoleSystem, Parts: []chatmodel.Part{chatmodel.TextPart{
				Text: "Revise the draft answer to incorporate the new search results. Respond with the revised answer text only.",
			}}},
			{Role: chatmodel.RoleUser, Parts: []chatmodel.Part{chatmodel.TextPart{
				Text: fmt.Sprintf("Query: %s\n\nDraft answer:\n%s\n\nNew search results:\n%s", query, priorAnswer, searchContext),
			}}},
		},
	})
	if err != nil {
		return priorAnswer
	}
	return resp.Message.Text()
}

func (o *Orchestrator) finalCoverageScore(ctx context.Context, query, answer string, sources []resultstore.SourceRef, sessionID string) (*float64, error) {
	cov, err := o.analyzer.AnalyzeCoverage(ctx, query, answer, sourceURLs(sources), sessionID)
	if err != nil || cov == nil {
		return nil, err
	}
	c := cov.OverallCoverage
	return &c, nil
}

func sourceURLs(sources []resultstore.SourceRef) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.URL
	}
	return out
}

func extractSearchContext(results []plan.StepResult) string {
	var parts []string
	for _, r := range results {
		if hits, ok := r.Output.([]plan.SearchResult); ok {
			for _, h := range hits {
				parts = append(parts, fmt.Sprintf("- %s: %s", h.Title, h.Content))
			}
		}
	}
	return strings.Join(parts, "\n")
}
