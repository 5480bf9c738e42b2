package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"deepresearch/chatmodel"
	"deepresearch/decompose"
	"deepresearch/eventlog"
	"deepresearch/ids"
	"deepresearch/resultstore"
	"deepresearch/telemetry"
)

// subQueryOutcome is one sub-query's isolated research result, kept
// alongside its SubQuery for ordering and dependency bookkeeping.
type subQueryOutcome struct {
	query      decompose.SubQuery
	answer     string
	sources    []resultstore.SourceRef
	confidence *float64
	failed     bool
}

// ExecuteDecomposed runs the decomposed path: the Query Decomposer splits
// query into a DAG of SubQueries, each wave of independent sub-queries is
// researched concurrently (bounded by cfg.MaxConcurrentSubqueries) via a
// fresh nested session per sub-query, and the sub-answers are synthesized
// into one final answer. Unlike ExecuteResearch, a decomposition failure
// here is fatal: the caller asked for the decomposed path specifically.
func (o *Orchestrator) ExecuteDecomposed(ctx context.Context, query, sessionID string) (*resultstore.ResearchResult, error) {
	if sessionID == "" {
		sessionID = ids.Session()
	}
	ctx, span := o.tracer.Start(ctx, "session.executeDecomposed",
		attribute.String("deepresearch.session_id", sessionID),
	)
	defer span.End()
	o.emit(ctx, sessionID, eventlog.EventSessionStarted, "", "", map[string]any{"query": query, "mode": "decomposed"})

	o.initWorkingMemory(sessionID, query)
	defer o.memory.Cleanup(sessionID)

	decomposition, err := o.decomposer.DecomposeQuery(ctx, query, sessionID)
	if err != nil {
		o.emit(ctx, sessionID, eventlog.EventSessionFailed, "", "", map[string]any{"error": err.Error()})
		kerr := newKernelError(DecompositionError, sessionID, "decomposition failed", err)
		span.RecordError(kerr)
		return nil, kerr
	}
	o.memory.SetScratchPadValue(sessionID, "decomposition", decomposition)

	if !decomposition.IsComplex || len(decomposition.SubQueries) == 0 {
		return o.runSimple(ctx, span, query, sessionID)
	}
	return o.runDecomposed(ctx, span, query, sessionID, decomposition, 0)
}

// runDecomposed assumes the session is already bootstrapped and the
// decomposition already computed; it runs the sub-query waves, synthesizes,
// and persists to the terminal event. subQueryCycles > 0 gives each nested
// sub-query session that many iterative retrieval cycles instead of a plain
// single-plan run.
func (o *Orchestrator) runDecomposed(ctx context.Context, span telemetry.Span, query, sessionID string, decomposition *decompose.DecompositionResult, subQueryCycles int) (*resultstore.ResearchResult, error) {
	outcomes := o.runSubQueryWaves(ctx, decomposition, sessionID, subQueryCycles)

	answer, sources := o.synthesizeSubAnswers(ctx, query, outcomes, sessionID)

	confidence := o.evaluateAnswer(ctx, query, answer)
	result := &resultstore.ResearchResult{
		SessionID:  sessionID,
		Query:      query,
		Answer:     answer,
		Sources:    sources,
		Confidence: confidence,
		Metadata: resultstore.Metadata{
			Decomposition: &resultstore.DecompositionSummary{
				IsComplex:    decomposition.IsComplex,
				SubQueryText: subQueryTexts(decomposition.SubQueries),
			},
			SubQueryResults:     subQueryResultMap(outcomes),
			UsedAgenticPipeline: false,
		},
	}

	if err := o.results.Save(ctx, *result); err != nil {
		o.emit(ctx, sessionID, eventlog.EventSessionFailed, "", "", map[string]any{
			"error": fmt.Sprintf("persistence: %v", err),
		})
	}
	o.emit(ctx, sessionID, eventlog.EventSessionCompleted, "", "", map[string]any{"query": query, "mode": "decomposed"})
	return result, nil
}

// runSubQueryWaves researches each wave of decomposition.ExecutionPlan
// concurrently, bounded to MaxConcurrentSubqueries in flight at once. A
// sub-query's own failure is recorded as a "Failed to answer" outcome and
// never aborts its siblings or later waves.
func (o *Orchestrator) runSubQueryWaves(ctx context.Context, decomposition *decompose.DecompositionResult, sessionID string, subQueryCycles int) []subQueryOutcome {
	limit := o.cfg.MaxConcurrentSubqueries
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	outcomes := make(map[string]subQueryOutcome, len(decomposition.SubQueries))
	var mu sync.Mutex

	for _, wave := range decomposition.ExecutionPlan {
		mu.Lock()
		completed := make(map[string]subQueryOutcome, len(outcomes))
		for k, v := range outcomes {
			completed[k] = v
		}
		mu.Unlock()

		var wg sync.WaitGroup
		for _, sq := range wave {
			wg.Add(1)
			sem <- struct{}{}
			go func(sq decompose.SubQuery) {
				defer wg.Done()
				defer func() { <-sem }()
				outcome := o.researchSubQuery(ctx, sq, sessionID, completed, subQueryCycles)
				mu.Lock()
				outcomes[sq.ID] = outcome
				mu.Unlock()
			}(sq)
		}
		wg.Wait()
	}

	ordered := make([]subQueryOutcome, 0, len(decomposition.SubQueries))
	for _, sq := range decomposition.SubQueries {
		if o, ok := outcomes[sq.ID]; ok {
			ordered = append(ordered, o)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].query.Order < ordered[j].query.Order })
	return ordered
}

// dependencyPrefixLimit bounds how much of each dependency's answer is
// folded into a dependent sub-query's text, so a long upstream answer can't
// drown out the sub-query itself.
const dependencyPrefixLimit = 500

// researchSubQuery researches one SubQuery's text (the simple path, or the
// iterative retrieval path with subQueryCycles cycles when subQueryCycles > 0)
// in a fresh nested session so its Plan, Working Memory, and event trail never
// collide with a sibling sub-query's. completed holds every sub-query that
// finished in an earlier wave; sq's own dependencies (already guaranteed
// complete by the DAG's wave ordering) are folded into the researched text
// as short context prefixes.
func (o *Orchestrator) researchSubQuery(ctx context.Context, sq decompose.SubQuery, parentSessionID string, completed map[string]subQueryOutcome, subQueryCycles int) subQueryOutcome {
	nestedSessionID := ids.Session()
	text := enrichWithDependencies(sq, completed)
	o.emit(ctx, parentSessionID, eventlog.EventSubQueryExecStarted, "", "", map[string]any{
		"subQueryId": sq.ID,
		"text":       text,
	})

	var result *resultstore.ResearchResult
	var err error
	if subQueryCycles > 0 {
		result, err = o.executeIterativeSession(ctx, text, nestedSessionID, subQueryCycles)
	} else {
		result, err = o.executeSimpleSession(ctx, text, nestedSessionID)
	}
	if err != nil {
		o.emit(ctx, parentSessionID, eventlog.EventSubQueryExecCompleted, "", "", map[string]any{
			"subQueryId": sq.ID,
			"error":      err.Error(),
		})
		return subQueryOutcome{query: sq, answer: "Failed to answer: " + err.Error(), failed: true}
	}

	o.emit(ctx, parentSessionID, eventlog.EventSubQueryExecCompleted, "", "", map[string]any{
		"subQueryId": sq.ID,
	})
	return subQueryOutcome{query: sq, answer: result.Answer, sources: result.Sources, confidence: result.Confidence}
}

// synthesizeSubAnswers asks the LLM to merge every sub-query's answer into
// one coherent response, returning it along with every sub-query's sources
// deduplicated by URL. If the synthesis call fails, it falls back to a plain
// concatenation so the session can still complete with an answer.
func (o *Orchestrator) synthesizeSubAnswers(ctx context.Context, query string, outcomes []subQueryOutcome, sessionID string) (string, []resultstore.SourceRef) {
	o.emit(ctx, sessionID, eventlog.EventFinalSynthStarted, "", "", nil)

	var b strings.Builder
	var fallback strings.Builder
	for _, oc := range outcomes {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", oc.query.Text, oc.answer)
		fmt.Fprintf(&fallback, "**%s**\n%s\n\n", oc.query.Text, oc.answer)
	}
	sources := dedupeOutcomeSources(outcomes)

	resp, err := o.client.Chat(ctx, chatmodel.ChatRequest{
		Model: o.model,
		Messages: []chatmodel.Message{
			{Role: chatmodel.RoleSystem, Parts: []chatmodel.Part{chatmodel.TextPart{
				Text: "Synthesize the sub-answers below into one coherent answer to the original query. Respond with the answer text only.",
			}}},
			{Role: chatmodel.RoleUser, Parts: []chatmodel.Part{chatmodel.TextPart{
				Text: fmt.Sprintf("Original query: %s\n\n%s", query, b.String()),
			}}},
		},
	})
	if err != nil {
		o.emit(ctx, sessionID, eventlog.EventFinalSynthCompleted, "", "", map[string]any{"error": err.Error(), "fallback": true})
		return fallback.String(), sources
	}

	o.emit(ctx, sessionID, eventlog.EventFinalSynthCompleted, "", "", nil)
	return resp.Message.Text(), sources
}

func dedupeOutcomeSources(outcomes []subQueryOutcome) []resultstore.SourceRef {
	seen := make(map[string]struct{})
	var out []resultstore.SourceRef
	for _, oc := range outcomes {
		for _, s := range oc.sources {
			if _, ok := seen[s.URL]; ok {
				continue
			}
			seen[s.URL] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// enrichWithDependencies prefixes sq.Text with a short excerpt of each
// completed dependency's answer, so the nested research session has the
// context it needs without re-deriving facts its siblings already found.
func enrichWithDependencies(sq decompose.SubQuery, completed map[string]subQueryOutcome) string {
	if len(sq.Dependencies) == 0 {
		return sq.Text
	}

	depIDs := make([]string, 0, len(sq.Dependencies))
	for id := range sq.Dependencies {
		depIDs = append(depIDs, id)
	}
	sort.Strings(depIDs)

	var b strings.Builder
	for _, id := range depIDs {
		dep, ok := completed[id]
		if !ok || dep.failed {
			continue
		}
		answer := dep.answer
		if len(answer) > dependencyPrefixLimit {
			answer = answer[:dependencyPrefixLimit]
		}
		fmt.Fprintf(&b, "Context from \"%s\": %s\n\n", dep.query.Text, answer)
	}
	if b.Len() == 0 {
		return sq.Text
	}
	return b.String() + sq.Text
}

func subQueryTexts(sqs []decompose.SubQuery) []string {
	out := make([]string, len(sqs))
	for i, sq := range sqs {
		out[i] = sq.Text
	}
	return out
}

func subQueryResultMap(outcomes []subQueryOutcome) map[string]resultstore.SubQueryResult {
	out := make(map[string]resultstore.SubQueryResult, len(outcomes))
	for _, oc := range outcomes {
		out[oc.query.ID] = resultstore.SubQueryResult{
			Question:   oc.query.Text,
			Answer:     oc.answer,
			Sources:    oc.sources,
			Confidence: oc.confidence,
		}
	}
	return out
}
