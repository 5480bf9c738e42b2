// Package coverage implements the Coverage Analyzer and a reference set of
// heuristic evaluators (plan/retrieval/answer) behind a shared Evaluator
// contract. Evaluators are specified only by their verdict shape: a
// production deployment can swap any of these for an LLM-backed
// implementation without touching the Orchestrator.
package coverage

import (
	"context"
	"encoding/json"
	"fmt"

	"deepresearch/chatmodel"
	"deepresearch/eventlog"
	"deepresearch/ids"
)

// Priority ranks a suggested retrieval's urgency.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Aspect is one facet of the query the Analyzer judged.
type Aspect struct {
	ID                string
	Description       string
	Keywords          []string
	Answered          bool
	Confidence        float64
	SupportingSources []string
}

// SuggestedRetrieval is a gap-filling search the Analyzer recommends.
type SuggestedRetrieval struct {
	Aspect      string
	SearchQuery string
	Priority    Priority
	Reasoning   string
}

// Result is the Coverage Analyzer's verdict.
type Result struct {
	OverallCoverage     float64
	AspectsCovered      []Aspect
	AspectsMissing      []Aspect
	SuggestedRetrievals []SuggestedRetrieval
	IsComplete          bool
}

// rawAspect/rawCoverage mirror the JSON the LLM is instructed to produce.
type rawAspect struct {
	ID                string   `json:"id"`
	Description       string   `json:"description"`
	Keywords          []string `json:"keywords"`
	Answered          bool     `json:"answered"`
	Confidence        float64  `json:"confidence"`
	SupportingSources []string `json:"supportingSources"`
}

type rawCoverage struct {
	Aspects []rawAspect `json:"aspects"`
}

const coverageSystemPrompt = `You judge how completely a draft answer covers a research query. ` +
	`Break the query into aspects it should address. Respond with JSON only: {"aspects": ` +
	`[{"id": string, "description": string, "keywords": [string], "answered": bool, "confidence": ` +
	`0..1, "supportingSources": [url]}]}.`

// Analyzer runs coverage analysis via one LLM turn per call.
type Analyzer struct {
	client chatmodel.Client
	model  string
	store  eventlog.Store
}

// NewAnalyzer constructs a Coverage Analyzer.
func NewAnalyzer(client chatmodel.Client, model string, store eventlog.Store) *Analyzer {
	return &Analyzer{client: client, model: model, store: store}
}

// AnalyzeCoverage scores how completely currentAnswer covers query given
// sources already gathered.
func (a *Analyzer) AnalyzeCoverage(ctx context.Context, query, currentAnswer string, sources []string, sessionID string) (*Result, error) {
	a.emit(ctx, sessionID, eventlog.EventCoverageStarted, map[string]any{"query": query})

	prompt := fmt.Sprintf("Query: %s\n\nDraft answer:\n%s\n\nSources gathered:\n%v", query, currentAnswer, sources)
	resp, err := a.client.Chat(ctx, chatmodel.ChatRequest{
		Model: a.model,
		Messages: []chatmodel.Message{
			{Role: chatmodel.RoleSystem, Parts: []chatmodel.Part{chatmodel.TextPart{Text: coverageSystemPrompt}}},
			{Role: chatmodel.RoleUser, Parts: []chatmodel.Part{chatmodel.TextPart{Text: prompt}}},
		},
	})
	if err != nil {
		a.emit(ctx, sessionID, eventlog.EventCoverageCompleted, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("coverage: analyze: %w", err)
	}

	var raw rawCoverage
	if err := json.Unmarshal([]byte(resp.Message.Text()), &raw); err != nil {
		a.emit(ctx, sessionID, eventlog.EventCoverageCompleted, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("coverage: invalid analyzer JSON: %w", err)
	}

	result := scoreAspects(raw.Aspects)
	a.emit(ctx, sessionID, eventlog.EventCoverageCompleted, map[string]any{
		"overallCoverage": result.OverallCoverage,
		"isComplete":      result.IsComplete,
	})
	return result, nil
}

// scoreAspects implements the pure scoring rule, factored out so it can be
// unit tested without an LLM round trip.
func scoreAspects(raw []rawAspect) *Result {
	result := &Result{}
	if len(raw) == 0 {
		result.IsComplete = true
		result.OverallCoverage = 1
		return result
	}

	var sum float64
	for _, ra := range raw {
		aspect := Aspect{
			ID:                ra.ID,
			Description:       ra.Description,
			Keywords:          ra.Keywords,
			Answered:          ra.Answered,
			Confidence:        ra.Confidence,
			SupportingSources: ra.SupportingSources,
		}
		score := 0.0
		if ra.Answered {
			score = ra.Confidence
		}
		sum += score

		if ra.Confidence >= 0.7 {
			result.AspectsCovered = append(result.AspectsCovered, aspect)
			continue
		}
		result.AspectsMissing = append(result.AspectsMissing, aspect)
		result.SuggestedRetrievals = append(result.SuggestedRetrievals, SuggestedRetrieval{
			Aspect:      aspect.ID,
			SearchQuery: aspect.Description,
			Priority:    priorityFor(ra),
			Reasoning:   fmt.Sprintf("aspect %q is under-covered (confidence %.2f)", aspect.ID, ra.Confidence),
		})
	}
	result.OverallCoverage = sum / float64(len(raw))
	result.IsComplete = result.OverallCoverage >= 0.85
	return result
}

func priorityFor(ra rawAspect) Priority {
	switch {
	case !ra.Answered:
		return PriorityHigh
	case ra.Confidence >= 0.4 && ra.Confidence < 0.7:
		return PriorityMedium
	case ra.Confidence >= 0.7 && ra.Confidence < 0.85:
		return PriorityLow
	default:
		return PriorityHigh
	}
}

func (a *Analyzer) emit(ctx context.Context, sessionID string, eventType eventlog.EventType, data map[string]any) {
	if a.store == nil {
		return
	}
	_, _ = a.store.Append(ctx, eventlog.LogEntry{
		ID:        ids.LogEntry(),
		SessionID: sessionID,
		EventType: eventType,
		Data:      data,
	})
}
