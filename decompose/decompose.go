// Package decompose implements the Query Decomposer: a single LLM turn
// that splits a complex query into a DAG of SubQueries, then computes their
// wave-parallel execution plan with the same scheduler the Phase Executor
// uses.
package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"deepresearch/chatmodel"
	"deepresearch/dag"
	"deepresearch/eventlog"
	"deepresearch/ids"
)

// SubQueryType classifies the nature of a sub-query.
type SubQueryType string

const (
	TypeFactual     SubQueryType = "factual"
	TypeTemporal    SubQueryType = "temporal"
	TypeComparative SubQueryType = "comparative"
	TypeCausal      SubQueryType = "causal"
	TypeAnalytical  SubQueryType = "analytical"
)

// Priority ranks a sub-query's urgency.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// SubQuery is one atomic question the Decomposer carved out of the original
// query.
type SubQuery struct {
	ID                  string
	Text                string
	Order               int
	Dependencies        map[string]struct{}
	Type                SubQueryType
	Priority            Priority
	EstimatedComplexity int
}

func (q SubQuery) NodeID() string { return q.ID }
func (q SubQuery) DependsOnIDs() []string {
	if q.Dependencies == nil {
		return nil
	}
	out := make([]string, 0, len(q.Dependencies))
	for id := range q.Dependencies {
		out = append(out, id)
	}
	return out
}

// DecompositionResult is the Decomposer's output.
type DecompositionResult struct {
	OriginalQuery string
	IsComplex     bool
	Reasoning     string
	SubQueries    []SubQuery
	ExecutionPlan [][]SubQuery
}

// ErrDecomposition wraps a structured decomposition failure, such as a
// dependency cycle among sub-queries.
var ErrDecomposition = errors.New("decompose: decomposition failed")

// rawSubQuery mirrors the JSON shape the LLM is instructed to produce.
type rawSubQuery struct {
	Text                string   `json:"text"`
	Order               int      `json:"order"`
	Dependencies        []string `json:"dependencies"`
	Type                string   `json:"type"`
	Priority            string   `json:"priority"`
	EstimatedComplexity int      `json:"estimatedComplexity"`
}

type rawDecomposition struct {
	IsComplex  bool          `json:"isComplex"`
	Reasoning  string        `json:"reasoning"`
	SubQueries []rawSubQuery `json:"subQueries"`
}

const decompositionSystemPrompt = `You are a research query decomposer. Given a user query, decide ` +
	`whether it is complex enough to require splitting into independent sub-questions. Respond with ` +
	`JSON only: {"isComplex": bool, "reasoning": string, "subQueries": [{"text": string, "order": ` +
	`int, "dependencies": [string order-refs], "type": "factual"|"temporal"|"comparative"|"causal"|` +
	`"analytical", "priority": "high"|"medium"|"low", "estimatedComplexity": 1-5}]}. Leave ` +
	`subQueries empty when isComplex is false. Reference dependencies by their zero-based order index ` +
	`as a string.`

// Decomposer splits queries into sub-query DAGs via one LLM turn.
type Decomposer struct {
	client chatmodel.Client
	model  string
	store  eventlog.Store
}

// New constructs a Decomposer.
func New(client chatmodel.Client, model string, store eventlog.Store) *Decomposer {
	return &Decomposer{client: client, model: model, store: store}
}

// DecomposeQuery runs the decomposition LLM turn, assigns durable ids to
// every sub-query, and computes the wave-parallel ExecutionPlan.
func (d *Decomposer) DecomposeQuery(ctx context.Context, query, sessionID string) (*DecompositionResult, error) {
	d.emit(ctx, sessionID, eventlog.EventDecompositionStarted, map[string]any{"query": query})

	resp, err := d.client.Chat(ctx, chatmodel.ChatRequest{
		Model: d.model,
		Messages: []chatmodel.Message{
			{Role: chatmodel.RoleSystem, Parts: []chatmodel.Part{chatmodel.TextPart{Text: decompositionSystemPrompt}}},
			{Role: chatmodel.RoleUser, Parts: []chatmodel.Part{chatmodel.TextPart{Text: query}}},
		},
	})
	if err != nil {
		d.emit(ctx, sessionID, eventlog.EventDecompositionCompleted, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrDecomposition, err)
	}

	var raw rawDecomposition
	if err := json.Unmarshal([]byte(resp.Message.Text()), &raw); err != nil {
		d.emit(ctx, sessionID, eventlog.EventDecompositionCompleted, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("%w: invalid decomposition JSON: %v", ErrDecomposition, err)
	}

	result := &DecompositionResult{OriginalQuery: query, IsComplex: raw.IsComplex, Reasoning: raw.Reasoning}
	if !raw.IsComplex || len(raw.SubQueries) == 0 {
		result.IsComplex = false
		d.emit(ctx, sessionID, eventlog.EventDecompositionCompleted, map[string]any{"isComplex": false})
		return result, nil
	}

	// Assign durable ids keyed by the order index the LLM used for
	// dependency references, then translate dependency refs to those ids.
	idByOrder := make(map[int]string, len(raw.SubQueries))
	subQueries := make([]SubQuery, len(raw.SubQueries))
	for i, rsq := range raw.SubQueries {
		id := ids.SubQuery()
		idByOrder[rsq.Order] = id
		subQueries[i] = SubQuery{
			ID:                  id,
			Text:                rsq.Text,
			Order:               rsq.Order,
			Type:                normalizeType(rsq.Type),
			Priority:            normalizePriority(rsq.Priority),
			EstimatedComplexity: clampComplexity(rsq.EstimatedComplexity),
		}
	}
	for i, rsq := range raw.SubQueries {
		deps := make(map[string]struct{})
		for _, ref := range rsq.Dependencies {
			var order int
			if _, err := fmt.Sscanf(ref, "%d", &order); err != nil {
				continue // unknown reference is treated as satisfied, not fatal
			}
			if id, ok := idByOrder[order]; ok {
				deps[id] = struct{}{}
			}
		}
		subQueries[i].Dependencies = deps
		d.emit(ctx, sessionID, eventlog.EventSubQueryIdentified, map[string]any{
			"subQueryId": subQueries[i].ID,
			"text":       subQueries[i].Text,
		})
	}
	result.SubQueries = subQueries

	nodes := make([]SubQuery, len(subQueries))
	copy(nodes, subQueries)
	waves, hadCycle := dag.Waves(nodes)
	if hadCycle {
		d.emit(ctx, sessionID, eventlog.EventDecompositionCompleted, map[string]any{
			"error": "circular dependency among sub-queries",
		})
		return nil, fmt.Errorf("%w: circular dependency among sub-queries", ErrDecomposition)
	}
	result.ExecutionPlan = waves

	d.emit(ctx, sessionID, eventlog.EventDecompositionCompleted, map[string]any{
		"isComplex":  true,
		"subQueries": len(subQueries),
		"waves":      len(waves),
	})
	return result, nil
}

func normalizeType(s string) SubQueryType {
	switch SubQueryType(s) {
	case TypeFactual, TypeTemporal, TypeComparative, TypeCausal, TypeAnalytical:
		return SubQueryType(s)
	default:
		return TypeFactual
	}
}

func normalizePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

func clampComplexity(c int) int {
	if c < 1 {
		return 1
	}
	if c > 5 {
		return 5
	}
	return c
}

func (d *Decomposer) emit(ctx context.Context, sessionID string, eventType eventlog.EventType, data map[string]any) {
	if d.store == nil {
		return
	}
	_, _ = d.store.Append(ctx, eventlog.LogEntry{
		ID:        ids.LogEntry(),
		SessionID: sessionID,
		EventType: eventType,
		Data:      data,
	})
}
