// Package extract implements the Result Extractor: derives the
// (sources, output) tuple from a Phase's accumulated StepResults, and pulls
// the search queries a Plan is about to issue.
package extract

import (
	"sort"
	"strings"

	"deepresearch/plan"
)

// Relevance classifies a Source's standing, derived from its underlying
// search result's score.
type Relevance string

const (
	RelevanceHigh   Relevance = "high"
	RelevanceMedium Relevance = "medium"
)

// Source is one deduplicated search hit surfaced to an answer.
type Source struct {
	URL       string
	Title     string
	Relevance Relevance
}

// Sources scans every StepResult in results whose Output is a sequence of
// plan.SearchResult, deduplicates by URL keeping the higher-relevance
// record, and returns them sorted high-relevance first.
func Sources(results []plan.StepResult) []Source {
	best := make(map[string]plan.SearchResult)
	for _, r := range results {
		hits, ok := r.Output.([]plan.SearchResult)
		if !ok {
			continue
		}
		for _, hit := range hits {
			if hit.URL == "" {
				continue
			}
			cur, exists := best[hit.URL]
			if !exists || relevanceRank(hit) > relevanceRank(cur) {
				best[hit.URL] = hit
			}
		}
	}

	out := make([]Source, 0, len(best))
	for _, hit := range best {
		out = append(out, Source{URL: hit.URL, Title: hit.Title, Relevance: relevanceOf(hit)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Relevance, out[j].Relevance
		if ri == rj {
			return out[i].URL < out[j].URL
		}
		return ri == RelevanceHigh
	})
	return out
}

func relevanceOf(r plan.SearchResult) Relevance {
	if r.Score != nil && *r.Score > 0.7 {
		return RelevanceHigh
	}
	return RelevanceMedium
}

func relevanceRank(r plan.SearchResult) int {
	if relevanceOf(r) == RelevanceHigh {
		return 1
	}
	return 0
}

// Output picks the phase's synthesized text. It first looks for the
// earliest StepResult whose ToolName contains "synth" or equals "llm" and
// whose Output is a non-empty string; failing that, it picks the earliest
// non-empty string output longer than 50 characters. If neither is found it
// returns "".
func Output(results []plan.StepResult) string {
	for _, r := range results {
		if !isSynthesisTool(r.ToolName) {
			continue
		}
		if s, ok := r.Output.(string); ok && s != "" {
			return s
		}
	}
	for _, r := range results {
		if s, ok := r.Output.(string); ok && len(s) > 50 {
			return s
		}
	}
	return ""
}

func isSynthesisTool(toolName string) bool {
	return strings.Contains(toolName, "synth") || toolName == "llm"
}

// SearchQueries enumerates every Step in p whose ToolName is tavily_search
// or web_search and whose config.query is a non-empty string.
func SearchQueries(p *plan.Plan) []string {
	var out []string
	for _, phase := range p.Phases {
		for _, step := range phase.Steps {
			if step.ToolName != "tavily_search" && step.ToolName != "web_search" {
				continue
			}
			q, ok := step.Config["query"].(string)
			if !ok || q == "" {
				continue
			}
			out = append(out, q)
		}
	}
	return out
}
