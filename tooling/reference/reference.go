// Package reference provides test/demo-grade Executor implementations for
// tavily_search, web_fetch, and synthesize — sufficient to run an
// end-to-end research session without any live network or search API, but
// matching the exact I/O contract a production executor would need to
// satisfy.
package reference

import (
	"context"
	"fmt"
	"strings"

	"deepresearch/chatmodel"
	"deepresearch/plan"
	"deepresearch/tooling"
)

// TavilySearchSpec is the catalog entry for the tavily_search reference
// executor.
var TavilySearchSpec = tooling.Spec{
	Name:        "tavily_search",
	Description: "Search the web for pages relevant to a query and return ranked results.",
	ParametersSchema: map[string]any{
		"type":     "object",
		"required": []string{"query"},
		"properties": map[string]any{
			"query":       map[string]any{"type": "string"},
			"max_results": map[string]any{"type": "integer"},
		},
	},
}

// Corpus is an in-memory stand-in for a live search index: a flat list of
// documents the TavilySearch executor scores against the query by naive
// keyword overlap.
type Corpus struct {
	Documents []Document
}

// DemoCorpus returns a small general-knowledge Corpus, large enough to
// exercise a multi-step research session without any network access.
func DemoCorpus() *Corpus {
	return &Corpus{Documents: []Document{
		{
			URL:     "https://example.org/wiki/2008-financial-crisis",
			Title:   "2008 financial crisis",
			Content: "The 2008 financial crisis was triggered by the collapse of the U.S. subprime mortgage market, excessive leverage in shadow banking, and the failure of Lehman Brothers in September 2008.",
		},
		{
			URL:     "https://example.org/wiki/subprime-mortgage-crisis",
			Title:   "Subprime mortgage crisis",
			Content: "Subprime lenders extended mortgages to borrowers with poor credit; these loans were bundled into mortgage-backed securities and sold to investors worldwide, spreading the eventual losses.",
		},
		{
			URL:     "https://example.org/wiki/lehman-brothers",
			Title:   "Lehman Brothers collapse",
			Content: "Lehman Brothers filed for bankruptcy on September 15, 2008, the largest bankruptcy in U.S. history, triggering a global credit freeze.",
		},
		{
			URL:     "https://example.org/wiki/quantum-computing",
			Title:   "Quantum computing overview",
			Content: "Quantum computers use qubits and superposition to perform certain computations exponentially faster than classical computers, with applications in cryptography and optimization.",
		},
		{
			URL:     "https://example.org/wiki/climate-change-causes",
			Title:   "Causes of climate change",
			Content: "Human emissions of greenhouse gases, primarily carbon dioxide from fossil fuel combustion, are the dominant driver of observed climate change since the mid-20th century.",
		},
	}}
}

// Document is one page in a Corpus.
type Document struct {
	URL     string
	Title   string
	Content string
}

// NewTavilySearch returns an Executor that scores Corpus documents against
// the config's query by keyword overlap and returns the top max_results as
// plan.SearchResult values, matching the shape the Result Extractor
// recognizes.
func NewTavilySearch(corpus *Corpus) tooling.Executor {
	return tooling.ExecutorFunc(func(_ context.Context, config map[string]any) (tooling.Result, error) {
		query, _ := config["query"].(string)
		if strings.TrimSpace(query) == "" {
			return tooling.Result{}, fmt.Errorf("tavily_search: config.query is required")
		}
		maxResults := 5
		if mr, ok := config["max_results"].(int); ok && mr > 0 {
			maxResults = mr
		} else if mrf, ok := config["max_results"].(float64); ok && mrf > 0 {
			maxResults = int(mrf)
		}

		terms := keywords(query)
		type scored struct {
			plan.SearchResult
			rank float64
		}
		var hits []scored
		for _, doc := range corpus.Documents {
			score := overlapScore(terms, doc.Title, doc.Content)
			if score <= 0 {
				continue
			}
			s := score
			hits = append(hits, scored{
				SearchResult: plan.SearchResult{URL: doc.URL, Title: doc.Title, Content: doc.Content, Score: &s},
				rank:         score,
			})
		}
		// simple insertion sort, descending by rank; corpora are small.
		for i := 1; i < len(hits); i++ {
			j := i
			for j > 0 && hits[j-1].rank < hits[j].rank {
				hits[j-1], hits[j] = hits[j], hits[j-1]
				j--
			}
		}
		if len(hits) > maxResults {
			hits = hits[:maxResults]
		}
		results := make([]plan.SearchResult, len(hits))
		for i, h := range hits {
			results[i] = h.SearchResult
		}
		return tooling.Result{Output: results}, nil
	})
}

func keywords(q string) []string {
	fields := strings.Fields(strings.ToLower(q))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,?!;:\"'")
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

func overlapScore(terms []string, title, content string) float64 {
	haystack := strings.ToLower(title + " " + content)
	var hits int
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			hits++
		}
	}
	if len(terms) == 0 {
		return 0
	}
	return float64(hits) / float64(len(terms))
}

// WebFetchSpec is the catalog entry for the web_fetch reference executor.
var WebFetchSpec = tooling.Spec{
	Name:        "web_fetch",
	Description: "Fetch the full text content of a single URL.",
	ParametersSchema: map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url": map[string]any{"type": "string"},
		},
	},
}

// NewWebFetch returns an Executor that resolves a URL against Corpus
// instead of performing real network I/O, returning the document's content
// as a plain string.
func NewWebFetch(corpus *Corpus) tooling.Executor {
	return tooling.ExecutorFunc(func(_ context.Context, config map[string]any) (tooling.Result, error) {
		url, _ := config["url"].(string)
		if strings.TrimSpace(url) == "" {
			return tooling.Result{}, fmt.Errorf("web_fetch: config.url is required")
		}
		for _, doc := range corpus.Documents {
			if doc.URL == url {
				return tooling.Result{Output: doc.Content}, nil
			}
		}
		return tooling.Result{}, fmt.Errorf("web_fetch: no document for url %q", url)
	})
}

// SynthesizeSpec is the catalog entry for the synthesize reference
// executor.
var SynthesizeSpec = tooling.Spec{
	Name:        "synthesize",
	Description: "Produce a prose answer from the prompt and accumulated context using the chat model.",
	ParametersSchema: map[string]any{
		"type":     "object",
		"required": []string{"prompt"},
		"properties": map[string]any{
			"prompt":       map[string]any{"type": "string"},
			"systemPrompt": map[string]any{"type": "string"},
			"context":      map[string]any{"type": "string"},
		},
	},
}

const defaultSynthesizeSystemPrompt = "You are a research synthesis assistant. Answer the user's prompt using only the supplied context, citing sources by URL where relevant."

// NewSynthesize returns an Executor that sends prompt/context to client as
// a single-turn chat completion and returns the assistant's text.
func NewSynthesize(client chatmodel.Client, model string) tooling.Executor {
	return tooling.ExecutorFunc(func(ctx context.Context, config map[string]any) (tooling.Result, error) {
		prompt, _ := config["prompt"].(string)
		if strings.TrimSpace(prompt) == "" {
			return tooling.Result{}, fmt.Errorf("synthesize: config.prompt is required")
		}
		systemPrompt, _ := config["systemPrompt"].(string)
		if systemPrompt == "" {
			systemPrompt = defaultSynthesizeSystemPrompt
		}
		researchContext, _ := config["context"].(string)

		userText := prompt
		if researchContext != "" {
			userText = prompt + "\n\n---\n\n" + researchContext
		}

		resp, err := client.Chat(ctx, chatmodel.ChatRequest{
			Model: model,
			Messages: []chatmodel.Message{
				{Role: chatmodel.RoleSystem, Parts: []chatmodel.Part{chatmodel.TextPart{Text: systemPrompt}}},
				{Role: chatmodel.RoleUser, Parts: []chatmodel.Part{chatmodel.TextPart{Text: userText}}},
			},
		})
		if err != nil {
			return tooling.Result{}, fmt.Errorf("synthesize: %w", err)
		}
		return tooling.Result{Output: resp.Message.Text(), TokensUsed: resp.Usage.TotalTokens}, nil
	})
}
