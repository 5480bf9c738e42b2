package coverage

import (
	"context"
	"fmt"
	"strings"

	"deepresearch/plan"
)

// Verdict is the shared evaluation outcome contract every evaluator
// (plan, retrieval, answer — LLM-backed or heuristic) returns.
type Verdict struct {
	Passed            bool
	Scores            map[string]float64
	Confidence        float64
	FlaggedSevere     bool
	ShouldRegenerate  bool
	EvaluationSkipped bool
	SkipReason        string
	Critique          string
	FailingDimensions []string
	Issues            []Issue
}

// Issue is one specific problem/fix pair surfaced by an evaluator, used to
// build RegeneratePlanWithFeedback's structured critique.
type Issue struct {
	Problem string
	Fix     string
}

// passThreshold is the minimum mean dimension score for Passed = true.
const passThreshold = 0.6

// Evaluator is the contract every plan/retrieval/answer evaluator
// satisfies, whether heuristic or LLM-backed.
type Evaluator[T any] interface {
	Evaluate(ctx context.Context, input T) (*Verdict, error)
}

func meanScore(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, v := range scores {
		sum += v
	}
	return sum / float64(len(scores))
}

func failingDimensions(scores map[string]float64) []string {
	var out []string
	for dim, score := range scores {
		if score < passThreshold {
			out = append(out, dim)
		}
	}
	return out
}

func verdictFromScores(scores map[string]float64, issues []Issue) *Verdict {
	mean := meanScore(scores)
	return &Verdict{
		Passed:            mean >= passThreshold,
		Scores:            scores,
		Confidence:        mean,
		FailingDimensions: failingDimensions(scores),
		Issues:            issues,
	}
}

// PlanEvaluator is a reference heuristic plan evaluator: it checks
// structural completeness rather than semantic quality, since it has no LLM
// to consult.
type PlanEvaluator struct{}

// NewPlanEvaluator constructs the reference heuristic PlanEvaluator.
func NewPlanEvaluator() PlanEvaluator { return PlanEvaluator{} }

// Evaluate scores p on two dimensions: phaseCoverage (every phase has at
// least one step) and toolDiversity (more than one distinct tool is used,
// suggesting the plan does more than repeat a single action).
func (PlanEvaluator) Evaluate(_ context.Context, p *plan.Plan) (*Verdict, error) {
	if p == nil || len(p.Phases) == 0 {
		return &Verdict{EvaluationSkipped: true, SkipReason: "no plan to evaluate"}, nil
	}

	var emptyPhases int
	tools := make(map[string]struct{})
	for _, phase := range p.Phases {
		if phase.Status == plan.PhaseStatusSkipped {
			continue
		}
		if len(phase.Steps) == 0 {
			emptyPhases++
		}
		for _, s := range phase.Steps {
			tools[s.ToolName] = struct{}{}
		}
	}

	phaseCoverage := 1.0
	var issues []Issue
	if emptyPhases > 0 {
		phaseCoverage = 0.0
		issues = append(issues, Issue{
			Problem: fmt.Sprintf("%d phase(s) have no steps", emptyPhases),
			Fix:     "add at least one step to every non-skipped phase",
		})
	}

	toolDiversity := 1.0
	if len(tools) <= 1 {
		toolDiversity = 0.5
		issues = append(issues, Issue{
			Problem: "plan relies on a single tool",
			Fix:     "consider adding a search or fetch step before synthesis",
		})
	}

	scores := map[string]float64{"phaseCoverage": phaseCoverage, "toolDiversity": toolDiversity}
	v := verdictFromScores(scores, issues)
	if !v.Passed {
		var problems []string
		for _, i := range issues {
			problems = append(problems, i.Problem)
		}
		v.Critique = strings.Join(problems, "; ")
	}
	return v, nil
}

// RetrievalInput is the input to RetrievalEvaluator.Evaluate.
type RetrievalInput struct {
	Query   string
	Results []plan.SearchResult
}

// RetrievalEvaluator is a reference heuristic retrieval evaluator: it
// checks result count and keyword overlap with the query.
type RetrievalEvaluator struct{}

// NewRetrievalEvaluator constructs the reference heuristic
// RetrievalEvaluator.
func NewRetrievalEvaluator() RetrievalEvaluator { return RetrievalEvaluator{} }

// Evaluate scores a retrieval step's results on resultCount and
// relevanceOverlap.
func (RetrievalEvaluator) Evaluate(_ context.Context, in RetrievalInput) (*Verdict, error) {
	if len(in.Results) == 0 {
		return &Verdict{
			Passed:           false,
			Scores:           map[string]float64{"resultCount": 0, "relevanceOverlap": 0},
			FlaggedSevere:    true,
			ShouldRegenerate: true,
			Critique:         "retrieval returned no results",
		}, nil
	}

	resultCount := float64(len(in.Results)) / 5.0
	if resultCount > 1 {
		resultCount = 1
	}

	terms := strings.Fields(strings.ToLower(in.Query))
	var overlapSum float64
	for _, r := range in.Results {
		haystack := strings.ToLower(r.Title + " " + r.Content)
		var hits int
		for _, t := range terms {
			if len(t) > 2 && strings.Contains(haystack, t) {
				hits++
			}
		}
		if len(terms) > 0 {
			overlapSum += float64(hits) / float64(len(terms))
		}
	}
	relevanceOverlap := overlapSum / float64(len(in.Results))

	scores := map[string]float64{"resultCount": resultCount, "relevanceOverlap": relevanceOverlap}
	v := verdictFromScores(scores, nil)
	v.ShouldRegenerate = !v.Passed
	return v, nil
}

// AnswerInput is the input to AnswerEvaluator.Evaluate.
type AnswerInput struct {
	Query  string
	Answer string
}

// AnswerEvaluator is a reference heuristic answer evaluator: it checks
// answer length and whether the query's key terms are addressed.
type AnswerEvaluator struct{}

// NewAnswerEvaluator constructs the reference heuristic AnswerEvaluator.
func NewAnswerEvaluator() AnswerEvaluator { return AnswerEvaluator{} }

// Evaluate scores an answer on length and queryAlignment.
func (AnswerEvaluator) Evaluate(_ context.Context, in AnswerInput) (*Verdict, error) {
	if strings.TrimSpace(in.Answer) == "" {
		return &Verdict{EvaluationSkipped: true, SkipReason: "no answer produced yet"}, nil
	}

	length := float64(len(in.Answer)) / 300.0
	if length > 1 {
		length = 1
	}

	terms := strings.Fields(strings.ToLower(in.Query))
	haystack := strings.ToLower(in.Answer)
	var hits int
	for _, t := range terms {
		if len(t) > 2 && strings.Contains(haystack, t) {
			hits++
		}
	}
	queryAlignment := 1.0
	if len(terms) > 0 {
		queryAlignment = float64(hits) / float64(len(terms))
	}

	scores := map[string]float64{"length": length, "queryAlignment": queryAlignment}
	return verdictFromScores(scores, nil), nil
}
