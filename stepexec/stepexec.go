// Package stepexec implements the Step Executor: runs one plan.Step,
// enriching its config, dispatching to the Tool Registry, timing the call,
// and translating panics and errors into a well-formed plan.StepResult.
package stepexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"deepresearch/eventlog"
	"deepresearch/ids"
	"deepresearch/plan"
	"deepresearch/telemetry"
	"deepresearch/tooling"
)

// Registry is the subset of *tooling.Registry the Step Executor depends on.
type Registry interface {
	Execute(ctx context.Context, name string, config map[string]any) (tooling.Result, error)
}

// Executor runs Steps against a Registry, emitting lifecycle events to a
// Log Store.
type Executor struct {
	registry Registry
	store    eventlog.Store
	tracer   telemetry.Tracer
	timeout  time.Duration
}

// New constructs a Step Executor.
func New(registry Registry, store eventlog.Store) *Executor {
	return &Executor{registry: registry, store: store, tracer: telemetry.NewNoopTracer()}
}

// WithTracer returns a copy of the Step Executor that traces every Step
// execution via tracer instead of discarding spans.
func (e *Executor) WithTracer(tracer telemetry.Tracer) *Executor {
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	cp := *e
	cp.tracer = tracer
	return &cp
}

// WithTimeout returns a copy of the Step Executor that bounds each Step's
// tool execution to d. Zero disables the bound; a Step that overruns is
// reported as a failed StepResult with the cancelled error kind.
func (e *Executor) WithTimeout(d time.Duration) *Executor {
	cp := *e
	cp.timeout = d
	return &cp
}

// PriorResults is the accumulated set of StepResults available to a Step at
// dispatch time, keyed by StepID, used to enrich synthesize configs and to
// pick a default web_fetch URL.
type PriorResults map[string]plan.StepResult

// Run executes step, returning a StepResult that always satisfies the
// Status/Output/Error invariant. Run never panics: a panic inside the tool
// executor is recovered and reported as a failed StepResult.
func (e *Executor) Run(ctx context.Context, sessionID string, planQuery string, step *plan.Step, prior PriorResults) (result plan.StepResult) {
	step.Status = plan.StepStatusRunning
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "step."+step.ToolName,
		attribute.String("deepresearch.step_id", step.ID),
		attribute.String("deepresearch.phase_id", step.PhaseID),
		attribute.String("deepresearch.tool_name", step.ToolName),
	)
	defer span.End()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	config := enrichConfig(step, planQuery, prior)
	step.Config = config

	e.emit(ctx, sessionID, eventlog.EventStepStarted, step.PhaseID, step.ID, map[string]any{
		"toolName": step.ToolName,
		"config":   config,
	})

	defer func() {
		if r := recover(); r != nil {
			result = plan.StepResult{
				StepID:     step.ID,
				ToolName:   step.ToolName,
				Status:     plan.StepStatusFailed,
				Input:      config,
				Error:      &plan.StepError{Message: fmt.Sprintf("panic: %v", r), Stack: string(debug.Stack())},
				DurationMS: time.Since(start).Milliseconds(),
			}
			step.Status = plan.StepStatusFailed
			span.RecordError(fmt.Errorf("%s", result.Error.Message))
			e.emit(ctx, sessionID, eventlog.EventStepFailed, step.PhaseID, step.ID, map[string]any{
				"error":      result.Error.Message,
				"durationMs": result.DurationMS,
			})
		}
	}()

	out, err := e.registry.Execute(ctx, step.ToolName, config)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		step.Status = plan.StepStatusFailed
		stepErr := &plan.StepError{Message: err.Error()}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			stepErr.Kind = plan.ErrKindCancelled
		}
		result = plan.StepResult{
			StepID:     step.ID,
			ToolName:   step.ToolName,
			Status:     plan.StepStatusFailed,
			Input:      config,
			Error:      stepErr,
			DurationMS: duration,
		}
		span.RecordError(err)
		e.emit(ctx, sessionID, eventlog.EventStepFailed, step.PhaseID, step.ID, map[string]any{
			"error":      err.Error(),
			"durationMs": duration,
		})
		return result
	}

	step.Status = plan.StepStatusCompleted
	result = plan.StepResult{
		StepID:     step.ID,
		ToolName:   step.ToolName,
		Status:     plan.StepStatusCompleted,
		Input:      config,
		Output:     out.Output,
		DurationMS: duration,
		TokensUsed: plan.TokenUsage{Total: out.TokensUsed},
	}
	span.SetAttributes(
		attribute.Int64("deepresearch.duration_ms", duration),
		attribute.Int("deepresearch.tokens_used", out.TokensUsed),
	)
	e.emit(ctx, sessionID, eventlog.EventStepCompleted, step.PhaseID, step.ID, map[string]any{
		"durationMs": duration,
		"tokensUsed": out.TokensUsed,
	})
	return result
}

// enrichConfig applies synthesize-specific context building, then tool-keyed
// defaults for an empty config.
func enrichConfig(step *plan.Step, planQuery string, prior PriorResults) map[string]any {
	config := make(map[string]any, len(step.Config))
	for k, v := range step.Config {
		config[k] = v
	}

	if strings.Contains(step.ToolName, "synth") && len(prior) > 0 {
		if _, ok := config["query"]; !ok {
			config["query"] = planQuery
		}
		if _, ok := config["context"]; !ok {
			config["context"] = buildSynthesisContext(prior)
		}
		if _, ok := config["systemPrompt"]; !ok {
			config["systemPrompt"] = "You are a research synthesis assistant. Answer using only the supplied context."
		}
		if _, ok := config["prompt"]; !ok {
			config["prompt"] = planQuery
		}
	}

	if len(config) == 0 {
		switch step.ToolName {
		case "tavily_search", "web_search":
			config["query"] = planQuery
			config["max_results"] = 5
		case "web_fetch":
			if url := firstURL(prior); url != "" {
				config["url"] = url
			}
		}
	}
	return config
}

// buildSynthesisContext concatenates every prior structured search result
// (JSON pretty-printed) and fetched text block, separated by "---".
func buildSynthesisContext(prior PriorResults) string {
	var blocks []string
	for _, r := range prior {
		if r.Status != plan.StepStatusCompleted || r.Output == nil {
			continue
		}
		switch out := r.Output.(type) {
		case []plan.SearchResult:
			if b, err := json.MarshalIndent(out, "", "  "); err == nil {
				blocks = append(blocks, string(b))
			}
		case string:
			blocks = append(blocks, out)
		default:
			if b, err := json.MarshalIndent(out, "", "  "); err == nil {
				blocks = append(blocks, string(b))
			}
		}
	}
	return strings.Join(blocks, "\n---\n")
}

// firstURL returns the first URL surfaced by any prior search result, for
// use as a default web_fetch target.
func firstURL(prior PriorResults) string {
	for _, r := range prior {
		results, ok := r.Output.([]plan.SearchResult)
		if !ok {
			continue
		}
		for _, sr := range results {
			if sr.URL != "" {
				return sr.URL
			}
		}
	}
	return ""
}

func (e *Executor) emit(ctx context.Context, sessionID string, eventType eventlog.EventType, phaseID, stepID string, data map[string]any) {
	if e.store == nil {
		return
	}
	_, _ = e.store.Append(ctx, eventlog.LogEntry{
		ID:        ids.LogEntry(),
		SessionID: sessionID,
		EventType: eventType,
		PhaseID:   phaseID,
		StepID:    stepID,
		Data:      data,
	})
}
