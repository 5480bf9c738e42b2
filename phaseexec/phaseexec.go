// Package phaseexec implements the Phase Executor: runs a Phase's Steps
// wave by wave, in concurrent batches, short-circuiting on the first wave
// that produces a failure.
package phaseexec

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"deepresearch/dag"
	"deepresearch/eventlog"
	"deepresearch/ids"
	"deepresearch/plan"
	"deepresearch/stepexec"
	"deepresearch/telemetry"
)

// StepRunner is the subset of *stepexec.Executor the Phase Executor depends
// on.
type StepRunner interface {
	Run(ctx context.Context, sessionID string, planQuery string, step *plan.Step, prior stepexec.PriorResults) plan.StepResult
}

// Executor runs Phases wave by wave over a StepRunner.
type Executor struct {
	runner  StepRunner
	store   eventlog.Store
	tracer  telemetry.Tracer
	timeout time.Duration
}

// New constructs a Phase Executor.
func New(runner StepRunner, store eventlog.Store) *Executor {
	return &Executor{runner: runner, store: store, tracer: telemetry.NewNoopTracer()}
}

// WithTracer returns a copy of the Phase Executor that traces every Phase
// execution via tracer instead of discarding spans.
func (e *Executor) WithTracer(tracer telemetry.Tracer) *Executor {
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	cp := *e
	cp.tracer = tracer
	return &cp
}

// WithTimeout returns a copy of the Phase Executor that bounds each Phase's
// total execution to d. Zero disables the bound.
func (e *Executor) WithTimeout(d time.Duration) *Executor {
	cp := *e
	cp.timeout = d
	return &cp
}

type stepNode struct{ step *plan.Step }

func (n stepNode) NodeID() string { return n.step.ID }
func (n stepNode) DependsOnIDs() []string {
	if n.step.Dependencies == nil {
		return nil
	}
	ids := make([]string, 0, len(n.step.Dependencies))
	for id := range n.step.Dependencies {
		ids = append(ids, id)
	}
	return ids
}

// Run executes phase, mutating its Status and its Steps' Status in place,
// and returns the accumulated PhaseResult. priorPhaseResults carries every
// StepResult from phases that completed earlier in the same Plan, keyed by
// StepID, so synthesize Steps in this Phase can draw on earlier phases'
// output in addition to this Phase's own prior waves.
func (e *Executor) Run(ctx context.Context, sessionID, planQuery string, phase *plan.Phase, priorPhaseResults stepexec.PriorResults) plan.PhaseResult {
	phase.Status = plan.PhaseStatusRunning
	ctx, span := e.tracer.Start(ctx, "phase."+phase.Name,
		attribute.String("deepresearch.phase_id", phase.ID),
		attribute.String("deepresearch.plan_id", phase.PlanID),
	)
	defer span.End()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	e.emit(ctx, sessionID, eventlog.EventPhaseStarted, phase.ID, "", nil)

	nodes := make([]stepNode, len(phase.Steps))
	for i, s := range phase.Steps {
		nodes[i] = stepNode{step: s}
	}
	waves, _ := dag.Waves(nodes)

	byID := make(map[string]int, len(phase.Steps))
	for i, s := range phase.Steps {
		byID[s.ID] = i
	}
	results := make([]plan.StepResult, len(phase.Steps))

	accumulated := make(stepexec.PriorResults, len(priorPhaseResults)+len(phase.Steps))
	for k, v := range priorPhaseResults {
		accumulated[k] = v
	}

	for _, wave := range waves {
		waveResults := e.runWave(ctx, sessionID, planQuery, wave, accumulated)
		for i, n := range wave {
			idx := byID[n.step.ID]
			results[idx] = waveResults[i]
			accumulated[n.step.ID] = waveResults[i]
		}
		if failed := firstFailed(waveResults); failed != nil {
			phase.Status = plan.PhaseStatusFailed
			span.RecordError(failed.Error)
			e.emit(ctx, sessionID, eventlog.EventPhaseFailed, phase.ID, failed.StepID, map[string]any{
				"error": failed.Error.Error(),
			})
			return plan.PhaseResult{Status: plan.PhaseStatusFailed, StepResults: trimUnset(results), Error: failed.Error}
		}
	}

	phase.Status = plan.PhaseStatusCompleted
	e.emit(ctx, sessionID, eventlog.EventPhaseCompleted, phase.ID, "", nil)
	return plan.PhaseResult{Status: plan.PhaseStatusCompleted, StepResults: results}
}

// runWave runs every Step in wave concurrently, returning their results in
// wave order (not completion order) by writing into a pre-sized slice by
// index.
func (e *Executor) runWave(ctx context.Context, sessionID, planQuery string, wave []stepNode, prior stepexec.PriorResults) []plan.StepResult {
	out := make([]plan.StepResult, len(wave))
	var wg sync.WaitGroup
	for i, n := range wave {
		wg.Add(1)
		go func(i int, step *plan.Step) {
			defer wg.Done()
			out[i] = e.runner.Run(ctx, sessionID, planQuery, step, prior)
		}(i, n.step)
	}
	wg.Wait()
	return out
}

func firstFailed(results []plan.StepResult) *plan.StepResult {
	for i := range results {
		if results[i].Status == plan.StepStatusFailed {
			return &results[i]
		}
	}
	return nil
}

// trimUnset drops zero-valued StepResults for Steps that never ran because
// an earlier wave in this Phase already failed.
func trimUnset(results []plan.StepResult) []plan.StepResult {
	out := make([]plan.StepResult, 0, len(results))
	for _, r := range results {
		if r.StepID != "" {
			out = append(out, r)
		}
	}
	return out
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
