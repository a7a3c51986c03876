// Package pipeline drives exception records through the fixed stage
// sequence intake, triage, policy, resolution, feedback. One
// orchestrator serves many concurrent exceptions; within an exception
// stages run strictly in order.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redress-ops/redress/pkg/agent"
	"github.com/redress-ops/redress/pkg/audit"
	"github.com/redress-ops/redress/pkg/backpressure"
	"github.com/redress-ops/redress/pkg/events"
	"github.com/redress-ops/redress/pkg/metrics"
	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/storage"
)

// ErrStageTimeout marks a stage that exceeded its time budget.
var ErrStageTimeout = errors.New("TIMEOUT")

// ErrNotPendingApproval is returned by Resume when the exception is
// not halted for approval.
var ErrNotPendingApproval = errors.New("exception is not pending approval")

// SkipNonActionable is the skip marker feedback receives when policy
// classified the exception as non-actionable.
const SkipNonActionable = "Non-actionable exception"

// Hooks are advisory callbacks around stage execution. Panics inside a
// hook are logged and swallowed.
type Hooks struct {
	BeforeStage func(stage string, runCtx map[string]any)
	AfterStage  func(stage string, decision *models.AgentDecision)
	OnFailure   func(stage string, err error)
}

// Options configure one orchestrator.
type Options struct {
	// StageTimeouts maps stage name to its budget. An explicit zero
	// entry times the stage out immediately; an absent entry means no
	// timeout.
	StageTimeouts map[string]time.Duration

	// MaxParallel bounds concurrent per-exception state machines in
	// ExecuteBatch. Values below 1 mean sequential.
	MaxParallel int

	// SnapshotsDir, when set, receives a JSON snapshot after each
	// stage. Snapshots are informational only.
	SnapshotsDir string

	Hooks Hooks
}

// Orchestrator runs the per-exception state machine and the parallel
// batch fan-out.
type Orchestrator struct {
	intake     agent.Agent
	triage     agent.Agent
	policy     agent.Agent
	resolution agent.Agent
	feedback   agent.Agent

	store    storage.ExceptionStore
	eventLog storage.EventLog
	bus      *events.Bus
	pressure *backpressure.Controller
	auditor  *audit.Logger
	metrics  *metrics.Collector
	logger   *slog.Logger
	opts     Options
}

// New assembles an orchestrator over the five stage agents.
func New(deps agent.Deps, executor agent.ToolExecutor, store storage.ExceptionStore, bus *events.Bus, pressure *backpressure.Controller, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		intake:     agent.NewIntakeAgent(deps),
		triage:     agent.NewTriageAgent(deps),
		policy:     agent.NewPolicyAgent(deps),
		resolution: agent.NewResolutionAgent(deps, executor),
		feedback:   agent.NewFeedbackAgent(deps),
		store:      store,
		eventLog:   deps.EventLog,
		bus:        bus,
		pressure:   pressure,
		auditor:    deps.Audit,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "orchestrator"),
		opts:       opts,
	}
}

// Execute runs one exception through the state machine. The returned
// result always carries a terminal view of the run; errors are
// recorded per stage, never returned.
func (o *Orchestrator) Execute(ctx context.Context, rec *models.ExceptionRecord) *models.PipelineResult {
	runID := uuid.New().String()
	runCtx := map[string]any{agent.CtxRunID: runID}

	result := models.NewPipelineResult(rec.TenantID, rec.ExceptionID, runID)

	o.recordReceived(ctx, rec)

	// Intake. A failure here means the record could not even be
	// normalized; nothing downstream can run.
	if _, err := o.runStage(ctx, o.intake, rec, runCtx, result, 0); err != nil {
		rec.ResolutionStatus = models.StatusFailed
		return o.finish(ctx, rec, runCtx, result)
	}
	result.TenantID = rec.TenantID
	result.ExceptionID = rec.ExceptionID

	if _, err := o.runStage(ctx, o.triage, rec, runCtx, result, 1); err != nil {
		rec.ResolutionStatus = models.StatusFailed
		return o.finish(ctx, rec, runCtx, result)
	}

	policyDecision, err := o.runStage(ctx, o.policy, rec, runCtx, result, 2)
	if err != nil {
		rec.ResolutionStatus = models.StatusFailed
		return o.finish(ctx, rec, runCtx, result)
	}

	// Halt is keyed on the effective resolution status, not on the
	// advisory next_step.
	if rec.ResolutionStatus == models.StatusPendingApproval {
		if o.metrics != nil {
			o.metrics.UpdateApprovalQueue(rec.TenantID, metrics.ApprovalEnqueued, time.Now())
		}
		return o.finish(ctx, rec, runCtx, result)
	}

	actionability, _ := runCtx["actionability"].(models.Actionability)
	switch {
	case actionability == models.NonActionableInfoOnly:
		rec.ResolutionStatus = models.StatusEscalated
		runCtx[agent.CtxSkipped] = SkipNonActionable
		o.skipStage(result, models.StageResolution, SkipNonActionable)
	case policyDecision != nil && policyDecision.NextStep == models.NextEscalate:
		rec.ResolutionStatus = models.StatusEscalated
		o.skipStage(result, models.StageResolution, "Escalated by policy")
	case rec.CurrentPlaybookID == nil:
		// Blocked decisions leave no playbook to execute; the
		// exception needs a human, so it ends escalated.
		rec.ResolutionStatus = models.StatusEscalated
		runCtx[agent.CtxSkipped] = "No playbook assigned"
		o.skipStage(result, models.StageResolution, "No playbook assigned")
	default:
		decision, err := o.runStage(ctx, o.resolution, rec, runCtx, result, 3)
		if err != nil || (decision != nil && decision.Decision == agent.DecisionFailed) {
			rec.ResolutionStatus = models.StatusFailed
		}
	}

	// Feedback always runs once the pipeline got past policy.
	_, _ = o.runStage(ctx, o.feedback, rec, runCtx, result, 4)

	return o.finish(ctx, rec, runCtx, result)
}

// ExecuteBatch fans the batch out across bounded workers and fans the
// results back in preserving input order. One exception's failure
// never aborts the batch.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, recs []*models.ExceptionRecord) []*models.PipelineResult {
	if len(recs) == 0 {
		return nil
	}

	maxParallel := o.opts.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}

	results := make([]*models.PipelineResult, len(recs))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for i, rec := range recs {
		wg.Add(1)
		go func(i int, rec *models.ExceptionRecord) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if o.pressure != nil {
				if !o.pressure.IncrementInFlight() {
					o.logger.Warn("In-flight capacity exceeded, continuing under load",
						"tenant_id", rec.TenantID, "exception_id", rec.ExceptionID)
				}
				defer o.pressure.DecrementInFlight()
			}

			results[i] = o.Execute(ctx, rec)
		}(i, rec)
	}
	wg.Wait()
	return results
}

// Resume applies an approval and continues a PENDING_APPROVAL
// exception from resolution. The approval event gets a fresh id so a
// replayed resume stays idempotent at the event-log layer.
func (o *Orchestrator) Resume(ctx context.Context, rec *models.ExceptionRecord, approver string) (*models.PipelineResult, error) {
	if rec.ResolutionStatus != models.StatusPendingApproval {
		return nil, fmt.Errorf("%w: exception %s is %s", ErrNotPendingApproval, rec.ExceptionID, rec.ResolutionStatus)
	}

	runID := uuid.New().String()
	runCtx := map[string]any{agent.CtxRunID: runID}
	result := models.NewPipelineResult(rec.TenantID, rec.ExceptionID, runID)

	if o.eventLog != nil {
		_, _ = o.eventLog.AppendIfNew(ctx, rec.TenantID, models.Event{
			EventID:     uuid.New().String(),
			ExceptionID: rec.ExceptionID,
			TenantID:    rec.TenantID,
			EventType:   models.EventApprovalGranted,
			ActorType:   models.ActorUser,
			ActorID:     approver,
			Payload:     map[string]any{"approver": approver},
		})
	}
	if o.metrics != nil {
		o.metrics.UpdateApprovalQueue(rec.TenantID, metrics.ApprovalApproved, time.Now())
	}

	rec.ResolutionStatus = models.StatusInProgress
	runCtx["actionability"] = models.ActionableApproved

	decision, err := o.runStage(ctx, o.resolution, rec, runCtx, result, 3)
	if err != nil || (decision != nil && decision.Decision == agent.DecisionFailed) {
		rec.ResolutionStatus = models.StatusFailed
	}
	_, _ = o.runStage(ctx, o.feedback, rec, runCtx, result, 4)

	return o.finish(ctx, rec, runCtx, result), nil
}

// runStage executes one agent under its timeout, records the stage
// result, fires hooks, snapshots, and publishes stage_completed.
func (o *Orchestrator) runStage(ctx context.Context, ag agent.Agent, rec *models.ExceptionRecord, runCtx map[string]any, result *models.PipelineResult, stageIndex int) (*models.AgentDecision, error) {
	stage := ag.Stage()
	o.fireBefore(stage, runCtx)

	start := time.Now()
	decision, err := o.invoke(ctx, ag, rec, runCtx)
	elapsed := time.Since(start)

	stageResult := &models.StageResult{
		AgentName:   ag.Name(),
		Decision:    decision,
		DurationMS:  elapsed.Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}

	if err != nil {
		stageResult.Error = stageError(err)
		result.AddStage(stage, stageResult)
		o.fireFailure(stage, err)
		o.logger.Error("Stage failed",
			"stage", stage, "tenant_id", rec.TenantID, "exception_id", rec.ExceptionID,
			"duration_ms", elapsed.Milliseconds(), "error", err)
		o.afterStage(ctx, rec, runCtx, result, stage, stageIndex)
		return decision, err
	}

	result.AddStage(stage, stageResult)
	runCtx[stage] = decision
	if decision != nil && o.metrics != nil {
		o.metrics.RecordConfidence(rec.TenantID, decision.Confidence)
	}
	if decision != nil && o.auditor != nil {
		o.auditor.Decision(runID(runCtx), rec.TenantID, stage, map[string]any{
			"exception_id": rec.ExceptionID,
			"decision":     decision.Decision,
			"confidence":   decision.Confidence,
			"next_step":    decision.NextStep,
		})
	}
	o.fireAfter(stage, decision)
	o.logger.Info("Stage completed",
		"stage", stage, "tenant_id", rec.TenantID, "exception_id", rec.ExceptionID,
		"duration_ms", elapsed.Milliseconds())

	o.afterStage(ctx, rec, runCtx, result, stage, stageIndex)
	return decision, nil
}

// invoke runs the stage body, converting panics to errors and
// enforcing the per-stage timeout. An explicit zero budget times the
// stage out before the body runs.
func (o *Orchestrator) invoke(ctx context.Context, ag agent.Agent, rec *models.ExceptionRecord, runCtx map[string]any) (*models.AgentDecision, error) {
	timeout, hasTimeout := o.stageTimeout(ag.Stage())
	if hasTimeout && timeout <= 0 {
		return nil, ErrStageTimeout
	}

	type outcome struct {
		decision *models.AgentDecision
		err      error
	}

	stageCtx := ctx
	var cancel context.CancelFunc
	if hasTimeout {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("stage %s panicked: %v", ag.Stage(), r)}
			}
		}()
		decision, err := ag.Execute(stageCtx, rec, runCtx)
		done <- outcome{decision: decision, err: err}
	}()

	select {
	case out := <-done:
		return out.decision, out.err
	case <-stageCtx.Done():
		if hasTimeout && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrStageTimeout
		}
		return nil, stageCtx.Err()
	}
}

// afterStage persists the in-progress view, writes the optional
// snapshot, and streams stage_completed to subscribers.
func (o *Orchestrator) afterStage(ctx context.Context, rec *models.ExceptionRecord, runCtx map[string]any, result *models.PipelineResult, stage string, stageIndex int) {
	if o.store != nil && rec.TenantID != "" {
		if err := o.store.Put(ctx, rec.TenantID, *rec, result); err != nil {
			o.logger.Warn("Persisting stage snapshot failed",
				"stage", stage, "exception_id", rec.ExceptionID, "error", err)
		}
	}

	o.writeSnapshot(rec, runCtx, result, stageIndex)

	if o.bus != nil && rec.TenantID != "" {
		o.bus.Publish(events.Event{
			TenantID:    rec.TenantID,
			ExceptionID: rec.ExceptionID,
			Type:        "stage_completed",
			Stage:       stage,
			Payload: map[string]any{
				"run_id": runID(runCtx),
				"status": string(rec.ResolutionStatus),
			},
		})
	}
}

// writeSnapshot drops the informational per-stage JSON file. Failures
// are logged only.
func (o *Orchestrator) writeSnapshot(rec *models.ExceptionRecord, runCtx map[string]any, result *models.PipelineResult, stageIndex int) {
	if o.opts.SnapshotsDir == "" || rec.ExceptionID == "" {
		return
	}

	snapshot := map[string]any{
		"exception":     rec,
		"context":       snapshotContext(runCtx),
		"stages_so_far": result.StageNames,
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		o.logger.Warn("Encoding snapshot failed", "exception_id", rec.ExceptionID, "error", err)
		return
	}

	if err := os.MkdirAll(o.opts.SnapshotsDir, 0o755); err != nil {
		o.logger.Warn("Creating snapshot dir failed", "dir", o.opts.SnapshotsDir, "error", err)
		return
	}
	path := filepath.Join(o.opts.SnapshotsDir, fmt.Sprintf("%s_%d.json", rec.ExceptionID, stageIndex))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		o.logger.Warn("Writing snapshot failed", "path", path, "error", err)
	}
}

// snapshotContext keeps the JSON-friendly subset of the run context.
func snapshotContext(runCtx map[string]any) map[string]any {
	out := make(map[string]any, len(runCtx))
	for k, v := range runCtx {
		switch v.(type) {
		case string, int, float64, bool, models.Actionability:
			out[k] = v
		case *models.AgentDecision:
			out[k] = v
		}
	}
	return out
}

func (o *Orchestrator) skipStage(result *models.PipelineResult, stage, reason string) {
	result.AddStage(stage, &models.StageResult{
		Skipped:     reason,
		CompletedAt: time.Now().UTC(),
	})
}

// finish stamps the terminal status and persists the final state.
func (o *Orchestrator) finish(ctx context.Context, rec *models.ExceptionRecord, runCtx map[string]any, result *models.PipelineResult) *models.PipelineResult {
	result.Status = rec.ResolutionStatus
	result.CompletedAt = time.Now().UTC()

	if o.store != nil && rec.TenantID != "" {
		if err := o.store.Put(ctx, rec.TenantID, *rec, result); err != nil {
			o.logger.Error("Persisting final state failed",
				"tenant_id", rec.TenantID, "exception_id", rec.ExceptionID, "error", err)
		}
	}
	return result
}

// recordReceived appends the ExceptionReceived event before intake so
// the log covers records that fail normalization. Records without a
// tenant id cannot be logged yet.
func (o *Orchestrator) recordReceived(ctx context.Context, rec *models.ExceptionRecord) {
	if o.eventLog == nil || rec.TenantID == "" || rec.ExceptionID == "" {
		return
	}
	_, _ = o.eventLog.AppendIfNew(ctx, rec.TenantID, models.Event{
		EventID:     uuid.New().String(),
		ExceptionID: rec.ExceptionID,
		TenantID:    rec.TenantID,
		EventType:   models.EventExceptionReceived,
		ActorType:   models.ActorSystem,
		Payload:     map[string]any{"source_system": rec.SourceSystem},
	})
}

func (o *Orchestrator) stageTimeout(stage string) (time.Duration, bool) {
	if o.opts.StageTimeouts == nil {
		return 0, false
	}
	d, ok := o.opts.StageTimeouts[stage]
	return d, ok
}

func (o *Orchestrator) fireBefore(stage string, runCtx map[string]any) {
	if o.opts.Hooks.BeforeStage == nil {
		return
	}
	defer o.recoverHook("before_stage", stage)
	o.opts.Hooks.BeforeStage(stage, runCtx)
}

func (o *Orchestrator) fireAfter(stage string, decision *models.AgentDecision) {
	if o.opts.Hooks.AfterStage == nil {
		return
	}
	defer o.recoverHook("after_stage", stage)
	o.opts.Hooks.AfterStage(stage, decision)
}

func (o *Orchestrator) fireFailure(stage string, err error) {
	if o.opts.Hooks.OnFailure == nil {
		return
	}
	defer o.recoverHook("on_failure", stage)
	o.opts.Hooks.OnFailure(stage, err)
}

func (o *Orchestrator) recoverHook(hook, stage string) {
	if r := recover(); r != nil {
		o.logger.Warn("Hook panicked", "hook", hook, "stage", stage, "panic", fmt.Sprintf("%v", r))
	}
}

// stageError maps an error to the stage error label stored in the
// result.
func stageError(err error) string {
	switch {
	case errors.Is(err, ErrStageTimeout):
		return "TIMEOUT"
	case errors.Is(err, agent.ErrValidationFailed):
		return "VALIDATION_FAILED"
	case errors.Is(err, agent.ErrClassificationFailed):
		return "CLASSIFICATION_FAILED"
	default:
		return err.Error()
	}
}

func runID(runCtx map[string]any) string {
	id, _ := runCtx[agent.CtxRunID].(string)
	return id
}
