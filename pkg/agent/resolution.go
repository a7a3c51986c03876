package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/playbook"
)

// Resolution decision labels.
const (
	DecisionExecuted = "Executed"
	DecisionFailed   = "Failed"
	DecisionRetrying = "Retrying"
)

// DefaultStepRetries bounds per-step retries when the playbook step
// does not set max_retries.
const DefaultStepRetries = 2

// ResolutionAgent executes the assigned playbook's remaining steps
// through the tool-execution collaborator.
type ResolutionAgent struct {
	deps     Deps
	executor ToolExecutor
}

// NewResolutionAgent creates the resolution stage.
func NewResolutionAgent(deps Deps, executor ToolExecutor) *ResolutionAgent {
	return &ResolutionAgent{deps: deps, executor: executor}
}

func (a *ResolutionAgent) Name() string  { return "ResolutionAgent" }
func (a *ResolutionAgent) Stage() string { return models.StageResolution }

// Execute runs steps from current_step to the end of the playbook,
// advancing current_step after each success. A step that exhausts its
// retries fails the stage; the orchestrator still runs feedback.
func (a *ResolutionAgent) Execute(ctx context.Context, rec *models.ExceptionRecord, runCtx map[string]any) (*models.AgentDecision, error) {
	if rec.CurrentPlaybookID == nil || rec.CurrentStep == nil {
		return nil, fmt.Errorf("no playbook assigned to exception %s", rec.ExceptionID)
	}

	resolved, err := a.deps.Resolver.Resolve(rec.TenantID, domainName(runCtx))
	if err != nil {
		return nil, fmt.Errorf("resolving policy for resolution: %w", err)
	}

	var assigned *models.Playbook
	for i := range resolved.Playbooks {
		if resolved.Playbooks[i].ID == *rec.CurrentPlaybookID {
			assigned = &resolved.Playbooks[i]
			break
		}
	}
	if assigned == nil {
		return nil, fmt.Errorf("assigned playbook %d not found for tenant %s", *rec.CurrentPlaybookID, rec.TenantID)
	}

	steps, err := playbook.Steps(*assigned)
	if err != nil {
		return nil, fmt.Errorf("loading playbook steps: %w", err)
	}

	start := time.Now()
	var evidenceList []string
	for idx := *rec.CurrentStep - 1; idx < len(steps); idx++ {
		step := steps[idx]
		result, attempts, err := a.executeStep(ctx, rec, runCtx, step)
		if err != nil {
			return nil, err
		}

		a.recordStep(ctx, rec, step, result, attempts)

		if !result.Success {
			evidenceList = append(evidenceList,
				fmt.Sprintf("step %d (%s) failed after %d attempts: %s", step.StepOrder, step.Action, attempts, result.Error))
			a.recordPlaybookOutcome(rec, assigned.ID, false, time.Since(start))
			return &models.AgentDecision{
				Decision:   DecisionFailed,
				Confidence: 0.2,
				Evidence:   evidenceList,
				NextStep:   models.NextEscalate,
			}, nil
		}

		evidenceList = append(evidenceList,
			fmt.Sprintf("step %d (%s) executed", step.StepOrder, step.Action))
		next := step.StepOrder + 1
		rec.CurrentStep = &next
	}

	rec.ResolutionStatus = models.StatusResolved
	a.recordPlaybookOutcome(rec, assigned.ID, true, time.Since(start))

	a.deps.agentEvent(runCtx, rec.TenantID, a.Name(), a.Stage(), map[string]any{
		"exception_id": rec.ExceptionID,
		"playbook_id":  assigned.ID,
		"steps":        len(steps),
	})

	return &models.AgentDecision{
		Decision:   DecisionExecuted,
		Confidence: 0.95,
		Evidence:   evidenceList,
		NextStep:   models.NextDone,
	}, nil
}

// executeStep invokes one tool with bounded retries. A missing tool
// name makes the step a recorded no-op.
func (a *ResolutionAgent) executeStep(ctx context.Context, rec *models.ExceptionRecord, runCtx map[string]any, step models.PlaybookStep) (ToolResult, int, error) {
	if step.Tool == "" {
		return ToolResult{Success: true, Output: map[string]any{"action": step.Action, "noop": true}}, 1, nil
	}

	maxRetries := step.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultStepRetries
	}

	params := map[string]any{
		"tenant_id":    rec.TenantID,
		"exception_id": rec.ExceptionID,
		"action":       step.Action,
	}
	for k, v := range step.Params {
		params[k] = v
	}

	var result ToolResult
	attempts := 0
	for attempts <= maxRetries {
		if err := ctx.Err(); err != nil {
			return result, attempts, err
		}
		attempts++

		start := time.Now()
		var err error
		result, err = a.executor.Execute(ctx, step.Tool, params)
		if err != nil {
			return result, attempts, fmt.Errorf("executing tool %s: %w", step.Tool, err)
		}
		latency := time.Since(start)

		if a.deps.Metrics != nil {
			a.deps.Metrics.RecordToolInvocation(rec.TenantID, step.Tool, result.Success, attempts-1, latency)
		}
		if a.deps.Audit != nil {
			a.deps.Audit.ToolCall(runID(runCtx), rec.TenantID, step.Tool, map[string]any{
				"exception_id": rec.ExceptionID,
				"step_order":   step.StepOrder,
				"attempt":      attempts,
				"success":      result.Success,
				"error":        result.Error,
			})
		}

		if result.Success {
			break
		}
		a.deps.logger().Warn("Tool invocation failed",
			"tool", step.Tool, "exception_id", rec.ExceptionID,
			"attempt", attempts, "max_retries", maxRetries, "error", result.Error)
	}
	return result, attempts, nil
}

// recordStep persists the StepExecuted event and the tool evidence.
func (a *ResolutionAgent) recordStep(ctx context.Context, rec *models.ExceptionRecord, step models.PlaybookStep, result ToolResult, attempts int) {
	if a.deps.EventLog != nil {
		_, _ = a.deps.EventLog.AppendIfNew(ctx, rec.TenantID, models.Event{
			EventID:     uuid.New().String(),
			ExceptionID: rec.ExceptionID,
			TenantID:    rec.TenantID,
			EventType:   models.EventStepExecuted,
			ActorType:   models.ActorAgent,
			ActorID:     a.Name(),
			Payload: map[string]any{
				"step_order": step.StepOrder,
				"action":     step.Action,
				"tool":       step.Tool,
				"success":    result.Success,
				"attempts":   attempts,
			},
		})
	}

	if a.deps.Evidence != nil && step.Tool != "" {
		item, err := a.deps.Evidence.Record(models.EvidenceItem{
			Type:        models.EvidenceTool,
			SourceID:    step.Tool,
			Description: fmt.Sprintf("step %d (%s): success=%t", step.StepOrder, step.Action, result.Success),
			TenantID:    rec.TenantID,
			ExceptionID: rec.ExceptionID,
			Metadata:    map[string]any{"attempts": attempts},
		})
		if err == nil {
			influence := models.InfluenceSupport
			if !result.Success {
				influence = models.InfluenceContradict
			}
			_, _ = a.deps.Evidence.Link(rec.TenantID, rec.ExceptionID, a.Name(), a.Stage(), item.ID, influence)
		}
	}
}

func (a *ResolutionAgent) recordPlaybookOutcome(rec *models.ExceptionRecord, playbookID int, success bool, elapsed time.Duration) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.RecordPlaybookExecution(rec.TenantID, playbookID, success, elapsed)
	}
}
