package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/redress-ops/redress/pkg/metrics"
	"github.com/redress-ops/redress/pkg/models"
)

// FeedbackAgent summarizes the outcome, records metrics, and writes
// the terminal outcome event.
type FeedbackAgent struct {
	deps Deps
}

// NewFeedbackAgent creates the feedback stage.
func NewFeedbackAgent(deps Deps) *FeedbackAgent {
	return &FeedbackAgent{deps: deps}
}

func (a *FeedbackAgent) Name() string  { return "FeedbackAgent" }
func (a *FeedbackAgent) Stage() string { return models.StageFeedback }

// Execute records the exception outcome and produces the terminal
// decision. It never fails the pipeline.
func (a *FeedbackAgent) Execute(ctx context.Context, rec *models.ExceptionRecord, runCtx map[string]any) (*models.AgentDecision, error) {
	actionability, _ := runCtx["actionability"].(models.Actionability)
	skipped, _ := runCtx[CtxSkipped].(string)

	var resolutionMinutes float64
	if rec.ResolutionStatus == models.StatusResolved && !rec.Timestamp.IsZero() {
		resolutionMinutes = time.Since(rec.Timestamp).Minutes()
	}

	if a.deps.Metrics != nil {
		a.deps.Metrics.RecordException(rec.TenantID, metrics.ExceptionOutcome{
			ExceptionID:       rec.ExceptionID,
			ExceptionType:     rec.ExceptionType,
			Status:            rec.ResolutionStatus,
			Actionability:     actionability,
			ResolutionMinutes: resolutionMinutes,
		})
	}

	summary := fmt.Sprintf("Outcome: %s", rec.ResolutionStatus)
	if skipped != "" {
		summary = fmt.Sprintf("Outcome: %s (%s)", rec.ResolutionStatus, skipped)
	}

	if a.deps.EventLog != nil {
		_, _ = a.deps.EventLog.AppendIfNew(ctx, rec.TenantID, models.Event{
			EventID:     uuid.New().String(),
			ExceptionID: rec.ExceptionID,
			TenantID:    rec.TenantID,
			EventType:   models.EventResolutionOutcome,
			ActorType:   models.ActorAgent,
			ActorID:     a.Name(),
			Payload: map[string]any{
				"status":        string(rec.ResolutionStatus),
				"actionability": string(actionability),
				"summary":       summary,
			},
		})
	}

	a.deps.agentEvent(runCtx, rec.TenantID, a.Name(), a.Stage(), map[string]any{
		"exception_id": rec.ExceptionID,
		"status":       string(rec.ResolutionStatus),
		"summary":      summary,
	})

	evidenceList := []string{summary}
	if skipped != "" {
		evidenceList = append(evidenceList, skipped)
	}

	return &models.AgentDecision{
		Decision:   summary,
		Confidence: 1.0,
		Evidence:   evidenceList,
		NextStep:   models.NextDone,
	}, nil
}
