// Package agent implements the pipeline stages: intake, triage,
// policy, resolution, and feedback. Each agent consumes the exception
// record plus a shared run context and produces an AgentDecision.
package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redress-ops/redress/pkg/audit"
	"github.com/redress-ops/redress/pkg/evidence"
	"github.com/redress-ops/redress/pkg/metrics"
	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/playbook"
	"github.com/redress-ops/redress/pkg/policy"
	"github.com/redress-ops/redress/pkg/storage"
)

// Stage failure sentinels.
var (
	// ErrValidationFailed indicates intake could not produce a valid
	// exception record.
	ErrValidationFailed = errors.New("VALIDATION_FAILED")

	// ErrClassificationFailed indicates triage could not determine an
	// exception type.
	ErrClassificationFailed = errors.New("CLASSIFICATION_FAILED")
)

// Run context keys shared across stages. Per-stage decisions are
// stored under the stage name itself.
const (
	CtxRunID               = "run_id"
	CtxDomain              = "domain"
	CtxPipelineID          = "pipelineId"
	CtxSuggestedPlaybookID = "suggested_playbook_id"
	CtxSkipped             = "skipped"
)

// Agent is one pipeline stage.
type Agent interface {
	// Name identifies the agent, e.g. "IntakeAgent".
	Name() string

	// Stage returns the stage name the agent serves.
	Stage() string

	// Execute runs the stage. The record and run context are mutated
	// in place; the returned decision is stored under the stage name.
	Execute(ctx context.Context, rec *models.ExceptionRecord, runCtx map[string]any) (*models.AgentDecision, error)
}

// Deps are the collaborators shared by all agents. Audit, Evidence,
// Metrics, and Similarity may be nil; agents degrade gracefully
// without them.
type Deps struct {
	Resolver   *policy.Resolver
	Matcher    *playbook.Matcher
	EventLog   storage.EventLog
	Audit      *audit.Logger
	Evidence   *evidence.Tracker
	Metrics    *metrics.Collector
	Similarity SimilaritySearcher
	Logger     *slog.Logger
}

// SimilaritySearcher finds prior cases similar to an exception.
// Implementations may be backed by a memory index; absence or failure
// degrades triage, never fails it.
type SimilaritySearcher interface {
	Search(ctx context.Context, rec *models.ExceptionRecord, limit int) ([]models.EvidenceItem, error)
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// runID extracts the run id from the context map.
func runID(runCtx map[string]any) string {
	if v, ok := runCtx[CtxRunID].(string); ok {
		return v
	}
	return ""
}

func domainName(runCtx map[string]any) string {
	if v, ok := runCtx[CtxDomain].(string); ok {
		return v
	}
	return ""
}

// stageDecision returns a prior stage's decision from the run context.
func stageDecision(runCtx map[string]any, stage string) *models.AgentDecision {
	if d, ok := runCtx[stage].(*models.AgentDecision); ok {
		return d
	}
	return nil
}

// agentEvent writes one agent_event audit line when a logger is
// configured.
func (d Deps) agentEvent(runCtx map[string]any, tenantID, agentName, stage string, data map[string]any) {
	if d.Audit == nil {
		return
	}
	d.Audit.AgentEvent(runID(runCtx), tenantID, agentName, stage, data)
}
