package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redress-ops/redress/pkg/metrics"
	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/playbook"
	"github.com/redress-ops/redress/pkg/policy"
	"github.com/redress-ops/redress/pkg/storage"
)

const testDomainPack = `
domain_name: capital-markets
version: v1
exception_types:
  SETTLEMENT_FAIL:
    description: Trade failed to settle
    detection_rules: [settlement, SSI]
  QTY_MISMATCH:
    description: Quantity break
severity_rules:
  - condition: 'if: exceptionType == "SETTLEMENT_FAIL" && rawPayload.amount > 1000000'
    severity: CRITICAL
  - condition: 'exceptionType == "SETTLEMENT_FAIL"'
    severity: HIGH
playbooks:
  - id: 1
    name: settlement-retry
    exception_type: SETTLEMENT_FAIL
    conditions:
      exception_type: SETTLEMENT
      priority: 5
    steps:
      - step_order: 1
        action: retry_settlement
        tool: retry_settlement
      - step_order: 2
        action: verify_settlement
        tool: verify_settlement
guardrails:
  human_approval_threshold: 0.6
`

const testTenantPack = `
tenant_id: TENANT_A
domain_name: capital-markets
version: v1
approved_business_processes: ["settlement-retry"]
`

func testDeps(t *testing.T, tenantPack string) (Deps, *storage.MemoryEventLog) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "domains"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tenants"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "domains", "cm.yaml"), []byte(testDomainPack), 0o644))
	if tenantPack != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "tenants", "a.yaml"), []byte(tenantPack), 0o644))
	}
	store, err := policy.NewStore(dir)
	require.NoError(t, err)

	log := storage.NewMemoryEventLog()
	return Deps{
		Resolver: policy.NewResolver(store, nil),
		Matcher:  playbook.NewMatcher(nil),
		EventLog: log,
		Metrics:  metrics.NewCollector(""),
	}, log
}

func newRunCtx() map[string]any {
	return map[string]any{CtxRunID: "run-1", CtxDomain: "capital-markets"}
}

func TestIntakeNormalizesPayload(t *testing.T) {
	deps, _ := testDeps(t, "")
	intake := NewIntakeAgent(deps)

	rec := &models.ExceptionRecord{
		RawPayload: map[string]any{
			"tenant_id":      "TENANT_A",
			"source_system":  "OMS",
			"exception_type": ":settlement_fail",
			"timestamp":      "2026-08-20T10:00:00Z",
		},
	}
	runCtx := newRunCtx()

	decision, err := intake.Execute(context.Background(), rec, runCtx)
	require.NoError(t, err)

	assert.Equal(t, "TENANT_A", rec.TenantID)
	assert.NotEmpty(t, rec.ExceptionID)
	assert.Equal(t, "OMS", rec.SourceSystem)
	assert.Equal(t, "SETTLEMENT_FAIL", rec.ExceptionType)
	assert.Equal(t, 2026, rec.Timestamp.Year())
	assert.Equal(t, models.StatusOpen, rec.ResolutionStatus)
	assert.NotEmpty(t, rec.NormalizedContext["pipelineId"])
	assert.NotEmpty(t, rec.NormalizedContext["normalizedAt"])

	assert.Equal(t, "Normalized as SETTLEMENT_FAIL", decision.Decision)
	assert.Equal(t, 1.0, decision.Confidence)
	assert.Equal(t, models.NextTriage, decision.NextStep)
}

func TestIntakeFailsWithoutTenant(t *testing.T) {
	deps, _ := testDeps(t, "")
	intake := NewIntakeAgent(deps)

	rec := &models.ExceptionRecord{RawPayload: map[string]any{"source_system": "OMS"}}
	_, err := intake.Execute(context.Background(), rec, newRunCtx())
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestIntakeUntypedLowersConfidence(t *testing.T) {
	deps, _ := testDeps(t, "")
	intake := NewIntakeAgent(deps)

	rec := &models.ExceptionRecord{RawPayload: map[string]any{"tenant_id": "TENANT_A"}}
	decision, err := intake.Execute(context.Background(), rec, newRunCtx())
	require.NoError(t, err)
	assert.Equal(t, "Normalized", decision.Decision)
	assert.Equal(t, 0.8, decision.Confidence)
	assert.Equal(t, "UNKNOWN", rec.SourceSystem)
	// Unparseable timestamp falls back to now.
	assert.WithinDuration(t, time.Now(), rec.Timestamp, time.Minute)
}

func TestIntakeUnknownTypeIsValidationErrorNotAbort(t *testing.T) {
	deps, _ := testDeps(t, "")
	intake := NewIntakeAgent(deps)

	rec := &models.ExceptionRecord{RawPayload: map[string]any{
		"tenant_id":      "TENANT_A",
		"exception_type": "mystery_type",
	}}
	decision, err := intake.Execute(context.Background(), rec, newRunCtx())
	require.NoError(t, err)
	assert.Equal(t, 0.5, decision.Confidence)
	assert.Contains(t, decision.Decision, "validation errors")
}

func TestCanonicalizeType(t *testing.T) {
	assert.Equal(t, "SETTLEMENT_FAIL", CanonicalizeType("  :settlement_fail "))
	assert.Equal(t, "SETTLEMENT_FAIL", CanonicalizeType("SETTLEMENT_FAIL"))
	assert.Equal(t, "QtyMismatch", CanonicalizeType("QtyMismatch"))
	assert.Equal(t, "", CanonicalizeType("  ::  "))
}

func TestTriageSelectsHighestMatchingSeverity(t *testing.T) {
	deps, log := testDeps(t, "")
	triage := NewTriageAgent(deps)

	rec := &models.ExceptionRecord{
		ExceptionID:   "EXC-1",
		TenantID:      "TENANT_A",
		ExceptionType: "SETTLEMENT_FAIL",
		RawPayload:    map[string]any{"amount": 5000000},
	}
	decision, err := triage.Execute(context.Background(), rec, newRunCtx())
	require.NoError(t, err)

	// Both rules match; CRITICAL outranks HIGH.
	assert.Equal(t, models.SeverityCritical, rec.Severity)
	assert.Equal(t, models.StatusInProgress, rec.ResolutionStatus)
	assert.Equal(t, models.NextPolicy, decision.NextStep)

	events, err := log.EventsForException(context.Background(), "TENANT_A", "EXC-1", models.EventFilter{
		EventTypes: []string{models.EventTriageCompleted},
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestTriageInfersTypeFromPayload(t *testing.T) {
	deps, _ := testDeps(t, "")
	triage := NewTriageAgent(deps)

	rec := &models.ExceptionRecord{
		ExceptionID: "EXC-2",
		TenantID:    "TENANT_A",
		RawPayload:  map[string]any{"message": "SSI details rejected by custodian"},
	}
	_, err := triage.Execute(context.Background(), rec, newRunCtx())
	require.NoError(t, err)
	assert.Equal(t, "SETTLEMENT_FAIL", rec.ExceptionType)
}

func TestTriageClassificationFailed(t *testing.T) {
	deps, _ := testDeps(t, "")
	triage := NewTriageAgent(deps)

	rec := &models.ExceptionRecord{
		ExceptionID: "EXC-3",
		TenantID:    "TENANT_A",
		RawPayload:  map[string]any{"message": "nothing recognizable"},
	}
	_, err := triage.Execute(context.Background(), rec, newRunCtx())
	assert.ErrorIs(t, err, ErrClassificationFailed)
}

func TestTriageTypeNameHeuristicFallback(t *testing.T) {
	deps, _ := testDeps(t, "")
	triage := NewTriageAgent(deps)

	// QTY_MISMATCH has no severity rule; the MISMATCH token maps to
	// MEDIUM.
	rec := &models.ExceptionRecord{
		ExceptionID:   "EXC-4",
		TenantID:      "TENANT_A",
		ExceptionType: "QTY_MISMATCH",
		RawPayload:    map[string]any{},
	}
	_, err := triage.Execute(context.Background(), rec, newRunCtx())
	require.NoError(t, err)
	assert.Equal(t, models.SeverityMedium, rec.Severity)
}

func TestPolicyApprovedProcess(t *testing.T) {
	deps, log := testDeps(t, testTenantPack)
	agent := NewPolicyAgent(deps)

	rec := &models.ExceptionRecord{
		ExceptionID:   "EXC-1",
		TenantID:      "TENANT_A",
		ExceptionType: "SETTLEMENT_FAIL",
		Severity:      models.SeverityHigh,
		RawPayload:    map[string]any{},
	}
	runCtx := newRunCtx()
	runCtx[models.StageTriage] = &models.AgentDecision{Confidence: 0.9}

	decision, err := agent.Execute(context.Background(), rec, runCtx)
	require.NoError(t, err)

	assert.Equal(t, DecisionApproved, decision.Decision)
	assert.Equal(t, models.NextResolution, decision.NextStep)
	require.NotNil(t, rec.CurrentPlaybookID)
	assert.Equal(t, 1, *rec.CurrentPlaybookID)
	require.NotNil(t, rec.CurrentStep)
	assert.Equal(t, 1, *rec.CurrentStep)
	assert.Equal(t, models.ActionableApproved, runCtx["actionability"])

	events, err := log.EventsForException(context.Background(), "TENANT_A", "EXC-1", models.EventFilter{
		EventTypes: []string{models.EventPolicyEvaluated},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, float64(1), toFloat(t, events[0].Payload["playbook_id"]))

	// Re-running the same run is idempotent for the event log.
	_, err = agent.Execute(context.Background(), rec, runCtx)
	require.NoError(t, err)
	events, err = log.EventsForException(context.Background(), "TENANT_A", "EXC-1", models.EventFilter{
		EventTypes: []string{models.EventPolicyEvaluated},
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func toFloat(t *testing.T, v any) float64 {
	t.Helper()
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		t.Fatalf("unexpected numeric type %T", v)
		return 0
	}
}

func TestPolicyNonApprovedPlaybookIsBlocked(t *testing.T) {
	deps, _ := testDeps(t, "")
	agent := NewPolicyAgent(deps)

	rec := &models.ExceptionRecord{
		ExceptionID:   "EXC-2",
		TenantID:      "TENANT_B",
		ExceptionType: "SETTLEMENT_FAIL",
		Severity:      models.SeverityHigh,
	}
	runCtx := newRunCtx()
	runCtx[models.StageTriage] = &models.AgentDecision{Confidence: 0.9}

	decision, err := agent.Execute(context.Background(), rec, runCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionBlockedNotApproved, decision.Decision)
	assert.Nil(t, rec.CurrentPlaybookID)
}

func TestPolicyNonActionableWhenNoPlaybook(t *testing.T) {
	deps, _ := testDeps(t, "")
	agent := NewPolicyAgent(deps)

	rec := &models.ExceptionRecord{
		ExceptionID:   "EXC-3",
		TenantID:      "TENANT_B",
		ExceptionType: "QTY_MISMATCH",
		Severity:      models.SeverityMedium,
	}
	runCtx := newRunCtx()
	runCtx[models.StageTriage] = &models.AgentDecision{Confidence: 0.9}

	decision, err := agent.Execute(context.Background(), rec, runCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionBlockedNonActionable, decision.Decision)
	assert.Equal(t, models.NonActionableInfoOnly, runCtx["actionability"])
}

func TestPolicyLowConfidenceRequiresHumanThenEscalates(t *testing.T) {
	deps, _ := testDeps(t, testTenantPack)
	agent := NewPolicyAgent(deps)

	// Below threshold (0.6) but above threshold-0.1: approval required.
	rec := &models.ExceptionRecord{
		ExceptionID:   "EXC-4",
		TenantID:      "TENANT_A",
		ExceptionType: "SETTLEMENT_FAIL",
		Severity:      models.SeverityHigh,
	}
	runCtx := newRunCtx()
	runCtx[models.StageTriage] = &models.AgentDecision{Confidence: 0.55}

	decision, err := agent.Execute(context.Background(), rec, runCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionApprovedNeedsHuman, decision.Decision)
	assert.Equal(t, models.StatusPendingApproval, rec.ResolutionStatus)

	// Below threshold-0.1: escalate.
	rec2 := &models.ExceptionRecord{
		ExceptionID:   "EXC-5",
		TenantID:      "TENANT_A",
		ExceptionType: "SETTLEMENT_FAIL",
		Severity:      models.SeverityHigh,
	}
	runCtx2 := newRunCtx()
	runCtx2[models.StageTriage] = &models.AgentDecision{Confidence: 0.4}

	decision, err = agent.Execute(context.Background(), rec2, runCtx2)
	require.NoError(t, err)
	assert.Equal(t, DecisionEscalate, decision.Decision)
	assert.Equal(t, models.NextEscalate, decision.NextStep)
	assert.Nil(t, rec2.CurrentPlaybookID)
}

func TestPolicyCriticalRequiresApprovalUnlessAllowed(t *testing.T) {
	deps, _ := testDeps(t, testTenantPack)
	agent := NewPolicyAgent(deps)

	rec := &models.ExceptionRecord{
		ExceptionID:   "EXC-6",
		TenantID:      "TENANT_A",
		ExceptionType: "SETTLEMENT_FAIL",
		Severity:      models.SeverityCritical,
	}
	runCtx := newRunCtx()
	runCtx[models.StageTriage] = &models.AgentDecision{Confidence: 0.95}

	decision, err := agent.Execute(context.Background(), rec, runCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionApprovedNeedsHuman, decision.Decision)
	assert.Equal(t, models.StatusPendingApproval, rec.ResolutionStatus)
}

func TestPolicyUsesSuggestedPlaybookFromContext(t *testing.T) {
	deps, _ := testDeps(t, testTenantPack)
	agent := NewPolicyAgent(deps)

	rec := &models.ExceptionRecord{
		ExceptionID:   "EXC-7",
		TenantID:      "TENANT_A",
		ExceptionType: "SETTLEMENT_FAIL",
		Severity:      models.SeverityHigh,
	}
	runCtx := newRunCtx()
	runCtx[models.StageTriage] = &models.AgentDecision{Confidence: 0.9}
	runCtx[CtxSuggestedPlaybookID] = 1

	decision, err := agent.Execute(context.Background(), rec, runCtx)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, decision.Decision)
	require.NotNil(t, rec.CurrentPlaybookID)
	assert.Equal(t, 1, *rec.CurrentPlaybookID)
}

func TestResolutionExecutesRemainingSteps(t *testing.T) {
	deps, log := testDeps(t, testTenantPack)
	executor := NewStubToolExecutor()
	agent := NewResolutionAgent(deps, executor)

	rec := &models.ExceptionRecord{
		ExceptionID:   "EXC-1",
		TenantID:      "TENANT_A",
		ExceptionType: "SETTLEMENT_FAIL",
		Severity:      models.SeverityHigh,
	}
	rec.AssignPlaybook(1, 1)

	decision, err := agent.Execute(context.Background(), rec, newRunCtx())
	require.NoError(t, err)

	assert.Equal(t, DecisionExecuted, decision.Decision)
	assert.Equal(t, models.StatusResolved, rec.ResolutionStatus)
	require.NotNil(t, rec.CurrentStep)
	assert.Equal(t, 3, *rec.CurrentStep)

	calls := executor.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "retry_settlement", calls[0].Tool)
	assert.Equal(t, "verify_settlement", calls[1].Tool)

	events, err := log.EventsForException(context.Background(), "TENANT_A", "EXC-1", models.EventFilter{
		EventTypes: []string{models.EventStepExecuted},
	})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestResolutionResumesFromCurrentStep(t *testing.T) {
	deps, _ := testDeps(t, testTenantPack)
	executor := NewStubToolExecutor()
	agent := NewResolutionAgent(deps, executor)

	rec := &models.ExceptionRecord{
		ExceptionID:   "EXC-2",
		TenantID:      "TENANT_A",
		ExceptionType: "SETTLEMENT_FAIL",
	}
	rec.AssignPlaybook(1, 2)

	_, err := agent.Execute(context.Background(), rec, newRunCtx())
	require.NoError(t, err)

	calls := executor.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "verify_settlement", calls[0].Tool)
}

func TestResolutionRetriesThenFails(t *testing.T) {
	deps, _ := testDeps(t, testTenantPack)
	executor := NewStubToolExecutor()
	executor.FailTools["retry_settlement"] = true
	agent := NewResolutionAgent(deps, executor)

	rec := &models.ExceptionRecord{
		ExceptionID:   "EXC-3",
		TenantID:      "TENANT_A",
		ExceptionType: "SETTLEMENT_FAIL",
	}
	rec.AssignPlaybook(1, 1)

	decision, err := agent.Execute(context.Background(), rec, newRunCtx())
	require.NoError(t, err)

	assert.Equal(t, DecisionFailed, decision.Decision)
	assert.Equal(t, models.NextEscalate, decision.NextStep)
	// 1 initial attempt + DefaultStepRetries retries.
	assert.Len(t, executor.Calls(), 1+DefaultStepRetries)

	snap := deps.Metrics.GetMetrics("TENANT_A")
	assert.Equal(t, 1+DefaultStepRetries, snap.Tools["retry_settlement"].Invocations)
}

func TestResolutionRequiresAssignedPlaybook(t *testing.T) {
	deps, _ := testDeps(t, testTenantPack)
	agent := NewResolutionAgent(deps, NewStubToolExecutor())

	rec := &models.ExceptionRecord{ExceptionID: "EXC-4", TenantID: "TENANT_A"}
	_, err := agent.Execute(context.Background(), rec, newRunCtx())
	assert.Error(t, err)
}

func TestFeedbackRecordsOutcome(t *testing.T) {
	deps, log := testDeps(t, "")
	agent := NewFeedbackAgent(deps)

	rec := &models.ExceptionRecord{
		ExceptionID:      "EXC-1",
		TenantID:         "TENANT_A",
		ExceptionType:    "SETTLEMENT_FAIL",
		ResolutionStatus: models.StatusResolved,
		Timestamp:        time.Now().Add(-10 * time.Minute),
	}
	runCtx := newRunCtx()
	runCtx["actionability"] = models.ActionableApproved

	decision, err := agent.Execute(context.Background(), rec, runCtx)
	require.NoError(t, err)
	assert.Contains(t, decision.Decision, "RESOLVED")
	assert.Equal(t, models.NextDone, decision.NextStep)

	snap := deps.Metrics.GetMetrics("TENANT_A")
	assert.Equal(t, 1, snap.TotalExceptions)
	assert.Equal(t, 1, snap.ByStatus[models.StatusResolved])
	assert.InDelta(t, 10, snap.MTTRMinutes, 1)

	events, err := log.EventsForException(context.Background(), "TENANT_A", "EXC-1", models.EventFilter{
		EventTypes: []string{models.EventResolutionOutcome},
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFeedbackCarriesSkipMarker(t *testing.T) {
	deps, _ := testDeps(t, "")
	agent := NewFeedbackAgent(deps)

	rec := &models.ExceptionRecord{
		ExceptionID:      "EXC-2",
		TenantID:         "TENANT_A",
		ResolutionStatus: models.StatusInProgress,
	}
	runCtx := newRunCtx()
	runCtx[CtxSkipped] = "Non-actionable exception"

	decision, err := agent.Execute(context.Background(), rec, runCtx)
	require.NoError(t, err)
	assert.Contains(t, decision.Decision, "Non-actionable exception")
}
