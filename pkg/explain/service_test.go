package explain

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redress-ops/redress/pkg/audit"
	"github.com/redress-ops/redress/pkg/evidence"
	"github.com/redress-ops/redress/pkg/metrics"
	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/storage"
)

func seededService(t *testing.T) (*Service, *metrics.Collector) {
	t.Helper()

	store := storage.NewMemoryExceptionStore()
	tracker, err := evidence.NewTracker(t.TempDir())
	require.NoError(t, err)
	auditDir := t.TempDir()
	auditor, err := audit.NewLogger(auditDir, nil)
	require.NoError(t, err)
	t.Cleanup(auditor.Close)
	collector := metrics.NewCollector("")

	base := time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)
	rec := models.ExceptionRecord{
		ExceptionID:      "EXC-77",
		TenantID:         "TENANT_A",
		SourceSystem:     "custody-feed",
		ExceptionType:    "SETTLEMENT_FAIL",
		Severity:         models.SeverityHigh,
		ResolutionStatus: models.StatusResolved,
		Timestamp:        base,
	}

	result := models.NewPipelineResult("TENANT_A", "EXC-77", "RUN-1")
	result.Status = models.StatusResolved
	result.AddStage(models.StageIntake, &models.StageResult{
		AgentName: "intake-agent",
		Decision:  &models.AgentDecision{Decision: "Normalized", Confidence: 1, NextStep: models.NextTriage},
	})
	result.AddStage(models.StageTriage, &models.StageResult{
		AgentName: "triage-agent",
		Decision: &models.AgentDecision{
			Decision: "SETTLEMENT_FAIL", Confidence: 0.9,
			Evidence: []string{"ev-1"}, NextStep: models.NextPolicy,
		},
	})
	result.AddStage(models.StagePolicy, &models.StageResult{
		AgentName: "policy-agent",
		Decision:  &models.AgentDecision{Decision: "Approved", Confidence: 0.9, NextStep: models.NextResolution},
	})
	require.NoError(t, store.Put(context.Background(), "TENANT_A", rec, result))

	item, err := tracker.Record(models.EvidenceItem{
		ID: "ev-1", Type: models.EvidenceTool, SourceID: "settlement-api",
		Description: "Retry returned SETTLED", TenantID: "TENANT_A", ExceptionID: "EXC-77",
	})
	require.NoError(t, err)
	_, err = tracker.Link("TENANT_A", "EXC-77", "triage-agent", models.StageTriage, item.ID, models.InfluenceSupport)
	require.NoError(t, err)

	auditor.Decision("RUN-1", "TENANT_A", models.StagePolicy, map[string]any{
		"exception_id": "EXC-77",
		"decision":     "Approved",
	})
	auditor.Close()

	svc := NewService(store, audit.Reader{Dir: auditDir}, tracker, nil, collector, nil)
	return svc, collector
}

func TestExplainTextFormat(t *testing.T) {
	svc, _ := seededService(t)

	exp, err := svc.Explain(context.Background(), "TENANT_A", "EXC-77", FormatText)
	require.NoError(t, err)

	assert.Equal(t, FormatText, exp.Format)
	assert.Contains(t, exp.Content, "Exception EXC-77")
	assert.Contains(t, exp.Content, "Decision timeline:")
	assert.Contains(t, exp.Content, "Evidence observed:")
	assert.Contains(t, exp.Content, "Stage decisions:")
	assert.Contains(t, exp.Content, "Approved")
	assert.NotEmpty(t, exp.ContentHash)
	assert.GreaterOrEqual(t, exp.Quality, 0.0)
	assert.LessOrEqual(t, exp.Quality, 1.0)
}

func TestExplainJSONFormat(t *testing.T) {
	svc, _ := seededService(t)

	exp, err := svc.Explain(context.Background(), "TENANT_A", "EXC-77", FormatJSON)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(exp.Content), &payload))
	assert.Equal(t, "1.0", payload["version"])
	assert.Equal(t, "EXC-77", payload["exceptionId"])
	assert.Contains(t, payload, "timeline")
	assert.Contains(t, payload, "evidence")
	assert.Contains(t, payload, "links")
	assert.Contains(t, payload, "decisions")
}

func TestExplainStructuredGroupsEvidence(t *testing.T) {
	svc, _ := seededService(t)

	exp, err := svc.Explain(context.Background(), "TENANT_A", "EXC-77", FormatStructured)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(exp.Content), &payload))

	byType, ok := payload["evidenceByType"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, byType, "TOOL")

	byAgent, ok := payload["linksByAgent"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, byAgent, "triage-agent")

	assert.Equal(t, "RESOLVED", payload["overallStatus"])
}

func TestExplainDeterministicHash(t *testing.T) {
	svc, _ := seededService(t)

	first, err := svc.Explain(context.Background(), "TENANT_A", "EXC-77", FormatText)
	require.NoError(t, err)
	second, err := svc.Explain(context.Background(), "TENANT_A", "EXC-77", FormatText)
	require.NoError(t, err)

	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, first.Quality, second.Quality)
}

func TestExplainUnknownExceptionAndFormat(t *testing.T) {
	svc, _ := seededService(t)

	_, err := svc.Explain(context.Background(), "TENANT_A", "EXC-missing", FormatText)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = svc.Explain(context.Background(), "TENANT_A", "EXC-77", Format("YAML"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExplainRecordsMetrics(t *testing.T) {
	svc, collector := seededService(t)

	_, err := svc.Explain(context.Background(), "TENANT_A", "EXC-77", FormatJSON)
	require.NoError(t, err)

	snap := collector.GetMetrics("TENANT_A")
	assert.Equal(t, 1, snap.Explanations.Generated)
}

func TestTimelineMergesPipelineAndAudit(t *testing.T) {
	svc, _ := seededService(t)

	timeline, err := svc.Timeline(context.Background(), "TENANT_A", "EXC-77")
	require.NoError(t, err)

	// Three synthesized stage events plus the audit decision entry.
	require.Len(t, timeline, 4)
	for i := 1; i < len(timeline); i++ {
		assert.False(t, timeline[i].Timestamp.Before(timeline[i-1].Timestamp))
	}

	var sources []string
	for _, ev := range timeline {
		sources = append(sources, ev.Source)
	}
	assert.Contains(t, sources, sourcePipeline)
	assert.Contains(t, sources, sourceAudit)

	// Synthesized events advance two seconds per stage.
	assert.Equal(t, models.StageIntake, timeline[0].StageName)
	assert.Equal(t, 2*time.Second, timeline[1].Timestamp.Sub(timeline[0].Timestamp))
}

func TestTimelineDeduplicates(t *testing.T) {
	events := dedupeTimeline([]TimelineEvent{
		{Timestamp: time.Unix(100, 0), StageName: "triage", Summary: "first"},
		{Timestamp: time.Unix(100, 0), StageName: "triage", Summary: "duplicate"},
		{Timestamp: time.Unix(100, 0), StageName: "policy", Summary: "kept"},
	})
	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].Summary)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"zebra": 1, "alpha": "a<b>", "mid": []any{true, nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a<b>","mid":[true,null],"zebra":1}`, string(out))

	h1, err := ContentHash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	h2, err := ContentHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestScoreTextBands(t *testing.T) {
	short := scoreText("ok")
	optimal := scoreText(strings.Repeat("The retry succeeded because the evidence observed matched the rule. ", 10))
	assert.Greater(t, optimal, short)
	assert.GreaterOrEqual(t, short, 0.0)
	assert.LessOrEqual(t, optimal, 1.0)

	withFiller := scoreText(strings.Repeat("It seems maybe something happened for some reason. ", 8))
	withSubstance := scoreText(strings.Repeat("The settlement was confirmed because the tool output matched. ", 8))
	assert.Greater(t, withSubstance, withFiller)
}

func TestScoreStructuredBands(t *testing.T) {
	empty := scoreStructured(structuredShape{})
	assert.Zero(t, empty)

	rich := scoreStructured(structuredShape{
		TimelineEvents: 5, EvidenceItems: 4, AgentDecisions: 4,
		HasLinks: true, HasGroupedViews: true,
	})
	assert.Greater(t, rich, 0.8)
	assert.LessOrEqual(t, rich, 1.0)

	// Same shape scores identically.
	assert.Equal(t, rich, scoreStructured(structuredShape{
		TimelineEvents: 5, EvidenceItems: 4, AgentDecisions: 4,
		HasLinks: true, HasGroupedViews: true,
	}))
}
