package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redress-ops/redress/pkg/models"
)

func TestRecordExceptionCountsAndRates(t *testing.T) {
	c := NewCollector("")

	c.RecordException("TENANT_A", ExceptionOutcome{
		ExceptionID:       "EXC-1",
		ExceptionType:     "SETTLEMENT_FAIL",
		Status:            models.StatusResolved,
		Actionability:     models.ActionableApproved,
		ResolutionMinutes: 10,
	})
	c.RecordException("TENANT_A", ExceptionOutcome{
		ExceptionID:       "EXC-2",
		ExceptionType:     "SETTLEMENT_FAIL",
		Status:            models.StatusResolved,
		Actionability:     models.ActionableApproved,
		ResolutionMinutes: 30,
	})
	c.RecordException("TENANT_A", ExceptionOutcome{
		ExceptionID:   "EXC-3",
		ExceptionType: "QTY_MISMATCH",
		Status:        models.StatusEscalated,
		Actionability: models.NonActionableInfoOnly,
	})

	snap := c.GetMetrics("TENANT_A")
	assert.Equal(t, 3, snap.TotalExceptions)
	assert.Equal(t, 2, snap.ByStatus[models.StatusResolved])
	assert.Equal(t, 1, snap.ByStatus[models.StatusEscalated])
	assert.InDelta(t, 2.0/3.0, snap.AutoResolutionRate, 1e-9)
	assert.InDelta(t, 20.0, snap.MTTRMinutes, 1e-9)
}

func TestRecurrenceTracksUniqueIDs(t *testing.T) {
	c := NewCollector("")

	// Same exception id seen twice counts once in the unique set.
	for i := 0; i < 2; i++ {
		c.RecordException("TENANT_A", ExceptionOutcome{
			ExceptionID:   "EXC-1",
			ExceptionType: "PRICE_BREAK",
			Status:        models.StatusResolved,
		})
	}
	c.RecordException("TENANT_A", ExceptionOutcome{
		ExceptionID:   "EXC-2",
		ExceptionType: "PRICE_BREAK",
		Status:        models.StatusResolved,
	})

	rec := c.GetMetrics("TENANT_A").Recurrence["PRICE_BREAK"]
	assert.Equal(t, 3, rec.Count)
	assert.Equal(t, 2, rec.UniqueCount)
	assert.False(t, rec.FirstSeen.IsZero())
	assert.False(t, rec.LastSeen.Before(rec.FirstSeen))
}

func TestConfidenceBucketBoundaries(t *testing.T) {
	c := NewCollector("")

	for _, v := range []float64{0.0, 0.49, 0.5, 0.69, 0.7, 0.89, 0.9, 1.0} {
		c.RecordConfidence("TENANT_A", v)
	}

	snap := c.GetMetrics("TENANT_A")
	assert.Equal(t, [4]int{2, 2, 2, 2}, snap.ConfidenceCounts)
}

func TestToolInvocationLatencyAndErrorRate(t *testing.T) {
	c := NewCollector("")

	for i := 1; i <= 10; i++ {
		c.RecordToolInvocation("TENANT_A", "restart_feed", true, 0, time.Duration(i*100)*time.Millisecond)
	}
	c.RecordToolInvocation("TENANT_A", "restart_feed", false, 2, 900*time.Millisecond)

	snap := c.GetMetrics("TENANT_A")
	ts := snap.Tools["restart_feed"]
	require.Equal(t, 11, ts.Invocations)
	assert.Equal(t, 10, ts.Successes)
	assert.Equal(t, 1, ts.Failures)
	assert.Equal(t, 2, ts.Retries)
	assert.Greater(t, ts.LatencyP95, ts.LatencyP50)
	assert.InDelta(t, 1.0/11.0, snap.ToolErrorRate, 1e-9)
	assert.Greater(t, snap.ToolLatencyP95MS, 0.0)
}

func TestApprovalQueueGaugeAndOldestAge(t *testing.T) {
	c := NewCollector("")
	base := time.Now().Add(-5 * time.Minute)

	c.UpdateApprovalQueue("TENANT_A", ApprovalEnqueued, base)
	c.UpdateApprovalQueue("TENANT_A", ApprovalEnqueued, base.Add(time.Minute))
	c.UpdateApprovalQueue("TENANT_A", ApprovalApproved, time.Now())

	snap := c.GetMetrics("TENANT_A")
	assert.Equal(t, 1, snap.Approvals.Pending)
	assert.Equal(t, 1, snap.Approvals.Approved)
	// The first enqueue was drained, so the oldest pending is ~4m old.
	assert.InDelta(t, 4*60, snap.Approvals.OldestPendingAgeSeconds, 5)
}

func TestPlaybookStats(t *testing.T) {
	c := NewCollector("")

	c.RecordPlaybookExecution("TENANT_A", 42, true, 2*time.Second)
	c.RecordPlaybookExecution("TENANT_A", 42, false, 4*time.Second)

	pb := c.GetMetrics("TENANT_A").Playbooks[42]
	assert.Equal(t, 2, pb.Executions)
	assert.InDelta(t, 0.5, pb.SuccessRate, 1e-9)
	assert.InDelta(t, 3000, pb.AvgTimeMS, 1e-9)
}

func TestTenantsAreIsolated(t *testing.T) {
	c := NewCollector("")

	c.RecordException("TENANT_A", ExceptionOutcome{ExceptionID: "EXC-1", ExceptionType: "X", Status: models.StatusResolved})
	c.RecordException("TENANT_B", ExceptionOutcome{ExceptionID: "EXC-2", ExceptionType: "Y", Status: models.StatusFailed})

	a := c.GetMetrics("TENANT_A")
	b := c.GetMetrics("TENANT_B")
	assert.Equal(t, 1, a.TotalExceptions)
	assert.Equal(t, 1, a.ByStatus[models.StatusResolved])
	assert.Zero(t, a.ByStatus[models.StatusFailed])
	assert.Equal(t, 1, b.ByStatus[models.StatusFailed])

	all := c.GetAllMetrics()
	assert.Len(t, all, 2)
}

func TestUnknownTenantSnapshotIsEmpty(t *testing.T) {
	c := NewCollector("")
	snap := c.GetMetrics("NOBODY")
	assert.Zero(t, snap.TotalExceptions)
	assert.NotNil(t, snap.ByStatus)
	assert.Empty(t, snap.Tools)
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector(dir)

	c.RecordException("TENANT_A", ExceptionOutcome{
		ExceptionID:       "EXC-1",
		ExceptionType:     "SETTLEMENT_FAIL",
		Status:            models.StatusResolved,
		ResolutionMinutes: 12,
	})
	c.RecordToolInvocation("TENANT_A", "retry_settlement", true, 1, 250*time.Millisecond)
	c.RecordConfidence("TENANT_A", 0.85)
	require.NoError(t, c.Persist("TENANT_A"))

	fresh := NewCollector(dir)
	require.NoError(t, fresh.Load("TENANT_A"))

	snap := fresh.GetMetrics("TENANT_A")
	assert.Equal(t, 1, snap.TotalExceptions)
	assert.InDelta(t, 12.0, snap.MTTRMinutes, 1e-9)
	assert.Equal(t, 1, snap.Tools["retry_settlement"].Invocations)
	assert.Equal(t, [4]int{0, 0, 1, 0}, snap.ConfidenceCounts)
}

func TestResetDropsTenant(t *testing.T) {
	c := NewCollector("")
	c.RecordConfidence("TENANT_A", 0.9)
	c.Reset("TENANT_A")
	assert.Empty(t, c.Tenants())
}

func TestSampleBufferEvictsOldest(t *testing.T) {
	b := NewSampleBuffer(3)
	for i := 1; i <= 5; i++ {
		b.Add(float64(i))
	}
	assert.Equal(t, []float64{3, 4, 5}, b.Values())
	assert.Equal(t, 3, b.Len())
}

func TestPercentileNearestRank(t *testing.T) {
	b := NewSampleBuffer(DefaultMaxSamples)
	for i := 1; i <= 100; i++ {
		b.Add(float64(i))
	}
	assert.InDelta(t, 50, b.Percentile(50), 1)
	assert.InDelta(t, 95, b.Percentile(95), 1)
	assert.Equal(t, 100.0, b.Percentile(100))
	assert.Equal(t, 1.0, b.Percentile(0))
}
