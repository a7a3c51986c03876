package metrics

import (
	"time"

	"github.com/redress-ops/redress/pkg/models"
)

// Snapshot is the derived, read-only view of one tenant's metrics.
type Snapshot struct {
	TenantID        string                          `json:"tenantId"`
	TotalExceptions int                             `json:"totalExceptions"`
	ByStatus        map[models.ResolutionStatus]int `json:"byStatus"`
	ByActionability map[models.Actionability]int    `json:"byActionability"`

	AutoResolutionRate float64 `json:"autoResolutionRate"`
	MTTRMinutes        float64 `json:"mttrMinutes"`

	Playbooks map[int]PlaybookSnapshot  `json:"playbooks"`
	Tools     map[string]ToolSnapshot   `json:"tools"`
	Approvals ApprovalStats             `json:"approvals"`
	Recurrence map[string]RecurrenceSnapshot `json:"recurrence"`

	ConfidenceCounts [4]int  `json:"confidenceCounts"`
	ConfidenceMean   float64 `json:"confidenceMean"`

	Explanations ExplanationSnapshot `json:"explanations"`

	// Aggregates consumed by the SLO engine.
	ToolLatencyP95MS float64 `json:"toolLatencyP95Ms"`
	ToolErrorRate    float64 `json:"toolErrorRate"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// PlaybookSnapshot is the derived per-playbook view.
type PlaybookSnapshot struct {
	Executions  int     `json:"executions"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"successRate"`
	AvgTimeMS   float64 `json:"avgTimeMs"`
}

// ToolSnapshot is the derived per-tool view.
type ToolSnapshot struct {
	Invocations int     `json:"invocations"`
	Successes   int     `json:"successes"`
	Failures    int     `json:"failures"`
	Retries     int     `json:"retries"`
	LatencyP50  float64 `json:"latencyP50Ms"`
	LatencyP95  float64 `json:"latencyP95Ms"`
	LatencyP99  float64 `json:"latencyP99Ms"`
}

// RecurrenceSnapshot is the derived per-exception-type view.
type RecurrenceSnapshot struct {
	Count       int       `json:"count"`
	UniqueCount int       `json:"uniqueCount"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
}

// ExplanationSnapshot is the derived explanation metrics view.
type ExplanationSnapshot struct {
	Generated    int     `json:"generated"`
	AvgLatencyMS float64 `json:"avgLatencyMs"`
	AvgQuality   float64 `json:"avgQuality"`
}

// GetMetrics returns the snapshot for one tenant. Unknown tenants get
// an empty snapshot.
func (c *Collector) GetMetrics(tenantID string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm, ok := c.tenants[tenantID]
	if !ok {
		return Snapshot{
			TenantID:        tenantID,
			ByStatus:        map[models.ResolutionStatus]int{},
			ByActionability: map[models.Actionability]int{},
			Playbooks:       map[int]PlaybookSnapshot{},
			Tools:           map[string]ToolSnapshot{},
			Recurrence:      map[string]RecurrenceSnapshot{},
			GeneratedAt:     time.Now().UTC(),
		}
	}
	return buildSnapshot(tenantID, tm)
}

// GetAllMetrics returns snapshots for every known tenant.
func (c *Collector) GetAllMetrics() map[string]Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Snapshot, len(c.tenants))
	for id, tm := range c.tenants {
		out[id] = buildSnapshot(id, tm)
	}
	return out
}

// buildSnapshot derives the read view. Caller holds c.mu.
func buildSnapshot(tenantID string, tm *tenantMetrics) Snapshot {
	snap := Snapshot{
		TenantID:         tenantID,
		TotalExceptions:  tm.TotalExceptions,
		ByStatus:         make(map[models.ResolutionStatus]int, len(tm.ByStatus)),
		ByActionability:  make(map[models.Actionability]int, len(tm.ByActionability)),
		Playbooks:        make(map[int]PlaybookSnapshot, len(tm.Playbooks)),
		Tools:            make(map[string]ToolSnapshot, len(tm.Tools)),
		Recurrence:       make(map[string]RecurrenceSnapshot, len(tm.Recurrence)),
		ConfidenceCounts: tm.ConfidenceCounts,
		ConfidenceMean:   tm.Confidence.Mean(),
		Approvals:        tm.Approvals,
		GeneratedAt:      time.Now().UTC(),
	}

	for k, v := range tm.ByStatus {
		snap.ByStatus[k] = v
	}
	for k, v := range tm.ByActionability {
		snap.ByActionability[k] = v
	}

	if tm.TotalExceptions > 0 {
		snap.AutoResolutionRate = float64(tm.ByStatus[models.StatusResolved]) / float64(tm.TotalExceptions)
	}
	snap.MTTRMinutes = tm.ResolutionTimes.Mean()

	for id, ps := range tm.Playbooks {
		pb := PlaybookSnapshot{Executions: ps.Executions, Successes: ps.Successes}
		if ps.Executions > 0 {
			pb.SuccessRate = float64(ps.Successes) / float64(ps.Executions)
			pb.AvgTimeMS = float64(ps.TotalTimeMS) / float64(ps.Executions)
		}
		snap.Playbooks[id] = pb
	}

	// Union of tool latency samples for the SLO-facing p95.
	union := NewSampleBuffer(DefaultMaxSamples)
	var invocations, failures int
	for name, ts := range tm.Tools {
		snap.Tools[name] = ToolSnapshot{
			Invocations: ts.Invocations,
			Successes:   ts.Successes,
			Failures:    ts.Failures,
			Retries:     ts.Retries,
			LatencyP50:  ts.LatencyMS.Percentile(50),
			LatencyP95:  ts.LatencyMS.Percentile(95),
			LatencyP99:  ts.LatencyMS.Percentile(99),
		}
		for _, v := range ts.LatencyMS.Values() {
			union.Add(v)
		}
		invocations += ts.Invocations
		failures += ts.Failures
	}
	snap.ToolLatencyP95MS = union.Percentile(95)
	if invocations > 0 {
		snap.ToolErrorRate = float64(failures) / float64(invocations)
	}

	if len(tm.pendingApprovalsSince) > 0 {
		snap.Approvals.OldestPendingAgeSeconds = time.Since(tm.pendingApprovalsSince[0]).Seconds()
	}

	for typ, rec := range tm.Recurrence {
		snap.Recurrence[typ] = RecurrenceSnapshot{
			Count:       rec.Count,
			UniqueCount: len(rec.UniqueIDs),
			FirstSeen:   rec.FirstSeen,
			LastSeen:    rec.LastSeen,
		}
	}

	snap.Explanations = ExplanationSnapshot{
		Generated:    tm.Explanations.Generated,
		AvgLatencyMS: tm.Explanations.LatencyMS.Mean(),
		AvgQuality:   tm.Explanations.Quality.Mean(),
	}

	return snap
}
