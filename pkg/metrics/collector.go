// Package metrics maintains per-tenant operational counters, bounded
// latency samples, and derived rates for the exception pipeline.
// Updates are O(1) amortized per event; percentiles are computed by
// sorting the bounded sample buffer at query time.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redress-ops/redress/pkg/models"
)

// DefaultMaxSamples bounds every sample buffer.
const DefaultMaxSamples = 10000

// Confidence bucket boundaries: [0,0.5), [0.5,0.7), [0.7,0.9), [0.9,1.0].
var confidenceBuckets = []float64{0.5, 0.7, 0.9}

// ExceptionOutcome describes one finished (or halted) exception for
// metric recording.
type ExceptionOutcome struct {
	ExceptionID   string
	ExceptionType string
	Status        models.ResolutionStatus
	Actionability models.Actionability

	// ResolutionMinutes is the time-to-resolution; only recorded when
	// the exception resolved.
	ResolutionMinutes float64
}

// ApprovalEvent updates the approval queue gauge and counters.
type ApprovalEvent string

// Approval queue events.
const (
	ApprovalEnqueued ApprovalEvent = "enqueued"
	ApprovalApproved ApprovalEvent = "approved"
	ApprovalRejected ApprovalEvent = "rejected"
	ApprovalTimedOut ApprovalEvent = "timed_out"
)

// Collector is the process-wide metrics store. All methods are safe
// for concurrent use; critical sections are short and never span I/O.
type Collector struct {
	mu         sync.Mutex
	tenants    map[string]*tenantMetrics
	dir        string
	maxSamples int
}

// tenantMetrics is the mutable per-tenant state. Exported fields and
// JSON tags exist for Persist/Load round-trips.
type tenantMetrics struct {
	TotalExceptions  int                              `json:"totalExceptions"`
	ByStatus         map[models.ResolutionStatus]int  `json:"byStatus"`
	ByActionability  map[models.Actionability]int     `json:"byActionability"`
	ResolutionTimes  *SampleBuffer                    `json:"resolutionTimesMinutes"`
	Playbooks        map[int]*PlaybookStats           `json:"playbooks"`
	Tools            map[string]*ToolStats            `json:"tools"`
	Approvals        ApprovalStats                    `json:"approvals"`
	Recurrence       map[string]*RecurrenceStats      `json:"recurrence"`
	ConfidenceCounts [4]int                           `json:"confidenceCounts"`
	Confidence       *SampleBuffer                    `json:"confidenceSamples"`
	Explanations     ExplanationStats                 `json:"explanations"`

	pendingApprovalsSince []time.Time
}

// PlaybookStats tracks one playbook's executions.
type PlaybookStats struct {
	Executions  int   `json:"executions"`
	Successes   int   `json:"successes"`
	TotalTimeMS int64 `json:"totalTimeMs"`
}

// ToolStats tracks one tool's invocations.
type ToolStats struct {
	Invocations int           `json:"invocations"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	Retries     int           `json:"retries"`
	LatencyMS   *SampleBuffer `json:"latencyMs"`
}

// ApprovalStats tracks the human approval queue.
type ApprovalStats struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	TimedOut int `json:"timedOut"`

	// OldestPendingAgeSeconds is derived at snapshot time.
	OldestPendingAgeSeconds float64 `json:"oldestPendingAgeSeconds"`
}

// RecurrenceStats tracks per-exception-type recurrence.
type RecurrenceStats struct {
	Count     int             `json:"count"`
	UniqueIDs map[string]bool `json:"uniqueIds"`
	FirstSeen time.Time       `json:"firstSeen"`
	LastSeen  time.Time       `json:"lastSeen"`
}

// ExplanationStats tracks explanation generation.
type ExplanationStats struct {
	Generated    int            `json:"generated"`
	PerException map[string]int `json:"perException"`
	LatencyMS    *SampleBuffer  `json:"latencyMs"`
	Quality      *SampleBuffer  `json:"quality"`
}

// NewCollector creates a collector. dir may be empty to disable
// Persist/Load.
func NewCollector(dir string) *Collector {
	return &Collector{
		tenants:    make(map[string]*tenantMetrics),
		dir:        dir,
		maxSamples: DefaultMaxSamples,
	}
}

func (c *Collector) tenant(tenantID string) *tenantMetrics {
	tm, ok := c.tenants[tenantID]
	if !ok {
		tm = &tenantMetrics{
			ByStatus:        make(map[models.ResolutionStatus]int),
			ByActionability: make(map[models.Actionability]int),
			ResolutionTimes: NewSampleBuffer(c.maxSamples),
			Playbooks:       make(map[int]*PlaybookStats),
			Tools:           make(map[string]*ToolStats),
			Recurrence:      make(map[string]*RecurrenceStats),
			Confidence:      NewSampleBuffer(c.maxSamples),
			Explanations: ExplanationStats{
				PerException: make(map[string]int),
				LatencyMS:    NewSampleBuffer(c.maxSamples),
				Quality:      NewSampleBuffer(c.maxSamples),
			},
		}
		c.tenants[tenantID] = tm
	}
	return tm
}

// RecordException records a finished (or halted) exception outcome.
func (c *Collector) RecordException(tenantID string, o ExceptionOutcome) {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	tm := c.tenant(tenantID)

	tm.TotalExceptions++
	if o.Status != "" {
		tm.ByStatus[o.Status]++
	}
	if o.Actionability != "" {
		tm.ByActionability[o.Actionability]++
	}
	if o.Status == models.StatusResolved && o.ResolutionMinutes > 0 {
		tm.ResolutionTimes.Add(o.ResolutionMinutes)
	}

	if o.ExceptionType != "" {
		rec, ok := tm.Recurrence[o.ExceptionType]
		if !ok {
			rec = &RecurrenceStats{UniqueIDs: make(map[string]bool), FirstSeen: now}
			tm.Recurrence[o.ExceptionType] = rec
		}
		rec.Count++
		rec.LastSeen = now
		if o.ExceptionID != "" {
			rec.UniqueIDs[o.ExceptionID] = true
		}
	}
}

// RecordPlaybookExecution records one playbook run.
func (c *Collector) RecordPlaybookExecution(tenantID string, playbookID int, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm := c.tenant(tenantID)

	ps, ok := tm.Playbooks[playbookID]
	if !ok {
		ps = &PlaybookStats{}
		tm.Playbooks[playbookID] = ps
	}
	ps.Executions++
	if success {
		ps.Successes++
	}
	ps.TotalTimeMS += duration.Milliseconds()
}

// RecordToolInvocation records one tool call with its retry count and
// latency.
func (c *Collector) RecordToolInvocation(tenantID, tool string, success bool, retries int, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm := c.tenant(tenantID)

	ts, ok := tm.Tools[tool]
	if !ok {
		ts = &ToolStats{LatencyMS: NewSampleBuffer(c.maxSamples)}
		tm.Tools[tool] = ts
	}
	ts.Invocations++
	if success {
		ts.Successes++
	} else {
		ts.Failures++
	}
	ts.Retries += retries
	ts.LatencyMS.Add(float64(latency.Milliseconds()))
}

// RecordConfidence records a stage decision confidence sample.
func (c *Collector) RecordConfidence(tenantID string, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm := c.tenant(tenantID)

	tm.Confidence.Add(confidence)
	bucket := len(confidenceBuckets)
	for i, bound := range confidenceBuckets {
		if confidence < bound {
			bucket = i
			break
		}
	}
	tm.ConfidenceCounts[bucket]++
}

// UpdateApprovalQueue applies one approval-queue event.
func (c *Collector) UpdateApprovalQueue(tenantID string, ev ApprovalEvent, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm := c.tenant(tenantID)

	switch ev {
	case ApprovalEnqueued:
		tm.Approvals.Pending++
		tm.pendingApprovalsSince = append(tm.pendingApprovalsSince, at)
	case ApprovalApproved, ApprovalRejected, ApprovalTimedOut:
		if tm.Approvals.Pending > 0 {
			tm.Approvals.Pending--
			tm.pendingApprovalsSince = tm.pendingApprovalsSince[1:]
		}
		switch ev {
		case ApprovalApproved:
			tm.Approvals.Approved++
		case ApprovalRejected:
			tm.Approvals.Rejected++
		case ApprovalTimedOut:
			tm.Approvals.TimedOut++
		}
	}
}

// RecordExplanationGenerated records one explanation generation.
func (c *Collector) RecordExplanationGenerated(tenantID, exceptionID string, latency time.Duration, quality float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm := c.tenant(tenantID)

	tm.Explanations.Generated++
	tm.Explanations.PerException[exceptionID]++
	tm.Explanations.LatencyMS.Add(float64(latency.Milliseconds()))
	tm.Explanations.Quality.Add(quality)
}

// Reset drops all metrics for a tenant.
func (c *Collector) Reset(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tenants, tenantID)
}

// Tenants returns the ids of all tenants with recorded metrics.
func (c *Collector) Tenants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tenants))
	for id := range c.tenants {
		out = append(out, id)
	}
	return out
}

// Persist writes a tenant's metrics to {dir}/{tenant}_metrics.json.
func (c *Collector) Persist(tenantID string) error {
	if c.dir == "" {
		return fmt.Errorf("metrics persistence disabled: no directory configured")
	}

	c.mu.Lock()
	tm, ok := c.tenants[tenantID]
	var data []byte
	var err error
	if ok {
		data, err = json.Marshal(tm)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no metrics recorded for tenant %s", tenantID)
	}
	if err != nil {
		return fmt.Errorf("marshaling metrics for tenant %s: %w", tenantID, err)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	return os.WriteFile(c.filePath(tenantID), data, 0o644)
}

// Load restores a tenant's metrics from disk, replacing any in-memory
// state for that tenant.
func (c *Collector) Load(tenantID string) error {
	if c.dir == "" {
		return fmt.Errorf("metrics persistence disabled: no directory configured")
	}

	data, err := os.ReadFile(c.filePath(tenantID))
	if err != nil {
		return err
	}

	tm := &tenantMetrics{}
	if err := json.Unmarshal(data, tm); err != nil {
		return fmt.Errorf("unmarshaling metrics for tenant %s: %w", tenantID, err)
	}
	restoreDefaults(tm, c.maxSamples)

	c.mu.Lock()
	c.tenants[tenantID] = tm
	c.mu.Unlock()
	return nil
}

func (c *Collector) filePath(tenantID string) string {
	return filepath.Join(c.dir, tenantID+"_metrics.json")
}

// restoreDefaults re-creates nil maps and buffers after a Load.
func restoreDefaults(tm *tenantMetrics, maxSamples int) {
	if tm.ByStatus == nil {
		tm.ByStatus = make(map[models.ResolutionStatus]int)
	}
	if tm.ByActionability == nil {
		tm.ByActionability = make(map[models.Actionability]int)
	}
	if tm.ResolutionTimes == nil {
		tm.ResolutionTimes = NewSampleBuffer(maxSamples)
	}
	if tm.Playbooks == nil {
		tm.Playbooks = make(map[int]*PlaybookStats)
	}
	if tm.Tools == nil {
		tm.Tools = make(map[string]*ToolStats)
	}
	for _, ts := range tm.Tools {
		if ts.LatencyMS == nil {
			ts.LatencyMS = NewSampleBuffer(maxSamples)
		}
	}
	if tm.Recurrence == nil {
		tm.Recurrence = make(map[string]*RecurrenceStats)
	}
	if tm.Confidence == nil {
		tm.Confidence = NewSampleBuffer(maxSamples)
	}
	if tm.Explanations.PerException == nil {
		tm.Explanations.PerException = make(map[string]int)
	}
	if tm.Explanations.LatencyMS == nil {
		tm.Explanations.LatencyMS = NewSampleBuffer(maxSamples)
	}
	if tm.Explanations.Quality == nil {
		tm.Explanations.Quality = NewSampleBuffer(maxSamples)
	}
}
