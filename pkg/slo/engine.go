package slo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/redress-ops/redress/pkg/metrics"
	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/notify"
	"github.com/redress-ops/redress/pkg/runbook"
)

// Dimension is one evaluated objective.
type Dimension struct {
	Name    string  `json:"name"`
	Current float64 `json:"current"`
	Target  float64 `json:"target"`
	Passed  bool    `json:"passed"`
	Margin  float64 `json:"margin"`
}

// Status is the outcome of one (tenant, domain) evaluation.
type Status struct {
	TenantID      string      `json:"tenantId"`
	Domain        string      `json:"domain,omitempty"`
	OverallPassed bool        `json:"overallPassed"`
	Dimensions    []Dimension `json:"dimensions"`
	EvaluatedAt   time.Time   `json:"evaluatedAt"`
}

// Options configure the engine.
type Options struct {
	TargetsDir string
	OutDir     string
	Interval   time.Duration
}

// Engine periodically evaluates every configured SLO scope against
// live metrics. Runs only read metrics; they never mutate exception or
// event state.
type Engine struct {
	collector *metrics.Collector
	notifier  *notify.Service
	suggester *runbook.Suggester
	opts      Options
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an engine. Notifier and suggester are optional.
func NewEngine(collector *metrics.Collector, notifier *notify.Service, suggester *runbook.Suggester, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Engine{
		collector: collector,
		notifier:  notifier,
		suggester: suggester,
		opts:      opts,
		logger:    logger.With("component", "slo_engine"),
	}
}

// Evaluate compares one tenant's snapshot against a target.
func Evaluate(snap metrics.Snapshot, target models.SLOTarget) Status {
	status := Status{
		TenantID:    snap.TenantID,
		EvaluatedAt: time.Now().UTC(),
	}

	addUpper := func(name string, current, tgt float64) {
		status.Dimensions = append(status.Dimensions, Dimension{
			Name: name, Current: current, Target: tgt,
			Passed: current <= tgt,
			Margin: tgt - current,
		})
	}
	addLower := func(name string, current, tgt float64) {
		status.Dimensions = append(status.Dimensions, Dimension{
			Name: name, Current: current, Target: tgt,
			Passed: current >= tgt,
			Margin: current - tgt,
		})
	}

	addUpper("p95_latency_ms", snap.ToolLatencyP95MS, target.TargetLatencyMsP95)
	addUpper("error_rate", snap.ToolErrorRate, target.TargetErrorRate)
	addUpper("mttr_minutes", snap.MTTRMinutes, target.TargetMTTRMinutes)
	addLower("auto_resolution_rate", snap.AutoResolutionRate, target.TargetAutoResolutionRate)

	if target.TargetThroughputEPS != nil && target.WindowMinutes > 0 {
		windowSeconds := float64(target.WindowMinutes) * 60
		addLower("throughput_eps", float64(snap.TotalExceptions)/windowSeconds, *target.TargetThroughputEPS)
	}

	status.OverallPassed = true
	for _, dim := range status.Dimensions {
		if !dim.Passed {
			status.OverallPassed = false
			break
		}
	}
	return status
}

// RunOnce evaluates every configured scope, writes the JSONL status
// file, and notifies on violations. Target files are re-read each run
// so edits take effect without a restart.
func (e *Engine) RunOnce(ctx context.Context) ([]Status, error) {
	targets, err := LoadTargets(e.opts.TargetsDir)
	if err != nil {
		return nil, err
	}

	scopes := targets.Scopes(e.collector.Tenants())
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i][0] != scopes[j][0] {
			return scopes[i][0] < scopes[j][0]
		}
		return scopes[i][1] < scopes[j][1]
	})

	var statuses []Status
	for _, scope := range scopes {
		tenantID, domain := scope[0], scope[1]
		target, ok := targets.For(tenantID, domain)
		if !ok {
			continue
		}

		status := Evaluate(e.collector.GetMetrics(tenantID), target)
		status.TenantID = tenantID
		status.Domain = domain
		statuses = append(statuses, status)

		if !status.OverallPassed {
			e.reportViolation(ctx, status)
		}
	}

	if err := e.writeStatusFile(statuses); err != nil {
		e.logger.Error("Writing SLO status file failed", "error", err)
	}
	return statuses, nil
}

// Start launches the periodic evaluation loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("slo engine already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := e.RunOnce(loopCtx); err != nil {
					e.logger.Error("SLO evaluation run failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the loop and waits for the in-flight run.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (e *Engine) reportViolation(ctx context.Context, status Status) {
	var failed []notify.FailedDimension
	var failedNames []string
	for _, dim := range status.Dimensions {
		if !dim.Passed {
			failed = append(failed, notify.FailedDimension{
				Name: dim.Name, Current: dim.Current, Target: dim.Target, Margin: dim.Margin,
			})
			failedNames = append(failedNames, dim.Name)
		}
	}

	e.logger.Warn("SLO violation",
		"tenant_id", status.TenantID, "domain", status.Domain, "failed_dimensions", failedNames)

	var runbooks []string
	if e.suggester != nil {
		runbooks = e.suggester.Suggest(ctx, failedNames)
	}
	e.notifier.NotifySLOViolation(ctx, status.TenantID, status.Domain, failed, runbooks)
}

// writeStatusFile appends one JSONL line per status to a
// timestamp-named file.
func (e *Engine) writeStatusFile(statuses []Status) error {
	if e.opts.OutDir == "" || len(statuses) == 0 {
		return nil
	}
	if err := os.MkdirAll(e.opts.OutDir, 0o755); err != nil {
		return err
	}

	name := time.Now().UTC().Format("20060102_150405") + "_slo_status.jsonl"
	f, err := os.OpenFile(filepath.Join(e.opts.OutDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	for _, status := range statuses {
		if err := enc.Encode(status); err != nil {
			return err
		}
	}
	return nil
}
