// Package backpressure tracks ingestion load against a policy and
// exposes consume/drop/delay decisions to the streaming layer.
package backpressure

import (
	"log/slog"
	"sync"
	"time"
)

// State is the controller's load state, derived from the highest of
// the tracked utilizations.
type State string

// Load states, ordered by pressure.
const (
	StateNormal     State = "NORMAL"
	StateWarning    State = "WARNING"
	StateCritical   State = "CRITICAL"
	StateOverloaded State = "OVERLOADED"
)

// Default policy thresholds.
const (
	DefaultWarningThreshold  = 0.7
	DefaultCriticalThreshold = 0.9
	DefaultAlertCooldown     = 60 * time.Second
)

// Adaptive delays per state.
var adaptiveDelays = map[State]time.Duration{
	StateNormal:     0,
	StateWarning:    100 * time.Millisecond,
	StateCritical:   500 * time.Millisecond,
	StateOverloaded: time.Second,
}

// Policy bounds the three tracked utilizations. Zero thresholds and
// cooldown fall back to the defaults.
type Policy struct {
	MaxQueueDepth      int     `yaml:"max_queue_depth"`
	MaxInFlight        int     `yaml:"max_in_flight"`
	RateLimitPerTenant float64 `yaml:"rate_limit_per_tenant"`

	WarningThreshold  float64       `yaml:"warning_threshold"`
	CriticalThreshold float64       `yaml:"critical_threshold"`
	DropLowPriority   bool          `yaml:"drop_low_priority"`
	AlertCooldown     time.Duration `yaml:"alert_cooldown"`
}

func (p Policy) withDefaults() Policy {
	if p.WarningThreshold <= 0 {
		p.WarningThreshold = DefaultWarningThreshold
	}
	if p.CriticalThreshold <= 0 {
		p.CriticalThreshold = DefaultCriticalThreshold
	}
	if p.AlertCooldown <= 0 {
		p.AlertCooldown = DefaultAlertCooldown
	}
	return p
}

// Alert describes one state transition surfaced to operators.
type Alert struct {
	From        State
	To          State
	Utilization float64
	At          time.Time
}

// Controller derives a load state from queue depth, in-flight count,
// and per-tenant ingest rates. Depth and in-flight share one lock;
// each tenant's rate window has its own.
type Controller struct {
	policy Policy
	logger *slog.Logger

	mu         sync.Mutex
	queueDepth int
	inFlight   int
	state      State
	lastAlert  time.Time
	lastRate   float64

	onStateChange func(from, to State)
	onAlert       func(Alert)

	windowsMu sync.Mutex
	windows   map[string]*rateWindow
}

// rateWindow is a 1-second sliding window of ingest timestamps for one
// tenant.
type rateWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// NewController creates a controller in the NORMAL state.
func NewController(policy Policy, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		policy:  policy.withDefaults(),
		logger:  logger.With("component", "backpressure"),
		state:   StateNormal,
		windows: make(map[string]*rateWindow),
	}
}

// OnStateChange registers a callback invoked on every state
// transition, after the internal state has been updated.
func (c *Controller) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// OnAlert registers a callback invoked for transitions that pass the
// cooldown gate, at most once per cooldown period.
func (c *Controller) OnAlert(fn func(Alert)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAlert = fn
}

// State returns the current load state.
func (c *Controller) State() State {
	// Rate windows drain by the passage of time alone, so reads
	// recompute instead of returning the last written state.
	rate := c.maxRateUtilization(time.Now())
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recomputeWithRateLocked(rate)
	return c.state
}

// ShouldConsume reports whether the ingestor may keep consuming.
// False in CRITICAL and OVERLOADED.
func (c *Controller) ShouldConsume() bool {
	s := c.State()
	return s != StateCritical && s != StateOverloaded
}

// ShouldDropLowPriority reports whether low-priority messages should
// be dropped. Requires OVERLOADED plus the policy flag.
func (c *Controller) ShouldDropLowPriority() bool {
	return c.policy.DropLowPriority && c.State() == StateOverloaded
}

// AdaptiveDelay returns the pre-processing delay for the current
// state: 0, 100ms, 500ms, or 1s.
func (c *Controller) AdaptiveDelay() time.Duration {
	return adaptiveDelays[c.State()]
}

// CheckRateLimit checks n tokens against the tenant's 1-second sliding
// window. The counter is incremented only when the check succeeds. A
// zero or negative rate limit disables limiting.
func (c *Controller) CheckRateLimit(tenantID string, n int) bool {
	if c.policy.RateLimitPerTenant <= 0 {
		return true
	}
	if n <= 0 {
		n = 1
	}

	w := c.window(tenantID)
	now := time.Now()

	w.mu.Lock()
	w.prune(now)
	allowed := float64(len(w.stamps)+n) <= c.policy.RateLimitPerTenant
	if allowed {
		for i := 0; i < n; i++ {
			w.stamps = append(w.stamps, now)
		}
	}
	w.mu.Unlock()

	c.recompute()
	return allowed
}

// IncrementInFlight admits one exception into the pipeline, reporting
// whether capacity remains. The count is incremented regardless so
// utilization reflects actual load.
func (c *Controller) IncrementInFlight() bool {
	c.mu.Lock()
	c.inFlight++
	admitted := c.policy.MaxInFlight <= 0 || c.inFlight <= c.policy.MaxInFlight
	c.recomputeLocked()
	c.mu.Unlock()
	return admitted
}

// DecrementInFlight marks one exception as finished.
func (c *Controller) DecrementInFlight() {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.recomputeLocked()
	c.mu.Unlock()
}

// SetQueueDepth records the current work queue depth.
func (c *Controller) SetQueueDepth(depth int) {
	c.mu.Lock()
	if depth < 0 {
		depth = 0
	}
	c.queueDepth = depth
	c.recomputeLocked()
	c.mu.Unlock()
}

// Utilization returns the highest of the three tracked utilizations.
func (c *Controller) Utilization() float64 {
	rate := c.maxRateUtilization(time.Now())
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.utilizationLocked(rate)
}

func (c *Controller) window(tenantID string) *rateWindow {
	c.windowsMu.Lock()
	defer c.windowsMu.Unlock()
	w, ok := c.windows[tenantID]
	if !ok {
		w = &rateWindow{}
		c.windows[tenantID] = w
	}
	return w
}

func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]
}

func (c *Controller) maxRateUtilization(now time.Time) float64 {
	if c.policy.RateLimitPerTenant <= 0 {
		return 0
	}
	c.windowsMu.Lock()
	windows := make([]*rateWindow, 0, len(c.windows))
	for _, w := range c.windows {
		windows = append(windows, w)
	}
	c.windowsMu.Unlock()

	var max float64
	for _, w := range windows {
		w.mu.Lock()
		w.prune(now)
		u := float64(len(w.stamps)) / c.policy.RateLimitPerTenant
		w.mu.Unlock()
		if u > max {
			max = u
		}
	}
	return max
}

// utilizationLocked combines queue, in-flight, and the supplied rate
// utilization. Caller holds c.mu.
func (c *Controller) utilizationLocked(rate float64) float64 {
	max := rate
	if c.policy.MaxQueueDepth > 0 {
		if u := float64(c.queueDepth) / float64(c.policy.MaxQueueDepth); u > max {
			max = u
		}
	}
	if c.policy.MaxInFlight > 0 {
		if u := float64(c.inFlight) / float64(c.policy.MaxInFlight); u > max {
			max = u
		}
	}
	return max
}

func (c *Controller) recompute() {
	rate := c.maxRateUtilization(time.Now())
	c.mu.Lock()
	c.recomputeWithRateLocked(rate)
	c.mu.Unlock()
}

// recomputeLocked recomputes state using the last observed rate
// utilization instead of re-reading the windows. Caller holds c.mu.
func (c *Controller) recomputeLocked() {
	c.recomputeWithRateLocked(c.lastRate)
}

func (c *Controller) recomputeWithRateLocked(rate float64) {
	c.lastRate = rate
	u := c.utilizationLocked(rate)
	next := c.stateFor(u)
	if next == c.state {
		return
	}

	prev := c.state
	c.state = next
	c.logger.Info("backpressure state changed",
		"from", string(prev), "to", string(next), "utilization", u)

	if c.onStateChange != nil {
		fn := c.onStateChange
		go fn(prev, next)
	}

	now := time.Now()
	if now.Sub(c.lastAlert) >= c.policy.AlertCooldown {
		c.lastAlert = now
		c.logger.Warn("backpressure alert",
			"from", string(prev), "to", string(next), "utilization", u)
		if c.onAlert != nil {
			fn := c.onAlert
			go fn(Alert{From: prev, To: next, Utilization: u, At: now})
		}
	}
}

// stateFor maps a utilization to a state. The NORMAL band ends at
// 0.35 of the warning threshold.
func (c *Controller) stateFor(u float64) State {
	switch {
	case u >= c.policy.CriticalThreshold:
		return StateOverloaded
	case u >= c.policy.WarningThreshold:
		return StateCritical
	case u >= 0.35*c.policy.WarningThreshold:
		return StateWarning
	default:
		return StateNormal
	}
}
