// Package playbook selects the remediation playbook for a classified
// exception and serves its ordered steps.
package playbook

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/redress-ops/redress/pkg/models"
)

// Query describes the exception being matched.
type Query struct {
	TenantID      string
	Domain        string
	ExceptionType string
	Severity      models.Severity

	// SLAMinutesRemaining, when set, is compared against a playbook's
	// sla_minutes_remaining_lt filter.
	SLAMinutesRemaining *float64

	// PolicyTags are matched as a superset of a playbook's
	// policy_tags.
	PolicyTags []string
}

// Match is a selected playbook with the reasoning that picked it.
type Match struct {
	Playbook  models.Playbook
	Reasoning string
}

// Matcher evaluates playbook conditions. Stateless; safe for
// concurrent use.
type Matcher struct {
	logger *slog.Logger
}

// NewMatcher creates a matcher.
func NewMatcher(logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{logger: logger.With("component", "playbook_matcher")}
}

// BestMatch filters candidates through every predicate, sorts the
// survivors by priority descending then created_at descending, and
// returns the first. Returns nil when nothing matches.
func (m *Matcher) BestMatch(q Query, candidates []models.Playbook) *Match {
	var passed []models.Playbook
	for _, pb := range candidates {
		if m.matches(q, pb) {
			passed = append(passed, pb)
		}
	}
	if len(passed) == 0 {
		m.logger.Debug("No playbook matched",
			"tenant_id", q.TenantID, "exception_type", q.ExceptionType, "candidates", len(candidates))
		return nil
	}

	sort.SliceStable(passed, func(i, j int) bool {
		pi, pj := passed[i].Conditions.Effective().Priority, passed[j].Conditions.Effective().Priority
		if pi != pj {
			return pi > pj
		}
		return passed[i].CreatedAt.After(passed[j].CreatedAt)
	})

	best := passed[0]
	reasoning := fmt.Sprintf(
		"matched %d of %d candidates for type=%s severity=%s; selected %q (priority %d)",
		len(passed), len(candidates), q.ExceptionType, q.Severity,
		best.Name, best.Conditions.Effective().Priority)
	m.logger.Info("Playbook selected",
		"tenant_id", q.TenantID, "playbook_id", best.ID, "playbook", best.Name,
		"matched", len(passed), "candidates", len(candidates))

	return &Match{Playbook: best, Reasoning: reasoning}
}

// Steps returns a playbook's steps ordered ascending by step_order,
// verifying the contiguous 1-based sequence.
func Steps(pb models.Playbook) ([]models.PlaybookStep, error) {
	steps := append([]models.PlaybookStep(nil), pb.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	for i, step := range steps {
		if step.StepOrder != i+1 {
			return nil, fmt.Errorf("playbook %d has a gap in step order at position %d (step_order %d)",
				pb.ID, i+1, step.StepOrder)
		}
	}
	return steps, nil
}

func (m *Matcher) matches(q Query, pb models.Playbook) bool {
	spec := pb.Conditions.Effective()

	if spec.Domain != "" && !strings.EqualFold(spec.Domain, q.Domain) {
		return false
	}

	// The playbook's configured exception type participates as a
	// case-insensitive substring of the candidate's configured type.
	if spec.ExceptionType != "" &&
		!strings.Contains(strings.ToLower(q.ExceptionType), strings.ToLower(spec.ExceptionType)) {
		return false
	}
	if pb.ExceptionType != "" && spec.ExceptionType == "" &&
		!strings.EqualFold(pb.ExceptionType, q.ExceptionType) {
		return false
	}

	if spec.Severity != "" && spec.Severity != q.Severity {
		return false
	}
	if len(spec.SeverityIn) > 0 {
		found := false
		for _, sev := range spec.SeverityIn {
			if sev == q.Severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// Filter-only predicate: the caller's remaining minutes must be
	// known and strictly below the configured bound.
	if spec.SLAMinutesRemainingLT != nil {
		if q.SLAMinutesRemaining == nil || *q.SLAMinutesRemaining >= float64(*spec.SLAMinutesRemainingLT) {
			return false
		}
	}

	if len(spec.PolicyTags) > 0 {
		provided := make(map[string]bool, len(q.PolicyTags))
		for _, tag := range q.PolicyTags {
			provided[tag] = true
		}
		for _, tag := range spec.PolicyTags {
			if !provided[tag] {
				return false
			}
		}
	}
	return true
}
