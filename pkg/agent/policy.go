package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/playbook"
	"github.com/redress-ops/redress/pkg/policy"
)

// Policy decision labels.
const (
	DecisionApproved             = "Approved"
	DecisionApprovedNeedsHuman   = "Approved - Human approval required"
	DecisionBlockedNonActionable = "Blocked - Non-actionable"
	DecisionBlockedNotApproved   = "Blocked - Playbook not approved"
	DecisionEscalate             = "Escalate"
)

// PolicyAgent evaluates guardrails, actionability, and playbook
// approval for a classified exception.
type PolicyAgent struct {
	deps Deps
}

// NewPolicyAgent creates the policy stage.
func NewPolicyAgent(deps Deps) *PolicyAgent {
	return &PolicyAgent{deps: deps}
}

func (a *PolicyAgent) Name() string  { return "PolicyAgent" }
func (a *PolicyAgent) Stage() string { return models.StagePolicy }

// Execute applies severity overrides, classifies actionability,
// decides approval and escalation, and assigns a playbook when the
// exception may proceed.
func (a *PolicyAgent) Execute(ctx context.Context, rec *models.ExceptionRecord, runCtx map[string]any) (*models.AgentDecision, error) {
	resolved, err := a.deps.Resolver.Resolve(rec.TenantID, domainName(runCtx))
	if err != nil {
		return nil, fmt.Errorf("resolving policy: %w", err)
	}

	// 1. Tenant severity overrides become authoritative.
	if override, ok := resolved.SeverityOverrides[rec.ExceptionType]; ok {
		rec.Severity = override
	}

	// 2. Candidate playbooks, split into approved and non-approved.
	match, approvedMatch := a.findPlaybooks(rec, resolved, runCtx)

	// Upstream confidence drives the guardrail checks.
	confidence := 1.0
	if triage := stageDecision(runCtx, models.StageTriage); triage != nil {
		confidence = triage.Confidence
	}

	// 3. Actionability.
	var actionability models.Actionability
	switch {
	case approvedMatch != nil:
		actionability = models.ActionableApproved
	case match != nil:
		actionability = models.ActionableNonApproved
	default:
		actionability = models.NonActionableInfoOnly
	}
	if rec.Severity == models.SeverityCritical && resolved.ApprovalRequired[models.SeverityCritical] && approvedMatch == nil {
		actionability = models.NonActionableInfoOnly
	}

	// 4. Human approval requirement.
	threshold := resolved.Guardrails.HumanApprovalThreshold
	needsApproval := resolved.ApprovalRequired[rec.Severity] ||
		(threshold > 0 && confidence < threshold) ||
		(rec.Severity == models.SeverityCritical && !resolved.Guardrails.AllowCriticalAutoResolution)

	// 5. Escalation on confidence well below the threshold.
	escalate := threshold > 0 && confidence < threshold-0.1

	decision, nextStep := mapDecision(actionability, needsApproval, escalate)

	selected := approvedMatch
	if selected == nil {
		selected = match
	}

	// 6. Playbook assignment unless blocked or escalating.
	var assignedID *int
	if decision == DecisionApproved || decision == DecisionApprovedNeedsHuman {
		if selected != nil {
			rec.AssignPlaybook(selected.Playbook.ID, 1)
			assignedID = rec.CurrentPlaybookID
		}
	}

	if decision == DecisionApprovedNeedsHuman {
		rec.ResolutionStatus = models.StatusPendingApproval
	}

	reasoning := "no playbook candidates"
	if selected != nil {
		reasoning = selected.Reasoning
	}

	a.emitPolicyEvaluated(ctx, rec, runCtx, decision, reasoning, assignedID)

	a.deps.agentEvent(runCtx, rec.TenantID, a.Name(), a.Stage(), map[string]any{
		"exception_id":   rec.ExceptionID,
		"decision":       decision,
		"actionability":  string(actionability),
		"severity":       string(rec.Severity),
		"needs_approval": needsApproval,
	})

	runCtx["actionability"] = actionability

	evidenceList := []string{
		fmt.Sprintf("actionability=%s", actionability),
		fmt.Sprintf("effective severity=%s", rec.Severity),
		reasoning,
	}

	return &models.AgentDecision{
		Decision:   decision,
		Confidence: confidence,
		Evidence:   evidenceList,
		NextStep:   nextStep,
	}, nil
}

// findPlaybooks returns the best overall match and the best approved
// match for the exception.
func (a *PolicyAgent) findPlaybooks(rec *models.ExceptionRecord, resolved *policy.Resolved, runCtx map[string]any) (match, approved *playbook.Match) {
	// An upstream matcher may have pre-selected a playbook.
	if suggested, ok := runCtx[CtxSuggestedPlaybookID].(int); ok {
		for _, pb := range resolved.Playbooks {
			if pb.ID == suggested {
				m := &playbook.Match{Playbook: pb, Reasoning: fmt.Sprintf("suggested playbook %d from upstream matcher", suggested)}
				if resolved.IsApprovedProcess(pb) {
					return m, m
				}
				return m, nil
			}
		}
	}

	query := playbook.Query{
		TenantID:      rec.TenantID,
		Domain:        resolved.DomainName,
		ExceptionType: rec.ExceptionType,
		Severity:      rec.Severity,
	}
	match = a.deps.Matcher.BestMatch(query, resolved.Playbooks)
	if match != nil && resolved.IsApprovedProcess(match.Playbook) {
		return match, match
	}

	// Look for an approved alternative among the remaining candidates.
	var approvedCandidates []models.Playbook
	for _, pb := range resolved.Playbooks {
		if resolved.IsApprovedProcess(pb) {
			approvedCandidates = append(approvedCandidates, pb)
		}
	}
	approved = a.deps.Matcher.BestMatch(query, approvedCandidates)
	return match, approved
}

func mapDecision(actionability models.Actionability, needsApproval, escalate bool) (string, string) {
	if escalate {
		return DecisionEscalate, models.NextEscalate
	}
	switch actionability {
	case models.NonActionableInfoOnly:
		return DecisionBlockedNonActionable, models.NextResolution
	case models.ActionableNonApproved:
		return DecisionBlockedNotApproved, models.NextResolution
	}
	if needsApproval {
		return DecisionApprovedNeedsHuman, models.NextResolution
	}
	return DecisionApproved, models.NextResolution
}

// emitPolicyEvaluated writes the PolicyEvaluated event with a
// deterministic id so replays of the same run are no-ops.
func (a *PolicyAgent) emitPolicyEvaluated(ctx context.Context, rec *models.ExceptionRecord, runCtx map[string]any, decision, reasoning string, playbookID *int) {
	if a.deps.EventLog == nil {
		return
	}
	seed := fmt.Sprintf("policy-evaluated/%s/%s/%s", rec.TenantID, rec.ExceptionID, runID(runCtx))
	eventID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()

	payload := map[string]any{
		"decision":  decision,
		"reasoning": reasoning,
	}
	if playbookID != nil {
		payload["playbook_id"] = *playbookID
	}
	_, _ = a.deps.EventLog.AppendIfNew(ctx, rec.TenantID, models.Event{
		EventID:     eventID,
		ExceptionID: rec.ExceptionID,
		TenantID:    rec.TenantID,
		EventType:   models.EventPolicyEvaluated,
		ActorType:   models.ActorAgent,
		ActorID:     a.Name(),
		Payload:     payload,
	})
}
