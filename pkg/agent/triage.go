package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/policy"
	"github.com/redress-ops/redress/pkg/rules"
)

// TriageAgent classifies the exception type and scores its severity.
type TriageAgent struct {
	deps Deps
}

// NewTriageAgent creates the triage stage.
func NewTriageAgent(deps Deps) *TriageAgent {
	return &TriageAgent{deps: deps}
}

func (a *TriageAgent) Name() string  { return "TriageAgent" }
func (a *TriageAgent) Stage() string { return models.StageTriage }

// Execute validates or infers the exception type, selects severity
// from pack rules with a type-name fallback, and optionally attaches
// similar prior cases as evidence.
func (a *TriageAgent) Execute(ctx context.Context, rec *models.ExceptionRecord, runCtx map[string]any) (*models.AgentDecision, error) {
	resolved, err := a.deps.Resolver.Resolve(rec.TenantID, domainName(runCtx))
	if err != nil {
		return nil, fmt.Errorf("resolving policy for triage: %w", err)
	}

	confidence := 0.9
	if rec.ExceptionType != "" {
		if !resolved.KnownType(rec.ExceptionType) {
			confidence = 0.6
		}
	} else {
		inferred := inferType(rec.RawPayload, resolved)
		if inferred == "" {
			return nil, fmt.Errorf("%w: no exception type matched payload", ErrClassificationFailed)
		}
		rec.ExceptionType = inferred
		confidence = 0.7
	}

	severity, matchedRules := selectSeverity(rec, resolved)
	if severity == "" {
		severity = severityFromTypeName(rec.ExceptionType)
		confidence = min(confidence, 0.6)
	}
	rec.Severity = severity
	rec.ResolutionStatus = models.StatusInProgress

	evidenceList := []string{
		fmt.Sprintf("type=%s", rec.ExceptionType),
		fmt.Sprintf("severity=%s", severity),
	}
	for _, cond := range matchedRules {
		evidenceList = append(evidenceList, fmt.Sprintf("rule matched: %s", cond))
	}

	// Similarity search degrades gracefully: a failing or absent index
	// just yields no similar-case evidence.
	if a.deps.Similarity != nil {
		similar, err := a.deps.Similarity.Search(ctx, rec, 3)
		if err != nil {
			a.deps.logger().Warn("Similarity search failed, continuing without",
				"exception_id", rec.ExceptionID, "error", err)
		}
		for _, item := range similar {
			evidenceList = append(evidenceList, fmt.Sprintf("similar case: %s", item.SourceID))
			if a.deps.Evidence != nil {
				item.TenantID = rec.TenantID
				item.ExceptionID = rec.ExceptionID
				if saved, err := a.deps.Evidence.Record(item); err == nil {
					_, _ = a.deps.Evidence.Link(rec.TenantID, rec.ExceptionID,
						a.Name(), a.Stage(), saved.ID, models.InfluenceContextual)
				}
			}
		}
	}

	a.deps.agentEvent(runCtx, rec.TenantID, a.Name(), a.Stage(), map[string]any{
		"exception_id":   rec.ExceptionID,
		"exception_type": rec.ExceptionType,
		"severity":       string(severity),
		"matched_rules":  len(matchedRules),
	})

	if a.deps.EventLog != nil {
		_, _ = a.deps.EventLog.AppendIfNew(ctx, rec.TenantID, models.Event{
			EventID:     uuid.New().String(),
			ExceptionID: rec.ExceptionID,
			TenantID:    rec.TenantID,
			EventType:   models.EventTriageCompleted,
			ActorType:   models.ActorAgent,
			ActorID:     a.Name(),
			Payload: map[string]any{
				"exception_type": rec.ExceptionType,
				"severity":       string(severity),
			},
		})
	}

	return &models.AgentDecision{
		Decision:   fmt.Sprintf("Classified as %s / %s", rec.ExceptionType, severity),
		Confidence: confidence,
		Evidence:   evidenceList,
		NextStep:   models.NextPolicy,
	}, nil
}

// selectSeverity evaluates every compiled severity rule and returns
// the highest severity among the matches, with the matched conditions.
func selectSeverity(rec *models.ExceptionRecord, resolved *policy.Resolved) (models.Severity, []string) {
	lookup := lookupFor(rec)
	var best models.Severity
	var matched []string
	for _, rule := range resolved.SeverityRules {
		if rules.Matches(rule.Node, lookup) {
			matched = append(matched, rule.Condition)
			best = models.MaxSeverity(best, rule.Severity)
		}
	}
	return best, matched
}

// lookupFor resolves condition paths like exceptionType and
// rawPayload.<key> against the record.
func lookupFor(rec *models.ExceptionRecord) rules.LookupFunc {
	return func(path []string) (any, bool) {
		if len(path) == 1 && path[0] == "exceptionType" {
			return rec.ExceptionType, true
		}
		if len(path) >= 2 && path[0] == "rawPayload" {
			var cur any = rec.RawPayload
			for _, key := range path[1:] {
				m, ok := cur.(map[string]any)
				if !ok {
					return nil, false
				}
				if cur, ok = m[key]; !ok {
					return nil, false
				}
			}
			return cur, true
		}
		return nil, false
	}
}

// severityFromTypeName derives a default severity from tokens in the
// type name when no rule matched.
func severityFromTypeName(exceptionType string) models.Severity {
	upper := strings.ToUpper(exceptionType)
	switch {
	case strings.Contains(upper, "CRITICAL"):
		return models.SeverityCritical
	case strings.Contains(upper, "FAIL"), strings.Contains(upper, "BREAK"):
		return models.SeverityHigh
	case strings.Contains(upper, "MISMATCH"):
		return models.SeverityMedium
	default:
		return models.SeverityMedium
	}
}

// inferType scans payload keys and string values for a taxonomy type
// or one of its detection rules.
func inferType(payload map[string]any, resolved *policy.Resolved) string {
	if resolved.Domain == nil {
		return ""
	}
	corpus := strings.ToUpper(flattenPayload(payload))
	for name, def := range resolved.Domain.ExceptionTypes {
		if strings.Contains(corpus, strings.ToUpper(name)) {
			return name
		}
		for _, rule := range def.DetectionRules {
			if rule != "" && strings.Contains(corpus, strings.ToUpper(rule)) {
				return name
			}
		}
	}
	return ""
}

func flattenPayload(payload map[string]any) string {
	var sb strings.Builder
	for key, value := range payload {
		sb.WriteString(key)
		sb.WriteByte(' ')
		switch v := value.(type) {
		case string:
			sb.WriteString(v)
		case map[string]any:
			sb.WriteString(flattenPayload(v))
		default:
			fmt.Fprintf(&sb, "%v", v)
		}
		sb.WriteByte(' ')
	}
	return sb.String()
}
