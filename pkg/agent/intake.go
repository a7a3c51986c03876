package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/redress-ops/redress/pkg/models"
)

// timestampFields are the payload keys intake recognizes as the event
// time, in probe order.
var timestampFields = []string{
	"timestamp", "occurredAt", "occurred_at", "eventTime", "event_time",
	"createdAt", "created_at",
}

// timestampLayouts are tried in order when the value is a string.
var timestampLayouts = []string{
	time.RFC3339Nano, time.RFC3339,
	"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02",
}

// IntakeAgent normalizes a raw payload into a valid exception record.
type IntakeAgent struct {
	deps Deps
}

// NewIntakeAgent creates the intake stage.
func NewIntakeAgent(deps Deps) *IntakeAgent {
	return &IntakeAgent{deps: deps}
}

func (a *IntakeAgent) Name() string  { return "IntakeAgent" }
func (a *IntakeAgent) Stage() string { return models.StageIntake }

// Execute extracts identity, source, timestamp, and exception type
// from the raw payload, then validates the type against the domain
// pack. Validation failures lower confidence but do not abort; a
// missing tenant id does.
func (a *IntakeAgent) Execute(ctx context.Context, rec *models.ExceptionRecord, runCtx map[string]any) (*models.AgentDecision, error) {
	payload := rec.RawPayload

	if rec.TenantID == "" {
		rec.TenantID = payloadString(payload, "tenantId", "tenant_id")
	}
	if rec.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrValidationFailed)
	}

	if rec.ExceptionID == "" {
		rec.ExceptionID = payloadString(payload, "exceptionId", "exception_id", "id")
	}
	if rec.ExceptionID == "" {
		rec.ExceptionID = uuid.New().String()
	}

	if rec.SourceSystem == "" {
		rec.SourceSystem = payloadString(payload, "sourceSystem", "source_system")
	}
	if rec.SourceSystem == "" {
		rec.SourceSystem = "UNKNOWN"
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = extractTimestamp(payload)
	}

	if rec.ExceptionType == "" {
		rec.ExceptionType = payloadString(payload, "exceptionType", "exception_type")
	}
	rec.ExceptionType = CanonicalizeType(rec.ExceptionType)

	if rec.ResolutionStatus == "" {
		rec.ResolutionStatus = models.StatusOpen
	}

	pipelineID, _ := runCtx[CtxPipelineID].(string)
	if pipelineID == "" {
		pipelineID = uuid.New().String()
		runCtx[CtxPipelineID] = pipelineID
	}
	if rec.NormalizedContext == nil {
		rec.NormalizedContext = make(map[string]any)
	}
	rec.NormalizedContext["pipelineId"] = pipelineID
	rec.NormalizedContext["normalizedAt"] = time.Now().UTC().Format(time.RFC3339Nano)

	var validationErrs []string
	if rec.ExceptionType != "" {
		if resolved, err := a.deps.Resolver.Resolve(rec.TenantID, domainName(runCtx)); err == nil {
			if !resolved.KnownType(rec.ExceptionType) {
				validationErrs = append(validationErrs,
					fmt.Sprintf("exception type %q not in domain taxonomy", rec.ExceptionType))
			}
		}
	}

	label := "Normalized"
	confidence := 0.8
	switch {
	case len(validationErrs) > 0:
		label = fmt.Sprintf("Normalized as %s (validation errors)", rec.ExceptionType)
		confidence = 0.5
	case rec.ExceptionType != "":
		label = fmt.Sprintf("Normalized as %s", rec.ExceptionType)
		confidence = 1.0
	}

	a.deps.agentEvent(runCtx, rec.TenantID, a.Name(), a.Stage(), map[string]any{
		"exception_id":      rec.ExceptionID,
		"source_system":     rec.SourceSystem,
		"exception_type":    rec.ExceptionType,
		"validation_errors": validationErrs,
	})

	decision := &models.AgentDecision{
		Decision:   label,
		Confidence: confidence,
		Evidence:   validationErrs,
		NextStep:   models.NextTriage,
	}
	return decision, nil
}

// CanonicalizeType strips leading colons and surrounding whitespace,
// and uppercases values made of lowercase alphanumerics and
// underscores.
func CanonicalizeType(t string) string {
	t = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(t), ":"))
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	allLower := true
	for _, r := range t {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			allLower = false
			break
		}
	}
	if allLower {
		return strings.ToUpper(t)
	}
	return t
}

func payloadString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := payload[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func extractTimestamp(payload map[string]any) time.Time {
	for _, field := range timestampFields {
		v, ok := payload[field]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			return t.UTC()
		case string:
			for _, layout := range timestampLayouts {
				if parsed, err := time.Parse(layout, t); err == nil {
					return parsed.UTC()
				}
			}
		case float64:
			// Unix seconds, the common case for numeric timestamps.
			return time.Unix(int64(t), 0).UTC()
		}
	}
	return time.Now().UTC()
}
