package explain

import (
	"fmt"
	"sort"
	"time"

	"github.com/redress-ops/redress/pkg/audit"
	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/storage"
)

// TimelineEvent is one entry in a decision timeline, either
// synthesized from a stored pipeline result or read back from the
// audit trail.
type TimelineEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	StageName   string    `json:"stageName"`
	AgentName   string    `json:"agentName,omitempty"`
	Summary     string    `json:"summary"`
	Decision    string    `json:"decision,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	NextStep    string    `json:"nextStep,omitempty"`
	EvidenceIDs []string  `json:"evidenceIds,omitempty"`
	Source      string    `json:"source"`
}

const (
	sourcePipeline = "pipeline"
	sourceAudit    = "audit"
)

// stageTimestampStep spaces synthesized stage events apart so the
// timeline orders deterministically even without per-stage clocks.
const stageTimestampStep = 2 * time.Second

// buildTimeline merges synthesized stage events with audit entries
// mentioning the exception, deduplicated by (timestamp, stage) and
// sorted ascending.
func buildTimeline(stored storage.StoredException, entries []audit.Entry) []TimelineEvent {
	var events []TimelineEvent

	if result := stored.LastResult; result != nil {
		base := stored.Record.Timestamp
		for i, name := range result.StageNames {
			stage := result.Stages[name]
			if stage == nil {
				continue
			}
			events = append(events, synthesizeStageEvent(name, stage, base.Add(time.Duration(i)*stageTimestampStep)))
		}
	}

	for _, entry := range entries {
		ts, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
		if err != nil {
			continue
		}
		events = append(events, auditEvent(entry, ts))
	}

	events = dedupeTimeline(events)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}

func synthesizeStageEvent(name string, stage *models.StageResult, ts time.Time) TimelineEvent {
	ev := TimelineEvent{
		Timestamp: ts,
		StageName: name,
		AgentName: stage.AgentName,
		Source:    sourcePipeline,
	}

	switch {
	case stage.Error != "":
		ev.Summary = fmt.Sprintf("Stage %s failed: %s", name, stage.Error)
	case stage.Skipped != "":
		ev.Summary = fmt.Sprintf("Stage %s skipped: %s", name, stage.Skipped)
	default:
		ev.Summary = fmt.Sprintf("Stage %s completed", name)
	}

	if d := stage.Decision; d != nil {
		ev.Decision = d.Decision
		ev.Confidence = d.Confidence
		ev.NextStep = d.NextStep
		ev.EvidenceIDs = d.Evidence
	}
	return ev
}

func auditEvent(entry audit.Entry, ts time.Time) TimelineEvent {
	ev := TimelineEvent{
		Timestamp: ts,
		Summary:   entry.EventType,
		Source:    sourceAudit,
	}
	if stage, ok := entry.Data["stage_name"].(string); ok {
		ev.StageName = stage
	}
	if agent, ok := entry.Data["agent_name"].(string); ok {
		ev.AgentName = agent
	}
	if decision, ok := entry.Data["decision"].(string); ok {
		ev.Decision = decision
	}
	return ev
}

func dedupeTimeline(events []TimelineEvent) []TimelineEvent {
	seen := make(map[string]bool, len(events))
	out := events[:0]
	for _, ev := range events {
		key := ev.Timestamp.UTC().Format(time.RFC3339) + "|" + ev.StageName
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ev)
	}
	return out
}
