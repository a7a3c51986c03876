// Package explain builds human- and machine-readable explanations of
// how an exception was handled, from the exception store, the audit
// trail, and the evidence tracker.
package explain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redress-ops/redress/pkg/audit"
	"github.com/redress-ops/redress/pkg/evidence"
	"github.com/redress-ops/redress/pkg/metrics"
	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/storage"
)

// Format selects the explanation rendering.
type Format string

// Supported formats.
const (
	FormatJSON       Format = "JSON"
	FormatText       Format = "TEXT"
	FormatStructured Format = "STRUCTURED"
)

// ErrUnsupportedFormat is returned for formats outside the supported
// set.
var ErrUnsupportedFormat = errors.New("unsupported explanation format")

// explanationVersion is bumped when the rendered structure changes
// shape; consumers can key parsers off it.
const explanationVersion = "1.0"

// Explanation is the rendered output plus its quality score and
// content hash.
type Explanation struct {
	TenantID    string    `json:"tenantId"`
	ExceptionID string    `json:"exceptionId"`
	Format      Format    `json:"format"`
	Content     string    `json:"content"`
	Quality     float64   `json:"quality"`
	ContentHash string    `json:"contentHash"`
	GeneratedAt time.Time `json:"generatedAt"`

	Timeline []TimelineEvent       `json:"timeline"`
	Evidence []models.EvidenceItem `json:"evidence"`
	Links    []models.EvidenceLink `json:"links"`
}

// Service renders explanations on demand. It only reads stored state;
// generating an explanation never mutates exception or event records.
type Service struct {
	store   storage.ExceptionStore
	reader  audit.Reader
	tracker *evidence.Tracker
	auditor *audit.Logger
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewService creates an explanation service. auditor and metrics may
// be nil; generation then skips the corresponding records.
func NewService(store storage.ExceptionStore, reader audit.Reader, tracker *evidence.Tracker, auditor *audit.Logger, collector *metrics.Collector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		reader:  reader,
		tracker: tracker,
		auditor: auditor,
		metrics: collector,
		logger:  logger.With("component", "explain"),
	}
}

// Explain renders the exception's explanation in the requested format.
func (s *Service) Explain(ctx context.Context, tenantID, exceptionID string, format Format) (*Explanation, error) {
	start := time.Now()

	stored, err := s.store.Get(ctx, tenantID, exceptionID)
	if err != nil {
		return nil, err
	}

	entries, err := s.reader.EntriesMentioning(exceptionID)
	if err != nil {
		// The audit trail enriches the timeline but is not required
		// for it.
		s.logger.Warn("Audit scan failed during explanation",
			"tenant_id", tenantID, "exception_id", exceptionID, "error", err)
	}

	exp := &Explanation{
		TenantID:    tenantID,
		ExceptionID: exceptionID,
		Format:      format,
		GeneratedAt: time.Now().UTC(),
		Timeline:    buildTimeline(stored, entries),
	}
	if s.tracker != nil {
		exp.Evidence, _ = s.tracker.EvidenceFor(tenantID, exceptionID)
		exp.Links, _ = s.tracker.LinksFor(tenantID, exceptionID, "")
	}

	switch format {
	case FormatJSON:
		err = s.renderJSON(exp, stored)
	case FormatText:
		err = s.renderText(exp, stored)
	case FormatStructured:
		err = s.renderStructured(exp, stored)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	s.record(exp, stored, time.Since(start))
	return exp, nil
}

// Timeline returns just the merged decision timeline.
func (s *Service) Timeline(ctx context.Context, tenantID, exceptionID string) ([]TimelineEvent, error) {
	stored, err := s.store.Get(ctx, tenantID, exceptionID)
	if err != nil {
		return nil, err
	}
	entries, err := s.reader.EntriesMentioning(exceptionID)
	if err != nil {
		s.logger.Warn("Audit scan failed during timeline build",
			"tenant_id", tenantID, "exception_id", exceptionID, "error", err)
	}
	return buildTimeline(stored, entries), nil
}

func (s *Service) renderJSON(exp *Explanation, stored storage.StoredException) error {
	payload := map[string]any{
		"version":     explanationVersion,
		"tenantId":    exp.TenantID,
		"exceptionId": exp.ExceptionID,
		"timeline":    exp.Timeline,
		"evidence":    exp.Evidence,
		"links":       exp.Links,
		"decisions":   stageDecisions(stored.LastResult),
	}

	content, err := CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("rendering JSON explanation: %w", err)
	}
	exp.Content = string(content)
	exp.Quality = scoreStructured(structuredShape{
		TimelineEvents: len(exp.Timeline),
		EvidenceItems:  len(exp.Evidence),
		AgentDecisions: len(stageDecisions(stored.LastResult)),
		HasLinks:       len(exp.Links) > 0,
	})
	return s.hash(exp, payload)
}

func (s *Service) renderStructured(exp *Explanation, stored storage.StoredException) error {
	byType := make(map[string][]models.EvidenceItem)
	for _, item := range exp.Evidence {
		byType[string(item.Type)] = append(byType[string(item.Type)], item)
	}
	byAgent := make(map[string][]models.EvidenceLink)
	for _, link := range exp.Links {
		byAgent[link.AgentName] = append(byAgent[link.AgentName], link)
	}

	payload := map[string]any{
		"version":        explanationVersion,
		"tenantId":       exp.TenantID,
		"exceptionId":    exp.ExceptionID,
		"timeline":       exp.Timeline,
		"evidenceByType": byType,
		"linksByAgent":   byAgent,
		"decisions":      stageDecisions(stored.LastResult),
		"overallStatus":  recordStatus(stored),
	}

	content, err := CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("rendering structured explanation: %w", err)
	}
	exp.Content = string(content)
	exp.Quality = scoreStructured(structuredShape{
		TimelineEvents:  len(exp.Timeline),
		EvidenceItems:   len(exp.Evidence),
		AgentDecisions:  len(stageDecisions(stored.LastResult)),
		HasLinks:        len(exp.Links) > 0,
		HasGroupedViews: true,
	})
	return s.hash(exp, payload)
}

func (s *Service) renderText(exp *Explanation, stored storage.StoredException) error {
	var sb strings.Builder

	rec := stored.Record
	fmt.Fprintf(&sb, "Exception %s (tenant %s) from %s, type %s, severity %s, status %s.\n\n",
		rec.ExceptionID, rec.TenantID, rec.SourceSystem,
		orUnknown(rec.ExceptionType), orUnknown(string(rec.Severity)), rec.ResolutionStatus)

	sb.WriteString("Decision timeline:\n")
	for _, ev := range exp.Timeline {
		fmt.Fprintf(&sb, "  %s [%s] %s", ev.Timestamp.UTC().Format(time.RFC3339), orUnknown(ev.StageName), ev.Summary)
		if ev.Decision != "" {
			fmt.Fprintf(&sb, " because the %s agent decided %q with confidence %.2f", ev.AgentName, ev.Decision, ev.Confidence)
		}
		sb.WriteString(".\n")
	}

	if len(exp.Evidence) > 0 {
		sb.WriteString("\nEvidence observed:\n")
		for _, item := range exp.Evidence {
			fmt.Fprintf(&sb, "  [%s] %s (source %s)\n", item.Type, item.Description, item.SourceID)
		}
	}

	if decisions := stageDecisions(stored.LastResult); len(decisions) > 0 {
		sb.WriteString("\nStage decisions:\n")
		names := make([]string, 0, len(decisions))
		for name := range decisions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			d := decisions[name]
			fmt.Fprintf(&sb, "  %s: %s (confidence %.2f, next %s)\n",
				name, d.Decision, d.Confidence, orUnknown(d.NextStep))
		}
	}

	exp.Content = sb.String()
	exp.Quality = scoreText(exp.Content)
	return s.hash(exp, exp.Content)
}

func (s *Service) hash(exp *Explanation, content any) error {
	hash, err := ContentHash(content)
	if err != nil {
		return fmt.Errorf("hashing explanation: %w", err)
	}
	exp.ContentHash = hash
	return nil
}

func (s *Service) record(exp *Explanation, stored storage.StoredException, latency time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordExplanationGenerated(exp.TenantID, exp.ExceptionID, latency, exp.Quality)
	}
	if s.auditor != nil {
		runID := "explain"
		if stored.LastResult != nil && stored.LastResult.RunID != "" {
			runID = stored.LastResult.RunID
		}
		s.auditor.ExplanationGenerated(runID, exp.TenantID, map[string]any{
			"exception_id": exp.ExceptionID,
			"format":       string(exp.Format),
			"quality":      exp.Quality,
			"content_hash": exp.ContentHash,
		})
	}
}

func stageDecisions(result *models.PipelineResult) map[string]models.AgentDecision {
	if result == nil {
		return nil
	}
	out := make(map[string]models.AgentDecision)
	for name, stage := range result.Stages {
		if stage != nil && stage.Decision != nil {
			out[name] = *stage.Decision
		}
	}
	return out
}

func recordStatus(stored storage.StoredException) string {
	if stored.LastResult != nil {
		return string(stored.LastResult.Status)
	}
	return string(stored.Record.ResolutionStatus)
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
