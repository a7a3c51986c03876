// Package audit writes the per-run JSONL audit trail: agent events,
// tool calls, decisions, and explanation records. One file per run_id,
// one JSON line per entry, flushed on every write.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redress-ops/redress/pkg/masking"
)

// Entry event types.
const (
	EventAgentEvent           = "agent_event"
	EventToolCall             = "tool_call"
	EventDecision             = "decision"
	EventExplanationGenerated = "explanation_generated"
)

// Entry is one line of the audit trail.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	RunID     string         `json:"run_id"`
	TenantID  string         `json:"tenant_id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// Logger writes line-delimited JSON audit streams, one file per
// run_id. Concurrent writes to the same run serialize; writes to
// different runs do not contend.
type Logger struct {
	dir    string
	masker *masking.Service

	mu   sync.Mutex
	runs map[string]*runFile
}

type runFile struct {
	mu sync.Mutex
	f  *os.File
}

// NewLogger creates an audit logger rooted at dir
// (e.g. ./runtime/audit). masker may be nil to disable redaction.
func NewLogger(dir string, masker *masking.Service) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return &Logger{
		dir:    dir,
		masker: masker,
		runs:   make(map[string]*runFile),
	}, nil
}

// Dir returns the root audit directory.
func (l *Logger) Dir() string { return l.dir }

// Log writes one audit entry. Write failures degrade to warnings; the
// pipeline stage is never failed by an audit write.
func (l *Logger) Log(runID, tenantID, eventType string, data map[string]any) {
	rf, err := l.fileFor(runID)
	if err != nil {
		slog.Warn("Audit write skipped, cannot open run file",
			"run_id", runID, "error", err)
		return
	}

	normalized := Normalize(data)
	if l.masker != nil {
		normalized = l.masker.RedactMap(normalized)
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RunID:     runID,
		TenantID:  tenantID,
		EventType: eventType,
		Data:      normalized,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("Audit entry marshal failed", "run_id", runID, "error", err)
		return
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()
	if _, err := rf.f.Write(append(line, '\n')); err != nil {
		slog.Warn("Audit write failed", "run_id", runID, "error", err)
		return
	}
	// Flush on every write so crashes never lose committed entries.
	if err := rf.f.Sync(); err != nil {
		slog.Warn("Audit sync failed", "run_id", runID, "error", err)
	}
}

// AgentEvent records one agent_event line for a stage.
func (l *Logger) AgentEvent(runID, tenantID, agentName, stageName string, data map[string]any) {
	merged := map[string]any{
		"agent_name": agentName,
		"stage_name": stageName,
	}
	for k, v := range data {
		merged[k] = v
	}
	l.Log(runID, tenantID, EventAgentEvent, merged)
}

// ToolCall records one tool invocation.
func (l *Logger) ToolCall(runID, tenantID, toolName string, data map[string]any) {
	merged := map[string]any{"tool_name": toolName}
	for k, v := range data {
		merged[k] = v
	}
	l.Log(runID, tenantID, EventToolCall, merged)
}

// Decision records a stage decision.
func (l *Logger) Decision(runID, tenantID, stageName string, data map[string]any) {
	merged := map[string]any{"stage_name": stageName}
	for k, v := range data {
		merged[k] = v
	}
	l.Log(runID, tenantID, EventDecision, merged)
}

// ExplanationGenerated records an explanation_generated entry.
func (l *Logger) ExplanationGenerated(runID, tenantID string, data map[string]any) {
	l.Log(runID, tenantID, EventExplanationGenerated, data)
}

// CloseRun closes the file for one run. Subsequent writes to the same
// run reopen it in append mode.
func (l *Logger) CloseRun(runID string) {
	l.mu.Lock()
	rf, ok := l.runs[runID]
	if ok {
		delete(l.runs, runID)
	}
	l.mu.Unlock()

	if ok {
		rf.mu.Lock()
		_ = rf.f.Close()
		rf.mu.Unlock()
	}
}

// Close closes all open run files. Called on shutdown.
func (l *Logger) Close() {
	l.mu.Lock()
	runs := l.runs
	l.runs = make(map[string]*runFile)
	l.mu.Unlock()

	for _, rf := range runs {
		rf.mu.Lock()
		_ = rf.f.Close()
		rf.mu.Unlock()
	}
}

// RunFilePath returns the JSONL path for a run id.
func (l *Logger) RunFilePath(runID string) string {
	return filepath.Join(l.dir, runID+".jsonl")
}

func (l *Logger) fileFor(runID string) (*runFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rf, ok := l.runs[runID]; ok {
		return rf, nil
	}
	f, err := os.OpenFile(l.RunFilePath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	rf := &runFile{f: f}
	l.runs[runID] = rf
	return rf, nil
}
