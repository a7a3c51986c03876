// Package ingest pulls exception messages from a streaming backend,
// applies backpressure, and hands normalized records to the pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redress-ops/redress/pkg/models"
)

// Message is one wire-format ingestion message. Field aliasing accepts
// both camelCase and snake_case keys.
type Message struct {
	TenantID          string
	SourceSystem      string
	RawPayload        map[string]any
	ExceptionType     string
	Severity          models.Severity
	Timestamp         time.Time
	NormalizedContext map[string]any
	Metadata          map[string]any
}

// LowPriority reports whether the message is flagged droppable under
// overload.
func (m Message) LowPriority() bool {
	if m.Metadata == nil {
		return false
	}
	if v, ok := m.Metadata["lowPriority"].(bool); ok && v {
		return true
	}
	if v, ok := m.Metadata["low_priority"].(bool); ok && v {
		return true
	}
	if p, ok := m.Metadata["priority"].(string); ok {
		return strings.EqualFold(p, "low")
	}
	return false
}

// ParseMessage decodes a wire message, resolving field aliases and
// enforcing the required fields.
func ParseMessage(data []byte) (Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("decoding ingestion message: %w", err)
	}

	var msg Message
	if err := pickString(raw, &msg.TenantID, "tenantId", "tenant_id"); err != nil {
		return Message{}, err
	}
	if msg.TenantID == "" {
		return Message{}, fmt.Errorf("ingestion message missing tenant id")
	}
	if err := pickString(raw, &msg.SourceSystem, "sourceSystem", "source_system"); err != nil {
		return Message{}, err
	}
	if msg.SourceSystem == "" {
		return Message{}, fmt.Errorf("ingestion message missing source system")
	}
	if err := pickMap(raw, &msg.RawPayload, "rawPayload", "raw_payload"); err != nil {
		return Message{}, err
	}
	if msg.RawPayload == nil {
		return Message{}, fmt.Errorf("ingestion message missing raw payload")
	}

	var exceptionType string
	if err := pickString(raw, &exceptionType, "exceptionType", "exception_type"); err != nil {
		return Message{}, err
	}
	msg.ExceptionType = exceptionType

	var severity string
	if err := pickString(raw, &severity, "severity"); err != nil {
		return Message{}, err
	}
	msg.Severity = models.Severity(severity)

	var ts string
	if err := pickString(raw, &ts, "timestamp"); err != nil {
		return Message{}, err
	}
	if ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.Timestamp = parsed.UTC()
		} else if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			msg.Timestamp = parsed.UTC()
		}
	}

	if err := pickMap(raw, &msg.NormalizedContext, "normalizedContext", "normalized_context"); err != nil {
		return Message{}, err
	}
	if err := pickMap(raw, &msg.Metadata, "metadata"); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Record converts the message to an exception record, carrying the
// optional pre-set classification through.
func (m Message) Record() *models.ExceptionRecord {
	return &models.ExceptionRecord{
		TenantID:          m.TenantID,
		SourceSystem:      m.SourceSystem,
		ExceptionType:     m.ExceptionType,
		Severity:          m.Severity,
		Timestamp:         m.Timestamp,
		RawPayload:        m.RawPayload,
		NormalizedContext: m.NormalizedContext,
	}
}

func pickString(raw map[string]json.RawMessage, dst *string, keys ...string) error {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("decoding field %q: %w", key, err)
		}
		return nil
	}
	return nil
}

func pickMap(raw map[string]json.RawMessage, dst *map[string]any, keys ...string) error {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("decoding field %q: %w", key, err)
		}
		return nil
	}
	return nil
}

// Ingestor is a pluggable message source. SetHandler must be called
// before Start; the handler may block.
type Ingestor interface {
	Start(ctx context.Context) error
	Stop() error
	SetHandler(fn func(Message))
}

// StubIngestor is the in-memory backend for tests and embedded
// deployments. Messages are delivered synchronously on Inject.
type StubIngestor struct {
	mu      sync.Mutex
	handler func(Message)
	started bool
}

// NewStubIngestor creates a stopped stub.
func NewStubIngestor() *StubIngestor {
	return &StubIngestor{}
}

// SetHandler installs the message callback.
func (s *StubIngestor) SetHandler(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Start marks the stub running.
func (s *StubIngestor) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return fmt.Errorf("stub ingestor has no handler")
	}
	s.started = true
	return nil
}

// Stop marks the stub stopped.
func (s *StubIngestor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// Inject delivers one message through the handler. Messages injected
// while stopped are discarded.
func (s *StubIngestor) Inject(msg Message) {
	s.mu.Lock()
	handler := s.handler
	started := s.started
	s.mu.Unlock()
	if started && handler != nil {
		handler(msg)
	}
}
