package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redress-ops/redress/pkg/models"
)

// MemoryEventLog is the in-process EventLog used by tests and embedded
// deployments.
type MemoryEventLog struct {
	mu     sync.Mutex
	events map[string][]models.Event      // tenant_id -> append order
	index  map[string]map[string]struct{} // tenant_id -> event_id set
}

// NewMemoryEventLog creates an empty in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		events: make(map[string][]models.Event),
		index:  make(map[string]map[string]struct{}),
	}
}

func (l *MemoryEventLog) insert(tenantID string, ev models.Event) (bool, error) {
	if ev.TenantID != tenantID {
		return false, fmt.Errorf("event %s addressed to tenant %s carries tenant %s: %w",
			ev.EventID, tenantID, ev.TenantID, ErrTenantMismatch)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ids, ok := l.index[tenantID]
	if !ok {
		ids = make(map[string]struct{})
		l.index[tenantID] = ids
	}
	if _, dup := ids[ev.EventID]; dup {
		return false, nil
	}
	ids[ev.EventID] = struct{}{}
	l.events[tenantID] = append(l.events[tenantID], ev)
	return true, nil
}

// Append inserts the event, failing on duplicates.
func (l *MemoryEventLog) Append(_ context.Context, tenantID string, ev models.Event) error {
	inserted, err := l.insert(tenantID, ev)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("event %s for tenant %s: %w", ev.EventID, tenantID, ErrAlreadyExists)
	}
	return nil
}

// AppendIfNew inserts the event if absent; false means duplicate.
func (l *MemoryEventLog) AppendIfNew(_ context.Context, tenantID string, ev models.Event) (bool, error) {
	return l.insert(tenantID, ev)
}

// Exists reports whether (tenantID, eventID) is present.
func (l *MemoryEventLog) Exists(_ context.Context, tenantID, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[tenantID][eventID]
	return ok, nil
}

// EventsForException returns the exception's events, ascending.
func (l *MemoryEventLog) EventsForException(_ context.Context, tenantID, exceptionID string, filter models.EventFilter) ([]models.Event, error) {
	l.mu.Lock()
	var out []models.Event
	for _, ev := range l.events[tenantID] {
		if ev.ExceptionID == exceptionID && filter.Matches(&ev) {
			out = append(out, ev)
		}
	}
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// EventsForTenant returns the tenant's events in [from, to],
// descending.
func (l *MemoryEventLog) EventsForTenant(_ context.Context, tenantID string, from, to time.Time) ([]models.Event, error) {
	l.mu.Lock()
	var out []models.Event
	for _, ev := range l.events[tenantID] {
		if !from.IsZero() && ev.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && ev.CreatedAt.After(to) {
			continue
		}
		out = append(out, ev)
	}
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// MemoryExceptionStore is the in-process ExceptionStore.
type MemoryExceptionStore struct {
	mu      sync.Mutex
	records map[string]map[string]StoredException // tenant_id -> exception_id
}

// NewMemoryExceptionStore creates an empty in-memory exception store.
func NewMemoryExceptionStore() *MemoryExceptionStore {
	return &MemoryExceptionStore{records: make(map[string]map[string]StoredException)}
}

// Put overwrites the record and last result for the key.
func (s *MemoryExceptionStore) Put(_ context.Context, tenantID string, rec models.ExceptionRecord, result *models.PipelineResult) error {
	if rec.TenantID != tenantID {
		return fmt.Errorf("record %s addressed to tenant %s carries tenant %s: %w",
			rec.ExceptionID, tenantID, rec.TenantID, ErrTenantMismatch)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.records[tenantID]
	if !ok {
		byID = make(map[string]StoredException)
		s.records[tenantID] = byID
	}
	if prev, exists := byID[rec.ExceptionID]; exists {
		rec.CreatedAt = prev.Record.CreatedAt
	}
	byID[rec.ExceptionID] = StoredException{Record: rec, LastResult: result}
	return nil
}

// Get returns the stored pair or ErrNotFound.
func (s *MemoryExceptionStore) Get(_ context.Context, tenantID, exceptionID string) (StoredException, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[tenantID][exceptionID]
	if !ok {
		return StoredException{}, fmt.Errorf("exception %s for tenant %s: %w", exceptionID, tenantID, ErrNotFound)
	}
	return stored, nil
}

// List returns one page ordered by created time descending.
func (s *MemoryExceptionStore) List(_ context.Context, tenantID string, filter ExceptionFilter, page, pageSize int) ([]StoredException, int, error) {
	s.mu.Lock()
	var all []StoredException
	for _, stored := range s.records[tenantID] {
		if filter.matches(stored.Record) {
			all = append(all, stored)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Record.CreatedAt.After(all[j].Record.CreatedAt)
	})

	lo, hi := pageBounds(len(all), page, pageSize)
	return all[lo:hi], len(all), nil
}
