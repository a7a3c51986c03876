// Package storage defines the event log and exception store contracts
// plus their in-memory and Postgres implementations. The event log is
// append-only and idempotent on (tenant_id, event_id); it is the
// source of truth for the audit APIs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redress-ops/redress/pkg/models"
)

// Storage sentinel errors.
var (
	// ErrAlreadyExists is returned by Append when (tenant_id, event_id)
	// is already present.
	ErrAlreadyExists = errors.New("event already exists")

	// ErrNotFound is returned by reads that target an absent record.
	ErrNotFound = errors.New("not found")

	// ErrTenantMismatch is returned when an event's tenant_id does not
	// match the tenant the operation was addressed to.
	ErrTenantMismatch = errors.New("tenant mismatch")
)

// EventLog is the append-only exception event log. No update or
// delete operations exist.
type EventLog interface {
	// Append inserts the event, failing with ErrAlreadyExists on a
	// duplicate (tenant_id, event_id) and ErrTenantMismatch when the
	// event's tenant does not match tenantID.
	Append(ctx context.Context, tenantID string, ev models.Event) error

	// AppendIfNew inserts the event if absent. Returns true on insert,
	// false on duplicate. Safe to call on replay.
	AppendIfNew(ctx context.Context, tenantID string, ev models.Event) (bool, error)

	// Exists reports whether (tenantID, eventID) is present.
	Exists(ctx context.Context, tenantID, eventID string) (bool, error)

	// EventsForException returns an exception's events, chronological
	// ascending, restricted by the filter.
	EventsForException(ctx context.Context, tenantID, exceptionID string, filter models.EventFilter) ([]models.Event, error)

	// EventsForTenant returns a tenant's events in [from, to],
	// chronological descending. Zero bounds are open.
	EventsForTenant(ctx context.Context, tenantID string, from, to time.Time) ([]models.Event, error)
}

// StoredException pairs an exception record with its last pipeline
// result, if any.
type StoredException struct {
	Record     models.ExceptionRecord
	LastResult *models.PipelineResult
}

// ExceptionFilter restricts List results. Zero fields match
// everything.
type ExceptionFilter struct {
	ExceptionType string
	Status        models.ResolutionStatus
	Severity      models.Severity
	From          time.Time
	To            time.Time
}

func (f ExceptionFilter) matches(rec models.ExceptionRecord) bool {
	if f.ExceptionType != "" && rec.ExceptionType != f.ExceptionType {
		return false
	}
	if f.Status != "" && rec.ResolutionStatus != f.Status {
		return false
	}
	if f.Severity != "" && rec.Severity != f.Severity {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// ExceptionStore maps (tenant_id, exception_id) to the record and its
// last pipeline result. Every operation is tenant-scoped; a record
// written under one tenant is invisible to every other tenant.
type ExceptionStore interface {
	// Put overwrites the record and last result atomically per key.
	Put(ctx context.Context, tenantID string, rec models.ExceptionRecord, result *models.PipelineResult) error

	// Get returns the stored pair or ErrNotFound.
	Get(ctx context.Context, tenantID, exceptionID string) (StoredException, error)

	// List returns one page ordered by created time descending, plus
	// the total number of matches. page is 1-based.
	List(ctx context.Context, tenantID string, filter ExceptionFilter, page, pageSize int) ([]StoredException, int, error)
}

func pageBounds(total, page, pageSize int) (lo, hi int) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page <= 0 {
		page = 1
	}
	lo = (page - 1) * pageSize
	if lo > total {
		lo = total
	}
	hi = lo + pageSize
	if hi > total {
		hi = total
	}
	return lo, hi
}
