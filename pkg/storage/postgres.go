package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redress-ops/redress/pkg/models"
)

// PostgresEventLog stores events in the exception_event table.
// Idempotency rides on the (tenant_id, event_id) primary key with
// ON CONFLICT DO NOTHING.
type PostgresEventLog struct {
	pool *pgxpool.Pool
}

// NewPostgresEventLog wraps a connection pool.
func NewPostgresEventLog(pool *pgxpool.Pool) *PostgresEventLog {
	return &PostgresEventLog{pool: pool}
}

const insertEventSQL = `
INSERT INTO exception_event (tenant_id, event_id, exception_id, event_type, actor_type, actor_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tenant_id, event_id) DO NOTHING`

func (l *PostgresEventLog) insert(ctx context.Context, tenantID string, ev models.Event) (bool, error) {
	if ev.TenantID != tenantID {
		return false, fmt.Errorf("event %s addressed to tenant %s carries tenant %s: %w",
			ev.EventID, tenantID, ev.TenantID, ErrTenantMismatch)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("marshaling event payload: %w", err)
	}

	tag, err := l.pool.Exec(ctx, insertEventSQL,
		tenantID, ev.EventID, ev.ExceptionID, ev.EventType, ev.ActorType, ev.ActorID, payload, ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("inserting event %s: %w", ev.EventID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Append inserts the event, failing on duplicates.
func (l *PostgresEventLog) Append(ctx context.Context, tenantID string, ev models.Event) error {
	inserted, err := l.insert(ctx, tenantID, ev)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("event %s for tenant %s: %w", ev.EventID, tenantID, ErrAlreadyExists)
	}
	return nil
}

// AppendIfNew inserts the event if absent; false means duplicate.
func (l *PostgresEventLog) AppendIfNew(ctx context.Context, tenantID string, ev models.Event) (bool, error) {
	return l.insert(ctx, tenantID, ev)
}

// Exists reports whether (tenantID, eventID) is present.
func (l *PostgresEventLog) Exists(ctx context.Context, tenantID, eventID string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM exception_event WHERE tenant_id = $1 AND event_id = $2)`,
		tenantID, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking event %s: %w", eventID, err)
	}
	return exists, nil
}

// EventsForException returns the exception's events, ascending.
func (l *PostgresEventLog) EventsForException(ctx context.Context, tenantID, exceptionID string, filter models.EventFilter) ([]models.Event, error) {
	sql := strings.Builder{}
	sql.WriteString(`SELECT tenant_id, event_id, exception_id, event_type, actor_type, actor_id, payload, created_at
FROM exception_event WHERE tenant_id = $1 AND exception_id = $2`)
	args := []any{tenantID, exceptionID}

	if len(filter.EventTypes) > 0 {
		args = append(args, filter.EventTypes)
		fmt.Fprintf(&sql, " AND event_type = ANY($%d)", len(args))
	}
	if filter.ActorType != "" {
		args = append(args, filter.ActorType)
		fmt.Fprintf(&sql, " AND actor_type = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		fmt.Fprintf(&sql, " AND created_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		fmt.Fprintf(&sql, " AND created_at <= $%d", len(args))
	}
	sql.WriteString(" ORDER BY created_at ASC")

	return l.queryEvents(ctx, sql.String(), args)
}

// EventsForTenant returns the tenant's events in [from, to],
// descending.
func (l *PostgresEventLog) EventsForTenant(ctx context.Context, tenantID string, from, to time.Time) ([]models.Event, error) {
	sql := strings.Builder{}
	sql.WriteString(`SELECT tenant_id, event_id, exception_id, event_type, actor_type, actor_id, payload, created_at
FROM exception_event WHERE tenant_id = $1`)
	args := []any{tenantID}

	if !from.IsZero() {
		args = append(args, from)
		fmt.Fprintf(&sql, " AND created_at >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		fmt.Fprintf(&sql, " AND created_at <= $%d", len(args))
	}
	sql.WriteString(" ORDER BY created_at DESC")

	return l.queryEvents(ctx, sql.String(), args)
}

func (l *PostgresEventLog) queryEvents(ctx context.Context, sql string, args []any) ([]models.Event, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var payload []byte
		if err := rows.Scan(&ev.TenantID, &ev.EventID, &ev.ExceptionID, &ev.EventType,
			&ev.ActorType, &ev.ActorID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshaling payload for event %s: %w", ev.EventID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PostgresExceptionStore stores exception records and their last
// pipeline result in the exception table.
type PostgresExceptionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresExceptionStore wraps a connection pool.
func NewPostgresExceptionStore(pool *pgxpool.Pool) *PostgresExceptionStore {
	return &PostgresExceptionStore{pool: pool}
}

const upsertExceptionSQL = `
INSERT INTO exception (tenant_id, exception_id, source_system, exception_type, severity, resolution_status,
	raw_payload, normalized_context, current_playbook_id, current_step, last_result, occurred_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
ON CONFLICT (tenant_id, exception_id) DO UPDATE SET
	source_system = EXCLUDED.source_system,
	exception_type = EXCLUDED.exception_type,
	severity = EXCLUDED.severity,
	resolution_status = EXCLUDED.resolution_status,
	raw_payload = EXCLUDED.raw_payload,
	normalized_context = EXCLUDED.normalized_context,
	current_playbook_id = EXCLUDED.current_playbook_id,
	current_step = EXCLUDED.current_step,
	last_result = EXCLUDED.last_result,
	occurred_at = EXCLUDED.occurred_at,
	updated_at = now()`

// Put overwrites the record and last result atomically for the key.
func (s *PostgresExceptionStore) Put(ctx context.Context, tenantID string, rec models.ExceptionRecord, result *models.PipelineResult) error {
	if rec.TenantID != tenantID {
		return fmt.Errorf("record %s addressed to tenant %s carries tenant %s: %w",
			rec.ExceptionID, tenantID, rec.TenantID, ErrTenantMismatch)
	}

	rawPayload, err := json.Marshal(rec.RawPayload)
	if err != nil {
		return fmt.Errorf("marshaling raw payload: %w", err)
	}
	normalized, err := json.Marshal(rec.NormalizedContext)
	if err != nil {
		return fmt.Errorf("marshaling normalized context: %w", err)
	}
	var lastResult []byte
	if result != nil {
		if lastResult, err = json.Marshal(result); err != nil {
			return fmt.Errorf("marshaling pipeline result: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, upsertExceptionSQL,
		tenantID, rec.ExceptionID, rec.SourceSystem, rec.ExceptionType, rec.Severity, rec.ResolutionStatus,
		rawPayload, normalized, rec.CurrentPlaybookID, rec.CurrentStep, lastResult, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("upserting exception %s: %w", rec.ExceptionID, err)
	}
	return nil
}

const selectExceptionSQL = `
SELECT tenant_id, exception_id, source_system, exception_type, severity, resolution_status,
	raw_payload, normalized_context, current_playbook_id, current_step, last_result, occurred_at, created_at, updated_at
FROM exception`

// Get returns the stored pair or ErrNotFound.
func (s *PostgresExceptionStore) Get(ctx context.Context, tenantID, exceptionID string) (StoredException, error) {
	row := s.pool.QueryRow(ctx, selectExceptionSQL+` WHERE tenant_id = $1 AND exception_id = $2`,
		tenantID, exceptionID)
	stored, err := scanException(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredException{}, fmt.Errorf("exception %s for tenant %s: %w", exceptionID, tenantID, ErrNotFound)
	}
	return stored, err
}

// List returns one page ordered by created time descending.
func (s *PostgresExceptionStore) List(ctx context.Context, tenantID string, filter ExceptionFilter, page, pageSize int) ([]StoredException, int, error) {
	where := strings.Builder{}
	where.WriteString(` WHERE tenant_id = $1`)
	args := []any{tenantID}

	if filter.ExceptionType != "" {
		args = append(args, filter.ExceptionType)
		fmt.Fprintf(&where, " AND exception_type = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		fmt.Fprintf(&where, " AND resolution_status = $%d", len(args))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		fmt.Fprintf(&where, " AND severity = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		fmt.Fprintf(&where, " AND created_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		fmt.Fprintf(&where, " AND created_at <= $%d", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM exception`+where.String(), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting exceptions: %w", err)
	}

	if pageSize <= 0 {
		pageSize = 50
	}
	if page <= 0 {
		page = 1
	}
	args = append(args, pageSize, (page-1)*pageSize)
	sql := selectExceptionSQL + where.String() +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing exceptions: %w", err)
	}
	defer rows.Close()

	var out []StoredException
	for rows.Next() {
		stored, err := scanException(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, stored)
	}
	return out, total, rows.Err()
}

func scanException(row pgx.Row) (StoredException, error) {
	var stored StoredException
	var rawPayload, normalized, lastResult []byte
	err := row.Scan(&stored.Record.TenantID, &stored.Record.ExceptionID, &stored.Record.SourceSystem,
		&stored.Record.ExceptionType, &stored.Record.Severity, &stored.Record.ResolutionStatus,
		&rawPayload, &normalized, &stored.Record.CurrentPlaybookID, &stored.Record.CurrentStep,
		&lastResult, &stored.Record.Timestamp, &stored.Record.CreatedAt, &stored.Record.UpdatedAt)
	if err != nil {
		return StoredException{}, err
	}

	if len(rawPayload) > 0 {
		if err := json.Unmarshal(rawPayload, &stored.Record.RawPayload); err != nil {
			return StoredException{}, fmt.Errorf("unmarshaling raw payload: %w", err)
		}
	}
	if len(normalized) > 0 {
		if err := json.Unmarshal(normalized, &stored.Record.NormalizedContext); err != nil {
			return StoredException{}, fmt.Errorf("unmarshaling normalized context: %w", err)
		}
	}
	if len(lastResult) > 0 {
		stored.LastResult = &models.PipelineResult{}
		if err := json.Unmarshal(lastResult, stored.LastResult); err != nil {
			return StoredException{}, fmt.Errorf("unmarshaling pipeline result: %w", err)
		}
	}
	return stored, nil
}
