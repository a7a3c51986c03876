package models

import "time"

// Event is an append-only, immutable record in the per-tenant event
// log. Insertion is idempotent on (tenant_id, event_id).
type Event struct {
	EventID     string         `json:"eventId"`
	ExceptionID string         `json:"exceptionId"`
	TenantID    string         `json:"tenantId"`
	EventType   string         `json:"eventType"`
	ActorType   ActorType      `json:"actorType"`
	ActorID     string         `json:"actorId,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// EventFilter restricts event log reads. Zero values mean "no filter".
type EventFilter struct {
	EventTypes []string
	ActorType  ActorType
	From       time.Time
	To         time.Time
}

// Matches reports whether the event passes every set predicate.
func (f EventFilter) Matches(e *Event) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ActorType != "" && e.ActorType != f.ActorType {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}
