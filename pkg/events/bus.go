// Package events is the internal pub/sub bus for pipeline progress.
// Subscriptions are keyed by (tenant_id, exception_id) or by the
// tenant-wide wildcard (tenant_id, *). Each subscriber owns a bounded
// queue; a full queue drops the event for that subscriber instead of
// blocking the publisher.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Wildcard subscribes to every exception of a tenant.
const Wildcard = "*"

// DefaultQueueSize bounds a subscription's queue when the caller does
// not pick one.
const DefaultQueueSize = 64

// Event is one bus message.
type Event struct {
	TenantID    string         `json:"tenantId"`
	ExceptionID string         `json:"exceptionId"`
	Type        string         `json:"type"`
	Stage       string         `json:"stage,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// Bus fans events out to keyed subscribers. Delivery to each
// subscriber preserves publication order; there is no ordering promise
// across subscribers.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[busKey][]*Subscription
	closed bool
}

type busKey struct {
	tenantID    string
	exceptionID string
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	bus *Bus
	key busKey
	ch  chan Event

	mu      sync.Mutex
	dropped int
	closed  bool
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "event_bus"),
		subs:   make(map[busKey][]*Subscription),
	}
}

// Subscribe registers a queue for (tenantID, exceptionID). Pass
// Wildcard as exceptionID for all of a tenant's exceptions. queueSize
// <= 0 uses DefaultQueueSize.
func (b *Bus) Subscribe(tenantID, exceptionID string, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	sub := &Subscription{
		bus: b,
		key: busKey{tenantID, exceptionID},
		ch:  make(chan Event, queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subs[sub.key] = append(b.subs[sub.key], sub)
	return sub
}

// Publish delivers ev to exact-key and tenant-wildcard subscribers.
// Never blocks; a subscriber with a full queue loses the event.
func (b *Bus) Publish(ev Event) {
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}

	b.mu.Lock()
	targets := make([]*Subscription, 0, 4)
	targets = append(targets, b.subs[busKey{ev.TenantID, ev.ExceptionID}]...)
	if ev.ExceptionID != Wildcard {
		targets = append(targets, b.subs[busKey{ev.TenantID, Wildcard}]...)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.offer(ev, b.logger)
	}
}

// Close shuts the bus down and closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.mu.Lock()
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			sub.mu.Unlock()
		}
	}
	b.subs = make(map[busKey][]*Subscription)
}

// Events returns the subscription's receive channel. The channel is
// closed when the subscription or the bus closes.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber lost to a full
// queue.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close removes the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	subs := s.bus.subs[s.key]
	for i, cand := range subs {
		if cand == s {
			s.bus.subs[s.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) offer(ev Event, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped++
		logger.Debug("subscriber queue full, event dropped",
			"tenant_id", ev.TenantID, "exception_id", ev.ExceptionID, "type", ev.Type)
	}
}
