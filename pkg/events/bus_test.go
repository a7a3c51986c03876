package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestExactKeyDelivery(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	sub := b.Subscribe("TENANT_A", "EXC-1", 0)
	other := b.Subscribe("TENANT_A", "EXC-2", 0)

	b.Publish(Event{TenantID: "TENANT_A", ExceptionID: "EXC-1", Type: "stage_completed", Stage: "triage"})

	ev := recvOne(t, sub)
	assert.Equal(t, "triage", ev.Stage)
	assert.False(t, ev.PublishedAt.IsZero())
	assert.Empty(t, other.Events())
}

func TestWildcardReceivesAllTenantEvents(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	wild := b.Subscribe("TENANT_A", Wildcard, 0)
	foreign := b.Subscribe("TENANT_B", Wildcard, 0)

	b.Publish(Event{TenantID: "TENANT_A", ExceptionID: "EXC-1", Type: "stage_completed"})
	b.Publish(Event{TenantID: "TENANT_A", ExceptionID: "EXC-2", Type: "stage_completed"})

	assert.Equal(t, "EXC-1", recvOne(t, wild).ExceptionID)
	assert.Equal(t, "EXC-2", recvOne(t, wild).ExceptionID)
	assert.Empty(t, foreign.Events())
}

func TestPerKeyPublicationOrder(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	sub := b.Subscribe("TENANT_A", "EXC-1", 128)
	for i := 0; i < 50; i++ {
		b.Publish(Event{
			TenantID:    "TENANT_A",
			ExceptionID: "EXC-1",
			Type:        "stage_completed",
			Stage:       fmt.Sprintf("stage-%02d", i),
		})
	}
	for i := 0; i < 50; i++ {
		assert.Equal(t, fmt.Sprintf("stage-%02d", i), recvOne(t, sub).Stage)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	slow := b.Subscribe("TENANT_A", "EXC-1", 2)
	fast := b.Subscribe("TENANT_A", "EXC-1", 16)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(Event{TenantID: "TENANT_A", ExceptionID: "EXC-1", Type: "stage_completed"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	assert.Equal(t, 3, slow.Dropped())
	assert.Len(t, fast.Events(), 5)
	assert.Len(t, slow.Events(), 2)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	sub := b.Subscribe("TENANT_A", "EXC-1", 0)
	sub.Close()

	// Publishing after close is a no-op for this subscriber.
	b.Publish(Event{TenantID: "TENANT_A", ExceptionID: "EXC-1", Type: "stage_completed"})

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Zero(t, sub.Dropped())
}

func TestBusCloseClosesAllSubscriptions(t *testing.T) {
	b := NewBus(nil)
	sub := b.Subscribe("TENANT_A", Wildcard, 0)
	b.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Subscribing after close yields an already-closed subscription.
	late := b.Subscribe("TENANT_A", "EXC-9", 0)
	_, ok = <-late.Events()
	assert.False(t, ok)
}
