package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/claims/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recorder collects delivered events.
type recorder struct {
	mu  sync.Mutex
	got []*events.Event
}

func (r *recorder) handle(_ context.Context, e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func (r *recorder) versions() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.got))
	for _, e := range r.got {
		out = append(out, e.Version)
	}
	return out
}

func event(version int, payload events.Payload) *events.Event {
	e := events.New("c-1", payload)
	e.Version = version
	return e
}

func TestDeliveryPreservesOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := New(nil)
	var all recorder
	bus.SubscribeAll(all.handle)

	for v := 1; v <= 100; v++ {
		bus.Publish(event(v, events.ProgressUpdated{Progress: 0.5}))
	}
	bus.Close()

	want := make([]int, 100)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, all.versions())
}

func TestSubscribeFiltersByType(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := New(nil)
	var paused, all recorder
	bus.Subscribe([]events.EventType{events.TypePaused}, paused.handle)
	bus.SubscribeAll(all.handle)

	bus.Publish(event(1, events.Claimed{IssueID: "I1"}))
	bus.Publish(event(2, events.Paused{}))
	bus.Publish(event(3, events.Resumed{}))
	bus.Close()

	assert.Equal(t, []int{2}, paused.versions())
	assert.Equal(t, []int{1, 2, 3}, all.versions())
}

func TestPublishDoesNotWaitForSlowHandlers(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := New(nil)
	release := make(chan struct{})
	bus.SubscribeAll(func(context.Context, *events.Event) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		for v := 1; v <= 10; v++ {
			bus.Publish(event(v, events.Paused{}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(release)
	bus.Close()
}

func TestFailingSubscribersAreIsolated(t *testing.T) {
	defer goleak.VerifyNone(t)

	core, logs := observer.New(zapcore.WarnLevel)
	bus := New(zap.New(core))

	var healthy recorder
	bus.SubscribeAll(func(context.Context, *events.Event) error {
		return errors.New("projection offline")
	})
	bus.SubscribeAll(func(context.Context, *events.Event) error {
		panic("boom")
	})
	bus.SubscribeAll(healthy.handle)

	bus.Publish(event(1, events.Paused{}))
	bus.Publish(event(2, events.Resumed{}))
	bus.Close()

	assert.Equal(t, []int{1, 2}, healthy.versions())
	assert.Equal(t, 2, logs.FilterMessage("subscriber failed").Len())
	assert.Equal(t, 2, logs.FilterMessage("subscriber panicked").Len())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := New(nil)
	var r recorder
	unsubscribe := bus.SubscribeAll(r.handle)
	require.Equal(t, 1, bus.Subscribers())

	bus.Publish(event(1, events.Paused{}))
	require.Eventually(t, func() bool { return len(r.versions()) == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, bus.Subscribers())

	bus.Publish(event(2, events.Resumed{}))
	bus.Close()
	assert.Equal(t, []int{1}, r.versions())

	// Closed bus ignores new work
	bus.Publish(event(3, events.Paused{}))
	bus.SubscribeAll(r.handle)()
	assert.Equal(t, 0, bus.Subscribers())
}
