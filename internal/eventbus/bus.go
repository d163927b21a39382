// Package eventbus delivers appended events to subscribers.
//
// A Bus belongs to one event store instance. Publish never blocks: every
// subscriber owns an unbounded queue drained by its own goroutine, so a slow
// or failing handler only delays itself. Per subscriber, events arrive in the
// order they were published.
package eventbus

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/steveyegge/claims/internal/events"
	"go.uber.org/zap"
)

// Handler processes one event. Returned errors and panics are logged and
// never reach the publisher.
type Handler func(ctx context.Context, e *events.Event) error

// Bus is a subscriber registry with asynchronous delivery.
type Bus struct {
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	wg sync.WaitGroup
}

type subscriber struct {
	id      int
	types   []events.EventType // empty means every type
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*events.Event
	stopped bool // no more events will be enqueued
	dropped bool // pending events are discarded
}

// New creates a bus. A nil logger disables logging.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		log:    log.Named("eventbus"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers a handler for the listed event types and returns a
// function that unsubscribes it. Events still queued at unsubscribe time are
// discarded.
func (b *Bus) Subscribe(types []events.EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	s := &subscriber{
		id:      b.nextID,
		types:   slices.Clone(types),
		handler: h,
	}
	s.cond = sync.NewCond(&s.mu)
	b.nextID++
	b.subs[s.id] = s

	b.wg.Add(1)
	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(s.id) })
	}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.Subscribe(nil, h)
}

// Publish queues an event for every matching subscriber. It never blocks on
// handlers. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(e *events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.wants(e.Type) {
			s.enqueue(e)
		}
	}
}

// Subscribers returns the number of registered handlers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting events, delivers everything already queued and
// waits for all subscriber goroutines to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.stop(false)
	}
	b.subs = map[int]*subscriber{}
	b.mu.Unlock()

	b.wg.Wait()
	b.cancel()
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		s.stop(true)
	}
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for {
		e, ok := s.next()
		if !ok {
			return
		}
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *subscriber, e *events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked",
				zap.Int("subscriber", s.id),
				zap.String("event_id", e.ID),
				zap.String("event_type", string(e.Type)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if err := s.handler(b.ctx, e); err != nil {
		b.log.Warn("subscriber failed",
			zap.Int("subscriber", s.id),
			zap.String("event_id", e.ID),
			zap.String("aggregate_id", e.AggregateID),
			zap.String("event_type", string(e.Type)),
			zap.Error(err),
		)
	}
}

func (s *subscriber) wants(t events.EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

func (s *subscriber) enqueue(e *events.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) stop(drop bool) {
	s.mu.Lock()
	s.stopped = true
	if drop {
		s.dropped = true
		s.queue = nil
	}
	s.mu.Unlock()
	s.cond.Signal()
}

// next blocks until an event is available or the subscriber is done.
func (s *subscriber) next() (*events.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.dropped || len(s.queue) == 0 {
		return nil, false
	}
	e := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return e, true
}
