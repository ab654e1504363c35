// Package bus is the in-process event bus. Events are dispatched from
// a single goroutine, so subscribers observe events for any given
// hostname in the order they were published.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/trafegodns/trafegodns/internal/types"
)

// Handler receives published events. Handlers run on the dispatch
// goroutine and must not block for long.
type Handler func(evt types.Event)

// Bus fan-outs events to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[types.EventType][]Handler
	all  []Handler

	ch   chan types.Event
	done chan struct{}
	// stop unblocks publishers waiting on a full queue at shutdown.
	stop   chan struct{}
	closed bool
	// inflight counts publishers between the closed check and their
	// send. Close waits for it to drain before closing ch, so no
	// publisher can ever send on a closed channel.
	inflight sync.WaitGroup
}

// New creates a bus and starts its dispatch goroutine. buffer bounds
// the publish queue; publishers block when it is full rather than
// dropping events.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		subs: make(map[types.EventType][]Handler),
		ch:   make(chan types.Event, buffer),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t types.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues an event. Missing ID and Timestamp fields are
// filled in. Publishing after Close is a no-op.
func (b *Bus) Publish(evt types.Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.inflight.Add(1)
	b.mu.RUnlock()
	defer b.inflight.Done()

	select {
	case b.ch <- evt:
	case <-b.stop:
	}
}

// Close stops dispatching after draining queued events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.stop)
	b.mu.Unlock()

	b.inflight.Wait()
	close(b.ch)
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for evt := range b.ch {
		b.mu.RLock()
		handlers := make([]Handler, 0, len(b.subs[evt.Type])+len(b.all))
		handlers = append(handlers, b.subs[evt.Type]...)
		handlers = append(handlers, b.all...)
		b.mu.RUnlock()

		for _, h := range handlers {
			b.deliver(h, evt)
		}
	}
}

func (b *Bus) deliver(h Handler, evt types.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event_type", string(evt.Type)).
				Str("event_id", evt.ID).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	h(evt)
}
