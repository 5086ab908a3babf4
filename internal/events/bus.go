package events

import (
	"sync"
	"time"

	"github.com/charleschow/execution-core/internal/telemetry"
)

// Handler processes an event. Returning an error logs it but does not stop dispatch.
type Handler func(Event) error

// DefaultHistoryCap bounds the in-memory event log when no cap is given.
const DefaultHistoryCap = 1000

// Bus is an in-process event bus with a bounded replay log.
//
// Inline subscribers are invoked in registration order on the publisher's
// goroutine before Publish returns. Async subscribers run on their own
// goroutine and must never be relied on for ordering. A failing or panicking
// subscriber is logged and never breaks the publisher.
type Bus struct {
	mu     sync.RWMutex
	inline map[EventType][]Handler
	async  map[EventType][]Handler

	histMu     sync.Mutex
	history    []Event
	historyCap int
}

func NewBus() *Bus {
	return NewBusWithCap(DefaultHistoryCap)
}

// NewBusWithCap creates a bus whose replay log keeps at most cap events.
func NewBusWithCap(cap int) *Bus {
	if cap <= 0 {
		cap = DefaultHistoryCap
	}
	return &Bus{
		inline:     make(map[EventType][]Handler),
		async:      make(map[EventType][]Handler),
		historyCap: cap,
	}
}

// SubscribeInline registers a handler that runs on the publisher's goroutine
// before Publish returns. Reserved for invariant-critical consumers (audit
// logging); everything else should use Subscribe.
func (b *Bus) SubscribeInline(eventType EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inline[eventType] = append(b.inline[eventType], h)
}

// Subscribe registers a handler dispatched on its own goroutine. The
// publisher never waits for it.
func (b *Bus) Subscribe(eventType EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.async[eventType] = append(b.async[eventType], h)
}

// Publish stamps and records the event, then dispatches it. The record is
// appended before any handler runs, so history order is publish order.
func (b *Bus) Publish(eventType EventType, payload any) Event {
	e := newEvent(eventType, payload)

	b.histMu.Lock()
	b.history = append(b.history, e)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	b.histMu.Unlock()

	telemetry.Metrics.EventsPublished.Inc()

	b.mu.RLock()
	inline := b.inline[eventType]
	async := b.async[eventType]
	b.mu.RUnlock()

	for _, h := range inline {
		dispatch(h, e)
	}
	for _, h := range async {
		go dispatch(h, e)
	}
	return e
}

// dispatch runs a single handler, containing errors and panics.
func dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.Metrics.HandlerErrors.Inc()
			telemetry.Errorf("events: handler panic type=%s: %v", e.Type, r)
		}
	}()
	if err := h(e); err != nil {
		telemetry.Metrics.HandlerErrors.Inc()
		telemetry.Errorf("events: handler error type=%s: %v", e.Type, err)
	}
}

// History returns the most recent events in publish order, optionally
// filtered by type (empty matches all), capped at limit.
func (b *Bus) History(eventType EventType, limit int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	var out []Event
	for _, e := range b.history {
		if eventType != "" && e.Type != eventType {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Reconstruct returns every recorded event with from <= timestamp < to, in
// original publish order. Used to rebuild what happened in a window purely
// from the event log.
func (b *Bus) Reconstruct(from, to time.Time) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	var out []Event
	for _, e := range b.history {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out
}
