package events

import "sync"

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (gateway feed,
// integrations). Emission is a notification only and never part of the
// transactional contract of an operation.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding all events. Useful when a
// component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// RingEmitter retains the most recent events in a bounded buffer so the
// service layer can expose a recent-activity feed without unbounded growth.
type RingEmitter struct {
	mu     sync.Mutex
	buf    []Event
	next   int
	filled bool
}

// NewRingEmitter constructs a buffer holding up to capacity events. A
// non-positive capacity defaults to 128.
func NewRingEmitter(capacity int) *RingEmitter {
	if capacity <= 0 {
		capacity = 128
	}
	return &RingEmitter{buf: make([]Event, capacity)}
}

// Emit records the event, evicting the oldest entry once full.
func (r *RingEmitter) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = evt
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.filled = true
	}
}

// Recent returns the retained events in emission order, oldest first.
func (r *RingEmitter) Recent() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
