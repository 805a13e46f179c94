// Package eventbus carries relay lifecycle events between components
// without coupling them. Publishers never block; a subscriber that
// cannot keep up loses events rather than stalling the pipeline.
package eventbus

import (
	"sync"
	"time"
)

// Event is one lifecycle signal, e.g. "relay.created" or
// "dispatch.failed". Data holds a small event-specific payload.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	// Publish delivers e to every live subscriber, best effort.
	Publish(e Event)
	// Subscribe registers a buffered receiver. The returned func
	// detaches it and closes the channel; calling it twice is fine.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &fanout{}
}

type fanout struct {
	mu   sync.RWMutex
	subs []*receiver
}

// receiver guards its channel with its own lock so a concurrent
// unsubscribe can never race Publish into a send on a closed channel.
type receiver struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (r *receiver) offer(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default: // full buffer, drop
	}
}

func (r *receiver) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*receiver, len(b.subs))
	copy(targets, b.subs)
	b.mu.RUnlock()

	for _, r := range targets {
		r.offer(e)
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	r := &receiver{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, r)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s == r {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		r.shutdown()
	}
	return r.ch, unsub
}
