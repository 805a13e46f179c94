package relay

import (
	"sync"
	"time"

	"relaybot/internal/metrics"
	"relaybot/internal/source"
)

// debouncer coalesces rapid create events per key on the trailing edge:
// every hit replaces the pending event and restarts the window, so only
// the last event of a burst is flushed. Earlier events in the burst are
// lost, which is the intended tradeoff.
//
// A window <= 0 disables coalescing and flushes synchronously.
type debouncer struct {
	window    func() time.Duration
	flush     func(source.Message)
	coalesced *metrics.Counter

	mu      sync.Mutex
	pending map[string]*pendingCreate
	closed  bool
}

type pendingCreate struct {
	msg   source.Message
	timer *time.Timer
}

func newDebouncer(window func() time.Duration, flush func(source.Message), coalesced *metrics.Counter) *debouncer {
	return &debouncer{
		window:    window,
		flush:     flush,
		coalesced: coalesced,
		pending:   make(map[string]*pendingCreate),
	}
}

func (d *debouncer) hit(key string, msg source.Message) {
	w := d.window()
	if w <= 0 {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			d.flush(msg)
		}
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if p, ok := d.pending[key]; ok {
		p.msg = msg
		p.timer.Reset(w)
		d.mu.Unlock()
		d.coalesced.Inc()
		return
	}
	p := &pendingCreate{msg: msg}
	p.timer = time.AfterFunc(w, func() { d.fire(key) })
	d.pending[key] = p
	d.mu.Unlock()
}

func (d *debouncer) fire(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	closed := d.closed
	d.mu.Unlock()
	if !ok || closed {
		return
	}
	d.flush(p.msg)
}

// stop cancels every pending timer. Parked events are discarded.
func (d *debouncer) stop() {
	d.mu.Lock()
	d.closed = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()
}

// pendingCount reports events currently parked.
func (d *debouncer) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
