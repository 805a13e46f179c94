// Package metrics provides a small in-process counter/gauge registry.
//
// Components receive a Sink at construction and resolve their counters
// once; there are no package-level collectors. The registry is snapshot
// friendly so the ops endpoint and tests can read it without locks on
// the hot path.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Sink hands out named instruments. Implemented by *Registry.
type Sink interface {
	Counter(name string) *Counter
	Gauge(name string) *Gauge
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	value atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Registry aggregates counters and gauges by name.
type Registry struct {
	counters  sync.Map // name -> *Counter
	gauges    sync.Map // name -> *Gauge
	startTime time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{startTime: time.Now()}
}

// Uptime returns how long the registry has been running.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter returns or creates the counter with the given name.
func (r *Registry) Counter(name string) *Counter {
	if v, ok := r.counters.Load(name); ok {
		return v.(*Counter)
	}
	actual, _ := r.counters.LoadOrStore(name, &Counter{name: name})
	return actual.(*Counter)
}

// Gauge returns or creates the gauge with the given name.
func (r *Registry) Gauge(name string) *Gauge {
	if v, ok := r.gauges.Load(name); ok {
		return v.(*Gauge)
	}
	actual, _ := r.gauges.LoadOrStore(name, &Gauge{name: name})
	return actual.(*Gauge)
}

// Snapshot is a point-in-time copy of every instrument.
type Snapshot struct {
	UptimeSeconds int64            `json:"uptime_seconds"`
	Counters      map[string]int64 `json:"counters"`
	Gauges        map[string]int64 `json:"gauges"`
}

// Snapshot copies all current values. Safe to call concurrently with writes.
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds: int64(r.Uptime().Seconds()),
		Counters:      make(map[string]int64),
		Gauges:        make(map[string]int64),
	}
	r.counters.Range(func(_, v any) bool {
		c := v.(*Counter)
		snap.Counters[c.name] = c.Value()
		return true
	})
	r.gauges.Range(func(_, v any) bool {
		g := v.(*Gauge)
		snap.Gauges[g.name] = g.Value()
		return true
	})
	return snap
}

// Names returns the sorted counter names currently registered.
// Handy for stable test assertions and debug output.
func (r *Registry) Names() []string {
	var names []string
	r.counters.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}
