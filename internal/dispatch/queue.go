// Package dispatch delivers relay tasks to webhook sinks under a
// per-destination rate budget.
//
// The queue is bounded and never blocks producers: when full, Enqueue
// drops the task and reports it. A ticker releases tasks as the window
// budgets allow and hands them to a small pool of delivery workers.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/sink"
	logx "relaybot/pkg/logx"
)

// Options carries the queue's optional collaborators. Zero values are
// safe: a nil Fetch skips attachment upload, a nil Bus mutes events.
type Options struct {
	Fetch       AttachmentFetcher
	OnDelivered func(Task, string)
	Log         logx.Logger
	Bus         eventbus.Bus
	Metrics     metrics.Sink
	Now         func() time.Time
}

// Queue is the outbound delivery pipeline. All exported methods are safe
// for concurrent use.
type Queue struct {
	cfg   Config
	out   sink.Sink
	fetch AttachmentFetcher
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	// onDelivered runs after every successful create delivery with the
	// sink-assigned message id.
	onDelivered func(Task, string)

	mu     sync.Mutex
	tasks  []Task
	limits map[string]*limiter
	closed bool

	sem chan struct{}

	sent        *metrics.Counter
	failed      *metrics.Counter
	dropped     *metrics.Counter
	panics      *metrics.Counter
	fetchErrors *metrics.Counter
	queueLen    *metrics.Gauge
	inflight    *metrics.Gauge
}

// New builds a dispatch queue delivering through out.
func New(cfg Config, out sink.Sink, opts Options) *Queue {
	cfg = cfg.withDefaults()
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		cfg:         cfg,
		out:         out,
		fetch:       opts.Fetch,
		log:         opts.Log,
		bus:         opts.Bus,
		now:         opts.Now,
		onDelivered: opts.OnDelivered,
		limits:      make(map[string]*limiter),
		sem:         make(chan struct{}, cfg.Parallelism),
		sent:        opts.Metrics.Counter("dispatch.sent"),
		failed:      opts.Metrics.Counter("dispatch.failed"),
		dropped:     opts.Metrics.Counter("dispatch.dropped"),
		panics:      opts.Metrics.Counter("dispatch.panics"),
		fetchErrors: opts.Metrics.Counter("dispatch.fetch_errors"),
		queueLen:    opts.Metrics.Gauge("dispatch.queue_len"),
		inflight:    opts.Metrics.Gauge("dispatch.inflight"),
	}
}

// Apply installs reloaded budget settings. Per-destination limiter
// state is discarded so the new windows take effect on the next tick.
// Tick, Parallelism and QueueSize stay as constructed; swapping those
// under in-flight deliveries is not worth the complexity.
func (q *Queue) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	cfg.Tick = q.cfg.Tick
	cfg.Parallelism = q.cfg.Parallelism
	cfg.QueueSize = q.cfg.QueueSize
	q.cfg = cfg
	q.limits = make(map[string]*limiter)
	q.mu.Unlock()
}

// Enqueue adds a task for delivery. It never blocks: at capacity the
// task is dropped and ErrQueueFull returned. A task without an ID gets
// one assigned here.
func (q *Queue) Enqueue(t Task) error {
	if t.IsUpdate && t.RelayedID == "" {
		return ErrMissingRelayedID
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.tasks) >= q.cfg.QueueSize {
		q.mu.Unlock()
		q.dropped.Inc()
		q.log.Warn("dispatch.dropped",
			logx.String("task", t.ID),
			logx.String("destination", t.Destination),
			logx.String("reason", "queue_full"))
		if q.bus != nil {
			q.bus.Publish(eventbus.Event{Type: "dispatch.dropped", Time: q.now(), Data: DispatchEvent{
				TaskID: t.ID, OriginalID: t.OriginalID, Destination: t.Destination, Update: t.IsUpdate, Error: "queue_full",
			}})
		}
		return ErrQueueFull
	}
	q.tasks = append(q.tasks, t)
	n := len(q.tasks)
	q.mu.Unlock()

	q.queueLen.Set(int64(n))
	return nil
}

// Run drives the queue until ctx is cancelled. Cancellation stops the
// ticker; queued tasks stay in place for Drain.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// Drain stops intake and keeps delivering until the queue is empty or
// ctx expires. Rate budgets still apply; whatever is left past the
// deadline is dropped.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	ticker := time.NewTicker(q.cfg.Tick)
	defer ticker.Stop()
	for {
		if q.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			q.mu.Lock()
			n := len(q.tasks)
			q.tasks = nil
			q.mu.Unlock()
			if n > 0 {
				q.dropped.Add(int64(n))
				q.queueLen.Set(0)
				q.log.Warn("dispatch.drain_incomplete", logx.Int("dropped", n))
			}
			return ctx.Err()
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// Len reports tasks waiting for budget.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// InFlight reports deliveries currently running.
func (q *Queue) InFlight() int {
	return int(q.inflight.Value())
}

func (q *Queue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) == 0 && q.inflight.Value() == 0
}

// tick releases whatever the budgets and the worker pool allow right
// now. Per-destination FIFO order is preserved: a task skipped for
// budget keeps everything behind it for the same destination queued.
func (q *Queue) tick(ctx context.Context) {
	now := q.now()

	q.mu.Lock()
	var picked []Task
	if len(q.tasks) > 0 {
		blocked := make(map[string]bool, len(q.limits))
		kept := q.tasks[:0]
	scan:
		for i, t := range q.tasks {
			if blocked[t.Destination] {
				kept = append(kept, t)
				continue
			}
			lim := q.limiterFor(t.Destination, now)
			if lim.available(now, 1) == 0 {
				blocked[t.Destination] = true
				kept = append(kept, t)
				continue
			}
			select {
			case q.sem <- struct{}{}:
			default:
				// Worker pool saturated: keep the rest in order and let
				// the next tick retry. Budget stays unconsumed.
				kept = append(kept, q.tasks[i:]...)
				break scan
			}
			lim.consume(1)
			q.inflight.Inc()
			picked = append(picked, t)
		}
		q.tasks = kept
	}
	n := len(q.tasks)
	q.mu.Unlock()

	q.queueLen.Set(int64(n))
	for _, t := range picked {
		go func(t Task) {
			defer func() {
				<-q.sem
				q.inflight.Dec()
			}()
			q.deliver(ctx, t)
		}(t)
	}
}

// limiterFor must be called with q.mu held.
func (q *Queue) limiterFor(dest string, now time.Time) *limiter {
	lim, ok := q.limits[dest]
	if !ok {
		rate, burst := q.cfg.RatePerWindow, q.cfg.Burst
		if ov, ok := q.cfg.Overrides[dest]; ok {
			if ov.RatePerWindow > 0 {
				rate = ov.RatePerWindow
			}
			if ov.Burst > 0 {
				burst = ov.Burst
			}
		}
		lim = newLimiter(rate, burst, q.cfg.Window, now)
		q.limits[dest] = lim
	}
	return lim
}
