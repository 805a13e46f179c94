package storage

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/metrics"
	logx "relaybot/pkg/logx"
)

const (
	defaultBatchSize    = 25
	defaultBatchTimeout = 5 * time.Second
	drainFlushTimeout   = 5 * time.Second
)

// BatchWriter accumulates message and member upserts and flushes them as
// one transaction when the pending count reaches the size threshold or
// the oldest pending record reaches the timeout, whichever first.
//
// A failed flush drops the whole batch. The loss is surfaced as a
// counter and an error log, never a pipeline halt.
type BatchWriter struct {
	store Store
	log   logx.Logger

	size    int
	timeout time.Duration

	mu       sync.Mutex
	msgs     []MessageRecord
	members  []MemberRecord
	firstAdd time.Time
	closed   bool

	kick chan struct{}

	flushes *metrics.Counter
	errs    *metrics.Counter
	records *metrics.Counter
	pending *metrics.Gauge
}

func NewBatchWriter(store Store, size int, timeout time.Duration, log logx.Logger, sink metrics.Sink) *BatchWriter {
	if size <= 0 {
		size = defaultBatchSize
	}
	if timeout <= 0 {
		timeout = defaultBatchTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = metrics.NewRegistry()
	}
	return &BatchWriter{
		store:   store,
		log:     log,
		size:    size,
		timeout: timeout,
		kick:    make(chan struct{}, 1),
		flushes: sink.Counter("storage.batch_flushes"),
		errs:    sink.Counter("storage.batch_errors"),
		records: sink.Counter("storage.batch_records"),
		pending: sink.Gauge("storage.batch_pending"),
	}
}

// AddMessage enqueues a message upsert. Dropped silently after Close.
func (w *BatchWriter) AddMessage(rec MessageRecord) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.msgs = append(w.msgs, rec)
	n := len(w.msgs) + len(w.members)
	if n == 1 {
		w.firstAdd = time.Now()
	}
	w.mu.Unlock()
	w.afterAdd(n)
}

// AddMember enqueues a member upsert. Dropped silently after Close.
func (w *BatchWriter) AddMember(rec MemberRecord) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.members = append(w.members, rec)
	n := len(w.msgs) + len(w.members)
	if n == 1 {
		w.firstAdd = time.Now()
	}
	w.mu.Unlock()
	w.afterAdd(n)
}

func (w *BatchWriter) afterAdd(n int) {
	w.pending.Set(int64(n))
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run drives size/timeout flushes until ctx is canceled, then performs a
// final flush on a fresh bounded context. Meant to run under the
// supervisor.
func (w *BatchWriter) Run(ctx context.Context) error {
	timer := time.NewTimer(w.timeout)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), drainFlushTimeout)
			_ = w.Flush(fctx)
			cancel()
			return nil
		case <-w.kick:
		case <-timer.C:
		}

		full, deadline, empty := w.state()
		if empty {
			continue
		}
		if full || !time.Now().Before(deadline) {
			_ = w.Flush(ctx)
			stopTimer(timer)
			continue
		}
		stopTimer(timer)
		timer.Reset(time.Until(deadline))
	}
}

func (w *BatchWriter) state() (full bool, deadline time.Time, empty bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.msgs) + len(w.members)
	if n == 0 {
		return false, time.Time{}, true
	}
	return n >= w.size, w.firstAdd.Add(w.timeout), false
}

// Flush writes all pending records in one transaction. Idempotent; a
// no-op when nothing is pending.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	msgs, members := w.msgs, w.members
	w.msgs, w.members = nil, nil
	w.mu.Unlock()

	if len(msgs) == 0 && len(members) == 0 {
		return nil
	}
	w.pending.Set(0)

	if err := w.store.FlushBatch(ctx, msgs, members); err != nil {
		w.errs.Inc()
		w.log.Error("storage: batch flush failed, batch dropped",
			logx.Err(err),
			logx.Int("messages", len(msgs)),
			logx.Int("members", len(members)),
		)
		return err
	}
	w.flushes.Inc()
	w.records.Add(int64(len(msgs) + len(members)))
	return nil
}

// Close flushes whatever is pending and rejects further adds.
func (w *BatchWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.Flush(ctx)
}

// Pending reports queued-but-unflushed record count.
func (w *BatchWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs) + len(w.members)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
