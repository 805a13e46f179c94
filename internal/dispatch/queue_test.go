package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/sink"
	"relaybot/internal/source"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeSink records deliveries. When block is set, Create waits for it to
// close before proceeding.
type fakeSink struct {
	block chan struct{}

	mu        sync.Mutex
	creates   []sink.Payload
	updates   map[string]sink.Payload
	nextID    int
	panicOnce bool
}

func (f *fakeSink) Create(ctx context.Context, webhookURL string, p sink.Payload) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnce {
		f.panicOnce = false
		panic("sink exploded")
	}
	f.nextID++
	f.creates = append(f.creates, p)
	return fmt.Sprintf("m%d", f.nextID), nil
}

func (f *fakeSink) Update(ctx context.Context, webhookURL, relayedID string, p sink.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string]sink.Payload)
	}
	f.updates[relayedID] = p
	return nil
}

func (f *fakeSink) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeSink) createAt(i int) sink.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[i]
}

func (f *fakeSink) updatePayload(relayedID string) (sink.Payload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.updates[relayedID]
	return p, ok
}

func (f *fakeSink) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

type fakeFetcher struct {
	data map[string][]byte
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	b, ok := f.data[url]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return b, "application/octet-stream", nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func createTask(dest string) Task {
	return Task{
		OriginalID:  "orig-1",
		Destination: dest,
		WebhookURL:  "https://example.invalid/webhook",
		Payload:     sink.Payload{Username: "alice", Content: "hello"},
	}
}

func TestQueueHonorsWindowBudget(t *testing.T) {
	clk := newFakeClock()
	fs := &fakeSink{}
	reg := metrics.NewRegistry()
	q := New(Config{RatePerWindow: 12, Burst: 20, Window: time.Second, Parallelism: 32, QueueSize: 64},
		fs, Options{Metrics: reg, Now: clk.Now})
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		task := createTask("general")
		task.OriginalID = fmt.Sprintf("orig-%d", i)
		if err := q.Enqueue(task); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	q.tick(ctx)
	if got := q.Len(); got != 13 {
		t.Fatalf("Len after first tick = %d, want 13", got)
	}

	// Second window: steady budget back to 12, burst usage halved to 6.
	clk.Advance(time.Second)
	q.tick(ctx)
	if got := q.Len(); got != 1 {
		t.Fatalf("Len after second window = %d, want 1", got)
	}

	clk.Advance(time.Second)
	q.tick(ctx)
	if got := q.Len(); got != 0 {
		t.Fatalf("Len after third window = %d, want 0", got)
	}

	waitFor(t, "all deliveries", func() bool {
		return reg.Counter("dispatch.sent").Value() == 25
	})
	if got := fs.createCount(); got != 25 {
		t.Fatalf("createCount = %d, want 25", got)
	}
}

func TestQueueCreateCallback(t *testing.T) {
	clk := newFakeClock()
	fs := &fakeSink{}
	var mu sync.Mutex
	var gotTask Task
	var gotID string
	q := New(Config{}, fs, Options{Now: clk.Now, OnDelivered: func(task Task, id string) {
		mu.Lock()
		gotTask, gotID = task, id
		mu.Unlock()
	}})

	if err := q.Enqueue(createTask("general")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.tick(context.Background())

	waitFor(t, "delivered callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotID != ""
	})
	mu.Lock()
	defer mu.Unlock()
	if gotID != "m1" {
		t.Fatalf("delivered id = %q, want %q", gotID, "m1")
	}
	if gotTask.ID == "" {
		t.Fatal("task id was not assigned on enqueue")
	}
	if gotTask.OriginalID != "orig-1" {
		t.Fatalf("callback OriginalID = %q, want %q", gotTask.OriginalID, "orig-1")
	}
}

func TestQueueUpdateRequiresRelayedID(t *testing.T) {
	q := New(Config{}, &fakeSink{}, Options{})

	err := q.Enqueue(Task{IsUpdate: true, Destination: "general"})
	if !errors.Is(err, ErrMissingRelayedID) {
		t.Fatalf("Enqueue error = %v, want %v", err, ErrMissingRelayedID)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("Len = %d, want 0", got)
	}
}

func TestQueueUpdateRewritesDeliveredMessage(t *testing.T) {
	clk := newFakeClock()
	fs := &fakeSink{}
	var createCalled atomic.Bool
	q := New(Config{}, fs, Options{Now: clk.Now, OnDelivered: func(Task, string) {
		createCalled.Store(true)
	}})

	task := createTask("general")
	task.IsUpdate = true
	task.RelayedID = "m900"
	task.Payload.Content = "edited"
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.tick(context.Background())

	waitFor(t, "update delivery", func() bool { return fs.updateCount() == 1 })
	p, ok := fs.updatePayload("m900")
	if !ok {
		t.Fatal("update for m900 not recorded")
	}
	if p.Content != "edited" {
		t.Fatalf("updated content = %q, want %q", p.Content, "edited")
	}
	if createCalled.Load() {
		t.Fatal("delivered callback fired for an update task")
	}
}

func TestQueueEnqueueDropsWhenFull(t *testing.T) {
	reg := metrics.NewRegistry()
	q := New(Config{QueueSize: 2}, &fakeSink{}, Options{Metrics: reg})

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(createTask("general")); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	err := q.Enqueue(createTask("general"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue error = %v, want %v", err, ErrQueueFull)
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	if got := reg.Counter("dispatch.dropped").Value(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestQueueParallelismBound(t *testing.T) {
	clk := newFakeClock()
	blk := make(chan struct{})
	fs := &fakeSink{block: blk}
	q := New(Config{RatePerWindow: 10, Burst: 10, Window: time.Second, Parallelism: 1},
		fs, Options{Now: clk.Now})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(createTask("general")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	q.tick(ctx)
	if got := q.Len(); got != 2 {
		t.Fatalf("Len after tick = %d, want 2", got)
	}
	if got := q.InFlight(); got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}

	// Pool saturated: another tick releases nothing.
	q.tick(ctx)
	if got := q.Len(); got != 2 {
		t.Fatalf("Len with saturated pool = %d, want 2", got)
	}

	close(blk)
	waitFor(t, "remaining deliveries", func() bool {
		q.tick(ctx)
		return fs.createCount() == 3
	})
	waitFor(t, "workers to settle", func() bool { return q.InFlight() == 0 })
}

func TestQueuePanicIsolated(t *testing.T) {
	clk := newFakeClock()
	fs := &fakeSink{panicOnce: true}
	reg := metrics.NewRegistry()
	q := New(Config{RatePerWindow: 10, Burst: 10, Window: time.Second},
		fs, Options{Metrics: reg, Now: clk.Now})

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(createTask("general")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	q.tick(context.Background())

	waitFor(t, "both deliveries to settle", func() bool {
		return reg.Counter("dispatch.failed").Value() == 1 && fs.createCount() == 1
	})
	if got := reg.Counter("dispatch.panics").Value(); got != 1 {
		t.Fatalf("panics = %d, want 1", got)
	}
	if got := reg.Counter("dispatch.sent").Value(); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
}

func TestQueueFetchesAttachments(t *testing.T) {
	clk := newFakeClock()
	fs := &fakeSink{}
	reg := metrics.NewRegistry()
	ff := &fakeFetcher{data: map[string][]byte{
		"https://cdn.invalid/a.png": []byte("png-bytes"),
	}}
	q := New(Config{}, fs, Options{Fetch: ff, Metrics: reg, Now: clk.Now})

	task := createTask("general")
	task.Attachments = []source.Attachment{
		{URL: "https://cdn.invalid/a.png", Filename: "a.png", ContentType: "image/png"},
		{URL: "https://cdn.invalid/missing.bin", Filename: "missing.bin"},
	}
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.tick(context.Background())

	waitFor(t, "delivery", func() bool { return fs.createCount() == 1 })
	p := fs.createAt(0)
	if len(p.Files) != 1 {
		t.Fatalf("len(Files) = %d, want 1 (bad attachment skipped)", len(p.Files))
	}
	f := p.Files[0]
	if f.Name != "a.png" || string(f.Data) != "png-bytes" {
		t.Fatalf("file = %q (%d bytes), want a.png with fetched bytes", f.Name, len(f.Data))
	}
	if f.ContentType != "image/png" {
		t.Fatalf("ContentType = %q, want declared %q", f.ContentType, "image/png")
	}
	if got := reg.Counter("dispatch.fetch_errors").Value(); got != 1 {
		t.Fatalf("fetch_errors = %d, want 1", got)
	}
}

func TestQueuePerDestinationBudgets(t *testing.T) {
	clk := newFakeClock()
	fs := &fakeSink{}
	q := New(Config{
		RatePerWindow: 10,
		Burst:         10,
		Window:        time.Second,
		Parallelism:   8,
		Overrides:     map[string]Override{"slow": {RatePerWindow: 1, Burst: 1}},
	}, fs, Options{Now: clk.Now})
	ctx := context.Background()

	for _, dest := range []string{"slow", "slow", "fast"} {
		if err := q.Enqueue(createTask(dest)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	// slow is capped at one per window; fast flows freely.
	q.tick(ctx)
	if got := q.Len(); got != 1 {
		t.Fatalf("Len after tick = %d, want 1", got)
	}

	clk.Advance(time.Second)
	q.tick(ctx)
	if got := q.Len(); got != 0 {
		t.Fatalf("Len after next window = %d, want 0", got)
	}
	waitFor(t, "all deliveries", func() bool { return fs.createCount() == 3 })
}

func TestQueueApplyReplacesBudgets(t *testing.T) {
	clk := newFakeClock()
	fs := &fakeSink{}
	q := New(Config{RatePerWindow: 2, Burst: 2, Window: time.Second, Parallelism: 8, QueueSize: 64},
		fs, Options{Now: clk.Now})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		task := createTask("general")
		task.OriginalID = fmt.Sprintf("orig-%d", i)
		if err := q.Enqueue(task); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	q.tick(ctx)
	if got := q.Len(); got != 4 {
		t.Fatalf("Len under old budget = %d, want 4", got)
	}

	// Raising the rate takes effect immediately: limiter state is rebuilt.
	q.Apply(Config{RatePerWindow: 10, Burst: 10, Window: time.Second})
	q.tick(ctx)
	if got := q.Len(); got != 0 {
		t.Fatalf("Len under new budget = %d, want 0", got)
	}
	waitFor(t, "all deliveries", func() bool { return fs.createCount() == 6 })
}

func TestQueuePublishesDispatchEvents(t *testing.T) {
	clk := newFakeClock()
	fs := &fakeSink{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	q := New(Config{}, fs, Options{Bus: bus, Now: clk.Now})

	if err := q.Enqueue(createTask("general")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.tick(context.Background())

	select {
	case ev := <-ch:
		if ev.Type != "dispatch.sent" {
			t.Fatalf("event type = %q, want %q", ev.Type, "dispatch.sent")
		}
		data, ok := ev.Data.(DispatchEvent)
		if !ok {
			t.Fatalf("event data type = %T, want DispatchEvent", ev.Data)
		}
		if data.RelayedID != "m1" {
			t.Fatalf("event RelayedID = %q, want %q", data.RelayedID, "m1")
		}
		if data.TaskID == "" {
			t.Fatal("event TaskID is empty")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch event received")
	}
}

func TestQueueDrainFlushesBacklog(t *testing.T) {
	clk := newFakeClock()
	fs := &fakeSink{}
	q := New(Config{Tick: 10 * time.Millisecond, RatePerWindow: 10, Burst: 10, Window: time.Second},
		fs, Options{Now: clk.Now})

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(createTask("general")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := fs.createCount(); got != 3 {
		t.Fatalf("createCount after drain = %d, want 3", got)
	}

	if err := q.Enqueue(createTask("general")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue after drain = %v, want %v", err, ErrClosed)
	}
}

func TestQueueDrainDeadlineDropsRemainder(t *testing.T) {
	clk := newFakeClock()
	blk := make(chan struct{})
	defer close(blk)
	fs := &fakeSink{block: blk}
	reg := metrics.NewRegistry()
	q := New(Config{Tick: 10 * time.Millisecond, RatePerWindow: 10, Burst: 10, Window: time.Second, Parallelism: 1},
		fs, Options{Metrics: reg, Now: clk.Now})

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(createTask("general")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := q.Drain(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain error = %v, want %v", err, context.DeadlineExceeded)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("Len after deadline = %d, want 0", got)
	}
	if got := reg.Counter("dispatch.dropped").Value(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
}
