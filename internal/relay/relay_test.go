package relay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relaybot/internal/cache"
	"relaybot/internal/dispatch"
	"relaybot/internal/metrics"
	"relaybot/internal/source"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []dispatch.Task
	err   error
}

func (q *fakeQueue) Enqueue(t dispatch.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *fakeQueue) at(i int) dispatch.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[i]
}

type testRig struct {
	eng   *Engine
	queue *fakeQueue
	store storage.Store
	batch *storage.BatchWriter
	reg   *metrics.Registry
	clk   *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
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

// newTestRig wires an engine over a real store with a captured queue.
// Debounce is disabled so creates process synchronously.
func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := metrics.NewRegistry()
	batch := storage.NewBatchWriter(st, 8, time.Minute, logx.Nop(), reg)
	fq := &fakeQueue{}
	clk := newFakeClock()

	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = -1
	}
	eng := New(cfg, Deps{
		Store:    st,
		Batch:    batch,
		Mappings: cache.New(cache.Config{}),
		Members:  cache.New(cache.Config{}),
		Queue:    fq,
		Metrics:  reg,
		Now:      clk.Now,
	})
	t.Cleanup(eng.Close)

	return &testRig{eng: eng, queue: fq, store: st, batch: batch, reg: reg, clk: clk}
}

func routedConfig() Config {
	return Config{
		Routes:       map[string]string{"ch1": "main"},
		Destinations: map[string]Destination{"main": {WebhookURL: "https://example.invalid/hook"}},
	}
}

func createMsg(id, content string) source.Message {
	return source.Message{
		ID:         id,
		ChannelID:  "ch1",
		GuildID:    "g1",
		AuthorID:   "a1",
		AuthorName: "Alice",
		Content:    content,
		CreatedAt:  time.Now(),
	}
}

func TestEngineEndToEnd(t *testing.T) {
	rig := newTestRig(t, routedConfig())
	ctx := context.Background()

	rig.eng.HandleCreate(ctx, createMsg("100", "hi"))

	if got := rig.queue.count(); got != 1 {
		t.Fatalf("queued tasks = %d, want 1", got)
	}
	task := rig.queue.at(0)
	if task.IsUpdate {
		t.Fatal("first task is an update, want create")
	}
	if task.OriginalID != "100" || task.Destination != "main" {
		t.Fatalf("task = %+v, want original 100 routed to main", task)
	}
	if task.Payload.Username != "Alice" || task.Payload.Content != "hi" {
		t.Fatalf("payload = %+v, want Alice/hi", task.Payload)
	}

	// The original row is durable before any delivery happens.
	rec, ok, err := rig.store.FindByOriginalID(ctx, "100")
	if err != nil || !ok {
		t.Fatalf("FindByOriginalID = %v, %v; want row", ok, err)
	}
	if rec.RelayedID != "" {
		t.Fatalf("RelayedID before delivery = %q, want empty", rec.RelayedID)
	}

	rig.eng.OnDelivered(task, "200")

	rec, ok, err = rig.store.FindByOriginalID(ctx, "100")
	if err != nil || !ok {
		t.Fatalf("FindByOriginalID after delivery = %v, %v", ok, err)
	}
	if rec.RelayedID != "200" {
		t.Fatalf("RelayedID = %q, want %q", rec.RelayedID, "200")
	}
	back, ok, err := rig.store.FindByRelayedID(ctx, "200")
	if err != nil || !ok || back.OriginalID != "100" {
		t.Fatalf("FindByRelayedID(200) = %+v, %v, %v; want original 100", back, ok, err)
	}

	rig.eng.HandleEdit(ctx, source.Edit{MessageID: "100", NewContent: "hi there", EditedAt: time.Now()})

	if got := rig.queue.count(); got != 2 {
		t.Fatalf("queued tasks after edit = %d, want 2", got)
	}
	up := rig.queue.at(1)
	if !up.IsUpdate || up.RelayedID != "200" {
		t.Fatalf("update task = %+v, want update addressed at 200", up)
	}
	if up.Payload.Content != "hi there" {
		t.Fatalf("update content = %q, want %q", up.Payload.Content, "hi there")
	}

	rec, _, _ = rig.store.FindByOriginalID(ctx, "100")
	if rec.Content != "hi there" {
		t.Fatalf("stored content = %q, want %q", rec.Content, "hi there")
	}
	if rec.RelayedID != "200" {
		t.Fatalf("RelayedID after edit = %q, want %q (never reassigned)", rec.RelayedID, "200")
	}
}

func TestEngineDedupSuppresses(t *testing.T) {
	rig := newTestRig(t, routedConfig())
	ctx := context.Background()

	rig.eng.HandleCreate(ctx, createMsg("100", "hello world"))
	// Same author, trivially reformatted content, different message id.
	rig.eng.HandleCreate(ctx, createMsg("101", "  HELLO   World "))

	if got := rig.queue.count(); got != 1 {
		t.Fatalf("queued tasks = %d, want 1", got)
	}
	if got := rig.reg.Counter("relay.duplicates_suppressed").Value(); got != 1 {
		t.Fatalf("duplicates_suppressed = %d, want 1", got)
	}
	// The suppressed event produced no store writes at all.
	if _, ok, _ := rig.store.FindByOriginalID(ctx, "101"); ok {
		t.Fatal("suppressed message was persisted")
	}

	// Past the dedup window the same pair relays again.
	rig.clk.Advance(6 * time.Second)
	rig.eng.HandleCreate(ctx, createMsg("102", "hello world"))
	if got := rig.queue.count(); got != 2 {
		t.Fatalf("queued tasks after window = %d, want 2", got)
	}
}

func TestEngineDebounceCoalesces(t *testing.T) {
	cfg := routedConfig()
	cfg.DebounceWindow = 40 * time.Millisecond
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	rig.eng.HandleCreate(ctx, createMsg("1", "first"))
	rig.eng.HandleCreate(ctx, createMsg("2", "second"))
	rig.eng.HandleCreate(ctx, createMsg("3", "third"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && rig.queue.count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := rig.queue.count(); got != 1 {
		t.Fatalf("queued tasks = %d, want 1 (burst coalesced)", got)
	}
	if got := rig.queue.at(0).Payload.Content; got != "third" {
		t.Fatalf("flushed content = %q, want %q (trailing edge)", got, "third")
	}
	if got := rig.reg.Counter("relay.coalesced").Value(); got != 2 {
		t.Fatalf("coalesced = %d, want 2", got)
	}
}

func TestEngineObserveOnlyChannel(t *testing.T) {
	cfg := Config{
		Routes:       map[string]string{"ch2": ""},
		Destinations: map[string]Destination{},
	}
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	msg := createMsg("300", "just watching")
	msg.ChannelID = "ch2"
	rig.eng.HandleCreate(ctx, msg)

	if got := rig.queue.count(); got != 0 {
		t.Fatalf("queued tasks = %d, want 0", got)
	}
	if got := rig.reg.Counter("relay.observed").Value(); got != 1 {
		t.Fatalf("observed = %d, want 1", got)
	}

	if err := rig.batch.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rec, ok, err := rig.store.FindByOriginalID(ctx, "300")
	if err != nil || !ok {
		t.Fatalf("FindByOriginalID = %v, %v; want batched row", ok, err)
	}
	if rec.RelayedID != "" {
		t.Fatalf("RelayedID = %q, want empty for observe-only", rec.RelayedID)
	}
}

func TestEngineUnroutedChannelIgnored(t *testing.T) {
	rig := newTestRig(t, routedConfig())
	ctx := context.Background()

	msg := createMsg("400", "nobody cares")
	msg.ChannelID = "elsewhere"
	rig.eng.HandleCreate(ctx, msg)

	if got := rig.queue.count(); got != 0 {
		t.Fatalf("queued tasks = %d, want 0", got)
	}
	if got := rig.reg.Counter("relay.ignored").Value(); got != 1 {
		t.Fatalf("ignored = %d, want 1", got)
	}
	if _, ok, _ := rig.store.FindByOriginalID(ctx, "400"); ok {
		t.Fatal("unrouted message was persisted")
	}
}

func TestEngineEditWithoutMappingDropped(t *testing.T) {
	rig := newTestRig(t, routedConfig())
	ctx := context.Background()

	rig.eng.HandleEdit(ctx, source.Edit{MessageID: "999", NewContent: "into the void"})

	if got := rig.queue.count(); got != 0 {
		t.Fatalf("queued tasks = %d, want 0", got)
	}
	if got := rig.reg.Counter("relay.mapping_unresolved").Value(); got != 1 {
		t.Fatalf("mapping_unresolved = %d, want 1", got)
	}
}

func TestEngineEditResolvesByRelayedID(t *testing.T) {
	rig := newTestRig(t, routedConfig())
	ctx := context.Background()

	rig.eng.HandleCreate(ctx, createMsg("100", "hi"))
	rig.eng.OnDelivered(rig.queue.at(0), "200")

	// Force the store ladder: the cache no longer knows the mapping and
	// the edit references the delivered identity.
	rig.eng.mappings.Clear()
	rig.eng.HandleEdit(ctx, source.Edit{MessageID: "200", NewContent: "via delivered id"})

	if got := rig.queue.count(); got != 2 {
		t.Fatalf("queued tasks = %d, want 2", got)
	}
	up := rig.queue.at(1)
	if !up.IsUpdate || up.RelayedID != "200" || up.OriginalID != "100" {
		t.Fatalf("update task = %+v, want update for original 100 at 200", up)
	}
	rec, _, _ := rig.store.FindByOriginalID(ctx, "100")
	if rec.Content != "via delivered id" {
		t.Fatalf("stored content = %q, want %q", rec.Content, "via delivered id")
	}
}

func TestEngineEditContentFallbackPersistOnly(t *testing.T) {
	rig := newTestRig(t, routedConfig())
	ctx := context.Background()

	// A row that landed through the batch path and was never mapped.
	if err := rig.store.SaveMessageNow(ctx, storage.MessageRecord{
		OriginalID: "300",
		ChannelID:  "ch1",
		AuthorID:   "a1",
		AuthorName: "Alice",
		Content:    "orphan content",
		CreatedAt:  rig.clk.Now(),
		UpdatedAt:  rig.clk.Now(),
	}); err != nil {
		t.Fatalf("SaveMessageNow: %v", err)
	}

	// The edit references an id the store has never seen; only exact
	// content equality can match it to the row.
	rig.eng.HandleEdit(ctx, source.Edit{MessageID: "777", NewContent: "orphan content"})

	if got := rig.queue.count(); got != 0 {
		t.Fatalf("queued tasks = %d, want 0 (unmapped rows never dispatch)", got)
	}
	if got := rig.reg.Counter("relay.edits_persist_only").Value(); got != 1 {
		t.Fatalf("edits_persist_only = %d, want 1", got)
	}
	if got := rig.reg.Counter("relay.mapping_unresolved").Value(); got != 0 {
		t.Fatalf("mapping_unresolved = %d, want 0", got)
	}
}

func TestEngineEditBeforeDeliveryPersistOnly(t *testing.T) {
	rig := newTestRig(t, routedConfig())
	ctx := context.Background()

	rig.eng.HandleCreate(ctx, createMsg("100", "original"))
	// No OnDelivered: the create is still in flight.
	rig.eng.HandleEdit(ctx, source.Edit{MessageID: "100", NewContent: "edited early"})

	if got := rig.queue.count(); got != 1 {
		t.Fatalf("queued tasks = %d, want 1 (create only)", got)
	}
	if got := rig.reg.Counter("relay.edits_persist_only").Value(); got != 1 {
		t.Fatalf("edits_persist_only = %d, want 1", got)
	}
	rec, _, _ := rig.store.FindByOriginalID(ctx, "100")
	if rec.Content != "edited early" || rec.RelayedID != "" {
		t.Fatalf("row = %+v, want edited content and empty RelayedID", rec)
	}
}

func TestEngineMemberWrittenOncePerTTL(t *testing.T) {
	rig := newTestRig(t, routedConfig())
	ctx := context.Background()

	msg := createMsg("100", "first post")
	msg.AuthorRoles = []string{"admin", "ops"}
	msg.GuildName = "HQ"
	rig.eng.HandleCreate(ctx, msg)
	rig.eng.HandleCreate(ctx, createMsg("101", "second post"))

	// Two creates, one member record: the member cache gates the second.
	if got := rig.batch.Pending(); got != 1 {
		t.Fatalf("batch pending = %d, want 1", got)
	}
	if err := rig.batch.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	mem, ok, err := rig.store.FindMember(ctx, "a1", "g1")
	if err != nil || !ok {
		t.Fatalf("FindMember = %v, %v; want row", ok, err)
	}
	if mem.DisplayName != "Alice" || mem.GuildName != "HQ" {
		t.Fatalf("member = %+v, want Alice/HQ", mem)
	}
	if len(mem.Roles) != 2 {
		t.Fatalf("roles = %v, want 2 entries", mem.Roles)
	}
}

func TestEngineApplyReroutesChannel(t *testing.T) {
	rig := newTestRig(t, routedConfig())
	ctx := context.Background()

	rig.eng.HandleCreate(ctx, createMsg("100", "routed"))
	if got := rig.queue.count(); got != 1 {
		t.Fatalf("queued tasks = %d, want 1", got)
	}

	cfg := routedConfig()
	cfg.DebounceWindow = -1
	cfg.Routes = map[string]string{"ch1": ""}
	rig.eng.Apply(cfg)

	rig.eng.HandleCreate(ctx, createMsg("101", "now observe-only"))
	if got := rig.queue.count(); got != 1 {
		t.Fatalf("queued tasks after reroute = %d, want 1", got)
	}
	if got := rig.reg.Counter("relay.observed").Value(); got != 1 {
		t.Fatalf("observed = %d, want 1", got)
	}
}

func TestEngineQueueFullDoesNotBlock(t *testing.T) {
	rig := newTestRig(t, routedConfig())
	rig.queue.err = dispatch.ErrQueueFull
	ctx := context.Background()

	rig.eng.HandleCreate(ctx, createMsg("100", "doomed"))

	if got := rig.reg.Counter("relay.errors").Value(); got != 1 {
		t.Fatalf("errors = %d, want 1", got)
	}
	if got := rig.reg.Counter("relay.relayed").Value(); got != 0 {
		t.Fatalf("relayed = %d, want 0", got)
	}
	// The row persisted before the enqueue attempt and stays.
	if _, ok, _ := rig.store.FindByOriginalID(ctx, "100"); !ok {
		t.Fatal("row missing; immediate save must precede enqueue")
	}
}

func TestEngineDeliveredCallbackWithoutRow(t *testing.T) {
	rig := newTestRig(t, routedConfig())

	rig.eng.OnDelivered(dispatch.Task{OriginalID: "ghost", Destination: "main"}, "500")

	if got := rig.reg.Counter("relay.mapping_write_failures").Value(); got != 1 {
		t.Fatalf("mapping_write_failures = %d, want 1", got)
	}
}
