// Package relay implements the orchestrator that turns inbound channel
// events into persisted records and rate-limited webhook deliveries.
//
// Create events walk New -> Debounced -> (Suppressed | Persisted) ->
// Dispatched -> Mapped. Edits resolve the original<->delivered mapping
// through the cache, then the store, then a best-effort content match;
// an edit that resolves nowhere is dropped and counted. Every failure is
// local to its message.
package relay

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/cache"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/source"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

const (
	defaultDebounceWindow = 100 * time.Millisecond
	defaultDedupWindow    = 5 * time.Second
	defaultMappingTTL     = 6 * time.Hour
	defaultMemberTTL      = 15 * time.Minute

	// Bounds for the engine-owned duplicate detector.
	dedupMaxItems = 4096

	// How far back the content-match fallback may reach when an edit
	// resolves by neither id.
	contentMatchWindow = time.Hour
)

// Destination is one resolved webhook target.
type Destination struct {
	WebhookURL string
}

// Config is the orchestrator's tunable surface. Routes maps a source
// channel id to a destination name; an empty name marks the channel
// observe-only (persisted, never dispatched).
type Config struct {
	DebounceWindow time.Duration
	DedupWindow    time.Duration
	MappingTTL     time.Duration
	MemberTTL      time.Duration

	Routes       map[string]string
	Destinations map[string]Destination
}

func (c Config) withDefaults() Config {
	if c.DebounceWindow == 0 {
		c.DebounceWindow = defaultDebounceWindow
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.MappingTTL <= 0 {
		c.MappingTTL = defaultMappingTTL
	}
	if c.MemberTTL <= 0 {
		c.MemberTTL = defaultMemberTTL
	}
	return c
}

// Enqueuer is the slice of the dispatch queue the engine needs.
// *dispatch.Queue satisfies it.
type Enqueuer interface {
	Enqueue(t dispatch.Task) error
}

// Deps carries the engine's collaborators. Store, Batch, Mappings,
// Members and Queue are required; the rest default to no-ops.
type Deps struct {
	Store    storage.Store
	Batch    *storage.BatchWriter
	Mappings *cache.Cache
	Members  *cache.Cache
	Queue    Enqueuer

	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics metrics.Sink
	Now     func() time.Time
}

// RelayEvent is the payload published on the bus for relay.* events.
type RelayEvent struct {
	OriginalID  string `json:"original_id"`
	ChannelID   string `json:"channel_id,omitempty"`
	Destination string `json:"destination,omitempty"`
	RelayedID   string `json:"relayed_id,omitempty"`
	Update      bool   `json:"update"`
}

// Engine is the relay orchestrator. Safe for concurrent use.
type Engine struct {
	store    storage.Store
	batch    *storage.BatchWriter
	mappings *cache.Cache
	members  *cache.Cache
	queue    Enqueuer
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	// Lifetime context for work that outlives the triggering event
	// (debounce flushes, delivery callbacks).
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.RWMutex
	debounceWindow time.Duration
	dedupWindow    time.Duration
	mappingTTL     time.Duration
	memberTTL      time.Duration
	routes         map[string]string
	dests          map[string]Destination

	deb  *debouncer
	dup  *dedup
	seen *cache.Cache

	relayed     *metrics.Counter
	updated     *metrics.Counter
	coalesced   *metrics.Counter
	suppressed  *metrics.Counter
	unresolved  *metrics.Counter
	persistOnly *metrics.Counter
	observed    *metrics.Counter
	ignored     *metrics.Counter
	errs        *metrics.Counter
	mapFails    *metrics.Counter
}

// New builds the orchestrator. Close releases its timers and detector.
func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    deps.Store,
		batch:    deps.Batch,
		mappings: deps.Mappings,
		members:  deps.Members,
		queue:    deps.Queue,
		log:      deps.Log,
		bus:      deps.Bus,
		now:      deps.Now,

		ctx:    ctx,
		cancel: cancel,

		debounceWindow: cfg.DebounceWindow,
		dedupWindow:    cfg.DedupWindow,
		mappingTTL:     cfg.MappingTTL,
		memberTTL:      cfg.MemberTTL,
		routes:         cfg.Routes,
		dests:          cfg.Destinations,

		relayed:     deps.Metrics.Counter("relay.relayed"),
		updated:     deps.Metrics.Counter("relay.updated"),
		coalesced:   deps.Metrics.Counter("relay.coalesced"),
		suppressed:  deps.Metrics.Counter("relay.duplicates_suppressed"),
		unresolved:  deps.Metrics.Counter("relay.mapping_unresolved"),
		persistOnly: deps.Metrics.Counter("relay.edits_persist_only"),
		observed:    deps.Metrics.Counter("relay.observed"),
		ignored:     deps.Metrics.Counter("relay.ignored"),
		errs:        deps.Metrics.Counter("relay.errors"),
		mapFails:    deps.Metrics.Counter("relay.mapping_write_failures"),
	}

	// The duplicate detector is engine-owned: short TTL, insertion-order
	// eviction, never promoted on hit.
	e.seen = cache.New(cache.Config{
		MaxItems:   dedupMaxItems,
		DefaultTTL: cfg.DedupWindow,
		Policy:     cache.EvictFIFO,
	}, cache.WithClock(deps.Now), cache.WithMetrics(deps.Metrics, "cache.dedup"))
	e.dup = newDedup(e.seen, e.windowDedup)
	e.deb = newDebouncer(e.windowDebounce, e.processCreate, e.coalesced)
	return e
}

// Apply installs reloaded routing and window settings. Caches, queues
// and in-flight work are untouched; pending debounce timers keep the
// window they started with.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.debounceWindow = cfg.DebounceWindow
	e.dedupWindow = cfg.DedupWindow
	e.mappingTTL = cfg.MappingTTL
	e.memberTTL = cfg.MemberTTL
	e.routes = cfg.Routes
	e.dests = cfg.Destinations
	e.mu.Unlock()
	e.log.Info("relay.config_applied",
		logx.Int("routes", len(cfg.Routes)),
		logx.Int("destinations", len(cfg.Destinations)))
}

// Close cancels pending debounce timers and the engine's lifetime
// context. It does not drain the dispatch queue; that is the queue's
// own shutdown concern.
func (e *Engine) Close() {
	e.deb.stop()
	e.cancel()
	e.seen.Close()
}

// Sweep drops expired duplicate fingerprints. The app's maintenance
// loop calls this alongside the mapping and member cache sweeps.
func (e *Engine) Sweep() int {
	return e.seen.Sweep()
}

// HandleCreate accepts one inbound create event. It returns quickly:
// the event parks in the debouncer and is processed when its window
// closes without a successor.
func (e *Engine) HandleCreate(ctx context.Context, msg source.Message) {
	if msg.ID == "" || msg.ChannelID == "" {
		return
	}
	e.mu.RLock()
	_, routed := e.routes[msg.ChannelID]
	e.mu.RUnlock()
	if !routed {
		e.ignored.Inc()
		return
	}
	e.deb.hit(msg.AuthorID+"/"+msg.ChannelID, msg)
}

// HandleEdit accepts one inbound edit event and processes it
// synchronously: resolve the mapping, persist the new content, and
// enqueue an update task when the message was ever delivered.
func (e *Engine) HandleEdit(ctx context.Context, edit source.Edit) {
	if edit.MessageID == "" {
		return
	}
	e.processEdit(ctx, edit)
}

func (e *Engine) windowDebounce() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.debounceWindow
}

func (e *Engine) windowDedup() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dedupWindow
}

func (e *Engine) ttlMapping() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mappingTTL
}

func (e *Engine) ttlMember() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.memberTTL
}

// route resolves a channel to its destination. ok reports whether the
// channel is routed at all; a routed channel with empty name is
// observe-only and returns dispatchable=false.
func (e *Engine) route(channelID string) (name string, dest Destination, dispatchable, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	name, ok = e.routes[channelID]
	if !ok || name == "" {
		return name, Destination{}, false, ok
	}
	dest, have := e.dests[name]
	return name, dest, have, true
}
