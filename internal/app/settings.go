package app

import (
	"time"

	"relaybot/internal/alert"
	"relaybot/internal/cache"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/ops"
	"relaybot/internal/relay"
	"relaybot/internal/storage"
)

// settings is the typed view of the file config with every duration
// parsed and the component configs assembled. Building it doubles as
// the second half of validation; a config that cannot produce settings
// is rejected before commit, so a reload can never install an
// unparseable window.
type settings struct {
	relay    relay.Config
	dispatch dispatch.Config

	cacheMaxBytes int64
	cacheMaxItems int
	sweepEvery    time.Duration

	batchSize    int
	batchTimeout time.Duration

	store         storage.Config
	retention     time.Duration
	maintainEvery time.Duration

	fetchMaxBytes int64
	fetchPerSec   float64
	fetchBurst    int
	fetchTimeout  time.Duration

	drainTimeout time.Duration

	ops   ops.Config
	alert alert.Config
}

func buildSettings(cfg *config.Config) (settings, error) {
	var s settings

	type durOut struct {
		dst  *time.Duration
		path string
		raw  string
		def  time.Duration
	}
	durations := []durOut{
		{&s.relay.DebounceWindow, "relay.debounce_window", cfg.Relay.DebounceWindow, 100 * time.Millisecond},
		{&s.relay.DedupWindow, "relay.dedup_window", cfg.Relay.DedupWindow, 5 * time.Second},
		{&s.relay.MappingTTL, "cache.mapping_ttl", cfg.Cache.MappingTTL, 6 * time.Hour},
		{&s.relay.MemberTTL, "cache.member_ttl", cfg.Cache.MemberTTL, 15 * time.Minute},
		{&s.sweepEvery, "cache.sweep_interval", cfg.Cache.SweepInterval, 5 * time.Minute},
		{&s.batchTimeout, "batch.timeout", cfg.Batch.Timeout, 5 * time.Second},
		{&s.dispatch.Tick, "dispatch.tick", cfg.Dispatch.Tick, 50 * time.Millisecond},
		{&s.dispatch.Window, "dispatch.window", cfg.Dispatch.Window, time.Second},
		{&s.drainTimeout, "dispatch.drain_timeout", cfg.Dispatch.DrainTimeout, 5 * time.Second},
		{&s.fetchTimeout, "dispatch.attachments.fetch_timeout", cfg.Dispatch.Attachments.FetchTimeout, 10 * time.Second},
		{&s.store.BusyTimeout, "storage.busy_timeout", cfg.Storage.BusyTimeout, 5 * time.Second},
		{&s.retention, "storage.retention", cfg.Storage.Retention, 0},
		{&s.maintainEvery, "storage.maintenance_interval", cfg.Storage.MaintenanceInterval, time.Hour},
		{&s.ops.ReadTimeout, "ops.read_timeout", cfg.Ops.ReadTimeout, 0},
		{&s.ops.WriteTimeout, "ops.write_timeout", cfg.Ops.WriteTimeout, 0},
		{&s.ops.IdleTimeout, "ops.idle_timeout", cfg.Ops.IdleTimeout, 0},
	}
	if cfg.Alert != nil {
		durations = append(durations,
			durOut{&s.alert.CheckInterval, "alert.check_interval", cfg.Alert.CheckInterval, time.Minute},
			durOut{&s.alert.Cooldown, "alert.cooldown", cfg.Alert.Cooldown, 15 * time.Minute},
		)
	}
	for _, d := range durations {
		v, err := config.ParseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			return settings{}, err
		}
		*d.dst = v
	}

	// Routing: engine destinations carry the webhook URL; dispatch
	// overrides carry the per-destination rate budgets.
	s.relay.Routes = cfg.Relay.Routes
	s.relay.Destinations = make(map[string]relay.Destination, len(cfg.Relay.Destinations))
	for name, d := range cfg.Relay.Destinations {
		s.relay.Destinations[name] = relay.Destination{WebhookURL: d.WebhookURL}
		if d.RatePerWindow > 0 || d.Burst > 0 {
			if s.dispatch.Overrides == nil {
				s.dispatch.Overrides = make(map[string]dispatch.Override)
			}
			s.dispatch.Overrides[name] = dispatch.Override{
				RatePerWindow: d.RatePerWindow,
				Burst:         d.Burst,
			}
		}
	}

	s.dispatch.RatePerWindow = cfg.Dispatch.RatePerWindow
	s.dispatch.Burst = cfg.Dispatch.Burst
	s.dispatch.Parallelism = cfg.Dispatch.Parallelism
	s.dispatch.QueueSize = cfg.Dispatch.QueueSize

	s.cacheMaxBytes = cfg.Cache.MaxMemoryBytes
	s.cacheMaxItems = cfg.Cache.MaxItems
	s.batchSize = cfg.Batch.Size

	s.store.Path = cfg.Storage.Path
	if s.store.Path == "" {
		s.store.Path = "./relaybot.db"
	}

	s.fetchMaxBytes = cfg.Dispatch.Attachments.MaxBytes
	s.fetchPerSec = cfg.Dispatch.Attachments.FetchPerSec
	s.fetchBurst = cfg.Dispatch.Attachments.FetchBurst

	s.ops.Enabled = cfg.Ops.Enabled
	s.ops.Addr = cfg.Ops.Addr
	s.ops.Token = cfg.Ops.Token
	s.ops.AllowInsecure = cfg.Ops.AllowInsecure
	s.ops.Pprof = cfg.Ops.Pprof
	s.ops.MutexProfileFraction = cfg.Ops.MutexProfileFraction
	s.ops.BlockProfileRate = cfg.Ops.BlockProfileRate
	s.ops.MemProfileRate = cfg.Ops.MemProfileRate

	if cfg.Alert != nil {
		s.alert.ErrorBurst = cfg.Alert.ErrorBurst
	}

	return s, nil
}

// mappingCache builds the LRU cache instance holding original->delivered
// projections.
func (s settings) mappingCache(opts ...cache.Option) *cache.Cache {
	return cache.New(cache.Config{
		MaxMemoryBytes: s.cacheMaxBytes,
		MaxItems:       s.cacheMaxItems,
		DefaultTTL:     s.relay.MappingTTL,
		Policy:         cache.EvictLRU,
	}, opts...)
}

// memberCache builds the short-TTL LRU cache gating roster upserts.
func (s settings) memberCache(opts ...cache.Option) *cache.Cache {
	return cache.New(cache.Config{
		MaxMemoryBytes: s.cacheMaxBytes,
		MaxItems:       s.cacheMaxItems,
		DefaultTTL:     s.relay.MemberTTL,
		Policy:         cache.EvictLRU,
	}, opts...)
}

// routedChannels lists every monitored channel id, including
// observe-only ones, for the source adapter's channel filter.
func routedChannels(routes map[string]string) []string {
	out := make([]string, 0, len(routes))
	for ch := range routes {
		out = append(out, ch)
	}
	return out
}
