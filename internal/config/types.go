package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Source   SourceConfig   `json:"source"`
	Relay    RelayConfig    `json:"relay"`
	Cache    CacheConfig    `json:"cache"`
	Batch    BatchConfig    `json:"batch"`
	Dispatch DispatchConfig `json:"dispatch"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Ops      OpsConfig      `json:"ops,omitempty"`
	Alert    *AlertConfig   `json:"alert,omitempty"`
}

// SourceConfig configures the inbound gateway client.
//
// An empty token disables the source adapter; the engine still starts,
// which is mainly useful for replaying stored data and for tests.
type SourceConfig struct {
	Token    string   `json:"token" env:"RELAYBOT_DISCORD_TOKEN"`
	GuildIDs []string `json:"guild_ids,omitempty"`
}

// RelayConfig maps monitored channels to destinations and tunes the
// orchestrator windows.
//
// All durations are Go duration strings (e.g. "100ms", "5s").
type RelayConfig struct {
	// DebounceWindow coalesces rapid create events per (author, channel).
	// Default "100ms".
	DebounceWindow string `json:"debounce_window,omitempty"`
	// DedupWindow suppresses repeated (author, content) pairs.
	// Default "5s".
	DedupWindow string `json:"dedup_window,omitempty"`

	Destinations map[string]DestinationConfig `json:"destinations"`

	// Routes maps a source channel id to a destination name. An empty
	// destination name means observe-only: the channel's messages are
	// persisted but never dispatched. Channels absent from Routes are
	// ignored entirely.
	Routes map[string]string `json:"routes"`
}

// DestinationConfig describes one webhook sink. Rate fields override the
// dispatch defaults for this destination only; zero keeps the default.
type DestinationConfig struct {
	WebhookURL    string `json:"webhook_url"`
	RatePerWindow int    `json:"rate_per_window,omitempty"`
	Burst         int    `json:"burst,omitempty"`
}

// CacheConfig bounds the in-memory mapping/member caches.
type CacheConfig struct {
	MaxMemoryBytes int64 `json:"max_memory_bytes,omitempty"` // default 8 MiB
	MaxItems       int   `json:"max_items,omitempty"`        // default 5000

	MappingTTL    string `json:"mapping_ttl,omitempty"`    // default "6h"
	MemberTTL     string `json:"member_ttl,omitempty"`     // default "15m"
	SweepInterval string `json:"sweep_interval,omitempty"` // default "5m"
}

// BatchConfig tunes the batched persistence writer.
type BatchConfig struct {
	Size    int    `json:"size,omitempty"`    // default 25 records
	Timeout string `json:"timeout,omitempty"` // default "5s"
}

// DispatchConfig tunes the rate-limited delivery queue.
type DispatchConfig struct {
	Tick          string `json:"tick,omitempty"`            // default "50ms"
	Window        string `json:"window,omitempty"`          // default "1s"
	RatePerWindow int    `json:"rate_per_window,omitempty"` // default 12
	Burst         int    `json:"burst,omitempty"`           // default 20
	Parallelism   int    `json:"parallelism,omitempty"`     // default 3
	QueueSize     int    `json:"queue_size,omitempty"`      // default 1024
	DrainTimeout  string `json:"drain_timeout,omitempty"`   // default "5s"

	Attachments AttachmentConfig `json:"attachments,omitempty"`
}

// AttachmentConfig bounds attachment fetching during delivery.
type AttachmentConfig struct {
	MaxBytes     int64   `json:"max_bytes,omitempty"`     // default 8 MiB
	FetchPerSec  float64 `json:"fetch_per_sec,omitempty"` // default 4
	FetchBurst   int     `json:"fetch_burst,omitempty"`   // default 4
	FetchTimeout string  `json:"fetch_timeout,omitempty"` // default "10s"
}

// StorageConfig controls the durable store.
type StorageConfig struct {
	Path        string `json:"path" env:"RELAYBOT_DB_PATH"` // default "./relaybot.db"
	BusyTimeout string `json:"busy_timeout,omitempty"`      // default "5s"

	// Retention prunes message rows older than this during maintenance.
	// Empty or "0s" disables pruning.
	Retention string `json:"retention,omitempty"`

	// MaintenanceInterval is how often retention/checkpoint maintenance
	// runs. Default "1h".
	MaintenanceInterval string `json:"maintenance_interval,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" env:"RELAYBOT_LOG_LEVEL"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OpsConfig controls the optional ops HTTP server (metrics snapshot and
// pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`                           // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty" env:"RELAYBOT_OPS_TOKEN"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof additionally exposes /debug/pprof/ handlers.
	Pprof bool `json:"pprof,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// AlertConfig controls operator alerting over Telegram. Alerts fire when
// the engine's error counters climb faster than ErrorBurst per check
// interval, then go quiet for the cooldown.
type AlertConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token,omitempty" env:"RELAYBOT_ALERT_TOKEN"`
	ChatID        int64  `json:"chat_id,omitempty"`
	CheckInterval string `json:"check_interval,omitempty"` // default "1m"
	ErrorBurst    int    `json:"error_burst,omitempty"`    // default 10
	Cooldown      string `json:"cooldown,omitempty"`       // default "15m"
}

// Validate performs structural checks that should reject a config before
// it is committed or hot-reloaded. Durations are validated here so a
// reload cannot install an unparseable window.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	for name, d := range c.Relay.Destinations {
		u := strings.TrimSpace(d.WebhookURL)
		if u == "" {
			return fmt.Errorf("relay.destinations[%s]: webhook_url is required", name)
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("relay.destinations[%s]: webhook_url must be http(s)", name)
		}
		if d.RatePerWindow < 0 || d.Burst < 0 {
			return fmt.Errorf("relay.destinations[%s]: rate overrides must be >= 0", name)
		}
	}
	for ch, dest := range c.Relay.Routes {
		if strings.TrimSpace(ch) == "" {
			return fmt.Errorf("relay.routes: empty channel id")
		}
		if dest == "" {
			continue // observe-only
		}
		if _, ok := c.Relay.Destinations[dest]; !ok {
			return fmt.Errorf("relay.routes[%s]: unknown destination %q", ch, dest)
		}
	}

	type durField struct {
		path string
		raw  string
	}
	durations := []durField{
		{"relay.debounce_window", c.Relay.DebounceWindow},
		{"relay.dedup_window", c.Relay.DedupWindow},
		{"cache.mapping_ttl", c.Cache.MappingTTL},
		{"cache.member_ttl", c.Cache.MemberTTL},
		{"cache.sweep_interval", c.Cache.SweepInterval},
		{"batch.timeout", c.Batch.Timeout},
		{"dispatch.tick", c.Dispatch.Tick},
		{"dispatch.window", c.Dispatch.Window},
		{"dispatch.drain_timeout", c.Dispatch.DrainTimeout},
		{"dispatch.attachments.fetch_timeout", c.Dispatch.Attachments.FetchTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"storage.retention", c.Storage.Retention},
		{"storage.maintenance_interval", c.Storage.MaintenanceInterval},
	}
	if c.Alert != nil {
		durations = append(durations,
			durField{"alert.check_interval", c.Alert.CheckInterval},
			durField{"alert.cooldown", c.Alert.Cooldown},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Batch.Size < 0 {
		return fmt.Errorf("batch.size must be >= 0")
	}
	if c.Dispatch.RatePerWindow < 0 || c.Dispatch.Burst < 0 ||
		c.Dispatch.Parallelism < 0 || c.Dispatch.QueueSize < 0 {
		return fmt.Errorf("dispatch: numeric settings must be >= 0")
	}
	if c.Dispatch.Attachments.MaxBytes < 0 || c.Dispatch.Attachments.FetchPerSec < 0 ||
		c.Dispatch.Attachments.FetchBurst < 0 {
		return fmt.Errorf("dispatch.attachments: numeric settings must be >= 0")
	}
	if c.Cache.MaxMemoryBytes < 0 || c.Cache.MaxItems < 0 {
		return fmt.Errorf("cache: bounds must be >= 0")
	}

	if c.Alert != nil && c.Alert.Enabled {
		if strings.TrimSpace(c.Alert.Token) == "" {
			return fmt.Errorf("alert.token is required when alert.enabled")
		}
		if c.Alert.ChatID == 0 {
			return fmt.Errorf("alert.chat_id is required when alert.enabled")
		}
	}

	return nil
}
