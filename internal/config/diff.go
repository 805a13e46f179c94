package config

import (
	logx "relaybot/pkg/logx"
	"reflect"
	"sort"
	"strings"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or webhook URLs), and (3) a list of source channel ids whose route changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Source (never log token)
	if (strings.TrimSpace(oldCfg.Source.Token) != "") != (strings.TrimSpace(newCfg.Source.Token) != "") ||
		!reflect.DeepEqual(oldCfg.Source.GuildIDs, newCfg.Source.GuildIDs) {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.Bool("source.token_set", strings.TrimSpace(newCfg.Source.Token) != ""),
			logx.Int("source.guild_count", len(newCfg.Source.GuildIDs)),
		)
	}

	// Relay (windows, destinations, routes). Webhook URLs embed tokens, so
	// destinations are surfaced as counts only.
	routeChanged := diffRoutes(oldCfg.Relay.Routes, newCfg.Relay.Routes)
	if strings.TrimSpace(oldCfg.Relay.DebounceWindow) != strings.TrimSpace(newCfg.Relay.DebounceWindow) ||
		strings.TrimSpace(oldCfg.Relay.DedupWindow) != strings.TrimSpace(newCfg.Relay.DedupWindow) ||
		!reflect.DeepEqual(oldCfg.Relay.Destinations, newCfg.Relay.Destinations) ||
		len(routeChanged) > 0 {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.String("relay.debounce_window", strings.TrimSpace(newCfg.Relay.DebounceWindow)),
			logx.String("relay.dedup_window", strings.TrimSpace(newCfg.Relay.DedupWindow)),
			logx.Int("relay.destination_count", len(newCfg.Relay.Destinations)),
			logx.Int("relay.route_count", len(newCfg.Relay.Routes)),
			logx.Int("relay.routes_changed", len(routeChanged)),
		)
	}

	// Cache
	if oldCfg.Cache.MaxMemoryBytes != newCfg.Cache.MaxMemoryBytes ||
		oldCfg.Cache.MaxItems != newCfg.Cache.MaxItems ||
		strings.TrimSpace(oldCfg.Cache.MappingTTL) != strings.TrimSpace(newCfg.Cache.MappingTTL) ||
		strings.TrimSpace(oldCfg.Cache.MemberTTL) != strings.TrimSpace(newCfg.Cache.MemberTTL) ||
		strings.TrimSpace(oldCfg.Cache.SweepInterval) != strings.TrimSpace(newCfg.Cache.SweepInterval) {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.Int64("cache.max_memory_bytes", newCfg.Cache.MaxMemoryBytes),
			logx.Int("cache.max_items", newCfg.Cache.MaxItems),
			logx.String("cache.mapping_ttl", strings.TrimSpace(newCfg.Cache.MappingTTL)),
			logx.String("cache.member_ttl", strings.TrimSpace(newCfg.Cache.MemberTTL)),
			logx.String("cache.sweep_interval", strings.TrimSpace(newCfg.Cache.SweepInterval)),
		)
	}

	// Batch
	if oldCfg.Batch.Size != newCfg.Batch.Size ||
		strings.TrimSpace(oldCfg.Batch.Timeout) != strings.TrimSpace(newCfg.Batch.Timeout) {
		changed = append(changed, "batch")
		attrs = append(attrs,
			logx.Int("batch.size", newCfg.Batch.Size),
			logx.String("batch.timeout", strings.TrimSpace(newCfg.Batch.Timeout)),
		)
	}

	// Dispatch
	if strings.TrimSpace(oldCfg.Dispatch.Tick) != strings.TrimSpace(newCfg.Dispatch.Tick) ||
		strings.TrimSpace(oldCfg.Dispatch.Window) != strings.TrimSpace(newCfg.Dispatch.Window) ||
		oldCfg.Dispatch.RatePerWindow != newCfg.Dispatch.RatePerWindow ||
		oldCfg.Dispatch.Burst != newCfg.Dispatch.Burst ||
		oldCfg.Dispatch.Parallelism != newCfg.Dispatch.Parallelism ||
		oldCfg.Dispatch.QueueSize != newCfg.Dispatch.QueueSize ||
		strings.TrimSpace(oldCfg.Dispatch.DrainTimeout) != strings.TrimSpace(newCfg.Dispatch.DrainTimeout) ||
		oldCfg.Dispatch.Attachments != newCfg.Dispatch.Attachments {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.tick", strings.TrimSpace(newCfg.Dispatch.Tick)),
			logx.String("dispatch.window", strings.TrimSpace(newCfg.Dispatch.Window)),
			logx.Int("dispatch.rate_per_window", newCfg.Dispatch.RatePerWindow),
			logx.Int("dispatch.burst", newCfg.Dispatch.Burst),
			logx.Int("dispatch.parallelism", newCfg.Dispatch.Parallelism),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) ||
		strings.TrimSpace(oldCfg.Storage.Retention) != strings.TrimSpace(newCfg.Storage.Retention) ||
		strings.TrimSpace(oldCfg.Storage.MaintenanceInterval) != strings.TrimSpace(newCfg.Storage.MaintenanceInterval) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
			logx.String("storage.retention", strings.TrimSpace(newCfg.Storage.Retention)),
			logx.String("storage.maintenance_interval", strings.TrimSpace(newCfg.Storage.MaintenanceInterval)),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops.Enabled != newCfg.Ops.Enabled ||
		strings.TrimSpace(oldCfg.Ops.Addr) != strings.TrimSpace(newCfg.Ops.Addr) ||
		oldCfg.Ops.Pprof != newCfg.Ops.Pprof ||
		oldCfg.Ops.AllowInsecure != newCfg.Ops.AllowInsecure ||
		strings.TrimSpace(oldCfg.Ops.ReadTimeout) != strings.TrimSpace(newCfg.Ops.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Ops.WriteTimeout) != strings.TrimSpace(newCfg.Ops.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Ops.IdleTimeout) != strings.TrimSpace(newCfg.Ops.IdleTimeout) ||
		oldCfg.Ops.MutexProfileFraction != newCfg.Ops.MutexProfileFraction ||
		oldCfg.Ops.BlockProfileRate != newCfg.Ops.BlockProfileRate ||
		oldCfg.Ops.MemProfileRate != newCfg.Ops.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Ops.Token) != "") != (strings.TrimSpace(newCfg.Ops.Token) != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	// Alert (never log token or chat id)
	oA := derefAlert(oldCfg.Alert)
	nA := derefAlert(newCfg.Alert)
	if (oldCfg.Alert != nil) != (newCfg.Alert != nil) || oA != nA {
		changed = append(changed, "alert")
		attrs = append(attrs,
			logx.Bool("alert.present", newCfg.Alert != nil),
			logx.Bool("alert.enabled", nA.Enabled),
			logx.Bool("alert.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.Bool("alert.chat_id_set", nA.ChatID != 0),
			logx.String("alert.check_interval", strings.TrimSpace(nA.CheckInterval)),
			logx.Int("alert.error_burst", nA.ErrorBurst),
		)
	}

	sort.Strings(changed)
	return changed, attrs, routeChanged
}

func derefAlert(a *AlertConfig) AlertConfig {
	if a == nil {
		return AlertConfig{}
	}
	return *a
}

func diffRoutes(oldM, newM map[string]string) []string {
	if oldM == nil {
		oldM = map[string]string{}
	}
	if newM == nil {
		newM = map[string]string{}
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for ch := range set {
		oDest, oOK := oldM[ch]
		nDest, nOK := newM[ch]
		if oOK != nOK || oDest != nDest {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}
