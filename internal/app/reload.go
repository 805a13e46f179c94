package app

import (
	"context"
	"strings"

	"relaybot/internal/config"
	logx "relaybot/pkg/logx"
)

// reloadLoop consumes published configs until ctx is done. Bursts are
// coalesced so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, routesChanged := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}
			a.applyConfig(ctx, newCfg, routesChanged)
			a.log.Info("config reloaded",
				append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
		}
	}
}

// applyConfig fans a validated config out to every component with a
// live tunable surface. Construction-time settings (storage path, batch
// sizing, dispatch parallelism, source token) are reported but need a
// restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config, routesChanged []string) {
	set, err := buildSettings(cfg)
	if err != nil {
		// Watch validates before publishing, so this is unreachable in
		// practice; guard anyway so a future validator gap cannot crash
		// the reload loop.
		a.log.Warn("reload rejected", logx.Err(err))
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	prev := a.swapSettings(set)

	a.engine.Apply(set.relay)
	a.queue.Apply(set.dispatch)

	if set.cacheMaxBytes != prev.cacheMaxBytes || set.cacheMaxItems != prev.cacheMaxItems {
		a.mappings.Resize(set.cacheMaxBytes, set.cacheMaxItems)
		a.members.Resize(set.cacheMaxBytes, set.cacheMaxItems)
	}

	if a.src != nil && len(routesChanged) > 0 {
		a.src.ApplyChannels(routedChannels(set.relay.Routes))
		a.log.Info("source channel filter updated",
			logx.Int("channels", len(set.relay.Routes)),
			logx.Int("changed", len(routesChanged)))
	}

	a.opsSrv.Reconfigure(ctx, set.ops)

	if a.alerts != nil {
		a.alerts.Apply(set.alert)
	}

	if set.sweepEvery != prev.sweepEvery || set.maintainEvery != prev.maintainEvery {
		a.restartMaintenance(set.sweepEvery, set.maintainEvery)
	}

	if set.store != prev.store ||
		set.batchSize != prev.batchSize || set.batchTimeout != prev.batchTimeout {
		a.log.Warn("storage/batch settings changed; restart required to take effect")
	}
}
