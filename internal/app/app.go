// Package app assembles the relay pipeline from a config file and
// supervises its lifecycle: storage, batch writer, caches, dispatch
// queue, relay engine, source adapter, ops server and alerting, with
// hot reload of the tunable surface.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relaybot/internal/alert"
	"relaybot/internal/cache"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/ops"
	"relaybot/internal/relay"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/sink"
	"relaybot/internal/source/discord"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus eventbus.Bus
	reg *metrics.Registry

	store    storage.Store
	batch    *storage.BatchWriter
	mappings *cache.Cache
	members  *cache.Cache
	queue    *dispatch.Queue
	engine   *relay.Engine
	src      *discord.Adapter
	opsSrv   *ops.Service
	alerts   *alert.Service

	maintMu    sync.Mutex
	maint      *maintenance
	maintSweep time.Duration
	maintEvery time.Duration

	mu  sync.Mutex
	set settings
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	set, err := buildSettings(cfg)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	reg := metrics.NewRegistry()
	bus := eventbus.New()

	store, err := storage.Open(set.store, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		reg:     reg,
		store:   store,
		set:     set,
	}

	a.batch = storage.NewBatchWriter(store, set.batchSize, set.batchTimeout,
		log.With(logx.String("comp", "batch")), reg)

	a.mappings = set.mappingCache(cache.WithMetrics(reg, "cache.mapping"))
	a.members = set.memberCache(cache.WithMetrics(reg, "cache.member"))

	fetcher := sink.NewFetcher(set.fetchMaxBytes, set.fetchPerSec, set.fetchBurst,
		set.fetchTimeout, log.With(logx.String("comp", "fetch")))

	// The delivery callback closes over the app because the engine needs
	// the queue at construction and the queue needs the engine's
	// OnDelivered. Deliveries only happen after Start, when both exist.
	a.queue = dispatch.New(set.dispatch, sink.NewWebhook(log.With(logx.String("comp", "sink"))),
		dispatch.Options{
			Fetch:       fetcher,
			OnDelivered: func(t dispatch.Task, relayedID string) { a.engine.OnDelivered(t, relayedID) },
			Log:         log.With(logx.String("comp", "dispatch")),
			Bus:         bus,
			Metrics:     reg,
		})

	a.engine = relay.New(set.relay, relay.Deps{
		Store:    store,
		Batch:    a.batch,
		Mappings: a.mappings,
		Members:  a.members,
		Queue:    a.queue,
		Log:      log.With(logx.String("comp", "relay")),
		Bus:      bus,
		Metrics:  reg,
	})

	if cfg.Source.Token != "" {
		a.src = discord.New(discord.Config{
			Token:    cfg.Source.Token,
			GuildIDs: cfg.Source.GuildIDs,
			Channels: routedChannels(cfg.Relay.Routes),
		}, a.engine, log.With(logx.String("comp", "source")), reg)
	} else {
		log.Warn("source token not set; running without gateway intake")
	}

	a.opsSrv = ops.New(set.ops, reg, log.With(logx.String("comp", "ops")))

	// Alerting is best-effort: a sender that cannot be built downgrades
	// to a warning instead of failing boot.
	if cfg.Alert != nil && cfg.Alert.Enabled {
		sender, err := alert.NewTelegramSender(cfg.Alert.Token, cfg.Alert.ChatID)
		if err != nil {
			log.Warn("alerting disabled", logx.Err(err))
		} else {
			a.alerts = alert.New(set.alert, sender, reg, log.With(logx.String("comp", "alert")))
		}
	}

	return a, nil
}

// Done is closed when the supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// Transactional reload: a config that fails validation or settings
	// mapping is never committed or published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		_, err := buildSettings(cfg)
		return err
	})

	a.sup.Go("storage.batch", a.batch.Run)
	a.sup.Go0("dispatch.queue", a.queue.Run)

	if a.src != nil {
		// The gateway session self-heals: transient disconnects restart
		// the adapter with backoff instead of taking the app down.
		a.sup.GoRestart("source.discord", a.src.Run,
			supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	a.opsSrv.Reconfigure(a.sup.Context(), a.snapshot().ops)

	if a.alerts != nil {
		a.sup.Go0("alert.watch", a.alerts.Run)
	}

	a.startMaintenance()

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	set := a.snapshot()
	a.log.Info("relaybot started",
		logx.Int("routes", len(set.relay.Routes)),
		logx.Int("destinations", len(set.relay.Destinations)),
		logx.Bool("source", a.src != nil),
		logx.Bool("ops", a.opsSrv.Enabled()),
		logx.Bool("alerting", a.alerts != nil))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so intake and background loops start unwinding:
	// the gateway session closes, the queue ticker stops (tasks stay
	// queued for the drain below), the batch loop runs its final flush.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so a single
	// component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	drain := a.snapshot().drainTimeout

	// Deliver what the budgets still allow; mappings recorded during the
	// drain go through OnDelivered as usual, so the engine stays up
	// until the queue is done.
	step("dispatch.drain", drain+time.Second, func(c context.Context) error {
		dctx, cancel := context.WithTimeout(c, drain)
		defer cancel()
		return a.queue.Drain(dctx)
	})

	step("relay.engine", time.Second, func(context.Context) error {
		a.engine.Close()
		return nil
	})
	step("storage.batch", 6*time.Second, func(c context.Context) error {
		return a.batch.Close(c)
	})
	step("maintenance", 2*time.Second, func(context.Context) error {
		a.stopMaintenance()
		return nil
	})
	step("ops", 2*time.Second, func(c context.Context) error {
		a.opsSrv.Stop(c)
		return nil
	})
	step("supervisor", 3*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})
	step("storage", 2*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	a.mappings.Close()
	a.members.Close()

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) snapshot() settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.set
}

func (a *App) swapSettings(next settings) settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.set
	a.set = next
	return prev
}
