package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "relaybot/pkg/logx"
)

const maintenanceJobTimeout = time.Minute

// maintenance wraps the cron runner for the periodic jobs: cache TTL
// sweeps on the sweep interval, retention pruning and stats collection
// on the maintenance interval.
type maintenance struct {
	c *cron.Cron
}

func (m *maintenance) stop() {
	if m == nil || m.c == nil {
		return
	}
	// Wait for a running job; both jobs are bounded.
	<-m.c.Stop().Done()
}

func (a *App) startMaintenance() {
	set := a.snapshot()
	a.maintMu.Lock()
	defer a.maintMu.Unlock()
	a.startMaintenanceLocked(set.sweepEvery, set.maintainEvery)
}

func (a *App) restartMaintenance(sweep, maint time.Duration) {
	a.maintMu.Lock()
	defer a.maintMu.Unlock()
	if sweep == a.maintSweep && maint == a.maintEvery {
		return
	}
	a.maint.stop()
	a.startMaintenanceLocked(sweep, maint)
	a.log.Info("maintenance schedule updated",
		logx.Duration("sweep", sweep),
		logx.Duration("maintenance", maint))
}

func (a *App) stopMaintenance() {
	a.maintMu.Lock()
	defer a.maintMu.Unlock()
	a.maint.stop()
	a.maint = nil
}

func (a *App) startMaintenanceLocked(sweep, maint time.Duration) {
	c := cron.New()
	if _, err := c.AddFunc("@every "+sweep.String(), a.sweepCaches); err != nil {
		a.log.Error("cache sweep schedule failed", logx.Err(err))
	}
	if _, err := c.AddFunc("@every "+maint.String(), a.storageMaintenance); err != nil {
		a.log.Error("storage maintenance schedule failed", logx.Err(err))
	}
	c.Start()
	a.maint = &maintenance{c: c}
	a.maintSweep = sweep
	a.maintEvery = maint
}

// sweepCaches drops expired mapping, member and duplicate-detector
// entries so idle periods release memory instead of waiting for reads.
func (a *App) sweepCaches() {
	removed := a.mappings.Sweep() + a.members.Sweep() + a.engine.Sweep()
	if removed > 0 {
		a.log.Debug("cache sweep", logx.Int("expired", removed))
	}
}

// storageMaintenance prunes rows past retention and refreshes the
// storage gauges. Bounded so a slow disk cannot pile up cron runs.
func (a *App) storageMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceJobTimeout)
	defer cancel()

	set := a.snapshot()
	if set.retention > 0 {
		cutoff := time.Now().Add(-set.retention)
		removed, err := a.store.PruneBefore(ctx, cutoff)
		if err != nil {
			a.log.Warn("retention prune failed", logx.Err(err))
		} else if removed > 0 {
			a.log.Info("retention prune",
				logx.Int64("removed", removed),
				logx.Duration("retention", set.retention))
		}
	}

	st, err := a.store.Stats(ctx)
	if err != nil {
		a.log.Warn("storage stats failed", logx.Err(err))
		return
	}
	a.reg.Gauge("storage.messages").Set(st.Messages)
	a.reg.Gauge("storage.mapped").Set(st.Mapped)
	a.reg.Gauge("storage.members").Set(st.Members)
	a.reg.Gauge("storage.size_bytes").Set(st.SizeBytes)
}
