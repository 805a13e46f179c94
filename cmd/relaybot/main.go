package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaybot/internal/app"
)

const stopTimeout = 30 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	// Under a systemd Type=notify unit, report readiness and feed the
	// watchdog. Both calls are no-ops outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	stopWatchdog := startWatchdog(ctx)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			reason = app.StopFatalError
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopWatchdog()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

// startWatchdog pings the systemd watchdog at half the configured
// interval. The returned stop func and the pings are no-ops when
// WATCHDOG_USEC is absent.
func startWatchdog(ctx context.Context) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
