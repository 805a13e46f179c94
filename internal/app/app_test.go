package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"go.uber.org/goleak"

	"relaybot/internal/config"
	"relaybot/internal/source"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
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

// writeTestConfig writes a minimal config: no gateway token, ops disabled,
// one observe-only route and one webhook route that is never exercised.
func writeTestConfig(t *testing.T, dir string) (cfgPath, dbPath string) {
	t.Helper()
	cfgPath = filepath.Join(dir, "config.json")
	dbPath = filepath.Join(dir, "relay.db")
	body := fmt.Sprintf(`{
  "source": {"token": ""},
  "relay": {
    "debounce_window": "20ms",
    "destinations": {"hook": {"webhook_url": "http://127.0.0.1:9/hook"}},
    "routes": {"chan-obs": "", "chan-hook": "hook"}
  },
  "cache": {},
  "batch": {},
  "dispatch": {},
  "storage": {"path": %q},
  "logging": {"level": "error", "console": true, "file": {"enabled": false, "path": ""}},
  "ops": {"enabled": false}
}`, dbPath)
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, dbPath
}

func startTestApp(t *testing.T, cfgPath string) (*App, context.Context) {
	t.Helper()
	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a, ctx
}

func stopTestApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAppLifecycle(t *testing.T) {
	cfgPath, dbPath := writeTestConfig(t, t.TempDir())
	a, ctx := startTestApp(t, cfgPath)

	a.engine.HandleCreate(ctx, source.Message{
		ID:        "m-1",
		ChannelID: "chan-obs",
		AuthorID:  "u-1",
		Content:   "observe this",
		CreatedAt: time.Now(),
	})
	waitFor(t, "observe-only create processed", func() bool {
		return a.reg.Snapshot().Counters["relay.observed"] == 1
	})

	stopTestApp(t, a)
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor still live after Stop")
	}

	// The final batch flush must have landed the row before close.
	st, err := storage.Open(storage.Config{Path: dbPath}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	rec, ok, err := st.FindByOriginalID(context.Background(), "m-1")
	if err != nil || !ok {
		t.Fatalf("find m-1: ok=%v err=%v", ok, err)
	}
	if rec.Content != "observe this" {
		t.Fatalf("content = %q", rec.Content)
	}
	if rec.RelayedID != "" {
		t.Fatalf("observe-only row has relayed id %q", rec.RelayedID)
	}
}

func TestReloadUpdatesRouting(t *testing.T) {
	cfgPath, _ := writeTestConfig(t, t.TempDir())
	a, ctx := startTestApp(t, cfgPath)
	defer stopTestApp(t, a)

	// chan-extra is unrouted, so the engine drops it on arrival.
	a.engine.HandleCreate(ctx, source.Message{
		ID: "x-1", ChannelID: "chan-extra", AuthorID: "u-1",
		Content: "early", CreatedAt: time.Now(),
	})
	if got := a.reg.Snapshot().Counters["relay.ignored"]; got != 1 {
		t.Fatalf("ignored = %d, want 1", got)
	}

	next, err := a.cfgm.Parse()
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	next.Relay.Routes["chan-extra"] = ""
	a.applyConfig(ctx, next, []string{"chan-extra"})

	a.engine.HandleCreate(ctx, source.Message{
		ID: "x-2", ChannelID: "chan-extra", AuthorID: "u-1",
		Content: "after reload", CreatedAt: time.Now(),
	})
	waitFor(t, "rerouted create observed", func() bool {
		return a.reg.Snapshot().Counters["relay.observed"] == 1
	})
}

func TestBuildSettings(t *testing.T) {
	cfg := &config.Config{}
	cfg.Relay.DebounceWindow = "250ms"
	cfg.Relay.Destinations = map[string]config.DestinationConfig{
		"main": {WebhookURL: "https://example.test/hook", RatePerWindow: 5, Burst: 8},
		"slow": {WebhookURL: "https://example.test/slow"},
	}
	cfg.Relay.Routes = map[string]string{"c1": "main", "c2": ""}
	cfg.Cache.MappingTTL = "2h"
	cfg.Dispatch.RatePerWindow = 30
	cfg.Storage.Retention = "72h"

	set, err := buildSettings(cfg)
	if err != nil {
		t.Fatalf("buildSettings: %v", err)
	}
	if set.relay.DebounceWindow != 250*time.Millisecond {
		t.Fatalf("debounce = %v", set.relay.DebounceWindow)
	}
	if set.relay.DedupWindow != 5*time.Second {
		t.Fatalf("dedup default = %v", set.relay.DedupWindow)
	}
	if set.relay.MappingTTL != 2*time.Hour {
		t.Fatalf("mapping ttl = %v", set.relay.MappingTTL)
	}
	if set.relay.Destinations["main"].WebhookURL != "https://example.test/hook" {
		t.Fatal("destination url not carried over")
	}
	ov, ok := set.dispatch.Overrides["main"]
	if !ok || ov.RatePerWindow != 5 || ov.Burst != 8 {
		t.Fatalf("override = %+v (ok=%v)", ov, ok)
	}
	if _, ok := set.dispatch.Overrides["slow"]; ok {
		t.Fatal("destination without rate fields should have no override")
	}
	if set.dispatch.RatePerWindow != 30 {
		t.Fatalf("dispatch rate = %d", set.dispatch.RatePerWindow)
	}
	if set.retention != 72*time.Hour {
		t.Fatalf("retention = %v", set.retention)
	}
	if set.store.Path != "./relaybot.db" {
		t.Fatalf("default store path = %q", set.store.Path)
	}
	if set.drainTimeout != 5*time.Second {
		t.Fatalf("drain default = %v", set.drainTimeout)
	}
	if set.maintainEvery != time.Hour {
		t.Fatalf("maintenance default = %v", set.maintainEvery)
	}
}

func TestBuildSettingsRejectsBadDuration(t *testing.T) {
	cfg := &config.Config{}
	cfg.Relay.DedupWindow = "soon"
	if _, err := buildSettings(cfg); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestRoutedChannels(t *testing.T) {
	got := routedChannels(map[string]string{"a": "x", "b": "", "c": "x"})
	sort.Strings(got)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("channels = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("channels = %v, want %v", got, want)
		}
	}
}
