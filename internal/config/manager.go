package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "relaybot/pkg/logx"
)

const (
	// reloadDebounce absorbs the write bursts editors and atomic-save
	// tools produce for a single logical change.
	reloadDebounce = 250 * time.Millisecond
	// validateTimeout bounds the validator hook during hot reload.
	validateTimeout = 5 * time.Second

	watchRetryMin = 500 * time.Millisecond
	watchRetryMax = 10 * time.Second
)

// ConfigManager loads the config file, keeps the committed copy, and
// republishes it to subscribers when the file changes on disk.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu also serializes publish against Unsubscribe's close.
	subsMu sync.Mutex
	subs   []chan *Config

	timerMu     sync.Mutex
	reloadTimer *time.Timer

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Watch runs before committing a
// changed file. A rejected config keeps the previous one in force.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the config file without committing
// it. Environment overrides are applied last so they win on every
// reload, not only at startup.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, format, err := jsonForm(m.path, raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
	case nil:
		return nil, errors.New("invalid config: trailing data")
	default:
		return nil, err
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is Parse plus Commit, for startup.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Subscribe returns a channel that receives each committed config.
// Pair it with Unsubscribe; the manager closes the channel there.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs[i] = m.subs[len(m.subs)-1]
			m.subs = m.subs[:len(m.subs)-1]
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Two attempts: a full buffer sheds its oldest entry first so
		// the subscriber always ends up holding the newest config.
		for attempt := 0; ; attempt++ {
			select {
			case ch <- cfg:
			default:
				if attempt == 0 {
					select {
					case <-ch:
					default:
					}
					continue
				}
				if !m.log.IsZero() {
					m.log.Debug("config update dropped, subscriber stalled",
						logx.Int("buffer", cap(ch)))
				}
			}
			break
		}
	}
}

// Watch follows the config file until ctx ends. The parent directory
// is watched rather than the file itself so atomic renames keep
// working. A broken watcher is rebuilt with capped backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	retry := watchRetryMin

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config watch setup failed",
					logx.String("dir", dir), logx.Err(err))
			}
			if !sleepCtx(ctx, retry) {
				return nil
			}
			retry = min(retry*2, watchRetryMax)
			continue
		}
		retry = watchRetryMin
		if !m.log.IsZero() {
			m.log.Debug("config watcher started", logx.String("path", m.path))
		}

		stop := m.runWatcher(ctx, w)
		_ = w.Close()
		if stop {
			return nil
		}
		if !m.log.IsZero() {
			m.log.Warn("config watcher stopped, restarting",
				logx.String("dir", dir), logx.Duration("backoff", retry))
		}
		if !sleepCtx(ctx, retry) {
			return nil
		}
		retry = min(retry*2, watchRetryMax)
	}
	return nil
}

// runWatcher consumes one watcher until it breaks or ctx ends. It
// returns true when Watch should exit instead of rebuilding.
func (m *ConfigManager) runWatcher(ctx context.Context, w *fsnotify.Watcher) bool {
	base := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			// Match on basename; editors report renames and temp-file
			// shuffles with varying path forms.
			if strings.EqualFold(filepath.Base(ev.Name), base) {
				m.scheduleReload(ctx)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			switch {
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; reload once regardless.
				m.scheduleReload(ctx)
			case errors.Is(err, fsnotify.ErrClosed):
				return false
			default:
				if !m.log.IsZero() {
					m.log.Warn("config watch error", logx.Err(err))
				}
			}
		}
	}
}

// scheduleReload arms (or re-arms) the debounce timer.
func (m *ConfigManager) scheduleReload(ctx context.Context) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.reloadTimer == nil {
		m.reloadTimer = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
		return
	}
	m.reloadTimer.Reset(reloadDebounce)
}

// reload runs after the debounce window: parse, skip unchanged
// content, validate, then commit and publish.
func (m *ConfigManager) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg, err := m.Parse()
	if err != nil {
		if !m.log.IsZero() {
			m.log.Warn("config parse failed, keeping previous",
				logx.String("path", m.path), logx.Err(err))
		}
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config rejected, keeping previous",
					logx.String("path", m.path), logx.Err(err))
			}
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	if !m.log.IsZero() {
		m.log.Info("config file change committed", logx.String("path", m.path))
	}
}

// sleepCtx waits d or until ctx ends; false means ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
