// Package alert raises operator notifications over Telegram when the
// relay's error counters climb faster than a configured threshold.
//
// The watcher polls the metrics registry on a fixed interval, compares
// counter deltas against the burst threshold, and goes quiet for a
// cooldown after each alert so a sustained failure does not flood the
// operator chat.
package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/metrics"
	logx "relaybot/pkg/logx"
)

const (
	defaultCheckInterval = time.Minute
	defaultErrorBurst    = 10
	defaultCooldown      = 15 * time.Minute

	sendTimeout = 10 * time.Second
)

// watchedCounters are the failure counters that feed the threshold.
// Everything here is local and non-fatal by design; the alert exists so
// an operator notices when "non-fatal" becomes "constant".
var watchedCounters = []string{
	"relay.errors",
	"relay.mapping_write_failures",
	"dispatch.failed",
	"dispatch.dropped",
	"storage.batch_errors",
}

// Sender delivers one alert text. Implemented by the Telegram sender;
// tests substitute their own.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// NewTelegramSender builds a send-only Telegram client. The bot is never
// started; only Send is used, so no poller is configured.
func NewTelegramSender(token string, chatID int64) (Sender, error) {
	bot, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, fmt.Errorf("alert: telegram bot: %w", err)
	}
	return &telegramSender{bot: bot, chat: &tele.Chat{ID: chatID}}, nil
}

type telegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func (t *telegramSender) Send(ctx context.Context, text string) error {
	done := make(chan error, 1)
	go func() { _, err := t.bot.Send(t.chat, text); done <- err }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config tunes the watcher. Durations arrive already parsed.
type Config struct {
	CheckInterval time.Duration
	ErrorBurst    int
	Cooldown      time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.ErrorBurst <= 0 {
		c.ErrorBurst = defaultErrorBurst
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	return c
}

// Service watches the registry and alerts through the sender.
type Service struct {
	sender Sender
	reg    *metrics.Registry
	log    logx.Logger
	now    func() time.Time

	mu            sync.Mutex
	cfg           Config
	last          map[string]int64
	cooldownUntil time.Time

	sent       *metrics.Counter
	suppressed *metrics.Counter
	failures   *metrics.Counter
}

// Option mutates service construction.
type Option func(*Service)

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, sender Sender, reg *metrics.Registry, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		reg:    reg,
		log:    log,
		now:    time.Now,
		cfg:    cfg.withDefaults(),
		last:   make(map[string]int64),

		sent:       reg.Counter("alert.sent"),
		suppressed: reg.Counter("alert.suppressed"),
		failures:   reg.Counter("alert.send_failures"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply installs reloaded thresholds. The check interval takes effect
// on the next Run tick cycle.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Run polls until ctx is cancelled. Meant to run under the supervisor.
func (s *Service) Run(ctx context.Context) {
	// Baseline the counters so a restart does not alert on the totals
	// accumulated before it.
	s.mu.Lock()
	for name, v := range s.snapshotWatched() {
		s.last[name] = v
	}
	interval := s.cfg.CheckInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx)
			s.mu.Lock()
			cur := s.cfg.CheckInterval
			s.mu.Unlock()
			if cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		}
	}
}

// check compares watched counters against their previous values and
// alerts when the aggregate delta reaches the burst threshold.
func (s *Service) check(ctx context.Context) {
	now := s.now()
	values := s.snapshotWatched()

	s.mu.Lock()
	cfg := s.cfg
	var total int64
	deltas := make(map[string]int64, len(values))
	for name, v := range values {
		d := v - s.last[name]
		if d > 0 {
			deltas[name] = d
			total += d
		}
		s.last[name] = v
	}
	inCooldown := now.Before(s.cooldownUntil)
	fire := total >= int64(cfg.ErrorBurst)
	if fire && !inCooldown {
		s.cooldownUntil = now.Add(cfg.Cooldown)
	}
	s.mu.Unlock()

	if !fire {
		return
	}
	if inCooldown {
		s.suppressed.Inc()
		s.log.Debug("alert.suppressed", logx.Int64("failures", total))
		return
	}

	text := formatAlert(total, cfg.CheckInterval, deltas)
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := s.sender.Send(sendCtx, text)
	cancel()
	if err != nil {
		s.failures.Inc()
		s.log.Warn("alert.send_failed", logx.Err(err), logx.Int64("failures", total))
		return
	}
	s.sent.Inc()
	s.log.Info("alert.sent", logx.Int64("failures", total), logx.Duration("window", cfg.CheckInterval))
}

func (s *Service) snapshotWatched() map[string]int64 {
	snap := s.reg.Snapshot()
	out := make(map[string]int64, len(watchedCounters))
	for _, name := range watchedCounters {
		out[name] = snap.Counters[name]
	}
	return out
}

func formatAlert(total int64, window time.Duration, deltas map[string]int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "relaybot: %d failures in the last %s", total, window)
	names := make([]string, 0, len(deltas))
	for name := range deltas {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n%s +%d", name, deltas[name])
	}
	return b.String()
}
