// Package ops serves the engine's operational HTTP surface: a liveness
// probe, a JSON metrics snapshot, and (optionally) the pprof handlers.
//
// Aggregate counters are the only externally observable signal of the
// relay's failure modes, so /metrics is the endpoint operators watch.
//
// Security:
//   - Prefer binding to localhost (default).
//   - Binding to a non-loopback address requires a token or an explicit
//     AllowInsecure.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"relaybot/internal/metrics"
	logx "relaybot/pkg/logx"
)

// shutdownGrace caps how long Stop waits for in-flight requests, so a
// running pprof profile download cannot stall a config reload.
const shutdownGrace = 5 * time.Second

// Config controls the ops HTTP server. Durations arrive already parsed;
// zero values keep Go defaults.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	// Pprof additionally mounts /debug/pprof/ on the same listener.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Runtime profiling rates. 0 keeps the Go defaults.
	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// Service owns the listener lifecycle. The single mutex serializes
// start/stop transitions, so Reconfigure can never double-listen.
type Service struct {
	mu  sync.Mutex
	cfg Config

	ln        net.Listener
	srv       *http.Server
	serveDone chan struct{}

	reg *metrics.Registry
	log logx.Logger
}

func New(cfg Config, reg *metrics.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, reg: reg, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr reports the actual listen address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start brings the listener up if the config allows it. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked(ctx)
}

// Stop shuts the server down, waiting at most shutdownGrace (or ctx,
// whichever ends first) for in-flight requests.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

// Reconfigure applies cfg, starting, stopping, or restarting the
// server as the diff requires. Runtime profiling rates apply even
// while the server is disabled.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg

	switch {
	case !cfg.Enabled:
		s.stopLocked(ctx)
	case s.srv == nil:
		s.startLocked(ctx)
	case restartNeeded(prev, cfg):
		s.stopLocked(ctx)
		s.startLocked(ctx)
	}
}

func (s *Service) startLocked(ctx context.Context) {
	if s.srv != nil || !s.cfg.Enabled || ctx.Err() != nil {
		return
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if !loopbackHost(addr) && s.cfg.Token == "" {
		if !s.cfg.AllowInsecure {
			s.log.Error("ops refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			return
		}
		s.log.Warn("ops running without token on non-loopback addr (insecure)",
			logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("ops listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	srv := &http.Server{
		Handler:      requireToken(s.cfg.Token, s.routes(s.cfg.Pprof)),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server exited", logx.Err(err))
		}
	}()

	s.ln, s.srv, s.serveDone = ln, srv, done
	s.log.Info("ops started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", s.cfg.Pprof),
		logx.Bool("token_set", s.cfg.Token != ""))
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	if err := s.srv.Shutdown(sctx); err != nil {
		_ = s.srv.Close()
	}
	cancel()
	<-s.serveDone

	s.ln, s.srv, s.serveDone = nil, nil, nil
	s.log.Info("ops stopped")
}

func restartNeeded(prev, next Config) bool {
	return prev.Addr != next.Addr ||
		prev.Token != next.Token ||
		prev.AllowInsecure != next.AllowInsecure ||
		prev.Pprof != next.Pprof ||
		prev.ReadTimeout != next.ReadTimeout ||
		prev.WriteTimeout != next.WriteTimeout ||
		prev.IdleTimeout != next.IdleTimeout
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

func (s *Service) routes(pprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", s.handleMetrics)
	if pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.reg == nil {
		http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.reg.Snapshot()); err != nil {
		s.log.Debug("ops metrics encode failed", logx.Err(err))
	}
}

// requireToken gates every route behind a bearer token or ?token=
// query parameter. An empty token disables the check.
func requireToken(token string, next http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, tok) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized checks the query parameter first; when present it must
// match on its own, a stray wrong value is never rescued by a header.
func authorized(r *http.Request, tok string) bool {
	if q := r.URL.Query().Get("token"); q != "" {
		return q == tok
	}
	const scheme = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, scheme) {
		return strings.TrimSpace(strings.TrimPrefix(h, scheme)) == tok
	}
	return false
}

func loopbackHost(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
