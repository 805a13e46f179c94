package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./relaybot.log"
)

// Logger writes structured events. A logger handed out by a Service
// follows that service's level and sinks across Apply calls. The zero
// value is a safe no-op.
type Logger struct {
	svc    *Service
	fixed  *zerolog.Logger
	fields []Field
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	nl := zerolog.Nop()
	return Logger{fixed: &nl}
}

func (l Logger) IsZero() bool {
	return l.svc == nil && l.fixed == nil && len(l.fields) == 0
}

// With returns a copy carrying extra fields on every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	l.fields = merged
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) backing() zerolog.Logger {
	if l.svc != nil {
		return l.svc.current()
	}
	if l.fixed != nil {
		return *l.fixed
	}
	return zerolog.Nop()
}

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	e := l.backing().WithLevel(level)
	if e == nil {
		return
	}
	if site := callSite(3); site != "" {
		e.Str(zerolog.CallerFieldName, site)
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// callSite reports file:line of the logging call, basename only.
func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// Service owns the shared sinks and level. Apply reconfigures every
// logger derived from it, including ones created before the call.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service, applies cfg, and returns the root logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

// Logger returns a fresh logger bound to this service.
func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if p := s.root.Load(); p != nil {
		return *p
	}
	return zerolog.Nop()
}

// Apply swaps level and sinks in place. Loggers already handed out
// pick the change up on their next event.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	sinks := make([]io.Writer, 0, 2)
	if cfg.Console {
		sinks = append(sinks, consoleSink())
	}
	if cfg.File.Enabled {
		if f := openLogFile(cfg.File.Path); f != nil {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleSink())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	return nil
}

func consoleSink() io.Writer {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
	// Callers are already short file:line strings; keep them verbatim.
	cw.FormatCaller = func(v any) string {
		s, _ := v.(string)
		return s
	}
	return cw
}

func openLogFile(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultFilePath
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return nil
	}
	return f
}

func parseLevel(raw string, def zerolog.Level) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
