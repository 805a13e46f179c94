// Package supervisor runs the pipeline's long-lived goroutines under
// one shared context: named tasks, panic capture, first-error
// propagation, and bounded shutdown waiting.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// restartHealthyRun is how long a task must run before a failure
// resets the restart backoff ladder.
const restartHealthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg sync.WaitGroup

	errMu    sync.Mutex
	firstErr error

	waitOnce sync.Once
	done     chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context as soon as any task
// fails, so the rest of the pipeline unwinds instead of running
// half-alive.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel stops the shared context without waiting for tasks to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first task failure, nil while everything is healthy.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

// Go starts fn as a named task. A non-nil return that is not plain
// context cancellation counts as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.log.IsZero() {
			s.log.Debug("task started", logx.String("task", name))
		}
		err := s.invoke(name, fn)
		if err != nil {
			s.fail(name, err)
		}
		if !s.log.IsZero() {
			s.log.Debug("task stopped", logx.String("task", name), logx.Err(err))
		}
	}()
}

// Go0 is Go for tasks with no error to report.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// invoke runs fn once under the shared context. Panics become errors;
// context.Canceled is mapped to a clean nil exit.
func (s *Supervisor) invoke(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if !s.log.IsZero() {
				s.log.Error("task panicked",
					logx.String("task", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	err = fn(s.ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (s *Supervisor) fail(name string, err error) {
	wrapped := fmt.Errorf("%s: %w", name, err)
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = wrapped
	}
	s.errMu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff time.Duration
	maxBackoff time.Duration
}

// WithRestartBackoff sets the backoff window between restarts.
func WithRestartBackoff(minB, maxB time.Duration) RestartOption {
	return func(c *restartCfg) {
		if minB > 0 {
			c.minBackoff = minB
		}
		if maxB > 0 {
			c.maxBackoff = maxB
		}
	}
}

// GoRestart keeps fn running until the context ends, restarting it
// after errors or panics with jittered exponential backoff. A clean
// nil exit stops the loop. Meant for connectors and watchers that
// should self-heal through transient failures.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name, func(ctx context.Context) {
		backoff := cfg.minBackoff
		for {
			if ctx.Err() != nil {
				return
			}
			startedAt := time.Now()
			err := s.invoke(name, fn)
			if ctx.Err() != nil || err == nil {
				return
			}
			if time.Since(startedAt) >= restartHealthyRun {
				backoff = cfg.minBackoff
			}

			wait := backoff + rand.N(backoff/5+1)
			if !s.log.IsZero() {
				s.log.Warn("task restarting",
					logx.String("task", name),
					logx.Duration("backoff", wait),
					logx.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

// Wait blocks until every task has exited or ctx gives up, returning
// the first failure in the former case.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
