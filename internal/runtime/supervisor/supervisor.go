// Package supervisor runs the long-lived goroutines of the process (HTTP
// server, scheduler, config watcher) under one cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "tgrelay/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context. Panics are
// recovered and reported as errors; the first error is kept.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	active   atomic.Int64
	errOnce  sync.Once
	firstErr atomic.Value // error
	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, doneCh: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Active returns the number of running goroutines.
func (s *Supervisor) Active() int64 { return s.active.Load() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Go runs fn in a goroutine. A returned error other than context.Canceled,
// or a panic, is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		err := s.call(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// GoRestart runs fn and restarts it with exponential backoff when it fails
// or panics, until the context is cancelled. A nil return stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, minBackoff, maxBackoff time.Duration) {
	if fn == nil {
		return
	}
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	s.Go(name, func(ctx context.Context) error {
		backoff := minBackoff
		for {
			started := time.Now()
			err := s.call(name, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if time.Since(started) >= 30*time.Second {
				backoff = minBackoff
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))

			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff = min(backoff*2, maxBackoff)
		}
	})
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.log.Debug("goroutine started", logx.String("name", name))
	return fn(s.ctx)
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done. It returns
// the first recorded error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
