// Package scheduler fires ticks at a target interval, shortening each wait
// by the time the previous tick took.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/logger"
)

// TickFunc is invoked synchronously once per cycle. A non-nil error ends
// the run.
type TickFunc func(ctx context.Context) error

// NextDelay returns max(0, interval - elapsed - epsilon).
func NextDelay(interval, elapsed, epsilon time.Duration) time.Duration {
	d := interval - elapsed - epsilon
	if d < 0 {
		return 0
	}
	return d
}

// Scheduler runs a TickFunc until stopped. A Scheduler runs once.
type Scheduler struct {
	interval time.Duration
	epsilon  time.Duration
	now      func() time.Time
	log      zerolog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stopped  atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}
	ticks    atomic.Uint64

	mu  sync.Mutex
	err error
}

func New(interval, epsilon time.Duration) *Scheduler {
	return &Scheduler{
		interval: interval,
		epsilon:  epsilon,
		now:      time.Now,
		log:      logger.For("scheduler"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run ticks on the calling goroutine and returns when Stop is called, ctx
// is cancelled, or a tick fails. A tick already running when Stop is
// called finishes, but no further tick is scheduled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New().WithMessage(errors.ErrInvalidOperation, "scheduler already ran")
	}
	defer close(s.done)

	err := s.loop(ctx, tick)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return err
}

func (s *Scheduler) loop(ctx context.Context, tick TickFunc) error {
	for {
		if s.stopped.Load() || ctx.Err() != nil {
			return nil
		}

		start := s.now()
		if err := tick(ctx); err != nil {
			return err
		}
		elapsed := s.now().Sub(start)
		n := s.ticks.Add(1)

		if s.stopped.Load() {
			return nil
		}

		delay := NextDelay(s.interval, elapsed, s.epsilon)
		if elapsed > s.interval {
			s.log.Debug().Uint64("tick", n).Dur("elapsed", elapsed).Msg("tick overran interval")
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// Start runs the scheduler on its own goroutine.
func (s *Scheduler) Start(ctx context.Context, tick TickFunc) error {
	if s.started.Load() {
		return errors.New().WithMessage(errors.ErrInvalidOperation, "scheduler already ran")
	}
	go func() { _ = s.Run(ctx, tick) }()
	return nil
}

// Stop cancels any pending tick. It does not wait; use Done for that.
// Safe to call more than once and before Run.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stopCh)
	})
}

// Stopped reports whether Stop has been called.
func (s *Scheduler) Stopped() bool { return s.stopped.Load() }

// Done is closed when Run returns.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Err is the error that ended the run, if any.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ticks is the number of completed ticks.
func (s *Scheduler) Ticks() uint64 { return s.ticks.Load() }
