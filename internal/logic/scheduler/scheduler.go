// Package scheduler runs a step function at a fixed period on one dedicated
// goroutine.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/cjeanneret/drivebase/internal/debug"
)

// ErrRunning is returned by Start on a scheduler that is already running.
var ErrRunning = errors.New("scheduler: already running")

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, e.g. with clock.NewMock() in tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithName labels log output.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// Scheduler calls step once per period. Steps never overlap. A step that
// runs longer than the period is counted as an overrun and the ticks it
// covered are dropped, not replayed.
type Scheduler struct {
	name   string
	period time.Duration
	step   func()
	clock  clock.Clock

	running  atomic.Bool
	ticks    atomic.Uint64
	overruns atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped scheduler.
func New(period time.Duration, step func(), opts ...Option) (*Scheduler, error) {
	if period <= 0 {
		return nil, errors.Errorf("scheduler: period must be > 0, got %v", period)
	}
	if step == nil {
		return nil, errors.New("scheduler: nil step")
	}
	s := &Scheduler{
		name:   "control",
		period: period,
		step:   step,
		clock:  clock.New(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start launches the loop. It runs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return errors.Wrap(ErrRunning, s.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := s.clock.Ticker(s.period)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.loop(ctx, ticker, s.done)
	debug.Verbose("Scheduler %s started, period %v", s.name, s.period)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)
	defer ticker.Stop()
	defer s.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		start := s.clock.Now()
		s.step()
		n := s.ticks.Inc()
		if elapsed := s.clock.Since(start); elapsed > s.period {
			s.overruns.Inc()
			debug.Live("Scheduler %s: tick %d overran (%v > %v)", s.name, n, elapsed, s.period)
		}
	}
}

// Stop ends the loop and waits for the current step to finish. It is a
// no-op on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	debug.Verbose("Scheduler %s stopped after %d ticks", s.name, s.ticks.Load())
}

func (s *Scheduler) Running() bool    { return s.running.Load() }
func (s *Scheduler) Ticks() uint64    { return s.ticks.Load() }
func (s *Scheduler) Overruns() uint64 { return s.overruns.Load() }
func (s *Scheduler) Period() time.Duration {
	return s.period
}
