package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobby-s-dev/weather-radio/internal/clock"
	"github.com/bobby-s-dev/weather-radio/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultOffset  = 500 * time.Millisecond
	defaultTimeout = 2 * time.Minute
)

// RolloverFunc is called once per hour boundary. It must check on its own
// whether the playback it belongs to is still alive.
type RolloverFunc func(ctx context.Context) error

// Scheduler fires a RolloverFunc just after every top of the hour. The timer
// is single-shot and re-armed from the wall clock after each firing, so it
// never drifts away from the boundary.
type Scheduler struct {
	room    string
	clock   *clock.Deriver
	offset  time.Duration
	timeout time.Duration
	onFire  RolloverFunc
	logger  *zap.Logger

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	lastRun  time.Time
	nextRun  time.Time
	fires    int
	failures int
	lastErr  string
}

func NewScheduler(room string, deriver *clock.Deriver, offset time.Duration, onFire RolloverFunc, logger *zap.Logger) *Scheduler {
	if offset <= 0 {
		offset = DefaultOffset
	}
	return &Scheduler{
		room:    room,
		clock:   deriver,
		offset:  offset,
		timeout: defaultTimeout,
		onFire:  onFire,
		logger:  logger.With(zap.String("room", room)),
	}
}

// Start arms the scheduler. Starting an armed scheduler cancels the pending
// timer first so a room never has two rollovers queued.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("Re-arming rollover scheduler",
			zap.Error(fmt.Errorf("%w for room %s", models.ErrSchedulerConflict, s.room)))
		s.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.ctx, s.cancel, s.done = ctx, cancel, done
	s.running = true

	wait := s.clock.UntilNextHour(s.offset)
	s.nextRun = s.clock.Now().Add(wait)

	s.logger.Info("Rollover scheduler armed",
		zap.Duration("wait", wait),
		zap.Time("next_run", s.nextRun))

	go s.run(ctx, done, wait)
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}, wait time.Duration) {
	defer close(done)

	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// fired, but cancelled in the meantime
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx)

		wait = s.clock.UntilNextHour(s.offset)
		s.mu.Lock()
		if ctx.Err() == nil {
			s.nextRun = s.clock.Now().Add(wait)
		}
		s.mu.Unlock()
		s.logger.Debug("Rollover scheduler re-armed", zap.Duration("wait", wait))
	}
}

func (s *Scheduler) fire(parent context.Context) {
	s.mu.Lock()
	s.lastRun = s.clock.Now()
	s.fires++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	startTime := time.Now()
	s.logger.Info("Hour rollover", zap.String("hour", string(s.clock.CurrentHourKey())))

	if err := s.onFire(ctx); err != nil {
		s.mu.Lock()
		s.failures++
		s.lastErr = err.Error()
		s.mu.Unlock()

		s.logger.Error("Rollover failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(startTime)))
		return
	}

	s.logger.Info("Rollover completed", zap.Duration("duration", time.Since(startTime)))
}

// Stop cancels the pending timer without waiting for an in-flight rollover.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.logger.Info("Stopping rollover scheduler")
	s.cancel()
	s.running = false
	s.nextRun = time.Time{}
}

// Wait blocks until the most recent run loop has exited or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) ForceRun() {
	s.mu.Lock()
	ctx := s.ctx
	running := s.running
	s.mu.Unlock()

	if !running {
		return
	}
	s.logger.Info("Manually triggering rollover")
	go s.fire(ctx)
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) GetStatus() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"running":    s.running,
		"offset":     s.offset.String(),
		"last_run":   s.lastRun,
		"next_run":   s.nextRun,
		"fires":      s.fires,
		"failures":   s.failures,
		"last_error": s.lastErr,
	}
}
