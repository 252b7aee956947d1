package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobby-s-dev/weather-radio/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// justBefore is 20ms before 10:00 local time.
func justBefore() time.Time {
	return time.Date(2024, 6, 12, 10, 0, 0, 0, time.Local).Add(-20 * time.Millisecond)
}

func counter(n *int32) RolloverFunc {
	return func(ctx context.Context) error {
		atomic.AddInt32(n, 1)
		return nil
	}
}

func TestSchedulerFiresAfterBoundary(t *testing.T) {
	var fired int32
	d := clock.NewWithNow(justBefore)
	s := NewScheduler("lobby", d, 10*time.Millisecond, counter(&fired), zap.NewNop())

	s.Start()
	defer s.Stop()

	want := time.Date(2024, 6, 12, 10, 0, 0, 0, time.Local).Add(10 * time.Millisecond)
	assert.True(t, s.NextRun().Equal(want), "next run %v", s.NextRun())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerRearmsEveryCycle(t *testing.T) {
	var fired int32
	// the fake clock never advances, so each re-arm waits the same 30ms
	d := clock.NewWithNow(justBefore)
	s := NewScheduler("lobby", d, 10*time.Millisecond, counter(&fired), zap.NewNop())

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerStopCancelsPendingTimer(t *testing.T) {
	var fired int32
	d := clock.NewWithNow(func() time.Time {
		return time.Date(2024, 6, 12, 10, 0, 1, 0, time.Local)
	})
	s := NewScheduler("lobby", d, DefaultOffset, counter(&fired), zap.NewNop())

	s.Start()
	assert.True(t, s.Running())
	s.Stop()
	assert.False(t, s.Running())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	assert.True(t, s.NextRun().IsZero())
}

func TestSchedulerRestartReplacesPrevious(t *testing.T) {
	var fired int32
	d := clock.NewWithNow(justBefore)
	s := NewScheduler("lobby", d, 100*time.Millisecond, counter(&fired), zap.NewNop())

	s.Start()
	s.Start()
	s.Start()

	// three arms, one loop: a single firing per cycle
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestSchedulerRecordsFailures(t *testing.T) {
	var fired int32
	d := clock.NewWithNow(justBefore)
	s := NewScheduler("lobby", d, 10*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt32(&fired, 1)
		return errors.New("sink gone")
	}, zap.NewNop())

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		status := s.GetStatus()
		return status["failures"].(int) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "sink gone", s.GetStatus()["last_error"])
}

func TestSchedulerForceRun(t *testing.T) {
	var fired int32
	d := clock.NewWithNow(func() time.Time {
		return time.Date(2024, 6, 12, 10, 0, 1, 0, time.Local)
	})
	s := NewScheduler("lobby", d, DefaultOffset, counter(&fired), zap.NewNop())

	s.ForceRun()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired), "not armed")

	s.Start()
	defer s.Stop()
	s.ForceRun()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 5*time.Millisecond)
}
