package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobby-s-dev/weather-radio/internal/audio"
	"github.com/bobby-s-dev/weather-radio/internal/clock"
	"github.com/bobby-s-dev/weather-radio/internal/models"
	"github.com/bobby-s-dev/weather-radio/internal/scheduler"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type WeatherSource interface {
	Classify(ctx context.Context) models.WeatherClass
}

type Announcer interface {
	Notify(ctx context.Context, room, text string) error
}

type StationConfig struct {
	Volume         float64
	Loop           bool
	RolloverOffset time.Duration
}

// Station is one playback context: a room, the sink playing into it, its
// prefetch cache and the scheduler that rolls it over every hour.
//
// The station owns the sink. The scheduler only holds a callback into
// Rollover, which re-checks the session before touching anything, so leaving
// never has to wait on a pending or in-flight tick.
type Station struct {
	room      string
	cache     *PrefetchCache
	weather   WeatherSource
	clock     *clock.Deriver
	connector audio.Connector
	announcer Announcer
	cfg       StationConfig
	logger    *zap.Logger
	sched     *scheduler.Scheduler

	// opMu serializes Play and Rollover; mu guards the fields below.
	opMu sync.Mutex
	// bg tracks next-hour prefetches running for the session.
	bg sync.WaitGroup

	mu         sync.Mutex
	active     bool
	session    string
	sessionCtx context.Context
	endSession context.CancelFunc
	sink       audio.Sink
	handle     audio.PlaybackHandle
	key        models.CompositeKey
	weatherAt  models.WeatherClass
	muted      bool
	startedAt  time.Time
}

func NewStation(room string, cache *PrefetchCache, weather WeatherSource, deriver *clock.Deriver,
	connector audio.Connector, announcer Announcer, cfg StationConfig, logger *zap.Logger) *Station {
	s := &Station{
		room:      room,
		cache:     cache,
		weather:   weather,
		clock:     deriver,
		connector: connector,
		announcer: announcer,
		cfg:       cfg,
		logger:    logger.With(zap.String("room", room)),
		weatherAt: models.Unknown,
	}
	s.sched = scheduler.NewScheduler(room, deriver, cfg.RolloverOffset, s.Rollover, logger)
	return s
}

// Play joins the room if needed and starts the track for the current hour and
// weather. Calling it on a playing station re-resolves the key and replaces
// the track without reconnecting.
func (s *Station) Play(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()

	joined := false
	if sink == nil {
		var err error
		sink, err = s.connector.Join(ctx, s.room)
		if err != nil {
			s.notify(ctx, "Error joining the room")
			return fmt.Errorf("%w: %s: %v", models.ErrPlaybackJoinFailed, s.room, err)
		}
		joined = true
	}

	weather := s.weather.Classify(ctx)
	key := models.NewCompositeKey(weather, s.clock.CurrentHourKey())

	res, err := s.cache.GetOrPrepare(ctx, key)
	if err != nil {
		s.notify(ctx, fmt.Sprintf("Could not play %s: %v", key, err))
		if joined {
			s.disconnect()
		}
		return err
	}

	s.mu.Lock()
	if !joined && s.sink != sink {
		// left while we were preparing
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrRoomNotActive, s.room)
	}
	handle, err := sink.Play(res)
	if err != nil {
		s.mu.Unlock()
		if joined {
			s.disconnect()
		}
		return fmt.Errorf("failed to start playback of %s: %w", key, err)
	}
	s.applyPolicyLocked(handle)
	if joined {
		s.session = uuid.NewString()
		s.startedAt = s.clock.Now()
		s.sessionCtx, s.endSession = context.WithCancel(context.Background())
	}
	s.active = true
	s.sink = sink
	s.handle = handle
	s.key = key
	s.weatherAt = weather
	session := s.session

	// armed in the same critical section that marks the station active, so a
	// Leave either sees the running scheduler or happened before Play got here
	if s.sched.Running() {
		s.logger.Debug("Replacing armed scheduler", zap.Error(models.ErrSchedulerConflict))
	}
	s.sched.Start()
	s.startPrefetchLocked(weather)
	s.mu.Unlock()

	s.logger.Info("Playback started",
		zap.String("session_id", session),
		zap.String("key", string(key)),
		zap.Stringer("weather", weather))

	if joined {
		s.notify(ctx, fmt.Sprintf("Joined %s at %s", s.room, s.clock.Now().Format(time.RFC1123)))
	}
	return nil
}

// Rollover is the hour boundary handler. A tick that lands after the station
// stopped, or after a new session replaced the one it was armed for, does
// nothing.
func (s *Station) Rollover(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		s.logger.Debug("Rollover on inactive station ignored")
		return nil
	}
	session := s.session
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil
	}

	weather := s.weather.Classify(ctx)
	hour := s.clock.CurrentHourKey()
	key := models.NewCompositeKey(weather, hour)

	res, err := s.cache.Rotate(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.notify(ctx, fmt.Sprintf("Could not play %s: %v", key, err))
		return fmt.Errorf("rollover to %s: %w", key, err)
	}

	s.mu.Lock()
	if !s.active || s.session != session {
		s.mu.Unlock()
		return nil
	}
	handle, err := s.sink.Play(res)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to swap playback to %s: %w", key, err)
	}
	s.applyPolicyLocked(handle)
	s.handle = handle
	s.key = key
	s.weatherAt = weather
	s.startPrefetchLocked(weather)
	s.mu.Unlock()

	s.notify(ctx, fmt.Sprintf("It is now %d o'clock!", hour.Hour()))
	return nil
}

// Leave stops the scheduler and tears the sink down.
func (s *Station) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrRoomNotActive, s.room)
	}
	session := s.session
	s.active = false
	s.sink = nil
	s.handle = nil
	s.session = ""
	s.endSession()
	s.mu.Unlock()

	s.sched.Stop()
	s.disconnect()

	s.logger.Info("Playback stopped", zap.String("session_id", session))
	s.notify(ctx, "Left room")
	return nil
}

func (s *Station) Mute(ctx context.Context) error {
	return s.setMuted(ctx, true)
}

func (s *Station) Unmute(ctx context.Context) error {
	return s.setMuted(ctx, false)
}

func (s *Station) setMuted(ctx context.Context, muted bool) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrRoomNotActive, s.room)
	}
	if s.muted == muted {
		s.mu.Unlock()
		if muted {
			s.notify(ctx, "Already muted")
		}
		return nil
	}
	s.muted = muted
	err := s.handle.SetVolume(s.volumeLocked())
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to change volume: %w", err)
	}
	if muted {
		s.notify(ctx, "Now muted")
	} else {
		s.notify(ctx, "Unmuted")
	}
	return nil
}

func (s *Station) Status() models.RoomStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := models.RoomStatus{
		Room:    s.room,
		Active:  s.active,
		Weather: s.weatherAt,
		Volume:  s.volumeLocked(),
		Muted:   s.muted,
		Looping: s.cfg.Loop,
	}
	if !s.active {
		return status
	}
	status.SessionID = s.session
	status.Key = s.key
	status.StartedAt = s.startedAt
	status.Uptime = s.clock.Now().Sub(s.startedAt)
	status.NextRun = s.sched.NextRun()
	if next, ok := s.cache.PendingNext(); ok {
		status.NextKey = next.Key
	}
	return status
}

func (s *Station) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Station) Scheduler() *scheduler.Scheduler {
	return s.sched
}

func (s *Station) Cache() *PrefetchCache {
	return s.cache
}

// Wait blocks until the scheduler loop and any background prefetch have
// finished, or ctx ends.
func (s *Station) Wait(ctx context.Context) error {
	if err := s.sched.Wait(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startPrefetchLocked prepares the next hour off the request path. The
// prefetch is bound to the session and stops when the station leaves.
func (s *Station) startPrefetchLocked(weather models.WeatherClass) {
	ctx := s.sessionCtx
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.prefetch(ctx, weather)
	}()
}

func (s *Station) prefetch(ctx context.Context, weather models.WeatherClass) {
	if err := s.cache.EnsureNextPrepared(ctx, weather); err != nil {
		if ctx.Err() != nil {
			s.logger.Debug("Prefetch abandoned, session ended")
			return
		}
		fields := []zap.Field{zap.Error(err)}
		var resErr *models.ResourceError
		if errors.As(err, &resErr) {
			fields = append(fields, zap.String("key", string(resErr.Key)))
		}
		s.logger.Warn("Prefetch of next hour failed", fields...)
	}
}

func (s *Station) disconnect() {
	if err := s.connector.Leave(s.room); err != nil {
		s.logger.Warn("Failed to leave room", zap.Error(err))
	}
}

func (s *Station) notify(ctx context.Context, text string) {
	if err := s.announcer.Notify(ctx, s.room, text); err != nil {
		s.logger.Warn("Announcement failed", zap.Error(err), zap.String("text", text))
	}
}

func (s *Station) volumeLocked() float64 {
	if s.muted {
		return 0
	}
	return s.cfg.Volume
}

// applyPolicyLocked carries volume and loop settings over to a new handle.
func (s *Station) applyPolicyLocked(h audio.PlaybackHandle) {
	if err := h.SetVolume(s.volumeLocked()); err != nil {
		s.logger.Warn("Failed to set volume", zap.Error(err))
	}
	var err error
	if s.cfg.Loop {
		err = h.EnableLoop()
	} else {
		err = h.DisableLoop()
	}
	if err != nil {
		s.logger.Warn("Failed to set loop policy", zap.Error(err))
	}
}
