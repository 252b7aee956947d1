package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobby-s-dev/weather-radio/internal/audio"
	"github.com/bobby-s-dev/weather-radio/internal/clock"
	"github.com/bobby-s-dev/weather-radio/internal/models"
	"go.uber.org/zap"
)

// Radio keeps one Station per room. The weather source, the track index and
// the preparer are shared; every station has its own cache and scheduler.
type Radio struct {
	resolver  Resolver
	preparer  audio.Preparer
	weather   WeatherSource
	clock     *clock.Deriver
	connector audio.Connector
	announcer Announcer
	cfg       StationConfig
	logger    *zap.Logger

	mu           sync.RWMutex
	stations     map[string]*Station
	lastPlayTime time.Time
	successCount int
	failureCount int
}

func NewRadio(resolver Resolver, preparer audio.Preparer, weather WeatherSource, deriver *clock.Deriver,
	connector audio.Connector, announcer Announcer, cfg StationConfig, logger *zap.Logger) *Radio {
	return &Radio{
		resolver:  resolver,
		preparer:  preparer,
		weather:   weather,
		clock:     deriver,
		connector: connector,
		announcer: announcer,
		cfg:       cfg,
		logger:    logger,
		stations:  make(map[string]*Station),
	}
}

// CheckCurrentKey resolves the key that would play right now and reports
// whether the index has a track for it.
func (r *Radio) CheckCurrentKey(ctx context.Context) (models.CompositeKey, error) {
	key := models.NewCompositeKey(r.weather.Classify(ctx), r.clock.CurrentHourKey())
	if _, ok := r.resolver.Lookup(key); !ok {
		return key, &models.ResourceError{Key: key}
	}
	return key, nil
}

func (r *Radio) Play(ctx context.Context, room string) error {
	if room == "" {
		return fmt.Errorf("room name is required")
	}

	station := r.station(room)
	err := station.Play(ctx)

	r.mu.Lock()
	r.lastPlayTime = r.clock.Now()
	if err != nil {
		r.failureCount++
	} else {
		r.successCount++
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Play failed", zap.String("room", room), zap.Error(err))
	}
	return err
}

func (r *Radio) Leave(ctx context.Context, room string) error {
	station, err := r.lookup(room)
	if err != nil {
		return err
	}
	return station.Leave(ctx)
}

func (r *Radio) Mute(ctx context.Context, room string) error {
	station, err := r.lookup(room)
	if err != nil {
		return err
	}
	return station.Mute(ctx)
}

func (r *Radio) Unmute(ctx context.Context, room string) error {
	station, err := r.lookup(room)
	if err != nil {
		return err
	}
	return station.Unmute(ctx)
}

func (r *Radio) Status(room string) (models.RoomStatus, error) {
	station, err := r.lookup(room)
	if err != nil {
		return models.RoomStatus{}, err
	}
	return station.Status(), nil
}

// Rooms lists every room that has been played at least once, by name.
func (r *Radio) Rooms() []models.RoomStatus {
	r.mu.RLock()
	stations := make([]*Station, 0, len(r.stations))
	for _, s := range r.stations {
		stations = append(stations, s)
	}
	r.mu.RUnlock()

	out := make([]models.RoomStatus, 0, len(stations))
	for _, s := range stations {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Shutdown leaves every active room and waits for their schedulers and
// prefetches to exit.
func (r *Radio) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	stations := make([]*Station, 0, len(r.stations))
	for _, s := range r.stations {
		stations = append(stations, s)
	}
	r.mu.RUnlock()

	var errs []error
	for _, s := range stations {
		if s.Active() {
			if err := s.Leave(ctx); err != nil && !errors.Is(err, models.ErrRoomNotActive) {
				errs = append(errs, err)
			}
		}
		if err := s.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", s.room, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Radio) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make(map[string]interface{}, len(r.stations))
	active := 0
	for name, s := range r.stations {
		if s.Active() {
			active++
		}
		rooms[name] = map[string]interface{}{
			"cache":     s.Cache().GetStats(),
			"scheduler": s.Scheduler().GetStatus(),
		}
	}

	return map[string]interface{}{
		"rooms":          rooms,
		"active_rooms":   active,
		"last_play_time": r.lastPlayTime,
		"success_count":  r.successCount,
		"failure_count":  r.failureCount,
	}
}

func (r *Radio) station(room string) *Station {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stations[room]; ok {
		return s
	}
	logger := r.logger.With(zap.String("room", room))
	cache := NewPrefetchCache(r.resolver, r.preparer, logger)
	s := NewStation(room, cache, r.weather, r.clock, r.connector, r.announcer, r.cfg, r.logger)
	r.stations[room] = s
	return s
}

func (r *Radio) lookup(room string) (*Station, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stations[room]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrRoomNotActive, room)
	}
	return s, nil
}
