package services

import (
	"context"
	"sync"
	"time"

	"github.com/bobby-s-dev/weather-radio/internal/audio"
	"github.com/bobby-s-dev/weather-radio/internal/models"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// MaxSlots is "now" plus "the immediate next". Keys only move forward in
// time, so anything older than the current slot is never asked for again.
const MaxSlots = 2

type Resolver interface {
	Lookup(key models.CompositeKey) (models.ResourceLocator, bool)
}

type CacheSlot struct {
	Key      models.CompositeKey
	Resource *audio.PreparedResource
}

type CacheStats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Prepares     int64 `json:"prepares"`
	Rotations    int64 `json:"rotations"`
	RotationHits int64 `json:"rotation_hits"`
	Evictions    int64 `json:"evictions"`
	Discarded    int64 `json:"discarded_prefetches"`
}

// PrefetchCache holds the prepared track for the current key in slot 0 and,
// once prefetched, the track for the following hour in slot 1.
//
// Slots are replaced wholesale, never mutated. The state lock is only held
// while slots are inspected or swapped; preparation runs outside it so hit
// path readers never wait on a transcode.
type PrefetchCache struct {
	resolver Resolver
	preparer audio.Preparer
	logger   *zap.Logger

	// fillMu serializes every slot 0 replacement.
	fillMu sync.Mutex
	group  singleflight.Group

	mu    sync.RWMutex
	slots []CacheSlot
	stats CacheStats
}

func NewPrefetchCache(resolver Resolver, preparer audio.Preparer, logger *zap.Logger) *PrefetchCache {
	return &PrefetchCache{
		resolver: resolver,
		preparer: preparer,
		logger:   logger,
		slots:    make([]CacheSlot, 0, MaxSlots),
	}
}

func (c *PrefetchCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}

func (c *PrefetchCache) Current() (CacheSlot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.slots) == 0 {
		return CacheSlot{}, false
	}
	return c.slots[0], true
}

func (c *PrefetchCache) PendingNext() (CacheSlot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.slots) < 2 {
		return CacheSlot{}, false
	}
	return c.slots[1], true
}

// GetOrPrepare returns the resource for key, preparing it on the caller's
// goroutine when slot 0 holds anything else.
func (c *PrefetchCache) GetOrPrepare(ctx context.Context, key models.CompositeKey) (*audio.PreparedResource, error) {
	if res, ok := c.hit(key); ok {
		return res, nil
	}

	c.fillMu.Lock()
	defer c.fillMu.Unlock()

	// filled while we waited for fillMu
	if res, ok := c.hit(key); ok {
		return res, nil
	}

	c.mu.Lock()
	if len(c.slots) == 2 && c.slots[1].Key == key {
		c.promoteLocked()
		res := c.slots[0].Resource
		c.stats.Hits++
		c.mu.Unlock()
		c.logger.Debug("Cache hit on pending slot, promoted", zap.String("key", string(key)))
		return res, nil
	}

	c.stats.Misses++
	var kept *CacheSlot
	if len(c.slots) == 2 && c.slots[1].Key.Follows(key) {
		next := c.slots[1]
		kept = &next
	}
	c.evictLocked(len(c.slots))
	c.mu.Unlock()

	c.logger.Debug("Cache miss", zap.String("key", string(key)))

	res, err := c.prepare(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.slots = append(c.slots[:0], CacheSlot{Key: key, Resource: res})
	if kept != nil {
		c.slots = append(c.slots, *kept)
	}
	c.mu.Unlock()

	return res, nil
}

// EnsureNextPrepared fills slot 1 with the track for the hour after slot 0,
// using weather as the forecast. It does nothing unless exactly one slot is
// held.
func (c *PrefetchCache) EnsureNextPrepared(ctx context.Context, weather models.WeatherClass) error {
	c.mu.RLock()
	if len(c.slots) != 1 {
		c.mu.RUnlock()
		return nil
	}
	current := c.slots[0].Key
	c.mu.RUnlock()

	next := models.NewCompositeKey(weather, current.Hour().Next())

	v, err, _ := c.group.Do(string(next), func() (interface{}, error) {
		return c.prepare(ctx, next)
	})
	if err != nil {
		return err
	}
	res := v.(*audio.PreparedResource)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.slots) != 1 || c.slots[0].Key != current {
		// slot 0 moved on while we were preparing
		c.stats.Discarded++
		c.logger.Debug("Discarding stale prefetch",
			zap.String("key", string(next)),
			zap.String("was_after", string(current)))
		return nil
	}
	c.slots = append(c.slots, CacheSlot{Key: next, Resource: res})
	c.logger.Debug("Next slot prefetched", zap.String("key", string(next)))
	return nil
}

// Rotate moves the cache on to key at an hour boundary. A matching slot 1 is
// promoted for free; otherwise it is dropped and key is prepared from scratch.
// On return slot 0 is key, or the cache is empty and an error is returned.
func (c *PrefetchCache) Rotate(ctx context.Context, key models.CompositeKey) (*audio.PreparedResource, error) {
	c.fillMu.Lock()
	defer c.fillMu.Unlock()

	c.mu.Lock()
	c.stats.Rotations++

	if len(c.slots) > 0 && c.slots[0].Key == key {
		// a play request already moved us here
		res := c.slots[0].Resource
		c.stats.RotationHits++
		c.mu.Unlock()
		return res, nil
	}

	if len(c.slots) == 2 && c.slots[1].Key == key {
		c.promoteLocked()
		res := c.slots[0].Resource
		c.stats.RotationHits++
		c.mu.Unlock()
		c.logger.Info("Rotated to prefetched slot", zap.String("key", string(key)))
		return res, nil
	}

	if len(c.slots) == 2 {
		c.logger.Info("Prefetched slot does not match, discarding",
			zap.String("prefetched", string(c.slots[1].Key)),
			zap.String("wanted", string(key)))
	}
	c.stats.Misses++
	c.evictLocked(len(c.slots))
	c.mu.Unlock()

	res, err := c.prepare(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.slots = append(c.slots[:0], CacheSlot{Key: key, Resource: res})
	c.mu.Unlock()

	c.logger.Info("Rotated with fresh preparation", zap.String("key", string(key)))
	return res, nil
}

// Promote drops slot 0 and moves slot 1 into its place.
func (c *PrefetchCache) Promote() bool {
	c.fillMu.Lock()
	defer c.fillMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.slots) < 2 {
		return false
	}
	c.promoteLocked()
	return true
}

func (c *PrefetchCache) Invalidate() {
	c.fillMu.Lock()
	defer c.fillMu.Unlock()

	c.mu.Lock()
	c.evictLocked(len(c.slots))
	c.mu.Unlock()
}

func (c *PrefetchCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *PrefetchCache) GetStats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	slots := make([]map[string]interface{}, 0, len(c.slots))
	var size int64
	for _, s := range c.slots {
		size += s.Resource.Size()
		slots = append(slots, map[string]interface{}{
			"key":  s.Key,
			"size": humanize.Bytes(uint64(s.Resource.Size())),
		})
	}

	return map[string]interface{}{
		"slots":      slots,
		"total_size": humanize.Bytes(uint64(size)),
		"stats":      c.stats,
	}
}

func (c *PrefetchCache) hit(key models.CompositeKey) (*audio.PreparedResource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.slots) > 0 && c.slots[0].Key == key {
		c.stats.Hits++
		return c.slots[0].Resource, true
	}
	return nil, false
}

func (c *PrefetchCache) promoteLocked() {
	c.slots = append(c.slots[:0], c.slots[1])
	c.stats.Evictions++
}

func (c *PrefetchCache) evictLocked(n int) {
	c.stats.Evictions += int64(n)
	c.slots = c.slots[:0]
}

func (c *PrefetchCache) prepare(ctx context.Context, key models.CompositeKey) (*audio.PreparedResource, error) {
	locator, ok := c.resolver.Lookup(key)
	if !ok {
		c.logger.Error("No track for key", zap.String("key", string(key)))
		return nil, &models.ResourceError{Key: key}
	}

	start := time.Now()
	res, err := c.preparer.Prepare(ctx, locator)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stats.Prepares++
	c.mu.Unlock()

	c.logger.Info("Track prepared",
		zap.String("key", string(key)),
		zap.String("locator", string(locator)),
		zap.String("size", humanize.Bytes(uint64(res.Size()))),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}
