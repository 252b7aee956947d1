package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobby-s-dev/weather-radio/internal/audio"
	"github.com/bobby-s-dev/weather-radio/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mapResolver map[models.CompositeKey]models.ResourceLocator

func (m mapResolver) Lookup(key models.CompositeKey) (models.ResourceLocator, bool) {
	loc, ok := m[key]
	return loc, ok
}

// countingPreparer records every locator it was asked to prepare.
type countingPreparer struct {
	mu       sync.Mutex
	prepared []models.ResourceLocator
	delay    time.Duration
	err      error
}

func (p *countingPreparer) Prepare(ctx context.Context, locator models.ResourceLocator) (*audio.PreparedResource, error) {
	if d := p.Delay(); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepared = append(p.prepared, locator)
	if p.err != nil {
		return nil, p.err
	}
	return audio.NewPreparedResource(locator, []byte(locator)), nil
}

func (p *countingPreparer) Delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delay
}

func (p *countingPreparer) SetDelay(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

func (p *countingPreparer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prepared)
}

func (p *countingPreparer) Last() models.ResourceLocator {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prepared) == 0 {
		return ""
	}
	return p.prepared[len(p.prepared)-1]
}

func testResolver() mapResolver {
	return mapResolver{
		"009": "songs/009 A.mp3",
		"010": "songs/010 B.mp3",
		"110": "songs/110 Rain.mp3",
		"023": "songs/023 Night.mp3",
		"000": "songs/000 Midnight.mp3",
	}
}

func newTestCache() (*PrefetchCache, *countingPreparer) {
	p := &countingPreparer{}
	return NewPrefetchCache(testResolver(), p, zap.NewNop()), p
}

func TestGetOrPrepareHitDoesNotTranscode(t *testing.T) {
	c, p := newTestCache()
	ctx := context.Background()

	first, err := c.GetOrPrepare(ctx, "009")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Calls())

	second, err := c.GetOrPrepare(ctx, "009")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Calls())
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), c.Stats().Hits)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestGetOrPrepareUnknownKey(t *testing.T) {
	c, p := newTestCache()

	_, err := c.GetOrPrepare(context.Background(), "011")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrResourceUnavailable))

	var resErr *models.ResourceError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, models.CompositeKey("011"), resErr.Key)
	assert.Equal(t, 0, p.Calls())
	assert.Equal(t, 0, c.Len())
}

func TestGetOrPrepareMissReplacesSlotZero(t *testing.T) {
	c, p := newTestCache()
	ctx := context.Background()

	_, err := c.GetOrPrepare(ctx, "009")
	require.NoError(t, err)
	require.NoError(t, c.EnsureNextPrepared(ctx, models.Clear))
	require.Equal(t, 2, c.Len())

	_, err = c.GetOrPrepare(ctx, "023")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Calls())

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, models.CompositeKey("023"), cur.Key)
	_, ok = c.PendingNext()
	assert.False(t, ok, "010 does not follow 023")
}

func TestGetOrPrepareKeepsChainingNextSlot(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()
	res := mapResolver{"009": "a", "109": "b", "010": "c"}
	c.resolver = res

	_, err := c.GetOrPrepare(ctx, "009")
	require.NoError(t, err)
	require.NoError(t, c.EnsureNextPrepared(ctx, models.Clear))

	_, err = c.GetOrPrepare(ctx, "109")
	require.NoError(t, err)

	next, ok := c.PendingNext()
	require.True(t, ok)
	assert.Equal(t, models.CompositeKey("010"), next.Key)
}

func TestGetOrPreparePromotesPendingSlot(t *testing.T) {
	c, p := newTestCache()
	ctx := context.Background()

	_, err := c.GetOrPrepare(ctx, "009")
	require.NoError(t, err)
	require.NoError(t, c.EnsureNextPrepared(ctx, models.Clear))
	next, _ := c.PendingNext()

	res, err := c.GetOrPrepare(ctx, "010")
	require.NoError(t, err)
	assert.Same(t, next.Resource, res)
	assert.Equal(t, 2, p.Calls())
	assert.Equal(t, 1, c.Len())
}

func TestEnsureNextPreparedIsIdempotent(t *testing.T) {
	c, p := newTestCache()
	ctx := context.Background()

	require.NoError(t, c.EnsureNextPrepared(ctx, models.Clear), "empty cache is a no-op")
	assert.Equal(t, 0, p.Calls())

	_, err := c.GetOrPrepare(ctx, "009")
	require.NoError(t, err)
	require.NoError(t, c.EnsureNextPrepared(ctx, models.Clear))
	require.NoError(t, c.EnsureNextPrepared(ctx, models.Rainy))

	assert.Equal(t, 2, p.Calls())
	next, ok := c.PendingNext()
	require.True(t, ok)
	assert.Equal(t, models.CompositeKey("010"), next.Key)
}

func TestEnsureNextPreparedWrapsMidnight(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()

	_, err := c.GetOrPrepare(ctx, "023")
	require.NoError(t, err)
	require.NoError(t, c.EnsureNextPrepared(ctx, models.Clear))

	next, ok := c.PendingNext()
	require.True(t, ok)
	assert.Equal(t, models.CompositeKey("000"), next.Key)
}

func TestSteadyStateRollover(t *testing.T) {
	c, p := newTestCache()
	ctx := context.Background()

	a, err := c.GetOrPrepare(ctx, "009")
	require.NoError(t, err)
	assert.Equal(t, models.ResourceLocator("songs/009 A.mp3"), a.Locator)

	require.NoError(t, c.EnsureNextPrepared(ctx, models.Clear))
	require.Equal(t, 2, p.Calls())

	b, err := c.Rotate(ctx, "010")
	require.NoError(t, err)
	assert.Equal(t, models.ResourceLocator("songs/010 B.mp3"), b.Locator)
	assert.Equal(t, 2, p.Calls(), "promotion must not transcode")

	err = c.EnsureNextPrepared(ctx, models.Clear)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrResourceUnavailable))
	var resErr *models.ResourceError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, models.CompositeKey("011"), resErr.Key)

	cur, _ := c.Current()
	assert.Equal(t, models.CompositeKey("010"), cur.Key)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(1), c.Stats().RotationHits)
}

func TestRolloverAfterWeatherFlip(t *testing.T) {
	c, p := newTestCache()
	ctx := context.Background()

	_, err := c.GetOrPrepare(ctx, "009")
	require.NoError(t, err)
	require.NoError(t, c.EnsureNextPrepared(ctx, models.Clear))
	stale, _ := c.PendingNext()
	require.Equal(t, models.CompositeKey("010"), stale.Key)

	res, err := c.Rotate(ctx, "110")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Calls(), "exactly one transcode on mismatch")
	assert.Equal(t, models.ResourceLocator("songs/110 Rain.mp3"), res.Locator)
	assert.NotSame(t, stale.Resource, res)

	cur, _ := c.Current()
	assert.Equal(t, models.CompositeKey("110"), cur.Key)
	assert.Equal(t, 1, c.Len())
}

func TestRotateWithoutPrefetch(t *testing.T) {
	c, p := newTestCache()
	ctx := context.Background()

	_, err := c.GetOrPrepare(ctx, "009")
	require.NoError(t, err)

	_, err = c.Rotate(ctx, "010")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Calls())
	cur, _ := c.Current()
	assert.Equal(t, models.CompositeKey("010"), cur.Key)
}

func TestRotateFailureLeavesEmptyCache(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()

	_, err := c.GetOrPrepare(ctx, "010")
	require.NoError(t, err)

	_, err = c.Rotate(ctx, "011")
	require.ErrorIs(t, err, models.ErrResourceUnavailable)
	assert.Equal(t, 0, c.Len(), "a stale slot 0 must not survive a rotation")
}

func TestRotateToCurrentKeyIsNoop(t *testing.T) {
	c, p := newTestCache()
	ctx := context.Background()

	first, err := c.GetOrPrepare(ctx, "010")
	require.NoError(t, err)
	res, err := c.Rotate(ctx, "010")
	require.NoError(t, err)
	assert.Same(t, first, res)
	assert.Equal(t, 1, p.Calls())
}

func TestPromoteAndInvalidate(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()

	assert.False(t, c.Promote())

	_, err := c.GetOrPrepare(ctx, "009")
	require.NoError(t, err)
	require.NoError(t, c.EnsureNextPrepared(ctx, models.Clear))

	assert.True(t, c.Promote())
	cur, _ := c.Current()
	assert.Equal(t, models.CompositeKey("010"), cur.Key)

	c.Invalidate()
	assert.Equal(t, 0, c.Len())
}

func TestPreparerErrorPropagates(t *testing.T) {
	p := &countingPreparer{err: errors.New("decoder exploded")}
	c := NewPrefetchCache(testResolver(), p, zap.NewNop())

	_, err := c.GetOrPrepare(context.Background(), "009")
	assert.EqualError(t, err, "decoder exploded")
	assert.Equal(t, 0, c.Len())
}

func TestCacheNeverExceedsTwoSlots(t *testing.T) {
	c, _ := newTestCache()
	ctx := context.Background()
	keys := []models.CompositeKey{"009", "010", "110", "023", "000", "009"}

	for i := 0; i < 30; i++ {
		key := keys[i%len(keys)]
		switch i % 3 {
		case 0:
			_, _ = c.GetOrPrepare(ctx, key)
		case 1:
			_ = c.EnsureNextPrepared(ctx, models.Clear)
		case 2:
			_, _ = c.Rotate(ctx, key)
		}
		require.LessOrEqual(t, c.Len(), MaxSlots)

		if next, ok := c.PendingNext(); ok {
			cur, _ := c.Current()
			assert.True(t, next.Key.Follows(cur.Key), "slot 1 %s must follow slot 0 %s", next.Key, cur.Key)
		}
	}
}

func TestConcurrentMissesPrepareOnce(t *testing.T) {
	p := &countingPreparer{delay: 20 * time.Millisecond}
	c := NewPrefetchCache(testResolver(), p, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrPrepare(context.Background(), "009")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, p.Calls())
}

func TestHitPathNotBlockedByPrefetch(t *testing.T) {
	p := &countingPreparer{}
	c := NewPrefetchCache(testResolver(), p, zap.NewNop())
	ctx := context.Background()

	_, err := c.GetOrPrepare(ctx, "009")
	require.NoError(t, err)

	p.SetDelay(200 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.EnsureNextPrepared(ctx, models.Clear)
	}()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	_, err = c.GetOrPrepare(ctx, "009")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	<-done
}
