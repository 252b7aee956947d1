package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobby-s-dev/weather-radio/internal/models"
	"github.com/bobby-s-dev/weather-radio/pkg/client"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const DefaultWeatherCooldown = 10 * time.Minute

type WeatherLookup interface {
	Fetch(ctx context.Context, loc models.Location, apiKey string) ([]byte, error)
}

// classRules is checked in order against the first digit of the condition
// code. Atmosphere codes (7xx: fog, smoke, ash, tornado) are Unknown rather
// than Clear so an alert never looks like a sunny day.
var classRules = []struct {
	digits string
	class  models.WeatherClass
}{
	{"235", models.Rainy},
	{"6", models.Snowy},
	{"7", models.Unknown},
	{"8", models.Clear},
}

func ClassifyCode(code string) models.WeatherClass {
	if code == "" {
		return models.Unknown
	}
	first := code[0]
	for _, rule := range classRules {
		for i := 0; i < len(rule.digits); i++ {
			if rule.digits[i] == first {
				return rule.class
			}
		}
	}
	return models.Unknown
}

type OracleConfig struct {
	Location      models.Location
	APIKey        string
	Cooldown      time.Duration
	Timeout       time.Duration
	RetryInterval time.Duration
}

// Oracle answers "what is the weather like" at most once per cooldown window.
// A failed lookup keeps the previous answer and is retried on a later call.
type Oracle struct {
	lookup   WeatherLookup
	location models.Location
	apiKey   string
	cooldown time.Duration
	timeout  time.Duration
	retry    *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	entry     models.WeatherCacheEntry
	lookups   int
	failures  int
	lastError string
}

func NewOracle(lookup WeatherLookup, cfg OracleConfig, logger *zap.Logger) *Oracle {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultWeatherCooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	o := &Oracle{
		lookup:   lookup,
		location: cfg.Location,
		apiKey:   cfg.APIKey,
		cooldown: cfg.Cooldown,
		timeout:  cfg.Timeout,
		logger:   logger,
		now:      time.Now,
		entry:    models.WeatherCacheEntry{Class: models.Unknown},
	}
	if cfg.RetryInterval > 0 {
		o.retry = rate.NewLimiter(rate.Every(cfg.RetryInterval), 1)
	}
	return o
}

// Classify returns the current weather class, calling out at most once per
// cooldown window. It never fails.
func (o *Oracle) Classify(ctx context.Context) models.WeatherClass {
	o.mu.Lock()
	entry := o.entry
	now := o.now()
	o.mu.Unlock()

	if !entry.LastFetch.IsZero() && now.Sub(entry.LastFetch) < o.cooldown {
		return entry.Class
	}

	v, _, _ := o.group.Do("classify", func() (interface{}, error) {
		return o.refresh(ctx), nil
	})
	return v.(models.WeatherClass)
}

func (o *Oracle) refresh(ctx context.Context) models.WeatherClass {
	o.mu.Lock()
	prev := o.entry
	// another caller may have refreshed while we queued on the group
	if !prev.LastFetch.IsZero() && o.now().Sub(prev.LastFetch) < o.cooldown {
		o.mu.Unlock()
		return prev.Class
	}
	if o.retry != nil && !o.retry.AllowN(o.now(), 1) {
		o.mu.Unlock()
		o.logger.Debug("Weather lookup throttled, keeping previous classification",
			zap.Stringer("weather", prev.Class))
		return prev.Class
	}
	o.mu.Unlock()

	lookupCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	code, err := o.fetchCode(lookupCtx)
	if err != nil {
		err = fmt.Errorf("%w: %v", models.ErrWeatherLookupFailed, err)

		o.mu.Lock()
		o.failures++
		o.lastError = err.Error()
		prev = o.entry
		o.mu.Unlock()

		o.logger.Warn("Weather lookup failed, keeping previous classification",
			zap.Stringer("weather", prev.Class),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return prev.Class
	}

	class := ClassifyCode(code)

	o.mu.Lock()
	o.entry = models.WeatherCacheEntry{LastFetch: o.now(), Class: class}
	o.lookups++
	o.lastError = ""
	o.mu.Unlock()

	o.logger.Info("Weather classified",
		zap.String("code", code),
		zap.Stringer("weather", class),
		zap.Duration("duration", time.Since(start)))
	return class
}

func (o *Oracle) fetchCode(ctx context.Context) (string, error) {
	raw, err := o.lookup.Fetch(ctx, o.location, o.apiKey)
	if err != nil {
		return "", err
	}
	return client.ConditionCode(raw)
}

func (o *Oracle) Entry() models.WeatherCacheEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entry
}

func (o *Oracle) GetStats() map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	return map[string]interface{}{
		"weather":    o.entry.Class.String(),
		"last_fetch": o.entry.LastFetch,
		"lookups":    o.lookups,
		"failures":   o.failures,
		"last_error": o.lastError,
		"cooldown":   o.cooldown.String(),
	}
}
