// Package clock turns wall-clock time into hour keys and hour boundaries.
// Nothing here is memoized: every call reads the clock again so callers can
// detect a boundary crossing by simply asking twice.
package clock

import (
	"time"

	"github.com/bobby-s-dev/weather-radio/internal/models"
	"github.com/robfig/cron/v3"
)

type Deriver struct {
	now    func() time.Time
	hourly cron.Schedule
}

func New() *Deriver {
	return NewWithNow(time.Now)
}

func NewWithNow(now func() time.Time) *Deriver {
	schedule, err := cron.ParseStandard("@hourly")
	if err != nil {
		// descriptor is a constant; this cannot fail
		panic(err)
	}
	return &Deriver{now: now, hourly: schedule}
}

func (d *Deriver) Now() time.Time {
	return d.now()
}

func (d *Deriver) CurrentHourKey() models.HourKey {
	return HourKeyAt(d.now())
}

func (d *Deriver) NextHourKey() models.HourKey {
	return NextHourKeyAt(d.now())
}

// NextBoundary returns the next top-of-hour strictly after now, in local time.
func (d *Deriver) NextBoundary() time.Time {
	return d.hourly.Next(d.now())
}

// UntilNextHour is the delay to the next boundary plus offset. The offset keeps
// a timer from firing before the local clock has actually rolled over.
func (d *Deriver) UntilNextHour(offset time.Duration) time.Duration {
	now := d.now()
	wait := d.hourly.Next(now).Add(offset).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

func HourKeyAt(t time.Time) models.HourKey {
	return models.NewHourKey(t.Hour())
}

func NextHourKeyAt(t time.Time) models.HourKey {
	return models.NewHourKey(t.Hour() + 1)
}
