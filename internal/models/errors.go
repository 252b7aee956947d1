package models

import (
	"errors"
	"fmt"
)

var (
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrWeatherLookupFailed = errors.New("weather lookup failed")
	ErrSchedulerConflict   = errors.New("rollover scheduler already active")
	ErrPlaybackJoinFailed  = errors.New("playback join failed")
	ErrRoomNotActive       = errors.New("room is not playing")
	ErrInvalidKey          = errors.New("invalid composite key")
)

// ResourceError reports which key had no locator in the index.
type ResourceError struct {
	Key CompositeKey
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: no track indexed for key %s", ErrResourceUnavailable, e.Key)
}

func (e *ResourceError) Unwrap() error {
	return ErrResourceUnavailable
}
