package models

import (
	"fmt"
	"strconv"
	"time"
)

type WeatherClass int

const (
	Clear WeatherClass = iota
	Rainy
	Snowy
	Unknown
)

// Code is the single digit a weather class contributes to a CompositeKey.
func (w WeatherClass) Code() string {
	switch w {
	case Clear:
		return "0"
	case Rainy:
		return "1"
	case Snowy:
		return "2"
	default:
		return "3"
	}
}

func (w WeatherClass) String() string {
	switch w {
	case Clear:
		return "clear"
	case Rainy:
		return "rainy"
	case Snowy:
		return "snowy"
	default:
		return "unknown"
	}
}

func (w WeatherClass) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// ParseWeatherClass accepts either the name or the key digit.
func ParseWeatherClass(s string) (WeatherClass, error) {
	switch s {
	case "clear", "0":
		return Clear, nil
	case "rainy", "1":
		return Rainy, nil
	case "snowy", "2":
		return Snowy, nil
	case "unknown", "3":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("unknown weather class %q", s)
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// WeatherCacheEntry is the oracle's memory of its last successful lookup.
type WeatherCacheEntry struct {
	LastFetch time.Time    `json:"last_fetch"`
	Class     WeatherClass `json:"class"`
}

// HourKey is a zero-padded hour of day, "00".."23".
type HourKey string

func NewHourKey(hour int) HourKey {
	return HourKey(fmt.Sprintf("%02d", ((hour%24)+24)%24))
}

func (h HourKey) Hour() int {
	n, err := strconv.Atoi(string(h))
	if err != nil {
		return -1
	}
	return n
}

func (h HourKey) Next() HourKey {
	return NewHourKey(h.Hour() + 1)
}

func (h HourKey) Valid() bool {
	if len(h) != 2 || !isDigit(h[0]) || !isDigit(h[1]) {
		return false
	}
	n := h.Hour()
	return n >= 0 && n <= 23
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// CompositeKey is a weather digit followed by an HourKey, e.g. "009" or "110".
type CompositeKey string

const CompositeKeyWidth = 3

func NewCompositeKey(w WeatherClass, h HourKey) CompositeKey {
	return CompositeKey(w.Code() + string(h))
}

func ParseCompositeKey(s string) (CompositeKey, error) {
	if len(s) != CompositeKeyWidth {
		return "", fmt.Errorf("%w: %q has length %d", ErrInvalidKey, s, len(s))
	}
	if _, err := ParseWeatherClass(s[:1]); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidKey, s, err)
	}
	if !HourKey(s[1:]).Valid() {
		return "", fmt.Errorf("%w: %q has no valid hour", ErrInvalidKey, s)
	}
	return CompositeKey(s), nil
}

func (k CompositeKey) Weather() WeatherClass {
	if len(k) == 0 {
		return Unknown
	}
	w, _ := ParseWeatherClass(string(k)[:1])
	return w
}

func (k CompositeKey) Hour() HourKey {
	if len(k) < CompositeKeyWidth {
		return ""
	}
	return HourKey(string(k)[1:])
}

// Follows reports whether k is the slot that chains directly after prev.
func (k CompositeKey) Follows(prev CompositeKey) bool {
	return k.Hour() == prev.Hour().Next()
}

// ResourceLocator points at raw audio source material, usually a file path.
type ResourceLocator string

type RoomStatus struct {
	Room      string        `json:"room"`
	Active    bool          `json:"active"`
	SessionID string        `json:"session_id,omitempty"`
	Key       CompositeKey  `json:"key,omitempty"`
	NextKey   CompositeKey  `json:"next_key,omitempty"`
	Weather   WeatherClass  `json:"weather"`
	Volume    float64       `json:"volume"`
	Muted     bool          `json:"muted"`
	Looping   bool          `json:"looping"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	NextRun   time.Time     `json:"next_rollover,omitempty"`
	Uptime    time.Duration `json:"uptime"`
}
