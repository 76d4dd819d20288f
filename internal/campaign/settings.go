// Package campaign holds the process-wide campaign settings read by the
// scheduler on every tick.
package campaign

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TimeOfDay is a local wall-clock time with minute precision
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" in 24-hour notation
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// String formats the time as HH:MM
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the instant of this time of day on the calendar date of day,
// in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

// MarshalText implements encoding.TextMarshaler
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Settings is the campaign configuration consumed by the core
type Settings struct {
	IntervalDays int       `json:"interval_days"`
	MaxResends   int       `json:"max_resends"`
	SendTime     TimeOfDay `json:"send_time"`
}

// Validate checks settings before they reach the core
func (s Settings) Validate() error {
	if s.IntervalDays < 1 {
		return errors.New("interval_days must be at least 1")
	}
	if s.MaxResends < 1 {
		return errors.New("max_resends must be at least 1")
	}
	if s.SendTime.Hour < 0 || s.SendTime.Hour > 23 || s.SendTime.Minute < 0 || s.SendTime.Minute > 59 {
		return fmt.Errorf("invalid send_time %s", s.SendTime)
	}
	return nil
}

// Live holds the current settings. Readers get a consistent copy; writers
// replace the whole value, so a change is seen by the next tick, never in
// the middle of one.
type Live struct {
	mu       sync.RWMutex
	settings Settings
	onChange func(Settings) error
}

// NewLive creates a holder seeded with s
func NewLive(s Settings) (*Live, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Live{settings: s}, nil
}

// OnChange registers a hook invoked with the new settings before they are
// published, e.g. to persist them. A hook error rejects the update.
func (l *Live) OnChange(fn func(Settings) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Settings returns a copy of the current settings
func (l *Live) Settings() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings
}

// Set validates and publishes new settings
func (l *Live) Set(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onChange != nil {
		if err := l.onChange(s); err != nil {
			return err
		}
	}
	l.settings = s
	return nil
}
