package policy

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidClock = errors.New("invalid clock time")

// Clock is a time of day in minutes since midnight. It encodes as "HH:MM".
type Clock int

func NewClock(hour, minute int) Clock { return Clock(hour*60 + minute) }

func ParseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return NewClock(h, m), nil
}

func ClockOf(t time.Time) Clock { return NewClock(t.Hour(), t.Minute()) }

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

func (c Clock) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// On returns the instant at clock c on t's calendar day, in t's location.
func (c Clock) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour(), c.Minute(), 0, 0, t.Location())
}

// QuietHours is a daily window during which non-critical notifications are deferred.
// Start after End means the window wraps midnight.
type QuietHours struct {
	Enabled      bool  `json:"enabled"`
	Start        Clock `json:"start"`
	End          Clock `json:"end"`
	WeekendsAlso bool  `json:"weekends_also"`
}

func (q QuietHours) wraps() bool { return q.Start > q.End }

// Contains reports whether t (already in the user's location) is inside the window.
// Both ends are inclusive at minute granularity.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	if !q.WeekendsAlso && isWeekend(t) {
		return false
	}
	m := ClockOf(t)
	if q.wraps() {
		return m >= q.Start || m <= q.End
	}
	return m >= q.Start && m <= q.End
}

// Until returns when the window that contains t ends: the next occurrence of End at or
// after t's minute. Without WeekendsAlso, a wrapping window also ends at the midnight
// that starts a weekend day.
func (q QuietHours) Until(t time.Time) time.Time {
	minute := ClockOf(t).On(t)
	end := q.End.On(t)
	if end.Before(minute) {
		end = q.End.On(t.AddDate(0, 0, 1))
	}
	if !q.WeekendsAlso && q.wraps() {
		midnight := time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
		if midnight.Before(end) && isWeekend(midnight) {
			return midnight
		}
	}
	return end
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
