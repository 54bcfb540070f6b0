package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-10-14 is a Wednesday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.October, day, hour, minute, 0, 0, time.UTC)
}

func TestQuietHoursContainsWraparound(t *testing.T) {
	t.Parallel()
	q := QuietHours{Enabled: true, Start: NewClock(22, 0), End: NewClock(7, 0), WeekendsAlso: true}

	tests := []struct {
		name  string
		t     time.Time
		quiet bool
	}{
		{"late evening", at(14, 23, 0), true},
		{"early morning", at(14, 3, 0), true},
		{"noon", at(14, 12, 0), false},
		{"start is inclusive", at(14, 22, 0), true},
		{"end is inclusive", at(14, 7, 0), true},
		{"just after end", at(14, 7, 1), false},
		{"just before start", at(14, 21, 59), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.quiet, q.Contains(tt.t))
		})
	}
}

func TestQuietHoursContainsSameDayWindow(t *testing.T) {
	t.Parallel()
	q := QuietHours{Enabled: true, Start: NewClock(13, 0), End: NewClock(15, 0), WeekendsAlso: true}
	assert.True(t, q.Contains(at(14, 14, 0)))
	assert.False(t, q.Contains(at(14, 12, 59)))
	assert.False(t, q.Contains(at(14, 23, 0)))
}

func TestQuietHoursDisabledAndWeekends(t *testing.T) {
	t.Parallel()
	q := QuietHours{Enabled: false, Start: NewClock(22, 0), End: NewClock(7, 0)}
	assert.False(t, q.Contains(at(14, 23, 0)))

	q = QuietHours{Enabled: true, Start: NewClock(22, 0), End: NewClock(7, 0), WeekendsAlso: false}
	assert.True(t, q.Contains(at(16, 23, 0)), "friday night is a weekday")
	assert.False(t, q.Contains(at(17, 23, 0)), "saturday night is exempt")
}

func TestQuietHoursUntil(t *testing.T) {
	t.Parallel()
	q := QuietHours{Enabled: true, Start: NewClock(22, 0), End: NewClock(7, 0), WeekendsAlso: true}

	assert.Equal(t, at(15, 7, 0), q.Until(at(14, 23, 30)))
	assert.Equal(t, at(14, 7, 0), q.Until(at(14, 3, 0)))
	// During the end minute the window is over.
	got := q.Until(at(14, 7, 0).Add(30 * time.Second))
	assert.Equal(t, at(14, 7, 0), got)
}

func TestQuietHoursUntilWeekendMidnight(t *testing.T) {
	t.Parallel()
	q := QuietHours{Enabled: true, Start: NewClock(22, 0), End: NewClock(7, 0), WeekendsAlso: false}
	// Friday 23:30: Saturday is exempt, so the window ends at midnight.
	assert.Equal(t, at(17, 0, 0), q.Until(at(16, 23, 30)))
	// Wednesday 23:30 ends at Thursday 07:00.
	assert.Equal(t, at(15, 7, 0), q.Until(at(14, 23, 30)))
}

func TestQuietHoursUntilIsOutsideWindow(t *testing.T) {
	t.Parallel()
	q := QuietHours{Enabled: true, Start: NewClock(22, 0), End: NewClock(7, 0), WeekendsAlso: true}
	for m := 22 * 60; m < 24*60+7*60; m += 13 {
		in := at(14, 0, 0).Add(time.Duration(m) * time.Minute)
		if !q.Contains(in) {
			continue
		}
		out := q.Until(in)
		require.False(t, out.Before(in), "until must not go back in time")
		assert.False(t, q.Contains(out.Add(time.Minute)), "one minute after the boundary is outside the window (%s)", in)
	}
}

func TestClockText(t *testing.T) {
	t.Parallel()
	c, err := ParseClock("07:05")
	require.NoError(t, err)
	assert.Equal(t, NewClock(7, 5), c)
	assert.Equal(t, "07:05", c.String())

	_, err = ParseClock("25:00")
	assert.ErrorIs(t, err, ErrInvalidClock)
	_, err = ParseClock("noon")
	assert.ErrorIs(t, err, ErrInvalidClock)
}
