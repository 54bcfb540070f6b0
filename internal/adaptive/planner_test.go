package adaptive

import (
	"context"
	"errors"
	"testing"
	"time"

	"campusnotify/internal/analytics"
	"campusnotify/internal/policy"
	kit "campusnotify/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngagement struct {
	hours analytics.HourSet
	score float64
}

func (f fakeEngagement) ActiveHours(context.Context, string, *time.Location) analytics.HourSet {
	return f.hours
}

func (f fakeEngagement) EngagementScore(context.Context, string) float64 { return f.score }

// 2026-10-14 is a Wednesday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, 10, day, hour, minute, 0, 0, time.UTC)
}

func academic(t *testing.T) policy.CategoryPolicy {
	t.Helper()
	p, err := policy.DefaultCatalog().Get(policy.CategoryAcademic)
	require.NoError(t, err)
	return p
}

func newPlanner(eng Engagement) *Planner {
	return New(Config{Location: time.UTC}, eng)
}

func notification(cat string, pr kit.Priority) kit.Notification {
	n := kit.NewNotification(cat, "Nueva Calificación", "Matemáticas: 9.5", nil, at(14, 9, 0))
	n.Priority = pr
	return n
}

func TestPlanImmediateOutsideQuietHours(t *testing.T) {
	t.Parallel()
	p := newPlanner(fakeEngagement{score: 0.5})
	prefs := policy.DefaultPreferences(policy.DefaultCatalog())
	now := at(14, 10, 0)

	d, err := p.Plan(context.Background(), notification(policy.CategoryAcademic, kit.PriorityHigh), "u1", prefs, academic(t), now)
	require.NoError(t, err)
	assert.Equal(t, now, d.DeliverAt)
	assert.Equal(t, ReasonImmediate, d.Reason)
	assert.True(t, d.Immediate(now))
	assert.Equal(t, "Nueva Calificación", d.Notification.Title)
}

func TestPlanDefersPastQuietHours(t *testing.T) {
	t.Parallel()
	p := newPlanner(fakeEngagement{score: 0.5})
	prefs := policy.DefaultPreferences(policy.DefaultCatalog())

	d, err := p.Plan(context.Background(), notification(policy.CategoryAcademic, kit.PriorityHigh), "u1", prefs, academic(t), at(14, 23, 30))
	require.NoError(t, err)
	assert.Equal(t, at(15, 7, 0), d.DeliverAt)
	assert.Equal(t, ReasonQuietHours, d.Reason)
}

func TestPlanDisabledCategory(t *testing.T) {
	t.Parallel()
	p := newPlanner(nil)
	prefs := policy.DefaultPreferences(policy.DefaultCatalog())
	sys, err := policy.DefaultCatalog().Get(policy.CategorySystem)
	require.NoError(t, err)

	_, err = p.Plan(context.Background(), notification(policy.CategorySystem, kit.PriorityCritical), "u1", prefs, sys, at(14, 10, 0))
	assert.True(t, errors.Is(err, ErrCategoryDisabled))
}

func TestPlanCriticalBypassesQuietHours(t *testing.T) {
	t.Parallel()
	p := newPlanner(nil)
	prefs := policy.DefaultPreferences(policy.DefaultCatalog())
	now := at(14, 23, 30)

	d, err := p.Plan(context.Background(), notification(policy.CategoryAcademic, kit.PriorityCritical), "u1", prefs, academic(t), now)
	require.NoError(t, err)
	assert.Equal(t, now, d.DeliverAt)
}

func TestPlanIgnoresQuietHoursWhenPolicySaysSo(t *testing.T) {
	t.Parallel()
	p := newPlanner(nil)
	prefs := policy.DefaultPreferences(policy.DefaultCatalog())
	pol := academic(t)
	pol.RespectsQuietHours = false
	now := at(14, 23, 30)

	d, err := p.Plan(context.Background(), notification(policy.CategoryAcademic, kit.PriorityLow), "u1", prefs, pol, now)
	require.NoError(t, err)
	assert.Equal(t, now, d.DeliverAt)
}

func TestPlanEscalatesDisengagedUser(t *testing.T) {
	t.Parallel()
	p := newPlanner(fakeEngagement{score: 0.1})
	prefs := policy.DefaultPreferences(policy.DefaultCatalog())
	now := at(14, 10, 0)

	d, err := p.Plan(context.Background(), notification(policy.CategoryAcademic, kit.PriorityMedium), "u1", prefs, academic(t), now)
	require.NoError(t, err)
	assert.Equal(t, now, d.DeliverAt)
	assert.Equal(t, ReasonEscalated, d.Reason)
	assert.Equal(t, DefaultUrgencyMarker+"Nueva Calificación", d.Notification.Title)
	assert.Equal(t, kit.PriorityHigh, d.Notification.Priority)

	prefs.AdaptiveSchedulingEnabled = false
	d, err = p.Plan(context.Background(), notification(policy.CategoryAcademic, kit.PriorityMedium), "u1", prefs, academic(t), now)
	require.NoError(t, err)
	assert.Equal(t, ReasonImmediate, d.Reason)
	assert.Equal(t, kit.PriorityMedium, d.Notification.Priority)
}

func TestPlanUsesActiveHourOutsideWindow(t *testing.T) {
	t.Parallel()
	var hours analytics.HourSet
	hours[3] = true
	hours[6] = true
	p := newPlanner(fakeEngagement{hours: hours, score: 0.5})

	prefs := policy.DefaultPreferences(policy.DefaultCatalog())
	prefs.QuietHours.End = policy.NewClock(5, 0)
	prefs.QuietHours.WeekendsAlso = false
	// Friday 23:30 -> the window ends at Saturday midnight; no active hour before it.
	d, err := p.Plan(context.Background(), notification(policy.CategoryAcademic, kit.PriorityLow), "u1", prefs, academic(t), at(16, 23, 30))
	require.NoError(t, err)
	assert.Equal(t, at(17, 0, 0), d.DeliverAt)

	// Active hours inside the window are never chosen.
	d, err = p.Plan(context.Background(), notification(policy.CategoryAcademic, kit.PriorityLow), "u1", prefs, academic(t), at(14, 23, 30))
	require.NoError(t, err)
	assert.Equal(t, at(15, 5, 0), d.DeliverAt)
	assert.Equal(t, ReasonQuietHours, d.Reason)
}

func TestPlanHonorsUserTimezone(t *testing.T) {
	t.Parallel()
	p := newPlanner(nil)
	prefs := policy.DefaultPreferences(policy.DefaultCatalog())
	prefs.Timezone = "America/Mexico_City"
	loc, err := time.LoadLocation(prefs.Timezone)
	require.NoError(t, err)

	// 10:00 local is outside quiet hours even though UTC says otherwise.
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, loc)
	d, err := p.Plan(context.Background(), notification(policy.CategoryAcademic, kit.PriorityLow), "u1", prefs, academic(t), now)
	require.NoError(t, err)
	assert.True(t, d.Immediate(now))

	now = time.Date(2026, 10, 14, 23, 30, 0, 0, loc)
	d, err = p.Plan(context.Background(), notification(policy.CategoryAcademic, kit.PriorityLow), "u1", prefs, academic(t), now)
	require.NoError(t, err)
	assert.True(t, d.DeliverAt.Equal(time.Date(2026, 10, 15, 7, 0, 0, 0, loc)))
}

type locEngagement struct {
	fakeEngagement
	got chan *time.Location
}

func (f locEngagement) ActiveHours(_ context.Context, _ string, loc *time.Location) analytics.HourSet {
	f.got <- loc
	return f.hours
}

func TestPlanAsksActiveHoursInUserTimezone(t *testing.T) {
	t.Parallel()
	eng := locEngagement{fakeEngagement: fakeEngagement{score: 0.5}, got: make(chan *time.Location, 1)}
	p := newPlanner(eng)
	prefs := policy.DefaultPreferences(policy.DefaultCatalog())
	prefs.Timezone = "Asia/Tokyo"

	now := time.Date(2026, 10, 14, 23, 30, 0, 0, prefs.Location(nil))
	_, err := p.Plan(context.Background(), notification(policy.CategoryAcademic, kit.PriorityLow), "u1", prefs, academic(t), now)
	require.NoError(t, err)
	select {
	case loc := <-eng.got:
		assert.Equal(t, "Asia/Tokyo", loc.String())
	default:
		t.Fatal("active hours not consulted")
	}
}

func TestPlanNeverInsideQuietWindow(t *testing.T) {
	t.Parallel()
	var hours analytics.HourSet
	for h := range hours {
		hours[h] = h%2 == 0
	}
	p := newPlanner(fakeEngagement{hours: hours, score: 0.5})
	prefs := policy.DefaultPreferences(policy.DefaultCatalog())

	start := at(14, 22, 0)
	for m := 0; m < 9*60; m++ {
		now := start.Add(time.Duration(m) * time.Minute)
		d, err := p.Plan(context.Background(), notification(policy.CategoryAcademic, kit.PriorityLow), "u1", prefs, academic(t), now)
		require.NoError(t, err)
		if d.Immediate(now) {
			continue
		}
		assert.False(t, prefs.QuietHours.Contains(d.DeliverAt.Add(time.Minute)), "deliverAt %s for %s", d.DeliverAt, now)
	}
}
