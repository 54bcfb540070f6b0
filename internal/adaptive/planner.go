// Package adaptive decides when a notification should be delivered: now, after the
// user's quiet hours, or now with escalated urgency for disengaged users.
package adaptive

import (
	"context"
	"errors"
	"time"

	"campusnotify/internal/analytics"
	"campusnotify/internal/policy"
	kit "campusnotify/internal/transport"
)

// ErrCategoryDisabled means the user opted out of the category. Callers drop the
// notification without queuing it.
var ErrCategoryDisabled = errors.New("category disabled")

const (
	DefaultLowEngagementThreshold = 0.3
	DefaultUrgencyMarker          = "⚠️ "
)

// Engagement is the subset of behavioral analytics the planner reads.
type Engagement interface {
	ActiveHours(ctx context.Context, userID string, loc *time.Location) analytics.HourSet
	EngagementScore(ctx context.Context, userID string) float64
}

type Config struct {
	LowEngagementThreshold float64
	UrgencyMarker          string
	// Location is used for users without a timezone preference.
	Location *time.Location
}

// Reason tells how a decision was reached.
type Reason string

const (
	ReasonImmediate  Reason = "immediate"
	ReasonQuietHours Reason = "quiet_hours"
	ReasonActiveHour Reason = "active_hour"
	ReasonEscalated  Reason = "escalated"
)

// Decision is the planner's output. Notification may differ from the input when the
// planner escalated it.
type Decision struct {
	Notification kit.Notification
	DeliverAt    time.Time
	Reason       Reason
}

// Immediate reports whether the notification is due at now.
func (d Decision) Immediate(now time.Time) bool { return !d.DeliverAt.After(now) }

type Planner struct {
	cfg Config
	eng Engagement
}

func New(cfg Config, eng Engagement) *Planner {
	if cfg.LowEngagementThreshold <= 0 {
		cfg.LowEngagementThreshold = DefaultLowEngagementThreshold
	}
	if cfg.UrgencyMarker == "" {
		cfg.UrgencyMarker = DefaultUrgencyMarker
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Planner{cfg: cfg, eng: eng}
}

// Plan computes the delivery time of n for userID at now.
//
// Quiet hours apply when the category respects them and n is below CRITICAL. The
// deferred time is the end of the window, or an earlier learned active hour that lies
// outside it. A result is never inside the window.
func (p *Planner) Plan(ctx context.Context, n kit.Notification, userID string, prefs policy.UserPreferences, pol policy.CategoryPolicy, now time.Time) (Decision, error) {
	if !prefs.CategoryEnabled(n.Category) {
		return Decision{}, ErrCategoryDisabled
	}

	loc := prefs.Location(p.cfg.Location)
	local := now.In(loc)
	d := Decision{Notification: n, DeliverAt: now, Reason: ReasonImmediate}

	if pol.RespectsQuietHours && n.Priority < kit.PriorityCritical && prefs.QuietHours.Contains(local) {
		d.DeliverAt = prefs.QuietHours.Until(local)
		d.Reason = ReasonQuietHours
		if prefs.AdaptiveSchedulingEnabled && p.eng != nil {
			if at, ok := nextActiveHour(p.eng.ActiveHours(ctx, userID, loc), prefs.QuietHours, local, d.DeliverAt); ok {
				d.DeliverAt = at
				d.Reason = ReasonActiveHour
			}
		}
		return d, nil
	}

	if prefs.AdaptiveSchedulingEnabled && p.eng != nil && p.eng.EngagementScore(ctx, userID) < p.cfg.LowEngagementThreshold {
		d.Notification = escalate(n, p.cfg.UrgencyMarker)
		d.Reason = ReasonEscalated
	}
	return d, nil
}

// nextActiveHour finds the first active hour boundary after local and before limit
// that is outside the quiet window.
func nextActiveHour(hours analytics.HourSet, q policy.QuietHours, local, limit time.Time) (time.Time, bool) {
	if hours.Empty() {
		return time.Time{}, false
	}
	t := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, local.Location()).Add(time.Hour)
	for ; t.Before(limit); t = t.Add(time.Hour) {
		if hours.Has(t.Hour()) && !q.Contains(t) {
			return t, true
		}
	}
	return time.Time{}, false
}

func escalate(n kit.Notification, marker string) kit.Notification {
	out := n
	out.Title = marker + n.Title
	out.Priority = n.Priority.Raise()
	return out
}
