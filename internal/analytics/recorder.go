package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"campusnotify/internal/storage"
	logx "campusnotify/pkg/logx"
)

const (
	// MaxEvents caps each user's log; the oldest entries are evicted first.
	MaxEvents = 1000
	// DefaultActiveWindow is how many recent events feed the active-hour histogram.
	DefaultActiveWindow = 100

	neutralScore = 0.5
	logKeyPrefix = "analytics/"
)

type Config struct {
	ActiveWindow int
	// Location buckets events into local hours of day.
	Location *time.Location
}

type userLog struct {
	mu     sync.Mutex
	loaded bool
	events []Event

	// persistMu spans snapshot and write so writes land in snapshot order.
	persistMu sync.Mutex
}

// Recorder is the behavioral analytics component.
type Recorder struct {
	cfg Config
	kv  storage.Store
	log logx.Logger

	mu    sync.Mutex
	users map[string]*userLog

	failures atomic.Uint64
}

func New(cfg Config, kv storage.Store, log logx.Logger) *Recorder {
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = DefaultActiveWindow
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{cfg: cfg, kv: kv, log: log, users: map[string]*userLog{}}
}

// Failures counts swallowed recording/persistence failures.
func (r *Recorder) Failures() uint64 { return r.failures.Load() }

func (r *Recorder) userLog(userID string) *userLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	ul := r.users[userID]
	if ul == nil {
		ul = &userLog{}
		r.users[userID] = ul
	}
	return ul
}

// loadLocked lazily restores the persisted log. Caller holds ul.mu.
func (r *Recorder) loadLocked(ctx context.Context, userID string, ul *userLog) {
	if ul.loaded {
		return
	}
	ul.loaded = true
	if r.kv == nil {
		return
	}
	var events []Event
	ok, err := storage.GetJSON(ctx, r.kv, logKeyPrefix+userID, &events)
	if err != nil {
		r.failures.Add(1)
		r.log.Debug("analytics log load failed", logx.String("user", userID), logx.Err(err))
		return
	}
	if ok {
		ul.events = append(events, ul.events...)
		trim(ul)
	}
}

func trim(ul *userLog) {
	if n := len(ul.events); n > MaxEvents {
		ul.events = append([]Event(nil), ul.events[n-MaxEvents:]...)
	}
}

// Record appends e to the user's capped log. It never fails: invalid events and
// persistence errors are counted and dropped.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if e.UserID == "" || !e.Action.Valid() {
		r.failures.Add(1)
		r.log.Debug("analytics event rejected", logx.String("user", e.UserID), logx.String("action", string(e.Action)))
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	ul := r.userLog(e.UserID)
	ul.mu.Lock()
	r.loadLocked(ctx, e.UserID, ul)
	if e.ResponseTimeMs == nil && (e.Action == ActionOpened || e.Action == ActionActed) {
		e.ResponseTimeMs = responseTime(ul.events, e)
	}
	ul.events = append(ul.events, e)
	trim(ul)
	ul.mu.Unlock()

	r.persist(ctx, e.UserID, ul)
}

func (r *Recorder) persist(ctx context.Context, userID string, ul *userLog) {
	if r.kv == nil {
		return
	}
	ul.persistMu.Lock()
	defer ul.persistMu.Unlock()
	ul.mu.Lock()
	snapshot := append([]Event(nil), ul.events...)
	ul.mu.Unlock()
	if err := storage.SetJSON(ctx, r.kv, logKeyPrefix+userID, snapshot); err != nil {
		r.failures.Add(1)
		r.log.Debug("analytics log persist failed", logx.String("user", userID), logx.Err(err))
	}
}

// responseTime derives the delay since the notification's delivered event, if any.
func responseTime(events []Event, e Event) *int64 {
	for i := len(events) - 1; i >= 0; i-- {
		d := events[i]
		if d.NotificationID == e.NotificationID && d.Action == ActionDelivered {
			ms := e.Timestamp.Sub(d.Timestamp).Milliseconds()
			if ms < 0 {
				return nil
			}
			return &ms
		}
	}
	return nil
}

// Events returns a snapshot copy of the user's log, oldest first.
func (r *Recorder) Events(ctx context.Context, userID string) []Event {
	ul := r.userLog(userID)
	ul.mu.Lock()
	r.loadLocked(ctx, userID, ul)
	out := append([]Event(nil), ul.events...)
	ul.mu.Unlock()
	return out
}

// ActiveHours returns the hours of day, in loc, where opened events in the last
// ActiveWindow events exceed 10% of the mean hourly count. A nil loc uses the
// configured Location. Empty history yields an empty set.
func (r *Recorder) ActiveHours(ctx context.Context, userID string, loc *time.Location) HourSet {
	if loc == nil {
		loc = r.cfg.Location
	}
	events := r.Events(ctx, userID)
	if n := len(events); n > r.cfg.ActiveWindow {
		events = events[n-r.cfg.ActiveWindow:]
	}
	return activeHours(events, loc)
}

func activeHours(events []Event, loc *time.Location) HourSet {
	var hist [24]int
	total := 0
	for _, e := range events {
		if e.Action != ActionOpened {
			continue
		}
		hist[e.Timestamp.In(loc).Hour()]++
		total++
	}
	var set HourSet
	if total == 0 {
		return set
	}
	threshold := 0.1 * (float64(total) / 24)
	for h, c := range hist {
		if float64(c) > threshold {
			set[h] = true
		}
	}
	return set
}

// EngagementScore is 0.7*openRate + 0.3*actionRate, or 0.5 when nothing was delivered.
func (r *Recorder) EngagementScore(ctx context.Context, userID string) float64 {
	return metrics(r.Events(ctx, userID)).EngagementScore
}

// Metrics recomputes the user's counters and score from the log.
func (r *Recorder) Metrics(ctx context.Context, userID string) Metrics {
	return metrics(r.Events(ctx, userID))
}

func metrics(events []Event) Metrics {
	var m Metrics
	for _, e := range events {
		switch e.Action {
		case ActionSent:
			m.Sent++
		case ActionDelivered:
			m.Delivered++
		case ActionOpened:
			m.Opened++
		case ActionActed:
			m.Acted++
		case ActionDismissed:
			m.Dismissed++
		}
	}
	m.EngagementScore = score(m)
	return m
}

func score(m Metrics) float64 {
	if m.Delivered == 0 {
		return neutralScore
	}
	openRate := float64(m.Opened) / float64(m.Delivered)
	actionRate := float64(m.Acted) / float64(m.Delivered)
	s := 0.7*openRate + 0.3*actionRate
	if s > 1 {
		s = 1
	}
	return s
}

// CategoryAffinity returns opened/delivered per category.
func (r *Recorder) CategoryAffinity(ctx context.Context, userID string) map[string]float64 {
	delivered := map[string]int{}
	opened := map[string]int{}
	for _, e := range r.Events(ctx, userID) {
		switch e.Action {
		case ActionDelivered:
			delivered[e.Category]++
		case ActionOpened:
			opened[e.Category]++
		}
	}
	out := make(map[string]float64, len(delivered))
	for cat, d := range delivered {
		out[cat] = float64(opened[cat]) / float64(d)
	}
	return out
}
