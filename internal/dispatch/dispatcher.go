// Package dispatch is the delivery pipeline: it asks the planner when a notification
// should go out, applies per-recipient rate limiting, and then sends it, schedules it,
// or hands it to the offline queue.
//
// A notification is owned by exactly one of: an in-flight dispatch, the scheduled
// store, the offline queue. Ownership moves by explicit hand-off only.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"campusnotify/internal/adaptive"
	"campusnotify/internal/analytics"
	"campusnotify/internal/eventbus"
	"campusnotify/internal/policy"
	"campusnotify/internal/ratelimit"
	"campusnotify/internal/schedule"
	kit "campusnotify/internal/transport"
	logx "campusnotify/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrRateLimited    = errors.New("rate limited")
	ErrNetworkOffline = errors.New("network offline")
	errNoOfflineSink  = errors.New("offline queue unavailable")
)

type Policies interface {
	Preferences(ctx context.Context, userID string) policy.UserPreferences
	CategoryPolicy(id string) (policy.CategoryPolicy, error)
}

type Planner interface {
	Plan(ctx context.Context, n kit.Notification, userID string, prefs policy.UserPreferences, pol policy.CategoryPolicy, now time.Time) (adaptive.Decision, error)
}

type Subscriptions interface {
	ActiveForUser(ctx context.Context, userID string) ([]kit.Subscription, error)
	// Invalidate reports that the sender found the endpoint gone.
	Invalidate(ctx context.Context, sub kit.Subscription, cause error)
}

type Recorder interface {
	Record(ctx context.Context, e analytics.Event)
}

type Scheduler interface {
	Schedule(ctx context.Context, env kit.Envelope, deliverAt time.Time) (schedule.Entry, error)
}

// OfflineSink takes ownership of an envelope that could not be sent.
type OfflineSink interface {
	Push(ctx context.Context, env kit.Envelope, cause error) error
}

type Network interface {
	Online() bool
}

type Config struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	BatchSize       int
	InterBatchDelay time.Duration
	SendTimeout     time.Duration
	// OutboundRatePerSec paces Sender calls across all recipients; 0 disables pacing.
	OutboundRatePerSec float64
}

func (c Config) withDefaults() Config {
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = ratelimit.DefaultLimit
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = ratelimit.DefaultWindow
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.InterBatchDelay < 0 {
		c.InterBatchDelay = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Deps are the collaborators of a Dispatcher. Scheduler, Offline, Network, Recorder
// and Bus are optional.
type Deps struct {
	Policies      Policies
	Planner       Planner
	Subscriptions Subscriptions
	Sender        kit.Sender
	Recorder      Recorder
	Scheduler     Scheduler
	Offline       OfflineSink
	Network       Network
	Bus           eventbus.Bus
	Log           logx.Logger
	Now           func() time.Time
}

type Dispatcher struct {
	cfg     Config
	deps    Deps
	log     logx.Logger
	now     func() time.Time
	limiter *ratelimit.SlidingWindow
	pacer   *rate.Limiter

	mu      sync.RWMutex
	offline OfflineSink
	sched   Scheduler
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	if deps.Policies == nil || deps.Planner == nil || deps.Subscriptions == nil || deps.Sender == nil {
		return nil, errors.New("dispatch: policies, planner, subscriptions and sender are required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	lim, err := ratelimit.NewSlidingWindow(cfg.RateLimitMax, cfg.RateLimitWindow, ratelimit.WithClock(deps.Now))
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	pacer := rate.NewLimiter(rate.Inf, 0)
	if cfg.OutboundRatePerSec > 0 {
		burst := int(cfg.OutboundRatePerSec)
		if burst < 1 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(cfg.OutboundRatePerSec), burst)
	}
	return &Dispatcher{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		now:     deps.Now,
		limiter: lim,
		pacer:   pacer,
		offline: deps.Offline,
		sched:   deps.Scheduler,
	}, nil
}

// SetOffline wires the offline queue after construction; the queue itself depends on
// the dispatcher for redelivery.
func (d *Dispatcher) SetOffline(o OfflineSink) {
	d.mu.Lock()
	d.offline = o
	d.mu.Unlock()
}

func (d *Dispatcher) SetScheduler(s Scheduler) {
	d.mu.Lock()
	d.sched = s
	d.mu.Unlock()
}

// Limiter exposes the per-recipient limiter for maintenance sweeps.
func (d *Dispatcher) Limiter() *ratelimit.SlidingWindow { return d.limiter }

// Send runs the full pipeline for a new notification. Transient failures are folded
// into the Result; it never blocks on anything except the Sender call.
func (d *Dispatcher) Send(ctx context.Context, n kit.Notification, userID string) kit.Result {
	env := kit.Envelope{Notification: n, UserID: userID, EnqueuedAt: d.now()}
	return d.process(ctx, env, true)
}

// Fire is the scheduled store's due-entry handler: preferences are re-validated and
// the entry re-enters the pipeline.
func (d *Dispatcher) Fire(ctx context.Context, e schedule.Entry) {
	res := d.process(ctx, e.Envelope, true)
	d.log.Debug("scheduled entry fired",
		logx.String("id", e.ID()),
		logx.String("user", e.Envelope.UserID),
		logx.String("status", string(res.Status)),
		logx.Err(res.Err),
	)
}

// Redeliver is used by the offline queue. Failed sends are reported, not queued: the
// caller keeps ownership unless the Result is Delivered, Scheduled or Dropped.
func (d *Dispatcher) Redeliver(ctx context.Context, env kit.Envelope) kit.Result {
	return d.process(ctx, env, false)
}

func (d *Dispatcher) process(ctx context.Context, env kit.Envelope, queueFailures bool) kit.Result {
	now := d.now()
	n := env.Notification
	log := d.log.With(logx.String("id", n.ID), logx.String("user", env.UserID), logx.String("category", n.Category))

	pol, err := d.deps.Policies.CategoryPolicy(n.Category)
	if err != nil {
		return d.drop(env, err, log)
	}
	prefs := d.deps.Policies.Preferences(ctx, env.UserID)

	dec, err := d.deps.Planner.Plan(ctx, n, env.UserID, prefs, pol, now)
	if err != nil {
		return d.drop(env, err, log)
	}
	// env keeps the notification as submitted; escalation only shapes this attempt's payload.
	if res := d.limiter.Allow(env.UserID); !res.Allowed {
		log.Debug("rate limited", logx.Duration("retry_after", res.RetryAfter(now)))
		return d.hold(ctx, env, kit.StatusRateLimited, ErrRateLimited, queueFailures, log)
	}

	if !dec.Immediate(now) {
		return d.schedule(ctx, env, dec, log)
	}
	return d.deliver(ctx, env, dec.Notification, pol, now, queueFailures, log)
}

func (d *Dispatcher) drop(env kit.Envelope, cause error, log logx.Logger) kit.Result {
	log.Debug("notification dropped", logx.Err(cause))
	d.publish(eventbus.TypeDropped, env, cause)
	return kit.Result{Status: kit.StatusDropped, NotificationID: env.Notification.ID, Err: cause}
}

// hold hands env to the offline queue, or reports status without queuing when the
// caller owns failures.
func (d *Dispatcher) hold(ctx context.Context, env kit.Envelope, status kit.Status, cause error, queue bool, log logx.Logger) kit.Result {
	res := kit.Result{Status: status, NotificationID: env.Notification.ID, Err: cause}
	if !queue {
		return res
	}
	d.mu.RLock()
	sink := d.offline
	d.mu.RUnlock()
	if sink == nil {
		return d.drop(env, fmt.Errorf("%w: %w", errNoOfflineSink, cause), log)
	}
	if err := sink.Push(ctx, env, cause); err != nil {
		return d.drop(env, fmt.Errorf("offline enqueue: %w", err), log)
	}
	if status == kit.StatusRateLimited {
		d.publish(eventbus.TypeRateLimited, env, cause)
	} else {
		d.publish(eventbus.TypeQueuedOffline, env, cause)
	}
	return res
}

func (d *Dispatcher) schedule(ctx context.Context, env kit.Envelope, dec adaptive.Decision, log logx.Logger) kit.Result {
	d.mu.RLock()
	sched := d.sched
	d.mu.RUnlock()
	if sched == nil {
		return d.drop(env, errors.New("scheduler unavailable"), log)
	}
	if _, err := sched.Schedule(ctx, env, dec.DeliverAt); err != nil {
		return d.drop(env, fmt.Errorf("schedule: %w", err), log)
	}
	log.Debug("notification deferred", logx.Time("deliver_at", dec.DeliverAt), logx.String("reason", string(dec.Reason)))
	d.publish(eventbus.TypeScheduled, env, nil)
	return kit.Result{Status: kit.StatusScheduled, NotificationID: env.Notification.ID, DeliverAt: dec.DeliverAt}
}

func (d *Dispatcher) deliver(ctx context.Context, env kit.Envelope, n kit.Notification, pol policy.CategoryPolicy, now time.Time, queue bool, log logx.Logger) kit.Result {
	subs, err := d.deps.Subscriptions.ActiveForUser(ctx, env.UserID)
	if err != nil {
		return d.hold(ctx, env, kit.StatusQueuedOffline, fmt.Errorf("%w: subscriptions: %w", kit.ErrSendFailure, err), queue, log)
	}
	if len(subs) == 0 {
		return d.drop(env, kit.ErrNoSubscriber, log)
	}
	if d.deps.Network != nil && !d.deps.Network.Online() {
		return d.hold(ctx, env, kit.StatusQueuedOffline, fmt.Errorf("%w: %w", kit.ErrSendFailure, ErrNetworkOffline), queue, log)
	}

	p := buildPayload(n, pol, now)
	d.record(ctx, env, analytics.ActionSent, now)

	delivered := 0
	var lastErr error
	for _, sub := range subs {
		if err := d.pacer.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := d.deps.Sender.Send(sctx, sub, p)
		cancel()
		if err == nil {
			delivered++
			continue
		}
		lastErr = err
		log.Debug("send failed", logx.String("subscription", sub.ID), logx.Err(err))
		if errors.Is(err, kit.ErrEndpointGone) {
			d.deps.Subscriptions.Invalidate(ctx, sub, err)
		}
	}

	if delivered == 0 {
		return d.hold(ctx, env, kit.StatusQueuedOffline, fmt.Errorf("%w: %w", kit.ErrSendFailure, lastErr), queue, log)
	}
	d.record(ctx, env, analytics.ActionDelivered, d.now())
	d.publish(eventbus.TypeDelivered, env, nil)
	return kit.Result{Status: kit.StatusDelivered, NotificationID: n.ID, DeliverAt: now}
}

func buildPayload(n kit.Notification, pol policy.CategoryPolicy, now time.Time) kit.Payload {
	return kit.Payload{
		NotificationID:     n.ID,
		Category:           n.Category,
		Title:              n.Title,
		Body:               n.Body,
		Data:               n.Data,
		Priority:           n.Priority,
		Sound:              pol.SoundProfile,
		Vibration:          append([]int(nil), pol.VibrationPattern...),
		RequireInteraction: pol.RequiresInteraction,
		Tag:                n.Category,
		Timestamp:          now.UnixMilli(),
	}
}

func (d *Dispatcher) record(ctx context.Context, env kit.Envelope, action analytics.Action, at time.Time) {
	if d.deps.Recorder == nil {
		return
	}
	d.deps.Recorder.Record(ctx, analytics.Event{
		NotificationID: env.Notification.ID,
		UserID:         env.UserID,
		Category:       env.Notification.Category,
		Action:         action,
		Timestamp:      at,
	})
}

// Event is the payload of dispatch bus events.
type Event struct {
	NotificationID string `json:"notification_id"`
	UserID         string `json:"user_id"`
	Category       string `json:"category"`
	Error          string `json:"error,omitempty"`
}

func (e Event) EventUserID() string { return e.UserID }

func (d *Dispatcher) publish(typ string, env kit.Envelope, cause error) {
	if d.deps.Bus == nil {
		return
	}
	ev := Event{NotificationID: env.Notification.ID, UserID: env.UserID, Category: env.Notification.Category}
	if cause != nil {
		ev.Error = cause.Error()
	}
	d.deps.Bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: ev})
}
