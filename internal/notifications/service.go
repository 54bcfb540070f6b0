// Package notifications is the operation surface offered to callers (REST handlers,
// UI backends): subscriptions, preferences, notify, metrics and scheduled-entry control.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"campusnotify/internal/analytics"
	"campusnotify/internal/dispatch"
	"campusnotify/internal/offline"
	"campusnotify/internal/policy"
	"campusnotify/internal/schedule"
	"campusnotify/internal/subscription"
	kit "campusnotify/internal/transport"
	logx "campusnotify/pkg/logx"
)

const DefaultFailureHistory = 300

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownAction  = errors.New("unknown interaction action")
)

// Request is one notify call.
type Request struct {
	Category string         `json:"category"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
}

type Deps struct {
	Policies      *policy.Store
	Subscriptions *subscription.Manager
	Analytics     *analytics.Recorder
	Dispatcher    *dispatch.Dispatcher
	Scheduled     *schedule.Store
	Offline       *offline.Queue
	Log           logx.Logger
	Now           func() time.Time
}

type Config struct {
	// FailureHistory bounds the permanent-failure feed; 0 means DefaultFailureHistory.
	FailureHistory int
}

type Service struct {
	d   Deps
	log logx.Logger
	now func() time.Time

	fmu      sync.Mutex
	failures []offline.Failure
	maxFail  int
}

func New(cfg Config, d Deps) (*Service, error) {
	if d.Policies == nil || d.Subscriptions == nil || d.Analytics == nil || d.Dispatcher == nil || d.Scheduled == nil {
		return nil, errors.New("notifications: policies, subscriptions, analytics, dispatcher and scheduled store are required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	maxFail := cfg.FailureHistory
	if maxFail <= 0 {
		maxFail = DefaultFailureHistory
	}
	s := &Service{d: d, log: log, now: d.Now, maxFail: maxFail}
	if d.Offline != nil {
		d.Offline.OnPermanentFailure(s.addFailure)
	}
	return s, nil
}

// ---- subscriptions ----

func (s *Service) Subscribe(ctx context.Context, dev subscription.DeviceInfo) (kit.Subscription, error) {
	if strings.TrimSpace(dev.UserID) == "" || strings.TrimSpace(dev.DeviceID) == "" {
		return kit.Subscription{}, fmt.Errorf("%w: user_id and device_id are required", ErrInvalidRequest)
	}
	return s.d.Subscriptions.Subscribe(ctx, dev)
}

// Unsubscribe revokes one subscription. Revoking twice is not an error.
func (s *Service) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return s.d.Subscriptions.Unsubscribe(ctx, subscriptionID)
}

// UnsubscribeUser revokes every subscription of the user.
func (s *Service) UnsubscribeUser(ctx context.Context, userID string) error {
	var errs []error
	for _, sub := range s.d.Subscriptions.ForUser(ctx, userID) {
		if err := s.d.Subscriptions.Unsubscribe(ctx, sub.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) Subscription(ctx context.Context, id string) (kit.Subscription, error) {
	return s.d.Subscriptions.Get(ctx, id)
}

func (s *Service) Subscriptions(ctx context.Context, userID string) []kit.Subscription {
	return s.d.Subscriptions.ForUser(ctx, userID)
}

// ---- preferences ----

func (s *Service) Preferences(ctx context.Context, userID string) policy.UserPreferences {
	return s.d.Policies.Preferences(ctx, userID)
}

func (s *Service) UpdatePreferences(ctx context.Context, userID string, patch policy.Patch) (policy.UserPreferences, error) {
	for id := range patch.PerCategory {
		if _, err := s.d.Policies.CategoryPolicy(id); err != nil {
			return policy.UserPreferences{}, err
		}
	}
	return s.d.Policies.UpdatePreferences(ctx, userID, patch)
}

// ---- notify ----

// Notify builds the notification, picks its priority (user override, else category
// default) and runs it through the dispatcher. Transient failures are in the Result.
func (s *Service) Notify(ctx context.Context, userID string, req Request) kit.Result {
	now := s.now()
	n := kit.NewNotification(req.Category, req.Title, req.Body, req.Data, now)
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(req.Title) == "" {
		return kit.Result{Status: kit.StatusDropped, NotificationID: n.ID, Err: fmt.Errorf("%w: user and title are required", ErrInvalidRequest)}
	}
	pol, err := s.d.Policies.CategoryPolicy(req.Category)
	if err != nil {
		return kit.Result{Status: kit.StatusDropped, NotificationID: n.ID, Err: err}
	}
	prefs := s.d.Policies.Preferences(ctx, userID)
	n.Priority = prefs.PriorityFor(pol.ID, pol.Priority)

	res := s.d.Dispatcher.Send(ctx, n, userID)
	s.log.Debug("notify",
		logx.String("id", n.ID),
		logx.String("user", userID),
		logx.String("category", n.Category),
		logx.String("status", string(res.Status)),
		logx.Err(res.Err),
	)
	return res
}

// BulkRequest is one recipient of a bulk send.
type BulkRequest struct {
	UserID string `json:"user_id"`
	Request
}

// NotifyBulk resolves priorities like Notify and sends in batches.
func (s *Service) NotifyBulk(ctx context.Context, reqs []BulkRequest, opts dispatch.BulkOptions) dispatch.BulkResult {
	now := s.now()
	items := make([]dispatch.BulkItem, 0, len(reqs))
	for _, r := range reqs {
		n := kit.NewNotification(r.Category, r.Title, r.Body, r.Data, now)
		if pol, err := s.d.Policies.CategoryPolicy(r.Category); err == nil {
			n.Priority = s.d.Policies.Preferences(ctx, r.UserID).PriorityFor(pol.ID, pol.Priority)
		}
		items = append(items, dispatch.BulkItem{Notification: n, UserID: r.UserID})
	}
	return s.d.Dispatcher.SendBulk(ctx, items, opts)
}

// ---- analytics ----

func (s *Service) Metrics(ctx context.Context, userID string) analytics.Metrics {
	return s.d.Analytics.Metrics(ctx, userID)
}

func (s *Service) CategoryAffinity(ctx context.Context, userID string) map[string]float64 {
	return s.d.Analytics.CategoryAffinity(ctx, userID)
}

// Interaction is a client report about a delivered notification.
type Interaction struct {
	NotificationID string           `json:"notification_id"`
	Category       string           `json:"category"`
	Action         analytics.Action `json:"action"`
}

// RecordInteraction stores an opened/acted/dismissed report. Only client-side actions
// are accepted; sent and delivered are recorded by the dispatcher.
func (s *Service) RecordInteraction(ctx context.Context, userID string, in Interaction) error {
	switch in.Action {
	case analytics.ActionOpened, analytics.ActionActed, analytics.ActionDismissed:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, in.Action)
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(in.NotificationID) == "" {
		return fmt.Errorf("%w: user and notification_id are required", ErrInvalidRequest)
	}
	s.d.Analytics.Record(ctx, analytics.Event{
		NotificationID: in.NotificationID,
		UserID:         userID,
		Category:       in.Category,
		Action:         in.Action,
		Timestamp:      s.now(),
	})
	return nil
}

// ---- scheduled entries ----

// CancelScheduled removes a pending entry. It returns false when the entry already
// fired or never existed.
func (s *Service) CancelScheduled(ctx context.Context, notificationID string) bool {
	return s.d.Scheduled.Cancel(ctx, notificationID)
}

func (s *Service) Scheduled(ctx context.Context) []schedule.Entry {
	return s.d.Scheduled.Pending(ctx)
}

// ---- failure feed ----

func (s *Service) addFailure(f offline.Failure) {
	s.fmu.Lock()
	s.failures = append(s.failures, f)
	if over := len(s.failures) - s.maxFail; over > 0 {
		s.failures = append(s.failures[:0:0], s.failures[over:]...)
	}
	s.fmu.Unlock()
}

// Failures returns permanently failed notifications, newest last. A non-empty userID
// filters to that recipient.
func (s *Service) Failures(userID string) []offline.Failure {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	out := make([]offline.Failure, 0, len(s.failures))
	for _, f := range s.failures {
		if userID == "" || f.Envelope.UserID == userID {
			out = append(out, f)
		}
	}
	return out
}

// OfflinePending is the number of notifications waiting for redelivery.
func (s *Service) OfflinePending() int {
	if s.d.Offline == nil {
		return 0
	}
	return s.d.Offline.Len()
}
