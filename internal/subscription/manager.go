package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"campusnotify/internal/eventbus"
	"campusnotify/internal/policy"
	"campusnotify/internal/storage"
	kit "campusnotify/internal/transport"
	logx "campusnotify/pkg/logx"

	"github.com/google/uuid"
)

const persistKey = "subscriptions"

type Preferences interface {
	Preferences(ctx context.Context, userID string) policy.UserPreferences
}

type Config struct {
	MaxRenewAttempts int
	Now              func() time.Time
}

type record struct {
	Subscription kit.Subscription `json:"subscription"`
	Fingerprint  string           `json:"fingerprint"`
}

type Manager struct {
	cfg      Config
	platform Platform
	prefs    Preferences
	kv       storage.Store
	bus      eventbus.Bus
	log      logx.Logger

	mu     sync.Mutex
	loaded bool
	byID   map[string]*record
	byFP   map[string]string // fingerprint -> newest subscription id
}

func New(cfg Config, platform Platform, prefs Preferences, kv storage.Store, bus eventbus.Bus, log logx.Logger) *Manager {
	if cfg.MaxRenewAttempts <= 0 {
		cfg.MaxRenewAttempts = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:      cfg,
		platform: platform,
		prefs:    prefs,
		kv:       kv,
		bus:      bus,
		log:      log,
		byID:     map[string]*record{},
		byFP:     map[string]string{},
	}
}

// loadLocked restores persisted subscriptions once. Caller holds m.mu.
func (m *Manager) loadLocked(ctx context.Context) {
	if m.loaded {
		return
	}
	m.loaded = true
	if m.kv == nil {
		return
	}
	var recs []record
	ok, err := storage.GetJSON(ctx, m.kv, persistKey, &recs)
	if err != nil {
		m.log.Warn("subscriptions restore failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Subscription.RegisteredAt.Before(recs[j].Subscription.RegisteredAt)
	})
	for i := range recs {
		r := recs[i]
		m.byID[r.Subscription.ID] = &r
		m.byFP[r.Fingerprint] = r.Subscription.ID
	}
}

// persistLocked writes the whole set. Caller holds m.mu.
func (m *Manager) persistLocked(ctx context.Context) {
	if m.kv == nil {
		return
	}
	recs := make([]record, 0, len(m.byID))
	for _, r := range m.byID {
		recs = append(recs, *r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Subscription.ID < recs[j].Subscription.ID })
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := storage.SetJSON(pctx, m.kv, persistKey, recs); err != nil {
		m.log.Warn("subscriptions persist failed", logx.Err(err))
	}
}

func (m *Manager) publish(typ string, sub kit.Subscription) {
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: typ, Time: m.cfg.Now(), Data: sub})
	}
}

// Subscribe asks the platform for permission and registers an ACTIVE subscription.
func (m *Manager) Subscribe(ctx context.Context, dev DeviceInfo) (kit.Subscription, error) {
	if dev.UserID == "" {
		return kit.Subscription{}, errors.New("user id is required")
	}
	fp := dev.Fingerprint()

	m.mu.Lock()
	m.loadLocked(ctx)
	if id, ok := m.byFP[fp]; ok && m.byID[id].Subscription.Status == kit.SubscriptionActive {
		m.mu.Unlock()
		return kit.Subscription{}, ErrAlreadySubscribed
	}
	m.mu.Unlock()

	granted, err := m.platform.RequestPermission(ctx, dev)
	if err != nil {
		return kit.Subscription{}, fmt.Errorf("request permission: %w", err)
	}
	if !granted {
		return kit.Subscription{}, ErrPermissionDenied
	}
	token, err := m.platform.Register(ctx, dev, m.preferences(ctx, dev.UserID))
	if err != nil {
		return kit.Subscription{}, fmt.Errorf("register endpoint: %w", err)
	}

	now := m.cfg.Now()
	sub := kit.Subscription{
		ID:              uuid.NewString(),
		UserID:          dev.UserID,
		DeviceID:        dev.DeviceID,
		EndpointToken:   token,
		UserAgent:       dev.UserAgent,
		RegisteredAt:    now,
		LastValidatedAt: now,
	}
	if err := transition(&sub, kit.SubscriptionActive); err != nil {
		return kit.Subscription{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byFP[fp]; ok {
		prev := m.byID[id]
		if prev.Subscription.Status == kit.SubscriptionActive {
			return kit.Subscription{}, ErrAlreadySubscribed
		}
		// A stale registration of the same device is superseded.
		if prev.Subscription.Status == kit.SubscriptionStale {
			_ = transition(&prev.Subscription, kit.SubscriptionRevoked)
		}
	}
	m.byID[sub.ID] = &record{Subscription: sub, Fingerprint: fp}
	m.byFP[fp] = sub.ID
	m.persistLocked(ctx)
	m.log.Info("subscribed", logx.String("user", sub.UserID), logx.String("subscription", sub.ID))
	return sub, nil
}

func (m *Manager) preferences(ctx context.Context, userID string) policy.UserPreferences {
	if m.prefs == nil {
		return policy.UserPreferences{}
	}
	return m.prefs.Preferences(ctx, userID)
}

func (m *Manager) Get(ctx context.Context, id string) (kit.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)
	r, ok := m.byID[id]
	if !ok {
		return kit.Subscription{}, ErrNotFound
	}
	return r.Subscription, nil
}

// ForUser lists every subscription of the user, newest first.
func (m *Manager) ForUser(ctx context.Context, userID string) []kit.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)
	var out []kit.Subscription
	for _, r := range m.byID {
		if r.Subscription.UserID == userID {
			out = append(out, r.Subscription)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.After(out[j].RegisteredAt) })
	return out
}

// ActiveForUser lists the user's ACTIVE subscriptions.
func (m *Manager) ActiveForUser(ctx context.Context, userID string) ([]kit.Subscription, error) {
	var out []kit.Subscription
	for _, s := range m.ForUser(ctx, userID) {
		if s.Status == kit.SubscriptionActive {
			out = append(out, s)
		}
	}
	return out, nil
}

// Unsubscribe cancels the endpoint and revokes the subscription. Revoking an already
// revoked subscription is a no-op.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status == kit.SubscriptionRevoked {
		return nil
	}
	if err := m.platform.Cancel(ctx, sub); err != nil {
		m.log.Warn("endpoint cancel failed", logx.String("subscription", id), logx.Err(err))
	}
	revoked, err := m.update(ctx, id, func(s *kit.Subscription) error {
		if s.Status == kit.SubscriptionRevoked {
			return nil
		}
		return transition(s, kit.SubscriptionRevoked)
	})
	if err != nil {
		return err
	}
	m.publish(eventbus.TypeSubscriptionRevoke, revoked)
	return nil
}

func (m *Manager) update(ctx context.Context, id string, fn func(s *kit.Subscription) error) (kit.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked(ctx)
	r, ok := m.byID[id]
	if !ok {
		return kit.Subscription{}, ErrNotFound
	}
	cp := r.Subscription
	if err := fn(&cp); err != nil {
		return kit.Subscription{}, err
	}
	r.Subscription = cp
	m.persistLocked(ctx)
	return cp, nil
}

// Validate checks the endpoint. On failure the subscription goes STALE and is renewed;
// the returned error is the renewal outcome.
func (m *Manager) Validate(ctx context.Context, id string) (bool, error) {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if sub.Status != kit.SubscriptionActive {
		return false, fmt.Errorf("%w: validate %s subscription", ErrInvalidTransition, sub.Status)
	}
	verr := m.platform.Validate(ctx, sub)
	if verr == nil {
		_, err := m.update(ctx, id, func(s *kit.Subscription) error {
			s.LastValidatedAt = m.cfg.Now()
			return nil
		})
		return err == nil, err
	}
	m.log.Info("subscription validation failed", logx.String("subscription", id), logx.Err(verr))
	if err := m.markStale(ctx, id); err != nil {
		return false, err
	}
	_, err = m.Renew(ctx, id)
	return false, err
}

// Invalidate is called when a send found the endpoint gone.
func (m *Manager) Invalidate(ctx context.Context, sub kit.Subscription, cause error) {
	m.log.Info("subscription endpoint gone", logx.String("subscription", sub.ID), logx.Err(cause))
	if err := m.markStale(ctx, sub.ID); err != nil {
		return
	}
	if _, err := m.Renew(ctx, sub.ID); err != nil {
		m.log.Warn("subscription renew failed", logx.String("subscription", sub.ID), logx.Err(err))
	}
}

func (m *Manager) markStale(ctx context.Context, id string) error {
	stale, err := m.update(ctx, id, func(s *kit.Subscription) error {
		return transition(s, kit.SubscriptionStale)
	})
	if err != nil {
		return err
	}
	m.publish(eventbus.TypeSubscriptionStale, stale)
	return nil
}

// Renew cancels and re-registers a STALE subscription, up to MaxRenewAttempts times.
// When every attempt fails the subscription is REVOKED and ErrRenewalFailed returned.
func (m *Manager) Renew(ctx context.Context, id string) (kit.Subscription, error) {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return kit.Subscription{}, err
	}
	if sub.Status == kit.SubscriptionActive {
		if err := m.markStale(ctx, id); err != nil {
			return kit.Subscription{}, err
		}
		sub.Status = kit.SubscriptionStale
	}
	if sub.Status != kit.SubscriptionStale {
		return kit.Subscription{}, fmt.Errorf("%w: renew %s subscription", ErrInvalidTransition, sub.Status)
	}

	dev := deviceOf(sub)
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRenewAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if err := m.platform.Cancel(ctx, sub); err != nil {
			m.log.Debug("renew: cancel failed", logx.String("subscription", id), logx.Err(err))
		}
		token, err := m.platform.Register(ctx, dev, m.preferences(ctx, sub.UserID))
		if err != nil {
			lastErr = err
			m.log.Debug("renew attempt failed", logx.String("subscription", id), logx.Int("attempt", attempt), logx.Err(err))
			continue
		}
		return m.update(ctx, id, func(s *kit.Subscription) error {
			if err := transition(s, kit.SubscriptionActive); err != nil {
				return err
			}
			s.EndpointToken = token
			s.LastValidatedAt = m.cfg.Now()
			return nil
		})
	}

	revoked, err := m.update(ctx, id, func(s *kit.Subscription) error {
		return transition(s, kit.SubscriptionRevoked)
	})
	if err == nil {
		m.publish(eventbus.TypeSubscriptionRevoke, revoked)
	}
	m.log.Warn("subscription revoked after failed renewal", logx.String("subscription", id), logx.Err(lastErr))
	return revoked, fmt.Errorf("%w: %w", ErrRenewalFailed, lastErr)
}

// ValidationReport summarizes a ValidateAll sweep.
type ValidationReport struct {
	Checked int `json:"checked"`
	Valid   int `json:"valid"`
	Renewed int `json:"renewed"`
	Revoked int `json:"revoked"`
}

// ValidateAll validates every ACTIVE subscription.
func (m *Manager) ValidateAll(ctx context.Context) ValidationReport {
	m.mu.Lock()
	m.loadLocked(ctx)
	ids := make([]string, 0, len(m.byID))
	for id, r := range m.byID {
		if r.Subscription.Status == kit.SubscriptionActive {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)

	var rep ValidationReport
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++
		ok, err := m.Validate(ctx, id)
		switch {
		case ok:
			rep.Valid++
		case errors.Is(err, ErrRenewalFailed):
			rep.Revoked++
		case err == nil:
			rep.Renewed++
		}
	}
	return rep
}
