package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrSendFailure marks a transient delivery failure (network, sender outage).
	ErrSendFailure = errors.New("send failure")
	// ErrEndpointGone is returned by senders/probers when the push endpoint no longer exists.
	ErrEndpointGone = errors.New("endpoint gone")
	// ErrNoSubscriber means the recipient has no active subscription to deliver to.
	ErrNoSubscriber = errors.New("no active subscription")
)

// Priority orders notifications from LOW to CRITICAL.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
}

// Raise returns the next priority level, saturating at CRITICAL.
func (p Priority) Raise() Priority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "normal":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical", "urgent":
		return PriorityCritical, nil
	default:
		return PriorityLow, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Notification is immutable once handed to the dispatcher.
type Notification struct {
	ID        string         `json:"id"`
	Category  string         `json:"category"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	Priority  Priority       `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewID returns a ULID stamped with now. IDs sort by creation time.
func NewID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

func NewNotification(category, title, body string, data map[string]any, now time.Time) Notification {
	return Notification{
		ID:        NewID(now),
		Category:  category,
		Title:     title,
		Body:      body,
		Data:      data,
		CreatedAt: now,
	}
}

type SubscriptionStatus string

const (
	SubscriptionUnregistered SubscriptionStatus = ""
	SubscriptionActive       SubscriptionStatus = "active"
	SubscriptionStale        SubscriptionStatus = "stale"
	SubscriptionRevoked      SubscriptionStatus = "revoked"
)

// Subscription is one push endpoint registration for one device.
type Subscription struct {
	ID              string             `json:"id"`
	UserID          string             `json:"user_id"`
	DeviceID        string             `json:"device_id"`
	EndpointToken   string             `json:"endpoint_token"`
	UserAgent       string             `json:"user_agent,omitempty"`
	RegisteredAt    time.Time          `json:"registered_at"`
	LastValidatedAt time.Time          `json:"last_validated_at"`
	Status          SubscriptionStatus `json:"status"`
}

func (s Subscription) EventUserID() string { return s.UserID }

// Payload is what a Sender pushes to one endpoint. The wire encoding is up to the Sender.
type Payload struct {
	NotificationID     string         `json:"notification_id"`
	Category           string         `json:"category"`
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Data               map[string]any `json:"data,omitempty"`
	Priority           Priority       `json:"priority"`
	Sound              string         `json:"sound,omitempty"`
	Vibration          []int          `json:"vibrate,omitempty"`
	RequireInteraction bool           `json:"require_interaction"`
	Tag                string         `json:"tag"`
	Timestamp          int64          `json:"timestamp"`
}

// Sender wraps the push-protocol transport.
type Sender interface {
	Send(ctx context.Context, sub Subscription, p Payload) error
}

// Prober checks whether an endpoint is still valid.
type Prober interface {
	Probe(ctx context.Context, sub Subscription) error
}

// Envelope is a notification bound to its recipient, as held by the scheduled store and
// the offline queue.
type Envelope struct {
	Notification  Notification `json:"notification"`
	UserID        string       `json:"user_id"`
	Attempt       int          `json:"attempt"`
	EnqueuedAt    time.Time    `json:"enqueued_at"`
	NextAttemptAt time.Time    `json:"next_attempt_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
}

// Status is the outcome of a dispatch.
type Status string

const (
	StatusDelivered     Status = "delivered"
	StatusScheduled     Status = "scheduled"
	StatusQueuedOffline Status = "queued_offline"
	StatusRateLimited   Status = "rate_limited"
	StatusDropped       Status = "dropped"
)

// Result is returned from every dispatch; transient failures are folded into Status.
type Result struct {
	Status         Status    `json:"status"`
	NotificationID string    `json:"notification_id"`
	DeliverAt      time.Time `json:"deliver_at,omitempty"`
	Err            error     `json:"-"`
}

// Accepted reports whether the notification was sent or is owned by the scheduled store.
func (r Result) Accepted() bool {
	return r.Status == StatusDelivered || r.Status == StatusScheduled
}
