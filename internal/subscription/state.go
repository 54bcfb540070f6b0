// Package subscription tracks push endpoint registrations, one per device.
//
// Lifecycle: UNREGISTERED -> ACTIVE -> STALE -> ACTIVE (renew)
//                                   \-> REVOKED
// Any state but UNREGISTERED may move to REVOKED; REVOKED is terminal.
package subscription

import (
	"errors"
	"fmt"

	kit "campusnotify/internal/transport"
)

var (
	ErrPermissionDenied  = errors.New("notification permission denied")
	ErrAlreadySubscribed = errors.New("device already subscribed")
	ErrRenewalFailed     = errors.New("subscription renewal failed")
	ErrNotFound          = errors.New("subscription not found")
	ErrInvalidTransition = errors.New("invalid subscription transition")
)

var transitions = map[kit.SubscriptionStatus][]kit.SubscriptionStatus{
	kit.SubscriptionUnregistered: {kit.SubscriptionActive},
	kit.SubscriptionActive:       {kit.SubscriptionStale, kit.SubscriptionRevoked},
	kit.SubscriptionStale:        {kit.SubscriptionActive, kit.SubscriptionRevoked},
}

func canTransition(from, to kit.SubscriptionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(sub *kit.Subscription, to kit.SubscriptionStatus) error {
	if !canTransition(sub.Status, to) {
		from := sub.Status
		if from == kit.SubscriptionUnregistered {
			from = "unregistered"
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	sub.Status = to
	return nil
}
