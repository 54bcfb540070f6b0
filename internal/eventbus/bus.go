package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the notification services.
const (
	TypeNetworkOnline      = "network.online"
	TypeNetworkOffline     = "network.offline"
	TypeDelivered          = "notify.delivered"
	TypeScheduled          = "notify.scheduled"
	TypeQueuedOffline      = "notify.queued_offline"
	TypeRateLimited        = "notify.rate_limited"
	TypeDropped            = "notify.dropped"
	TypePermanentlyFailed  = "notify.permanently_failed"
	TypeSubscriptionStale  = "subscription.stale"
	TypeSubscriptionRevoke = "subscription.revoked"
	TypeCatalogReloaded    = "policy.catalog_reloaded"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{} // empty means all
}

func (s *subscriber) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		// The channel may close concurrently on unsubscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
			}
		}()
	}
}

// Subscribe registers a subscriber for the given event types (all types if none given).
func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), types: map[string]struct{}{}}
	for _, t := range types {
		s.types[t] = struct{}{}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}
