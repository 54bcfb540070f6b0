// Package ratelimit implements an in-process sliding-window limiter keyed by recipient.
//
// Counters of different keys are independent; calls for the same key are serialized
// by that key's mutex.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrInvalidLimit  = errors.New("invalid limit")
	ErrInvalidWindow = errors.New("invalid window")
)

const (
	DefaultLimit  = 100
	DefaultWindow = 60 * time.Second
)

// Result describes one Allow decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest counted send leaves the window.
	ResetAt time.Time
}

// RetryAfter returns how long until another send would be allowed, relative to now.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || !r.ResetAt.After(now) {
		return 0
	}
	return r.ResetAt.Sub(now)
}

type bucket struct {
	mu    sync.Mutex
	stamp []time.Time // ascending
	dead  bool        // removed from the map; holders must look the key up again
}

// prune drops timestamps at or before now-window. Caller holds b.mu.
func (b *bucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.stamp) && !b.stamp[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.stamp = append(b.stamp[:0], b.stamp[i:]...)
	}
}

type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type Option func(*SlidingWindow)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(sw *SlidingWindow) {
		if now != nil {
			sw.now = now
		}
	}
}

func NewSlidingWindow(limit int, window time.Duration, opts ...Option) (*SlidingWindow, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	sw := &SlidingWindow{limit: limit, window: window, now: time.Now, buckets: map[string]*bucket{}}
	for _, o := range opts {
		o(sw)
	}
	return sw, nil
}

func (sw *SlidingWindow) bucket(key string) *bucket {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	b := sw.buckets[key]
	if b == nil {
		b = &bucket{}
		sw.buckets[key] = b
	}
	return b
}

// lockBucket returns the live bucket for key with b.mu held.
func (sw *SlidingWindow) lockBucket(key string) *bucket {
	for {
		b := sw.bucket(key)
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

// Allow records one send for key if the window has room.
func (sw *SlidingWindow) Allow(key string) Result {
	now := sw.now()
	b := sw.lockBucket(key)
	defer b.mu.Unlock()
	b.prune(now, sw.window)

	res := Result{Limit: sw.limit}
	if len(b.stamp) < sw.limit {
		b.stamp = append(b.stamp, now)
		res.Allowed = true
	}
	res.Remaining = sw.limit - len(b.stamp)
	res.ResetAt = b.stamp[0].Add(sw.window)
	return res
}

// Status reports the state for key without consuming a slot.
func (sw *SlidingWindow) Status(key string) Result {
	now := sw.now()
	b := sw.lockBucket(key)
	defer b.mu.Unlock()
	b.prune(now, sw.window)

	res := Result{Limit: sw.limit, Remaining: sw.limit - len(b.stamp), Allowed: len(b.stamp) < sw.limit}
	if len(b.stamp) > 0 {
		res.ResetAt = b.stamp[0].Add(sw.window)
	}
	return res
}

func (sw *SlidingWindow) Reset(key string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if b := sw.buckets[key]; b != nil {
		b.mu.Lock()
		b.dead = true
		b.mu.Unlock()
		delete(sw.buckets, key)
	}
}

// Cleanup forgets keys whose windows are empty.
func (sw *SlidingWindow) Cleanup() int {
	now := sw.now()
	sw.mu.Lock()
	defer sw.mu.Unlock()
	removed := 0
	for k, b := range sw.buckets {
		b.mu.Lock()
		b.prune(now, sw.window)
		empty := len(b.stamp) == 0
		b.dead = empty
		b.mu.Unlock()
		if empty {
			delete(sw.buckets, k)
			removed++
		}
	}
	return removed
}
