package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"campusnotify/internal/eventbus"
	"campusnotify/internal/storage"
	kit "campusnotify/internal/transport"
	logx "campusnotify/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scripted struct {
	mu     sync.Mutex
	fail   map[string]bool
	status map[string]kit.Status
	seen   []string
}

func (s *scripted) Redeliver(_ context.Context, env kit.Envelope) kit.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := env.Notification.ID
	s.seen = append(s.seen, id)
	if st, ok := s.status[id]; ok {
		return kit.Result{Status: st, NotificationID: id}
	}
	if s.fail[id] {
		return kit.Result{Status: kit.StatusQueuedOffline, NotificationID: id, Err: kit.ErrSendFailure}
	}
	return kit.Result{Status: kit.StatusDelivered, NotificationID: id}
}

func env(id string) kit.Envelope {
	return kit.Envelope{Notification: kit.Notification{ID: id, Category: "academic"}, UserID: "u1"}
}

func ids(envs []kit.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Notification.ID)
	}
	return out
}

func newQueue(cfg Config, kv storage.Store) *Queue {
	if cfg.Rand == nil {
		cfg.Rand = func() float64 { return 0.5 }
	}
	return New(cfg, kv, nil, logx.Nop())
}

func TestPushRejectsDuplicates(t *testing.T) {
	t.Parallel()
	q := newQueue(Config{}, nil)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, env("a"), nil))
	assert.ErrorIs(t, q.Push(ctx, env("a"), nil), ErrDuplicate)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Snapshot()[0].Attempt)
}

func TestFailedEntryMovesToTailWithMonotonicAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(Config{MaxDrain: 1, MaxAttempts: 10}, nil)
	rd := &scripted{fail: map[string]bool{"a": true}, status: map[string]kit.Status{"b": kit.StatusQueuedOffline, "c": kit.StatusQueuedOffline}}
	q.SetRedeliverer(rd)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(ctx, env(id), errors.New("offline")))
	}

	rep := q.Drain(ctx, true)
	assert.Equal(t, 1, rep.Requeued)
	snap := q.Snapshot()
	assert.Equal(t, []string{"b", "c", "a"}, ids(snap))
	assert.Equal(t, 2, snap[2].Attempt)

	// b and c fail too; a ends up at the head again.
	q.Drain(ctx, true)
	q.Drain(ctx, true)
	assert.Equal(t, []string{"a", "b", "c"}, ids(q.Snapshot()))

	q.Drain(ctx, true)
	snap = q.Snapshot()
	assert.Equal(t, []string{"b", "c", "a"}, ids(snap))
	assert.Equal(t, 3, snap[2].Attempt, "attempt increments after each failure")
	assert.Equal(t, []string{"a", "b", "c", "a"}, rd.seen)
}

func TestDrainCompletesDeliveredScheduledAndDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newQueue(Config{BatchSize: 2, InterBatchDelay: time.Millisecond}, nil)
	q.SetRedeliverer(&scripted{status: map[string]kit.Status{"s": kit.StatusScheduled, "x": kit.StatusDropped}})

	for _, id := range []string{"d", "s", "x"} {
		require.NoError(t, q.Push(ctx, env(id), nil))
	}
	rep := q.Drain(ctx, true)
	assert.Equal(t, DrainReport{Attempted: 3, Completed: 3}, rep)
	assert.Zero(t, q.Len())
}

func TestBackoffRespectedWithoutForce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q := newQueue(Config{RetryBase: time.Minute, Now: clock}, nil)
	q.SetRedeliverer(&scripted{})

	require.NoError(t, q.Push(ctx, env("a"), nil))
	assert.Equal(t, now.Add(time.Minute), q.Snapshot()[0].NextAttemptAt, "jitter 0.5 maps to factor 1.0")

	assert.Equal(t, 0, q.Drain(ctx, false).Attempted)
	now = now.Add(time.Minute)
	assert.Equal(t, 1, q.Drain(ctx, false).Attempted)
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()
	q := newQueue(Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}, nil)
	assert.Equal(t, time.Second, q.retryDelay(1))
	assert.Equal(t, 2*time.Second, q.retryDelay(2))
	assert.Equal(t, 8*time.Second, q.retryDelay(4))
	assert.Equal(t, 10*time.Second, q.retryDelay(9))

	lo := newQueue(Config{RetryBase: time.Second, Rand: func() float64 { return 0 }}, nil)
	assert.Equal(t, 700*time.Millisecond, lo.retryDelay(1))
}

func TestPermanentFailureAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypePermanentlyFailed)
	defer unsub()

	q := New(Config{MaxAttempts: 3, Rand: func() float64 { return 0.5 }}, nil, bus, logx.Nop())
	q.SetRedeliverer(&scripted{fail: map[string]bool{"a": true}})
	var got []Failure
	q.OnPermanentFailure(func(f Failure) { got = append(got, f) })

	require.NoError(t, q.Push(ctx, env("a"), nil)) // attempt 1
	assert.Equal(t, 1, q.Drain(ctx, true).Requeued)
	rep := q.Drain(ctx, true)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, q.Len())

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Envelope.Notification.ID)
	assert.Equal(t, 3, got[0].Envelope.Attempt)
	select {
	case ev := <-events:
		assert.Equal(t, eventbus.TypePermanentlyFailed, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no permanently_failed event")
	}
}

func TestPersistAndLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemory()

	q1 := newQueue(Config{}, kv)
	require.NoError(t, q1.Load(ctx))
	require.NoError(t, q1.Push(ctx, env("a"), nil))
	require.NoError(t, q1.Push(ctx, env("b"), nil))

	q2 := newQueue(Config{}, kv)
	require.NoError(t, q2.Push(ctx, env("c"), nil))
	require.NoError(t, q2.Load(ctx))
	assert.Equal(t, []string{"a", "b", "c"}, ids(q2.Snapshot()))
	assert.ErrorIs(t, q2.Push(ctx, env("a"), nil), ErrDuplicate)
}

// slowFirstSet stalls the first write so a later write can overtake it.
type slowFirstSet struct {
	storage.Store
	calls atomic.Int64
}

func (s *slowFirstSet) Set(ctx context.Context, key string, value []byte) error {
	if s.calls.Add(1) == 1 {
		time.Sleep(50 * time.Millisecond)
	}
	return s.Store.Set(ctx, key, value)
}

func TestConcurrentPushesPersistLatestQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := &slowFirstSet{Store: storage.NewMemory()}

	q1 := newQueue(Config{}, kv)
	require.NoError(t, q1.Load(ctx))
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, q1.Push(ctx, env(fmt.Sprintf("n%d", i)), nil))
		}()
		if i == 0 {
			// Let the first push reach its stalled write.
			time.Sleep(5 * time.Millisecond)
		}
	}
	wg.Wait()

	q2 := newQueue(Config{}, kv)
	require.NoError(t, q2.Load(ctx))
	assert.Len(t, q2.Snapshot(), 8)
}

func TestRunDrainsOnNetworkOnline(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	q := New(Config{Rand: func() float64 { return 0.5 }}, nil, bus, logx.Nop())
	q.SetRedeliverer(&scripted{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, q.Push(context.Background(), env("a"), nil))
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeNetworkOnline})
		return q.Len() == 0
	}, time.Second, 10*time.Millisecond)
}
