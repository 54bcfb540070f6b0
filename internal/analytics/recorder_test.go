package analytics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"campusnotify/internal/storage"
	logx "campusnotify/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 10, 14, hour, minute, 0, 0, time.UTC)
}

func newRecorder(kv storage.Store) *Recorder {
	return New(Config{Location: time.UTC}, kv, logx.Nop())
}

func TestEngagementScoreNeutralWithoutDeliveries(t *testing.T) {
	t.Parallel()
	r := newRecorder(nil)
	assert.Equal(t, 0.5, r.EngagementScore(context.Background(), "u1"))

	r.Record(context.Background(), Event{UserID: "u1", NotificationID: "n1", Action: ActionSent, Timestamp: at(9, 0)})
	assert.Equal(t, 0.5, r.EngagementScore(context.Background(), "u1"))
}

func TestEngagementScoreWeightsOpensAndActions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRecorder(nil)

	for i := 0; i < 10; i++ {
		r.Record(ctx, Event{UserID: "u1", NotificationID: fmt.Sprint(i), Action: ActionDelivered, Timestamp: at(9, i)})
	}
	for i := 0; i < 5; i++ {
		r.Record(ctx, Event{UserID: "u1", NotificationID: fmt.Sprint(i), Action: ActionOpened, Timestamp: at(10, i)})
	}
	for i := 0; i < 2; i++ {
		r.Record(ctx, Event{UserID: "u1", NotificationID: fmt.Sprint(i), Action: ActionActed, Timestamp: at(11, i)})
	}

	// 0.7*0.5 + 0.3*0.2
	assert.InDelta(t, 0.41, r.EngagementScore(ctx, "u1"), 1e-9)

	m := r.Metrics(ctx, "u1")
	assert.Equal(t, 10, m.Delivered)
	assert.Equal(t, 5, m.Opened)
	assert.Equal(t, 2, m.Acted)
}

func TestActiveHours(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRecorder(nil)

	assert.True(t, r.ActiveHours(ctx, "u1", nil).Empty())

	for i := 0; i < 6; i++ {
		r.Record(ctx, Event{UserID: "u1", NotificationID: fmt.Sprint(i), Action: ActionOpened, Timestamp: at(8, i)})
	}
	r.Record(ctx, Event{UserID: "u1", NotificationID: "x", Action: ActionOpened, Timestamp: at(19, 0)})
	r.Record(ctx, Event{UserID: "u1", NotificationID: "y", Action: ActionDelivered, Timestamp: at(3, 0)})

	hours := r.ActiveHours(ctx, "u1", nil)
	assert.Equal(t, []int{8, 19}, hours.Hours())
	assert.False(t, hours.Has(3), "only opened events count")
}

func TestActiveHoursUsesRecentWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(Config{ActiveWindow: 3, Location: time.UTC}, nil, logx.Nop())

	r.Record(ctx, Event{UserID: "u1", Action: ActionOpened, Timestamp: at(6, 0)})
	for i := 0; i < 3; i++ {
		r.Record(ctx, Event{UserID: "u1", Action: ActionOpened, Timestamp: at(14, i)})
	}
	assert.Equal(t, []int{14}, r.ActiveHours(ctx, "u1", nil).Hours())
}

func TestActiveHoursInRequestedLocation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRecorder(nil)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 21:15 UTC is 06:15 in Tokyo.
	r.Record(ctx, Event{UserID: "u1", Action: ActionOpened, Timestamp: at(21, 15)})
	assert.Equal(t, []int{6}, r.ActiveHours(ctx, "u1", tokyo).Hours())
	assert.Equal(t, []int{21}, r.ActiveHours(ctx, "u1", nil).Hours())
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

func TestConcurrentRecordsPersistLatestLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := &slowFirstSet{Store: storage.NewMemory()}
	r := newRecorder(kv)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(ctx, Event{UserID: "u1", NotificationID: fmt.Sprint(i), Action: ActionSent, Timestamp: at(9, i)})
		}()
		if i == 0 {
			// Let the first record reach its stalled write.
			time.Sleep(5 * time.Millisecond)
		}
	}
	wg.Wait()

	assert.Len(t, newRecorder(kv).Events(ctx, "u1"), 8)
	assert.Zero(t, r.Failures())
}

func TestLogIsCapped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRecorder(nil)

	base := at(0, 0)
	for i := 0; i < MaxEvents+25; i++ {
		r.Record(ctx, Event{UserID: "u1", NotificationID: fmt.Sprint(i), Action: ActionSent, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	events := r.Events(ctx, "u1")
	require.Len(t, events, MaxEvents)
	assert.Equal(t, "25", events[0].NotificationID, "oldest entries are evicted first")
}

func TestResponseTimeDerivedFromDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRecorder(nil)

	r.Record(ctx, Event{UserID: "u1", NotificationID: "n1", Action: ActionDelivered, Timestamp: at(9, 0)})
	r.Record(ctx, Event{UserID: "u1", NotificationID: "n1", Action: ActionOpened, Timestamp: at(9, 2)})

	events := r.Events(ctx, "u1")
	require.Len(t, events, 2)
	require.NotNil(t, events[1].ResponseTimeMs)
	assert.Equal(t, int64(120000), *events[1].ResponseTimeMs)
}

func TestInvalidEventsAreCountedNotStored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRecorder(nil)

	r.Record(ctx, Event{UserID: "u1", Action: "clicked"})
	r.Record(ctx, Event{Action: ActionSent})

	assert.Empty(t, r.Events(ctx, "u1"))
	assert.Equal(t, uint64(2), r.Failures())
}

func TestPersistedLogSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemory()

	r1 := newRecorder(kv)
	r1.Record(ctx, Event{UserID: "u1", NotificationID: "n1", Category: "academic", Action: ActionDelivered, Timestamp: at(9, 0)})
	r1.Record(ctx, Event{UserID: "u1", NotificationID: "n1", Category: "academic", Action: ActionOpened, Timestamp: at(9, 1)})

	r2 := newRecorder(kv)
	assert.Len(t, r2.Events(ctx, "u1"), 2)
	assert.Equal(t, map[string]float64{"academic": 1}, r2.CategoryAffinity(ctx, "u1"))
}

type failingStore struct{ storage.Store }

func (failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (failingStore) Set(context.Context, string, []byte) error         { return assert.AnError }

func TestPersistenceFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRecorder(failingStore{})

	r.Record(ctx, Event{UserID: "u1", Action: ActionSent, Timestamp: at(9, 0)})
	assert.Len(t, r.Events(ctx, "u1"), 1)
	assert.Equal(t, uint64(1), r.Failures())
}
