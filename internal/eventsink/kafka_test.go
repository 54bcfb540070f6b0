package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"campusnotify/internal/dispatch"
	"campusnotify/internal/eventbus"
	logx "campusnotify/pkg/logx"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker down")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *memWriter) snapshot() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func run(t *testing.T, f *Forwarder) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestForwardsBusEvents(t *testing.T) {
	bus := eventbus.New()
	w := &memWriter{}
	f := New(Config{
		BatchDelay: 10 * time.Millisecond,
		Topics:     map[string]string{eventbus.TypeDropped: "campus.notifications.dropped"},
	}, w, bus, logx.Nop())
	stop := run(t, f)

	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{Type: eventbus.TypeDelivered, Time: at, Data: dispatch.Event{NotificationID: "n1", UserID: "u1"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeDropped, Time: at, Data: dispatch.Event{NotificationID: "n2", UserID: "u2"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeNetworkOnline, Time: at})

	require.Eventually(t, func() bool { return len(w.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	stop()

	msgs := w.snapshot()
	assert.Equal(t, DefaultTopic, msgs[0].Topic)
	assert.Equal(t, "u1", string(msgs[0].Key))
	assert.Equal(t, "campus.notifications.dropped", msgs[1].Topic)
	assert.Equal(t, "u2", string(msgs[1].Key))
	assert.Equal(t, eventbus.TypeNetworkOnline, string(msgs[2].Key))

	var rec Record
	require.NoError(t, json.Unmarshal(msgs[0].Value, &rec))
	assert.Equal(t, eventbus.TypeDelivered, rec.Type)
	assert.True(t, rec.Time.Equal(at))
	assert.JSONEq(t, `{"notification_id":"n1","user_id":"u1","category":""}`, string(rec.Data))
	assert.True(t, w.closed)
}

func TestFlushesOnBatchSize(t *testing.T) {
	bus := eventbus.New()
	w := &memWriter{}
	f := New(Config{BatchSize: 2, BatchDelay: time.Hour}, w, bus, logx.Nop())
	stop := run(t, f)
	defer stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeScheduled})
	bus.Publish(eventbus.Event{Type: eventbus.TypeScheduled})
	require.Eventually(t, func() bool { return len(w.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestFlushesOnStop(t *testing.T) {
	bus := eventbus.New()
	w := &memWriter{}
	f := New(Config{BatchDelay: time.Hour, Types: []string{eventbus.TypeDelivered}}, w, bus, logx.Nop())
	stop := run(t, f)

	bus.Publish(eventbus.Event{Type: eventbus.TypeNetworkOffline})
	bus.Publish(eventbus.Event{Type: eventbus.TypeDelivered})
	time.Sleep(20 * time.Millisecond)
	stop()

	msgs := w.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, eventbus.TypeDelivered, string(msgs[0].Headers[0].Value))
}

func TestWriteFailureDoesNotStop(t *testing.T) {
	bus := eventbus.New()
	w := &memWriter{fail: true}
	f := New(Config{BatchSize: 1}, w, bus, logx.Nop())
	stop := run(t, f)

	bus.Publish(eventbus.Event{Type: eventbus.TypeDelivered})
	time.Sleep(20 * time.Millisecond)

	w.mu.Lock()
	w.fail = false
	w.mu.Unlock()
	bus.Publish(eventbus.Event{Type: eventbus.TypeDelivered})
	require.Eventually(t, func() bool { return len(w.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	stop()
}

func TestNewKafkaWriterRequiresBroker(t *testing.T) {
	_, err := NewKafkaWriter([]string{" ", ""})
	assert.Error(t, err)

	kw, err := NewKafkaWriter([]string{"localhost:9092"})
	require.NoError(t, err)
	assert.NotNil(t, kw.Addr)
	_ = kw.Close()
}
