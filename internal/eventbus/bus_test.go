package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	online, unsub := b.Subscribe(4, TypeNetworkOnline)
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: TypeDelivered})
	b.Publish(Event{Type: TypeNetworkOnline})

	select {
	case e := <-online:
		assert.Equal(t, TypeNetworkOnline, e.Type)
		assert.False(t, e.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("online event not delivered")
	}
	assert.Len(t, online, 0)
	assert.Len(t, all, 2)
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: TypeDropped})
	}
	assert.Len(t, ch, 1)

	unsub()
	unsub()
	_, open := <-ch
	// Buffered event is still readable before the closed signal.
	require.True(t, open)
	b.Publish(Event{Type: TypeDropped})
}
