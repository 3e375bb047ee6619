package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, _ := bus.Subscribe(TopicOrderUpdate, 1)
	b, _ := bus.Subscribe(TopicOrderUpdate, 1)
	other, _ := bus.Subscribe(TopicRiskAlert, 1)

	bus.Publish(TopicOrderUpdate, "payload")

	assert.Equal(t, "payload", <-a)
	assert.Equal(t, "payload", <-b)
	select {
	case msg := <-other:
		t.Fatalf("unrelated topic received %v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, _ := bus.Subscribe(TopicPriceTick, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(TopicPriceTick, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	// Exactly the buffered message survives.
	assert.Equal(t, 0, <-ch)
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(TopicConnection, 1)
	unsub()
	unsub() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(TopicConnection, "x")
}

func TestCloseTearsDownAllSubscriptions(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(TopicOrderFilled, 1)

	bus.Close()
	_, open := <-ch
	require.False(t, open)

	bus.Publish(TopicOrderFilled, "ignored")

	late, _ := bus.Subscribe(TopicOrderFilled, 1)
	_, open = <-late
	assert.False(t, open, "subscriptions after close are closed immediately")
}
