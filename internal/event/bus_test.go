package event

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// receive pulls one event or fails after a short wait.
func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBusDelivery(t *testing.T) {
	t.Run("subscriber receives published events in order", func(t *testing.T) {
		bus := NewBus()
		ch, cancel := bus.Subscribe()
		defer cancel()

		bus.Publish(Event{Type: TypePut, Key: "a"})
		bus.Publish(Event{Type: TypeEvict, Key: "b"})
		bus.Publish(Event{Type: TypeExpire, Key: "c"})

		assert.Equal(t, Event{Type: TypePut, Key: "a"}, receive(t, ch))
		assert.Equal(t, Event{Type: TypeEvict, Key: "b"}, receive(t, ch))
		assert.Equal(t, Event{Type: TypeExpire, Key: "c"}, receive(t, ch))
	})

	t.Run("all subscribers see every event", func(t *testing.T) {
		bus := NewBus()
		ch1, cancel1 := bus.Subscribe()
		defer cancel1()
		ch2, cancel2 := bus.Subscribe()
		defer cancel2()

		bus.Publish(Event{Type: TypePut, Key: "k"})

		assert.Equal(t, "k", receive(t, ch1).Key)
		assert.Equal(t, "k", receive(t, ch2).Key)
	})

	t.Run("late subscriber misses history", func(t *testing.T) {
		bus := NewBus()
		bus.Publish(Event{Type: TypePut, Key: "old"})

		ch, cancel := bus.Subscribe()
		defer cancel()
		bus.Publish(Event{Type: TypePut, Key: "new"})

		assert.Equal(t, "new", receive(t, ch).Key)
	})

	t.Run("publish with no subscribers is a no-op", func(t *testing.T) {
		bus := NewBus()
		bus.Publish(Event{Type: TypePut, Key: "dropped"})
	})
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	// Subscriber that never reads.
	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Publish(Event{Type: TypePut, Key: fmt.Sprintf("k%d", i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBusCancel(t *testing.T) {
	t.Run("cancel detaches and closes the channel", func(t *testing.T) {
		bus := NewBus()
		ch, cancel := bus.Subscribe()

		cancel()
		assert.Eventually(t, func() bool {
			select {
			case _, open := <-ch:
				return !open
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, bus.SubscriberCount())
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		bus := NewBus()
		_, cancel := bus.Subscribe()
		cancel()
		cancel()
		assert.Equal(t, 0, bus.SubscriberCount())
	})

	t.Run("cancel mid-delivery does not wedge the bus", func(t *testing.T) {
		bus := NewBus()
		ch, cancel := bus.Subscribe()

		bus.Publish(Event{Type: TypePut, Key: "a"})
		require.Equal(t, "a", receive(t, ch).Key)

		// Queue some events the consumer never reads, then cancel.
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypePut, Key: "pending"})
		}
		cancel()

		// Publishing afterwards must still work for new subscribers.
		ch2, cancel2 := bus.Subscribe()
		defer cancel2()
		bus.Publish(Event{Type: TypeEvict, Key: "b"})
		assert.Equal(t, "b", receive(t, ch2).Key)
	})
}
