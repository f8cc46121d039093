package events

import "testing"

func TestBus(t *testing.T) {
	t.Run("publish reaches subscriber with topic tagged", func(t *testing.T) {
		b := NewBus()
		ch, unsub := b.Subscribe(1, EventLegOpened)
		defer unsub()

		b.Publish(EventLegOpened, "payload")
		select {
		case got := <-ch:
			if got.Event != EventLegOpened || got.Payload != "payload" {
				t.Errorf("got %+v", got)
			}
		default:
			t.Fatal("no message delivered")
		}
	})

	t.Run("one channel covers several topics", func(t *testing.T) {
		b := NewBus()
		ch, unsub := b.Subscribe(4, EventLegOpened, EventLegRealized)
		defer unsub()

		b.Publish(EventLegOpened, 1)
		b.Publish(EventLegRealized, 2)
		b.Publish(EventStopMoved, 3) // not subscribed

		if got := len(ch); got != 2 {
			t.Errorf("buffered = %d, want 2", got)
		}
		first := <-ch
		if first.Event != EventLegOpened {
			t.Errorf("first = %+v", first)
		}
	})

	t.Run("slow subscriber does not block publish", func(t *testing.T) {
		b := NewBus()
		_, unsub := b.Subscribe(1, EventLegRealized)
		defer unsub()

		// Buffer of one: the second publish must drop, not hang.
		b.Publish(EventLegRealized, 1)
		b.Publish(EventLegRealized, 2)
	})

	t.Run("unsubscribe closes channel and detaches every topic", func(t *testing.T) {
		b := NewBus()
		ch, unsub := b.Subscribe(1, EventStopMoved, EventOCORace)
		unsub()
		unsub() // repeat is a no-op
		if _, open := <-ch; open {
			t.Error("channel still open after unsubscribe")
		}
		// Publishing to a topic with no subscribers is a no-op.
		b.Publish(EventStopMoved, nil)
		b.Publish(EventOCORace, nil)
	})
}
