// Package events carries leg lifecycle notifications from the controller's
// components to the ops surfaces (websocket stream, demo logging).
package events

import "sync"

// Message is one lifecycle notification: the topic plus its payload. The
// payload type depends on the topic — a leg record for leg.opened and
// leg.exits_armed, a realized trade for leg.realized, a reconcile report
// for reconcile.repair, a leg key string for the rest.
type Message struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}

// Bus fans lifecycle messages out to subscribers. Publishing never blocks:
// a subscriber that falls behind loses messages rather than stalling an
// order path.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[Event]map[int]chan Message
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event]map[int]chan Message)}
}

// Subscribe registers one channel for all listed topics and returns it
// together with an unsubscribe function. Unsubscribing closes the channel.
func (b *Bus) Subscribe(buffer int, evs ...Event) (<-chan Message, func()) {
	ch := make(chan Message, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	for _, e := range evs {
		if b.subs[e] == nil {
			b.subs[e] = make(map[int]chan Message)
		}
		b.subs[e][id] = ch
	}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Close under the write lock so no publish is mid-send.
			b.mu.Lock()
			for _, e := range evs {
				delete(b.subs[e], id)
			}
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Publish delivers the payload to every subscriber of the topic, dropping
// it for any whose buffer is full.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- Message{Event: e, Payload: payload}:
		default:
		}
	}
}
