package events

import (
	"context"
	"sync"

	"taskboard/domain"
)

const subscriberBuffer = 16

// Hub fans task events out to in-process subscribers, keyed by owner.
// Slow subscribers miss events instead of blocking the publisher; every event
// means "refetch", so a dropped one is covered by any later one.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan domain.TaskEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan domain.TaskEvent]struct{})}
}

// Subscribe registers a subscriber for ownerID. The returned func must be
// called to release it; it closes the channel.
func (h *Hub) Subscribe(ownerID string) (<-chan domain.TaskEvent, func()) {
	ch := make(chan domain.TaskEvent, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[ownerID]
	if !ok {
		set = make(map[chan domain.TaskEvent]struct{})
		h.subs[ownerID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			// The owner's set stays registered while ch is in it.
			current := h.subs[ownerID]
			delete(current, ch)
			if len(current) == 0 {
				delete(h.subs, ownerID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast delivers ev to every subscriber of its owner without blocking.
func (h *Hub) Broadcast(ev domain.TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.OwnerID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Publish makes the hub usable as a Notifier when no broker is configured.
func (h *Hub) Publish(_ context.Context, ev domain.TaskEvent) error {
	h.Broadcast(ev)
	return nil
}

// Subscribers returns the number of live subscribers for ownerID.
func (h *Hub) Subscribers(ownerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[ownerID])
}
