package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"bankcore.io/internal/ledger"
)

const bufferSize = 16

// Hub fans committed notifications out to the subscribers of each user.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan ledger.Notification
	next    int
	dropped atomic.Int64
}

// New initialises an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string]map[int]chan ledger.Notification)}
}

// Subscribe registers a subscriber for userID. The channel is closed when
// ctx ends.
func (h *Hub) Subscribe(ctx context.Context, userID string) <-chan ledger.Notification {
	ch := make(chan ledger.Notification, bufferSize)

	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[int]chan ledger.Notification)
	}
	h.subs[userID][id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[userID], id)
		if len(h.subs[userID]) == 0 {
			delete(h.subs, userID)
		}
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers n to every subscriber of n.UserID.
func (h *Hub) Publish(n ledger.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[n.UserID] {
		select {
		case ch <- n:
		default:
			// Slow subscribers lose events; the notifications table stays authoritative.
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns how many streams are open for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
