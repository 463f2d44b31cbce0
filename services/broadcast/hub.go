package broadcastsvc

import (
	"sync"

	"github.com/tathmini/tathmini/core/syncq"
)

// Hub fans sync events out to every subscribed foreground listener. The
// two execution contexts share no memory; this channel is their only link.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan syncq.Event
}

var _ syncq.Broadcaster = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan syncq.Event)}
}

// Subscribe registers a listener. The returned cancel func must be called
// when the listener goes away.
func (h *Hub) Subscribe() (<-chan syncq.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan syncq.Event, 16)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Broadcast never blocks: a listener too slow to keep up misses events
// rather than stalling the sync drain.
func (h *Hub) Broadcast(evt syncq.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub <- evt:
		default:
		}
	}
}
