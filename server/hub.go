package server

import (
	"sync"

	"github.com/onnwee/live-tender/chat"
)

// Hub fans live chat events out to SSE subscribers. Slow subscribers lose
// events rather than blocking the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan chat.Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan chat.Event]struct{})}
}

// Publish delivers ev to every subscriber of username.
func (h *Hub) Publish(username string, ev chat.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[username] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a subscriber for username. The returned func
// unsubscribes and must be called exactly once.
func (h *Hub) Subscribe(username string, buffer int) (<-chan chat.Event, func()) {
	ch := make(chan chat.Event, buffer)
	h.mu.Lock()
	if h.subs[username] == nil {
		h.subs[username] = make(map[chan chat.Event]struct{})
	}
	h.subs[username][ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[username], ch)
		if len(h.subs[username]) == 0 {
			delete(h.subs, username)
		}
	}
}

// Subscribers returns the number of subscribers for username.
func (h *Hub) Subscribers(username string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[username])
}
