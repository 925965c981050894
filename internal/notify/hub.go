package notify

import (
	"sort"
	"sync"

	"taskcore/internal/domain"
)

// Hub fans envelopes out to live in-process subscribers (one per open
// client connection). Delivery never blocks: a full subscriber buffer
// drops the envelope, which is still available from the result queue.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan domain.Envelope]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan domain.Envelope]struct{})}
}

// Subscribe registers a live connection for owner. The returned cancel
// func unregisters it and closes the channel.
func (h *Hub) Subscribe(owner string, buffer int) (<-chan domain.Envelope, func()) {
	ch := make(chan domain.Envelope, max(buffer, 1))
	h.mu.Lock()
	if h.subs[owner] == nil {
		h.subs[owner] = make(map[chan domain.Envelope]struct{})
	}
	h.subs[owner][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[owner], ch)
			if len(h.subs[owner]) == 0 {
				delete(h.subs, owner)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Send returns how many live connections accepted env.
func (h *Hub) Send(owner string, env domain.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for ch := range h.subs[owner] {
		select {
		case ch <- env:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *Hub) ConnectedOwners() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	owners := make([]string, 0, len(h.subs))
	for o := range h.subs {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}
