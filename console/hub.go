package console

import (
	"sync"
)

const (
	EventCounters      = "counters"
	EventConversations = "conversations"
	EventFocus         = "focus"
	EventAccount       = "account"
)

// Event is pushed to dashboard listeners.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans events out to listeners. A listener that falls behind loses
// events rather than blocking the loop.
type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]chan Event
	next    uint64
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Event)}
}

func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.next++
	key := h.next
	h.subs[key] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, key)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}
}

// Dropped counts events lost to slow listeners.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
