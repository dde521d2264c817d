package coordinator

import "sync"

// Event is a transaction state transition, broadcast to /watch subscribers
// so the pending table's purpose — letting an operator see where a round
// stands — is actually observable rather than poll-only.
type Event struct {
	Tid    uint64 `json:"tid"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// hub is a small broadcast fan-out of Events to any number of subscribers,
// modeled on the teacher's pkg/server/handlers/websocket.go ChangeStreamManager
// hub-of-connections pattern.
type hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of future events and an unsubscribe func.
// The channel is buffered; a slow subscriber drops events rather than
// blocking the driver.
func (h *hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			// Drop on a full buffer; /watch is best-effort observability,
			// never on the correctness path.
		}
	}
}
