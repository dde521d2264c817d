package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wikireplica/wikireplica/internal/coordinator"
)

// upgrader mirrors the teacher's pkg/server/handlers/websocket.go default
// upgrader: generous buffers, origins unrestricted (this is an operator
// observability feed, not a write path).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// watch upgrades to a websocket and streams transaction state transitions
// (the pending table's reason for existing per spec §4.3) as JSON frames
// until the client disconnects.
func (h *CoordinatorHandlers) watch(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[watch] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := h.driver.Subscribe()
	defer cancel()

	// Detect client-initiated close by reading in the background; we
	// never expect inbound frames on this feed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev coordinator.Event) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(ev)
}
