package hud

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsHub fans the latest snapshot out to connected dashboard clients,
// mirroring the platform's existing wsClient/broadcast shape: a
// per-client buffered send channel, a writer goroutine per client, and a
// non-blocking broadcast that drops frames for slow clients rather than
// blocking the state update that triggered them.
type wsHub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newWSHub() *wsHub {
	return &wsHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *wsHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hud-ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 16)}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			close(client.send)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (h *wsHub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// client too slow, drop this frame
		}
	}
}

// broadcastLatest returns a State notifier that marshals the current
// /latest snapshot and fans it out to every connected websocket client.
func (h *wsHub) broadcastLatest(state *State, baseTopic string) func() {
	return func() {
		data, err := json.Marshal(state.Latest(baseTopic))
		if err != nil {
			return
		}
		h.broadcast(data)
	}
}
