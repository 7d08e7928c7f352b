package broadcast

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConfig tunes the websocket transport
type StreamConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteWait         time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 90 * time.Second // Allow missing 2 heartbeats before disconnect
	}
	if c.WriteWait == 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

// WebSocketHandler streams one run's updates over a websocket
type WebSocketHandler struct {
	hub      *Hub
	config   StreamConfig
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a handler backed by hub.
func NewWebSocketHandler(hub *Hub, config StreamConfig) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		config: config.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and streams runID until either side closes.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request, runID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[broadcast] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(runID, 0)
	defer sub.Close()

	var writeMu sync.Mutex
	write := func(msgType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
		return conn.WriteMessage(msgType, data)
	}

	// The read side only exists to process pongs and notice closes.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
		return nil
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[broadcast] subscriber for run %s: %v", runID, err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
		}
	}()

	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case env, ok := <-sub.C:
			if !ok {
				write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				log.Printf("[broadcast] marshal %s: %v", env.Type, err)
				continue
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
