// Package ws pushes merged position updates to dashboard clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tracker-monitor/internal/common/log"
	"tracker-monitor/internal/tracking/domain"
	"tracker-monitor/internal/tracking/store"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type snapshotMessage struct {
	Type      string                               `json:"type"`
	Vehicles  []domain.Vehicle                     `json:"vehicles"`
	Positions map[string]domain.NormalizedPosition `json:"positions"`
}

type updateMessage struct {
	Type     string                    `json:"type"`
	DeviceID string                    `json:"device_id"`
	Position domain.NormalizedPosition `json:"position"`
}

// Hub fans merged updates out to every connected dashboard.
type Hub struct {
	store  *store.VehicleStore
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewHub(st *store.VehicleStore, logger *slog.Logger) *Hub {
	return &Hub{
		store:   st,
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Run pumps store events to the clients until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	events, cancel := h.store.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(updateMessage{Type: "position_update", DeviceID: ev.DeviceID, Position: ev.Position})
		}
	}
}

// HandleWS upgrades the connection and sends the current snapshot so a new
// dashboard can draw immediately.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(r.Context(), h.logger, "ws_upgrade_failed", "WebSocket upgrade failed", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	snap := snapshotMessage{
		Type:      "snapshot",
		Vehicles:  h.store.Vehicles(),
		Positions: h.store.Positions(),
	}
	_ = h.write(conn, snap)

	go h.readPump(conn)
}

// readPump discards inbound frames and drops the client when the connection
// dies.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer h.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}
