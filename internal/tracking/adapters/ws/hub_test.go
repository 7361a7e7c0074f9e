package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracker-monitor/internal/common/log"
	"tracker-monitor/internal/tracking/domain"
	"tracker-monitor/internal/tracking/store"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func TestHandleWSSendsSnapshot(t *testing.T) {
	logger := log.New("test")
	st := store.New(logger)
	lat, lon := 19.4, -99.1
	st.SetVehicles([]domain.Vehicle{{ID: "v1", DisplayName: "Unit 1", DeviceID: "d1", Status: domain.StatusInactive}})
	st.MergePosition("d1", domain.NormalizedPosition{DeviceID: "d1", Latitude: &lat, Longitude: &lon, Status: domain.StatusActive})

	hub := NewHub(st, logger)
	conn := dialHub(t, hub)

	var snap struct {
		Type      string                               `json:"type"`
		Vehicles  []domain.Vehicle                     `json:"vehicles"`
		Positions map[string]domain.NormalizedPosition `json:"positions"`
	}
	require.NoError(t, conn.ReadJSON(&snap))

	assert.Equal(t, "snapshot", snap.Type)
	require.Len(t, snap.Vehicles, 1)
	assert.Equal(t, domain.StatusActive, snap.Vehicles[0].Status)
	require.Contains(t, snap.Positions, "d1")
}

func TestRunBroadcastsMerges(t *testing.T) {
	logger := log.New("test")
	st := store.New(logger)
	st.SetVehicles([]domain.Vehicle{{ID: "v1", DeviceID: "d1", Status: domain.StatusInactive}})

	hub := NewHub(st, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)

	// drain the snapshot
	var discard json.RawMessage
	require.NoError(t, conn.ReadJSON(&discard))

	lat, lon := 1.5, 2.5
	st.MergePosition("d1", domain.NormalizedPosition{DeviceID: "d1", Latitude: &lat, Longitude: &lon, Status: domain.StatusActive})

	var update struct {
		Type     string                    `json:"type"`
		DeviceID string                    `json:"device_id"`
		Position domain.NormalizedPosition `json:"position"`
	}
	require.NoError(t, conn.ReadJSON(&update))

	assert.Equal(t, "position_update", update.Type)
	assert.Equal(t, "d1", update.DeviceID)
	require.NotNil(t, update.Position.Latitude)
	assert.Equal(t, 1.5, *update.Position.Latitude)
}

func TestDeadClientIsRemovedOnBroadcast(t *testing.T) {
	logger := log.New("test")
	st := store.New(logger)
	hub := NewHub(st, logger)

	conn := dialHub(t, hub)
	var discard json.RawMessage
	require.NoError(t, conn.ReadJSON(&discard))
	conn.Close()

	// give the read pump a moment to notice the closed connection
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.clients)
		hub.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("closed client was never removed")
}
