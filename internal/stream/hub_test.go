package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoyhq/mirage/internal/events"
)

func newTestHub(t *testing.T) (*Hub, *events.Bus, string) {
	t.Helper()
	bus := events.NewBus()
	hub := NewHub(bus)
	hub.Start()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Stop)
	return hub, bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.Stats()["clients"] == n
	}, time.Second, 5*time.Millisecond)
}

func TestHubBroadcastsToEveryClient(t *testing.T) {
	hub, bus, url := newTestHub(t)
	a := dialHub(t, url)
	b := dialHub(t, url)
	waitForClients(t, hub, 2)

	bus.Emit(events.TypeVerdict, "pipeline", "3f7ac1", map[string]interface{}{
		"action": "block",
	})

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)

		var ev events.Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		assert.Equal(t, events.TypeVerdict, ev.Type)
		assert.Equal(t, "3f7ac1", ev.Subject)
		assert.Equal(t, "block", ev.Data["action"])
	}
}

func TestHubDropsDisconnectedClient(t *testing.T) {
	hub, _, url := newTestHub(t)
	conn := dialHub(t, url)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHubStopDisconnectsAndRefusesNewClients(t *testing.T) {
	hub, bus, url := newTestHub(t)
	conn := dialHub(t, url)
	waitForClients(t, hub, 1)

	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	_, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	assert.Equal(t, 0, bus.SubscriberCount())
}
