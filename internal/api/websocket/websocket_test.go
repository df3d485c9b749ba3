package websocket

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

	"github.com/platformbuilds/mirador-session/pkg/cache"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("key"))
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) EventData {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string    `json:"type"`
		Data EventData `json:"data"`
	}
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "cluster_event", msg.Type)
	return msg.Data
}

func TestHubBroadcastsStoreEvents(t *testing.T) {
	hub, srv := startHub(t)
	all := dial(t, srv, "")
	only := dial(t, srv, "?key=s2")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	hub.HandleEvent(cache.Event{Kind: cache.EventModified, Key: "s1", Version: 3, Origin: "node-a"})
	hub.HandleEvent(cache.Event{Kind: cache.EventRemoved, Key: "s2", Field: "cart", Version: 4, Origin: "node-b"})

	assert.Equal(t, EventData{Kind: "modified", Key: "s1", Version: 3, Origin: "node-a"}, readEvent(t, all))
	assert.Equal(t, "s2", readEvent(t, all).Key)

	got := readEvent(t, only)
	assert.Equal(t, EventData{Kind: "removed", Key: "s2", Field: "cart", Version: 4, Origin: "node-b"}, got)
}

func TestHubUnregistersClosedClients(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
