package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/mirador-session/internal/api/middleware"
	ws "github.com/platformbuilds/mirador-session/internal/api/websocket"
	"github.com/platformbuilds/mirador-session/internal/config"
	"github.com/platformbuilds/mirador-session/internal/session"
	"github.com/platformbuilds/mirador-session/pkg/cache"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server  *Server
	store   *cache.Memory
	manager *session.Manager
	hub     *ws.Hub
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Node.ID = "node-a"
	if mutate != nil {
		mutate(cfg)
	}

	store := cache.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	mcfg := session.DefaultConfig()
	mcfg.NodeID = "node-a"
	mcfg.SweepInterval = 0
	mcfg.Policy.ExpiryEnabled = false
	m, err := session.NewManager(store, mcfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	hub := ws.NewHub(logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	sub, err := store.Subscribe(hub.HandleEvent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	return &fixture{
		server:  NewServer(cfg, logger.NewNop(), store, m, hub),
		store:   store,
		manager: m,
		hub:     hub,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) (int, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func (f *fixture) session(t *testing.T, attrs map[string]interface{}) *session.Session {
	t.Helper()
	ctx := context.Background()
	s, err := f.manager.CreateSession(ctx)
	require.NoError(t, err)
	for k, v := range attrs {
		require.NoError(t, f.manager.SetAttribute(ctx, s, k, v))
	}
	return s
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, config.ServiceName, body["service"])

	code, body = f.do(t, http.MethodGet, "/api/v1/ready", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "node-a", body["node"])

	require.NoError(t, f.store.Close())
	code, body = f.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/health", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mirador_session_http_requests_total")
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, map[string]interface{}{"count": 3})

	code, body := f.do(t, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, []interface{}{s.RealID()}, data["sessions"])
	assert.Equal(t, "local", data["scope"])

	code, body = f.do(t, http.MethodGet, "/api/v1/sessions?scope=cluster", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["data"].(map[string]interface{})["total"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/sessions?scope=galaxy", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID(), "")
	require.Equal(t, http.StatusOK, code)
	info := body["data"].(map[string]interface{})
	assert.Equal(t, s.RealID(), info["real_id"])
	assert.Equal(t, []interface{}{"count"}, info["attributes"])

	code, body = f.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID()+"/attributes/count", "")
	require.Equal(t, http.StatusOK, code)
	attr := body["data"].(map[string]interface{})
	assert.EqualValues(t, 3, attr["value"])
	assert.Equal(t, "int", attr["type"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID()+"/attributes/missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID()+"/last-accessed", "")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["data"].(map[string]interface{})["last_accessed_time"])

	code, _ = f.do(t, http.MethodDelete, "/api/v1/sessions/"+s.ID(), "")
	require.Equal(t, http.StatusOK, code)
	assert.False(t, s.IsValid())

	code, body = f.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID(), "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestStatisticsEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.session(t, map[string]interface{}{"a": "b"})

	code, body := f.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, code)
	stats := body["data"].(map[string]interface{})
	assert.Equal(t, "node-a", stats["node_id"])
	assert.EqualValues(t, 1, stats["created"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/stats/reset", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(0), f.manager.Statistics().Created)
}

func TestPolicyEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodGet, "/api/v1/policy", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SET_AND_NON_PRIMITIVE_GET", body["data"].(map[string]interface{})["replication_trigger"])

	code, body = f.do(t, http.MethodPut, "/api/v1/policy", `{"replication_trigger":"access","max_unreplicated_factor":50}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ACCESS", body["data"].(map[string]interface{})["replication_trigger"])
	assert.Equal(t, session.TriggerAccess, f.manager.Policy().Trigger)
	assert.Equal(t, 50, f.manager.Policy().MaxUnreplicatedFactor)

	code, _ = f.do(t, http.MethodPut, "/api/v1/policy", `{"replication_trigger":"NEVER"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPut, "/api/v1/policy", `{"max_unreplicated_factor":-7}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPut, "/api/v1/policy", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, session.TriggerAccess, f.manager.Policy().Trigger)
}

func TestAuthentication(t *testing.T) {
	const secret = "management-secret"
	f := newFixture(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.JWTSecret = secret
	})

	code, _ := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code, "health is public")

	code, body := f.do(t, http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Authentication required", body["error"])

	valid, err := middleware.IssueToken(secret, "ops", nil, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	code, _ = f.do(t, http.MethodGet, "/api/v1/stats", "", "Authorization", "Bearer "+valid)
	assert.Equal(t, http.StatusOK, code)

	forged, err := middleware.IssueToken("other-secret", "ops", nil, jwt.RegisteredClaims{})
	require.NoError(t, err)
	code, _ = f.do(t, http.MethodGet, "/api/v1/stats", "", "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, code)

	expired, err := middleware.IssueToken(secret, "ops", nil, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	require.NoError(t, err)
	code, _ = f.do(t, http.MethodGet, "/api/v1/stats", "", "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, code)

	anonymous, err := middleware.IssueToken(secret, "", nil, jwt.RegisteredClaims{})
	require.NoError(t, err)
	code, _ = f.do(t, http.MethodGet, "/api/v1/stats", "", "Authorization", "Bearer "+anonymous)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAdminRoles(t *testing.T) {
	const secret = "management-secret"
	f := newFixture(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.JWTSecret = secret
		c.Auth.AdminRoles = []string{"session-admin"}
	})

	viewer, err := middleware.IssueToken(secret, "viewer", []string{"reader"}, jwt.RegisteredClaims{})
	require.NoError(t, err)
	admin, err := middleware.IssueToken(secret, "ops", []string{"reader", "session-admin"}, jwt.RegisteredClaims{})
	require.NoError(t, err)

	code, _ := f.do(t, http.MethodGet, "/api/v1/policy", "", "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusOK, code, "reads need no role")

	code, body := f.do(t, http.MethodPost, "/api/v1/stats/reset", "", "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Access denied: insufficient permissions", body["error"])

	code, _ = f.do(t, http.MethodPut, "/api/v1/policy", `{"expiry_enabled":true}`, "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, code)
	assert.False(t, f.manager.Policy().ExpiryEnabled)

	code, _ = f.do(t, http.MethodPost, "/api/v1/stats/reset", "", "Authorization", "Bearer "+admin)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodPut, "/api/v1/policy", `{"expiry_enabled":true}`, "Authorization", "Bearer "+admin)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, f.manager.Policy().ExpiryEnabled)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	s := f.session(t, map[string]interface{}{"x": 1})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string       `json:"type"`
		Data ws.EventData `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "cluster_event", msg.Type)
	assert.Equal(t, s.RealID(), msg.Data.Key)
	assert.Equal(t, "node-a", msg.Data.Origin)
}
