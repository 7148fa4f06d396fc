package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"chatrelay/api_realtime/internal/metrics"
	"chatrelay/pkg/logging"
	"chatrelay/pkg/monitoring"
)

type stubSockets struct{ served int }

func (s *stubSockets) ServeWS(w http.ResponseWriter, r *http.Request) {
	s.served++
	w.WriteHeader(http.StatusTeapot)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newRouter(t *testing.T, redisErr error) (*gin.Engine, *metrics.Metrics, *stubSockets) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hc := monitoring.NewHealthChecker("chatrelay", "test")
	hc.AddCheck("redis", monitoring.PingHealthCheck("redis", stubPinger{err: redisErr}))
	m := metrics.New(nil)
	sockets := &stubSockets{}

	r := gin.New()
	NewGatewayHandlers(sockets, hc, m, "chatrelay", logging.NewLogger()).Register(r)
	return r, m, sockets
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealthReportsCounters(t *testing.T) {
	r, m, _ := newRouter(t, nil)
	m.ConnectionOpened("t")
	m.EventRelayed("conv")
	m.EventRelayed("conv")
	m.AuthFailed("invalid-token")
	m.SubscribeDeniedFor("forbidden")

	w := get(r, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Service != "chatrelay" || body.Connections != 1 || body.EventsRelayed != 2 ||
		body.AuthFailures != 1 || body.SubscribeDenied != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.Timestamp == "" || body.Checks["redis"].Status != monitoring.StatusHealthy {
		t.Fatalf("expected timestamp and redis check, got %+v", body)
	}
}

func TestHealthUnavailableWithoutRedis(t *testing.T) {
	r, _, _ := newRouter(t, errors.New("connection refused"))

	w := get(r, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestWebSocketRouteDelegates(t *testing.T) {
	r, _, sockets := newRouter(t, nil)
	if w := get(r, "/ws/chat?token=x"); w.Code != http.StatusTeapot || sockets.served != 1 {
		t.Fatalf("expected delegation, got %d (%d)", w.Code, sockets.served)
	}
}

func TestNotFound(t *testing.T) {
	r, _, _ := newRouter(t, nil)
	w := get(r, "/nope")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var body ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error != "not_found" || body.Service != "chatrelay" {
		t.Fatalf("unexpected body %+v", body)
	}
}
