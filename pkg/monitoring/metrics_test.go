package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsCollectorServesCustomMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	mc := NewMetricsCollectorWithRegistry("chat-relay", "v1", "abc", reg, reg)

	counter := mc.NewCounter("frames_total", "Frames", []string{"type"})
	counter.WithLabelValues("subscribe").Inc()
	mc.NewGaugeFunc("channels", "Channels", func() float64 { return 3 })

	r := gin.New()
	r.Use(mc.MetricsMiddleware())
	r.GET("/metrics", mc.Handler())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/ping", nil)
	r.ServeHTTP(w, req)

	w = httptest.NewRecorder()
	req, _ = http.NewRequestWithContext(context.Background(), "GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	body := w.Body.String()
	for _, want := range []string{
		`chat_relay_frames_total{type="subscribe"} 1`,
		`chat_relay_http_requests_total{endpoint="/ping",method="GET",status="200"} 1`,
		`chat_relay_service_info{commit="abc",version="v1"} 1`,
		`chat_relay_channels 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}
