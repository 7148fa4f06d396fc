package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chatrelay/api_realtime/internal/metrics"
	"chatrelay/pkg/logging"
	"chatrelay/pkg/middleware"
	"chatrelay/pkg/monitoring"
)

// SocketServer serves upgraded WebSocket connections.
type SocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status          string                            `json:"status"`
	Service         string                            `json:"service"`
	Version         string                            `json:"version"`
	Connections     int64                             `json:"connections"`
	EventsRelayed   int64                             `json:"eventsRelayed"`
	AuthFailures    int64                             `json:"authFailures"`
	SubscribeDenied int64                             `json:"subscribeDenied"`
	Uptime          string                            `json:"uptime"`
	Timestamp       string                            `json:"timestamp"`
	Checks          map[string]monitoring.CheckResult `json:"checks,omitempty"`
}

// ErrorResponse is returned for unknown routes.
type ErrorResponse struct {
	Error   string `json:"error"`
	Service string `json:"service"`
	Message string `json:"message"`
}

// GatewayHandlers contains the HTTP handlers for the service
type GatewayHandlers struct {
	sockets   SocketServer
	health    *monitoring.HealthChecker
	metrics   *metrics.Metrics
	service   string
	logger    logging.Logger
	startTime time.Time
}

// NewGatewayHandlers creates a new handlers instance
func NewGatewayHandlers(sockets SocketServer, health *monitoring.HealthChecker, m *metrics.Metrics, service string, logger logging.Logger) *GatewayHandlers {
	return &GatewayHandlers{
		sockets:   sockets,
		health:    health,
		metrics:   m,
		service:   service,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Register mounts the gateway routes on router.
func (h *GatewayHandlers) Register(router *gin.Engine) {
	router.GET("/ws/chat", h.HandleWebSocket)
	router.GET("/health", h.HandleHealth)
	router.NoRoute(h.HandleNotFound)
}

// HandleWebSocket serves /ws/chat?token=...
func (h *GatewayHandlers) HandleWebSocket(c *gin.Context) {
	h.sockets.ServeWS(c.Writer, c.Request)
}

// HandleHealth reports process counters and dependency checks. It answers
// 503 when a critical dependency (Redis) is down.
func (h *GatewayHandlers) HandleHealth(c *gin.Context) {
	status := h.health.CheckHealth()
	counters := h.metrics.Snapshot()

	resp := HealthResponse{
		Status:          status.Status,
		Service:         h.service,
		Version:         status.Version,
		Connections:     counters.Connections,
		EventsRelayed:   counters.EventsRelayed,
		AuthFailures:    counters.AuthFailures,
		SubscribeDenied: counters.SubscribeDenied,
		Uptime:          time.Since(h.startTime).Round(time.Second).String(),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		Checks:          status.Checks,
	}

	code := monitoring.HTTPStatus(status.Status)
	if code != http.StatusOK {
		middleware.GetContextLogger(c, h.logger).WithField("status", status.Status).Warn("Health check failing")
	}
	c.JSON(code, resp)
}

// HandleNotFound provides a custom 404 handler
func (h *GatewayHandlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "not_found",
		Service: h.service,
		Message: "Endpoint not found",
	})
}
