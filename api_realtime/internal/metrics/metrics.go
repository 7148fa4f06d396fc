package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"chatrelay/pkg/monitoring"
)

// Metrics holds the Prometheus metrics of the gateway plus the process-local
// counters reported by /health. Counters reset on restart.
type Metrics struct {
	ActiveConnections *prometheus.GaugeVec
	FramesReceived    *prometheus.CounterVec
	EventsRelayed     *prometheus.CounterVec
	AuthFailures      *prometheus.CounterVec
	SubscribeDenied   *prometheus.CounterVec
	SlowConsumers     *prometheus.CounterVec
	IdentityCache     *prometheus.CounterVec

	connections     atomic.Int64
	eventsRelayed   atomic.Int64
	authFailures    atomic.Int64
	subscribeDenied atomic.Int64
}

// Counters is a snapshot of the process-local counters.
type Counters struct {
	Connections     int64 `json:"connections"`
	EventsRelayed   int64 `json:"eventsRelayed"`
	AuthFailures    int64 `json:"authFailures"`
	SubscribeDenied int64 `json:"subscribeDenied"`
}

// New registers the gateway metrics on mc. A nil collector keeps only the
// process counters, which is what most tests want.
func New(mc *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{}
	if mc == nil {
		return m
	}
	m.ActiveConnections = mc.NewGauge("ws_active_connections", "Authenticated WebSocket connections", []string{"tenant"})
	m.FramesReceived = mc.NewCounter("ws_frames_received_total", "Inbound client frames by type", []string{"type"})
	m.EventsRelayed = mc.NewCounter("events_relayed_total", "Broker payloads delivered to sockets", []string{"kind"})
	m.AuthFailures = mc.NewCounter("auth_failures_total", "Rejected connections by close reason", []string{"reason"})
	m.SubscribeDenied = mc.NewCounter("subscribe_denied_total", "Conversation subscriptions denied", []string{"reason"})
	m.SlowConsumers = mc.NewCounter("ws_slow_consumers_total", "Sockets closed because their send buffer was full", nil)
	m.IdentityCache = mc.NewCounter("identity_cache_total", "Identity cache lookups", []string{"result"})
	return m
}

// RegisterBrokerSubscriptions exposes the number of live broker channels.
func RegisterBrokerSubscriptions(mc *monitoring.MetricsCollector, count func() int) {
	if mc == nil {
		return
	}
	mc.NewGaugeFunc("broker_subscriptions", "Channels with a live broker subscription", func() float64 {
		return float64(count())
	})
}

func (m *Metrics) ConnectionOpened(tenant string) {
	m.connections.Add(1)
	if m.ActiveConnections != nil {
		m.ActiveConnections.WithLabelValues(tenant).Inc()
	}
}

func (m *Metrics) ConnectionClosed(tenant string) {
	m.connections.Add(-1)
	if m.ActiveConnections != nil {
		m.ActiveConnections.WithLabelValues(tenant).Dec()
	}
}

func (m *Metrics) FrameReceived(frameType string) {
	if m.FramesReceived != nil {
		m.FramesReceived.WithLabelValues(frameType).Inc()
	}
}

// EventRelayed counts one payload handed to one socket. kind is "user",
// "conv" or "other", taken from the channel prefix.
func (m *Metrics) EventRelayed(kind string) {
	m.eventsRelayed.Add(1)
	if m.EventsRelayed != nil {
		m.EventsRelayed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) AuthFailed(reason string) {
	m.authFailures.Add(1)
	if m.AuthFailures != nil {
		m.AuthFailures.WithLabelValues(reason).Inc()
	}
}

// SubscribeDeniedFor counts a denied conversation subscription. reason is
// "forbidden" or "error".
func (m *Metrics) SubscribeDeniedFor(reason string) {
	m.subscribeDenied.Add(1)
	if m.SubscribeDenied != nil {
		m.SubscribeDenied.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SlowConsumer() {
	if m.SlowConsumers != nil {
		m.SlowConsumers.WithLabelValues().Inc()
	}
}

func (m *Metrics) IdentityCacheHit() {
	if m.IdentityCache != nil {
		m.IdentityCache.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) IdentityCacheMiss() {
	if m.IdentityCache != nil {
		m.IdentityCache.WithLabelValues("miss").Inc()
	}
}

// Snapshot reads the process counters.
func (m *Metrics) Snapshot() Counters {
	return Counters{
		Connections:     m.connections.Load(),
		EventsRelayed:   m.eventsRelayed.Load(),
		AuthFailures:    m.authFailures.Load(),
		SubscribeDenied: m.subscribeDenied.Load(),
	}
}
