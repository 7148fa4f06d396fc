package websocket

import (
	"chatrelay/api_realtime/internal/metrics"
	"chatrelay/api_realtime/internal/registry"
)

// Fanout relays broker payloads to the sockets registered on their channel.
type Fanout struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
}

func NewFanout(reg *registry.Registry, m *metrics.Metrics) *Fanout {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Fanout{registry: reg, metrics: m}
}

// Deliver forwards payload unmodified to every open socket on channel.
// Sockets that are closing are skipped. It matches redis.MessageHandler.
func (f *Fanout) Deliver(channel string, payload []byte) {
	kind, _ := channelKind(channel)
	for _, member := range f.registry.Sockets(channel) {
		c, ok := member.(*Conn)
		if !ok || c.Closed() {
			continue
		}
		if c.enqueue(payload) {
			f.metrics.EventRelayed(kind)
		}
	}
}
