package kafka

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Gateway lifecycle event types.
const (
	EventConnectionOpened = "connection.opened"
	EventConnectionClosed = "connection.closed"
	EventAuthFailed       = "auth.failed"
	EventSubscribeDenied  = "subscribe.denied"
)

// DefaultTopic is where gateway events go when KAFKA_TOPIC is unset.
const DefaultTopic = "gateway_events"

// GatewayEvent is one connection lifecycle event.
type GatewayEvent struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	ConnID    string            `json:"conn_id,omitempty"`
	Tenant    string            `json:"tenant,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// NewGatewayEvent stamps an id and timestamp onto a new event.
func NewGatewayEvent(eventType, source string) GatewayEvent {
	return GatewayEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}

// Publisher accepts gateway events. Implementations must not block callers
// on broker round trips.
type Publisher interface {
	Publish(ctx context.Context, event GatewayEvent)
}

// NoopPublisher drops every event. Used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, GatewayEvent) {}
