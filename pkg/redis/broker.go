package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// ErrBrokerClosed is returned for operations on a closed Broker.
var ErrBrokerClosed = errors.New("broker closed")

// MessageHandler receives a channel name and the raw published payload.
type MessageHandler func(channel string, payload []byte)

// Broker multiplexes channel subscriptions over one Redis pub/sub connection.
// Subscribe and Unsubscribe only change what the connection listens to; every
// message for every channel arrives through Listen.
type Broker struct {
	client goredis.UniversalClient
	pubsub *goredis.PubSub

	mu     sync.Mutex
	closed bool
}

// NewBroker opens an idle pub/sub connection with no channels.
func NewBroker(ctx context.Context, client goredis.UniversalClient) *Broker {
	return &Broker{
		client: client,
		pubsub: client.Subscribe(ctx),
	}
}

// Subscribe adds channels to the shared pub/sub connection.
func (b *Broker) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	if b.isClosed() {
		return ErrBrokerClosed
	}
	if err := b.pubsub.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("subscribe to redis: %w", err)
	}
	return nil
}

// Unsubscribe removes channels from the shared pub/sub connection.
func (b *Broker) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	if b.isClosed() {
		return ErrBrokerClosed
	}
	if err := b.pubsub.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("unsubscribe from redis: %w", err)
	}
	return nil
}

// Publish sends payload to channel unmodified.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Listen delivers every received message to handler until ctx is done or the
// broker is closed. It must be called at most once.
func (b *Broker) Listen(ctx context.Context, handler MessageHandler) error {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Ping checks the underlying client.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the pub/sub connection. It does not close the client.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.pubsub.Close()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
