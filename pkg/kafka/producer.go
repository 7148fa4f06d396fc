package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaProducer produces gateway events to a single topic.
type KafkaProducer struct {
	client *kgo.Client
	logger *logrus.Logger
	topic  string
}

// NewKafkaProducer creates a new Kafka producer
func NewKafkaProducer(brokers []string, topic, clientID string, logger *logrus.Logger) (*KafkaProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaProducer{
		client: client,
		logger: logger,
		topic:  topic,
	}, nil
}

// Close flushes buffered records and closes the client.
func (p *KafkaProducer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}

// Publish enqueues the event asynchronously; produce failures are logged.
func (p *KafkaProducer) Publish(ctx context.Context, event GatewayEvent) {
	record, err := buildRecord(p.topic, event)
	if err != nil {
		p.logger.WithError(err).WithField("event_type", event.EventType).Warn("Failed to encode gateway event")
		return
	}

	p.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"event_type": event.EventType,
				"topic":      r.Topic,
			}).Warn("Failed to produce gateway event")
		}
	})
}

// HealthCheck pings the seed brokers.
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// Ping makes the producer usable as a monitoring.Pinger.
func (p *KafkaProducer) Ping(ctx context.Context) error {
	return p.HealthCheck(ctx)
}

func buildRecord(topic string, event GatewayEvent) (*kgo.Record, error) {
	if event.EventType == "" {
		return nil, errors.New("event type is required")
	}
	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	// Keyed by user so one user's lifecycle stays ordered within a partition.
	key := event.UserID
	if key == "" {
		key = event.ConnID
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "source", Value: []byte(event.Source)},
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if event.Tenant != "" {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: "tenant", Value: []byte(event.Tenant)})
	}
	return record, nil
}
