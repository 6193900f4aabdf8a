// Package events moves geofence events and commands over Kafka.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/metrics"
	"github.com/segmentio/kafka-go"
)

// Publisher sends one event. key selects the partition.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, key string) error
	Close() error
}

// Topic is the topic an event type is written to.
func Topic(prefix, eventType string) string {
	return prefix + "geofences." + eventType
}

type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
}

func NewKafkaPublisher(brokers []string, topicPrefix string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		prefix: topicPrefix,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType string, payload []byte, key string) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: Topic(p.prefix, eventType),
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(eventType)},
		},
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues(eventType, "error").Inc()
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	metrics.EventsPublished.WithLabelValues(eventType, "ok").Inc()
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LoggingPublisher stands in for the bus when no brokers are configured.
type LoggingPublisher struct {
	Logger *slog.Logger
}

func (p LoggingPublisher) Publish(ctx context.Context, eventType string, payload []byte, key string) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "event", "type", eventType, "key", key, "bytes", len(payload))
	metrics.EventsPublished.WithLabelValues(eventType, "logged").Inc()
	return nil
}

func (LoggingPublisher) Close() error { return nil }
