// Package kafka publishes alert records to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/IBM/sarama"

	"sitesafe/internal/alerts"
)

// Config selects brokers and topic.
type Config struct {
	Enabled bool     `yaml:"enabled" env:"KAFKA_ENABLED"`
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_ALERT_TOPIC"`
	// Source tags every event, e.g. the site or camera name.
	Source string `yaml:"source" env:"KAFKA_SOURCE"`
}

// AlertEvent is the JSON value written for each alert.
type AlertEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Zone      string `json:"zone,omitempty"`
	Object    string `json:"object,omitempty"`
	CreatedAt int64  `json:"created_at_ms"`
	Source    string `json:"source,omitempty"`
}

// Producer sends alert events synchronously.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	source   string
}

// NewProducer connects to the brokers.
func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewProducerWith(producer, cfg), nil
}

// NewProducerWith wraps an existing sarama producer.
func NewProducerWith(producer sarama.SyncProducer, cfg Config) *Producer {
	topic := cfg.Topic
	if topic == "" {
		topic = "sitesafe.alerts"
	}
	return &Producer{producer: producer, topic: topic, source: cfg.Source}
}

// Name implements alerts.Notifier.
func (p *Producer) Name() string { return "kafka" }

// Notify publishes rec. Records are keyed by rule and zone so each zone's
// alerts stay ordered within a partition.
func (p *Producer) Notify(_ context.Context, rec alerts.Record) error {
	payload, err := json.Marshal(AlertEvent{
		ID:        rec.ID,
		Type:      string(rec.Type),
		Message:   rec.Message,
		Timestamp: rec.Timestamp,
		Zone:      rec.Zone,
		Object:    rec.Object,
		CreatedAt: rec.CreatedAt.UnixMilli(),
		Source:    p.source,
	})
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(MessageKey(rec)),
		Value: sarama.ByteEncoder(payload),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish alert %s: %w", rec.ID, err)
	}
	log.Printf("[Kafka] Published alert %s to %s/%d@%d", rec.ID, p.topic, partition, offset)
	return nil
}

// MessageKey is the partitioning key for a record.
func MessageKey(rec alerts.Record) string {
	if rec.Zone != "" {
		return string(rec.Type) + ":" + rec.Zone
	}
	return string(rec.Type)
}

// Close flushes and closes the producer.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

var _ alerts.Notifier = (*Producer)(nil)
