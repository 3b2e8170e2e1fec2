package infra

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrKafkaDisabled is returned by Publish when no brokers are configured. The
// poller treats it like any publish failure, so the outbox keeps its backlog.
var ErrKafkaDisabled = errors.New("kafka producer disabled")

// KafkaProducer publishes audit events. Messages are hashed by key, so every
// event for one user lands on the same partition in outbox order.
type KafkaProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaProducer builds a producer from KAFKA_BROKERS. A disabled or empty
// broker list yields a producer whose Publish always fails.
func NewKafkaProducer(cfg *Config, logger *slog.Logger) *KafkaProducer {
	brokers := splitBrokers(cfg.KafkaBrokers)
	if !cfg.KafkaEnabled || len(brokers) == 0 {
		logger.Warn("kafka producer disabled")
		return &KafkaProducer{logger: logger}
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	logger.Info("kafka producer initialized", "brokers", brokers)
	return &KafkaProducer{writer: w, logger: logger}
}

// Publish writes one JSON message to topic, keyed for partition affinity.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if p.writer == nil {
		return ErrKafkaDisabled
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "producer", Value: []byte("rba")},
		},
	})
}

// Close flushes pending writes.
func (p *KafkaProducer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
