package infra

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/metrics"
	"github.com/adaptiveauth/rba/internal/repository"
)

// Publisher delivers one message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// OutboxPoller polls the event_outbox table and publishes events to Kafka.
type OutboxPoller struct {
	db        repository.DBTX
	outbox    repository.OutboxRepository
	producer  Publisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

// NewOutboxPoller creates a new outbox poller.
func NewOutboxPoller(db repository.DBTX, outbox repository.OutboxRepository, producer Publisher, logger *slog.Logger) *OutboxPoller {
	return &OutboxPoller{
		db:        db,
		outbox:    outbox,
		producer:  producer,
		logger:    logger,
		interval:  500 * time.Millisecond,
		batchSize: 100,
	}
}

// WithBatch overrides the poll interval and batch size; non-positive values keep the defaults.
func (p *OutboxPoller) WithBatch(interval time.Duration, size int) *OutboxPoller {
	if interval > 0 {
		p.interval = interval
	}
	if size > 0 {
		p.batchSize = size
	}
	return p
}

// Run polls until ctx is cancelled.
func (p *OutboxPoller) Run(ctx context.Context) error {
	p.logger.Info("outbox poller started", "interval", p.interval, "batch_size", p.batchSize)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox poller stopped")
			return nil
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				p.logger.Error("outbox poll error", "error", err)
			}
			p.samplePending(ctx)
		}
	}
}

func (p *OutboxPoller) samplePending(ctx context.Context) {
	n, err := p.outbox.CountPending(ctx, p.db)
	if err != nil {
		p.logger.Warn("count pending outbox events", "error", err)
		return
	}
	metrics.OutboxPending.Set(float64(n))
}

// outboxMessage is the Kafka message body.
type outboxMessage struct {
	EventID       string          `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Headers       json.RawMessage `json:"headers,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Poll publishes one batch in sequence order and returns how many events were
// delivered. Publishing stops at the first failure so later events are not
// delivered ahead of it; the failed event is retried on the next poll.
func (p *OutboxPoller) Poll(ctx context.Context) (int, error) {
	events, err := p.outbox.FetchUnpublished(ctx, p.db, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(events))
	for _, e := range events {
		msg, err := json.Marshal(outboxMessage{
			EventID:       e.EventID.String(),
			AggregateType: string(e.AggregateType),
			AggregateID:   e.AggregateID,
			EventType:     string(e.EventType),
			Headers:       e.Headers,
			Payload:       e.Payload,
			OccurredAt:    e.OccurredAt,
		})
		if err != nil {
			p.logger.Error("encode outbox event", "event_id", e.EventID, "error", err)
			break
		}

		if err := p.producer.Publish(ctx, TopicFor(e), []byte(e.PartitionKey), msg); err != nil {
			metrics.OutboxPublishedTotal.WithLabelValues("error").Inc()
			p.logger.Error("kafka publish failed", "event_id", e.EventID, "error", err)
			break
		}
		metrics.OutboxPublishedTotal.WithLabelValues("ok").Inc()
		published = append(published, e.SeqID)
	}

	if err := p.outbox.MarkPublished(ctx, p.db, published); err != nil {
		return 0, err
	}

	p.logger.Debug("outbox poll complete", "published", len(published), "fetched", len(events))
	return len(published), nil
}

// TopicFor maps an outbox event to its Kafka topic.
func TopicFor(d domain.OutboxDraft) string {
	return string(d.EventType)
}
