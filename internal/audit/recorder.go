package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/metrics"
	"github.com/cenkalti/backoff/v4"
)

// Writer durably stores a risk event.
type Writer interface {
	Write(ctx context.Context, ev domain.RiskEvent) error
}

// Recorder writes risk events synchronously with a short retry. Events that
// still fail are parked in a bounded backlog and retried by Start until they
// land, so a slow database never withholds a login decision.
type Recorder struct {
	sink       Writer
	backlog    chan domain.RiskEvent
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
	retries    uint64
}

// NewRecorder creates a Recorder with room for backlogSize deferred events.
func NewRecorder(sink Writer, backlogSize int, logger *slog.Logger) *Recorder {
	if backlogSize <= 0 {
		backlogSize = 1024
	}
	return &Recorder{
		sink:    sink,
		backlog: make(chan domain.RiskEvent, backlogSize),
		logger:  logger,
		retries: 2,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Record implements policy.AuditSink. It returns nil once the event is either
// stored or parked in the backlog, and an error only when the event was dropped.
func (r *Recorder) Record(ctx context.Context, ev domain.RiskEvent) error {
	// The write must survive the request being cancelled after the decision.
	wctx := context.WithoutCancel(ctx)

	b := backoff.WithMaxRetries(r.newBackOff(), r.retries)
	err := backoff.Retry(func() error { return r.sink.Write(wctx, ev) }, b)
	if err == nil {
		metrics.AuditWritesTotal.WithLabelValues("ok").Inc()
		return nil
	}

	select {
	case r.backlog <- ev:
		metrics.AuditWritesTotal.WithLabelValues("deferred").Inc()
		metrics.AuditBacklog.Inc()
		r.logger.Warn("risk event deferred", "event_id", ev.ID, "user_id", ev.UserID, "error", err)
		return nil
	default:
		metrics.AuditWritesTotal.WithLabelValues("dropped").Inc()
		r.logger.Error("audit backlog full, risk event dropped", "event_id", ev.ID, "user_id", ev.UserID, "error", err)
		return fmt.Errorf("audit backlog full: %w", err)
	}
}

// Pending returns the number of deferred events.
func (r *Recorder) Pending() int {
	return len(r.backlog)
}

// Start drains the backlog until ctx is cancelled. Each event is retried with
// exponential backoff until it is written.
func (r *Recorder) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(r.backlog); n > 0 {
				r.logger.Error("audit relay stopping with undelivered risk events", "pending", n)
			}
			return nil
		case ev := <-r.backlog:
			metrics.AuditBacklog.Dec()
			r.redeliver(ctx, ev)
		}
	}
}

func (r *Recorder) redeliver(ctx context.Context, ev domain.RiskEvent) {
	err := backoff.Retry(func() error {
		return r.sink.Write(ctx, ev)
	}, backoff.WithContext(r.newBackOff(), ctx))
	if err != nil {
		metrics.AuditWritesTotal.WithLabelValues("lost").Inc()
		r.logger.Error("risk event lost", "event_id", ev.ID, "user_id", ev.UserID, "error", err)
		return
	}
	metrics.AuditWritesTotal.WithLabelValues("redelivered").Inc()
	r.logger.Info("deferred risk event written", "event_id", ev.ID)
}
