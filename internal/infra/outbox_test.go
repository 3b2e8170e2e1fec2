package infra

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memOutbox struct {
	rows      []domain.OutboxDraft
	published []int64
}

func (m *memOutbox) Insert(_ context.Context, _ repository.DBTX, d domain.OutboxDraft) error {
	d.SeqID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, d)
	return nil
}

func (m *memOutbox) FetchUnpublished(_ context.Context, _ repository.DBTX, limit int) ([]domain.OutboxDraft, error) {
	var out []domain.OutboxDraft
	for _, r := range m.rows {
		if !m.isPublished(r.SeqID) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memOutbox) MarkPublished(_ context.Context, _ repository.DBTX, ids []int64) error {
	m.published = append(m.published, ids...)
	return nil
}

func (m *memOutbox) CountPending(context.Context, repository.DBTX) (int, error) {
	return len(m.rows) - len(m.published), nil
}

func (m *memOutbox) isPublished(id int64) bool {
	for _, p := range m.published {
		if p == id {
			return true
		}
	}
	return false
}

type sentMessage struct {
	topic string
	key   string
	value []byte
}

type recordingPublisher struct {
	sent   []sentMessage
	failAt int // 1-based; 0 never fails
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, key, value []byte) error {
	if p.failAt > 0 && len(p.sent)+1 == p.failAt {
		p.failAt = 0
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, sentMessage{topic, string(key), value})
	return nil
}

func seedOutbox(t *testing.T, m *memOutbox, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := domain.RiskEvent{UserID: "user-1", Score: 10 * i, Action: domain.ActionAllow, CreatedAt: time.Now()}
		require.NoError(t, m.Insert(context.Background(), nil, domain.NewRiskEvaluatedEvent(ev)))
	}
}

func TestOutboxPoller_PublishesInOrder(t *testing.T) {
	store := &memOutbox{}
	seedOutbox(t, store, 3)
	pub := &recordingPublisher{}
	poller := NewOutboxPoller(nil, store, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{1, 2, 3}, store.published)

	require.Len(t, pub.sent, 3)
	assert.Equal(t, "rba.risk.evaluated", pub.sent[0].topic)
	assert.Equal(t, "user-1", pub.sent[0].key)

	var msg outboxMessage
	require.NoError(t, json.Unmarshal(pub.sent[1].value, &msg))
	assert.Equal(t, "rba.risk.evaluated", msg.EventType)
	assert.Equal(t, "user-1", msg.AggregateID)
	assert.Contains(t, string(msg.Payload), `"score":10`)

	n, err = poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxPoller_StopsAtFirstFailure(t *testing.T) {
	store := &memOutbox{}
	seedOutbox(t, store, 3)
	pub := &recordingPublisher{failAt: 2}
	poller := NewOutboxPoller(nil, store, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1}, store.published)

	n, err = poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2, 3}, store.published)
}

func TestTopicFor(t *testing.T) {
	d := domain.NewFactorLockedEvent(domain.FactorLockEvent{UserID: "u", FactorType: domain.FactorPIN}, time.Now())
	assert.Equal(t, "rba.mfa.factor.locked", TopicFor(d))
}
