package dlq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/servicing-events/internal/broker"
	"github.com/jmehdipour/servicing-events/internal/envelope"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acks struct {
	mu      sync.Mutex
	acked   []uint64
	requeue []uint64
}

func (a *acks) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *acks) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeue = append(a.requeue, tag)
	}
	return nil
}

func (a *acks) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

// fakeQueue serves deliveries once each, like basic.get on unacked messages.
type fakeQueue struct {
	name  string
	items []amqp.Delivery
	ack   *acks
	gets  []string
}

func (q *fakeQueue) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	q.gets = append(q.gets, queue)
	if autoAck {
		return amqp.Delivery{}, false, errors.New("autoAck must be off")
	}
	if len(q.items) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := q.items[0]
	q.items = q.items[1:]
	d.Acknowledger = q.ack
	return d, true, nil
}

type fakePublisher struct {
	sent []broker.Message
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, m broker.Message) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, m)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

var diedAt = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func deadLetter(t *testing.T, tag uint64, id string, retryCount int) amqp.Delivery {
	t.Helper()
	env := &envelope.Envelope{
		ID: id, MessageID: id, CorrelationID: "c-" + id, IdempotencyKey: "k-" + id,
		Schema: "payment.v1.validated", Version: envelope.Version,
		OccurredAt: diedAt, Producer: envelope.Producer{Service: "servicing-core"},
		RetryCount: retryCount, Data: []byte(`{"payment_id":"p-1"}`),
	}
	body, err := envelope.Marshal(env)
	require.NoError(t, err)
	return amqp.Delivery{
		DeliveryTag: tag,
		MessageId:   id,
		Exchange:    "payment.dlq",
		RoutingKey:  "payment",
		Body:        body,
		Headers: amqp.Table{
			"x-death": []any{
				amqp.Table{
					"count":        int64(5),
					"queue":        "q.payment.process",
					"reason":       "delivery_limit",
					"time":         diedAt,
					"exchange":     "payment.events",
					"routing-keys": []any{"payment.v1.validated"},
				},
			},
		},
	}
}

func TestInspect_ParsesHistoryAndRequeues(t *testing.T) {
	q := &fakeQueue{ack: &acks{}, items: []amqp.Delivery{deadLetter(t, 1, "m1", 4), deadLetter(t, 2, "m2", 0)}}
	tool := New(q, &fakePublisher{}, nil)

	got, err := tool.Inspect(context.Background(), "payment", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "q.payment.dlq", q.gets[0])
	d := got[0]
	assert.Equal(t, "m1", d.MessageID)
	assert.Equal(t, 4, d.RetryCount)
	assert.Equal(t, "payment.events", d.Exchange)
	assert.Equal(t, "payment.v1.validated", d.RoutingKey)
	require.Len(t, d.Deaths, 1)
	assert.Equal(t, Death{
		Count: 5, Queue: "q.payment.process", Reason: "delivery_limit", Time: diedAt,
		Exchange: "payment.events", RoutingKeys: []string{"payment.v1.validated"},
	}, d.Deaths[0])

	assert.ElementsMatch(t, []uint64{1, 2}, q.ack.requeue)
	assert.Empty(t, q.ack.acked)
}

func TestInspect_Limit(t *testing.T) {
	q := &fakeQueue{ack: &acks{}, items: []amqp.Delivery{deadLetter(t, 1, "m1", 0), deadLetter(t, 2, "m2", 0)}}
	got, err := New(q, &fakePublisher{}, nil).Inspect(context.Background(), "payment", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestReplay_RepublishesWithRetryCountReset(t *testing.T) {
	q := &fakeQueue{ack: &acks{}, items: []amqp.Delivery{deadLetter(t, 1, "m1", 4)}}
	pub := &fakePublisher{}
	tool := New(q, pub, nil)
	tool.Now = func() time.Time { return diedAt.Add(time.Hour) }

	n, err := tool.Replay(context.Background(), "payment", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, pub.sent, 1)
	m := pub.sent[0]
	assert.Equal(t, "payment.events", m.Exchange)
	assert.Equal(t, "payment.v1.validated", m.RoutingKey)
	assert.Equal(t, "m1", m.MessageID)
	assert.Equal(t, "q.payment.dlq", m.Headers[HeaderReplayedFrom])

	env, err := envelope.Decode(m.Body)
	require.NoError(t, err)
	assert.Equal(t, 0, env.RetryCount)
	assert.Equal(t, "m1", env.MessageID, "message id is kept so consumers still deduplicate")
	assert.NotEmpty(t, env.Headers[envelope.HeaderReplayedAt])

	assert.Equal(t, []uint64{1}, q.ack.acked)
	assert.Empty(t, q.ack.requeue)
}

func TestReplay_PublishFailureKeepsMessages(t *testing.T) {
	q := &fakeQueue{ack: &acks{}, items: []amqp.Delivery{deadLetter(t, 1, "m1", 0), deadLetter(t, 2, "m2", 0)}}
	pub := &fakePublisher{err: broker.ErrPublishNacked}

	n, err := New(q, pub, nil).Replay(context.Background(), "payment", 10)
	require.ErrorIs(t, err, broker.ErrPublishNacked)
	assert.Zero(t, n)
	assert.Empty(t, q.ack.acked)
	assert.ElementsMatch(t, []uint64{1, 2}, q.ack.requeue)
}

func TestReplay_SkipsUndecodable(t *testing.T) {
	bad := deadLetter(t, 1, "m1", 0)
	bad.Body = []byte("not json")
	q := &fakeQueue{ack: &acks{}, items: []amqp.Delivery{bad, deadLetter(t, 2, "m2", 0)}}
	pub := &fakePublisher{}

	n, err := New(q, pub, nil).Replay(context.Background(), "payment", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{1}, q.ack.requeue)
	assert.Equal(t, []uint64{2}, q.ack.acked)
}
