// Package dlq lets operators inspect and replay dead-lettered messages.
// Nothing here runs automatically.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/servicing-events/internal/broker"
	"github.com/jmehdipour/servicing-events/internal/envelope"
	"github.com/jmehdipour/servicing-events/internal/metrics"
	"github.com/jmehdipour/servicing-events/internal/topology"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	headerXDeath       = "x-death"
	HeaderReplayedFrom = "x-replayed-from"
)

var ErrNoOrigin = errors.New("dlq: dead letter carries no origin exchange")

// Getter is the subset of *amqp.Channel needed to pull from a queue.
type Getter interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
}

// Death is one x-death entry written by the broker when it dead-lettered
// the message.
type Death struct {
	Count       int64     `json:"count"`
	Queue       string    `json:"queue"`
	Reason      string    `json:"reason"`
	Time        time.Time `json:"time"`
	Exchange    string    `json:"exchange"`
	RoutingKeys []string  `json:"routing_keys"`
}

// DeadLetter is one held message with its delivery history.
type DeadLetter struct {
	MessageID   string             `json:"message_id"`
	Schema      string             `json:"schema,omitempty"`
	RetryCount  int                `json:"retry_count"`
	Deaths      []Death            `json:"deaths"`
	Reason      string             `json:"reason,omitempty"` // set by consumers that dead-letter explicitly
	Exchange    string             `json:"original_exchange"`
	RoutingKey  string             `json:"original_routing_key"`
	Envelope    *envelope.Envelope `json:"envelope,omitempty"`
	DecodeError string             `json:"decode_error,omitempty"`
}

// Tool reads q.<domain>.dlq and republishes from it.
type Tool struct {
	Channel   Getter
	Publisher broker.Publisher
	Logger    *zap.Logger
	Now       func() time.Time
}

func New(ch Getter, pub broker.Publisher, log *zap.Logger) *Tool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tool{Channel: ch, Publisher: pub, Logger: log, Now: time.Now}
}

// Inspect returns up to limit dead letters without consuming them: every
// message taken is requeued before returning.
func (t *Tool) Inspect(ctx context.Context, domain string, limit int) ([]DeadLetter, error) {
	queue := topology.DLQQueue(domain)
	held, err := t.take(ctx, queue, limit)
	defer requeueAll(held)
	if err != nil {
		return nil, err
	}

	out := make([]DeadLetter, 0, len(held))
	for _, d := range held {
		out = append(out, Parse(d))
	}
	return out, nil
}

// Replay republishes up to limit dead letters to their original exchange and
// routing key with retry_count reset. A message is acked only after the
// broker confirmed its replacement. Undecodable messages stay in the queue.
func (t *Tool) Replay(ctx context.Context, domain string, limit int) (int, error) {
	queue := topology.DLQQueue(domain)
	held, err := t.take(ctx, queue, limit)
	if err != nil {
		requeueAll(held)
		return 0, err
	}

	replayed := 0
	for i, d := range held {
		dl := Parse(d)
		if dl.Envelope == nil || dl.Exchange == "" {
			t.Logger.Warn("dead letter not replayable",
				zap.String("queue", queue), zap.String("message_id", dl.MessageID),
				zap.String("decode_error", dl.DecodeError))
			_ = d.Nack(false, true)
			continue
		}

		env := dl.Envelope
		env.ResetForReplay(t.Now())
		body, err := envelope.Marshal(env)
		if err != nil {
			requeueAll(held[i:])
			return replayed, fmt.Errorf("marshal %s: %w", env.MessageID, err)
		}

		err = t.Publisher.Publish(ctx, broker.Message{
			Exchange:   dl.Exchange,
			RoutingKey: dl.RoutingKey,
			MessageID:  env.MessageID,
			Body:       body,
			Headers: map[string]any{
				"message_id":       env.MessageID,
				"schema":           env.Schema,
				HeaderReplayedFrom: queue,
			},
		})
		if err != nil {
			requeueAll(held[i:])
			return replayed, fmt.Errorf("republish %s: %w", env.MessageID, err)
		}
		if err := d.Ack(false); err != nil {
			// the copy is out; the original comes back and replays twice, which
			// consumers absorb
			t.Logger.Warn("ack after replay failed", zap.String("message_id", env.MessageID), zap.Error(err))
		}
		replayed++
		metrics.DeadLetterReplayed.WithLabelValues(domain).Inc()
		t.Logger.Info("dead letter replayed",
			zap.String("message_id", env.MessageID),
			zap.String("schema", env.Schema),
			zap.String("exchange", dl.Exchange),
			zap.String("routing_key", dl.RoutingKey),
		)
	}
	return replayed, nil
}

// take pulls up to limit messages without acking them. They stay unacked so
// the queue cannot hand the same message back within one call.
func (t *Tool) take(ctx context.Context, queue string, limit int) ([]amqp.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var held []amqp.Delivery
	for len(held) < limit {
		if err := ctx.Err(); err != nil {
			return held, err
		}
		d, ok, err := t.Channel.Get(queue, false)
		if err != nil {
			return held, fmt.Errorf("get from %s: %w", queue, err)
		}
		if !ok {
			break
		}
		held = append(held, d)
	}
	return held, nil
}

func requeueAll(ds []amqp.Delivery) {
	for _, d := range ds {
		_ = d.Nack(false, true)
	}
}

// Parse decodes the envelope and the x-death history of d.
func Parse(d amqp.Delivery) DeadLetter {
	dl := DeadLetter{
		MessageID:  d.MessageId,
		Deaths:     parseDeaths(d.Headers[headerXDeath]),
		Exchange:   d.Exchange,
		RoutingKey: d.RoutingKey,
	}
	if r, ok := d.Headers[broker.HeaderDeathReason].(string); ok {
		dl.Reason = r
	}
	// the first x-death entry is the most recent and records where the
	// message was originally published
	if len(dl.Deaths) > 0 {
		first := dl.Deaths[0]
		dl.Exchange = first.Exchange
		if len(first.RoutingKeys) > 0 {
			dl.RoutingKey = first.RoutingKeys[0]
		}
	}

	env, err := envelope.Decode(d.Body)
	if err != nil {
		dl.DecodeError = err.Error()
		return dl
	}
	dl.Envelope = env
	dl.MessageID = env.MessageID
	dl.Schema = env.Schema
	dl.RetryCount = env.RetryCount
	if dl.RoutingKey == "" {
		dl.RoutingKey = env.Schema
	}
	return dl
}

func parseDeaths(v any) []Death {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Death, 0, len(list))
	for _, item := range list {
		tbl, ok := item.(amqp.Table)
		if !ok {
			continue
		}
		var d Death
		d.Count = int64(broker.HeaderInt(tbl, "count"))
		d.Queue, _ = tbl["queue"].(string)
		d.Reason, _ = tbl["reason"].(string)
		d.Exchange, _ = tbl["exchange"].(string)
		d.Time, _ = tbl["time"].(time.Time)
		if keys, ok := tbl["routing-keys"].([]any); ok {
			for _, k := range keys {
				if s, ok := k.(string); ok {
					d.RoutingKeys = append(d.RoutingKeys, s)
				}
			}
		}
		out = append(out, d)
	}
	return out
}
