package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/servicing-events/internal/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newKafkaWriter(c config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// KafkaPublisher writes synchronously with acks=all, which is Kafka's
// equivalent of a publisher confirm.
type KafkaPublisher struct {
	w kafkaWriter
}

func NewKafkaPublisher(c config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{w: newKafkaWriter(c)}
}

func (p *KafkaPublisher) Publish(ctx context.Context, m Message) error {
	headers := make([]kafka.Header, 0, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(fmt.Sprint(v))})
	}
	headers = append(headers, kafka.Header{Key: HeaderRoutingKey, Value: []byte(m.RoutingKey)})

	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic:   m.Exchange,
		Key:     []byte(m.RoutingKey),
		Value:   m.Body,
		Headers: headers,
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("broker: kafka write %s: %w", m.Exchange, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

// KafkaConsumer reads the events topic of the queue's domain in a consumer
// group named after the queue, so each logical queue gets its own offsets.
type KafkaConsumer struct {
	r      kafkaReader
	w      kafkaWriter
	domain string
	log    *zap.Logger
	now    func() time.Time
}

func NewKafkaConsumer(c config.KafkaConfig, queue string, log *zap.Logger) (*KafkaConsumer, error) {
	domain, err := DomainOfQueue(queue)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	min := c.MinBytes
	if min <= 0 {
		min = 1 << 10 // 1KB
	}
	max := c.MaxBytes
	if max <= 0 {
		max = 10 << 20 // 10MB
	}
	// 0 = commit synchronously on every CommitMessages call
	ci := time.Duration(c.CommitInterval) * time.Millisecond

	group := queue
	if c.GroupID != "" {
		group = c.GroupID + "." + queue
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        group,
		Topic:          EventsExchange(domain),
		MinBytes:       min,
		MaxBytes:       max,
		CommitInterval: ci,
		MaxWait:        50 * time.Millisecond,
	})

	return &KafkaConsumer{r: r, w: newKafkaWriter(c), domain: domain, log: log, now: time.Now}, nil
}

func (c *KafkaConsumer) Receive(ctx context.Context) (Delivery, error) {
	m, err := c.r.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}

	// a requeued copy is not due before x-not-before
	if nb := kafkaHeader(m.Headers, HeaderNotBefore); nb != "" {
		if ms, err := strconv.ParseInt(nb, 10, 64); err == nil {
			if wait := time.UnixMilli(ms).Sub(c.now()); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, ctx.Err()
				case <-t.C:
				}
			}
		}
	}
	return &kafkaDelivery{c: c, m: m}, nil
}

func (c *KafkaConsumer) Close() error {
	err := c.r.Close()
	if werr := c.w.Close(); err == nil {
		err = werr
	}
	return err
}

type kafkaDelivery struct {
	c *KafkaConsumer
	m kafka.Message
}

func (d *kafkaDelivery) Body() []byte { return d.m.Value }

func (d *kafkaDelivery) Headers() map[string]any {
	h := make(map[string]any, len(d.m.Headers))
	for _, kh := range d.m.Headers {
		h[kh.Key] = string(kh.Value)
	}
	return h
}

func (d *kafkaDelivery) DeliveryCount() int {
	n, _ := strconv.Atoi(kafkaHeader(d.m.Headers, HeaderRetryCount))
	return n
}

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.c.r.CommitMessages(ctx, d.m)
}

// Requeue appends a copy with x-retry-count+1 that is not due before delay,
// then commits the original.
func (d *kafkaDelivery) Requeue(ctx context.Context, delay time.Duration) error {
	headers := withHeader(d.m.Headers, HeaderRetryCount, strconv.Itoa(d.DeliveryCount()+1))
	headers = withHeader(headers, HeaderNotBefore, strconv.FormatInt(d.c.now().Add(delay).UnixMilli(), 10))

	err := d.c.w.WriteMessages(ctx, kafka.Message{
		Topic:   d.m.Topic,
		Key:     d.m.Key,
		Value:   d.m.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("broker: kafka requeue: %w", err)
	}
	return d.c.r.CommitMessages(ctx, d.m)
}

// DeadLetter appends the message to <domain>.dlq, then commits the original.
func (d *kafkaDelivery) DeadLetter(ctx context.Context, reason string) error {
	headers := withHeader(d.m.Headers, HeaderDeathReason, reason)
	headers = withHeader(headers, "x-original-topic", d.m.Topic)

	err := d.c.w.WriteMessages(ctx, kafka.Message{
		Topic:   DLQExchange(d.c.domain),
		Key:     d.m.Key,
		Value:   d.m.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("broker: kafka dead-letter: %w", err)
	}
	d.c.log.Warn("dead-lettered to kafka topic",
		zap.String("topic", DLQExchange(d.c.domain)), zap.String("reason", reason))
	return d.c.r.CommitMessages(ctx, d.m)
}

func kafkaHeader(hs []kafka.Header, key string) string {
	for _, h := range hs {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func withHeader(hs []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(hs)+1)
	for _, h := range hs {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}
