package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/servicing-events/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const defaultConfirmTimeout = 5 * time.Second

// DialRabbitMQ opens a connection using cfg.URL.
func DialRabbitMQ(cfg config.RabbitMQConfig) (*amqp.Connection, error) {
	if cfg.URL == "" {
		return nil, errors.New("broker: empty rabbitmq url")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker: dial rabbitmq: %w", err)
	}
	return conn, nil
}

// ConfirmChannel is the subset of *amqp.Channel the publisher needs.
type ConfirmChannel interface {
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// ChannelProvider opens a fresh channel after the current one was closed
// by the broker.
type ChannelProvider func() (ConfirmChannel, error)

type PublisherOption func(*RabbitPublisher)

// WithChannelProvider enables reopening the channel on the next Publish
// after the broker closed it.
func WithChannelProvider(fn ChannelProvider) PublisherOption {
	return func(p *RabbitPublisher) { p.provider = fn }
}

// RabbitPublisher publishes in confirm mode. Calls are serialized.
type RabbitPublisher struct {
	mu             sync.Mutex
	cfg            config.RabbitMQConfig
	conn           *amqp.Connection
	ch             ConfirmChannel
	provider       ChannelProvider
	confirmTimeout time.Duration
	log            *zap.Logger
	closed         bool
	broken         bool // ch is gone; reopen before the next publish
}

func NewRabbitPublisher(cfg config.RabbitMQConfig, log *zap.Logger) (*RabbitPublisher, error) {
	p := &RabbitPublisher{cfg: cfg}
	ch, err := p.dialChannel()
	if err == nil {
		err = p.init(ch, cfg.ConfirmTimeout, log)
	}
	if err != nil {
		if p.conn != nil {
			_ = p.conn.Close()
		}
		return nil, err
	}
	p.provider = p.dialChannel
	return p, nil
}

// dialChannel opens a channel, redialing first when the connection is gone.
// Callers hold p.mu or own p exclusively.
func (p *RabbitPublisher) dialChannel() (ConfirmChannel, error) {
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := DialRabbitMQ(p.cfg)
		if err != nil {
			return nil, err
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	return ch, nil
}

// NewRabbitPublisherFromChannel puts ch into confirm mode and wraps it.
func NewRabbitPublisherFromChannel(ch ConfirmChannel, confirmTimeout time.Duration, log *zap.Logger, opts ...PublisherOption) (*RabbitPublisher, error) {
	p := &RabbitPublisher{}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.init(ch, confirmTimeout, log); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitPublisher) init(ch ConfirmChannel, confirmTimeout time.Duration, log *zap.Logger) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("broker: enable confirms: %w", err)
	}
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	p.ch, p.confirmTimeout, p.log = ch, confirmTimeout, log
	p.watch(ch)
	return nil
}

// watch marks the publisher broken when the broker closes ch.
func (p *RabbitPublisher) watch(ch ConfirmChannel) {
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr, ok := <-notify
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed || p.ch != ch {
			return
		}
		p.broken = true
		if ok && amqpErr != nil {
			p.log.Warn("rabbitmq publisher channel closed",
				zap.Int("code", amqpErr.Code), zap.String("reason", amqpErr.Reason))
			return
		}
		p.log.Warn("rabbitmq publisher channel closed")
	}()
}

// reopen swaps in a fresh confirm channel. Callers hold p.mu.
func (p *RabbitPublisher) reopen() error {
	if p.provider == nil {
		return ErrClosed
	}
	_ = p.ch.Close()
	ch, err := p.provider()
	if err != nil {
		return err
	}
	if err := p.init(ch, p.confirmTimeout, p.log); err != nil {
		_ = ch.Close()
		return err
	}
	p.broken = false
	p.log.Info("rabbitmq publisher channel reopened")
	return nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, m Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.broken {
		if err := p.reopen(); err != nil {
			return fmt.Errorf("broker: reopen channel: %w", err)
		}
	}

	ct := m.ContentType
	if ct == "" {
		ct = "application/json"
	}
	pub := amqp.Publishing{
		ContentType:  ct,
		DeliveryMode: amqp.Persistent,
		MessageId:    m.MessageID,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table(m.Headers),
		Body:         m.Body,
	}

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, m.Exchange, m.RoutingKey, false, false, pub)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			p.broken = true
		}
		return fmt.Errorf("broker: publish: %w", err)
	}
	if dc == nil {
		// channel not in confirm mode
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	acked, err := dc.WaitContext(wctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrConfirmTimeout, p.confirmTimeout)
		}
		return fmt.Errorf("broker: wait confirm: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.ch.Close()
	if p.conn != nil {
		_ = p.conn.Close()
	}
	return err
}

// RabbitConsumer reads one queue with manual acks.
type RabbitConsumer struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	tag        string
	queue      string
	deliveries <-chan amqp.Delivery
	log        *zap.Logger
	closeOnce  sync.Once
}

func NewRabbitConsumer(cfg config.RabbitMQConfig, queue string, log *zap.Logger) (*RabbitConsumer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := DialRabbitMQ(cfg)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 128
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: qos: %w", err)
	}

	tag := fmt.Sprintf("%s-%d", queue, time.Now().UnixNano())
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: consume %s: %w", queue, err)
	}

	return &RabbitConsumer{conn: conn, ch: ch, tag: tag, queue: queue, deliveries: deliveries, log: log}, nil
}

func (c *RabbitConsumer) Receive(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return &rabbitDelivery{d: d, log: c.log}, nil
	}
}

// Close cancels the consumer tag first so the broker stops pushing, then
// closes the channel. Unacked deliveries go back to the queue.
func (c *RabbitConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if cerr := c.ch.Cancel(c.tag, false); cerr != nil {
			c.log.Warn("rabbitmq cancel consumer", zap.String("queue", c.queue), zap.Error(cerr))
		}
		err = c.ch.Close()
		_ = c.conn.Close()
	})
	return err
}

type rabbitDelivery struct {
	d   amqp.Delivery
	log *zap.Logger
}

// NewRabbitDelivery wraps a raw delivery.
func NewRabbitDelivery(d amqp.Delivery, log *zap.Logger) Delivery {
	if log == nil {
		log = zap.NewNop()
	}
	return &rabbitDelivery{d: d, log: log}
}

func (r *rabbitDelivery) Body() []byte { return r.d.Body }

func (r *rabbitDelivery) Headers() map[string]any { return r.d.Headers }

func (r *rabbitDelivery) DeliveryCount() int {
	return HeaderInt(r.d.Headers, HeaderDeliveryCount)
}

func (r *rabbitDelivery) Ack(context.Context) error { return r.d.Ack(false) }

// Requeue keeps the message unacked for delay, then nacks it back onto the
// queue. The quorum queue bumps x-delivery-count and enforces the delivery
// limit. If the channel closes first the broker requeues it anyway. The
// message holds a prefetch slot for the whole delay.
func (r *rabbitDelivery) Requeue(_ context.Context, delay time.Duration) error {
	if delay <= 0 {
		return r.d.Nack(false, true)
	}
	time.AfterFunc(delay, func() {
		if err := r.d.Nack(false, true); err != nil {
			r.log.Warn("delayed requeue failed", zap.String("message_id", r.d.MessageId), zap.Error(err))
		}
	})
	return nil
}

// DeadLetter rejects without requeue; the queue's dead-letter exchange
// takes it from there.
func (r *rabbitDelivery) DeadLetter(_ context.Context, reason string) error {
	r.log.Warn("dead-lettering message", zap.String("message_id", r.d.MessageId), zap.String("reason", reason))
	return r.d.Nack(false, false)
}
