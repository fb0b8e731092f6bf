// Package broker hides the message broker behind a publish interface and a
// blocking receive interface. The concrete broker is chosen once at startup.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/servicing-events/internal/config"
	"go.uber.org/zap"
)

var (
	ErrPublishNacked  = errors.New("broker: message was nacked")
	ErrConfirmTimeout = errors.New("broker: publish confirmation timed out")
	ErrClosed         = errors.New("broker: closed")
	ErrUnknownKind    = errors.New("broker: unknown kind")
)

const (
	HeaderDeliveryCount = "x-delivery-count"
	HeaderRetryCount    = "x-retry-count"
	HeaderRoutingKey    = "x-routing-key"
	HeaderDeathReason   = "x-death-reason"
	HeaderNotBefore     = "x-not-before"
)

// Message is what gets published. Exchange is a RabbitMQ exchange or a
// Kafka topic.
type Message struct {
	Exchange    string
	RoutingKey  string
	MessageID   string
	Body        []byte
	Headers     map[string]any
	ContentType string
}

type Publisher interface {
	// Publish returns only once the broker has confirmed the message.
	Publish(ctx context.Context, m Message) error
	Close() error
}

type Consumer interface {
	// Receive blocks until a delivery arrives or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

type Delivery interface {
	Body() []byte
	Headers() map[string]any
	// DeliveryCount is the number of earlier delivery attempts (0 on first).
	DeliveryCount() int
	Ack(ctx context.Context) error
	// Requeue hands the message back for redelivery no sooner than delay.
	Requeue(ctx context.Context, delay time.Duration) error
	// DeadLetter routes the message to its domain's dead-letter destination.
	DeadLetter(ctx context.Context, reason string) error
}

// NewPublisher returns the publisher for cfg.Kind.
func NewPublisher(cfg config.BrokerConfig, log *zap.Logger) (Publisher, error) {
	switch cfg.Kind {
	case config.BrokerRabbitMQ:
		return NewRabbitPublisher(cfg.RabbitMQ, log)
	case config.BrokerKafka:
		return NewKafkaPublisher(cfg.Kafka), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// NewConsumer returns a consumer of queue (q.<domain>.<step>) for cfg.Kind.
func NewConsumer(cfg config.BrokerConfig, queue string, log *zap.Logger) (Consumer, error) {
	switch cfg.Kind {
	case config.BrokerRabbitMQ:
		return NewRabbitConsumer(cfg.RabbitMQ, queue, log)
	case config.BrokerKafka:
		return NewKafkaConsumer(cfg.Kafka, queue, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// EventsExchange is where the relay publishes events of a domain.
func EventsExchange(domain string) string { return domain + ".events" }

// DLQExchange is the dead-letter exchange (or topic) of a domain.
func DLQExchange(domain string) string { return domain + ".dlq" }

// DomainOfQueue extracts <domain> from q.<domain>.<step>.
func DomainOfQueue(queue string) (string, error) {
	parts := strings.Split(queue, ".")
	if len(parts) < 3 || parts[0] != "q" || parts[1] == "" {
		return "", fmt.Errorf("broker: queue %q is not q.<domain>.<step>", queue)
	}
	return parts[1], nil
}

// HeaderInt reads an integer header regardless of the wire type the broker
// delivered it as.
func HeaderInt(h map[string]any, key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	case []byte:
		n, _ := strconv.Atoi(string(v))
		return n
	default:
		return 0
	}
}
