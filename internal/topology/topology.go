// Package topology declares broker objects and checks live brokers for drift.
package topology

import (
	"fmt"
	"sort"
	"time"

	"github.com/jmehdipour/servicing-events/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	QueueTypeQuorum = "quorum"

	argQueueType     = "x-queue-type"
	argDLX           = "x-dead-letter-exchange"
	argDLRoutingKey  = "x-dead-letter-routing-key"
	argDeliveryLimit = "x-delivery-limit"
	argMessageTTL    = "x-message-ttl"
)

type ExchangeSpec struct {
	Name string
	Kind string // topic | direct
}

// QueueSpec is the declaration of one queue. Critical queues must exist for
// the system to run.
type QueueSpec struct {
	Name                 string
	Durable              bool
	Type                 string
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	DeliveryLimit        int
	MessageTTL           time.Duration
	Critical             bool
}

// Arguments renders the x-arguments passed to queue.declare.
func (q QueueSpec) Arguments() amqp.Table {
	args := amqp.Table{}
	if q.Type != "" {
		args[argQueueType] = q.Type
	}
	if q.DeadLetterExchange != "" {
		args[argDLX] = q.DeadLetterExchange
	}
	if q.DeadLetterRoutingKey != "" {
		args[argDLRoutingKey] = q.DeadLetterRoutingKey
	}
	if q.DeliveryLimit > 0 {
		args[argDeliveryLimit] = int64(q.DeliveryLimit)
	}
	if q.MessageTTL > 0 {
		args[argMessageTTL] = q.MessageTTL.Milliseconds()
	}
	return args
}

type BindingSpec struct {
	Queue    string
	Exchange string
	Key      string
}

// ExchangeBindingSpec routes Source into Destination.
type ExchangeBindingSpec struct {
	Destination string
	Source      string
	Key         string
}

type Topology struct {
	Domains          []string
	Exchanges        []ExchangeSpec
	Queues           []QueueSpec
	Bindings         []BindingSpec
	ExchangeBindings []ExchangeBindingSpec
}

// Queue returns the spec named name.
func (t Topology) Queue(name string) (QueueSpec, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueSpec{}, false
}

// BindingsFor lists the bindings of one queue.
func (t Topology) BindingsFor(queue string) []BindingSpec {
	var out []BindingSpec
	for _, b := range t.Bindings {
		if b.Queue == queue {
			out = append(out, b)
		}
	}
	return out
}

// Step is one consumer stage of a domain: queue q.<domain>.<Name> bound to
// the domain's saga or events exchange.
type Step struct {
	Name   string
	Events bool // bind on <domain>.events instead of <domain>.saga
	Keys   []string
}

type Options struct {
	DeliveryLimit int
	DLQMessageTTL time.Duration
	// Steps overrides the per-domain stages; domains missing here get DefaultSteps.
	Steps map[string][]Step
}

// DefaultSteps returns the stages of a domain. Every domain gets an audit
// queue over its events; payment also has its processing stages.
func DefaultSteps(domain string) []Step {
	audit := Step{Name: "audit", Events: true, Keys: []string{domain + ".#"}}
	switch domain {
	case "payment":
		return []Step{
			{Name: "process", Keys: []string{"payment.*.validated"}},
			{Name: "settle", Keys: []string{"payment.*.settlement_confirmed"}},
			audit,
		}
	default:
		return []Step{{Name: "process", Keys: []string{domain + ".*.*"}}, audit}
	}
}

func SagaExchange(domain string) string { return domain + ".saga" }
func EventsExchange(domain string) string { return broker.EventsExchange(domain) }
func DLQExchange(domain string) string { return broker.DLQExchange(domain) }
func DLQQueue(domain string) string { return StepQueue(domain, "dlq") }

func StepQueue(domain, step string) string { return "q." + domain + "." + step }

// Expected builds the declarations for domains. The relay publishes to
// <domain>.events; an exchange binding forwards everything to <domain>.saga
// so step queues see the same events.
func Expected(domains []string, opts Options) Topology {
	if opts.DeliveryLimit <= 0 {
		opts.DeliveryLimit = 5
	}

	ds := append([]string(nil), domains...)
	sort.Strings(ds)

	t := Topology{Domains: ds}
	for _, d := range ds {
		t.Exchanges = append(t.Exchanges,
			ExchangeSpec{Name: SagaExchange(d), Kind: amqp.ExchangeTopic},
			ExchangeSpec{Name: EventsExchange(d), Kind: amqp.ExchangeTopic},
			ExchangeSpec{Name: DLQExchange(d), Kind: amqp.ExchangeDirect},
		)
		t.ExchangeBindings = append(t.ExchangeBindings,
			ExchangeBindingSpec{Destination: SagaExchange(d), Source: EventsExchange(d), Key: "#"})

		steps, ok := opts.Steps[d]
		if !ok {
			steps = DefaultSteps(d)
		}
		for _, s := range steps {
			name := StepQueue(d, s.Name)
			t.Queues = append(t.Queues, QueueSpec{
				Name:                 name,
				Durable:              true,
				Type:                 QueueTypeQuorum,
				DeadLetterExchange:   DLQExchange(d),
				DeadLetterRoutingKey: d,
				DeliveryLimit:        opts.DeliveryLimit,
			})
			ex := SagaExchange(d)
			if s.Events {
				ex = EventsExchange(d)
			}
			for _, k := range s.Keys {
				t.Bindings = append(t.Bindings, BindingSpec{Queue: name, Exchange: ex, Key: k})
			}
		}

		t.Queues = append(t.Queues, QueueSpec{
			Name:       DLQQueue(d),
			Durable:    true,
			Type:       QueueTypeQuorum,
			MessageTTL: opts.DLQMessageTTL,
			Critical:   true,
		})
		t.Bindings = append(t.Bindings, BindingSpec{Queue: DLQQueue(d), Exchange: DLQExchange(d), Key: d})
	}
	return t
}

// Channel is the subset of *amqp.Channel topology work needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
}

// Declare creates every object of t. Declarations are idempotent, so it is
// safe to run on every start; a queue whose live arguments differ fails with
// a precondition error and needs Migrate.
func Declare(ch Channel, t Topology) error {
	if err := declareExchanges(ch, t); err != nil {
		return err
	}
	for _, q := range t.Queues {
		if err := declareQueue(ch, q.Name, q, t.BindingsFor(q.Name)); err != nil {
			return err
		}
	}
	return nil
}

func declareExchanges(ch Channel, t Topology) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}
	for _, b := range t.ExchangeBindings {
		if err := ch.ExchangeBind(b.Destination, b.Key, b.Source, false, nil); err != nil {
			return fmt.Errorf("bind exchange %s -> %s: %w", b.Source, b.Destination, err)
		}
	}
	return nil
}

// declareQueue declares spec under name (which differs from spec.Name for
// versioned successors) and applies bindings.
func declareQueue(ch Channel, name string, spec QueueSpec, bindings []BindingSpec) error {
	if _, err := ch.QueueDeclare(name, spec.Durable, false, false, false, spec.Arguments()); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	for _, b := range bindings {
		if err := ch.QueueBind(name, b.Key, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s (%s): %w", name, b.Exchange, b.Key, err)
		}
	}
	return nil
}
