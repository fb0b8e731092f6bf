package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	exchanges  map[string]string
	exBindings []string
	queues     map[string]amqp.Table
	bindings   []string
	deleted    []string
	deleteErr  error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{exchanges: map[string]string{}, queues: map[string]amqp.Table{}}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if !durable {
		return fmt.Errorf("exchange %s not durable", name)
	}
	c.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) ExchangeBind(dst, key, src string, _ bool, _ amqp.Table) error {
	c.exBindings = append(c.exBindings, src+"->"+dst+":"+key)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if !durable {
		return amqp.Queue{}, fmt.Errorf("queue %s not durable", name)
	}
	c.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.bindings = append(c.bindings, name+"<-"+exchange+":"+key)
	return nil
}

func (c *fakeChannel) QueueDelete(name string, _, _, _ bool) (int, error) {
	if c.deleteErr != nil {
		return 0, c.deleteErr
	}
	c.deleted = append(c.deleted, name)
	return 0, nil
}

type fakeInspector struct {
	queues []LiveQueue
	err    error
}

func (f fakeInspector) Queues(context.Context) ([]LiveQueue, error) { return f.queues, f.err }

// liveFrom renders t as the management API would report it.
func liveFrom(t Topology) []LiveQueue {
	var out []LiveQueue
	for _, q := range t.Queues {
		args := map[string]any{}
		for k, v := range q.Arguments() {
			switch n := v.(type) {
			case int64:
				args[k] = float64(n)
			default:
				args[k] = v
			}
		}
		out = append(out, LiveQueue{Name: q.Name, Durable: q.Durable, Type: q.Type, Arguments: args})
	}
	return out
}

func without(qs []LiveQueue, name string) []LiveQueue {
	var out []LiveQueue
	for _, q := range qs {
		if q.Name != name {
			out = append(out, q)
		}
	}
	return out
}

func TestExpected_PaymentDomain(t *testing.T) {
	top := Expected([]string{"payment"}, Options{DeliveryLimit: 3})

	assert.ElementsMatch(t, []ExchangeSpec{
		{Name: "payment.saga", Kind: "topic"},
		{Name: "payment.events", Kind: "topic"},
		{Name: "payment.dlq", Kind: "direct"},
	}, top.Exchanges)

	process, ok := top.Queue("q.payment.process")
	require.True(t, ok)
	assert.True(t, process.Durable)
	assert.Equal(t, amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    "payment.dlq",
		"x-dead-letter-routing-key": "payment",
		"x-delivery-limit":          int64(3),
	}, process.Arguments())

	dlq, ok := top.Queue("q.payment.dlq")
	require.True(t, ok)
	assert.True(t, dlq.Critical)
	assert.NotContains(t, dlq.Arguments(), "x-dead-letter-exchange")

	assert.Contains(t, top.Bindings, BindingSpec{Queue: "q.payment.process", Exchange: "payment.saga", Key: "payment.*.validated"})
	assert.Contains(t, top.Bindings, BindingSpec{Queue: "q.payment.audit", Exchange: "payment.events", Key: "payment.#"})
	assert.Contains(t, top.Bindings, BindingSpec{Queue: "q.payment.dlq", Exchange: "payment.dlq", Key: "payment"})
	assert.Equal(t, []ExchangeBindingSpec{{Destination: "payment.saga", Source: "payment.events", Key: "#"}}, top.ExchangeBindings)
}

func TestDeclare_IsIdempotent(t *testing.T) {
	top := Expected([]string{"payment", "doc"}, Options{DLQMessageTTL: time.Hour})
	ch := newFakeChannel()

	require.NoError(t, Declare(ch, top))
	first := len(ch.queues)
	require.NoError(t, Declare(ch, top))

	assert.Equal(t, first, len(ch.queues))
	assert.Equal(t, "direct", ch.exchanges["doc.dlq"])
	assert.Equal(t, int64(3600000), ch.queues["q.doc.dlq"]["x-message-ttl"])
	assert.Contains(t, ch.bindings, "q.doc.process<-doc.saga:doc.*.*")
}

func TestCheck_CleanBroker(t *testing.T) {
	top := Expected([]string{"payment"}, Options{})
	rep, err := Check(context.Background(), fakeInspector{queues: liveFrom(top)}, top)
	require.NoError(t, err)
	assert.True(t, rep.Clean(), "%+v", rep.Findings)
	assert.NoError(t, rep.Err())
}

func TestCheck_MissingDLQIsCritical(t *testing.T) {
	top := Expected([]string{"payment"}, Options{})
	live := without(liveFrom(top), "q.payment.dlq")

	rep, err := Check(context.Background(), fakeInspector{queues: live}, top)
	require.NoError(t, err)

	require.Error(t, rep.Err())
	assert.ErrorIs(t, rep.Err(), ErrCriticalDLQMissing)
	assert.Contains(t, rep.Err().Error(), "q.payment.dlq")
	assert.Equal(t, 1, rep.Count(FindingCritical))
	assert.Zero(t, rep.Count(FindingMissing))
}

func TestCheck_MismatchedAndUnexpected(t *testing.T) {
	top := Expected([]string{"payment"}, Options{DeliveryLimit: 5})
	live := without(liveFrom(top), "q.payment.settle")
	for i := range live {
		if live[i].Name == "q.payment.process" {
			live[i].Type = "classic"
			live[i].Arguments = map[string]any{"x-delivery-limit": float64(10)}
		}
	}
	live = append(live,
		LiveQueue{Name: "q.payment.legacy", Durable: true, Messages: 4},
		LiveQueue{Name: "q.payment.process.v2", Durable: true},
		LiveQueue{Name: "q.other.thing", Durable: true},
	)

	rep, err := Check(context.Background(), fakeInspector{queues: live}, top)
	require.NoError(t, err)
	require.NoError(t, rep.Err())

	assert.Equal(t, 1, rep.Count(FindingMissing))
	assert.Equal(t, 1, rep.Count(FindingUnexpected))
	require.Equal(t, 1, rep.Count(FindingMismatched))

	for _, f := range rep.Findings {
		switch f.Kind {
		case FindingMismatched:
			assert.Equal(t, "q.payment.process", f.Queue)
			assert.Contains(t, f.Detail, "type=classic, want quorum")
			assert.Contains(t, f.Detail, "x-delivery-limit=10, want 5")
			assert.Contains(t, f.Detail, "x-dead-letter-exchange missing")
		case FindingUnexpected:
			assert.Equal(t, "q.payment.legacy", f.Queue)
		case FindingMissing:
			assert.Equal(t, "q.payment.settle", f.Queue)
		}
	}
}

func mismatchedProcess(top Topology, messages int) []LiveQueue {
	live := liveFrom(top)
	for i := range live {
		if live[i].Name == "q.payment.process" {
			live[i].Durable = false
			live[i].Messages = messages
		}
	}
	return live
}

func TestMigrate_NonEmptyQueueGetsSuccessor(t *testing.T) {
	top := Expected([]string{"payment"}, Options{})
	ch := newFakeChannel()

	actions, err := Migrate(context.Background(), ch, fakeInspector{queues: mismatchedProcess(top, 12)}, top,
		Policy{Whitelist: []string{"q.payment.process"}}, nil)
	require.NoError(t, err)

	assert.Empty(t, ch.deleted, "queues with messages are never deleted without force")
	assert.Contains(t, ch.queues, "q.payment.process.v2")
	assert.Contains(t, ch.bindings, "q.payment.process.v2<-payment.saga:payment.*.validated")
	assert.Contains(t, actions, Action{Kind: ActionSuccessor, Queue: "q.payment.process", Target: "q.payment.process.v2", Detail: "durable=false, want true"})
}

func TestMigrate_SuccessorSkipsTakenVersion(t *testing.T) {
	top := Expected([]string{"payment"}, Options{})
	live := append(mismatchedProcess(top, 3), LiveQueue{Name: "q.payment.process.v2", Durable: false})

	ch := newFakeChannel()
	actions, err := Migrate(context.Background(), ch, fakeInspector{queues: live}, top, Policy{}, nil)
	require.NoError(t, err)
	assert.Contains(t, ch.queues, "q.payment.process.v3")

	var got Action
	for _, a := range actions {
		if a.Queue == "q.payment.process" {
			got = a
		}
	}
	assert.Equal(t, "q.payment.process.v3", got.Target)
}

func TestMigrate_EmptyQueueNeedsWhitelist(t *testing.T) {
	top := Expected([]string{"payment"}, Options{})
	live := mismatchedProcess(top, 0)

	ch := newFakeChannel()
	actions, err := Migrate(context.Background(), ch, fakeInspector{queues: live}, top, Policy{}, nil)
	require.NoError(t, err)
	assert.Empty(t, ch.deleted)
	assert.Contains(t, actions, Action{Kind: ActionSkipped, Queue: "q.payment.process", Detail: "durable=false, want true; whitelist or force to recreate"})

	ch = newFakeChannel()
	_, err = Migrate(context.Background(), ch, fakeInspector{queues: live}, top, Policy{Whitelist: []string{"q.payment.process"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"q.payment.process"}, ch.deleted)
	assert.Contains(t, ch.queues, "q.payment.process")
}

func TestMigrate_ForceRecreatesNonEmpty(t *testing.T) {
	top := Expected([]string{"payment"}, Options{})
	ch := newFakeChannel()
	_, err := Migrate(context.Background(), ch, fakeInspector{queues: mismatchedProcess(top, 9)}, top, Policy{Force: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"q.payment.process"}, ch.deleted)
	assert.NotContains(t, ch.queues, "q.payment.process.v2")
}

func TestMigrate_DeclaresMissing(t *testing.T) {
	top := Expected([]string{"payment"}, Options{})
	ch := newFakeChannel()
	live := without(liveFrom(top), "q.payment.dlq")

	actions, err := Migrate(context.Background(), ch, fakeInspector{queues: live}, top, Policy{}, nil)
	require.NoError(t, err)
	assert.Contains(t, actions, Action{Kind: ActionDeclared, Queue: "q.payment.dlq"})
	assert.Contains(t, ch.bindings, "q.payment.dlq<-payment.dlq:payment")
}

func TestManagementClient_Queues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "guest" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.EscapedPath() != "/api/queues/%2F" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{{
			"name":      "q.payment.process",
			"durable":   true,
			"type":      "quorum",
			"messages":  7,
			"consumers": 2,
			"arguments": map[string]any{"x-delivery-limit": 5, "x-dead-letter-exchange": "payment.dlq"},
		}})
	}))
	defer srv.Close()

	c := NewManagementClient(srv.URL+"/", "guest", "secret", "")
	qs, err := c.Queues(context.Background())
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, "q.payment.process", qs[0].Name)
	assert.Equal(t, 7, qs[0].Messages)
	assert.Equal(t, "payment.dlq", qs[0].Arguments["x-dead-letter-exchange"])

	spec, _ := Expected([]string{"payment"}, Options{}).Queue("q.payment.process")
	assert.Equal(t, []string{"x-dead-letter-routing-key missing, want payment"}, Diff(spec, qs[0]))

	bad := NewManagementClient(srv.URL, "guest", "wrong", "/")
	_, err = bad.Queues(context.Background())
	assert.ErrorContains(t, err, "401")
}
