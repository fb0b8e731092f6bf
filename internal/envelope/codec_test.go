package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func testCodec() *Codec {
	n := 0
	return &Codec{
		Producer: Producer{Service: "servicing-core", Instance: "i-1", Version: "1.0.0"},
		Now:      func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) },
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
		SensitiveSchemas: []string{"payment."},
	}
}

func TestEncode_GeneratesIdentity(t *testing.T) {
	c := testCodec()

	env, err := c.Encode(map[string]string{"doc": "x"}, "doc.v1.uploaded")
	require.NoError(t, err)

	assert.Equal(t, "id-1", env.MessageID)
	assert.Equal(t, env.MessageID, env.ID)
	assert.Equal(t, "id-2", env.CorrelationID)
	assert.Equal(t, Version, env.Version)
	assert.Equal(t, 0, env.RetryCount)
	assert.Equal(t, "doc", env.Domain())
	assert.Equal(t, ContentKey(env.Data, "doc.v1.uploaded", env.OccurredAt), env.IdempotencyKey)
	assert.JSONEq(t, `{"doc":"x"}`, string(env.Data))
}

func TestEncode_SensitiveSchemaRequiresExplicitKey(t *testing.T) {
	c := testCodec()

	_, err := c.Encode(map[string]any{"amount_cents": 50200}, "payment.v1.validated")
	require.ErrorIs(t, err, ErrIdempotencyKeyRequired)

	env, err := c.Encode(map[string]any{"amount_cents": 50200}, "payment.v1.validated", WithIdempotencyKey("pay-123"))
	require.NoError(t, err)
	assert.Equal(t, "pay-123", env.IdempotencyKey)
}

func TestEncode_DefaultKeyDiffersAcrossTimestamps(t *testing.T) {
	c := testCodec()
	a, err := c.Encode("same", "doc.v1.uploaded")
	require.NoError(t, err)

	c.Now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 1, 0, time.UTC) }
	b, err := c.Encode("same", "doc.v1.uploaded")
	require.NoError(t, err)

	assert.NotEqual(t, a.IdempotencyKey, b.IdempotencyKey)
}

func TestEncode_Causation(t *testing.T) {
	c := testCodec()
	parent, err := c.Encode("p", "doc.v1.uploaded", WithTenant("t-1"))
	require.NoError(t, err)

	child, err := c.Encode("c", "doc.v1.classified", WithCausation(parent))
	require.NoError(t, err)

	assert.Equal(t, parent.MessageID, child.CausationID)
	assert.Equal(t, parent.CorrelationID, child.CorrelationID)
	assert.Equal(t, "t-1", child.TenantID)
}

func TestEncode_SpanContext(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
	}))

	env, err := testCodec().Encode("x", "doc.v1.uploaded", WithSpanContext(ctx))
	require.NoError(t, err)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", env.TraceID)
	assert.Equal(t, "00f067aa0ba902b7", env.SpanID)
}

func TestEncode_RejectsBadSchema(t *testing.T) {
	_, err := testCodec().Encode("x", "payment-validated")
	assert.ErrorIs(t, err, ErrInvalidSchema)

	_, err = testCodec().Encode("x", "payment.1.validated")
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestDecode_WireShape(t *testing.T) {
	c := testCodec()
	env, err := c.Encode(map[string]int{"n": 1}, "doc.v1.uploaded", WithPriority(5), WithTTL(2*time.Second), WithHeaders(map[string]string{"a": "b"}))
	require.NoError(t, err)

	b, err := Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	for _, k := range []string{"id", "message_id", "correlation_id", "idempotency_key", "schema", "version", "occurred_at", "producer", "retry_count", "data", "priority", "ttl", "headers"} {
		assert.Contains(t, raw, k)
	}
	assert.NotContains(t, raw, "causation_id")
	assert.NotContains(t, raw, "published_at")
	assert.Equal(t, float64(2000), raw["ttl"])

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, got.MessageID)
	assert.Equal(t, env.Producer, got.Producer)
	assert.Equal(t, 5, *got.Priority)
}

func TestDecode_Errors(t *testing.T) {
	cases := map[string]string{
		"empty":       ``,
		"not json":    `{"message_id":`,
		"no id":       `{"schema":"doc.v1.x","version":"v1","data":{}}`,
		"no schema":   `{"message_id":"m","version":"v1","data":{}}`,
		"bad version": `{"message_id":"m","schema":"doc.v1.x","version":"v2","data":{}}`,
		"no data":     `{"message_id":"m","schema":"doc.v1.x","version":"v1"}`,
		"bad schema":  `{"message_id":"m","schema":"doc","version":"v1","data":{}}`,
	}
	for name, body := range cases {
		_, err := Decode([]byte(body))
		var de *DecodeError
		assert.True(t, errors.As(err, &de), name)
	}
}

func TestResetForReplay(t *testing.T) {
	env := &Envelope{RetryCount: 4}
	at := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	env.ResetForReplay(at)

	assert.Equal(t, 0, env.RetryCount)
	assert.Equal(t, 1, env.Attempt())
	assert.Equal(t, at.Format(time.RFC3339Nano), env.Headers[HeaderReplayedAt])
}
