// Package envelope defines the canonical message wrapper shared by every
// producer and consumer, and its JSON codec.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Version = "v1"

	HeaderReplayedAt = "x-replayed-at"
)

var (
	ErrIdempotencyKeyRequired = errors.New("envelope: explicit idempotency key required for schema")
	ErrInvalidSchema          = errors.New("envelope: schema must look like <domain>.v<N>.<event>")
)

// Producer identifies the service that created an envelope.
type Producer struct {
	Service  string `json:"service"`
	Instance string `json:"instance,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Envelope is the wire shape of every message. Field names are part of the
// interoperability contract and must not change.
type Envelope struct {
	ID             string            `json:"id"`
	MessageID      string            `json:"message_id"`
	CorrelationID  string            `json:"correlation_id"`
	CausationID    string            `json:"causation_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Schema         string            `json:"schema"`
	Version        string            `json:"version"`
	OccurredAt     time.Time         `json:"occurred_at"`
	PublishedAt    *time.Time        `json:"published_at,omitempty"`
	Producer       Producer          `json:"producer"`
	TraceID        string            `json:"trace_id,omitempty"`
	SpanID         string            `json:"span_id,omitempty"`
	TenantID       string            `json:"tenant_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Priority       *int              `json:"priority,omitempty"`
	TTL            *int64            `json:"ttl,omitempty"` // milliseconds
	RetryCount     int               `json:"retry_count"`
	Headers        map[string]string `json:"headers,omitempty"`
	Data           json.RawMessage   `json:"data"`
}

// Domain returns the first segment of the schema ("payment" for "payment.v1.validated").
func (e *Envelope) Domain() string {
	d, _, _ := strings.Cut(e.Schema, ".")
	return d
}

// Attempt is the 1-based processing attempt for this delivery.
func (e *Envelope) Attempt() int { return e.RetryCount + 1 }

// DecodeData unmarshals the business payload into v.
func (e *Envelope) DecodeData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &DecodeError{Reason: "data does not match " + e.Schema, Err: err}
	}
	return nil
}

// ResetForReplay prepares a dead-lettered envelope for an operator replay.
func (e *Envelope) ResetForReplay(at time.Time) {
	e.RetryCount = 0
	e.PublishedAt = nil
	if e.Headers == nil {
		e.Headers = make(map[string]string, 1)
	}
	e.Headers[HeaderReplayedAt] = at.UTC().Format(time.RFC3339Nano)
}

// ValidateSchema checks the <domain>.v<N>.<event> form.
func ValidateSchema(schema string) error {
	parts := strings.Split(schema, ".")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return fmt.Errorf("%w: %q", ErrInvalidSchema, schema)
	}
	v := parts[1]
	if len(v) < 2 || v[0] != 'v' {
		return fmt.Errorf("%w: %q", ErrInvalidSchema, schema)
	}
	for _, r := range v[1:] {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidSchema, schema)
		}
	}
	return nil
}

// DecodeError reports a malformed message. It is never retryable.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "envelope: decode: " + e.Reason + ": " + e.Err.Error()
	}
	return "envelope: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }
