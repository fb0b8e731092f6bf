package envelope

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/servicing-events/internal/util"
	"go.opentelemetry.io/otel/trace"
)

// Codec builds and parses envelopes for one producer.
type Codec struct {
	Producer Producer
	Now      func() time.Time
	NewID    func() string

	// SensitiveSchemas lists schema prefixes ("payment.") whose envelopes must
	// carry an explicit idempotency key.
	SensitiveSchemas []string
}

// NewCodec returns a codec using wall-clock time and ULID ids.
func NewCodec(p Producer, sensitive ...string) *Codec {
	return &Codec{
		Producer:         p,
		Now:              time.Now,
		NewID:            util.New,
		SensitiveSchemas: sensitive,
	}
}

type encodeOptions struct {
	idempotencyKey string
	correlationID  string
	causationID    string
	tenantID       string
	userID         string
	priority       *int
	ttl            *int64
	headers        map[string]string
	traceID        string
	spanID         string
	occurredAt     time.Time
}

// Option customizes Encode.
type Option func(*encodeOptions)

func WithIdempotencyKey(key string) Option {
	return func(o *encodeOptions) { o.idempotencyKey = strings.TrimSpace(key) }
}

func WithCorrelationID(id string) Option {
	return func(o *encodeOptions) { o.correlationID = id }
}

// WithCausation links the new envelope to the message that caused it: the
// correlation id is inherited and the causation id is the parent message id.
func WithCausation(parent *Envelope) Option {
	return func(o *encodeOptions) {
		if parent == nil {
			return
		}
		o.causationID = parent.MessageID
		if o.correlationID == "" {
			o.correlationID = parent.CorrelationID
		}
		if o.tenantID == "" {
			o.tenantID = parent.TenantID
		}
		if o.traceID == "" {
			o.traceID = parent.TraceID
		}
	}
}

func WithTenant(id string) Option { return func(o *encodeOptions) { o.tenantID = id } }

func WithUser(id string) Option { return func(o *encodeOptions) { o.userID = id } }

func WithPriority(p int) Option { return func(o *encodeOptions) { o.priority = &p } }

func WithTTL(ttl time.Duration) Option {
	return func(o *encodeOptions) {
		ms := ttl.Milliseconds()
		o.ttl = &ms
	}
}

func WithHeaders(h map[string]string) Option {
	return func(o *encodeOptions) {
		if len(h) == 0 {
			return
		}
		if o.headers == nil {
			o.headers = make(map[string]string, len(h))
		}
		for k, v := range h {
			o.headers[k] = v
		}
	}
}

func WithOccurredAt(t time.Time) Option {
	return func(o *encodeOptions) { o.occurredAt = t }
}

// WithSpanContext copies the active trace and span ids from ctx.
func WithSpanContext(ctx context.Context) Option {
	return func(o *encodeOptions) {
		sc := trace.SpanContextFromContext(ctx)
		if !sc.IsValid() {
			return
		}
		o.traceID = sc.TraceID().String()
		o.spanID = sc.SpanID().String()
	}
}

// Encode wraps payload into a new envelope. It performs no I/O.
func (c *Codec) Encode(payload any, schema string, opts ...Option) (*Envelope, error) {
	if err := ValidateSchema(schema); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Producer.Service) == "" {
		return nil, fmt.Errorf("envelope: producer service is required")
	}

	var o encodeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}

	occurredAt := o.occurredAt
	if occurredAt.IsZero() {
		occurredAt = c.now()
	}
	occurredAt = occurredAt.UTC()

	key := o.idempotencyKey
	if key == "" {
		if c.isSensitive(schema) {
			return nil, fmt.Errorf("%w: %s", ErrIdempotencyKeyRequired, schema)
		}
		key = ContentKey(data, schema, occurredAt)
	}

	msgID := c.newID()
	corrID := o.correlationID
	if corrID == "" {
		corrID = c.newID()
	}

	return &Envelope{
		ID:             msgID,
		MessageID:      msgID,
		CorrelationID:  corrID,
		CausationID:    o.causationID,
		IdempotencyKey: key,
		Schema:         schema,
		Version:        Version,
		OccurredAt:     occurredAt,
		Producer:       c.Producer,
		TraceID:        o.traceID,
		SpanID:         o.spanID,
		TenantID:       o.tenantID,
		UserID:         o.userID,
		Priority:       o.priority,
		TTL:            o.ttl,
		RetryCount:     0,
		Headers:        o.headers,
		Data:           data,
	}, nil
}

// Marshal serializes an envelope for the outbox or the broker.
func Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a wire envelope. Any failure is a *DecodeError.
func Decode(b []byte) (*Envelope, error) {
	if len(b) == 0 {
		return nil, &DecodeError{Reason: "empty body"}
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	switch {
	case e.MessageID == "":
		return nil, &DecodeError{Reason: "missing message_id"}
	case e.Schema == "":
		return nil, &DecodeError{Reason: "missing schema"}
	case e.Version != Version:
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported version %q", e.Version)}
	case len(e.Data) == 0 || string(e.Data) == "null":
		return nil, &DecodeError{Reason: "missing data"}
	case e.RetryCount < 0:
		return nil, &DecodeError{Reason: "negative retry_count"}
	}
	if err := ValidateSchema(e.Schema); err != nil {
		return nil, &DecodeError{Reason: "bad schema", Err: err}
	}
	if e.ID == "" {
		e.ID = e.MessageID
	}
	return &e, nil
}

// ContentKey is the default idempotency key: a hash of data, schema and
// timestamp. Two submissions of the same logical event at different times get
// different keys, which is why sensitive schemas require an explicit key.
func ContentKey(data []byte, schema string, at time.Time) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(schema))
	h.Write([]byte{0})
	h.Write([]byte(at.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Codec) isSensitive(schema string) bool {
	for _, p := range c.SensitiveSchemas {
		if p != "" && strings.HasPrefix(schema, p) {
			return true
		}
	}
	return false
}

func (c *Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Codec) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return util.New()
}
