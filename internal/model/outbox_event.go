package model

import (
	"database/sql"
	"time"
)

// OutboxEvent is one row of the outbox table. Envelope holds the serialized
// envelope exactly as it must be published.
type OutboxEvent struct {
	ID            int64          `db:"id"`
	AggregateType string         `db:"aggregate_type"` // e.g. "payment"
	AggregateID   string         `db:"aggregate_id"`
	Schema        string         `db:"schema_name"`
	RoutingKey    string         `db:"routing_key"`
	Envelope      []byte         `db:"envelope"`
	Headers       []byte         `db:"headers"` // JSON object, may be empty
	Attempts      int            `db:"attempts"`
	LastError     sql.NullString `db:"last_error"`
	CreatedAt     time.Time      `db:"created_at"`
	PublishedAt   sql.NullTime   `db:"published_at"`
}

// Published reports whether the relay already marked the row.
func (e OutboxEvent) Published() bool { return e.PublishedAt.Valid }
