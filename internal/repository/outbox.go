package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/servicing-events/internal/envelope"
	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes one row. If tx is nil, it will open/commit an internal
	// transaction; producers pass the tx holding their business mutation.
	Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) (int64, error)
	// ClaimUnpublished locks up to limit unpublished rows, oldest first,
	// skipping rows another relay already holds.
	ClaimUnpublished(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error)
	// MarkPublished sets published_at once from the database clock; it
	// reports false when the row was already marked.
	MarkPublished(ctx context.Context, tx *sqlx.Tx, id int64) (bool, error)
	RecordFailure(ctx context.Context, tx *sqlx.Tx, id int64, cause string) error
	// CountStale counts unpublished rows created before the cutoff.
	CountStale(ctx context.Context, before time.Time) (int, error)
	BeginTx(ctx context.Context) (*sqlx.Tx, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func withTx(ctx context.Context, db *sqlx.DB, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

func (r *OutboxRepositoryImpl) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, nil)
}

// NewOutboxEvent builds the row for env. The routing key is the schema and
// the headers carry the identity fields brokers can filter on.
func NewOutboxEvent(aggregateType, aggregateID string, env *envelope.Envelope) (model.OutboxEvent, error) {
	body, err := envelope.Marshal(env)
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("marshal envelope: %w", err)
	}
	headers, err := json.Marshal(map[string]string{
		"message_id":     env.MessageID,
		"correlation_id": env.CorrelationID,
		"schema":         env.Schema,
	})
	if err != nil {
		return model.OutboxEvent{}, err
	}
	return model.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Schema:        env.Schema,
		RoutingKey:    env.Schema,
		Envelope:      body,
		Headers:       headers,
	}, nil
}

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) (int64, error) {
	const q = `
		INSERT INTO outbox (aggregate_type, aggregate_id, schema_name, routing_key, envelope, headers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NOW(6))
	`
	var id int64
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			ev.AggregateType, ev.AggregateID, ev.Schema, ev.RoutingKey, ev.Envelope, ev.Headers,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (r *OutboxRepositoryImpl) ClaimUnpublished(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT id, aggregate_type, aggregate_id, schema_name, routing_key, envelope, headers,
		       attempts, last_error, created_at, published_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`
	var rows []model.OutboxEvent
	if err := tx.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, tx *sqlx.Tx, id int64) (bool, error) {
	var n int64
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbox SET published_at = NOW(6) WHERE id = ? AND published_at IS NULL`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n == 1, err
}

func (r *OutboxRepositoryImpl) RecordFailure(ctx context.Context, tx *sqlx.Tx, id int64, cause string) error {
	cause = truncateUTF8(cause, maxLastError)
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`, cause, id)
		return err
	})
}

func (r *OutboxRepositoryImpl) CountStale(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL AND created_at < ?`, before.UTC())
	return n, err
}

const maxLastError = 1024

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
