package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmoiron/sqlx"
)

// InboxRepository is the MySQL consumer_inbox. It satisfies consumer.Store.
type InboxRepository struct {
	db *sqlx.DB
}

func NewInboxRepository(db *sqlx.DB) *InboxRepository {
	return &InboxRepository{db: db}
}

func (r *InboxRepository) Lookup(ctx context.Context, consumerID, messageID string) (string, bool, error) {
	var hash string
	err := r.db.GetContext(ctx, &hash,
		`SELECT result_hash FROM consumer_inbox WHERE consumer_id = ? AND message_id = ?`,
		consumerID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

func (r *InboxRepository) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return withTx(ctx, r.db, nil, fn)
}

// Record inserts the row, or no-ops on the composite key. On a no-op it reads
// the committed winner with a locking read so the snapshot is current.
func (r *InboxRepository) Record(ctx context.Context, tx *sqlx.Tx, rec model.InboxRecord) (string, bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO consumer_inbox (consumer_id, message_id, schema_name, result_hash, result_data, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE consumer_id = consumer_id
	`, rec.ConsumerID, rec.MessageID, rec.Schema, rec.ResultHash, rec.ResultData, rec.ProcessedAt)
	if err != nil {
		return "", false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n == 1 {
		return rec.ResultHash, true, nil
	}

	var hash string
	err = tx.GetContext(ctx, &hash, `
		SELECT result_hash FROM consumer_inbox
		WHERE consumer_id = ? AND message_id = ?
		LOCK IN SHARE MODE
	`, rec.ConsumerID, rec.MessageID)
	if err != nil {
		return "", false, err
	}
	return hash, false, nil
}
