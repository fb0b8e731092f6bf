package repository

import (
	"context"
	"strings"

	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmoiron/sqlx"
)

type LedgerRepository interface {
	// Post inserts entries; rows whose transaction_id already exists are
	// skipped. It returns how many rows were new.
	Post(ctx context.Context, tx *sqlx.Tx, entries []model.LedgerEntry) (int64, error)
	CountByPayment(ctx context.Context, paymentID string) (int, error)
	ListByPayment(ctx context.Context, paymentID string) ([]model.LedgerEntry, error)
}

type ledgerRepo struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) LedgerRepository { return &ledgerRepo{db: db} }

func (r *ledgerRepo) Post(ctx context.Context, tx *sqlx.Tx, entries []model.LedgerEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(entries)*8)

	sb.WriteString(`INSERT INTO ledger_entries (transaction_id, payment_id, leg, account, direction, amount_cents, currency, created_at) VALUES `)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, e.TransactionID, e.PaymentID, e.Leg, e.Account, e.Direction, e.AmountCents, e.Currency, e.CreatedAt.UTC())
	}
	sb.WriteString(` ON DUPLICATE KEY UPDATE transaction_id = transaction_id`)

	var n int64
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (r *ledgerRepo) CountByPayment(ctx context.Context, paymentID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM ledger_entries WHERE payment_id = ?`, paymentID)
	return n, err
}

func (r *ledgerRepo) ListByPayment(ctx context.Context, paymentID string) ([]model.LedgerEntry, error) {
	var rows []model.LedgerEntry
	err := r.db.SelectContext(ctx, &rows, `
		SELECT transaction_id, payment_id, leg, account, direction, amount_cents, currency, created_at
		FROM ledger_entries
		WHERE payment_id = ?
		ORDER BY leg
	`, paymentID)
	return rows, err
}
