package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("repository: not found")

const mysqlErrDupEntry = 1062

// IsDuplicateKey reports a MySQL unique-constraint violation.
func IsDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlErrDupEntry
}

type PaymentsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, p model.Payment) error
	Get(ctx context.Context, tx *sqlx.Tx, paymentID string) (*model.Payment, error)
	// GetForUpdate reads the latest committed row and holds its write lock
	// until tx ends.
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, paymentID string) (*model.Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error)
	// CompareAndSetState moves the row from -> to and reports whether this
	// call won. A false result with nil error means the row was elsewhere.
	CompareAndSetState(ctx context.Context, tx *sqlx.Tx, paymentID string, from, to model.PaymentState, at time.Time) (bool, error)
	SetExternalRef(ctx context.Context, tx *sqlx.Tx, paymentID, ref string) error
	InsertTransition(ctx context.Context, tx *sqlx.Tx, t model.PaymentTransition) error
	ListTransitions(ctx context.Context, paymentID string) ([]model.PaymentTransition, error)
	BeginTx(ctx context.Context) (*sqlx.Tx, error)
}

type PaymentsRepositoryImpl struct {
	db *sqlx.DB
}

func NewPaymentsRepository(db *sqlx.DB) *PaymentsRepositoryImpl {
	return &PaymentsRepositoryImpl{db: db}
}

func (r *PaymentsRepositoryImpl) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, nil)
}

func (r *PaymentsRepositoryImpl) q(tx *sqlx.Tx) sqlx.ExtContext {
	if tx != nil {
		return tx
	}
	return r.db
}

const paymentColumns = `payment_id, loan_id, source, amount_cents, currency, state, effective_date,
		idempotency_key, external_ref, created_at, updated_at`

func (r *PaymentsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, p model.Payment) error {
	const q = `
		INSERT INTO payment_transactions
		    (payment_id, loan_id, source, amount_cents, currency, state, effective_date,
		     idempotency_key, external_ref, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			p.PaymentID, p.LoanID, p.Source, p.AmountCents, p.Currency, p.State, p.EffectiveDate,
			p.IdempotencyKey, p.ExternalRef, p.CreatedAt, p.UpdatedAt,
		)
		return err
	})
}

func (r *PaymentsRepositoryImpl) Get(ctx context.Context, tx *sqlx.Tx, paymentID string) (*model.Payment, error) {
	return r.get(ctx, tx, `SELECT `+paymentColumns+` FROM payment_transactions WHERE payment_id = ?`, paymentID)
}

func (r *PaymentsRepositoryImpl) GetForUpdate(ctx context.Context, tx *sqlx.Tx, paymentID string) (*model.Payment, error) {
	return r.get(ctx, tx, `SELECT `+paymentColumns+` FROM payment_transactions WHERE payment_id = ? FOR UPDATE`, paymentID)
}

func (r *PaymentsRepositoryImpl) get(ctx context.Context, tx *sqlx.Tx, query, paymentID string) (*model.Payment, error) {
	var p model.Payment
	err := sqlx.GetContext(ctx, r.q(tx), &p, query, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentsRepositoryImpl) GetByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error) {
	var p model.Payment
	err := r.db.GetContext(ctx, &p,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE idempotency_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentsRepositoryImpl) CompareAndSetState(ctx context.Context, tx *sqlx.Tx, paymentID string, from, to model.PaymentState, at time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx,
		`UPDATE payment_transactions SET state = ?, updated_at = ? WHERE payment_id = ? AND state = ?`,
		to, at.UTC(), paymentID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PaymentsRepositoryImpl) SetExternalRef(ctx context.Context, tx *sqlx.Tx, paymentID, ref string) error {
	_, err := r.q(tx).ExecContext(ctx,
		`UPDATE payment_transactions SET external_ref = ? WHERE payment_id = ? AND external_ref = ''`,
		ref, paymentID)
	return err
}

func (r *PaymentsRepositoryImpl) InsertTransition(ctx context.Context, tx *sqlx.Tx, t model.PaymentTransition) error {
	_, err := r.q(tx).ExecContext(ctx, `
		INSERT INTO payment_state_transitions (payment_id, previous_state, new_state, occurred_at, actor, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.PaymentID, t.PreviousState, t.NewState, t.OccurredAt.UTC(), t.Actor, t.Reason)
	return err
}

func (r *PaymentsRepositoryImpl) ListTransitions(ctx context.Context, paymentID string) ([]model.PaymentTransition, error) {
	var rows []model.PaymentTransition
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, payment_id, previous_state, new_state, occurred_at, actor, reason
		FROM payment_state_transitions
		WHERE payment_id = ?
		ORDER BY id
	`, paymentID)
	return rows, err
}
