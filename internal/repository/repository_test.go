package repository

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/servicing-events/internal/envelope"
	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "mysql"), mock
}

var t0 = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func TestOutbox_InsertOpensOwnTxWhenNil(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox`).
		WithArgs("payment", "p-1", "payment.v1.validated", "payment.v1.validated", []byte(`{}`), []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectCommit()

	id, err := repo.Insert(context.Background(), nil, model.OutboxEvent{
		AggregateType: "payment", AggregateID: "p-1",
		Schema: "payment.v1.validated", RoutingKey: "payment.v1.validated",
		Envelope: []byte(`{}`), Headers: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_ClaimUsesSkipLocked(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(db)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"id", "aggregate_type", "aggregate_id", "schema_name", "routing_key",
		"envelope", "headers", "attempts", "last_error", "created_at", "published_at"}).
		AddRow(int64(1), "payment", "p-1", "payment.v1.validated", "payment.v1.validated", []byte(`{"a":1}`), []byte(`{}`), 0, nil, t0, nil).
		AddRow(int64(2), "payment", "p-2", "payment.v1.validated", "payment.v1.validated", []byte(`{"a":2}`), nil, 3, "nacked", t0, nil)
	mock.ExpectQuery(`(?s)WHERE published_at IS NULL.*ORDER BY created_at, id.*FOR UPDATE SKIP LOCKED`).
		WithArgs(10).
		WillReturnRows(rows)

	tx, err := repo.BeginTx(context.Background())
	require.NoError(t, err)
	got, err := repo.ClaimUnpublished(context.Background(), tx, 10)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.False(t, got[0].Published())
	assert.Equal(t, 3, got[1].Attempts)
	assert.Equal(t, "nacked", got[1].LastError.String)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_MarkPublishedOnce(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outbox SET published_at = NOW\(6\) WHERE id = \? AND published_at IS NULL`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE outbox SET published_at`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := repo.BeginTx(context.Background())
	require.NoError(t, err)

	ok, err := repo.MarkPublished(context.Background(), tx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkPublished(context.Background(), tx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_RecordFailureKeepsRunesWhole(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(db)

	// 1023 ASCII bytes then a 2-byte rune straddling the limit
	cause := strings.Repeat("x", 1023) + "é" + "tail"
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outbox SET attempts = attempts \+ 1, last_error = \? WHERE id = \?`).
		WithArgs(strings.Repeat("x", 1023), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.RecordFailure(context.Background(), nil, 7, cause))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "short", truncateUTF8("short", 10))
	assert.Equal(t, "ab", truncateUTF8("ab€", 4))
	assert.Equal(t, "ab€", truncateUTF8("ab€d", 5))
	assert.True(t, utf8.ValidString(truncateUTF8(strings.Repeat("日本", 400), 1024)))
}

func TestOutbox_CountStale(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOutboxRepository(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM outbox WHERE published_at IS NULL AND created_at < \?`).
		WithArgs(t0).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))

	n, err := repo.CountStale(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNewOutboxEvent(t *testing.T) {
	env := &envelope.Envelope{
		ID: "m1", MessageID: "m1", CorrelationID: "c1", Schema: "payment.v1.validated",
		Version: envelope.Version, Data: []byte(`{"payment_id":"p-1"}`),
	}
	ev, err := NewOutboxEvent("payment", "p-1", env)
	require.NoError(t, err)

	assert.Equal(t, "payment.v1.validated", ev.RoutingKey)
	assert.Equal(t, "payment.v1.validated", ev.Schema)

	var h map[string]string
	require.NoError(t, json.Unmarshal(ev.Headers, &h))
	assert.Equal(t, "m1", h["message_id"])
	assert.Equal(t, "c1", h["correlation_id"])

	back, err := envelope.Decode(ev.Envelope)
	require.NoError(t, err)
	assert.Equal(t, "m1", back.MessageID)
}

func TestInbox_LookupMiss(t *testing.T) {
	db, mock := newMock(t)
	repo := NewInboxRepository(db)

	mock.ExpectQuery(`SELECT result_hash FROM consumer_inbox`).
		WithArgs("c", "m1").
		WillReturnRows(sqlmock.NewRows([]string{"result_hash"}))

	_, found, err := repo.Lookup(context.Background(), "c", "m1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInbox_RecordWinsAndLoses(t *testing.T) {
	db, mock := newMock(t)
	repo := NewInboxRepository(db)
	rec := model.InboxRecord{ConsumerID: "c", MessageID: "m1", Schema: "s", ResultHash: "mine", ResultData: []byte(`"ok"`), ProcessedAt: t0}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO consumer_inbox`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.RunInTx(context.Background(), func(tx *sqlx.Tx) error {
		hash, inserted, err := repo.Record(context.Background(), tx, rec)
		assert.Equal(t, "mine", hash)
		assert.True(t, inserted)
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`ON DUPLICATE KEY UPDATE consumer_id = consumer_id`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)SELECT result_hash FROM consumer_inbox.*LOCK IN SHARE MODE`).
		WithArgs("c", "m1").
		WillReturnRows(sqlmock.NewRows([]string{"result_hash"}).AddRow("theirs"))
	mock.ExpectRollback()

	lost := errors.New("lost")
	err = repo.RunInTx(context.Background(), func(tx *sqlx.Tx) error {
		hash, inserted, err := repo.Record(context.Background(), tx, rec)
		require.NoError(t, err)
		assert.Equal(t, "theirs", hash)
		assert.False(t, inserted)
		return lost
	})
	assert.ErrorIs(t, err, lost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPayments_CompareAndSetState(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentsRepository(db)

	mock.ExpectExec(`UPDATE payment_transactions SET state = \?, updated_at = \? WHERE payment_id = \? AND state = \?`).
		WithArgs(model.PaymentProcessing, t0, "p-1", model.PaymentValidated).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE payment_transactions SET state`).
		WithArgs(model.PaymentProcessing, t0, "p-1", model.PaymentValidated).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.CompareAndSetState(context.Background(), nil, "p-1", model.PaymentValidated, model.PaymentProcessing, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CompareAndSetState(context.Background(), nil, "p-1", model.PaymentValidated, model.PaymentProcessing, t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPayments_GetNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentsRepository(db)

	mock.ExpectQuery(`FROM payment_transactions WHERE payment_id = \?`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"payment_id"}))

	_, err := repo.Get(context.Background(), nil, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPayments_GetForUpdateLocksRow(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentsRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE payment_transactions SET state`).
		WithArgs(model.PaymentPostedPendingSettlement, t0, "p-1", model.PaymentProcessing).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM payment_transactions WHERE payment_id = \? FOR UPDATE`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"payment_id", "state"}).
			AddRow("p-1", string(model.PaymentPostedPendingSettlement)))
	mock.ExpectRollback()

	tx, err := repo.BeginTx(context.Background())
	require.NoError(t, err)
	ok, err := repo.CompareAndSetState(context.Background(), tx, "p-1", model.PaymentProcessing, model.PaymentPostedPendingSettlement, t0)
	require.NoError(t, err)
	require.False(t, ok)

	p, err := repo.GetForUpdate(context.Background(), tx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPostedPendingSettlement, p.State)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsDuplicateKey(t *testing.T) {
	assert.True(t, IsDuplicateKey(&mysql.MySQLError{Number: 1062}))
	assert.False(t, IsDuplicateKey(&mysql.MySQLError{Number: 1213}))
	assert.False(t, IsDuplicateKey(errors.New("x")))
}

func TestLedger_PostIsIdempotent(t *testing.T) {
	db, mock := newMock(t)
	repo := NewLedgerRepository(db)
	entries := []model.LedgerEntry{
		{TransactionID: "t1", PaymentID: "p-1", Leg: "debit", Account: "cash_clearing", Direction: model.LedgerDebit, AmountCents: 50200, Currency: "USD", CreatedAt: t0},
		{TransactionID: "t2", PaymentID: "p-1", Leg: "credit", Account: "loan_receivable:L-1", Direction: model.LedgerCredit, AmountCents: 50200, Currency: "USD", CreatedAt: t0},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_entries .* VALUES \(\?, \?, \?, \?, \?, \?, \?, \?\),\(\?, \?, \?, \?, \?, \?, \?, \?\) ON DUPLICATE KEY UPDATE transaction_id = transaction_id`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	n, err := repo.Post(context.Background(), tx, entries)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.Post(context.Background(), tx, entries)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCHMetrics_InsertBatch(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCHMetricsRepository(db)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO message_metrics`)
	prep.ExpectExec().WithArgs("m1", "payment.v1.validated", "c", t0, int64(12), true, 0, "").
		WillReturnResult(driver.RowsAffected(1))
	prep.ExpectExec().WithArgs("m2", "payment.v1.validated", "c", t0, int64(30), false, 1, "NETWORK_ERROR").
		WillReturnResult(driver.RowsAffected(1))
	mock.ExpectCommit()

	err := repo.InsertBatch(context.Background(), []model.MessageMetric{
		{MessageID: "m1", Schema: "payment.v1.validated", ConsumerID: "c", ProcessedAt: t0, ProcessingTimeMs: 12, Success: true},
		{MessageID: "m2", Schema: "payment.v1.validated", ConsumerID: "c", ProcessedAt: t0, ProcessingTimeMs: 30, RetryCount: 1, ErrorKind: "NETWORK_ERROR"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCHMetrics_SLO(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCHMetricsRepository(db)

	mock.ExpectQuery(`(?s)quantile\(0.95\)\(processing_time_ms\).*FROM message_metrics`).
		WithArgs(t0).
		WillReturnRows(sqlmock.NewRows([]string{"consumer_id", "schema_name", "total", "succeeded", "success_rate", "p95_ms"}).
			AddRow("c", "payment.v1.validated", uint64(100), uint64(99), 0.99, 41.5))

	got, err := repo.SLO(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(99), got[0].Succeeded)
	assert.InDelta(t, 0.99, got[0].SuccessRate, 1e-9)
}

type fakeCHRepo struct {
	mu      sync.Mutex
	batches [][]model.MessageMetric
}

func (f *fakeCHRepo) InsertBatch(_ context.Context, rows []model.MessageMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]model.MessageMetric(nil), rows...)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeCHRepo) SLO(context.Context, time.Time) ([]model.SLOSummary, error) { return nil, nil }

func (f *fakeCHRepo) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestMetricsSink_FlushesBySizeAndOnShutdown(t *testing.T) {
	repo := &fakeCHRepo{}
	sink := NewMetricsSink(repo, 2, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		sink.RecordMessage(context.Background(), model.MessageMetric{MessageID: "m"})
	}
	require.Eventually(t, func() bool { return repo.total() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 3, repo.total())
	assert.Zero(t, sink.Dropped())
}

func TestMetricsSink_StartOutlivesCallerContext(t *testing.T) {
	repo := &fakeCHRepo{}
	sink := NewMetricsSink(repo, 100, time.Hour, nil)

	signalCtx, signal := context.WithCancel(context.Background())
	stop := sink.Start()
	signal()

	// in-flight handlers keep recording after the process got its signal
	for i := 0; i < 3; i++ {
		sink.RecordMessage(signalCtx, model.MessageMetric{MessageID: "m"})
	}
	stop()

	assert.Equal(t, 3, repo.total())
	assert.Zero(t, sink.Dropped())
}

func TestMetricsSink_DropsWhenFull(t *testing.T) {
	sink := NewMetricsSink(&fakeCHRepo{}, 1, time.Hour, nil)
	for i := 0; i < 10; i++ {
		sink.RecordMessage(context.Background(), model.MessageMetric{})
	}
	assert.Equal(t, int64(6), sink.Dropped())
}
