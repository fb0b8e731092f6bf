package payment

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/servicing-events/internal/envelope"
	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmehdipour/servicing-events/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// txDB hands out real *sqlx.Tx values backed by sqlmock; the in-memory
// fakes below ignore them.
func txDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 64; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
		mock.ExpectRollback()
	}
	return sqlx.NewDb(db, "mysql")
}

type memPayments struct {
	db *sqlx.DB

	mu          sync.Mutex
	rows        map[string]model.Payment
	transitions []model.PaymentTransition
}

func newMemPayments(db *sqlx.DB) *memPayments {
	return &memPayments{db: db, rows: map[string]model.Payment{}}
}

func (m *memPayments) BeginTx(ctx context.Context) (*sqlx.Tx, error) { return m.db.BeginTxx(ctx, nil) }

func (m *memPayments) Insert(_ context.Context, _ *sqlx.Tx, p model.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.IdempotencyKey == p.IdempotencyKey {
			return &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
		}
	}
	m.rows[p.PaymentID] = p
	return nil
}

func (m *memPayments) Get(_ context.Context, _ *sqlx.Tx, id string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (m *memPayments) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Payment, error) {
	return m.Get(ctx, tx, id)
}

func (m *memPayments) GetByIdempotencyKey(_ context.Context, key string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.IdempotencyKey == key {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memPayments) CompareAndSetState(_ context.Context, _ *sqlx.Tx, id string, from, to model.PaymentState, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.State != from {
		return false, nil
	}
	p.State, p.UpdatedAt = to, at
	m.rows[id] = p
	return true, nil
}

func (m *memPayments) SetExternalRef(_ context.Context, _ *sqlx.Tx, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.rows[id]
	if p.ExternalRef == "" {
		p.ExternalRef = ref
		m.rows[id] = p
	}
	return nil
}

func (m *memPayments) InsertTransition(_ context.Context, _ *sqlx.Tx, t model.PaymentTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = int64(len(m.transitions) + 1)
	m.transitions = append(m.transitions, t)
	return nil
}

func (m *memPayments) ListTransitions(_ context.Context, id string) ([]model.PaymentTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PaymentTransition
	for _, t := range m.transitions {
		if t.PaymentID == id {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memPayments) state(id string) model.PaymentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].State
}

type memLedger struct {
	mu      sync.Mutex
	entries map[string]model.LedgerEntry
}

func newMemLedger() *memLedger { return &memLedger{entries: map[string]model.LedgerEntry{}} }

func (l *memLedger) Post(_ context.Context, _ *sqlx.Tx, entries []model.LedgerEntry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, e := range entries {
		if _, dup := l.entries[e.TransactionID]; dup {
			continue
		}
		l.entries[e.TransactionID] = e
		n++
	}
	return n, nil
}

func (l *memLedger) CountByPayment(_ context.Context, id string) (int, error) {
	rows, _ := l.ListByPayment(context.Background(), id)
	return len(rows), nil
}

func (l *memLedger) ListByPayment(_ context.Context, id string) ([]model.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range l.entries {
		if e.PaymentID == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Leg < out[j].Leg })
	return out, nil
}

type memOutbox struct {
	db *sqlx.DB

	mu   sync.Mutex
	rows []model.OutboxEvent
}

func (o *memOutbox) BeginTx(ctx context.Context) (*sqlx.Tx, error) { return o.db.BeginTxx(ctx, nil) }

func (o *memOutbox) Insert(_ context.Context, _ *sqlx.Tx, ev model.OutboxEvent) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev.ID = int64(len(o.rows) + 1)
	o.rows = append(o.rows, ev)
	return ev.ID, nil
}

func (o *memOutbox) ClaimUnpublished(context.Context, *sqlx.Tx, int) ([]model.OutboxEvent, error) {
	return nil, nil
}

func (o *memOutbox) MarkPublished(context.Context, *sqlx.Tx, int64) (bool, error) {
	return true, nil
}

func (o *memOutbox) RecordFailure(context.Context, *sqlx.Tx, int64, string) error { return nil }

func (o *memOutbox) CountStale(context.Context, time.Time) (int, error) { return 0, nil }

func (o *memOutbox) bySchema(schema string) []model.OutboxEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []model.OutboxEvent
	for _, r := range o.rows {
		if r.Schema == schema {
			out = append(out, r)
		}
	}
	return out
}

// memInbox is a consumer.Store over a map.
type memInbox struct {
	db *sqlx.DB

	mu      sync.Mutex
	records map[string]model.InboxRecord
}

func (s *memInbox) Lookup(_ context.Context, consumerID, messageID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[consumerID+"|"+messageID]
	return r.ResultHash, ok, nil
}

func (s *memInbox) RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *memInbox) Record(_ context.Context, _ *sqlx.Tx, rec model.InboxRecord) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rec.ConsumerID + "|" + rec.MessageID
	if r, ok := s.records[k]; ok {
		return r.ResultHash, false, nil
	}
	s.records[k] = rec
	return rec.ResultHash, true, nil
}

type fixture struct {
	payments *memPayments
	ledger   *memLedger
	outbox   *memOutbox
	inbox    *memInbox
	codec    *envelope.Codec
	svc      *Service
	proc     *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := txDB(t)
	f := &fixture{
		payments: newMemPayments(db),
		ledger:   newMemLedger(),
		outbox:   &memOutbox{db: db},
		inbox:    &memInbox{db: db, records: map[string]model.InboxRecord{}},
		codec:    envelope.NewCodec(envelope.Producer{Service: "servicing-core", Version: "test"}, "payment."),
	}
	f.svc = NewService(f.payments, f.outbox, f.codec, nil)
	f.proc = NewProcessor(f.payments, f.ledger, f.outbox, f.codec, nil)
	return f
}

// lastEnvelope decodes the newest outbox row with the given schema.
func (f *fixture) lastEnvelope(t *testing.T, schema string) *envelope.Envelope {
	t.Helper()
	rows := f.outbox.bySchema(schema)
	require.NotEmpty(t, rows, "no outbox row for %s", schema)
	env, err := envelope.Decode(rows[len(rows)-1].Envelope)
	require.NoError(t, err)
	return env
}

func envelopeKey(k string) envelope.Option { return envelope.WithIdempotencyKey(k) }
