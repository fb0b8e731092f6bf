package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/servicing-events/internal/consumer"
	"github.com/jmehdipour/servicing-events/internal/envelope"
	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmehdipour/servicing-events/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const (
	AccountCashClearing   = "cash_clearing"
	AccountLoanReceivable = "loan_receivable:"
	legCashClearing       = "debit_cash_clearing"
	legLoanReceivable     = "credit_loan_receivable"
	defaultProcessorActor = "payment-processor"
)

// ErrSettlementNotReady is returned when a settlement confirmation arrives
// before the payment was posted. It is retried.
var ErrSettlementNotReady = errors.New("payment: settlement confirmed before posting")

// ledgerNamespace seeds the name-based ledger transaction ids.
var ledgerNamespace = uuid.MustParse("6f1c0b7e-3a2d-5e8f-9b4c-1d2e3f4a5b6c")

// LedgerTransactionID is deterministic in (paymentID, leg), so posting the
// same leg twice collides on the ledger primary key.
func LedgerTransactionID(paymentID, leg string) string {
	return uuid.NewSHA1(ledgerNamespace, []byte(paymentID+":"+leg)).String()
}

// Processor holds the consumer-side payment handlers.
type Processor struct {
	Payments repository.PaymentsRepository
	Ledger   repository.LedgerRepository
	Outbox   repository.OutboxRepository
	Codec    *envelope.Codec
	Machine  *Machine
	Actor    string
	Now      func() time.Time
}

func NewProcessor(
	payments repository.PaymentsRepository,
	ledger repository.LedgerRepository,
	outbox repository.OutboxRepository,
	codec *envelope.Codec,
	log *zap.Logger,
) *Processor {
	return &Processor{
		Payments: payments,
		Ledger:   ledger,
		Outbox:   outbox,
		Codec:    codec,
		Machine:  NewMachine(payments, log),
		Actor:    defaultProcessorActor,
		Now:      time.Now,
	}
}

// Register wires both payment handlers into r behind the idempotent wrapper.
func (p *Processor) Register(r *consumer.Router, consumerID string, opts consumer.Options) {
	r.Handle(SchemaValidated, consumer.CreateIdempotentHandler(consumerID, p.HandleValidated, opts)).
		Handle(SchemaSettlementConfirmed, consumer.CreateIdempotentHandler(consumerID, p.HandleSettlementConfirmed, opts))
}

func (p *Processor) load(ctx context.Context, tx *sqlx.Tx, paymentID string) (*model.Payment, error) {
	pay, err := p.Payments.GetForUpdate(ctx, tx, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		// the event row commits with the payment, so this is never a lag
		return nil, consumer.Invariantf("payment %s referenced by event does not exist", paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return pay, nil
}

// HandleValidated moves a validated payment through processing and posts
// both ledger legs, ending in posted_pending_settlement.
func (p *Processor) HandleValidated(ctx context.Context, tx *sqlx.Tx, env *envelope.Envelope, hc consumer.HandlerContext) (any, error) {
	var ev ValidatedEvent
	if err := env.DecodeData(&ev); err != nil {
		return nil, err
	}
	if ev.PaymentID == "" {
		return nil, consumer.Validationf("%s without payment_id", env.Schema)
	}

	pay, err := p.load(ctx, tx, ev.PaymentID)
	if err != nil {
		return nil, err
	}
	if pay.State != model.PaymentValidated && pay.State != model.PaymentProcessing {
		// a previous delivery under another message id got here first
		return Outcome{PaymentID: pay.PaymentID, State: string(pay.State)}, nil
	}

	if pay.State == model.PaymentValidated {
		applied, err := p.Machine.Advance(ctx, tx, Transition{
			PaymentID: pay.PaymentID,
			From:      model.PaymentValidated,
			To:        model.PaymentProcessing,
			Actor:     p.actor(hc),
			Reason:    "picked up for posting",
		})
		if err != nil {
			return nil, err
		}
		if !applied {
			// a concurrent delivery owns the posting
			cur, err := p.load(ctx, tx, pay.PaymentID)
			if err != nil {
				return nil, err
			}
			return Outcome{PaymentID: cur.PaymentID, State: string(cur.State)}, nil
		}
	}

	if reason := postingViolation(pay, ev); reason != "" {
		return p.fail(ctx, tx, env, pay, hc, reason)
	}

	now := p.now()
	entries := []model.LedgerEntry{
		{
			TransactionID: LedgerTransactionID(pay.PaymentID, legCashClearing),
			PaymentID:     pay.PaymentID,
			Leg:           legCashClearing,
			Account:       AccountCashClearing,
			Direction:     model.LedgerDebit,
			AmountCents:   pay.AmountCents,
			Currency:      pay.Currency,
			CreatedAt:     now,
		},
		{
			TransactionID: LedgerTransactionID(pay.PaymentID, legLoanReceivable),
			PaymentID:     pay.PaymentID,
			Leg:           legLoanReceivable,
			Account:       AccountLoanReceivable + pay.LoanID,
			Direction:     model.LedgerCredit,
			AmountCents:   pay.AmountCents,
			Currency:      pay.Currency,
			CreatedAt:     now,
		},
	}
	n, err := p.Ledger.Post(ctx, tx, entries)
	if err != nil {
		return nil, fmt.Errorf("post ledger: %w", err)
	}
	if n < int64(len(entries)) {
		logOf(hc).Info("ledger legs already posted", zap.String("payment_id", pay.PaymentID), zap.Int64("new_rows", n))
	}

	if _, err := p.Machine.Advance(ctx, tx, Transition{
		PaymentID: pay.PaymentID,
		From:      model.PaymentProcessing,
		To:        model.PaymentPostedPendingSettlement,
		Actor:     p.actor(hc),
		Reason:    "ledger posted",
	}); err != nil {
		return nil, err
	}

	txIDs := []string{entries[0].TransactionID, entries[1].TransactionID}
	if err := p.emit(ctx, tx, env, pay.PaymentID, SchemaPosted, "posted:"+pay.PaymentID, PostedEvent{
		PaymentID:      pay.PaymentID,
		LoanID:         pay.LoanID,
		AmountCents:    pay.AmountCents,
		Currency:       pay.Currency,
		TransactionIDs: txIDs,
	}); err != nil {
		return nil, err
	}

	return Outcome{
		PaymentID:          pay.PaymentID,
		State:              string(model.PaymentPostedPendingSettlement),
		LedgerTransactions: txIDs,
	}, nil
}

// postingViolation returns why pay cannot be posted, or "".
func postingViolation(pay *model.Payment, ev ValidatedEvent) string {
	switch {
	case pay.AmountCents <= 0:
		return fmt.Sprintf("non-positive amount %d", pay.AmountCents)
	case ev.AmountCents != pay.AmountCents:
		return fmt.Sprintf("event amount %d does not match payment amount %d", ev.AmountCents, pay.AmountCents)
	case ev.Currency != pay.Currency:
		return fmt.Sprintf("event currency %s does not match payment currency %s", ev.Currency, pay.Currency)
	}
	if _, ok := normalizeCurrency(pay.Currency); !ok {
		return fmt.Sprintf("invalid currency %q", pay.Currency)
	}
	return ""
}

// fail moves processing -> failed. This is a business outcome, so the
// message is acknowledged.
func (p *Processor) fail(ctx context.Context, tx *sqlx.Tx, env *envelope.Envelope, pay *model.Payment, hc consumer.HandlerContext, reason string) (any, error) {
	if _, err := p.Machine.Advance(ctx, tx, Transition{
		PaymentID: pay.PaymentID,
		From:      model.PaymentProcessing,
		To:        model.PaymentFailed,
		Actor:     p.actor(hc),
		Reason:    reason,
	}); err != nil {
		return nil, err
	}
	if err := p.emit(ctx, tx, env, pay.PaymentID, SchemaFailed, "failed:"+pay.PaymentID, FailedEvent{
		PaymentID: pay.PaymentID,
		LoanID:    pay.LoanID,
		Reason:    reason,
	}); err != nil {
		return nil, err
	}
	logOf(hc).Warn("payment failed", zap.String("payment_id", pay.PaymentID), zap.String("reason", reason))
	return Outcome{PaymentID: pay.PaymentID, State: string(model.PaymentFailed), Reason: reason}, nil
}

// HandleSettlementConfirmed settles a posted payment.
func (p *Processor) HandleSettlementConfirmed(ctx context.Context, tx *sqlx.Tx, env *envelope.Envelope, hc consumer.HandlerContext) (any, error) {
	var ev SettlementConfirmedEvent
	if err := env.DecodeData(&ev); err != nil {
		return nil, err
	}
	if ev.PaymentID == "" {
		return nil, consumer.Validationf("%s without payment_id", env.Schema)
	}

	pay, err := p.load(ctx, tx, ev.PaymentID)
	if err != nil {
		return nil, err
	}
	switch pay.State {
	case model.PaymentValidated, model.PaymentProcessing:
		return nil, consumer.NewError(consumer.KindServiceUnavailable,
			fmt.Sprintf("payment %s is %s", pay.PaymentID, pay.State), ErrSettlementNotReady)
	case model.PaymentSettled:
		return Outcome{PaymentID: pay.PaymentID, State: string(pay.State)}, nil
	}

	if ev.ExternalRef != "" {
		if err := p.Payments.SetExternalRef(ctx, tx, pay.PaymentID, ev.ExternalRef); err != nil {
			return nil, fmt.Errorf("set external ref: %w", err)
		}
	}
	// failed -> settled is rejected here as an invariant violation
	if _, err := p.Machine.Advance(ctx, tx, Transition{
		PaymentID: pay.PaymentID,
		From:      model.PaymentPostedPendingSettlement,
		To:        model.PaymentSettled,
		Actor:     p.actor(hc),
		Reason:    "settlement confirmed " + ev.ExternalRef,
	}); err != nil {
		return nil, err
	}
	return Outcome{PaymentID: pay.PaymentID, State: string(model.PaymentSettled)}, nil
}

func (p *Processor) emit(ctx context.Context, tx *sqlx.Tx, cause *envelope.Envelope, paymentID, schema, key string, payload any) error {
	env, err := p.Codec.Encode(payload, schema,
		envelope.WithCausation(cause),
		envelope.WithIdempotencyKey(key),
		envelope.WithSpanContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("encode %s: %w", schema, err)
	}
	row, err := repository.NewOutboxEvent(AggregateType, paymentID, env)
	if err != nil {
		return err
	}
	if _, err := p.Outbox.Insert(ctx, tx, row); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (p *Processor) actor(hc consumer.HandlerContext) string {
	if hc.ConsumerID != "" {
		return hc.ConsumerID
	}
	if p.Actor != "" {
		return p.Actor
	}
	return defaultProcessorActor
}

func logOf(hc consumer.HandlerContext) *zap.Logger {
	if hc.Logger != nil {
		return hc.Logger
	}
	return zap.NewNop()
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}
