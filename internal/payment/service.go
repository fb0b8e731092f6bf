package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/servicing-events/internal/envelope"
	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmehdipour/servicing-events/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

var (
	ErrInvalidRequest      = errors.New("payment: invalid request")
	ErrDuplicateSubmission = errors.New("payment: idempotency key already used")
	ErrNotSettleable       = errors.New("payment: payment cannot be settled")
)

// SubmitRequest is one payment as received at ingress. Amount is in major
// units ("502.00").
type SubmitRequest struct {
	LoanID         string
	Source         string
	Amount         decimal.Decimal
	Currency       string
	EffectiveDate  time.Time
	IdempotencyKey string
	CorrelationID  string
	Actor          string
}

// Service atomically persists payments, their transition log and outbox
// events.
type Service struct {
	payments repository.PaymentsRepository
	outbox   repository.OutboxRepository
	codec    *envelope.Codec
	log      *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewService constructs the payment service.
func NewService(
	payments repository.PaymentsRepository,
	outbox repository.OutboxRepository,
	codec *envelope.Codec,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		payments: payments,
		outbox:   outbox,
		codec:    codec,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// ToCents converts a major-unit amount to integer cents. Fractions of a cent
// are rejected rather than rounded.
func ToCents(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, invalid("amount must be positive")
	}
	cents := amount.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, invalid("amount %s has sub-cent precision", amount.String())
	}
	if !cents.LessThan(decimal.New(1, 15)) {
		return 0, invalid("amount %s is too large", amount.String())
	}
	return cents.IntPart(), nil
}

// FromCents renders cents as a major-unit decimal.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func normalizeCurrency(c string) (string, bool) {
	c = strings.ToUpper(strings.TrimSpace(c))
	if len(c) != 3 {
		return "", false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", false
		}
	}
	return c, true
}

func (s *Service) validate(req SubmitRequest) (model.Payment, error) {
	var p model.Payment

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return p, invalid("idempotency_key is required")
	}
	loanID := strings.TrimSpace(req.LoanID)
	if loanID == "" {
		return p, invalid("loan_id is required")
	}
	src := model.PaymentSource(strings.ToLower(strings.TrimSpace(req.Source)))
	if !src.Valid() {
		return p, invalid("unknown source %q", req.Source)
	}
	cur, ok := normalizeCurrency(req.Currency)
	if !ok {
		return p, invalid("currency %q is not an ISO-4217 code", req.Currency)
	}
	cents, err := ToCents(req.Amount)
	if err != nil {
		return p, err
	}

	now := s.now().UTC()
	eff := req.EffectiveDate
	if eff.IsZero() {
		eff = now
	}

	return model.Payment{
		PaymentID:      s.newID(),
		LoanID:         loanID,
		Source:         src,
		AmountCents:    cents,
		Currency:       cur,
		State:          model.PaymentValidated,
		EffectiveDate:  eff.UTC().Truncate(24 * time.Hour),
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Submit validates req and writes the payment, its creation transition and a
// payment.v1.validated outbox row in one transaction. A reused idempotency
// key returns the stored payment with ErrDuplicateSubmission.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*model.Payment, error) {
	p, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	if existing, err := s.payments.GetByIdempotencyKey(ctx, p.IdempotencyKey); err == nil {
		return existing, ErrDuplicateSubmission
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	opts := []envelope.Option{
		envelope.WithIdempotencyKey(p.IdempotencyKey),
		envelope.WithSpanContext(ctx),
		envelope.WithOccurredAt(p.CreatedAt),
	}
	if req.CorrelationID != "" {
		opts = append(opts, envelope.WithCorrelationID(req.CorrelationID))
	}
	if req.Actor != "" {
		opts = append(opts, envelope.WithUser(req.Actor))
	}
	env, err := s.codec.Encode(ValidatedEvent{
		PaymentID:     p.PaymentID,
		LoanID:        p.LoanID,
		Source:        string(p.Source),
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		EffectiveDate: p.EffectiveDate.Format(dateLayout),
	}, SchemaValidated, opts...)
	if err != nil {
		return nil, fmt.Errorf("encode validated event: %w", err)
	}
	row, err := repository.NewOutboxEvent(AggregateType, p.PaymentID, env)
	if err != nil {
		return nil, err
	}

	tx, err := s.payments.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.payments.Insert(ctx, tx, p); err != nil {
		if repository.IsDuplicateKey(err) {
			_ = tx.Rollback()
			existing, gerr := s.payments.GetByIdempotencyKey(ctx, p.IdempotencyKey)
			if gerr != nil {
				return nil, fmt.Errorf("load duplicate submission: %w", gerr)
			}
			return existing, ErrDuplicateSubmission
		}
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	actor := req.Actor
	if actor == "" {
		actor = "ingress"
	}
	if err := s.payments.InsertTransition(ctx, tx, model.PaymentTransition{
		PaymentID:  p.PaymentID,
		NewState:   model.PaymentValidated,
		OccurredAt: p.CreatedAt,
		Actor:      actor,
		Reason:     "submission accepted",
	}); err != nil {
		return nil, fmt.Errorf("insert transition: %w", err)
	}

	if _, err := s.outbox.Insert(ctx, tx, row); err != nil {
		return nil, fmt.Errorf("insert outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.log.Info("payment submitted",
		zap.String("payment_id", p.PaymentID),
		zap.String("loan_id", p.LoanID),
		zap.String("message_id", env.MessageID),
		zap.Int64("amount_cents", p.AmountCents),
	)
	return &p, nil
}

// ConfirmSettlement records that the bank confirmed the funds. The state
// change itself happens in the settlement consumer.
func (s *Service) ConfirmSettlement(ctx context.Context, paymentID, externalRef string) error {
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return invalid("external_ref is required")
	}
	p, err := s.payments.Get(ctx, nil, paymentID)
	if err != nil {
		return err
	}
	if p.State == model.PaymentFailed {
		return fmt.Errorf("%w: payment %s is %s", ErrNotSettleable, p.PaymentID, p.State)
	}

	env, err := s.codec.Encode(SettlementConfirmedEvent{
		PaymentID:   p.PaymentID,
		ExternalRef: externalRef,
		ConfirmedAt: s.now().UTC(),
	}, SchemaSettlementConfirmed,
		envelope.WithIdempotencyKey("settlement:"+p.PaymentID),
		envelope.WithSpanContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("encode settlement event: %w", err)
	}
	row, err := repository.NewOutboxEvent(AggregateType, p.PaymentID, env)
	if err != nil {
		return err
	}
	if _, err := s.outbox.Insert(ctx, nil, row); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}

	s.log.Info("settlement confirmation queued",
		zap.String("payment_id", p.PaymentID), zap.String("message_id", env.MessageID))
	return nil
}

func (s *Service) Get(ctx context.Context, paymentID string) (*model.Payment, error) {
	return s.payments.Get(ctx, nil, paymentID)
}

// Transitions returns the audit log, oldest first.
func (s *Service) Transitions(ctx context.Context, paymentID string) ([]model.PaymentTransition, error) {
	return s.payments.ListTransitions(ctx, paymentID)
}
