package model

import "time"

type PaymentState string

const (
	PaymentValidated               PaymentState = "validated"
	PaymentProcessing              PaymentState = "processing"
	PaymentPostedPendingSettlement PaymentState = "posted_pending_settlement"
	PaymentSettled                 PaymentState = "settled"
	PaymentFailed                  PaymentState = "failed"
)

func (s PaymentState) String() string { return string(s) }

func (s PaymentState) Valid() bool {
	switch s {
	case PaymentValidated, PaymentProcessing, PaymentPostedPendingSettlement, PaymentSettled, PaymentFailed:
		return true
	default:
		return false
	}
}

// Terminal states are immutable.
func (s PaymentState) Terminal() bool {
	return s == PaymentSettled || s == PaymentFailed
}

type PaymentSource string

const (
	SourceACH   PaymentSource = "ach"
	SourceWire  PaymentSource = "wire"
	SourceCard  PaymentSource = "card"
	SourceCheck PaymentSource = "check"
)

func (s PaymentSource) Valid() bool {
	return s == SourceACH || s == SourceWire || s == SourceCard || s == SourceCheck
}

// Payment is the DB entity persisted in payment_transactions.
type Payment struct {
	PaymentID      string        `db:"payment_id"       json:"payment_id"`
	LoanID         string        `db:"loan_id"          json:"loan_id"`
	Source         PaymentSource `db:"source"           json:"source"`
	AmountCents    int64         `db:"amount_cents"     json:"amount_cents"`
	Currency       string        `db:"currency"         json:"currency"`
	State          PaymentState  `db:"state"            json:"state"`
	EffectiveDate  time.Time     `db:"effective_date"   json:"effective_date"`
	IdempotencyKey string        `db:"idempotency_key"  json:"idempotency_key"`
	ExternalRef    string        `db:"external_ref"     json:"external_ref,omitempty"`
	CreatedAt      time.Time     `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"       json:"updated_at"`
}

// PaymentTransition is one append-only row of payment_state_transitions.
// PreviousState is empty for the creation row.
type PaymentTransition struct {
	ID            int64        `db:"id"             json:"id"`
	PaymentID     string       `db:"payment_id"     json:"payment_id"`
	PreviousState PaymentState `db:"previous_state" json:"previous_state,omitempty"`
	NewState      PaymentState `db:"new_state"      json:"new_state"`
	OccurredAt    time.Time    `db:"occurred_at"    json:"occurred_at"`
	Actor         string       `db:"actor"          json:"actor"`
	Reason        string       `db:"reason"         json:"reason"`
}
