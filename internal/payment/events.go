package payment

import "time"

const (
	AggregateType = "payment"

	SchemaValidated           = "payment.v1.validated"
	SchemaPosted              = "payment.v1.posted"
	SchemaFailed              = "payment.v1.failed"
	SchemaSettlementConfirmed = "payment.v1.settlement_confirmed"
)

// ValidatedEvent is published once a submission passed ingress checks.
type ValidatedEvent struct {
	PaymentID     string `json:"payment_id"`
	LoanID        string `json:"loan_id"`
	Source        string `json:"source"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	EffectiveDate string `json:"effective_date"` // YYYY-MM-DD
}

// PostedEvent is published after both ledger legs exist.
type PostedEvent struct {
	PaymentID      string   `json:"payment_id"`
	LoanID         string   `json:"loan_id"`
	AmountCents    int64    `json:"amount_cents"`
	Currency       string   `json:"currency"`
	TransactionIDs []string `json:"transaction_ids"`
}

type FailedEvent struct {
	PaymentID string `json:"payment_id"`
	LoanID    string `json:"loan_id"`
	Reason    string `json:"reason"`
}

// SettlementConfirmedEvent reports that the funds arrived at the bank.
type SettlementConfirmedEvent struct {
	PaymentID   string    `json:"payment_id"`
	ExternalRef string    `json:"external_ref"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Outcome is what the payment handlers return; the consumer hashes it into
// the inbox record.
type Outcome struct {
	PaymentID          string   `json:"payment_id"`
	State              string   `json:"state"`
	LedgerTransactions []string `json:"ledger_transactions,omitempty"`
	Reason             string   `json:"reason,omitempty"`
}
