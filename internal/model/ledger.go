package model

import "time"

type LedgerDirection string

const (
	LedgerDebit  LedgerDirection = "debit"
	LedgerCredit LedgerDirection = "credit"
)

// LedgerEntry is one leg of a posting. TransactionID is derived from
// (payment_id, leg) so a second posting attempt collides on the primary key.
type LedgerEntry struct {
	TransactionID string          `db:"transaction_id" json:"transaction_id"`
	PaymentID     string          `db:"payment_id"     json:"payment_id"`
	Leg           string          `db:"leg"            json:"leg"`
	Account       string          `db:"account"        json:"account"`
	Direction     LedgerDirection `db:"direction"      json:"direction"`
	AmountCents   int64           `db:"amount_cents"   json:"amount_cents"`
	Currency      string          `db:"currency"       json:"currency"`
	CreatedAt     time.Time       `db:"created_at"     json:"created_at"`
}
