// Package payment owns the payment lifecycle: ingress, the state machine and
// the consumers that post ledger entries.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/servicing-events/internal/consumer"
	"github.com/jmehdipour/servicing-events/internal/metrics"
	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmehdipour/servicing-events/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// edges is the only allowed transition graph. failed and settled have no
// outgoing edges.
var edges = map[model.PaymentState][]model.PaymentState{
	model.PaymentValidated:               {model.PaymentProcessing},
	model.PaymentProcessing:              {model.PaymentPostedPendingSettlement, model.PaymentFailed},
	model.PaymentPostedPendingSettlement: {model.PaymentSettled},
}

// CanTransition reports whether from -> to is a single edge of the graph.
func CanTransition(from, to model.PaymentState) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from in zero or more steps.
func Reachable(from, to model.PaymentState) bool {
	if from == to {
		return true
	}
	for _, next := range edges[from] {
		if Reachable(next, to) {
			return true
		}
	}
	return false
}

// ValidPath checks that states, as read from the transition log, start at
// validated and only ever follow edges of the graph.
func ValidPath(states []model.PaymentState) error {
	if len(states) == 0 {
		return nil
	}
	if states[0] != model.PaymentValidated {
		return fmt.Errorf("payment: path starts at %q, want %q", states[0], model.PaymentValidated)
	}
	for i := 1; i < len(states); i++ {
		if !CanTransition(states[i-1], states[i]) {
			return fmt.Errorf("payment: illegal step %d: %s -> %s", i, states[i-1], states[i])
		}
	}
	return nil
}

// Transition is one requested state change.
type Transition struct {
	PaymentID string
	From      model.PaymentState
	To        model.PaymentState
	Actor     string
	Reason    string
}

// Machine applies transitions with compare-and-set semantics.
type Machine struct {
	Payments repository.PaymentsRepository
	Logger   *zap.Logger
	Now      func() time.Time
}

func NewMachine(payments repository.PaymentsRepository, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{Payments: payments, Logger: log, Now: time.Now}
}

// Advance moves the payment from t.From to t.To inside tx and appends the
// transition log row. It returns applied=false with a nil error when the
// payment is already at or past t.To: the effect happened on an earlier
// delivery. Any other mismatch is an invariant violation.
func (m *Machine) Advance(ctx context.Context, tx *sqlx.Tx, t Transition) (applied bool, err error) {
	if !CanTransition(t.From, t.To) {
		return false, consumer.Invariantf("payment %s: %s -> %s is not a transition", t.PaymentID, t.From, t.To)
	}

	at := m.Now().UTC()
	ok, err := m.Payments.CompareAndSetState(ctx, tx, t.PaymentID, t.From, t.To, at)
	if err != nil {
		return false, fmt.Errorf("cas %s -> %s: %w", t.From, t.To, err)
	}

	if ok {
		err = m.Payments.InsertTransition(ctx, tx, model.PaymentTransition{
			PaymentID:     t.PaymentID,
			PreviousState: t.From,
			NewState:      t.To,
			OccurredAt:    at,
			Actor:         t.Actor,
			Reason:        t.Reason,
		})
		if err != nil {
			return false, fmt.Errorf("insert transition: %w", err)
		}
		metrics.PaymentTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
		m.Logger.Info("payment transitioned",
			zap.String("payment_id", t.PaymentID),
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
			zap.String("actor", t.Actor),
		)
		return true, nil
	}

	// a plain read here would see the transaction snapshot, not the winner
	cur, err := m.Payments.GetForUpdate(ctx, tx, t.PaymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, consumer.Invariantf("payment %s does not exist", t.PaymentID)
	}
	if err != nil {
		return false, fmt.Errorf("load payment: %w", err)
	}
	if Reachable(t.To, cur.State) {
		m.Logger.Debug("payment transition already applied",
			zap.String("payment_id", t.PaymentID),
			zap.String("to", string(t.To)),
			zap.String("current", string(cur.State)),
		)
		return false, nil
	}
	return false, consumer.Invariantf("payment %s: cannot move %s -> %s, payment is %s",
		t.PaymentID, t.From, t.To, cur.State)
}
