// Package relay moves committed outbox rows to the broker.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/servicing-events/internal/broker"
	"github.com/jmehdipour/servicing-events/internal/metrics"
	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmehdipour/servicing-events/internal/repository"
	"github.com/jmehdipour/servicing-events/internal/retry"
	"go.uber.org/zap"
)

var ErrBreakerOpen = errors.New("relay: broker circuit open")

// Result summarizes one relay cycle.
type Result struct {
	Claimed   int
	Published int
	// AlreadyMarked counts rows another relay marked between our claim and
	// our update; only possible after a lock was lost.
	AlreadyMarked int
}

type Relay struct {
	// Dependencies
	Outbox    repository.OutboxRepository
	Publisher broker.Publisher
	Breaker   *Breaker
	Logger    *zap.Logger

	// Behavior
	ID           string
	BatchSize    int
	PollInterval time.Duration
	StaleAfter   time.Duration
	Backoff      retry.Backoff
	Now          func() time.Time
}

func New(outbox repository.OutboxRepository, pub broker.Publisher, log *zap.Logger) *Relay {
	return &Relay{
		Outbox:       outbox,
		Publisher:    pub,
		Breaker:      NewBreaker(5, 10*time.Second),
		Logger:       log,
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		StaleAfter:   5 * time.Minute,
		Backoff:      retry.Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, MaxJitter: 0.2},
		Now:          time.Now,
	}
}

func (r *Relay) log() *zap.Logger {
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	return r.Logger
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RunOnce claims one batch, publishes rows in created_at order and marks
// each after its confirm. The batch stops at the first publish failure so
// later rows are not published ahead of an earlier one; failed and
// untouched rows stay unpublished for the next cycle.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	tx, err := r.Outbox.BeginTx(ctx)
	if err != nil {
		return res, fmt.Errorf("relay: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := r.Outbox.ClaimUnpublished(ctx, tx, r.BatchSize)
	if err != nil {
		return res, fmt.Errorf("relay: claim: %w", err)
	}
	res.Claimed = len(rows)
	if len(rows) == 0 {
		return res, nil
	}

	var pubErr error
	for _, row := range rows {
		if r.Breaker != nil && !r.Breaker.TryAcquire() {
			pubErr = ErrBreakerOpen
			break
		}

		err := r.Publisher.Publish(ctx, toMessage(row))
		if err != nil {
			if r.Breaker != nil {
				r.Breaker.OnFailure()
			}
			metrics.RelayFailures.WithLabelValues(row.AggregateType).Inc()
			r.log().Warn("outbox publish failed",
				zap.String("relay_id", r.ID),
				zap.Int64("outbox_id", row.ID),
				zap.String("schema", row.Schema),
				zap.Int("attempts", row.Attempts+1),
				zap.Error(err),
			)
			if ferr := r.Outbox.RecordFailure(ctx, tx, row.ID, err.Error()); ferr != nil {
				return res, fmt.Errorf("relay: record failure: %w", ferr)
			}
			pubErr = fmt.Errorf("relay: publish outbox %d: %w", row.ID, err)
			break
		}
		if r.Breaker != nil {
			r.Breaker.OnSuccess()
		}

		marked, err := r.Outbox.MarkPublished(ctx, tx, row.ID)
		if err != nil {
			// published but not marked: the next cycle publishes it again
			return res, fmt.Errorf("relay: mark outbox %d: %w", row.ID, err)
		}
		if !marked {
			res.AlreadyMarked++
			continue
		}
		res.Published++
		metrics.RelayPublished.WithLabelValues(row.AggregateType).Inc()
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("relay: commit: %w", err)
	}
	if res.Published > 0 {
		r.log().Debug("outbox batch relayed",
			zap.String("relay_id", r.ID), zap.Int("claimed", res.Claimed), zap.Int("published", res.Published))
	}
	return res, pubErr
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// the next one; consecutive failures back off exponentially.
func (r *Relay) Run(ctx context.Context) error {
	if r.PollInterval <= 0 {
		r.PollInterval = 500 * time.Millisecond
	}
	r.watchBreaker()
	r.log().Info("outbox relay started",
		zap.String("relay_id", r.ID), zap.Int("batch_size", r.BatchSize), zap.Duration("poll_interval", r.PollInterval))

	failures := 0
	for {
		res, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			r.log().Info("outbox relay stopped", zap.String("relay_id", r.ID))
			return nil
		}

		wait := r.PollInterval
		switch {
		case err != nil:
			failures++
			wait = r.Backoff.Delay(failures)
			if !errors.Is(err, ErrBreakerOpen) {
				r.log().Error("outbox relay cycle failed",
					zap.String("relay_id", r.ID), zap.Int("consecutive_failures", failures),
					zap.Duration("backoff", wait), zap.Error(err))
			}
		case res.Claimed >= r.BatchSize && r.BatchSize > 0:
			failures = 0
			wait = 0
		default:
			failures = 0
		}

		r.CheckStale(ctx)

		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			r.log().Info("outbox relay stopped", zap.String("relay_id", r.ID))
			return nil
		case <-t.C:
		}
	}
}

func (r *Relay) watchBreaker() {
	if r.Breaker == nil || r.Breaker.OnStateChange != nil {
		return
	}
	gauge := metrics.RelayBreakerState.WithLabelValues(r.ID)
	gauge.Set(0)
	r.Breaker.OnStateChange = func(from, to string, level float64) {
		gauge.Set(level)
		r.log().Warn("relay breaker state changed",
			zap.String("relay_id", r.ID), zap.String("from", from), zap.String("to", to))
	}
}

// CheckStale counts rows unpublished for longer than StaleAfter. A non-zero
// count is logged at error level and exported as a gauge; both page.
func (r *Relay) CheckStale(ctx context.Context) int {
	if r.StaleAfter <= 0 {
		return 0
	}
	n, err := r.Outbox.CountStale(ctx, r.now().Add(-r.StaleAfter))
	if err != nil {
		if ctx.Err() == nil {
			r.log().Warn("stale outbox check failed", zap.Error(err))
		}
		return 0
	}
	metrics.OutboxStale.Set(float64(n))
	if n > 0 {
		r.log().Error("outbox rows stuck unpublished",
			zap.Int("stale_rows", n), zap.Duration("older_than", r.StaleAfter))
	}
	return n
}

func toMessage(row model.OutboxEvent) broker.Message {
	headers := map[string]any{}
	if len(row.Headers) > 0 {
		var h map[string]string
		if err := json.Unmarshal(row.Headers, &h); err == nil {
			for k, v := range h {
				headers[k] = v
			}
		}
	}
	msgID, _ := headers["message_id"].(string)
	return broker.Message{
		Exchange:   broker.EventsExchange(row.AggregateType),
		RoutingKey: row.RoutingKey,
		MessageID:  msgID,
		Body:       row.Envelope,
		Headers:    headers,
	}
}
