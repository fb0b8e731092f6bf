package consumer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/servicing-events/internal/envelope"
	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmehdipour/servicing-events/internal/retry"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ProcessingResult is the outcome of one delivery attempt.
// ShouldRetry and DeadLetter are never both true.
type ProcessingResult struct {
	Success      bool
	ResultHash   string
	Error        error
	ErrorKind    Kind
	ShouldRetry  bool
	RetryDelayMs int64
	DeadLetter   bool

	// Duplicate is set when the inbox already held the message and the
	// handler was not invoked.
	Duplicate bool
}

// HandlerContext is passed to business handlers.
type HandlerContext struct {
	ConsumerID string
	Attempt    int // retry_count + 1
	MaxRetries int
	ReceivedAt time.Time
	Logger     *zap.Logger
}

// Handler applies a message's effect. Database work must go through tx so it
// commits together with the inbox record. The returned value is hashed and
// stored as the result.
type Handler func(ctx context.Context, tx *sqlx.Tx, env *envelope.Envelope, hc HandlerContext) (any, error)

// ProcessFunc is what CreateIdempotentHandler produces.
type ProcessFunc func(ctx context.Context, env *envelope.Envelope) ProcessingResult

// Store persists the per-consumer inbox.
type Store interface {
	// Lookup returns the stored result hash when (consumerID, messageID) was
	// already processed.
	Lookup(ctx context.Context, consumerID, messageID string) (hash string, found bool, err error)
	// RunInTx runs fn in one transaction, committing when fn returns nil.
	RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	// Record inserts the inbox row inside tx. When another delivery already
	// recorded the message, inserted is false and hash is the stored one.
	Record(ctx context.Context, tx *sqlx.Tx, rec model.InboxRecord) (hash string, inserted bool, err error)
}

// MetricsRecorder receives one metric per processing attempt.
type MetricsRecorder interface {
	RecordMessage(ctx context.Context, m model.MessageMetric)
}

type Options struct {
	Store      Store
	MaxRetries int
	Backoff    retry.Backoff
	Metrics    MetricsRecorder
	Logger     *zap.Logger
	Now        func() time.Time
}

var errLostRace = errors.New("consumer: inbox already recorded by a concurrent delivery")

// CreateIdempotentHandler wraps handler so that each message takes effect at
// most once per consumerID, and maps failures to retry decisions.
func CreateIdempotentHandler(consumerID string, handler Handler, opts Options) ProcessFunc {
	if opts.Store == nil {
		panic("consumer: Options.Store is required")
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 5
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = retry.DefaultBackoff()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.With(zap.String("consumer_id", consumerID))

	return func(ctx context.Context, env *envelope.Envelope) ProcessingResult {
		start := opts.Now()
		attempt := env.Attempt()
		fields := []zap.Field{
			zap.String("message_id", env.MessageID),
			zap.String("schema", env.Schema),
			zap.Int("attempt", attempt),
		}

		hash, found, err := opts.Store.Lookup(ctx, consumerID, env.MessageID)
		if err != nil {
			return failure(ctx, log, opts, consumerID, env, start, fmt.Errorf("inbox lookup: %w", err), fields)
		}
		if found {
			log.Debug("duplicate delivery skipped", fields...)
			return ProcessingResult{Success: true, ResultHash: hash, Duplicate: true}
		}

		hc := HandlerContext{
			ConsumerID: consumerID,
			Attempt:    attempt,
			MaxRetries: opts.MaxRetries,
			ReceivedAt: start,
			Logger:     log.With(fields...),
		}

		var winner string
		err = opts.Store.RunInTx(ctx, func(tx *sqlx.Tx) error {
			out, err := handler(ctx, tx, env, hc)
			if err != nil {
				return err
			}
			data, err := json.Marshal(out)
			if err != nil {
				return NewError(KindBusiness, "marshal handler result", err)
			}
			sum := sha256.Sum256(data)
			h := hex.EncodeToString(sum[:])

			stored, inserted, err := opts.Store.Record(ctx, tx, model.InboxRecord{
				ConsumerID:  consumerID,
				MessageID:   env.MessageID,
				Schema:      env.Schema,
				ResultHash:  h,
				ResultData:  data,
				ProcessedAt: opts.Now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("inbox record: %w", err)
			}
			winner = stored
			if !inserted {
				// roll back this delivery's effects; the winner's already committed
				return errLostRace
			}
			return nil
		})

		if errors.Is(err, errLostRace) {
			log.Info("concurrent delivery won the inbox race", fields...)
			return ProcessingResult{Success: true, ResultHash: winner, Duplicate: true}
		}
		if err != nil {
			return failure(ctx, log, opts, consumerID, env, start, err, fields)
		}

		record(ctx, opts, consumerID, env, start, true, "")
		log.Debug("message processed", fields...)
		return ProcessingResult{Success: true, ResultHash: winner}
	}
}

func failure(ctx context.Context, log *zap.Logger, opts Options, consumerID string, env *envelope.Envelope, start time.Time, err error, fields []zap.Field) ProcessingResult {
	kind := Classify(err)
	attempt := env.Attempt()
	res := ProcessingResult{Error: err, ErrorKind: kind}

	switch {
	case !kind.Retryable():
		res.DeadLetter = true
	case attempt >= opts.MaxRetries:
		res.DeadLetter = true
	default:
		res.ShouldRetry = true
		res.RetryDelayMs = opts.Backoff.Delay(attempt).Milliseconds()
	}

	record(ctx, opts, consumerID, env, start, false, kind)

	fields = append(fields,
		zap.String("error_kind", kind.String()),
		zap.Bool("should_retry", res.ShouldRetry),
		zap.Bool("dead_letter", res.DeadLetter),
		zap.Int64("retry_delay_ms", res.RetryDelayMs),
		zap.Error(err),
	)
	if res.DeadLetter || kind.OperatorVisible() {
		log.Error("message processing failed", fields...)
	} else {
		log.Warn("message processing failed, will retry", fields...)
	}
	return res
}

func record(ctx context.Context, opts Options, consumerID string, env *envelope.Envelope, start time.Time, ok bool, kind Kind) {
	if opts.Metrics == nil {
		return
	}
	now := opts.Now()
	opts.Metrics.RecordMessage(ctx, model.MessageMetric{
		MessageID:        env.MessageID,
		Schema:           env.Schema,
		ConsumerID:       consumerID,
		ProcessedAt:      now.UTC(),
		ProcessingTimeMs: now.Sub(start).Milliseconds(),
		Success:          ok,
		RetryCount:       env.Attempt() - 1,
		ErrorKind:        string(kind),
	})
}

// Recorders fans one metric out to several recorders.
type Recorders []MetricsRecorder

func (rs Recorders) RecordMessage(ctx context.Context, m model.MessageMetric) {
	for _, r := range rs {
		if r != nil {
			r.RecordMessage(ctx, m)
		}
	}
}
