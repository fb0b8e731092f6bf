package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/servicing-events/internal/broker"
	"github.com/jmehdipour/servicing-events/internal/envelope"
	"github.com/jmehdipour/servicing-events/internal/metrics"
	"go.uber.org/zap"
)

// Worker:
// - receives deliveries in one blocking loop,
// - fans them out over a bounded queue to N processors,
// - acks only after the idempotent handler returned.
type Worker struct {
	// Dependencies
	Consumer broker.Consumer
	Router   *Router
	Logger   *zap.Logger

	// Behavior
	ConsumerID    string
	Workers       int           // processor goroutines
	QueueSize     int           // received but not yet processing
	ShutdownGrace time.Duration // max wait for in-flight handlers
	AckTimeout    time.Duration
}

func NewWorker(c broker.Consumer, r *Router, consumerID string, log *zap.Logger) *Worker {
	return &Worker{
		Consumer:      c,
		Router:        r,
		Logger:        log,
		ConsumerID:    consumerID,
		Workers:       16,
		QueueSize:     64,
		ShutdownGrace: 15 * time.Second,
		AckTimeout:    5 * time.Second,
	}
}

// Run blocks until ctx is cancelled and every received delivery has been
// acked, requeued or dead-lettered. It returns an error wrapping
// broker.ErrClosed when the broker consumer goes away underneath it.
func (w *Worker) Run(ctx context.Context) error {
	if w.Consumer == nil || w.Router == nil {
		return errors.New("consumer: worker needs a broker consumer and a router")
	}
	if w.Workers <= 0 {
		w.Workers = 16
	}
	if w.QueueSize <= 0 {
		w.QueueSize = w.Workers * 2
	}
	if w.AckTimeout <= 0 {
		w.AckTimeout = 5 * time.Second
	}
	if w.Logger == nil {
		w.Logger = zap.NewNop()
	}
	log := w.Logger.With(zap.String("consumer_id", w.ConsumerID))

	// handlers outlive ctx by up to ShutdownGrace
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	msgCh := make(chan broker.Delivery, w.QueueSize)

	// Fetcher goroutine
	var fetchErr error
	fetchDone := make(chan struct{})
	go func() {
		defer close(fetchDone)
		defer close(msgCh)
		for {
			d, err := w.Consumer.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, broker.ErrClosed) {
					log.Error("broker consumer closed")
					fetchErr = err
					return
				}
				log.Warn("receive failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case msgCh <- d:
			case <-ctx.Done():
				w.requeue(d, 0, log)
				return
			}
		}
	}()

	// Start processors
	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range msgCh {
				if ctx.Err() != nil {
					// shutting down: not started, hand it back
					w.requeue(d, 0, log)
					continue
				}
				w.processOne(handlerCtx, d, log)
			}
		}()
	}

	log.Info("consumer worker started", zap.Int("workers", w.Workers), zap.Int("queue_size", w.QueueSize))

	select {
	case <-ctx.Done():
	case <-fetchDone:
	}
	<-fetchDone

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(w.ShutdownGrace):
		log.Warn("shutdown grace elapsed, cancelling in-flight handlers", zap.Duration("grace", w.ShutdownGrace))
		cancelHandlers()
		<-drained
	}
	if fetchErr != nil {
		return fmt.Errorf("consumer %s: %w", w.ConsumerID, fetchErr)
	}
	log.Info("consumer worker stopped")
	return nil
}

func (w *Worker) processOne(ctx context.Context, d broker.Delivery, log *zap.Logger) {
	env, err := envelope.Decode(d.Body())
	if err != nil {
		log.Error("undecodable message, dead-lettering", zap.Error(err))
		metrics.ConsumerOutcomes.WithLabelValues(w.ConsumerID, "", "malformed").Inc()
		w.deadLetter(d, KindValidation.String(), log)
		return
	}
	// a broker-side redelivery does not touch the body
	if n := d.DeliveryCount(); n > env.RetryCount {
		env.RetryCount = n
	}

	fields := []zap.Field{
		zap.String("message_id", env.MessageID),
		zap.String("schema", env.Schema),
		zap.Int("attempt", env.Attempt()),
	}

	fn, ok := w.Router.Route(env.Schema)
	if !ok {
		log.Info("no handler for schema, acking", fields...)
		metrics.ConsumerOutcomes.WithLabelValues(w.ConsumerID, env.Schema, "ignored").Inc()
		w.ack(d, log)
		return
	}

	start := time.Now()
	res := fn(ctx, env)
	metrics.HandlerDuration.WithLabelValues(w.ConsumerID, env.Schema).Observe(time.Since(start).Seconds())

	switch {
	case res.Success:
		outcome := "processed"
		if res.Duplicate {
			outcome = "duplicate"
		}
		metrics.ConsumerOutcomes.WithLabelValues(w.ConsumerID, env.Schema, outcome).Inc()
		w.ack(d, log)
	case ctx.Err() != nil:
		// handler cancelled by shutdown
		metrics.ConsumerOutcomes.WithLabelValues(w.ConsumerID, env.Schema, "interrupted").Inc()
		w.requeue(d, 0, log)
	case res.DeadLetter:
		metrics.ConsumerOutcomes.WithLabelValues(w.ConsumerID, env.Schema, "dead_lettered").Inc()
		metrics.DeadLettered.WithLabelValues(env.Domain(), string(res.ErrorKind)).Inc()
		w.deadLetter(d, string(res.ErrorKind), log.With(fields...))
	case res.ShouldRetry:
		metrics.ConsumerOutcomes.WithLabelValues(w.ConsumerID, env.Schema, "retried").Inc()
		w.requeue(d, time.Duration(res.RetryDelayMs)*time.Millisecond, log.With(fields...))
	default:
		log.Error("processing result has no decision, requeueing", fields...)
		w.requeue(d, 0, log)
	}
}

func (w *Worker) ack(d broker.Delivery, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), w.AckTimeout)
	defer cancel()
	if err := d.Ack(ctx); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}

func (w *Worker) requeue(d broker.Delivery, delay time.Duration, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), w.AckTimeout)
	defer cancel()
	if err := d.Requeue(ctx, delay); err != nil {
		log.Error("requeue failed", zap.Duration("delay", delay), zap.Error(err))
	}
}

func (w *Worker) deadLetter(d broker.Delivery, reason string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), w.AckTimeout)
	defer cancel()
	if err := d.DeadLetter(ctx, reason); err != nil {
		log.Error("dead-letter failed", zap.String("reason", reason), zap.Error(err))
	}
}
