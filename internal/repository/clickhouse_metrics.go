package repository

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jmehdipour/servicing-events/internal/model"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// CHMetricsRepository stores message_metrics in ClickHouse.
type CHMetricsRepository interface {
	InsertBatch(ctx context.Context, rows []model.MessageMetric) error
	SLO(ctx context.Context, since time.Time) ([]model.SLOSummary, error)
}

type chMetricsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHMetricsRepository(ch *sqlx.DB) CHMetricsRepository {
	return &chMetricsRepository{ch: ch}
}

// InsertBatch sends rows as one ClickHouse block (prepare + exec per row + commit).
func (r *chMetricsRepository) InsertBatch(ctx context.Context, rows []model.MessageMetric) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message_metrics
		    (message_id, schema_name, consumer_id, processed_at, processing_time_ms, success, retry_count, error_kind)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range rows {
		if _, err := stmt.ExecContext(ctx,
			m.MessageID, m.Schema, m.ConsumerID, m.ProcessedAt, m.ProcessingTimeMs, m.Success, m.RetryCount, m.ErrorKind,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *chMetricsRepository) SLO(ctx context.Context, since time.Time) ([]model.SLOSummary, error) {
	const q = `
		SELECT
		    consumer_id,
		    schema_name,
		    count()                              AS total,
		    countIf(success)                     AS succeeded,
		    succeeded / total                    AS success_rate,
		    quantile(0.95)(processing_time_ms)   AS p95_ms
		FROM message_metrics
		WHERE processed_at >= ?
		GROUP BY consumer_id, schema_name
		ORDER BY consumer_id, schema_name
	`
	var rows []model.SLOSummary
	if err := r.ch.SelectContext(ctx, &rows, q, since.UTC()); err != nil {
		return nil, err
	}
	return rows, nil
}

// MetricsSink buffers metrics and flushes them to ClickHouse by size or time.
// RecordMessage never blocks the consumer; when the buffer is full the
// metric is dropped and counted.
type MetricsSink struct {
	repo      CHMetricsRepository
	in        chan model.MessageMetric
	batchSize int
	batchWait time.Duration
	log       *zap.Logger
	dropped   atomic.Int64
}

func NewMetricsSink(repo CHMetricsRepository, batchSize int, batchWait time.Duration, log *zap.Logger) *MetricsSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	if batchWait <= 0 {
		batchWait = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MetricsSink{
		repo:      repo,
		in:        make(chan model.MessageMetric, batchSize*4),
		batchSize: batchSize,
		batchWait: batchWait,
		log:       log,
	}
}

func (s *MetricsSink) RecordMessage(_ context.Context, m model.MessageMetric) {
	select {
	case s.in <- m:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports metrics discarded because the buffer was full.
func (s *MetricsSink) Dropped() int64 { return s.dropped.Load() }

// Start runs the sink detached from any caller context. The returned stop
// func ends the loop and blocks until the final flush is done; calling it
// again is a no-op.
func (s *MetricsSink) Start() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// Run does size/time-based flushes until ctx is cancelled, then flushes what
// is left.
func (s *MetricsSink) Run(ctx context.Context) {
	tick := time.NewTicker(s.batchWait)
	defer tick.Stop()

	buf := make([]model.MessageMetric, 0, s.batchSize)

	flush := func(ctx context.Context) {
		if len(buf) == 0 {
			return
		}
		if err := s.repo.InsertBatch(ctx, buf); err != nil {
			s.log.Error("metrics flush failed", zap.Int("rows", len(buf)), zap.Error(err))
		} else {
			s.log.Debug("metrics flushed", zap.Int("rows", len(buf)))
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case m := <-s.in:
					buf = append(buf, m)
				default:
					break drain
				}
			}
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(fctx)
			cancel()
			return

		case m := <-s.in:
			buf = append(buf, m)
			if len(buf) >= s.batchSize {
				flush(ctx)
			}

		case <-tick.C:
			flush(ctx)
		}
	}
}
