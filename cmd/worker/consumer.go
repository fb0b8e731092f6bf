package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/servicing-events/internal/broker"
	"github.com/jmehdipour/servicing-events/internal/consumer"
	"github.com/jmehdipour/servicing-events/internal/db"
	"github.com/jmehdipour/servicing-events/internal/envelope"
	"github.com/jmehdipour/servicing-events/internal/metrics"
	"github.com/jmehdipour/servicing-events/internal/payment"
	"github.com/jmehdipour/servicing-events/internal/repository"
	"github.com/jmehdipour/servicing-events/internal/retry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	consumerQueue string
	consumerID    string
)

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Run the payment processor behind the idempotent consumer",
	RunE:  runConsumer,
}

func init() {
	consumerCmd.Flags().StringVar(&consumerQueue, "queue", "", "queue to consume (default consumer.queue)")
	consumerCmd.Flags().StringVar(&consumerID, "id", "", "inbox consumer id (default consumer.id)")
}

func runConsumer(cmd *cobra.Command, _ []string) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	queue := firstNonEmpty(consumerQueue, cfg.Consumer.Queue)
	id := firstNonEmpty(consumerID, cfg.Consumer.ID)
	if _, err := broker.DomainOfQueue(queue); err != nil {
		return err
	}

	dbx, err := db.NewMySQLConnection(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	defer chDB.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := repository.NewMetricsSink(repository.NewCHMetricsRepository(chDB),
		cfg.Metrics.BatchSize, cfg.Metrics.BatchWait, log.Named("metrics"))
	stopSink := sink.Start()
	defer stopSink()

	codec := envelope.NewCodec(envelope.Producer{
		Service:  cfg.Producer.Service,
		Instance: cfg.Producer.Instance,
		Version:  cfg.Producer.Version,
	}, "payment.")

	proc := payment.NewProcessor(
		repository.NewPaymentsRepository(dbx),
		repository.NewLedgerRepository(dbx),
		repository.NewOutboxRepository(dbx),
		codec,
		log.Named("payment"),
	)

	router := consumer.NewRouter()
	proc.Register(router, id, consumer.Options{
		Store:      repository.NewInboxRepository(dbx),
		MaxRetries: cfg.Consumer.MaxRetries,
		Backoff: retry.Backoff{
			Base:      cfg.Consumer.BaseDelay,
			Max:       cfg.Consumer.MaxDelay,
			MaxJitter: cfg.Consumer.MaxJitter,
		},
		Metrics: consumer.Recorders{sink, metrics.Recorder{}},
		Logger:  log.Named("consumer"),
	})

	c, err := broker.NewConsumer(cfg.Broker, queue, log.Named("broker"))
	if err != nil {
		return fmt.Errorf("broker consumer: %w", err)
	}
	defer c.Close()

	w := consumer.NewWorker(c, router, id, log.Named("worker"))
	if cfg.Consumer.Workers > 0 {
		w.Workers = cfg.Consumer.Workers
	}
	if cfg.Consumer.QueueSize > 0 {
		w.QueueSize = cfg.Consumer.QueueSize
	}
	if cfg.Consumer.ShutdownGrace > 0 {
		w.ShutdownGrace = cfg.Consumer.ShutdownGrace
	}

	log.Info("consumer started",
		zap.String("queue", queue), zap.String("consumer_id", id),
		zap.Strings("schemas", router.Schemas()), zap.Int("workers", w.Workers))

	err = w.Run(ctx)
	stopSink()
	if dropped := sink.Dropped(); dropped > 0 {
		log.Warn("metrics dropped under backpressure", zap.Int64("dropped", dropped))
	}
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
