package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jmehdipour/servicing-events/internal/broker"
	"github.com/jmehdipour/servicing-events/internal/db"
	"github.com/jmehdipour/servicing-events/internal/relay"
	"github.com/jmehdipour/servicing-events/internal/repository"
	"github.com/jmehdipour/servicing-events/internal/retry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var relayWorkers int

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish committed outbox rows to the broker",
	RunE:  runRelay,
}

func init() {
	relayCmd.Flags().IntVar(&relayWorkers, "workers", 0, "concurrent relay loops (0 uses relay.workers)")
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	dbx, err := db.NewMySQLConnection(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	pub, err := broker.NewPublisher(cfg.Broker, log.Named("broker"))
	if err != nil {
		return fmt.Errorf("broker publisher: %w", err)
	}
	defer pub.Close()

	outbox := repository.NewOutboxRepository(dbx)

	n := relayWorkers
	if n <= 0 {
		n = cfg.Relay.Workers
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("relay started", zap.String("broker", cfg.Broker.Kind), zap.Int("workers", n))

	// SKIP LOCKED lets the loops claim disjoint batches.
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		r := relay.New(outbox, pub, log.Named("relay"))
		r.ID = fmt.Sprintf("relay-%d", i)
		if cfg.Relay.BatchSize > 0 {
			r.BatchSize = cfg.Relay.BatchSize
		}
		if cfg.Relay.PollInterval > 0 {
			r.PollInterval = cfg.Relay.PollInterval
		}
		if cfg.Relay.StaleAfter > 0 {
			r.StaleAfter = cfg.Relay.StaleAfter
		}
		if cfg.Relay.BackoffBase > 0 {
			r.Backoff = retry.Backoff{Base: cfg.Relay.BackoffBase, Max: cfg.Relay.BackoffMax, MaxJitter: 0.2}
		}
		if cfg.Relay.Breaker.FailThreshold > 0 {
			r.Breaker = relay.NewBreaker(cfg.Relay.Breaker.FailThreshold,
				time.Duration(cfg.Relay.Breaker.OpenForMs)*time.Millisecond)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Run(ctx)
		}()
	}
	wg.Wait()
	return nil
}
