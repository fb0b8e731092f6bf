package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/servicing-events/internal/broker"
	"github.com/jmehdipour/servicing-events/internal/config"
	"github.com/jmehdipour/servicing-events/internal/db"
	"github.com/jmehdipour/servicing-events/internal/dlq"
	httpSrv "github.com/jmehdipour/servicing-events/internal/http"
	"github.com/jmehdipour/servicing-events/internal/payment"
	"github.com/jmehdipour/servicing-events/internal/ratelimit"
	"github.com/jmehdipour/servicing-events/internal/repository"
	"github.com/jmehdipour/servicing-events/internal/topology"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the payment ingress and ops HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		svc := payment.NewService(
			repository.NewPaymentsRepository(mysqlDB),
			repository.NewOutboxRepository(mysqlDB),
			newCodec(cfg),
			log.Named("payment"),
		)

		deps := httpSrv.Deps{
			Payments: svc,
			SLO:      repository.NewCHMetricsRepository(chDB),
			Limiter:  ratelimit.New(redisClient, cfg.RateLimit.RPS, time.Second, "rl:api:"),
			Logger:   log.Named("http"),
			Health: func(ctx context.Context) error {
				if err := mysqlDB.PingContext(ctx); err != nil {
					return fmt.Errorf("mysql: %w", err)
				}
				return redisClient.Ping(ctx).Err()
			},
		}

		// DLQ and topology tooling speak AMQP and the management API.
		if cfg.Broker.Kind == config.BrokerRabbitMQ {
			closeOps, err := wireRabbitOps(cfg, log, &deps)
			if err != nil {
				return err
			}
			defer closeOps()
		}

		server := httpSrv.NewServer(cfg, deps)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server exited", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}

func topologyOptions(cfg config.Config) topology.Options {
	return topology.Options{
		DeliveryLimit: cfg.Topology.DeliveryLimit,
		DLQMessageTTL: cfg.Topology.DLQMessageTTL,
	}
}

func managementClient(cfg config.Config) *topology.ManagementClient {
	rc := cfg.Broker.RabbitMQ
	return topology.NewManagementClient(rc.ManagementURL, rc.User, rc.Password, rc.VHost)
}

func wireRabbitOps(cfg config.Config, log *zap.Logger, deps *httpSrv.Deps) (func(), error) {
	conn, err := broker.DialRabbitMQ(cfg.Broker.RabbitMQ)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	pub, err := broker.NewRabbitPublisher(cfg.Broker.RabbitMQ, log.Named("dlq"))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	deps.DeadLetters = dlq.New(ch, pub, log.Named("dlq"))

	expected := topology.Expected(cfg.Topology.Domains, topologyOptions(cfg))
	mgmt := managementClient(cfg)
	deps.Topology = func(ctx context.Context) (topology.Report, error) {
		return topology.Check(ctx, mgmt, expected)
	}

	return func() {
		_ = pub.Close()
		_ = ch.Close()
		_ = conn.Close()
	}, nil
}
