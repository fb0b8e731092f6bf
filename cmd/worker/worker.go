package worker

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jmehdipour/servicing-events/internal/config"
	httpSrv "github.com/jmehdipour/servicing-events/internal/http"
	"github.com/jmehdipour/servicing-events/internal/logger"
	"github.com/jmehdipour/servicing-events/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var metricsAddr string

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9100", "prometheus listen address (empty disables)")

	// attach subcommands
	cmd.AddCommand(relayCmd)
	cmd.AddCommand(consumerCmd)

	return cmd
}

func bootstrap(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)
	serveMetrics(log)
	return cfg, log, nil
}

func serveMetrics(log *zap.Logger) {
	if metricsAddr == "" {
		return
	}
	srv := httpSrv.NewMetricsServer(log.Named("metrics"))
	go func() {
		if err := srv.Start(metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics listener stopped", zap.String("addr", metricsAddr), zap.Error(err))
		}
	}()
}
