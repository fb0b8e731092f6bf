package cmd

import (
	"fmt"
	"os"

	"github.com/jmehdipour/servicing-events/cmd/worker"
	"github.com/jmehdipour/servicing-events/internal/config"
	"github.com/jmehdipour/servicing-events/internal/envelope"
	"github.com/jmehdipour/servicing-events/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "servicing",
		Short: "Loan servicing messaging core",
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}

// bootstrap loads the config and builds the process logger.
func bootstrap() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

func newCodec(cfg config.Config) *envelope.Codec {
	return envelope.NewCodec(envelope.Producer{
		Service:  cfg.Producer.Service,
		Instance: cfg.Producer.Instance,
		Version:  cfg.Producer.Version,
	}, "payment.")
}
