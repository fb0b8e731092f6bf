package cmd

import (
	"fmt"
	"slices"

	"github.com/jmehdipour/servicing-events/internal/broker"
	"github.com/jmehdipour/servicing-events/internal/config"
	"github.com/jmehdipour/servicing-events/internal/dlq"
	"github.com/jmehdipour/servicing-events/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var dlqLimit int

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay a domain's critical dead-letter queue",
}

var dlqInspectCmd = &cobra.Command{
	Use:   "inspect <domain>",
	Short: "Print dead letters without consuming them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQTool(args[0], func(cfg config.Config, tool *dlq.Tool, log *zap.Logger) error {
			items, err := tool.Inspect(cmd.Context(), args[0], dlqLimit)
			if err != nil {
				return err
			}
			return printJSON(items)
		})
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <domain>",
	Short: "Republish dead letters to their original exchange with retry_count reset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQTool(args[0], func(cfg config.Config, tool *dlq.Tool, log *zap.Logger) error {
			n, err := tool.Replay(cmd.Context(), args[0], dlqLimit)
			log.Info("dlq replay finished", zap.String("domain", args[0]), zap.Int("replayed", n))
			return err
		})
	},
}

func init() {
	dlqCmd.PersistentFlags().IntVar(&dlqLimit, "limit", 10, "max messages to read")
	dlqCmd.AddCommand(dlqInspectCmd, dlqReplayCmd)
}

func withDLQTool(domain string, fn func(config.Config, *dlq.Tool, *zap.Logger) error) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if !slices.Contains(cfg.Topology.Domains, domain) {
		return fmt.Errorf("unknown domain %q (configured: %v)", domain, cfg.Topology.Domains)
	}
	metrics.MustRegister(prometheus.DefaultRegisterer)

	conn, ch, err := openRabbit(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()

	pub, err := broker.NewRabbitPublisher(cfg.Broker.RabbitMQ, log)
	if err != nil {
		return err
	}
	defer pub.Close()

	return fn(cfg, dlq.New(ch, pub, log), log)
}
