package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jmehdipour/servicing-events/internal/broker"
	"github.com/jmehdipour/servicing-events/internal/config"
	"github.com/jmehdipour/servicing-events/internal/topology"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	migrateWhitelist []string
	migrateForce     bool
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Declare, check and migrate the RabbitMQ topology",
}

var topologyDeclareCmd = &cobra.Command{
	Use:   "declare",
	Short: "Declare every exchange, queue and binding (idempotent)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		conn, ch, err := openRabbit(cfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer ch.Close()

		t := topology.Expected(cfg.Topology.Domains, topologyOptions(cfg))
		if err := topology.Declare(ch, t); err != nil {
			return err
		}
		log.Info("topology declared",
			zap.Strings("domains", t.Domains), zap.Int("queues", len(t.Queues)), zap.Int("bindings", len(t.Bindings)))
		return nil
	},
}

var topologyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the live broker with the declared topology; non-zero exit on a missing DLQ",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := bootstrap()
		if err != nil {
			return err
		}
		if cfg.Broker.Kind != config.BrokerRabbitMQ {
			return errors.New("topology check needs broker.kind=rabbitmq")
		}

		t := topology.Expected(cfg.Topology.Domains, topologyOptions(cfg))
		rep, err := topology.Check(cmd.Context(), managementClient(cfg), t)
		if err != nil {
			return err
		}
		if err := printJSON(rep); err != nil {
			return err
		}
		return rep.Err()
	},
}

var topologyMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the live broker in line, creating successor queues for non-empty mismatches",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		conn, ch, err := openRabbit(cfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer ch.Close()

		policy := topology.Policy{
			Whitelist: append(append([]string(nil), cfg.Topology.Migration.Whitelist...), migrateWhitelist...),
			Force:     cfg.Topology.Migration.Force || migrateForce,
		}
		t := topology.Expected(cfg.Topology.Domains, topologyOptions(cfg))
		actions, err := topology.Migrate(cmd.Context(), ch, managementClient(cfg), t, policy, log)
		if perr := printJSON(actions); perr != nil && err == nil {
			err = perr
		}
		return err
	},
}

func init() {
	topologyMigrateCmd.Flags().StringSliceVar(&migrateWhitelist, "whitelist", nil, "queues that may be deleted and recreated when empty")
	topologyMigrateCmd.Flags().BoolVar(&migrateForce, "force", false, "delete and recreate mismatched queues even when they hold messages")

	topologyCmd.AddCommand(topologyDeclareCmd, topologyCheckCmd, topologyMigrateCmd)
}

func openRabbit(cfg config.Config) (*amqp.Connection, *amqp.Channel, error) {
	if cfg.Broker.Kind != config.BrokerRabbitMQ {
		return nil, nil, fmt.Errorf("broker.kind=%s has no AMQP topology", cfg.Broker.Kind)
	}
	conn, err := broker.DialRabbitMQ(cfg.Broker.RabbitMQ)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	return conn, ch, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
