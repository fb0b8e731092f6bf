package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerKafka    = "kafka"
)

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig        `mapstructure:"http"`
	MySQL      DatabaseConfig    `mapstructure:"mysql"`
	ClickHouse DatabaseConfig    `mapstructure:"clickhouse"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Broker     BrokerConfig      `mapstructure:"broker"`
	Topology   TopologyConfig    `mapstructure:"topology"`
	Relay      RelayConfig       `mapstructure:"relay"`
	Consumer   ConsumerConfig    `mapstructure:"consumer"`
	Producer   ProducerConfig    `mapstructure:"producer"`
	RateLimit  RateLimitConfig   `mapstructure:"rate_limit"`
	API        APIConfig         `mapstructure:"api"`
	Log        LogConfig         `mapstructure:"log"`
	Metrics    MetricsSinkConfig `mapstructure:"metrics"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type BrokerConfig struct {
	Kind     string         `mapstructure:"kind"` // rabbitmq | kafka
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type RabbitMQConfig struct {
	URL            string        `mapstructure:"url"`
	ManagementURL  string        `mapstructure:"management_url"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	VHost          string        `mapstructure:"vhost"`
	Prefetch       int           `mapstructure:"prefetch"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type TopologyConfig struct {
	Domains       []string        `mapstructure:"domains"`
	DeliveryLimit int             `mapstructure:"delivery_limit"`
	DLQMessageTTL time.Duration   `mapstructure:"dlq_message_ttl"`
	Migration     MigrationConfig `mapstructure:"migration"`
}

type MigrationConfig struct {
	Whitelist []string `mapstructure:"whitelist"`
	Force     bool     `mapstructure:"force"`
}

type RelayConfig struct {
	Workers      int           `mapstructure:"workers"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	Breaker      BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type ConsumerConfig struct {
	ID            string        `mapstructure:"id"`
	Queue         string        `mapstructure:"queue"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	MaxJitter     float64       `mapstructure:"max_jitter"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type ProducerConfig struct {
	Service  string `mapstructure:"service"`
	Instance string `mapstructure:"instance"`
	Version  string `mapstructure:"version"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

type APIConfig struct {
	Keys []string `mapstructure:"keys"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsSinkConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	BatchWait time.Duration `mapstructure:"batch_wait"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (SERVICING_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (SERVICING_MYSQL_DSN, SERVICING_BROKER_KIND, ...)
	v.SetEnvPrefix("SERVICING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations no component could run with.
func (c Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerRabbitMQ, BrokerKafka:
	default:
		return fmt.Errorf("config: unknown broker kind %q", c.Broker.Kind)
	}
	if len(c.Topology.Domains) == 0 {
		return fmt.Errorf("config: topology.domains must not be empty")
	}
	if c.Relay.Workers <= 0 || c.Consumer.Workers <= 0 {
		return fmt.Errorf("config: worker counts must be positive (relay=%d consumer=%d)", c.Relay.Workers, c.Consumer.Workers)
	}
	if c.Consumer.MaxRetries < 1 {
		return fmt.Errorf("config: consumer.max_retries must be >= 1, got %d", c.Consumer.MaxRetries)
	}
	if strings.TrimSpace(c.Consumer.ID) == "" {
		return fmt.Errorf("config: consumer.id is required")
	}
	if c.Broker.Kind == BrokerRabbitMQ && c.Broker.RabbitMQ.Prefetch > 0 {
		// parked retries stay unacked, the processors still need room
		if inFlight := c.Consumer.Workers + c.Consumer.QueueSize; c.Broker.RabbitMQ.Prefetch <= inFlight {
			return fmt.Errorf("config: broker.rabbitmq.prefetch (%d) must exceed consumer workers + queue_size (%d)",
				c.Broker.RabbitMQ.Prefetch, inFlight)
		}
	}
	return nil
}
