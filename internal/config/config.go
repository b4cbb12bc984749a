// Package config loads gateway settings from the environment, with an
// optional .env file for development. Command line flags defined in
// the entrypoint override the matching fields after Load.
package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	// Listen is the address the websocket server binds to.
	Listen string `env:"WS_LISTEN" envDefault:"127.0.0.1:8080"`

	// WorkerCount sizes the scheduler for connection serving. Zero
	// means half the available cores.
	WorkerCount int `env:"WS_WORKER_COUNT" envDefault:"0"`

	// ManagerCount is the number of subscription manager shards. Zero
	// means half the available cores minus two, floored at one.
	ManagerCount int `env:"WS_MANAGER_COUNT" envDefault:"0"`

	// Broker selection. NSQ is used when lookup daemons are given,
	// NATS when a URL is set, Kafka when seed brokers are set.
	// Exactly one is required.
	NSQLookup    []string `env:"WS_NSQLOOKUP" envSeparator:","`
	NATSURL      string   `env:"NATS_URL"`
	KafkaBrokers []string `env:"WS_KAFKA_BROKERS" envSeparator:","`

	NSQChannel string `env:"WS_NSQ_CHANNEL" envDefault:"validator-offload"`
	KafkaGroup string `env:"WS_KAFKA_GROUP" envDefault:"validator-offload"`

	AccountTopic string `env:"WS_ACCOUNT_TOPIC" envDefault:"accounts"`
	SlotTopic    string `env:"WS_SLOT_TOPIC" envDefault:"slots"`

	MaxConnections int `env:"WS_MAX_CONNECTIONS" envDefault:"5000"`

	// SessionBuffer bounds the per-session inbox. A session that lags
	// this far behind starts losing notifications.
	SessionBuffer int `env:"WS_SESSION_BUFFER" envDefault:"512"`

	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads the optional .env file, then the environment. The
// entrypoint applies flag overrides on top and calls Validate once
// the picture is complete.
func Load() (*Config, error) {
	// Missing .env is fine, production sets real environment
	// variables.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("WS_LISTEN must not be empty")
	}
	brokers := 0
	if len(c.NSQLookup) > 0 {
		brokers++
	}
	if c.NATSURL != "" {
		brokers++
	}
	if len(c.KafkaBrokers) > 0 {
		brokers++
	}
	if brokers == 0 {
		return fmt.Errorf("a broker is required: set WS_NSQLOOKUP, NATS_URL or WS_KAFKA_BROKERS")
	}
	if brokers > 1 {
		return fmt.Errorf("WS_NSQLOOKUP, NATS_URL and WS_KAFKA_BROKERS are mutually exclusive")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.SessionBuffer < 1 {
		return fmt.Errorf("WS_SESSION_BUFFER must be positive, got %d", c.SessionBuffer)
	}
	if c.WorkerCount < 0 || c.ManagerCount < 0 {
		return fmt.Errorf("worker and manager counts must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	return nil
}

// Workers resolves the effective worker count. GOMAXPROCS reflects
// the container CPU quota once automaxprocs has run.
func (c *Config) Workers() int {
	if c.WorkerCount > 0 {
		return c.WorkerCount
	}
	return max(runtime.GOMAXPROCS(0)/2, 1)
}

// Managers resolves the effective manager shard count.
func (c *Config) Managers() int {
	if c.ManagerCount > 0 {
		return c.ManagerCount
	}
	return max(runtime.GOMAXPROCS(0)/2-2, 1)
}

// NewLogger builds the root logger the whole process derives from.
func (c *Config) NewLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if c.LogFormat == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "validator-offload").
		Logger()
}

// LogConfig records the effective configuration at startup.
func (c *Config) LogConfig(log zerolog.Logger) {
	log.Info().
		Str("listen", c.Listen).
		Int("workers", c.Workers()).
		Int("managers", c.Managers()).
		Strs("nsqlookup", c.NSQLookup).
		Str("nats_url", c.NATSURL).
		Strs("kafka_brokers", c.KafkaBrokers).
		Str("account_topic", c.AccountTopic).
		Str("slot_topic", c.SlotTopic).
		Str("nsq_channel", c.NSQChannel).
		Str("kafka_group", c.KafkaGroup).
		Int("max_connections", c.MaxConnections).
		Int("session_buffer", c.SessionBuffer).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
