// Package config loads the server configuration from YAML.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// MarketConfig names a market by its currency symbols
type MarketConfig struct {
	Base  string `yaml:"base"`
	Quote string `yaml:"quote"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type EngineConfig struct {
	CommandBuffer int `yaml:"command_buffer"`
	// OrderTTL of zero disables the expiry sweeper
	OrderTTL      time.Duration `yaml:"order_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type APIConfig struct {
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	BookDepth         int           `yaml:"book_depth"`
}

// KafkaConfig enables fill events when Brokers is not empty
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Config struct {
	ListenAddr  string         `yaml:"listen_addr"`
	Storage     string         `yaml:"storage"`
	DatabaseURL string         `yaml:"database_url"`
	Log         LogConfig      `yaml:"log"`
	Auth        AuthConfig     `yaml:"auth"`
	Engine      EngineConfig   `yaml:"engine"`
	API         APIConfig      `yaml:"api"`
	Kafka       KafkaConfig    `yaml:"kafka"`
	Markets     []MarketConfig `yaml:"markets"`
}

// Default returns a configuration that runs in memory with a single BTC-USD market
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Storage:    StorageMemory,
		Log:        LogConfig{Level: "info"},
		Auth:       AuthConfig{Secret: "dev-secret", TokenTTL: 24 * time.Hour},
		Engine: EngineConfig{
			CommandBuffer: 1024,
			SweepInterval: time.Minute,
		},
		API: APIConfig{
			BroadcastInterval: 5 * time.Second,
			RequestTimeout:    10 * time.Second,
			BookDepth:         20,
		},
		Kafka:   KafkaConfig{Topic: "fills"},
		Markets: []MarketConfig{{Base: "BTC", Quote: "USD"}},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
// DATABASE_URL, when set, overrides database_url.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "failed to read config")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "failed to parse config %s", path)
		}
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.DatabaseURL = url
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can start a server
func (c Config) Validate() error {
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("storage postgres needs database_url")
		}
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}
	if c.Engine.CommandBuffer <= 0 {
		return errors.New("engine.command_buffer must be positive")
	}
	if c.Engine.OrderTTL < 0 {
		return errors.New("engine.order_ttl cannot be negative")
	}
	if c.Engine.OrderTTL > 0 && c.Engine.SweepInterval <= 0 {
		return errors.New("engine.sweep_interval must be positive when order_ttl is set")
	}
	if c.API.BroadcastInterval <= 0 {
		return errors.New("api.broadcast_interval must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required with brokers")
	}
	if len(c.Markets) == 0 {
		return errors.New("at least one market is required")
	}
	seen := make(map[string]bool, len(c.Markets))
	for _, m := range c.Markets {
		if m.Base == "" || m.Quote == "" {
			return errors.Errorf("market %q/%q is incomplete", m.Base, m.Quote)
		}
		if m.Base == m.Quote {
			return errors.Errorf("market %s trades against itself", m.Base)
		}
		key := m.Base + "-" + m.Quote
		if seen[key] {
			return errors.Errorf("market %s is listed twice", key)
		}
		seen[key] = true
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

// Logger builds the zap logger described by c.Log
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log.level")
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
