// Package config loads process configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration for both the engine and the gateway.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		// OrderQueue is the shared list the order-submission API pushes to.
		OrderQueue string `mapstructure:"order_queue"`
	} `mapstructure:"redis"`

	Database struct {
		// Driver is "postgres" or "sqlite".
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Engine struct {
		CheckpointPath     string        `mapstructure:"checkpoint_path"`
		CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
		SummaryInterval    time.Duration `mapstructure:"summary_interval"`
		QueuePollTimeout   time.Duration `mapstructure:"queue_poll_timeout"`
		// Markets seeds event identifiers whose yes/no books exist at boot.
		Markets []string `mapstructure:"markets"`
		// SeedFunds is deposited for each listed user when no checkpoint exists.
		SeedFunds map[string]string `mapstructure:"seed_funds"`
	} `mapstructure:"engine"`

	Gateway struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"gateway"`
}

// Load reads binex.yaml (when present) and BINEX_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("binex")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/binex")
	v.SetEnvPrefix("BINEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.order_queue", "messages")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "binex.db")

	v.SetDefault("engine.checkpoint_path", "checkpoints")
	v.SetDefault("engine.checkpoint_interval", 30*time.Second)
	v.SetDefault("engine.summary_interval", 5*time.Second)
	v.SetDefault("engine.queue_poll_timeout", 500*time.Millisecond)
	v.SetDefault("engine.markets", []string{})

	v.SetDefault("gateway.addr", ":8080")
}
