package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"otto/internal/observability"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	Debug          bool     `mapstructure:"debug"`
}

// SlackConfig holds the messaging-integration credentials.
type SlackConfig struct {
	SigningSecret string `mapstructure:"signing_secret"`
	BotToken      string `mapstructure:"bot_token"`
	BotUserID     string `mapstructure:"bot_user_id"`
}

// DispatchConfig tunes the task worker pool.
type DispatchConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
}

// RetryConfig tunes outbound-call resilience.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BaseDelayMS      int `mapstructure:"base_delay_ms"`
	MaxDelayMS       int `mapstructure:"max_delay_ms"`
	AttemptTimeoutMS int `mapstructure:"attempt_timeout_ms"`
}

// BaseDelay returns the configured base delay as a duration.
func (r RetryConfig) BaseDelay() time.Duration { return time.Duration(r.BaseDelayMS) * time.Millisecond }

// MaxDelay returns the configured cap as a duration.
func (r RetryConfig) MaxDelay() time.Duration { return time.Duration(r.MaxDelayMS) * time.Millisecond }

// AttemptTimeout returns the per-attempt deadline as a duration.
func (r RetryConfig) AttemptTimeout() time.Duration {
	return time.Duration(r.AttemptTimeoutMS) * time.Millisecond
}

// LoggingConfig selects the log backend behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig                `mapstructure:"server"`
	Slack    SlackConfig                 `mapstructure:"slack"`
	Dispatch DispatchConfig              `mapstructure:"dispatch"`
	Retry    RetryConfig                 `mapstructure:"retry"`
	Logging  LoggingConfig               `mapstructure:"logging"`
	Tracing  observability.TracingConfig `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.debug", false)
	v.SetDefault("dispatch.queue_size", 64)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_ms", 10000)
	v.SetDefault("retry.attempt_timeout_ms", 8000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "otto")
}

// Load reads otto-config.yaml from the given path (or $HOME and the working
// directory when empty), overlays OTTO_* environment variables, and
// unmarshals into a Config. A missing config file is not an error; the
// defaults plus environment stand alone.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("otto-config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("OTTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("dispatch queue_size must be positive")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch workers must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive")
	}
	return nil
}
