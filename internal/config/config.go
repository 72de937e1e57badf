// Package config loads application configuration from file and
// environment and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	GitHub    GitHubConfig    `yaml:"github" mapstructure:"github"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Review    ReviewConfig    `yaml:"review" mapstructure:"review"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the webhook/API server.
type ServerConfig struct {
	Port           int    `yaml:"port" mapstructure:"port"`
	WebhookSecret  string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	AllowedOrigins string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// GitHubConfig holds GitHub API credentials and timeouts.
type GitHubConfig struct {
	Token           string `yaml:"token" mapstructure:"token"`
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	CallTimeoutSecs int    `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	PostsPerSecond  int    `yaml:"posts_per_second" mapstructure:"posts_per_second"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key             string `yaml:"key" mapstructure:"key"`
	Model           string `yaml:"model" mapstructure:"model"`
	MaxTokens       int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PatchByteBudget int    `yaml:"patch_byte_budget" mapstructure:"patch_byte_budget"`
}

// ReviewConfig configures pipeline-level review behavior.
type ReviewConfig struct {
	ConfigFileName string `yaml:"config_file_name" mapstructure:"config_file_name"`
	AutoReview     bool   `yaml:"auto_review" mapstructure:"auto_review"`
	MaxRunsPerHour int    `yaml:"max_runs_per_hour" mapstructure:"max_runs_per_hour"`
	// Rules is the operator-stored review rules object, merged into
	// policy resolution between the defaults and the in-repo file.
	Rules map[string]any `yaml:"rules" mapstructure:"rules"`
}

// QueueConfig configures the in-process task queue.
type QueueConfig struct {
	Workers          int `yaml:"workers" mapstructure:"workers"`
	MaxDeliver       int `yaml:"max_deliver" mapstructure:"max_deliver"`
	BufferSize       int `yaml:"buffer_size" mapstructure:"buffer_size"`
	RetryBaseMS      int `yaml:"retry_base_ms" mapstructure:"retry_base_ms"`
	DrainTimeoutSecs int `yaml:"drain_timeout_secs" mapstructure:"drain_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PULLCRIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pullcrit.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("github.call_timeout_secs", 30)
	v.SetDefault("github.posts_per_second", 2)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("anthropic.timeout_secs", 300)
	v.SetDefault("anthropic.patch_byte_budget", 6000)
	v.SetDefault("review.config_file_name", ".pullcrit.yml")
	v.SetDefault("review.auto_review", true)
	v.SetDefault("review.max_runs_per_hour", 60)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.max_deliver", 3)
	v.SetDefault("queue.buffer_size", 256)
	v.SetDefault("queue.retry_base_ms", 500)
	v.SetDefault("queue.drain_timeout_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
