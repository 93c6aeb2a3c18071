package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DBConfig holds destination connection parts, used when no DATABASE_URL
// is given.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type Config struct {
	Port        int      `yaml:"port"`
	LogLevel    string   `yaml:"log_level"`
	DatabaseURL string   `yaml:"database_url"`
	DB          DBConfig `yaml:"db"`

	Table      string `yaml:"table"`
	SchemaPath string `yaml:"schema"`
	OutputDir  string `yaml:"output_dir"`

	AnthropicAPIKey  string        `yaml:"anthropic_api_key"`
	AnthropicModel   string        `yaml:"model"`
	AnthropicBaseURL string        `yaml:"anthropic_base_url"`
	Workers          int           `yaml:"workers"`
	MaxAttempts      int           `yaml:"max_attempts"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	GracePeriod      time.Duration `yaml:"grace_period"`

	NatsURL       string `yaml:"nats_url"`
	NatsToken     string `yaml:"nats_token"`
	SlackBotToken string `yaml:"slack_bot_token"`
	SlackChannel  string `yaml:"slack_channel"`
}

func defaults() Config {
	return Config{
		Port:           8760,
		LogLevel:       "info",
		DB:             DBConfig{Port: 5432, SSLMode: "disable"},
		AnthropicModel: "claude-3-sonnet-20240229",
		Workers:        5,
		MaxAttempts:    4,
		CallTimeout:    60 * time.Second,
		GracePeriod:    10 * time.Second,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// SIFT_CONFIG (if any), then environment variables.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("SIFT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Port = envInt("SIFT_PORT", cfg.Port)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = envStr("DATABASE_URL", cfg.DatabaseURL)
	cfg.DB.Host = envStr("DB_HOST", cfg.DB.Host)
	cfg.DB.Port = envInt("DB_PORT", cfg.DB.Port)
	cfg.DB.Name = envStr("DB_NAME", cfg.DB.Name)
	cfg.DB.User = envStr("DB_USER", cfg.DB.User)
	cfg.DB.Password = envStr("DB_PASSWORD", cfg.DB.Password)
	cfg.DB.SSLMode = envStr("DB_SSLMODE", cfg.DB.SSLMode)
	cfg.Table = envStr("SIFT_TABLE", cfg.Table)
	cfg.SchemaPath = envStr("SIFT_SCHEMA", cfg.SchemaPath)
	cfg.OutputDir = envStr("SIFT_OUTPUT_DIR", cfg.OutputDir)
	cfg.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AnthropicModel = envStr("SIFT_MODEL", cfg.AnthropicModel)
	cfg.AnthropicBaseURL = envStr("ANTHROPIC_BASE_URL", cfg.AnthropicBaseURL)
	cfg.Workers = envInt("SIFT_WORKERS", cfg.Workers)
	cfg.MaxAttempts = envInt("SIFT_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.CallTimeout = envDuration("SIFT_CALL_TIMEOUT", cfg.CallTimeout)
	cfg.GracePeriod = envDuration("SIFT_GRACE_PERIOD", cfg.GracePeriod)
	cfg.NatsURL = envStr("NATS_URL", cfg.NatsURL)
	cfg.NatsToken = envStr("NATS_TOKEN", cfg.NatsToken)
	cfg.SlackBotToken = envStr("SLACK_BOT_TOKEN", cfg.SlackBotToken)
	cfg.SlackChannel = envStr("SLACK_CHANNEL", cfg.SlackChannel)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.CallTimeout <= 0 || c.GracePeriod < 0 {
		return fmt.Errorf("call timeout and grace period must be positive")
	}
	return nil
}

// DSN returns DATABASE_URL, or a postgres URL assembled from the DB parts.
// It is empty when neither is configured.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.DB.Host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.DB.Host, strconv.Itoa(c.DB.Port)),
		Path:   "/" + c.DB.Name,
	}
	if c.DB.User != "" {
		if c.DB.Password != "" {
			u.User = url.UserPassword(c.DB.User, c.DB.Password)
		} else {
			u.User = url.User(c.DB.User)
		}
	}
	if c.DB.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.DB.SSLMode}}.Encode()
	}
	return u.String()
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
