// Package config provides configuration for the switchboard.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the switchboard configuration.
type Config struct {
	// Server settings
	HTTPPort     int `yaml:"http_port"`     // External API, SSE and WebSocket
	InternalPort int `yaml:"internal_port"` // Webhook ingestion and connection management
	RPCPort      int `yaml:"rpc_port"`      // Internal JSON-RPC

	// Runtime
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	// Storage
	DatabaseDriver string `yaml:"database_driver"` // sqlite or postgres
	DatabaseURL    string `yaml:"database_url"`
	CredentialsKey string `yaml:"credentials_key"`

	// Redis backs the rate limiter and the event bus when set.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Kafka mirror for domain events; disabled when no brokers are set.
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	// Rate limiting
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	RateLimitPrefix   string        `yaml:"rate_limit_prefix"`

	// Retry executor
	RetryMaxRetries      int           `yaml:"retry_max_retries"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay        time.Duration `yaml:"retry_max_delay"`
	BrokerAttemptTimeout time.Duration `yaml:"broker_attempt_timeout"`

	// Brokers
	BrokerMode            string `yaml:"broker_mode"` // live or mock
	BrokerStrictProviders bool   `yaml:"broker_strict_providers"`
	UazapiBaseURL         string `yaml:"uazapi_base_url"`
	CloudAPIBaseURL       string `yaml:"cloudapi_base_url"`
	CloudAPIVersion       string `yaml:"cloudapi_version"`
	TelegramAPIEndpoint   string `yaml:"telegram_api_endpoint"`

	// Sessions
	SessionTimeout       time.Duration `yaml:"session_timeout"`
	ReplyWindow          time.Duration `yaml:"reply_window"`
	InactivitySweepSpec  string        `yaml:"inactivity_sweep_spec"`
	PauseResumeSweepSpec string        `yaml:"pause_resume_sweep_spec"`

	// AI autopilot; disabled when AgentEndpoint is empty.
	AgentEndpoint      string        `yaml:"agent_endpoint"`
	AgentTimeout       time.Duration `yaml:"agent_timeout"`
	AgentMaxConcurrent int           `yaml:"agent_max_concurrent"`

	// WebSocket settings
	WSAPIKey         string        `yaml:"ws_api_key"`
	WSPingInterval   time.Duration `yaml:"ws_ping_interval"`
	WSWriteTimeout   time.Duration `yaml:"ws_write_timeout"`
	WSReadTimeout    time.Duration `yaml:"ws_read_timeout"`
	WSMaxMessageSize int64         `yaml:"ws_max_message_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:     8080,
		InternalPort: 8081,
		RPCPort:      8082,

		Env:      "development",
		LogLevel: "info",

		DatabaseDriver: "sqlite",
		DatabaseURL:    "switchboard.db",

		KafkaTopic: "switchboard.events",

		RateLimitRequests: 20,
		RateLimitWindow:   60 * time.Second,
		RateLimitPrefix:   "ratelimit:session",

		RetryMaxRetries:      2,
		RetryBaseDelay:       time.Second,
		RetryMaxDelay:        5 * time.Second,
		BrokerAttemptTimeout: 15 * time.Second,

		BrokerMode:          "live",
		UazapiBaseURL:       "https://free.uazapi.com",
		CloudAPIBaseURL:     "https://graph.facebook.com",
		CloudAPIVersion:     "v21.0",
		TelegramAPIEndpoint: "https://api.telegram.org/bot%s/%s",

		SessionTimeout:       24 * time.Hour,
		ReplyWindow:          24 * time.Hour,
		InactivitySweepSpec:  "@every 5m",
		PauseResumeSweepSpec: "@every 1m",

		AgentTimeout:       2 * time.Minute,
		AgentMaxConcurrent: 8,

		WSPingInterval:   30 * time.Second,
		WSWriteTimeout:   10 * time.Second,
		WSReadTimeout:    60 * time.Second,
		WSMaxMessageSize: 65536,
	}
}

// Load reads .env (if present), the optional YAML file named by CONFIG_FILE,
// then environment variables. Later sources win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.InternalPort = getEnvInt("INTERNAL_PORT", c.InternalPort)
	c.RPCPort = getEnvInt("RPC_PORT", c.RPCPort)

	c.Env = getEnv("APP_ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.DatabaseDriver = getEnv("DATABASE_DRIVER", c.DatabaseDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.CredentialsKey = getEnv("CREDENTIALS_KEY", c.CredentialsKey)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.KafkaBrokers = splitList(brokers)
	}
	c.KafkaTopic = getEnv("KAFKA_TOPIC", c.KafkaTopic)

	c.RateLimitRequests = getEnvInt("RATE_LIMIT_REQUESTS", c.RateLimitRequests)
	c.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW_SECONDS", time.Second, c.RateLimitWindow)
	c.RateLimitPrefix = getEnv("RATE_LIMIT_PREFIX", c.RateLimitPrefix)

	c.RetryMaxRetries = getEnvInt("RETRY_MAX_RETRIES", c.RetryMaxRetries)
	c.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY_MS", time.Millisecond, c.RetryBaseDelay)
	c.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY_MS", time.Millisecond, c.RetryMaxDelay)
	c.BrokerAttemptTimeout = getEnvDuration("BROKER_ATTEMPT_TIMEOUT_MS", time.Millisecond, c.BrokerAttemptTimeout)

	c.BrokerMode = getEnv("BROKER_MODE", c.BrokerMode)
	c.BrokerStrictProviders = getEnvBool("BROKER_STRICT_PROVIDERS", c.BrokerStrictProviders)
	c.UazapiBaseURL = getEnv("UAZAPI_BASE_URL", c.UazapiBaseURL)
	c.CloudAPIBaseURL = getEnv("CLOUDAPI_BASE_URL", c.CloudAPIBaseURL)
	c.CloudAPIVersion = getEnv("CLOUDAPI_VERSION", c.CloudAPIVersion)
	c.TelegramAPIEndpoint = getEnv("TELEGRAM_API_ENDPOINT", c.TelegramAPIEndpoint)

	c.SessionTimeout = getEnvDuration("SESSION_TIMEOUT_HOURS", time.Hour, c.SessionTimeout)
	c.ReplyWindow = getEnvDuration("REPLY_WINDOW_HOURS", time.Hour, c.ReplyWindow)
	c.InactivitySweepSpec = getEnv("INACTIVITY_SWEEP_SPEC", c.InactivitySweepSpec)
	c.PauseResumeSweepSpec = getEnv("PAUSE_RESUME_SWEEP_SPEC", c.PauseResumeSweepSpec)

	c.AgentEndpoint = getEnv("AGENT_ENDPOINT", c.AgentEndpoint)
	c.AgentTimeout = getEnvDuration("AGENT_TIMEOUT_MS", time.Millisecond, c.AgentTimeout)
	c.AgentMaxConcurrent = getEnvInt("AGENT_MAX_CONCURRENT", c.AgentMaxConcurrent)

	c.WSAPIKey = getEnv("WS_API_KEY", c.WSAPIKey)
	c.WSPingInterval = getEnvDuration("WS_PING_INTERVAL_MS", time.Millisecond, c.WSPingInterval)
	c.WSWriteTimeout = getEnvDuration("WS_WRITE_TIMEOUT_MS", time.Millisecond, c.WSWriteTimeout)
	c.WSReadTimeout = getEnvDuration("WS_READ_TIMEOUT_MS", time.Millisecond, c.WSReadTimeout)
	c.WSMaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(c.WSMaxMessageSize)))
}

// Validate rejects settings the switchboard cannot run with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.BrokerMode {
	case "live", "mock":
	default:
		return fmt.Errorf("unsupported BROKER_MODE %q", c.BrokerMode)
	}
	if c.RateLimitRequests < 1 || c.RateLimitWindow <= 0 {
		return errors.New("rate limit requests and window must be positive")
	}
	if c.RetryMaxRetries < 0 {
		return errors.New("RETRY_MAX_RETRIES must not be negative")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, unit time.Duration, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return time.Duration(n) * unit
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
