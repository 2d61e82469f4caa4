// Package config loads typed configuration from an optional YAML file
// overlaid with RELAY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the relay gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Database  DatabaseConfig  `yaml:"database"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Queue     QueueConfig     `yaml:"queue"`
	Templates TemplatesConfig `yaml:"templates"`
	Batch     BatchConfig     `yaml:"batch"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Notify    NotifyConfig    `yaml:"notify"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AllowedOrigins is the exact-match CORS whitelist. No wildcard fallback.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxBodyBytes caps request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// ShutdownTimeout bounds graceful drain on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Production redacts internal error messages in responses.
	Production bool `yaml:"production"`
}

type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKey is the shared-key credential. Ignored when a service
	// account is configured; OAuth wins.
	APIKey string `yaml:"api_key"`
	// ServiceAccountJSON is the raw service-account credential used to
	// mint OAuth bearer tokens.
	ServiceAccountJSON string `yaml:"service_account_json"`
	// OAuthTokenURL is the token endpoint for the service account.
	OAuthTokenURL string        `yaml:"oauth_token_url"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	// Breaker opens after BreakerThreshold consecutive failures for
	// BreakerCooldown.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	CacheCapacity    int           `yaml:"cache_capacity"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

type DatabaseConfig struct {
	// URL selects the durable profile: postgres:// or sqlite file path.
	// Empty means the in-memory profile.
	URL            string        `yaml:"url"`
	MaxConnections int           `yaml:"max_connections"`
	ConnMaxLife    time.Duration `yaml:"conn_max_lifetime"`
}

type WebhooksConfig struct {
	Secret string `yaml:"secret"`
	// MonitoredServices limits auto-remediation to these service ids.
	MonitoredServices []string `yaml:"monitored_services"`
	AutoFixEnabled    bool     `yaml:"auto_fix_enabled"`
	// DedupRetention bounds the deploy->session dedup map age.
	DedupRetention time.Duration `yaml:"dedup_retention"`
	// MaxErrorLines caps extracted build-log error lines.
	MaxErrorLines int `yaml:"max_error_lines"`
}

type RateLimitConfig struct {
	Window  time.Duration `yaml:"window"`
	Max     int           `yaml:"max"`
	Enabled bool          `yaml:"enabled"`
}

type QueueConfig struct {
	MaxRetained int `yaml:"max_retained"`
}

type TemplatesConfig struct {
	Cap int `yaml:"cap"`
}

type BatchConfig struct {
	HardCap int `yaml:"hard_cap"`
}

type SessionsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
	// LongPollDeadline fails a session that saw no transition in time.
	LongPollDeadline time.Duration `yaml:"long_poll_deadline"`
}

type NotifyConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendQueueSize     int           `yaml:"send_queue_size"`
}

type TaskQueueConfig struct {
	Enabled bool `yaml:"enabled"`
	// PollSchedule is a cron expression for the external-ingest poll.
	PollSchedule string `yaml:"poll_schedule"`
	// TriggerLabel marks issues that should become sessions.
	TriggerLabel string `yaml:"trigger_label"`
	MaxRetries   int    `yaml:"max_retries"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:          "https://api.upstream.example",
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			BreakerThreshold: 5,
			BreakerCooldown:  60 * time.Second,
			CacheCapacity:    100,
			CacheTTL:         10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConnections: 10,
			ConnMaxLife:    time.Hour,
		},
		Webhooks: WebhooksConfig{
			AutoFixEnabled: true,
			DedupRetention: 24 * time.Hour,
			MaxErrorLines:  10,
		},
		RateLimit: RateLimitConfig{
			Window:  60 * time.Second,
			Max:     100,
			Enabled: true,
		},
		Queue:     QueueConfig{MaxRetained: 100},
		Templates: TemplatesConfig{Cap: 100},
		Batch:     BatchConfig{HardCap: 8},
		Sessions: SessionsConfig{
			PollInterval:     5 * time.Second,
			MaxPolls:         60,
			LongPollDeadline: 5 * time.Minute,
		},
		Notify: NotifyConfig{
			HeartbeatInterval: 30 * time.Second,
			SendQueueSize:     32,
		},
		TaskQueue: TaskQueueConfig{
			PollSchedule: "@every 1m",
			TriggerLabel: "relay",
			MaxRetries:   3,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from the optional YAML file at path and
// applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and clamps out-of-range values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url is required")
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = 60 * time.Second
	}
	if c.RateLimit.Max <= 0 {
		c.RateLimit.Max = 100
	}
	if c.Batch.HardCap <= 0 {
		c.Batch.HardCap = 8
	}
	if c.Queue.MaxRetained <= 0 {
		c.Queue.MaxRetained = 100
	}
	if c.Templates.Cap <= 0 {
		c.Templates.Cap = 100
	}
	if c.Sessions.PollInterval <= 0 {
		c.Sessions.PollInterval = 5 * time.Second
	}
	if c.Sessions.MaxPolls <= 0 {
		c.Sessions.MaxPolls = 60
	}
	return nil
}

// applyEnv overlays RELAY_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("RELAY_HOST", &cfg.Server.Host)
	setInt("RELAY_PORT", &cfg.Server.Port)
	setBool("RELAY_PRODUCTION", &cfg.Server.Production)
	if v, ok := os.LookupEnv("RELAY_ALLOWED_ORIGINS"); ok {
		cfg.Server.AllowedOrigins = splitCSV(v)
	}

	setString("RELAY_UPSTREAM_URL", &cfg.Upstream.BaseURL)
	setString("RELAY_UPSTREAM_API_KEY", &cfg.Upstream.APIKey)
	setString("RELAY_SERVICE_ACCOUNT_JSON", &cfg.Upstream.ServiceAccountJSON)
	setString("RELAY_OAUTH_TOKEN_URL", &cfg.Upstream.OAuthTokenURL)
	setDuration("RELAY_UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	setInt("RELAY_UPSTREAM_MAX_RETRIES", &cfg.Upstream.MaxRetries)
	setInt("RELAY_BREAKER_THRESHOLD", &cfg.Upstream.BreakerThreshold)
	setDuration("RELAY_BREAKER_COOLDOWN", &cfg.Upstream.BreakerCooldown)
	setInt("RELAY_CACHE_CAPACITY", &cfg.Upstream.CacheCapacity)
	setDuration("RELAY_CACHE_TTL", &cfg.Upstream.CacheTTL)

	setString("RELAY_DATABASE_URL", &cfg.Database.URL)

	setString("RELAY_WEBHOOK_SECRET", &cfg.Webhooks.Secret)
	setBool("RELAY_AUTO_FIX_ENABLED", &cfg.Webhooks.AutoFixEnabled)
	if v, ok := os.LookupEnv("RELAY_MONITORED_SERVICES"); ok {
		cfg.Webhooks.MonitoredServices = splitCSV(v)
	}

	setDuration("RELAY_RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)
	setInt("RELAY_RATE_LIMIT_MAX", &cfg.RateLimit.Max)
	setBool("RELAY_RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)

	setInt("RELAY_QUEUE_MAX_RETAINED", &cfg.Queue.MaxRetained)
	setInt("RELAY_TEMPLATE_CAP", &cfg.Templates.Cap)
	setInt("RELAY_BATCH_HARD_CAP", &cfg.Batch.HardCap)

	setBool("RELAY_TASK_QUEUE_ENABLED", &cfg.TaskQueue.Enabled)
	setString("RELAY_TASK_QUEUE_SCHEDULE", &cfg.TaskQueue.PollSchedule)
	setString("RELAY_TASK_QUEUE_LABEL", &cfg.TaskQueue.TriggerLabel)

	setString("RELAY_LOG_LEVEL", &cfg.Logging.Level)
	setString("RELAY_LOG_FORMAT", &cfg.Logging.Format)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
