package config

import "time"

// Config represents the complete application configuration.
// Layers, lowest precedence first:
// Layer 1: embedded defaults (defaults.yaml)
// Layer 2: user config (~/.config/relaybot/config.yaml)
// Layer 3: environment variables and runtime overrides
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Responder  ResponderConfig  `mapstructure:"responder"`
	Backup     BackupConfig     `mapstructure:"backup"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Health     HealthConfig     `mapstructure:"health"`
	Debug      DebugConfig      `mapstructure:"debug"`

	// RateLimits overrides outbound Telegram limits (messages per minute) by key,
	// e.g. "global" or "chat:12345".
	RateLimits      map[string]int `mapstructure:"rate_limits"`
	RateLimitMargin float64        `mapstructure:"rate_limit_margin"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// TrustedProxies lists peers (CIDR or bare IP) whose forwarding headers
	// are believed. Empty means the socket address is the origin.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// TelegramConfig holds bot credentials and webhook registration settings.
type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	APIEndpoint string `mapstructure:"api_endpoint"`

	// WebhookURL is the public HTTPS URL Telegram posts updates to.
	WebhookURL string `mapstructure:"webhook_url"`
	// WebhookPath is the local route the server mounts the webhook on.
	WebhookPath        string   `mapstructure:"webhook_path"`
	SecretToken        string   `mapstructure:"secret_token"`
	MaxConnections     int      `mapstructure:"max_connections"`
	AllowedUpdates     []string `mapstructure:"allowed_updates"`
	DropPendingUpdates bool     `mapstructure:"drop_pending_updates"`

	// AllowedUserIDs restricts who the bot answers. Empty allows everyone.
	AllowedUserIDs []int64 `mapstructure:"allowed_user_ids"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AdmissionConfig bounds what the webhook endpoint accepts.
type AdmissionConfig struct {
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	RequestsPerWindow int           `mapstructure:"requests_per_window"`
	Window            time.Duration `mapstructure:"window"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	SlotWait          time.Duration `mapstructure:"slot_wait"`
	MaxTrackedOrigins int           `mapstructure:"max_tracked_origins"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`

	// OverloadStatus is the HTTP status sent when no slot is free (429 or 503).
	OverloadStatus int `mapstructure:"overload_status"`
}

// ProcessingConfig bounds how long a single update may be processed.
type ProcessingConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ResponderConfig points non-command messages at an OpenAI-compatible chat
// backend. When disabled the bot only acknowledges messages.
type ResponderConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// BackupConfig controls periodic database snapshots.
type BackupConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Dir      string        `mapstructure:"dir"`
	Prefix   string        `mapstructure:"prefix"`
	Keep     int           `mapstructure:"keep"`
	Interval time.Duration `mapstructure:"interval"`
}

// RetentionConfig controls pruning of stored update transcripts.
type RetentionConfig struct {
	Updates  time.Duration `mapstructure:"updates"`
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig contains logging configuration
// Supports progressive logging profiles:
// - SIMPLE: Console output only (CLI commands)
// - STRUCTURED: JSON sinks with correlation IDs (serve)
type LoggingConfig struct {
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile"`

	Environment string `mapstructure:"environment"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated Prometheus exporter port. The main HTTP port
	// proxies it at /metrics.
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}
