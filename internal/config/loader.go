// Package config provides centralized configuration management for relaybot.
// It implements the three-layer config pattern:
// Layer 1: embedded defaults (defaults.yaml)
// Layer 2: user overrides (discovered via app identity, XDG paths)
// Layer 3: environment variables and runtime overrides
package config

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/appidentity"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/relaybot/relaybot/internal/appid"
)

//go:embed defaults.yaml
var defaultsYAML []byte

var (
	// appConfig holds the current application configuration
	appConfig    *Config
	configMu     sync.RWMutex
	appIdentity  *appidentity.Identity
	explicitPath string
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetConfigFile pins the user config layer to a single file (the --config flag).
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	explicitPath = strings.TrimSpace(path)
}

// Load loads configuration using the three-layer pattern.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	if appIdentity == nil {
		identity, err := appid.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load app identity: %w", err)
		}
		appIdentity = identity
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultsYAML)); err != nil {
		return nil, fmt.Errorf("failed to read embedded defaults: %w", err)
	}

	if path := resolveUserConfig(); path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to merge user config %s: %w", path, err)
		}
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if envOverrides == nil {
		envOverrides = map[string]any{}
	}

	prefix := envPrefix()
	if value := strings.TrimSpace(os.Getenv(prefix + "RATE_LIMIT_MARGIN")); value != "" {
		margin, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit margin: %w", err)
		}
		envOverrides["rate_limit_margin"] = margin
	}

	if err := v.MergeConfigMap(envOverrides); err != nil {
		return nil, fmt.Errorf("failed to merge environment overrides: %w", err)
	}
	for _, overrides := range runtimeOverrides {
		if len(overrides) == 0 {
			continue
		}
		if err := v.MergeConfigMap(overrides); err != nil {
			return nil, fmt.Errorf("failed to merge runtime overrides: %w", err)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	if strings.TrimSpace(cfg.Backup.Dir) == "" {
		cfg.Backup.Dir = DefaultBackupDir()
	}
	if !strings.HasPrefix(cfg.Telegram.WebhookPath, "/") {
		cfg.Telegram.WebhookPath = "/" + cfg.Telegram.WebhookPath
	}

	setConfig(cfg)

	return cfg, nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// resolveUserConfig returns the first existing user config file, or "".
func resolveUserConfig() string {
	configMu.RLock()
	pinned := explicitPath
	configMu.RUnlock()
	if pinned != "" {
		return pinned
	}

	for _, candidate := range getUserConfigPaths() {
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if info.IsDir() {
			candidate = filepath.Join(candidate, "config.yaml")
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
		}
		return candidate
	}
	return ""
}

// getUserConfigPaths returns the list of user config file paths to check
// Uses gofulmen/config for XDG-compliant path discovery
func getUserConfigPaths() []string {
	configName, binaryName := appNamesForPaths()

	legacyNames := []string{}
	if binaryName != configName {
		legacyNames = append(legacyNames, binaryName)
	}

	return gfconfig.GetAppConfigPaths(configName, legacyNames...)
}

func envPrefix() string {
	if appIdentity == nil {
		return appid.DefaultEnvPrefix
	}
	return appid.NormalizePrefix(appIdentity.EnvPrefix)
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps {PREFIX}{NAME} environment variables to config paths
func getEnvSpecs() []EnvVarSpec {
	if appIdentity == nil {
		return []EnvVarSpec{}
	}

	prefix := envPrefix()

	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},
		{Name: prefix + "TRUSTED_PROXIES", Path: []string{"server", "trusted_proxies"}, Type: EnvString},

		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},
		{Name: prefix + "LOG_ENVIRONMENT", Path: []string{"logging", "environment"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		// Telegram
		{Name: prefix + "TELEGRAM_TOKEN", Path: []string{"telegram", "token"}, Type: EnvString},
		{Name: prefix + "TELEGRAM_API_ENDPOINT", Path: []string{"telegram", "api_endpoint"}, Type: EnvString},
		{Name: prefix + "TELEGRAM_WEBHOOK_URL", Path: []string{"telegram", "webhook_url"}, Type: EnvString},
		{Name: prefix + "TELEGRAM_WEBHOOK_PATH", Path: []string{"telegram", "webhook_path"}, Type: EnvString},
		{Name: prefix + "TELEGRAM_SECRET_TOKEN", Path: []string{"telegram", "secret_token"}, Type: EnvString},
		{Name: prefix + "TELEGRAM_MAX_CONNECTIONS", Path: []string{"telegram", "max_connections"}, Type: EnvInt},
		{Name: prefix + "TELEGRAM_ALLOWED_UPDATES", Path: []string{"telegram", "allowed_updates"}, Type: EnvString},
		{Name: prefix + "TELEGRAM_DROP_PENDING_UPDATES", Path: []string{"telegram", "drop_pending_updates"}, Type: EnvBool},
		{Name: prefix + "TELEGRAM_ALLOWED_USER_IDS", Path: []string{"telegram", "allowed_user_ids"}, Type: EnvString},
		{Name: prefix + "TELEGRAM_REQUEST_TIMEOUT", Path: []string{"telegram", "request_timeout"}, Type: EnvString},

		// Admission
		{Name: prefix + "ADMISSION_MAX_BODY_BYTES", Path: []string{"admission", "max_body_bytes"}, Type: EnvInt},
		{Name: prefix + "ADMISSION_REQUESTS_PER_WINDOW", Path: []string{"admission", "requests_per_window"}, Type: EnvInt},
		{Name: prefix + "ADMISSION_WINDOW", Path: []string{"admission", "window"}, Type: EnvString},
		{Name: prefix + "ADMISSION_MAX_CONCURRENT", Path: []string{"admission", "max_concurrent"}, Type: EnvInt},
		{Name: prefix + "ADMISSION_SLOT_WAIT", Path: []string{"admission", "slot_wait"}, Type: EnvString},
		{Name: prefix + "ADMISSION_MAX_TRACKED_ORIGINS", Path: []string{"admission", "max_tracked_origins"}, Type: EnvInt},
		{Name: prefix + "ADMISSION_SWEEP_INTERVAL", Path: []string{"admission", "sweep_interval"}, Type: EnvString},
		{Name: prefix + "ADMISSION_OVERLOAD_STATUS", Path: []string{"admission", "overload_status"}, Type: EnvInt},

		{Name: prefix + "PROCESSING_TIMEOUT", Path: []string{"processing", "timeout"}, Type: EnvString},

		// Chat backend
		{Name: prefix + "RESPONDER_ENABLED", Path: []string{"responder", "enabled"}, Type: EnvBool},
		{Name: prefix + "RESPONDER_BASE_URL", Path: []string{"responder", "base_url"}, Type: EnvString},
		{Name: prefix + "RESPONDER_API_KEY", Path: []string{"responder", "api_key"}, Type: EnvString},
		{Name: prefix + "RESPONDER_MODEL", Path: []string{"responder", "model"}, Type: EnvString},
		{Name: prefix + "RESPONDER_TIMEOUT", Path: []string{"responder", "timeout"}, Type: EnvString},

		// Backup and retention
		{Name: prefix + "BACKUP_ENABLED", Path: []string{"backup", "enabled"}, Type: EnvBool},
		{Name: prefix + "BACKUP_DIR", Path: []string{"backup", "dir"}, Type: EnvString},
		{Name: prefix + "BACKUP_PREFIX", Path: []string{"backup", "prefix"}, Type: EnvString},
		{Name: prefix + "BACKUP_KEEP", Path: []string{"backup", "keep"}, Type: EnvInt},
		{Name: prefix + "BACKUP_INTERVAL", Path: []string{"backup", "interval"}, Type: EnvString},
		{Name: prefix + "RETENTION_UPDATES", Path: []string{"retention", "updates"}, Type: EnvString},
		{Name: prefix + "RETENTION_INTERVAL", Path: []string{"retention", "interval"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},

		{Name: prefix + "DEBUG_ENABLED", Path: []string{"debug", "enabled"}, Type: EnvBool},
		{Name: prefix + "DEBUG_PPROF_ENABLED", Path: []string{"debug", "pprof_enabled"}, Type: EnvBool},
	}
}

// appNamesForPaths returns the config name and binary name from app identity,
// falling back to "relaybot" if not set.
func appNamesForPaths() (configName string, binaryName string) {
	configName = "relaybot"
	binaryName = "relaybot"
	if appIdentity == nil {
		return configName, binaryName
	}

	if strings.TrimSpace(appIdentity.ConfigName) != "" {
		configName = appIdentity.ConfigName
	}
	if strings.TrimSpace(appIdentity.BinaryName) != "" {
		binaryName = appIdentity.BinaryName
	}
	return configName, binaryName
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configName, _ := appNamesForPaths()
	configDir := gfconfig.GetAppConfigDir(configName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	configName, _ := appNamesForPaths()
	return gfconfig.GetAppDataDir(configName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	_, binaryName := appNamesForPaths()
	dataDir := DefaultDataDir()
	if strings.TrimSpace(dataDir) == "" {
		return "./" + binaryName + ".db"
	}
	return filepath.Join(dataDir, binaryName+".db")
}

// DefaultBackupDir returns the directory database snapshots are written to.
func DefaultBackupDir() string {
	dataDir := DefaultDataDir()
	if strings.TrimSpace(dataDir) == "" {
		return "./backups"
	}
	return filepath.Join(dataDir, "backups")
}

// DefaultsYAML exposes the embedded defaults, used by `doctor init`.
func DefaultsYAML() []byte {
	out := make([]byte, len(defaultsYAML))
	copy(out, defaultsYAML)
	return out
}
