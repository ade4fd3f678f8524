package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	SetConfigFile("")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolateHome(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
		assert.Empty(t, cfg.Server.TrustedProxies)

		assert.Equal(t, "libsql", cfg.Store.Driver)
		expectedStorePath := filepath.Join(gfconfig.GetAppDataDir("relaybot"), "relaybot.db")
		assert.Equal(t, expectedStorePath, cfg.Store.Path)
		assert.Equal(t, "", cfg.Store.URL)

		assert.Equal(t, "/webhook", cfg.Telegram.WebhookPath)
		assert.Equal(t, []string{"message", "edited_message", "callback_query"}, cfg.Telegram.AllowedUpdates)
		assert.Empty(t, cfg.Telegram.AllowedUserIDs)

		assert.Equal(t, int64(1<<20), cfg.Admission.MaxBodyBytes)
		assert.Equal(t, 60, cfg.Admission.RequestsPerWindow)
		assert.Equal(t, time.Minute, cfg.Admission.Window)
		assert.Equal(t, 8, cfg.Admission.MaxConcurrent)
		assert.Equal(t, time.Duration(0), cfg.Admission.SlotWait)
		assert.Equal(t, 503, cfg.Admission.OverloadStatus)

		assert.Equal(t, 25*time.Second, cfg.Processing.Timeout)

		assert.False(t, cfg.Responder.Enabled)
		assert.Equal(t, "https://api.openai.com/v1", cfg.Responder.BaseURL)
		assert.Equal(t, 512, cfg.Responder.MaxTokens)
		assert.Equal(t, 20*time.Second, cfg.Responder.Timeout)

		assert.True(t, cfg.Backup.Enabled)
		assert.Equal(t, 7, cfg.Backup.Keep)
		assert.Equal(t, 24*time.Hour, cfg.Backup.Interval)
		assert.NotEmpty(t, cfg.Backup.Dir)
		assert.Equal(t, 720*time.Hour, cfg.Retention.Updates)

		assert.Equal(t, 0.9, cfg.RateLimitMargin)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "SIMPLE", cfg.Logging.Profile)

		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)
		assert.False(t, cfg.Debug.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolateHome(t)

		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		assert.Equal(t, "SIMPLE", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolateHome(t)
		t.Setenv("RELAYBOT_PORT", "3000")
		t.Setenv("RELAYBOT_LOG_LEVEL", "warn")
		t.Setenv("RELAYBOT_METRICS_ENABLED", "false")
		t.Setenv("RELAYBOT_RATE_LIMIT_MARGIN", "0.8")
		t.Setenv("RELAYBOT_ADMISSION_MAX_BODY_BYTES", "120")
		t.Setenv("RELAYBOT_TELEGRAM_ALLOWED_USER_IDS", "42,7")
		t.Setenv("RELAYBOT_TRUSTED_PROXIES", "10.0.0.0/8,192.0.2.7")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, 0.8, cfg.RateLimitMargin)
		assert.Equal(t, int64(120), cfg.Admission.MaxBodyBytes)
		assert.Equal(t, []int64{42, 7}, cfg.Telegram.AllowedUserIDs)
		assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.7"}, cfg.Server.TrustedProxies)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolateHome(t)
		t.Setenv("RELAYBOT_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ExplicitConfigFile", func(t *testing.T) {
		isolateHome(t)

		path := filepath.Join(t.TempDir(), "relaybot.yaml")
		require.NoError(t, os.WriteFile(path, []byte("admission:\n  requests_per_window: 2\ntelegram:\n  webhook_path: hooks/tg\n"), 0o600))
		SetConfigFile(path)
		t.Cleanup(func() { SetConfigFile("") })

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Admission.RequestsPerWindow)
		assert.Equal(t, "/hooks/tg", cfg.Telegram.WebhookPath)
		// untouched keys keep their defaults
		assert.Equal(t, 8, cfg.Admission.MaxConcurrent)
	})
}

func TestGetConfig(t *testing.T) {
	isolateHome(t)

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	isolateHome(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	assert.NotEmpty(t, specs)

	envVarNames := make(map[string]bool)
	for _, spec := range specs {
		envVarNames[spec.Name] = true
	}

	for _, name := range []string{
		"RELAYBOT_LOG_LEVEL",
		"RELAYBOT_PORT",
		"RELAYBOT_HOST",
		"RELAYBOT_METRICS_PORT",
		"RELAYBOT_DB_PATH",
		"RELAYBOT_TELEGRAM_TOKEN",
		"RELAYBOT_TELEGRAM_SECRET_TOKEN",
		"RELAYBOT_ADMISSION_MAX_BODY_BYTES",
		"RELAYBOT_RESPONDER_API_KEY",
	} {
		assert.True(t, envVarNames[name], "%s must be mapped", name)
	}
}

func TestDurationParsing(t *testing.T) {
	isolateHome(t)
	t.Setenv("RELAYBOT_READ_TIMEOUT", "45s")
	t.Setenv("RELAYBOT_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("RELAYBOT_ADMISSION_WINDOW", "10s")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 10*time.Second, cfg.Admission.Window)
}

func TestConfigReload(t *testing.T) {
	isolateHome(t)
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{
			"port": initialPort + 1000,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestDefaultsYAMLIsCopied(t *testing.T) {
	data := DefaultsYAML()
	require.NotEmpty(t, data)
	data[0] = 'X'
	assert.NotEqual(t, byte('X'), DefaultsYAML()[0])
}
