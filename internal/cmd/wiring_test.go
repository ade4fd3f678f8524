package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/relaybot/relaybot/internal/config"
	"github.com/relaybot/relaybot/internal/core"
	"github.com/relaybot/relaybot/internal/core/admission"
	apperrors "github.com/relaybot/relaybot/internal/errors"
	"github.com/relaybot/relaybot/internal/output"
	"github.com/relaybot/relaybot/internal/server/handlers"
)

func validConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.SecretToken = "s3cret"
	cfg.Admission = config.AdmissionConfig{
		MaxBodyBytes:      1 << 20,
		RequestsPerWindow: 60,
		Window:            time.Minute,
		MaxConcurrent:     8,
		MaxTrackedOrigins: 100,
		SweepInterval:     5 * time.Minute,
		OverloadStatus:    503,
	}
	cfg.Backup = config.BackupConfig{Enabled: true, Dir: "/tmp/backups", Keep: 3, Interval: time.Hour}
	cfg.Retention = config.RetentionConfig{Updates: 24 * time.Hour, Interval: time.Hour}
	return cfg
}

func TestAdmissionLimitsFromConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Admission.SlotWait = 250 * time.Millisecond

	limits := admissionLimits(cfg.Admission)
	assert.Equal(t, int64(1<<20), limits.MaxBodyBytes)
	assert.Equal(t, 60, limits.RequestsPerWindow)
	assert.Equal(t, time.Minute, limits.Window)
	assert.Equal(t, 8, limits.MaxConcurrent)
	assert.Equal(t, 250*time.Millisecond, limits.SlotWait)
	assert.Equal(t, 100, limits.MaxTrackedOrigins)
	assert.NoError(t, limits.Validate())
}

func TestValidateServeConfig(t *testing.T) {
	require.NoError(t, validateServeConfig(validConfig()))

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing token", func(c *config.Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"missing secret", func(c *config.Config) { c.Telegram.SecretToken = " " }, "telegram.secret_token"},
		{"zero body cap", func(c *config.Config) { c.Admission.MaxBodyBytes = 0 }, "max body bytes"},
		{"bad overload status", func(c *config.Config) { c.Admission.OverloadStatus = 500 }, "overload_status"},
		{"backup without interval", func(c *config.Config) { c.Backup.Interval = 0 }, "backup.interval"},
		{"responder without key", func(c *config.Config) { c.Responder = config.ResponderConfig{Enabled: true, Model: "m"} }, "responder.api_key"},
		{"responder without model", func(c *config.Config) { c.Responder = config.ResponderConfig{Enabled: true, APIKey: "k"} }, "responder.model"},
		{"retention without interval", func(c *config.Config) { c.Retention.Interval = 0 }, "retention.interval"},
		{"bad trusted proxy", func(c *config.Config) { c.Server.TrustedProxies = []string{"10.0.0.0/99"} }, "server.trusted_proxies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := validateServeConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateServeConfigReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.Token = ""
	cfg.Telegram.SecretToken = ""

	err := validateServeConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.token")
	assert.Contains(t, err.Error(), "telegram.secret_token")
}

func TestStatusReport(t *testing.T) {
	controller, err := admission.New(admissionLimits(validConfig().Admission))
	require.NoError(t, err)

	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	report := statusReport(started, controller, func() time.Time { return started.Add(90 * time.Minute) })

	assert.True(t, strings.HasPrefix(report, "ok\n"))
	assert.Contains(t, report, "uptime: 1h30m0s")
	assert.Contains(t, report, "webhook slots: 0/8")
	assert.Contains(t, report, "0 too large, 0 rate limited, 0 overloaded")
}

func TestAdmissionHealthChecker(t *testing.T) {
	limits := admissionLimits(validConfig().Admission)
	limits.MaxConcurrent = 1
	controller, err := admission.New(limits)
	require.NoError(t, err)
	checker := admissionHealthChecker{controller: controller}

	require.NoError(t, checker.CheckHealth(t.Context()))

	decision := controller.Admit(t.Context(), 10, "192.0.2.1")
	require.True(t, decision.Admitted)
	var degraded *handlers.DegradedError
	assert.ErrorAs(t, checker.CheckHealth(t.Context()), &degraded)

	decision.Release()
	assert.NoError(t, checker.CheckHealth(t.Context()))
}

func TestStoreHealthCheckerWithoutStore(t *testing.T) {
	assert.Error(t, storeHealthChecker{}.CheckHealth(t.Context()))
}

func newServeFlags() *cobra.Command {
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().StringVar(&serverHost, "host", "localhost", "")
	cmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "")
	return cmd
}

func TestServeOverrides(t *testing.T) {
	cmd := newServeFlags()
	assert.Nil(t, serveOverrides(cmd))

	require.NoError(t, cmd.Flags().Set("port", "9443"))
	assert.Equal(t, map[string]any{"server": map[string]any{"port": 9443}}, serveOverrides(cmd))

	require.NoError(t, cmd.Flags().Set("host", "0.0.0.0"))
	assert.Equal(t, map[string]any{"server": map[string]any{"port": 9443, "host": "0.0.0.0"}}, serveOverrides(cmd))
}

func TestUpdatesQuery(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	q, err := updatesQuery(42, "FAILED", 2*time.Hour, 10, now)
	require.NoError(t, err)
	assert.Equal(t, int64(42), q.ChatID)
	assert.Equal(t, core.UpdateStatusFailed, q.Status)
	assert.Equal(t, now.Add(-2*time.Hour), q.Since)
	assert.Equal(t, 10, q.Limit)

	q, err = updatesQuery(0, "", 0, 0, now)
	require.NoError(t, err)
	assert.True(t, q.Since.IsZero())
	assert.Empty(t, q.Status)

	_, err = updatesQuery(0, "lost", 0, 0, now)
	assert.Error(t, err)
	_, err = updatesQuery(0, "", -time.Hour, 0, now)
	assert.Error(t, err)
	_, err = updatesQuery(0, "", 0, -1, now)
	assert.Error(t, err)
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, "", outputPath("", output.FormatJSON))
	assert.Equal(t, "-", outputPath("-", output.FormatJSON))
	assert.Equal(t, "report.json", outputPath("report", output.FormatJSON))
	assert.Equal(t, "report.yaml", outputPath("report", output.FormatYAML))
	assert.Equal(t, "report.txt", outputPath(" report ", output.FormatTable))
	assert.Equal(t, "dump.out", outputPath("dump.out", output.FormatJSON))
}

func newOutputCommand(t *testing.T, args ...string) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	cmd := &cobra.Command{Use: "list"}
	addOutputFlags(cmd)
	require.NoError(t, cmd.Flags().Parse(args))
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&bytes.Buffer{})
	return cmd, &buf
}

func TestWriteOutputToStdout(t *testing.T) {
	result := rateLimitResetResult{Matched: 3, Deleted: 2}

	cmd, buf := newOutputCommand(t, "--output-format", "json")
	require.NoError(t, writeOutput(cmd, result, func() string { return result.summary() }))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.EqualValues(t, 3, decoded["matched"])
	assert.EqualValues(t, 2, decoded["deleted"])
	assert.Equal(t, false, decoded["dry_run"])

	cmd, buf = newOutputCommand(t)
	require.NoError(t, writeOutput(cmd, result, func() string { return result.summary() }))
	assert.Equal(t, "Deleted 2/3 rate limit entr(ies)\n", buf.String())
}

func TestWriteOutputToFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "limits")

	cmd, buf := newOutputCommand(t, "--output-format", "yaml", "--out", target)
	require.NoError(t, writeOutput(cmd, rateLimitResetResult{Matched: 1, DryRun: true}, nil))
	assert.Empty(t, buf.String())

	data, err := os.ReadFile(target + ".yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "dry_run: true")
}

func TestWriteOutputRejectsUnknownFormat(t *testing.T) {
	cmd, _ := newOutputCommand(t, "--output-format", "csv")
	assert.Error(t, writeOutput(cmd, nil, nil))
}

func TestRateLimitResetSummary(t *testing.T) {
	assert.Equal(t, "Would delete 4 rate limit entr(ies)", rateLimitResetResult{Matched: 4, DryRun: true}.summary())
	assert.Equal(t, "Deleted 4/4 rate limit entr(ies)", rateLimitResetResult{Matched: 4, Deleted: 4}.summary())
}

func TestBuildInitConfigLoadsAsYAML(t *testing.T) {
	body := buildInitConfig("123:abc", "4b1c6f0e-secret", "https://bot.example.com/webhook")

	var decoded struct {
		Telegram struct {
			Token       string `yaml:"token"`
			SecretToken string `yaml:"secret_token"`
			WebhookURL  string `yaml:"webhook_url"`
		} `yaml:"telegram"`
		Admission struct {
			MaxBodyBytes int `yaml:"max_body_bytes"`
		} `yaml:"admission"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(body), &decoded))
	assert.Equal(t, "123:abc", decoded.Telegram.Token)
	assert.Equal(t, "4b1c6f0e-secret", decoded.Telegram.SecretToken)
	assert.Equal(t, "https://bot.example.com/webhook", decoded.Telegram.WebhookURL)
	assert.Equal(t, 1048576, decoded.Admission.MaxBodyBytes)

	withoutToken := buildInitConfig("", "abc", "")
	require.NoError(t, yaml.Unmarshal([]byte(withoutToken), &decoded))
	assert.Contains(t, withoutToken, "# token:")
}

func TestTelegramProblems(t *testing.T) {
	cfg := validConfig().Telegram
	assert.Empty(t, telegramProblems(cfg))

	cfg.WebhookURL = "http://bot.example.com/webhook"
	assert.Equal(t, []string{"webhook url must be an absolute https URL"}, telegramProblems(cfg))

	assert.Len(t, telegramProblems(config.TelegramConfig{}), 2)
}

func TestEnvelopeFields(t *testing.T) {
	assert.Nil(t, envelopeFields(nil))
	assert.Len(t, envelopeFields(errors.New("boom")), 1)

	cause := errors.New("disk full")
	env := apperrors.WrapDatabaseError(t.Context(), cause, "store open failed")
	fields := envelopeFields(env)

	keys := make(map[string]zap.Field, len(fields))
	for _, f := range fields {
		keys[f.Key] = f
	}
	assert.Contains(t, keys, "error_code")
	assert.Contains(t, keys, "error_context")
	assert.Equal(t, "store open failed", keys["error_message"].String)
}

func TestSecretHelpers(t *testing.T) {
	assert.Equal(t, "(set)", setOrNot("x"))
	assert.Equal(t, "(not set)", setOrNot("  "))
	assert.Equal(t, "fallback", orDefault("", "fallback"))
	assert.Equal(t, "value", orDefault("value", "fallback"))
}
