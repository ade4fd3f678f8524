package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaybot/relaybot/internal/config"
	"github.com/relaybot/relaybot/internal/core/admission"
	"github.com/relaybot/relaybot/internal/core/backup"
	"github.com/relaybot/relaybot/internal/core/engine"
	"github.com/relaybot/relaybot/internal/core/store"
	"github.com/relaybot/relaybot/internal/server/handlers"
	servermw "github.com/relaybot/relaybot/internal/server/middleware"
	"github.com/relaybot/relaybot/internal/telegram"
)

// admissionLimits maps the admission config section onto controller limits.
func admissionLimits(cfg config.AdmissionConfig) admission.Limits {
	return admission.Limits{
		MaxBodyBytes:      cfg.MaxBodyBytes,
		RequestsPerWindow: cfg.RequestsPerWindow,
		Window:            cfg.Window,
		MaxConcurrent:     cfg.MaxConcurrent,
		SlotWait:          cfg.SlotWait,
		MaxTrackedOrigins: cfg.MaxTrackedOrigins,
		SweepInterval:     cfg.SweepInterval,
	}
}

// newRateLimiter builds the outbound limiter with config overrides applied.
func newRateLimiter(db engine.RateLimitStore, cfg *config.Config) *engine.RateLimiter {
	limiter := &engine.RateLimiter{Store: db}
	limiter.ApplyOverrides(cfg.RateLimits)
	limiter.ApplySafetyMargin(cfg.RateLimitMargin)
	return limiter
}

func newTelegramClient(ctx context.Context, cfg *config.Config, limiter *engine.RateLimiter) (*telegram.Client, error) {
	opts := []telegram.Option{}
	if limiter != nil {
		opts = append(opts, telegram.WithLimiter(limiter))
	}
	client, err := telegram.New(ctx, cfg.Telegram, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newBackupManager(db backup.Snapshotter, cfg config.BackupConfig) *backup.Manager {
	return &backup.Manager{
		Source: db,
		Dir:    cfg.Dir,
		Prefix: cfg.Prefix,
		Keep:   cfg.Keep,
	}
}

// validateServeConfig rejects configurations serve must not start with.
func validateServeConfig(cfg *config.Config) error {
	var problems []string
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		problems = append(problems, "telegram.token is required")
	}
	if strings.TrimSpace(cfg.Telegram.SecretToken) == "" {
		problems = append(problems, "telegram.secret_token is required so the webhook can authenticate Telegram")
	}
	if _, err := servermw.ParseTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		problems = append(problems, "server.trusted_proxies: "+err.Error())
	}
	if err := admissionLimits(cfg.Admission).Validate(); err != nil {
		problems = append(problems, "admission: "+err.Error())
	}
	switch cfg.Admission.OverloadStatus {
	case 0, 429, 503:
	default:
		problems = append(problems, fmt.Sprintf("admission.overload_status must be 429 or 503, got %d", cfg.Admission.OverloadStatus))
	}
	if cfg.Backup.Enabled && cfg.Backup.Interval <= 0 {
		problems = append(problems, "backup.interval must be positive when backups are enabled")
	}
	if cfg.Responder.Enabled {
		if strings.TrimSpace(cfg.Responder.APIKey) == "" {
			problems = append(problems, "responder.api_key is required when the responder is enabled")
		}
		if strings.TrimSpace(cfg.Responder.Model) == "" {
			problems = append(problems, "responder.model is required when the responder is enabled")
		}
	}
	if cfg.Retention.Updates > 0 && cfg.Retention.Interval <= 0 {
		problems = append(problems, "retention.interval must be positive when retention is enabled")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// statusReport renders the /status reply from live process state.
func statusReport(started time.Time, controller *admission.Controller, now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	stats := controller.Stats()
	uptime := now().Sub(started).Round(time.Second)
	return fmt.Sprintf("ok\nversion: %s\nuptime: %s\nwebhook slots: %d/%d\ntracked origins: %d\nrejected: %d too large, %d rate limited, %d overloaded",
		orDefault(versionInfo.Version, "dev"),
		uptime,
		stats.SlotsInUse, stats.MaxConcurrent,
		stats.TrackedOrigins,
		stats.TooLarge, stats.RateLimited, stats.Overloaded,
	)
}

// storeHealthChecker pings the database.
type storeHealthChecker struct {
	db *store.Store
}

func (s storeHealthChecker) CheckHealth(ctx context.Context) error {
	if s.db == nil || s.db.DB == nil {
		return errors.New("store not open")
	}
	return s.db.DB.PingContext(ctx)
}

// admissionHealthChecker reports degraded while every slot is taken.
type admissionHealthChecker struct {
	controller *admission.Controller
}

func (a admissionHealthChecker) CheckHealth(ctx context.Context) error {
	stats := a.controller.Stats()
	if stats.MaxConcurrent > 0 && stats.SlotsInUse >= int64(stats.MaxConcurrent) {
		return &handlers.DegradedError{Reason: fmt.Sprintf("all %d webhook slots in use", stats.MaxConcurrent)}
	}
	return nil
}
