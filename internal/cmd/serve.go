package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/core/admission"
	"github.com/relaybot/relaybot/internal/core/maintenance"
	"github.com/relaybot/relaybot/internal/core/pipeline"
	errwrap "github.com/relaybot/relaybot/internal/errors"
	"github.com/relaybot/relaybot/internal/metrics"
	"github.com/relaybot/relaybot/internal/observability"
	"github.com/relaybot/relaybot/internal/responder"
	"github.com/relaybot/relaybot/internal/server"
	"github.com/relaybot/relaybot/internal/server/handlers"
	"github.com/relaybot/relaybot/internal/telegram"
)

var (
	serverPort      int
	serverHost      string
	registerWebhook bool
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct {
	enabled bool
}

func (t telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if !t.enabled {
		return nil
	}
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker validates app identity metadata
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (i identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case i.binaryName == "":
		return errwrap.NewConfigInvalidError("app identity missing binary name")
	case i.envPrefix == "":
		return errwrap.NewConfigInvalidError("app identity missing env prefix")
	case i.configName == "":
		return errwrap.NewConfigInvalidError("app identity missing config name")
	}
	return nil
}

// serveOverrides turns explicitly set flags into runtime config overrides.
func serveOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		overrides["host"] = serverHost
	}
	if cmd.Flags().Changed("port") {
		overrides["port"] = serverPort
	}
	if len(overrides) == 0 {
		return nil
	}
	return map[string]any{"server": overrides}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the webhook server with admission control and graceful shutdown.

Every request to the webhook path is screened before it is read: bodies
over admission.max_body_bytes are refused with 413, origins over their
request budget get 429, and when all processing slots are busy the server
answers 503 (or 429) with Retry-After.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read and validate config (restart to apply)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		cfg, err := loadConfig(ctx, serveOverrides(cmd))
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Failed to load configuration", errwrap.WrapConfigInvalid(ctx, err, "config load failed"))
			return nil
		}
		if err := validateServeConfig(cfg); err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Invalid serve configuration", errwrap.WrapConfigInvalid(ctx, err, "invalid configuration"))
			return nil
		}

		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()

		observability.InitServerLogger(identity.BinaryName, observability.ServerLoggerOptions{
			Level:       cfg.Logging.Level,
			Environment: cfg.Logging.Environment,
			Namespace:   namespace,
		})
		if verbose {
			observability.ServerLogger.SetLevel(logging.DEBUG)
		}
		log := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics.Port, namespace); err != nil {
				log.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		log.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.String("webhook_path", cfg.Telegram.WebhookPath),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			zap.Int("metrics_port", cfg.Metrics.Port))

		db, err := openStoreWith(ctx, cfg)
		if err != nil {
			ExitWithCode(log, foundry.ExitFailure, "Failed to open store", errwrap.WrapDatabaseError(ctx, err, "store open failed"))
			return nil
		}

		limiter := newRateLimiter(db, cfg)
		bot, err := newTelegramClient(ctx, cfg, limiter)
		if err != nil {
			_ = db.Close()
			ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "Failed to connect to Telegram", errwrap.WrapExternalService(ctx, err, "telegram getMe failed"))
			return nil
		}
		self := bot.Self()
		log.Info("Connected to Telegram", zap.String("bot", self.UserName), zap.Int64("bot_id", self.ID))

		controller, err := admission.New(admissionLimits(cfg.Admission))
		if err != nil {
			_ = db.Close()
			return errwrap.WrapConfigInvalid(ctx, err, "invalid admission limits")
		}

		started := time.Now()
		metrics.SetServerStartTime(started.Unix())
		dispatcher := &pipeline.Dispatcher{
			Store:          db,
			Sender:         bot,
			AllowedUserIDs: cfg.Telegram.AllowedUserIDs,
			Status: func(context.Context) string {
				return statusReport(started, controller, nil)
			},
			Logger: log,
		}
		if chat := responder.New(cfg.Responder, log); chat != nil {
			dispatcher.Responder = chat
			log.Info("Chat backend enabled", zap.String("base_url", cfg.Responder.BaseURL), zap.String("model", cfg.Responder.Model))
		}

		opts := server.OptionsFromConfig(cfg)
		opts.Webhook = handlers.NewWebhookHandler(dispatcher, cfg.Telegram.SecretToken, cfg.Processing.Timeout)
		opts.Admission = controller
		srv := server.New(opts)

		handlers.SetBuildInfo(handlers.BuildInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		})
		handlers.SetAppIdentity(identity)
		handlers.SetBot(handlers.BotInfo{Username: self.UserName, ID: self.ID}, started)
		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("store", storeHealthChecker{db: db}, handlers.ProbeReady, handlers.ProbeStartup)
		hm.RegisterChecker("admission", admissionHealthChecker{controller: controller}, handlers.ProbeReady)
		hm.RegisterChecker("telemetry", telemetryHealthChecker{enabled: cfg.Metrics.Enabled}, handlers.ProbeAggregate)
		hm.RegisterChecker("app_identity", identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		}, handlers.ProbeAggregate)
		hm.RegisterDetail("admission", func() any { return controller.Stats() })

		scheduler := &maintenance.Scheduler{Logger: log}
		chores := []maintenance.Chore{maintenance.AdmissionSweep(controller, cfg.Admission.SweepInterval)}
		if cfg.Backup.Enabled {
			if db.Local() {
				chores = append(chores, maintenance.Backup(newBackupManager(db, cfg.Backup), cfg.Backup.Interval))
			} else {
				log.Warn("Backups disabled for remote store", zap.String("driver", db.Driver()))
			}
		}
		if cfg.Retention.Updates > 0 {
			chores = append(chores, maintenance.Retention(db, cfg.Retention.Updates, cfg.Retention.Interval, nil))
		}
		for _, chore := range chores {
			if err := scheduler.Add(chore); err != nil {
				log.Warn("Skipping maintenance chore", zap.String("chore", chore.Name), zap.Error(err))
			}
		}

		if registerWebhook {
			webhook := telegram.WebhookOptionsFromConfig(cfg.Telegram)
			if err := bot.SetWebhook(ctx, webhook); err != nil {
				_ = db.Close()
				return errwrap.WrapExternalService(ctx, err, "webhook registration failed")
			}
			log.Info("Webhook registered", zap.String("url", webhook.URL))
		}

		// Shutdown handlers run LIFO: HTTP server, maintenance, store, logger.
		signals.OnShutdown(func(ctx context.Context) error {
			log.Info("Flushing logger...")
			if err := log.Sync(); err != nil {
				log.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			if cfg.Metrics.Enabled {
				if err := observability.StopMetrics(); err != nil {
					log.Warn("Metrics exporter stop failed", zap.Error(err))
				}
			}
			if err := db.Close(); err != nil {
				return errwrap.WrapDatabaseError(ctx, err, "store close failed")
			}
			log.Info("Store closed")
			return nil
		})

		maintenanceDone := make(chan struct{})
		signals.OnShutdown(func(ctx context.Context) error {
			cancel()
			select {
			case <-maintenanceDone:
			case <-ctx.Done():
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			log.Info("Shutting down HTTP server...")
			shutdownCtx, cancelShutdown := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancelShutdown()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			log.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			log.Info("Received SIGHUP: re-reading configuration")

			next, err := loadConfig(ctx, serveOverrides(cmd))
			if err != nil {
				log.Error("Failed to reload config", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			if err := validateServeConfig(next); err != nil {
				log.Error("Reloaded config is invalid", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			log.Info("Configuration is valid; restart to apply changes",
				zap.Int64("max_body_bytes", next.Admission.MaxBodyBytes),
				zap.Int("requests_per_window", next.Admission.RequestsPerWindow),
				zap.Int("max_concurrent", next.Admission.MaxConcurrent))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			log.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		go func() {
			defer close(maintenanceDone)
			log.Info("Starting maintenance", zap.Strings("chores", scheduler.Chores()))
			scheduler.Start(ctx)
		}()

		errChan := make(chan error, 1)
		hm.MarkStarted()
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				log.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(ctx, err, "server error")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port (overrides server.port)")
	serveCmd.Flags().BoolVar(&registerWebhook, "register-webhook", false, "call setWebhook with telegram.webhook_url before serving")
}
