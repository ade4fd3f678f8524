package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/relaybot/relaybot/internal/config"
	"github.com/relaybot/relaybot/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information. Secrets are never printed.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()
		log := observability.CLILogger

		log.Info("=== RelayBot Environment Information ===")
		log.Info("")

		identity := GetAppIdentity()
		log.Info("Application:")
		log.Info("  Name:       " + identity.BinaryName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("")

		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		log.Info("")

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		log.Info("Configuration:")
		log.Info("  Server Host:    "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		log.Info(fmt.Sprintf("  Server Port:    %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		log.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		log.Info("  DB Driver:      "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			log.Info("  DB URL:         "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
			log.Info("  DB Auth Token:  " + setOrNot(cfg.Store.AuthToken))
		} else {
			log.Info("  DB Path:        "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
		}
		log.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		log.Info("  Config File:    "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		log.Info("")

		log.Info("Telegram:")
		log.Info("  Bot Token:        " + setOrNot(cfg.Telegram.Token))
		log.Info("  Secret Token:     " + setOrNot(cfg.Telegram.SecretToken))
		log.Info("  API Endpoint:     " + orDefault(cfg.Telegram.APIEndpoint, "(library default)"))
		log.Info("  Webhook URL:      " + orDefault(cfg.Telegram.WebhookURL, "(not set)"))
		log.Info("  Webhook Path:     " + cfg.Telegram.WebhookPath)
		log.Info(fmt.Sprintf("  Max Connections:  %d", cfg.Telegram.MaxConnections))
		log.Info("  Allowed Updates:  " + orDefault(strings.Join(cfg.Telegram.AllowedUpdates, ", "), "(all)"))
		log.Info(fmt.Sprintf("  Allowed Users:    %d configured", len(cfg.Telegram.AllowedUserIDs)))
		log.Info("")

		log.Info("Admission:")
		log.Info(fmt.Sprintf("  Max Body Bytes:   %d", cfg.Admission.MaxBodyBytes), zap.Int64("max_body_bytes", cfg.Admission.MaxBodyBytes))
		log.Info(fmt.Sprintf("  Rate:             %d per %s", cfg.Admission.RequestsPerWindow, cfg.Admission.Window))
		log.Info(fmt.Sprintf("  Max Concurrent:   %d", cfg.Admission.MaxConcurrent), zap.Int("max_concurrent", cfg.Admission.MaxConcurrent))
		log.Info("  Slot Wait:        " + cfg.Admission.SlotWait.String())
		log.Info(fmt.Sprintf("  Tracked Origins:  %d max", cfg.Admission.MaxTrackedOrigins))
		log.Info(fmt.Sprintf("  Overload Status:  %d", cfg.Admission.OverloadStatus))
		log.Info("")

		log.Info("Responder:")
		log.Info(fmt.Sprintf("  Enabled:          %t", cfg.Responder.Enabled), zap.Bool("responder_enabled", cfg.Responder.Enabled))
		if cfg.Responder.Enabled {
			log.Info("  Base URL:         " + cfg.Responder.BaseURL)
			log.Info("  Model:            " + cfg.Responder.Model)
			log.Info("  API Key:          " + setOrNot(cfg.Responder.APIKey))
		}
		log.Info("")

		log.Info("Maintenance:")
		log.Info(fmt.Sprintf("  Backups:          %t (every %s, keep %d)", cfg.Backup.Enabled, cfg.Backup.Interval, cfg.Backup.Keep))
		log.Info("  Backup Dir:       " + cfg.Backup.Dir)
		log.Info("  Update Retention: " + orDefault(durationOrOff(cfg.Retention.Updates.String(), cfg.Retention.Updates > 0), "off"))
		log.Info("")

		log.Info("=== End Environment Information ===")
	},
}

func setOrNot(value string) string {
	if strings.TrimSpace(value) == "" {
		return "(not set)"
	}
	return "(set)"
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func durationOrOff(value string, enabled bool) string {
	if !enabled {
		return ""
	}
	return value
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
