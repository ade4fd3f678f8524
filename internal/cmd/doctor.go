package cmd

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/relaybot/relaybot/internal/config"
	"github.com/relaybot/relaybot/internal/core/store"
	errwrap "github.com/relaybot/relaybot/internal/errors"
	"github.com/relaybot/relaybot/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on the system and suggest fixes for common issues.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		log := observability.CLILogger
		identity := GetAppIdentity()
		appName := "relaybot"
		if identity != nil && identity.BinaryName != "" {
			appName = identity.BinaryName
		}
		log.Info("=== " + appName + " doctor ===")
		log.Info("")
		log.Info("Running diagnostic checks...")
		log.Info("")

		allChecks := true
		totalChecks := 8

		// Check 1: Go version
		goVersion := runtime.Version()
		if goVersion >= "go1.23" {
			log.Info(fmt.Sprintf("[1/%d] Checking Go version... ✅ %s", totalChecks, goVersion), zap.String("go_version", goVersion))
		} else {
			log.Warn(fmt.Sprintf("[1/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", totalChecks, goVersion), zap.String("go_version", goVersion))
			allChecks = false
		}

		// Check 2: Crucible access
		version := crucible.GetVersion()
		if version.Crucible != "" {
			log.Info(fmt.Sprintf("[2/%d] Checking Crucible access... ✅ v%s", totalChecks, version.Crucible), zap.String("crucible_version", version.Crucible))
		} else {
			log.Error(fmt.Sprintf("[2/%d] Checking Crucible access... ❌ Cannot access Crucible", totalChecks))
			ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible", errwrap.NewServiceUnavailableError("Crucible service unavailable"))
		}

		// Check 3: Gofulmen access
		if version.Gofulmen != "" {
			log.Info(fmt.Sprintf("[3/%d] Checking Gofulmen access... ✅ v%s", totalChecks, version.Gofulmen), zap.String("gofulmen_version", version.Gofulmen))
		} else {
			log.Error(fmt.Sprintf("[3/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", totalChecks))
			allChecks = false
		}

		// Check 4: Config directory
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			log.Error(fmt.Sprintf("[4/%d] Checking config directory... ❌ Cannot resolve config directory", totalChecks))
			ExitWithCode(log, foundry.ExitFileNotFound, "Cannot resolve config directory", errwrap.NewInternalError("config directory not resolved"))
		}
		log.Info(fmt.Sprintf("[4/%d] Checking config directory... ✅ %s", totalChecks, filepath.Dir(configPath)), zap.String("config_dir", filepath.Dir(configPath)))

		// Check 5: Environment
		log.Info(fmt.Sprintf("[5/%d] Checking environment... ✅ %s/%s", totalChecks, runtime.GOOS, runtime.GOARCH),
			zap.String("os", runtime.GOOS),
			zap.String("arch", runtime.GOARCH))

		cfg, cfgErr := loadConfig(ctx)
		if cfgErr != nil {
			log.Warn(fmt.Sprintf("[6/%d] Checking database... ⚠️  config not loaded", totalChecks), zap.Error(cfgErr))
			log.Warn(fmt.Sprintf("[7/%d] Checking Telegram settings... ⚠️  skipped (config not loaded)", totalChecks))
			log.Warn(fmt.Sprintf("[8/%d] Checking backups... ⚠️  skipped (config not loaded)", totalChecks))
			allChecks = false
		} else {
			// Check 6: Database
			if ok := doctorCheckStore(cmd, cfg, totalChecks); !ok {
				allChecks = false
			}

			// Check 7: Telegram settings
			if problems := telegramProblems(cfg.Telegram); len(problems) == 0 {
				log.Info(fmt.Sprintf("[7/%d] Checking Telegram settings... ✅ token and secret set", totalChecks))
			} else {
				log.Warn(fmt.Sprintf("[7/%d] Checking Telegram settings... ⚠️  %s", totalChecks, strings.Join(problems, "; ")))
				log.Info("       Run '" + appName + " doctor init' or set " + envPrefixFor("TELEGRAM_TOKEN") + " and " + envPrefixFor("TELEGRAM_SECRET_TOKEN") + ".")
				allChecks = false
			}

			// Check 8: Backups
			if !cfg.Backup.Enabled {
				log.Info(fmt.Sprintf("[8/%d] Checking backups... ✅ disabled", totalChecks))
			} else if backups, err := newBackupManager(nil, cfg.Backup).List(); err != nil {
				log.Warn(fmt.Sprintf("[8/%d] Checking backups... ⚠️  %v", totalChecks, err))
				allChecks = false
			} else if len(backups) == 0 {
				log.Info(fmt.Sprintf("[8/%d] Checking backups... ✅ none yet in %s", totalChecks, cfg.Backup.Dir))
			} else {
				log.Info(fmt.Sprintf("[8/%d] Checking backups... ✅ %d in %s (latest %s)", totalChecks, len(backups), cfg.Backup.Dir, formatTimeAgo(backups[0].CreatedAt)),
					zap.Int("backups", len(backups)),
					zap.Time("latest", backups[0].CreatedAt))
			}
		}

		log.Info("")
		if allChecks {
			log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", appName))
		} else {
			log.Warn("⚠️  Some checks failed. Review the output above for details.")
		}
		log.Info("")
		log.Info("=== End Diagnostics ===")
	},
}

func doctorCheckStore(cmd *cobra.Command, cfg *config.Config, totalChecks int) bool {
	log := observability.CLILogger
	label := fmt.Sprintf("[6/%d] Checking database...", totalChecks)

	where := cfg.Store.URL
	if where == "" {
		where, _ = filepath.Abs(cfg.Store.Path)
	}

	db, err := openStoreWith(cmd.Context(), cfg)
	if err != nil {
		log.Warn(fmt.Sprintf("%s ⚠️  %s (cannot open)", label, where), zap.Error(err))
		return false
	}
	defer db.Close() // nolint:errcheck // best-effort cleanup

	count, err := db.CountUpdates(cmd.Context(), store.UpdateQuery{})
	if err != nil {
		log.Warn(fmt.Sprintf("%s ⚠️  %s (query failed)", label, where), zap.Error(err))
		return false
	}

	size := "remote"
	if db.Local() {
		if info, statErr := os.Stat(where); statErr == nil {
			size = formatFileSize(info.Size())
		}
	}
	log.Info(fmt.Sprintf("%s ✅ %s (%s, %d updates)", label, where, size, count),
		zap.String("db", where),
		zap.Int("updates", count))
	return true
}

// telegramProblems lists what keeps serve from starting or Telegram from
// reaching it.
func telegramProblems(cfg config.TelegramConfig) []string {
	var problems []string
	if strings.TrimSpace(cfg.Token) == "" {
		problems = append(problems, "token not set")
	}
	if strings.TrimSpace(cfg.SecretToken) == "" {
		problems = append(problems, "secret token not set")
	}
	if raw := strings.TrimSpace(cfg.WebhookURL); raw != "" {
		if u, err := url.Parse(raw); err != nil || u.Scheme != "https" || u.Host == "" {
			problems = append(problems, "webhook url must be an absolute https URL")
		}
	}
	return problems
}

func envPrefixFor(name string) string {
	prefix := "RELAYBOT_"
	if identity := GetAppIdentity(); identity != nil && identity.EnvPrefix != "" {
		prefix = identity.EnvPrefix
	}
	return prefix + name
}

var (
	doctorInitForce      bool
	doctorInitToken      string
	doctorInitWebhookURL string
	doctorResetConfig    bool
	doctorResetData      bool
	doctorResetAll       bool
)

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a config file with a fresh webhook secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}

		if _, err := os.Stat(configPath); err == nil && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}

		token := strings.TrimSpace(doctorInitToken)
		if strings.EqualFold(token, "prompt") {
			value, err := promptForValue("Enter bot token from @BotFather (leave blank to skip): ")
			if err != nil {
				return err
			}
			token = value
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}

		body := buildInitConfig(token, uuid.NewString(), strings.TrimSpace(doctorInitWebhookURL))
		if err := os.WriteFile(configPath, []byte(body), 0600); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}

		observability.CLILogger.Info("Config initialized", zap.String("path", configPath))
		return nil
	},
}

var doctorConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration status and paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := observability.CLILogger
		configPath := config.DefaultConfigPath()
		dataDir := config.DefaultDataDir()

		log.Info("Configuration:")
		log.Info(fmt.Sprintf("  Config file:     %s (%s)", configPath, existenceStatus(fileExists(configPath))))
		if dataDir != "" {
			log.Info(fmt.Sprintf("  Data directory:  %s (%s)", dataDir, existenceStatus(fileExists(dataDir))))
		} else {
			log.Info("  Data directory:  (not resolved)")
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return nil
		}

		if cfg.Store.URL != "" {
			log.Info(fmt.Sprintf("  Database:        %s (remote)", cfg.Store.URL))
		} else {
			absPath, _ := filepath.Abs(cfg.Store.Path)
			if info, statErr := os.Stat(absPath); statErr == nil {
				log.Info(fmt.Sprintf("  Database:        %s (%s)", absPath, formatFileSize(info.Size())))
			} else if os.IsNotExist(statErr) {
				log.Info(fmt.Sprintf("  Database:        %s (not created yet)", absPath))
			} else {
				log.Warn("Database status error", zap.String("db_path", absPath), zap.Error(statErr))
			}
		}
		log.Info(fmt.Sprintf("  Backup dir:      %s (%s)", cfg.Backup.Dir, existenceStatus(fileExists(cfg.Backup.Dir))))

		log.Info("")
		log.Info("Environment:")
		for _, name := range []string{"TELEGRAM_TOKEN", "TELEGRAM_SECRET_TOKEN", "TELEGRAM_WEBHOOK_URL", "DB_AUTH_TOKEN"} {
			full := envPrefixFor(name)
			log.Info("  " + full + ": " + envStatus(full))
		}

		log.Info("")
		log.Info("Effective Settings:")
		log.Info("  telegram.token: " + setOrNot(cfg.Telegram.Token))
		log.Info("  telegram.secret_token: " + setOrNot(cfg.Telegram.SecretToken))
		log.Info("  telegram.webhook_path: " + cfg.Telegram.WebhookPath)
		log.Info(fmt.Sprintf("  admission.max_body_bytes: %d", cfg.Admission.MaxBodyBytes))
		log.Info(fmt.Sprintf("  admission.requests_per_window: %d per %s", cfg.Admission.RequestsPerWindow, cfg.Admission.Window))
		log.Info(fmt.Sprintf("  admission.max_concurrent: %d", cfg.Admission.MaxConcurrent))
		return nil
	},
}

var doctorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset user configuration and/or data",
	RunE: func(cmd *cobra.Command, args []string) error {
		if doctorResetAll {
			doctorResetConfig = true
			doctorResetData = true
		}

		if !doctorResetConfig && !doctorResetData {
			return fmt.Errorf("specify --config, --data, or --all")
		}

		if doctorResetData {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Store.URL != "" {
				return fmt.Errorf("remote store configured; database reset is not supported")
			}

			absPath, _ := filepath.Abs(cfg.Store.Path)
			if err := os.Remove(absPath); err == nil {
				observability.CLILogger.Info("Database removed", zap.String("path", absPath))
			} else if os.IsNotExist(err) {
				observability.CLILogger.Info("Database already removed", zap.String("path", absPath))
			} else {
				return fmt.Errorf("remove database: %w", err)
			}
		}

		if doctorResetConfig {
			configPath := config.DefaultConfigPath()
			if configPath == "" {
				observability.CLILogger.Warn("Config path not resolved; skipping config reset")
			} else if err := os.Remove(configPath); err == nil {
				observability.CLILogger.Info("Config removed", zap.String("path", configPath))
			} else if os.IsNotExist(err) {
				observability.CLILogger.Info("Config already removed", zap.String("path", configPath))
			} else {
				return fmt.Errorf("remove config file: %w", err)
			}
		}

		return nil
	},
}

var doctorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration for serve",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		if err := validateServeConfig(cfg); err != nil {
			return err
		}

		observability.CLILogger.Info("Config is valid", zap.String("path", config.DefaultConfigPath()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.AddCommand(doctorInitCmd)
	doctorCmd.AddCommand(doctorConfigCmd)
	doctorCmd.AddCommand(doctorResetCmd)
	doctorCmd.AddCommand(doctorValidateCmd)

	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "overwrite existing config file")
	doctorInitCmd.Flags().StringVar(&doctorInitToken, "token", "", "bot token, or 'prompt' to enter it")
	doctorInitCmd.Flags().StringVar(&doctorInitWebhookURL, "webhook-url", "", "public HTTPS URL Telegram should post to")

	doctorResetCmd.Flags().BoolVar(&doctorResetConfig, "config", false, "remove user config file")
	doctorResetCmd.Flags().BoolVar(&doctorResetData, "data", false, "remove local database")
	doctorResetCmd.Flags().BoolVar(&doctorResetAll, "all", false, "remove config and data")
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

func buildInitConfig(token, secret, webhookURL string) string {
	lines := []string{
		"# relaybot config - created by 'relaybot doctor init'",
		"# Defaults for every key: 'relaybot doctor config' and the embedded defaults.yaml.",
		"telegram:",
	}
	if token != "" {
		lines = append(lines, fmt.Sprintf("  token: %q", token))
	} else {
		lines = append(lines, "  # token: \"\"  # Set via "+envPrefixFor("TELEGRAM_TOKEN")+" or uncomment")
	}
	lines = append(lines, fmt.Sprintf("  secret_token: %q", secret))
	if webhookURL != "" {
		lines = append(lines, fmt.Sprintf("  webhook_url: %q", webhookURL))
	} else {
		lines = append(lines, "  # webhook_url: \"https://bot.example.com/webhook\"")
	}
	lines = append(lines,
		"  allowed_user_ids: []",
		"admission:",
		"  max_body_bytes: 1048576",
		"  requests_per_window: 60",
		"  window: 1m",
		"  max_concurrent: 8",
	)
	return strings.Join(lines, "\n") + "\n"
}

func promptForValue(prompt string) (string, error) {
	if _, err := fmt.Fprint(os.Stdout, prompt); err != nil {
		return "", err
	}
	reader := bufio.NewReader(os.Stdin)
	value, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func existenceStatus(exists bool) string {
	if exists {
		return "exists"
	}
	return "missing"
}

func envStatus(name string) string {
	if strings.TrimSpace(os.Getenv(name)) != "" {
		return "(set)"
	}
	return "(not set)"
}

// formatTimeAgo returns a human-readable relative time
func formatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 min ago"
		}
		return fmt.Sprintf("%d mins ago", mins)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}
