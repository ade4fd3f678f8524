package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/relaybot/relaybot/internal/errors"
	"github.com/relaybot/relaybot/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Run a self-health check to verify the application can start successfully.",
	Run: func(cmd *cobra.Command, args []string) {
		if observability.CLILogger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		log := observability.CLILogger
		log.Info("Running health check...")

		// Check 1: Version info available
		if versionInfo.Version == "" {
			log.Error("❌ FAIL: Version information missing")
			ExitWithCode(log, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		log.Debug("Version check passed", zap.String("version", versionInfo.Version))
		log.Info("✅ Version information available")
		log.Info("✅ Logger initialized")

		// Check 3: Configuration loads and merges
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			log.Error("❌ FAIL: Configuration could not be loaded")
			ExitWithCode(log, foundry.ExitConfigInvalid, "Configuration could not be loaded", errwrap.WrapConfigInvalid(cmd.Context(), err, "config load failed"))
			return
		}
		log.Info("✅ Configuration loaded")

		// Check 4: Admission limits usable
		if err := admissionLimits(cfg.Admission).Validate(); err != nil {
			log.Error("❌ FAIL: Admission limits invalid", zap.Error(err))
			ExitWithCode(log, foundry.ExitConfigInvalid, "Admission limits invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "invalid admission limits"))
			return
		}
		log.Info("✅ Admission limits valid")

		log.Info("")
		log.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
