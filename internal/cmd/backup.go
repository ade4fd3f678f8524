package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/core/backup"
	"github.com/relaybot/relaybot/internal/observability"
	"github.com/relaybot/relaybot/internal/output"
)

var (
	backupPruneKeep   int
	backupPruneDryRun bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create and manage database snapshots",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the database now",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}
		db, cfg, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		if !db.Local() {
			return errors.New("backups are only supported for a local store file")
		}

		manager := newBackupManager(db, cfg.Backup)
		created, removed, err := manager.Create(cmd.Context())
		if err != nil {
			return err
		}
		for _, path := range removed {
			observability.CLILogger.Debug("Rotated backup", zap.String("path", path))
		}

		return writeOutput(cmd, created, func() string { return output.BackupsTable([]backup.Backup{created}) })
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		backups, err := newBackupManager(nil, cfg.Backup).List()
		if err != nil {
			return err
		}
		return writeOutput(cmd, backups, func() string { return output.BackupsTable(backups) })
	},
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		manager := newBackupManager(nil, cfg.Backup)
		if cmd.Flags().Changed("keep") {
			manager.Keep = backupPruneKeep
		}
		if manager.Keep <= 0 {
			return fmt.Errorf("keep must be positive, got %d", manager.Keep)
		}

		if backupPruneDryRun {
			backups, err := manager.List()
			if err != nil {
				return err
			}
			if len(backups) <= manager.Keep {
				observability.CLILogger.Info("Nothing to prune", zap.Int("backups", len(backups)), zap.Int("keep", manager.Keep))
				return nil
			}
			for _, b := range backups[manager.Keep:] {
				observability.CLILogger.Info("Would remove "+b.Name, zap.String("path", b.Path))
			}
			return nil
		}

		removed, err := manager.Rotate()
		for _, path := range removed {
			observability.CLILogger.Info("Removed backup", zap.String("path", path))
		}
		if err != nil {
			return err
		}
		observability.CLILogger.Info(fmt.Sprintf("Pruned %d backup(s)", len(removed)), zap.Int("keep", manager.Keep))
		return nil
	},
}

func init() {
	addOutputFlags(backupCreateCmd)
	addOutputFlags(backupListCmd)
	backupPruneCmd.Flags().IntVar(&backupPruneKeep, "keep", 0, "snapshots to keep (default backup.keep)")
	backupPruneCmd.Flags().BoolVar(&backupPruneDryRun, "dry-run", false, "show what would be removed")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupPruneCmd)
	rootCmd.AddCommand(backupCmd)
}
