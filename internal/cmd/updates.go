package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/core"
	"github.com/relaybot/relaybot/internal/core/store"
	"github.com/relaybot/relaybot/internal/observability"
	"github.com/relaybot/relaybot/internal/output"
)

var (
	updatesListChat   int64
	updatesListStatus string
	updatesListSince  time.Duration
	updatesListLimit  int

	updatesPruneOlderThan time.Duration
)

var updatesCmd = &cobra.Command{
	Use:   "updates",
	Short: "Inspect and prune the update transcript",
}

// updatesQuery builds the list filter from flags relative to now.
func updatesQuery(chat int64, status string, since time.Duration, limit int, now time.Time) (store.UpdateQuery, error) {
	q := store.UpdateQuery{ChatID: chat, Limit: limit}
	if s := core.UpdateStatus(strings.ToLower(strings.TrimSpace(status))); s != "" {
		if !s.Valid() {
			return store.UpdateQuery{}, fmt.Errorf("unknown status %q (want received, processed, ignored or failed)", status)
		}
		q.Status = s
	}
	if since < 0 {
		return store.UpdateQuery{}, fmt.Errorf("--since must not be negative")
	}
	if since > 0 {
		q.Since = now.Add(-since)
	}
	if limit < 0 {
		return store.UpdateQuery{}, fmt.Errorf("--limit must not be negative")
	}
	return q, nil
}

var updatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded updates, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}
		query, err := updatesQuery(updatesListChat, updatesListStatus, updatesListSince, updatesListLimit, time.Now())
		if err != nil {
			return err
		}

		db, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		records, err := db.ListUpdates(cmd.Context(), query)
		if err != nil {
			return err
		}
		return writeOutput(cmd, records, func() string { return output.UpdatesTable(records) })
	},
}

var updatesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete updates older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, cfg, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		maxAge := cfg.Retention.Updates
		if cmd.Flags().Changed("older-than") {
			maxAge = updatesPruneOlderThan
		}
		if maxAge <= 0 {
			return fmt.Errorf("no retention period: set retention.updates or pass --older-than")
		}

		cutoff := time.Now().Add(-maxAge)
		removed, err := db.PruneUpdates(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		observability.CLILogger.Info(fmt.Sprintf("Pruned %d update(s)", removed),
			zap.Time("before", cutoff.UTC()),
			zap.Int64("removed", removed))
		return nil
	},
}

func init() {
	addOutputFlags(updatesListCmd)
	updatesListCmd.Flags().Int64Var(&updatesListChat, "chat", 0, "only updates from this chat id")
	updatesListCmd.Flags().StringVar(&updatesListStatus, "status", "", "only updates with this status")
	updatesListCmd.Flags().DurationVar(&updatesListSince, "since", 0, "only updates received within this duration, e.g. 24h")
	updatesListCmd.Flags().IntVar(&updatesListLimit, "limit", 50, "maximum rows (0 for all)")

	updatesPruneCmd.Flags().DurationVar(&updatesPruneOlderThan, "older-than", 0, "delete updates older than this (default retention.updates)")

	updatesCmd.AddCommand(updatesListCmd)
	updatesCmd.AddCommand(updatesPruneCmd)
	rootCmd.AddCommand(updatesCmd)
}
