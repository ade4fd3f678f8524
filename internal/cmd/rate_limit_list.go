package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/relaybot/relaybot/internal/core/store"
	"github.com/relaybot/relaybot/internal/output"
)

var (
	rateLimitListAll    bool
	rateLimitListKey    string
	rateLimitListPrefix string
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored rate limit state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}

		query := store.RateLimitQuery{
			All:    rateLimitListAll,
			Key:    strings.TrimSpace(rateLimitListKey),
			Prefix: strings.TrimSpace(rateLimitListPrefix),
		}
		if !query.All && query.Key == "" && query.Prefix == "" {
			query.All = true
		}
		if err := query.Validate(); err != nil {
			return err
		}

		db, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		entries, err := db.ListRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []store.RateLimitEntry{}
		}

		return writeOutput(cmd, entries, func() string { return output.RateLimitsTable(entries) })
	},
}

func init() {
	addOutputFlags(rateLimitListCmd)
	rateLimitListCmd.Flags().BoolVar(&rateLimitListAll, "all", false, "List all keys (default when no filter is given)")
	rateLimitListCmd.Flags().StringVar(&rateLimitListKey, "key", "", "List a single key (exact match)")
	rateLimitListCmd.Flags().StringVar(&rateLimitListPrefix, "prefix", "", "List keys with matching prefix, e.g. chat:")
}
