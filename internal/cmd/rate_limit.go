package cmd

import "github.com/spf13/cobra"

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Manage persisted outbound rate limit state",
	Long: `Manage the outbound Telegram rate limit state persisted in the store.

Keys are "global", "chat:<id>" for private chats and "group:<id>" for groups.`,
}

func init() {
	rateLimitCmd.AddCommand(rateLimitListCmd)
	rateLimitCmd.AddCommand(rateLimitResetCmd)
	rootCmd.AddCommand(rateLimitCmd)
}
