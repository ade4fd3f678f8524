package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/observability"
	"github.com/relaybot/relaybot/internal/output"
	"github.com/relaybot/relaybot/internal/telegram"
)

var (
	webhookSetURL      string
	webhookDropPending bool
	webhookDeleteDrop  bool
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage the Telegram webhook registration",
}

var webhookSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Register the webhook URL with Telegram",
	Long: `Register the webhook with setWebhook using the telegram config section.

The secret token is always sent so the server can authenticate deliveries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Telegram.SecretToken) == "" {
			return fmt.Errorf("telegram.secret_token is required to register a webhook")
		}

		opts := telegram.WebhookOptionsFromConfig(cfg.Telegram)
		if strings.TrimSpace(webhookSetURL) != "" {
			opts.URL = strings.TrimSpace(webhookSetURL)
		}
		if cmd.Flags().Changed("drop-pending") {
			opts.DropPendingUpdates = webhookDropPending
		}
		if err := opts.Validate(); err != nil {
			return err
		}

		bot, err := newTelegramClient(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		if err := bot.SetWebhook(cmd.Context(), opts); err != nil {
			return err
		}

		observability.CLILogger.Info("Webhook registered",
			zap.String("url", opts.URL),
			zap.Int("max_connections", opts.MaxConnections),
			zap.Strings("allowed_updates", opts.AllowedUpdates))
		return nil
	},
}

var webhookDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the webhook registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		bot, err := newTelegramClient(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		if err := bot.DeleteWebhook(cmd.Context(), webhookDeleteDrop); err != nil {
			return err
		}
		observability.CLILogger.Info("Webhook deleted", zap.Bool("drop_pending_updates", webhookDeleteDrop))
		return nil
	},
}

var webhookInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the webhook Telegram has on file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		bot, err := newTelegramClient(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		info, err := bot.WebhookInfo(cmd.Context())
		if err != nil {
			return err
		}
		return writeOutput(cmd, info, func() string { return output.WebhookInfoTable(info) })
	},
}

func init() {
	webhookSetCmd.Flags().StringVar(&webhookSetURL, "url", "", "public HTTPS URL (overrides telegram.webhook_url)")
	webhookSetCmd.Flags().BoolVar(&webhookDropPending, "drop-pending", false, "drop updates queued while no webhook was set")
	webhookDeleteCmd.Flags().BoolVar(&webhookDeleteDrop, "drop-pending", false, "drop queued updates")
	addOutputFlags(webhookInfoCmd)

	webhookCmd.AddCommand(webhookSetCmd)
	webhookCmd.AddCommand(webhookDeleteCmd)
	webhookCmd.AddCommand(webhookInfoCmd)
	rootCmd.AddCommand(webhookCmd)
}
