package output

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/relaybot/relaybot/internal/core"
	"github.com/relaybot/relaybot/internal/core/backup"
	"github.com/relaybot/relaybot/internal/core/store"
)

const previewRunes = 48

// Box draws a titled message box, used for empty results and summaries.
func Box(title string, lines ...string) string {
	body := append([]string{title, ""}, lines...)
	return ascii.DrawBox(strings.Join(body, "\n"), 0)
}

func newTable(header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(header)
	return t
}

// UpdatesTable renders the update transcript.
func UpdatesTable(records []core.UpdateRecord) string {
	if len(records) == 0 {
		return Box("Updates", "(no updates recorded)")
	}

	t := newTable(table.Row{"Update", "Chat", "User", "Kind", "Status", "Received", "Payload"})
	for _, rec := range records {
		payload := preview(rec.Payload)
		if rec.Error != "" {
			payload = "error: " + preview(rec.Error)
		}
		t.AppendRow(table.Row{
			rec.UpdateID,
			rec.ChatID,
			rec.UserID,
			string(rec.Kind),
			string(rec.Status),
			formatTime(rec.ReceivedAt),
			payload,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", fmt.Sprintf("%d update(s)", len(records))})
	return t.Render()
}

// BackupsTable renders snapshot files, newest first.
func BackupsTable(backups []backup.Backup) string {
	if len(backups) == 0 {
		return Box("Backups", "(no backups found)")
	}

	t := newTable(table.Row{"Name", "Created", "Size"})
	var total int64
	for _, b := range backups {
		total += b.Size
		t.AppendRow(table.Row{b.Name, formatTime(b.CreatedAt), humanBytes(b.Size)})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d backup(s)", len(backups)), "", humanBytes(total)})
	return t.Render()
}

// RateLimitsTable renders persisted outbound limiter state.
func RateLimitsTable(entries []store.RateLimitEntry) string {
	if len(entries) == 0 {
		return Box("Rate Limits", "(no stored rate limit state)")
	}

	t := newTable(table.Row{"Key", "Count", "Window Start", "Backoff Until", "Last 429"})
	for _, entry := range entries {
		t.AppendRow(table.Row{
			entry.Key,
			entry.State.RequestCount,
			formatTime(entry.State.WindowStart),
			formatTimePtr(entry.State.BackoffUntil),
			formatTimePtr(entry.State.Last429At),
		})
	}
	return t.Render()
}

// WebhookInfoTable renders the result of getWebhookInfo.
func WebhookInfoTable(info tgbotapi.WebhookInfo) string {
	url := info.URL
	if url == "" {
		url = "(not set)"
	}

	t := newTable(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"URL", url})
	t.AppendRow(table.Row{"Pending updates", info.PendingUpdateCount})
	t.AppendRow(table.Row{"Max connections", info.MaxConnections})
	t.AppendRow(table.Row{"Allowed updates", joinOrDash(info.AllowedUpdates)})
	if info.IPAddress != "" {
		t.AppendRow(table.Row{"IP address", info.IPAddress})
	}
	if info.HasCustomCertificate {
		t.AppendRow(table.Row{"Custom certificate", "yes"})
	}
	if info.LastErrorDate > 0 {
		t.AppendRow(table.Row{"Last error at", formatTime(time.Unix(int64(info.LastErrorDate), 0))})
		t.AppendRow(table.Row{"Last error", info.LastErrorMessage})
	}
	return t.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}

func preview(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	runes := []rune(value)
	if len(runes) <= previewRunes {
		return value
	}
	return string(runes[:previewRunes-1]) + "…"
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
