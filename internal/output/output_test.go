package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/relaybot/relaybot/internal/core"
	"github.com/relaybot/relaybot/internal/core/backup"
	"github.com/relaybot/relaybot/internal/core/store"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("yml")
	require.NoError(t, err)
	require.Equal(t, FormatYAML, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "json", Extension(FormatJSON))
	assert.Equal(t, "yaml", Extension(FormatYAML))
	assert.Equal(t, "txt", Extension(FormatTable))
}

func sampleUpdates() []core.UpdateRecord {
	processed := time.Date(2025, 3, 1, 12, 0, 1, 0, time.UTC)
	return []core.UpdateRecord{
		{
			UpdateID:    1002,
			ChatID:      42,
			UserID:      42,
			Kind:        core.UpdateKindCommand,
			Payload:     "/ping",
			Status:      core.UpdateStatusProcessed,
			ReceivedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			ProcessedAt: &processed,
		},
		{
			UpdateID:   1001,
			ChatID:     42,
			UserID:     42,
			Kind:       core.UpdateKindText,
			Payload:    "hello",
			Status:     core.UpdateStatusFailed,
			Error:      "send: flood control",
			ReceivedAt: time.Date(2025, 3, 1, 11, 59, 0, 0, time.UTC),
		},
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, sampleUpdates(), func() string {
		t.Fatal("table renderer must not run for json")
		return ""
	}))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.EqualValues(t, 1002, decoded[0]["update_id"])
	assert.Equal(t, "processed", decoded[0]["status"])
	assert.Equal(t, "send: flood control", decoded[1]["error"])
	assert.NotContains(t, decoded[1], "processed_at")
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	entries := []store.RateLimitEntry{{
		Key:   "chat:42",
		State: core.RateLimitState{RequestCount: 3, WindowStart: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
	}}
	require.NoError(t, Write(&buf, FormatYAML, entries, nil))

	out := buf.String()
	assert.Contains(t, out, "chat:42")
	assert.Contains(t, out, "request_count: 3")
	assert.NotContains(t, out, "backoff_until")

	var decoded []store.RateLimitEntry
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, 3, decoded[0].State.RequestCount)
}

func TestWriteTableAddsNewline(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatTable, nil, func() string { return "x" }))
	assert.Equal(t, "x\n", buf.String())
}

func TestUpdatesTable(t *testing.T) {
	rendered := UpdatesTable(sampleUpdates())
	assert.Contains(t, rendered, "1002")
	assert.Contains(t, rendered, "/ping")
	assert.Contains(t, rendered, "error: send: flood control")
	assert.Contains(t, rendered, "2 update(s)")

	assert.Contains(t, UpdatesTable(nil), "no updates recorded")
}

func TestBackupsTable(t *testing.T) {
	rendered := BackupsTable([]backup.Backup{
		{Name: "relaybot-20250302T000000Z.db", CreatedAt: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), Size: 2048},
		{Name: "relaybot-20250301T000000Z.db", CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Size: 512},
	})
	assert.Contains(t, rendered, "relaybot-20250302T000000Z.db")
	assert.Contains(t, rendered, "2.0 KiB")
	assert.Contains(t, rendered, "512 B")
	assert.Contains(t, rendered, "2 backup(s)")

	assert.Contains(t, BackupsTable(nil), "no backups found")
}

func TestRateLimitsTable(t *testing.T) {
	backoff := time.Date(2025, 3, 1, 0, 0, 30, 0, time.UTC)
	rendered := RateLimitsTable([]store.RateLimitEntry{
		{Key: "global", State: core.RateLimitState{RequestCount: 12}},
		{Key: "chat:42", State: core.RateLimitState{RequestCount: 1, BackoffUntil: &backoff}},
	})
	assert.Contains(t, rendered, "global")
	assert.Contains(t, rendered, "chat:42")
	assert.Contains(t, rendered, "2025-03-01T00:00:30Z")

	assert.Contains(t, RateLimitsTable(nil), "no stored rate limit state")
}

func TestWebhookInfoTable(t *testing.T) {
	rendered := WebhookInfoTable(tgbotapi.WebhookInfo{
		URL:                "https://bot.example.com/webhook",
		PendingUpdateCount: 3,
		MaxConnections:     10,
		AllowedUpdates:     []string{"message", "callback_query"},
		LastErrorDate:      1740787200,
		LastErrorMessage:   "Wrong response from the webhook: 503 Service Unavailable",
	})
	assert.Contains(t, rendered, "https://bot.example.com/webhook")
	assert.Contains(t, rendered, "message, callback_query")
	assert.Contains(t, rendered, "503 Service Unavailable")

	assert.Contains(t, WebhookInfoTable(tgbotapi.WebhookInfo{}), "(not set)")
}

func TestPreviewAndHumanBytes(t *testing.T) {
	long := strings.Repeat("word ", 40)
	p := preview(long)
	assert.LessOrEqual(t, len([]rune(p)), previewRunes)
	assert.True(t, strings.HasSuffix(p, "…"))
	assert.Equal(t, "a b", preview("a\n  b"))

	assert.Equal(t, "0 B", humanBytes(0))
	assert.Equal(t, "1.0 MiB", humanBytes(1<<20))
}
