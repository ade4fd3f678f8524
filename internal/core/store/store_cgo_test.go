//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaybot/relaybot/internal/config"
	"github.com/relaybot/relaybot/internal/core"
	"github.com/stretchr/testify/require"
)

func TestOpenMemoryStore(t *testing.T) {
	ctx := context.Background()
	cfg := config.StoreConfig{
		Driver: "libsql",
		Path:   ":memory:",
	}

	store, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
	require.Equal(t, "libsql", store.Driver())
	require.NoError(t, store.Close())
}

func TestUpdatesRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: filepath.Join(dir, "relaybot.db")})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Migrate(ctx))
	require.True(t, store.Local())

	received := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	record := core.UpdateRecord{UpdateID: 1, ChatID: 42, UserID: 7, Kind: core.UpdateKindText, Payload: "hi", ReceivedAt: received}

	inserted, err := store.RecordUpdate(ctx, record)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.RecordUpdate(ctx, record)
	require.NoError(t, err)
	require.False(t, inserted, "redelivered update must be deduplicated")

	require.NoError(t, store.MarkUpdate(ctx, 1, core.UpdateStatusProcessed, "", received.Add(time.Second)))

	old := core.UpdateRecord{UpdateID: 2, ChatID: 42, Kind: core.UpdateKindVoice, ReceivedAt: received.Add(-48 * time.Hour)}
	_, err = store.RecordUpdate(ctx, old)
	require.NoError(t, err)

	records, err := store.ListUpdates(ctx, UpdateQuery{ChatID: 42})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 1, records[0].UpdateID)
	require.Equal(t, core.UpdateStatusProcessed, records[0].Status)

	pruned, err := store.PruneUpdates(ctx, received.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	count, err := store.CountUpdates(ctx, UpdateQuery{})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	snapshot := filepath.Join(dir, "backups", "snap.db")
	require.NoError(t, store.SnapshotTo(ctx, snapshot))
	require.FileExists(t, snapshot)
	require.Error(t, store.SnapshotTo(ctx, snapshot), "existing targets are not overwritten")
}

func TestRateLimitsRoundTrip(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Migrate(ctx))

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	backoff := start.Add(30 * time.Second)
	require.NoError(t, store.UpdateRateLimit(ctx, "chat:42", &core.RateLimitState{RequestCount: 3, WindowStart: start, BackoffUntil: &backoff}))
	require.NoError(t, store.UpdateRateLimit(ctx, "global", &core.RateLimitState{RequestCount: 1, WindowStart: start}))

	state, err := store.GetRateLimit(ctx, "chat:42")
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Equal(t, 3, state.RequestCount)
	require.NotNil(t, state.BackoffUntil)
	require.True(t, backoff.Equal(*state.BackoffUntil))

	entries, err := store.ListRateLimits(ctx, RateLimitQuery{Prefix: "chat:"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "chat:42", entries[0].Key)

	removed, err := store.ResetRateLimits(ctx, RateLimitQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)
}
