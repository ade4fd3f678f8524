package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileSnapshotter writes a fixed payload, standing in for VACUUM INTO.
type fileSnapshotter struct {
	err   error
	paths []string
}

func (f *fileSnapshotter) SnapshotTo(ctx context.Context, path string) error {
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f.paths = append(f.paths, path)
	return os.WriteFile(path, []byte("SQLite format 3\x00"), 0o600)
}

func TestCreate(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 3, 1, 4, 5, 6, 0, time.UTC)
	source := &fileSnapshotter{}
	m := &Manager{Source: source, Dir: dir, Prefix: "relaybot", Keep: 3, Clock: func() time.Time { return now }}

	backup, removed, err := m.Create(context.Background())
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, "relaybot-20250301T040506Z.db", backup.Name)
	assert.Equal(t, filepath.Join(dir, backup.Name), backup.Path)
	assert.Equal(t, now, backup.CreatedAt)
	assert.Equal(t, int64(16), backup.Size)
	assert.FileExists(t, backup.Path)
}

func TestCreateRotates(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	m := &Manager{Source: &fileSnapshotter{}, Dir: dir, Prefix: "relaybot", Keep: 2, Clock: func() time.Time { return now }}

	var all []Backup
	for i := 0; i < 4; i++ {
		backup, _, err := m.Create(context.Background())
		require.NoError(t, err)
		all = append(all, backup)
		now = now.Add(24 * time.Hour)
	}

	backups, err := m.List()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, all[3].Name, backups[0].Name)
	assert.Equal(t, all[2].Name, backups[1].Name)
	assert.NoFileExists(t, all[0].Path)
	assert.NoFileExists(t, all[1].Path)
}

func TestListIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"relaybot-20250101T000000Z.db",
		"relaybot-20250301T000000Z.db",
		"relaybot-20250201T000000Z.db",
		"other-20250401T000000Z.db",
		"relaybot-notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	m := &Manager{Dir: dir, Prefix: "relaybot"}
	backups, err := m.List()
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, "relaybot-20250301T000000Z.db", backups[0].Name)
	assert.Equal(t, "relaybot-20250201T000000Z.db", backups[1].Name)
	assert.Equal(t, "relaybot-20250101T000000Z.db", backups[2].Name)
}

func TestListMissingDir(t *testing.T) {
	m := &Manager{Dir: filepath.Join(t.TempDir(), "absent"), Prefix: "relaybot"}
	backups, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRotateKeepZeroDisables(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relaybot-20250101T000000Z.db"), []byte("x"), 0o600))

	m := &Manager{Dir: dir, Prefix: "relaybot"}
	removed, err := m.Rotate()
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestCreateSnapshotFailure(t *testing.T) {
	m := &Manager{Source: &fileSnapshotter{err: errors.New("locked")}, Dir: t.TempDir()}
	_, _, err := m.Create(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
}

func TestCreateRequiresDir(t *testing.T) {
	m := &Manager{Source: &fileSnapshotter{}}
	_, _, err := m.Create(context.Background())
	require.Error(t, err)
}
