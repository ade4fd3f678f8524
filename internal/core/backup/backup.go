// Package backup writes timestamped database snapshots and rotates old ones.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	timestampLayout = "20060102T150405Z"
	fileExt         = ".db"
)

// Snapshotter writes a consistent copy of the database to path.
type Snapshotter interface {
	SnapshotTo(ctx context.Context, path string) error
}

// Backup describes one snapshot file.
type Backup struct {
	Name      string    `json:"name" yaml:"name"`
	Path      string    `json:"path" yaml:"path"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Size      int64     `json:"size" yaml:"size"`
}

// Manager owns the backup directory.
type Manager struct {
	Source Snapshotter
	Dir    string
	Prefix string
	// Keep is the number of newest snapshots Rotate retains. Zero or less
	// disables rotation.
	Keep  int
	Clock func() time.Time
}

// Create snapshots the database into Dir and rotates old snapshots. The new
// backup is returned along with any paths rotation removed.
func (m *Manager) Create(ctx context.Context) (Backup, []string, error) {
	if err := m.validate(); err != nil {
		return Backup{}, nil, err
	}
	if m.Source == nil {
		return Backup{}, nil, errors.New("backup source is not configured")
	}

	createdAt := m.now().UTC().Truncate(time.Second)
	name := fmt.Sprintf("%s-%s%s", m.prefix(), createdAt.Format(timestampLayout), fileExt)
	path := filepath.Join(m.Dir, name)

	if err := m.Source.SnapshotTo(ctx, path); err != nil {
		return Backup{}, nil, fmt.Errorf("create backup %s: %w", name, err)
	}

	backup := Backup{Name: name, Path: path, CreatedAt: createdAt}
	if info, err := os.Stat(path); err == nil {
		backup.Size = info.Size()
	}

	removed, err := m.Rotate()
	if err != nil {
		return backup, removed, fmt.Errorf("rotate backups: %w", err)
	}
	return backup, removed, nil
}

// List returns snapshots in Dir, newest first. A missing directory is empty.
func (m *Manager) List() ([]Backup, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	pattern := filepath.Join(m.Dir, m.prefix()+"-*"+fileExt)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	backups := make([]Backup, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		name := filepath.Base(path)
		createdAt, ok := m.parseTimestamp(name)
		if !ok {
			createdAt = info.ModTime().UTC()
		}
		backups = append(backups, Backup{
			Name:      name,
			Path:      path,
			CreatedAt: createdAt,
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].Name > backups[j].Name
		}
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Rotate deletes all but the newest Keep snapshots and returns the removed
// paths.
func (m *Manager) Rotate() ([]string, error) {
	if m.Keep <= 0 {
		return nil, nil
	}

	backups, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(backups) <= m.Keep {
		return nil, nil
	}

	var (
		removed []string
		errs    []error
	)
	for _, backup := range backups[m.Keep:] {
		if err := os.Remove(backup.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, backup.Path)
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) validate() error {
	if m == nil {
		return errors.New("backup manager is nil")
	}
	if strings.TrimSpace(m.Dir) == "" {
		return errors.New("backup directory is required")
	}
	return nil
}

func (m *Manager) prefix() string {
	if p := strings.TrimSpace(m.Prefix); p != "" {
		return p
	}
	return "backup"
}

func (m *Manager) parseTimestamp(name string) (time.Time, bool) {
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, m.prefix()+"-"), fileExt)
	t, err := time.Parse(timestampLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (m *Manager) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}
