package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SnapshotTo writes a consistent copy of the database to path using
// VACUUM INTO. The target must not exist yet.
func (s *Store) SnapshotTo(ctx context.Context, path string) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.Local() {
		return errors.New("snapshots require a local file store")
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("snapshot path is required")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("snapshot target already exists: %s", path)
	}

	// #nosec G301 -- backup directories mirror the data directory permissions
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	if _, err := s.DB.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("snapshot database: %w", err)
	}
	return nil
}
