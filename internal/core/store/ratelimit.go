package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaybot/relaybot/internal/core"
)

// GetRateLimit returns stored limiter state for a key, or nil when the key
// has never been recorded.
func (s *Store) GetRateLimit(ctx context.Context, key string) (*core.RateLimitState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("rate limit key is required")
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT request_count, window_start, backoff_until, last_429_at
		FROM rate_limits
		WHERE limit_key = ?
	`, key)

	var raw rateLimitRow
	if err := row.Scan(&raw.requestCount, &raw.windowStart, &raw.backoffUntil, &raw.last429At); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}

	state := raw.state()
	return &state, nil
}

// UpdateRateLimit upserts limiter state for a key.
func (s *Store) UpdateRateLimit(ctx context.Context, key string, state *core.RateLimitState) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("rate limit key is required")
	}
	if state == nil {
		return errors.New("rate limit state is required")
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO rate_limits (limit_key, request_count, window_start, backoff_until, last_429_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(limit_key) DO UPDATE SET
			request_count = excluded.request_count,
			window_start = excluded.window_start,
			backoff_until = excluded.backoff_until,
			last_429_at = excluded.last_429_at
	`, key, state.RequestCount, state.WindowStart.UTC().Unix(), nullUnix(state.BackoffUntil), nullUnix(state.Last429At))
	if err != nil {
		return fmt.Errorf("store rate limit: %w", err)
	}

	return nil
}

type rateLimitRow struct {
	requestCount int
	windowStart  int64
	backoffUntil sql.NullInt64
	last429At    sql.NullInt64
}

func (r rateLimitRow) state() core.RateLimitState {
	return core.RateLimitState{
		RequestCount: r.requestCount,
		WindowStart:  time.Unix(r.windowStart, 0).UTC(),
		BackoffUntil: timeFromNull(r.backoffUntil),
		Last429At:    timeFromNull(r.last429At),
	}
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	value := time.Unix(v.Int64, 0).UTC()
	return &value
}
