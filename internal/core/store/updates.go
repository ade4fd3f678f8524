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

// UpdateQuery filters the update transcript. Zero values mean no filter.
type UpdateQuery struct {
	ChatID int64
	Status core.UpdateStatus
	Since  time.Time
	Limit  int
}

func (q UpdateQuery) whereClause() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if q.ChatID != 0 {
		clauses = append(clauses, "chat_id = ?")
		args = append(args, q.ChatID)
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "received_at >= ?")
		args = append(args, q.Since.UTC().Unix())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// RecordUpdate inserts the update if its update_id is new. inserted is false
// when Telegram redelivered an update that is already on file.
func (s *Store) RecordUpdate(ctx context.Context, record core.UpdateRecord) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	status := record.Status
	if status == "" {
		status = core.UpdateStatusReceived
	}
	receivedAt := record.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	result, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO updates (update_id, chat_id, user_id, kind, payload, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, record.UpdateID, record.ChatID, record.UserID, string(record.Kind), nullString(record.Payload), string(status), receivedAt.UTC().Unix())
	if err != nil {
		return false, fmt.Errorf("record update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record update: %w", err)
	}
	return affected > 0, nil
}

// MarkUpdate sets the final status of an update.
func (s *Store) MarkUpdate(ctx context.Context, updateID int, status core.UpdateStatus, errText string, at time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !status.Valid() {
		return fmt.Errorf("invalid update status %q", status)
	}

	result, err := s.DB.ExecContext(ctx, `
		UPDATE updates
		SET status = ?, error = ?, processed_at = ?
		WHERE update_id = ?
	`, string(status), nullString(errText), at.UTC().Unix(), updateID)
	if err != nil {
		return fmt.Errorf("mark update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("mark update: update %d not found", updateID)
	}
	return nil
}

// ListUpdates returns matching updates, newest first.
func (s *Store) ListUpdates(ctx context.Context, q UpdateQuery) ([]core.UpdateRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args := q.whereClause()
	query := fmt.Sprintf(`
		SELECT update_id, chat_id, user_id, kind, payload, status, error, received_at, processed_at
		FROM updates
		%s
		ORDER BY received_at DESC, update_id DESC
	`, where)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	records := []core.UpdateRecord{}
	for rows.Next() {
		var (
			record      core.UpdateRecord
			kind        string
			status      string
			payload     sql.NullString
			errText     sql.NullString
			receivedAt  int64
			processedAt sql.NullInt64
		)
		if err := rows.Scan(&record.UpdateID, &record.ChatID, &record.UserID, &kind, &payload, &status, &errText, &receivedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scan updates: %w", err)
		}
		record.Kind = core.UpdateKind(kind)
		record.Status = core.UpdateStatus(status)
		record.Payload = payload.String
		record.Error = errText.String
		record.ReceivedAt = time.Unix(receivedAt, 0).UTC()
		record.ProcessedAt = timeFromNull(processedAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}

	return records, nil
}

// CountUpdates counts matching updates. Limit is ignored.
func (s *Store) CountUpdates(ctx context.Context, q UpdateQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args := q.whereClause()
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM updates "+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count updates: %w", err)
	}
	return count, nil
}

// PruneUpdates deletes updates received before the cutoff.
func (s *Store) PruneUpdates(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if before.IsZero() {
		return 0, errors.New("prune cutoff is required")
	}

	result, err := s.DB.ExecContext(ctx, "DELETE FROM updates WHERE received_at < ?", before.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune updates: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune updates: %w", err)
	}
	return affected, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
