package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/akinalp/livecast/database"
	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg"
)

type sqliteStreamHistoryRepo struct {
	db database.TxQuerier
}

// NewSQLiteStreamHistoryRepo accepts *sql.DB or *sql.Tx.
func NewSQLiteStreamHistoryRepo(db database.TxQuerier) StreamHistoryRepository {
	return &sqliteStreamHistoryRepo{db: db}
}

func (r *sqliteStreamHistoryRepo) Create(ctx context.Context, entry *models.StreamHistoryEntry) error {
	query := `
		INSERT INTO stream_history (id, channel_name, title, host_name, host_identity, started_at, peak_viewers)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.ChannelName,
		entry.Title,
		entry.HostName,
		entry.HostIdentity,
		entry.StartedAt.UnixMilli(),
		entry.PeakViewers,
	)
	if err != nil {
		return fmt.Errorf("failed to insert stream history: %w", err)
	}
	return nil
}

func (r *sqliteStreamHistoryRepo) RaisePeak(ctx context.Context, id string, viewers int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE stream_history SET peak_viewers = ? WHERE id = ? AND peak_viewers < ?`,
		viewers, id, viewers,
	)
	if err != nil {
		return fmt.Errorf("failed to raise peak viewers: %w", err)
	}
	return nil
}

func (r *sqliteStreamHistoryRepo) Finish(ctx context.Context, id string, endedAtMillis int64, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE stream_history SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL`,
		endedAtMillis, reason, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finish stream history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *sqliteStreamHistoryRepo) GetByID(ctx context.Context, id string) (*models.StreamHistoryEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, channel_name, title, host_name, host_identity, started_at, ended_at, end_reason, peak_viewers
		FROM stream_history WHERE id = ?`, id)

	entry, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: stream history %s", pkg.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream history: %w", err)
	}
	return entry, nil
}

func (r *sqliteStreamHistoryRepo) ListRecent(ctx context.Context, limit int) ([]models.StreamHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, channel_name, title, host_name, host_identity, started_at, ended_at, end_reason, peak_viewers
		FROM stream_history
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stream history: %w", err)
	}
	defer rows.Close()

	entries := make([]models.StreamHistoryEntry, 0, limit)
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream history: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stream history: %w", err)
	}
	return entries, nil
}

func (r *sqliteStreamHistoryRepo) FinishOpen(ctx context.Context, endedAtMillis int64, reason string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE stream_history SET ended_at = ?, end_reason = ? WHERE ended_at IS NULL`,
		endedAtMillis, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to finish open stream history: %w", err)
	}
	return result.RowsAffected()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanHistory(s scanner) (*models.StreamHistoryEntry, error) {
	var (
		entry     models.StreamHistoryEntry
		startedAt int64
		endedAt   sql.NullInt64
		endReason sql.NullString
	)
	if err := s.Scan(
		&entry.ID,
		&entry.ChannelName,
		&entry.Title,
		&entry.HostName,
		&entry.HostIdentity,
		&startedAt,
		&endedAt,
		&endReason,
		&entry.PeakViewers,
	); err != nil {
		return nil, err
	}

	entry.StartedAt = time.UnixMilli(startedAt).UTC()
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64).UTC()
		entry.EndedAt = &t
	}
	if endReason.Valid {
		entry.EndReason = &endReason.String
	}
	return &entry, nil
}
