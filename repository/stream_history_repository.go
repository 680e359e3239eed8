// Package repository contains the data access layer. Services depend on the
// interfaces declared here, never on SQLite directly.
package repository

import (
	"context"

	"github.com/akinalp/livecast/models"
)

// StreamHistoryRepository persists finished and running broadcasts.
type StreamHistoryRepository interface {
	// Create inserts the row of a broadcast that just went live.
	Create(ctx context.Context, entry *models.StreamHistoryEntry) error

	// RaisePeak sets peak_viewers to viewers if that is higher than the stored value.
	RaisePeak(ctx context.Context, id string, viewers int) error

	// Finish stamps ended_at and end_reason. Rows that are already finished
	// are left as they are; the return value reports whether a row changed.
	Finish(ctx context.Context, id string, endedAtMillis int64, reason string) (bool, error)

	// GetByID returns one row or pkg.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.StreamHistoryEntry, error)

	// ListRecent returns the newest rows first.
	ListRecent(ctx context.Context, limit int) ([]models.StreamHistoryEntry, error)

	// FinishOpen closes every row still open, e.g. after a crash left rows
	// without ended_at. Returns the number of rows closed.
	FinishOpen(ctx context.Context, endedAtMillis int64, reason string) (int64, error)
}
