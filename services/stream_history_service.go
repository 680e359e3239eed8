package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/akinalp/livecast/database"
	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg"
	"github.com/akinalp/livecast/repository"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// StreamHistoryService keeps a durable record of broadcasts. It is fed by
// registry callbacks (see init_callbacks.go) and read by GET /streams/history.
type StreamHistoryService interface {
	RecordStart(ctx context.Context, s models.StreamSession) error
	RecordViewerCount(ctx context.Context, s models.StreamSession) error
	RecordEnd(ctx context.Context, s models.StreamSession, reason models.EndReason) error

	// List returns the newest entries. limit <= 0 means the default (20);
	// anything above 100 is rejected.
	List(ctx context.Context, limit int) ([]models.StreamHistoryEntry, error)

	// CloseDangling finishes rows left open by an unclean shutdown.
	CloseDangling(ctx context.Context) error
}

type streamHistoryService struct {
	conn *sql.DB
	repo repository.StreamHistoryRepository
}

// NewStreamHistoryService needs the raw connection as well as the repository:
// RecordEnd writes the final peak and the end stamp in one transaction.
func NewStreamHistoryService(conn *sql.DB, repo repository.StreamHistoryRepository) StreamHistoryService {
	return &streamHistoryService{conn: conn, repo: repo}
}

func (s *streamHistoryService) RecordStart(ctx context.Context, session models.StreamSession) error {
	return s.repo.Create(ctx, &models.StreamHistoryEntry{
		ID:           session.SessionID,
		ChannelName:  session.ChannelName,
		Title:        session.Title,
		HostName:     session.HostName,
		HostIdentity: session.HostIdentity,
		StartedAt:    time.UnixMilli(session.StartTime).UTC(),
		PeakViewers:  session.ViewerCount,
	})
}

func (s *streamHistoryService) RecordViewerCount(ctx context.Context, session models.StreamSession) error {
	return s.repo.RaisePeak(ctx, session.SessionID, session.ViewerCount)
}

func (s *streamHistoryService) RecordEnd(ctx context.Context, session models.StreamSession, reason models.EndReason) error {
	endedAt := session.EndedAt
	if endedAt == 0 {
		endedAt = time.Now().UnixMilli()
	}

	return database.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		txRepo := repository.NewSQLiteStreamHistoryRepo(tx)
		if err := txRepo.RaisePeak(ctx, session.SessionID, session.ViewerCount); err != nil {
			return err
		}
		if _, err := txRepo.Finish(ctx, session.SessionID, endedAt, string(reason)); err != nil {
			return err
		}
		return nil
	})
}

func (s *streamHistoryService) List(ctx context.Context, limit int) ([]models.StreamHistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return nil, fmt.Errorf("%w: limit must be at most %d", pkg.ErrBadRequest, maxHistoryLimit)
	}
	return s.repo.ListRecent(ctx, limit)
}

func (s *streamHistoryService) CloseDangling(ctx context.Context) error {
	n, err := s.repo.FinishOpen(ctx, time.Now().UnixMilli(), string(models.EndReasonShutdown))
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("[history] closed %d rows left open by a previous run", n)
	}
	return nil
}
