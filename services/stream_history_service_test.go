package services

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/akinalp/livecast/database"
	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg"
	"github.com/akinalp/livecast/repository"
)

func newTestHistoryService(t *testing.T) (StreamHistoryService, repository.StreamHistoryRepository) {
	t.Helper()

	migrations, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	if err != nil {
		t.Fatalf("fs.Sub: %v", err)
	}
	db, err := database.New(filepath.Join(t.TempDir(), "history.db"), migrations)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := repository.NewSQLiteStreamHistoryRepo(db.Conn)
	return NewStreamHistoryService(db.Conn, repo), repo
}

func TestStreamHistoryFollowsRegistry(t *testing.T) {
	svc, repo := newTestHistoryService(t)
	ctx := context.Background()

	clock := newFakeClock()
	reg := newStreamRegistry(5*time.Second, clock.Now)
	reg.OnStreamStarted(func(s models.StreamSession) {
		if err := svc.RecordStart(ctx, s); err != nil {
			t.Errorf("RecordStart: %v", err)
		}
	})
	reg.OnViewerCountChanged(func(s models.StreamSession) {
		if err := svc.RecordViewerCount(ctx, s); err != nil {
			t.Errorf("RecordViewerCount: %v", err)
		}
	})
	reg.OnStreamEnded(func(s models.StreamSession, reason models.EndReason) {
		if err := svc.RecordEnd(ctx, s, reason); err != nil {
			t.Errorf("RecordEnd: %v", err)
		}
	})

	session, _ := reg.RegisterOrUpdate("demo-1", models.StreamMetadata{Title: "Demo", HostName: "Ada"})
	reg.UpdateViewerCount("demo-1", 5)
	reg.UpdateViewerCount("demo-1", 2)
	clock.Advance(time.Minute)
	reg.MarkEnded("demo-1", models.EndReasonHostEnded)

	entry, err := repo.GetByID(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if entry.PeakViewers != 5 {
		t.Errorf("PeakViewers = %d, want 5", entry.PeakViewers)
	}
	if entry.EndReason == nil || *entry.EndReason != string(models.EndReasonHostEnded) {
		t.Errorf("EndReason = %v", entry.EndReason)
	}
	if entry.EndedAt == nil || entry.EndedAt.Sub(entry.StartedAt) != time.Minute {
		t.Errorf("EndedAt = %v, StartedAt = %v", entry.EndedAt, entry.StartedAt)
	}
}

func TestStreamHistoryListLimits(t *testing.T) {
	svc, _ := newTestHistoryService(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		err := svc.RecordStart(ctx, models.StreamSession{
			SessionID:   "s" + string(rune('a'+i)),
			ChannelName: "demo",
			StartTime:   int64(1_700_000_000_000 + i),
		})
		if err != nil {
			t.Fatalf("RecordStart: %v", err)
		}
	}

	tests := []struct {
		limit int
		want  int
	}{
		{0, 20},
		{5, 5},
		{100, 25},
	}
	for _, tt := range tests {
		got, err := svc.List(ctx, tt.limit)
		if err != nil {
			t.Fatalf("List(%d): %v", tt.limit, err)
		}
		if len(got) != tt.want {
			t.Errorf("List(%d) returned %d rows, want %d", tt.limit, len(got), tt.want)
		}
	}

	if _, err := svc.List(ctx, 101); !errors.Is(err, pkg.ErrBadRequest) {
		t.Errorf("List(101) error = %v, want ErrBadRequest", err)
	}

	if err := svc.CloseDangling(ctx); err != nil {
		t.Fatalf("CloseDangling: %v", err)
	}
	all, _ := svc.List(ctx, 100)
	for _, e := range all {
		if e.EndedAt == nil {
			t.Fatalf("entry %s still open after CloseDangling", e.ID)
		}
	}
}
