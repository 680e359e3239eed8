package repository

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
)

func newTestRepo(t *testing.T) StreamHistoryRepository {
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
	return NewSQLiteStreamHistoryRepo(db.Conn)
}

func TestStreamHistoryLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	started := time.UnixMilli(1_700_000_000_000).UTC()

	if err := repo.Create(ctx, &models.StreamHistoryEntry{
		ID:          "s1",
		ChannelName: "demo-1",
		Title:       "Demo",
		HostName:    "Ada",
		StartedAt:   started,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, n := range []int{3, 7, 5} {
		if err := repo.RaisePeak(ctx, "s1", n); err != nil {
			t.Fatalf("RaisePeak(%d): %v", n, err)
		}
	}

	changed, err := repo.Finish(ctx, "s1", started.Add(time.Minute).UnixMilli(), "host_ended")
	if err != nil || !changed {
		t.Fatalf("Finish = %v, %v; want true, nil", changed, err)
	}
	changed, err = repo.Finish(ctx, "s1", started.Add(2*time.Minute).UnixMilli(), "expired")
	if err != nil || changed {
		t.Fatalf("second Finish = %v, %v; want false, nil", changed, err)
	}

	got, err := repo.GetByID(ctx, "s1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.PeakViewers != 7 {
		t.Errorf("PeakViewers = %d, want 7", got.PeakViewers)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.EndReason == nil || *got.EndReason != "host_ended" {
		t.Errorf("EndReason = %v, want host_ended", got.EndReason)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(started.Add(time.Minute)) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, started.Add(time.Minute))
	}
}

func TestStreamHistoryListRecentAndFinishOpen(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i, id := range []string{"a", "b", "c"} {
		if err := repo.Create(ctx, &models.StreamHistoryEntry{
			ID:          id,
			ChannelName: "ch-" + id,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}

	list, err := repo.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
		t.Fatalf("ListRecent = %+v, want [c b]", list)
	}

	n, err := repo.FinishOpen(ctx, base.Add(time.Hour).UnixMilli(), "shutdown")
	if err != nil || n != 3 {
		t.Fatalf("FinishOpen = %d, %v; want 3, nil", n, err)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, pkg.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
}
