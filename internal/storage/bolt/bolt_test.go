package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/goodtune/vsyncd/internal/storage"
)

func TestJankStoreApplyDelta(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	jank := store.Jank()
	key := storage.LayerStatsKey(10001, "video")

	deltas := []storage.JankDelta{
		{Key: key, LayerName: "video", OwnerUID: 10001, TotalFrames: 60, JankyFrames: 2, Causes: map[string]int64{"app_deadline_missed": 2}},
		{Key: key, LayerName: "video", OwnerUID: 10001, TotalFrames: 30, JankyFrames: 1, Causes: map[string]int64{"app_deadline_missed": 1, "buffer_stuffing": 1}},
	}
	for _, d := range deltas {
		if err := jank.ApplyDelta(ctx, d); err != nil {
			t.Fatalf("apply delta: %v", err)
		}
	}

	stats, err := jank.GetStats(ctx, key)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.TotalFrames != 90 || stats.JankyFrames != 3 {
		t.Errorf("expected 90 total / 3 janky, got %d / %d", stats.TotalFrames, stats.JankyFrames)
	}
	if stats.Causes["app_deadline_missed"] != 3 || stats.Causes["buffer_stuffing"] != 1 {
		t.Errorf("unexpected causes: %v", stats.Causes)
	}
	if stats.LayerName != "video" || stats.OwnerUID != 10001 {
		t.Errorf("unexpected identity: %s/%d", stats.LayerName, stats.OwnerUID)
	}
	if stats.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}
}

func TestJankStoreListAndDelete(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	jank := store.Jank()
	for _, key := range []string{storage.GlobalStatsKey, storage.LayerStatsKey(1, "a")} {
		if err := jank.ApplyDelta(ctx, storage.JankDelta{Key: key, TotalFrames: 1}); err != nil {
			t.Fatalf("apply delta: %v", err)
		}
	}

	all, err := jank.ListStats(ctx)
	if err != nil {
		t.Fatalf("list stats: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}

	if err := jank.DeleteStats(ctx, storage.GlobalStatsKey); err != nil {
		t.Fatalf("delete stats: %v", err)
	}
	if _, err := jank.GetStats(ctx, storage.GlobalStatsKey); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := jank.DeleteStats(ctx, storage.GlobalStatsKey); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := jank.ApplyDelta(ctx, storage.JankDelta{}); err == nil {
		t.Error("expected an error for a delta without a key")
	}
}

func TestPolicyStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	policies := store.Policies()

	if _, err := policies.Get(ctx, "display-manager"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	record := storage.PolicyRecord{
		Name:          "display-manager",
		DefaultConfig: 1,
		PrimaryMin:    60,
		PrimaryMax:    90,
		AppRequestMin: 30,
		AppRequestMax: 120,
		Reason:        "thermal",
	}
	if err := policies.Put(ctx, record); err != nil {
		t.Fatalf("put policy: %v", err)
	}

	got, err := policies.Get(ctx, "display-manager")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if got.DefaultConfig != 1 || got.PrimaryMax != 90 || got.Reason != "thermal" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}

	if err := policies.Delete(ctx, "display-manager"); err != nil {
		t.Fatalf("delete policy: %v", err)
	}
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vsyncd.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if err := store.Jank().ApplyDelta(ctx, storage.JankDelta{Key: storage.GlobalStatsKey, TotalFrames: 5}); err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = store.Close() }()
	stats, err := store.Jank().GetStats(ctx, storage.GlobalStatsKey)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.TotalFrames != 5 {
		t.Errorf("expected 5 total frames after reopen, got %d", stats.TotalFrames)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vsyncd.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}
