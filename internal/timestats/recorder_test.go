package timestats

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/frametimeline"
	"github.com/goodtune/vsyncd/internal/storage"
	"github.com/goodtune/vsyncd/internal/storage/bolt"
)

func openStore(t *testing.T) *bolt.Store {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "stats.bolt"))
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func surfaceInfo(uid int32, name string, causes ...frametimeline.Jank) frametimeline.JankyFramesInfo {
	return frametimeline.JankyFramesInfo{
		OwnerUID:  uid,
		LayerName: name,
		JankType:  frametimeline.JankOf(causes...),
	}
}

func TestRecorderFlush(t *testing.T) {
	store := openStore(t)
	rec, err := NewRecorder(store.Jank(), Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	rec.IncrementJankyFrames(surfaceInfo(10001, "video"))
	rec.IncrementJankyFrames(surfaceInfo(10001, "video", frametimeline.JankAppDeadlineMissed))
	rec.IncrementJankyFrames(surfaceInfo(10001, "video", frametimeline.JankAppDeadlineMissed, frametimeline.JankBufferStuffing))
	rec.OnDisplayFramePresented(frametimeline.DisplayFrameSnapshot{})
	rec.OnDisplayFramePresented(frametimeline.DisplayFrameSnapshot{JankType: frametimeline.JankOf(frametimeline.JankDisplayHAL)})

	if got := len(rec.Pending()); got != 2 {
		t.Fatalf("len(Pending()) = %d, want 2", got)
	}

	ctx := context.Background()
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := len(rec.Pending()); got != 0 {
		t.Errorf("len(Pending()) after flush = %d, want 0", got)
	}

	layer, err := store.Jank().GetStats(ctx, storage.LayerStatsKey(10001, "video"))
	if err != nil {
		t.Fatalf("GetStats(layer) error = %v", err)
	}
	if layer.TotalFrames != 3 || layer.JankyFrames != 2 {
		t.Errorf("layer frames = %d/%d, want 3/2", layer.TotalFrames, layer.JankyFrames)
	}
	if layer.Causes["app_deadline_missed"] != 2 || layer.Causes["buffer_stuffing"] != 1 {
		t.Errorf("layer causes = %v", layer.Causes)
	}

	global, err := store.Jank().GetStats(ctx, storage.GlobalStatsKey)
	if err != nil {
		t.Fatalf("GetStats(global) error = %v", err)
	}
	if global.TotalFrames != 2 || global.JankyFrames != 1 || global.Causes["display_hal"] != 1 {
		t.Errorf("global = %+v, want 2 total, 1 janky from display_hal", global)
	}

	// a second flush adds to, rather than replaces, the stored counters
	rec.IncrementJankyFrames(surfaceInfo(10001, "video"))
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	layer, _ = store.Jank().GetStats(ctx, storage.LayerStatsKey(10001, "video"))
	if layer.TotalFrames != 4 {
		t.Errorf("layer TotalFrames = %d, want 4", layer.TotalFrames)
	}
}

func TestRecorderEvictionSpills(t *testing.T) {
	store := openStore(t)
	rec, err := NewRecorder(store.Jank(), Config{LayerCacheSize: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	rec.IncrementJankyFrames(surfaceInfo(1, "a", frametimeline.JankUnknown))
	rec.IncrementJankyFrames(surfaceInfo(2, "b"))
	rec.IncrementJankyFrames(surfaceInfo(3, "c"))

	if got := len(rec.Pending()); got != 3 {
		t.Fatalf("len(Pending()) = %d, want 3 (one cached, two spilled)", got)
	}
	if err := rec.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	all, err := store.Jank().ListStats(context.Background())
	if err != nil {
		t.Fatalf("ListStats() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(ListStats()) = %d, want 3", len(all))
	}
	a, _ := store.Jank().GetStats(context.Background(), storage.LayerStatsKey(1, "a"))
	if a == nil || a.Causes["unknown"] != 1 {
		t.Errorf("spilled layer a = %+v, want one unknown jank", a)
	}
}

type failingStore struct {
	storage.JankStore
	fail bool
	got  []storage.JankDelta
}

func (s *failingStore) ApplyDelta(_ context.Context, d storage.JankDelta) error {
	if s.fail {
		return errors.New("store unavailable")
	}
	s.got = append(s.got, d)
	return nil
}

func TestRecorderFlushRetriesFailures(t *testing.T) {
	store := &failingStore{fail: true}
	rec, err := NewRecorder(store, Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	rec.IncrementJankyFrames(surfaceInfo(1, "a", frametimeline.JankPredictionError))
	if err := rec.Flush(context.Background()); err == nil {
		t.Fatal("Flush() error = nil, want failure")
	}
	if got := len(rec.Pending()); got != 1 {
		t.Fatalf("len(Pending()) after failed flush = %d, want 1", got)
	}

	store.fail = false
	if err := rec.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(store.got) != 1 || store.got[0].Causes["prediction_error"] != 1 {
		t.Errorf("applied deltas = %+v, want the retried delta", store.got)
	}
}

func TestRecorderEmptyFlush(t *testing.T) {
	store := &failingStore{fail: true}
	rec, err := NewRecorder(store, Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	if err := rec.Flush(context.Background()); err != nil {
		t.Errorf("Flush() with nothing pending error = %v, want nil", err)
	}
}
