package timestats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/frametimeline"
	"github.com/goodtune/vsyncd/internal/metrics"
	"github.com/goodtune/vsyncd/internal/storage"
)

// DefaultLayerCacheSize bounds how many layers are aggregated in memory
// between flushes.
const DefaultLayerCacheSize = 128

// Recorder aggregates jank reports in memory and periodically adds them to
// a JankStore. Display frames feed the global counters and surface frames
// feed the per-layer counters.
//
// Per-layer aggregates live in an LRU cache; a layer pushed out before the
// next flush has its counts spilled into a pending list so nothing is lost.
type Recorder struct {
	mu sync.Mutex

	store   storage.JankStore
	global  storage.JankDelta
	layers  *lru.Cache[string, *storage.JankDelta]
	spilled []storage.JankDelta

	logger zerolog.Logger
}

// Config holds recorder configuration
type Config struct {
	LayerCacheSize int
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store storage.JankStore, config Config, logger zerolog.Logger) (*Recorder, error) {
	if config.LayerCacheSize <= 0 {
		config.LayerCacheSize = DefaultLayerCacheSize
	}

	r := &Recorder{
		store:  store,
		global: storage.JankDelta{Key: storage.GlobalStatsKey},
		logger: logger.With().Str("component", "timestats").Logger(),
	}

	// The eviction callback runs synchronously inside Add, which is only
	// ever called with r.mu held.
	cache, err := lru.NewWithEvict[string, *storage.JankDelta](config.LayerCacheSize, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create layer stats cache: %w", err)
	}
	r.layers = cache

	return r, nil
}

func (r *Recorder) onEvict(key string, delta *storage.JankDelta) {
	if delta.IsZero() {
		return
	}
	r.spilled = append(r.spilled, *delta)
	metrics.StatsLayerEvictionsTotal.Inc()
	r.logger.Debug().Str("layer", key).Msg("Layer stats evicted before flush")
}

// IncrementJankyFrames records one classified surface frame.
func (r *Recorder) IncrementJankyFrames(info frametimeline.JankyFramesInfo) {
	metrics.SurfaceFramesTotal.Inc()
	for _, cause := range info.JankType.Causes() {
		metrics.SurfaceJankTotal.WithLabelValues(cause.Label()).Inc()
	}

	key := storage.LayerStatsKey(info.OwnerUID, info.LayerName)

	r.mu.Lock()
	defer r.mu.Unlock()

	delta, ok := r.layers.Get(key)
	if !ok {
		delta = &storage.JankDelta{Key: key, LayerName: info.LayerName, OwnerUID: info.OwnerUID}
		r.layers.Add(key, delta)
	}
	addJank(delta, info.JankType)
}

// OnDisplayFramePresented records one classified display frame.
func (r *Recorder) OnDisplayFramePresented(frame frametimeline.DisplayFrameSnapshot) {
	metrics.DisplayFramesTotal.Inc()
	for _, cause := range frame.JankType.Causes() {
		metrics.DisplayJankTotal.WithLabelValues(cause.Label()).Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	addJank(&r.global, frame.JankType)
}

func addJank(delta *storage.JankDelta, jank frametimeline.JankType) {
	delta.TotalFrames++
	if jank.IsNone() {
		return
	}
	delta.JankyFrames++
	if delta.Causes == nil {
		delta.Causes = make(map[string]int64)
	}
	for _, cause := range jank.Causes() {
		delta.Causes[cause.Label()]++
	}
}

// Pending returns the counts not yet flushed, global first.
func (r *Recorder) Pending() []storage.JankDelta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectLocked(false)
}

// collectLocked copies every non-zero delta. With reset set, the in-memory
// counters are zeroed and the spill list emptied; cached layers keep their
// place in the LRU.
func (r *Recorder) collectLocked(reset bool) []storage.JankDelta {
	var out []storage.JankDelta
	if !r.global.IsZero() {
		out = append(out, cloneDelta(r.global))
	}
	for _, key := range r.layers.Keys() {
		delta, ok := r.layers.Peek(key)
		if !ok || delta.IsZero() {
			continue
		}
		out = append(out, cloneDelta(*delta))
		if reset {
			delta.TotalFrames, delta.JankyFrames, delta.Causes = 0, 0, nil
		}
	}
	for _, d := range r.spilled {
		out = append(out, cloneDelta(d))
	}
	if reset {
		r.global = storage.JankDelta{Key: storage.GlobalStatsKey}
		r.spilled = nil
	}
	return out
}

func cloneDelta(d storage.JankDelta) storage.JankDelta {
	if d.Causes != nil {
		causes := make(map[string]int64, len(d.Causes))
		for k, v := range d.Causes {
			causes[k] = v
		}
		d.Causes = causes
	}
	return d
}

// Flush adds every pending delta to the store. Deltas that fail to apply are
// kept and retried on the next flush.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	deltas := r.collectLocked(true)
	r.mu.Unlock()

	if len(deltas) == 0 {
		return nil
	}

	var failed []storage.JankDelta
	var errs []error
	for _, d := range deltas {
		if err := r.store.ApplyDelta(ctx, d); err != nil {
			failed = append(failed, d)
			errs = append(errs, err)
		}
	}

	if len(failed) > 0 {
		r.mu.Lock()
		r.spilled = append(r.spilled, failed...)
		r.mu.Unlock()
		metrics.StatsFlushesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to flush %d of %d jank deltas: %w", len(failed), len(deltas), errors.Join(errs...))
	}

	metrics.StatsFlushesTotal.WithLabelValues("ok").Inc()
	r.logger.Debug().Int("deltas", len(deltas)).Msg("Flushed jank statistics")
	return nil
}

// Run flushes every interval until ctx is cancelled, then flushes once more.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", interval).Msg("Jank statistics flusher started")

	for {
		select {
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Failed to flush jank statistics")
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Flush(flushCtx); err != nil {
				r.logger.Error().Err(err).Msg("Failed final jank statistics flush")
			}
			cancel()
			r.logger.Info().Msg("Jank statistics flusher stopped")
			return
		}
	}
}
