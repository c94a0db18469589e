package fpsreport

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/clock"
	"github.com/goodtune/vsyncd/internal/metrics"
)

// DefaultMinDispatchInterval is the shortest time between two dispatches.
const DefaultMinDispatchInterval = 500 * time.Millisecond

// Listener receives the measured presentation rate of the layers it
// registered for.
type Listener interface {
	OnFpsReported(fps float64)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(fps float64)

func (f ListenerFunc) OnFpsReported(fps float64) { f(fps) }

// Source computes the presentation rate of a set of layers.
type Source interface {
	ComputeFps(layerIDs map[int32]struct{}) float64
}

type trackedListener struct {
	layerIDs map[int32]struct{}
	listener Listener
}

// Reporter periodically reports per-listener FPS computed from the frame
// timeline.
type Reporter struct {
	mu        sync.Mutex
	listeners map[string]trackedListener

	source       Source
	clock        clock.Clock
	minInterval  int64
	lastDispatch int64

	logger zerolog.Logger
}

// NewReporter creates a Reporter reading from source. A zero minInterval
// uses DefaultMinDispatchInterval.
func NewReporter(source Source, clk clock.Clock, minInterval time.Duration, logger zerolog.Logger) *Reporter {
	if minInterval <= 0 {
		minInterval = DefaultMinDispatchInterval
	}
	return &Reporter{
		listeners:   make(map[string]trackedListener),
		source:      source,
		clock:       clk,
		minInterval: int64(minInterval),
		logger:      logger.With().Str("component", "fps-reporter").Logger(),
	}
}

// Add registers listener under handle for the given layers, replacing any
// listener already registered under that handle.
func (r *Reporter) Add(handle string, layerIDs []int32, listener Listener) {
	ids := make(map[int32]struct{}, len(layerIDs))
	for _, id := range layerIDs {
		ids[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[handle] = trackedListener{layerIDs: ids, listener: listener}
	r.logger.Debug().Str("handle", handle).Int("layers", len(ids)).Msg("FPS listener added")
}

// Remove unregisters handle. It reports whether handle was registered.
func (r *Reporter) Remove(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[handle]; !ok {
		return false
	}
	delete(r.listeners, handle)
	return true
}

// Handles returns the registered handles, sorted.
func (r *Reporter) Handles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.listeners))
	for h := range r.listeners {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Dispatch reports FPS to every listener unless the last dispatch was less
// than the minimum interval ago. It returns the number of listeners called.
func (r *Reporter) Dispatch() int {
	now := r.clock.Now()

	r.mu.Lock()
	if r.lastDispatch != 0 && now-r.lastDispatch < r.minInterval {
		r.mu.Unlock()
		return 0
	}
	r.lastDispatch = now
	tracked := make([]trackedListener, 0, len(r.listeners))
	for _, t := range r.listeners {
		tracked = append(tracked, t)
	}
	r.mu.Unlock()

	// listeners and the timeline are called without r.mu held
	for _, t := range tracked {
		fps := r.source.ComputeFps(t.layerIDs)
		t.listener.OnFpsReported(fps)
		metrics.FpsReportsTotal.Inc()
	}
	return len(tracked)
}
