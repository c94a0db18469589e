package scheduler

import (
	"time"

	"github.com/goodtune/vsyncd/internal/fps"
)

const (
	refreshRateHistorySize     = 90
	refreshRateHistoryDuration = int64(2 * time.Second)
	// Rates spanning less than this are consistent.
	marginConsistentFps = 1.0
)

type refreshRateSample struct {
	rate      fps.Fps
	timestamp int64
}

// refreshRateHistory holds recently calculated rates so a layer only
// reports a new rate once it has settled.
type refreshRateHistory struct {
	samples []refreshRateSample
}

// add records rate and reports whether the retained rates are consistent.
// A second rate for the same now is not recorded, so repeated votes at one
// instant see the same history.
func (h *refreshRateHistory) add(rate fps.Fps, now int64) bool {
	if n := len(h.samples); n > 0 && h.samples[n-1].timestamp == now {
		return h.isConsistent()
	}
	h.samples = append(h.samples, refreshRateSample{rate: rate, timestamp: now})
	for len(h.samples) > 0 &&
		(len(h.samples) > refreshRateHistorySize || now-h.samples[0].timestamp > refreshRateHistoryDuration) {
		h.samples = h.samples[1:]
	}
	return h.isConsistent()
}

func (h *refreshRateHistory) isConsistent() bool {
	if len(h.samples) == 0 {
		return true
	}
	lo, hi := h.samples[0].rate.Value(), h.samples[0].rate.Value()
	for _, s := range h.samples[1:] {
		lo = min(lo, s.rate.Value())
		hi = max(hi, s.rate.Value())
	}
	return hi-lo < marginConsistentFps
}

func (h *refreshRateHistory) clear() {
	h.samples = nil
}
