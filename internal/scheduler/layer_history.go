package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/clock"
	"github.com/goodtune/vsyncd/internal/fps"
	"github.com/goodtune/vsyncd/internal/refreshrate"
)

// ErrUnknownLayer is returned for operations on unregistered layers.
var ErrUnknownLayer = errors.New("scheduler: unknown layer")

// FrameRateCompatibility is how an application frame rate request should
// be honoured.
type FrameRateCompatibility int

const (
	CompatDefault FrameRateCompatibility = iota
	CompatExactOrMultiple
	CompatNoVote
	CompatExact
)

func (c FrameRateCompatibility) voteType() refreshrate.LayerVoteType {
	switch c {
	case CompatExactOrMultiple:
		return refreshrate.VoteExplicitExactOrMultiple
	case CompatNoVote:
		return refreshrate.VoteNoVote
	case CompatExact:
		return refreshrate.VoteExplicitExact
	default:
		return refreshrate.VoteExplicitDefault
	}
}

// ParseFrameRateCompatibility accepts the kebab-case compatibility names.
// The empty string is CompatDefault.
func ParseFrameRateCompatibility(s string) (FrameRateCompatibility, error) {
	switch s {
	case "", "default":
		return CompatDefault, nil
	case "exact-or-multiple":
		return CompatExactOrMultiple, nil
	case "no-vote":
		return CompatNoVote, nil
	case "exact":
		return CompatExact, nil
	}
	return CompatDefault, fmt.Errorf("unknown frame rate compatibility %q", s)
}

// FrameRate is an application request attached to a layer. The zero value
// means no request.
type FrameRate struct {
	Rate          fps.Fps
	Compatibility FrameRateCompatibility
	Seamlessness  refreshrate.Seamlessness
}

// LayerProperties are the compositor-side attributes of a layer, pushed by
// its owner whenever they change.
type LayerProperties struct {
	Visible bool
	// Area is the on-screen area of the transformed layer bounds.
	Area      float64
	Focused   bool
	FrameRate FrameRate
}

// KnownFrameRateSource supplies the set heuristic votes are rounded to.
type KnownFrameRateSource interface {
	KnownFrameRates() refreshrate.KnownFrameRates
}

type layerEntry struct {
	id     int64
	info   *LayerInfo
	props  LayerProperties
	active bool
}

// History is the registry of layers feeding refresh rate selection.
type History struct {
	mu sync.Mutex

	layers            map[int64]*layerEntry
	displayArea       float64
	modeChangePending bool

	lastSummary  []refreshrate.LayerRequirement
	summarizedAt int64

	rates  KnownFrameRateSource
	clock  clock.Clock
	logger zerolog.Logger
}

// NewHistory creates an empty registry for a display of the given area.
func NewHistory(rates KnownFrameRateSource, clk clock.Clock, displayArea float64, logger zerolog.Logger) *History {
	return &History{
		layers:      make(map[int64]*layerEntry),
		displayArea: displayArea,
		rates:       rates,
		clock:       clk,
		logger:      logger.With().Str("component", "layer_history").Logger(),
	}
}

// RegisterLayer starts tracking a layer. Re-registering an id replaces it.
func (h *History) RegisterLayer(id int64, name string, ownerUID int32, defaultVote refreshrate.LayerVoteType, props LayerProperties) {
	known := h.rates.KnownFrameRates()
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.layers[id] = &layerEntry{
		id:    id,
		info:  NewLayerInfo(name, ownerUID, defaultVote, now, known, h.logger),
		props: props,
	}
	h.logger.Debug().Int64("layer_id", id).Str("name", name).Str("default_vote", defaultVote.String()).Msg("Layer registered")
}

// DeregisterLayer stops tracking a layer whose owner went away.
func (h *History) DeregisterLayer(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.layers, id)
}

// UpdateLayer replaces the layer's properties.
func (h *History) UpdateLayer(id int64, props LayerProperties) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.layers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLayer, id)
	}
	e.props = props
	return nil
}

// Record notes an update of the layer and marks it active.
func (h *History) Record(id int64, presentTime, now int64, updateType LayerUpdateType) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.layers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLayer, id)
	}
	e.info.RecordPresent(presentTime, now, updateType, h.modeChangePending)
	e.active = true
	return nil
}

// SetModeChangePending flags samples recorded during a mode switch so the
// heuristic ignores them.
func (h *History) SetModeChangePending(pending bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modeChangePending = pending
}

func (h *History) SetDisplayArea(area float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.displayArea = area
}

func (h *History) sortedLocked() []*layerEntry {
	entries := make([]*layerEntry, 0, len(h.layers))
	for _, e := range h.layers {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	return entries
}

func (h *History) isLayerActive(e *layerEntry, threshold int64) bool {
	// layers with an explicit vote are always kept active
	if e.props.FrameRate.Rate.IsValid() {
		return true
	}
	return e.props.Visible && e.info.LastUpdatedTime() >= threshold
}

// Summarize returns the requirements of every active voting layer, ordered
// by layer id.
func (h *History) Summarize(now int64) []refreshrate.LayerRequirement {
	known := h.rates.KnownFrameRates()

	h.mu.Lock()
	defer h.mu.Unlock()

	threshold := activeLayerThreshold(now)
	var summary []refreshrate.LayerRequirement
	for _, e := range h.sortedLocked() {
		if !h.isLayerActive(e, threshold) {
			e.info.OnInactive(now)
			e.active = false
			continue
		}
		e.active = true
		e.info.SetKnownFrameRates(known)

		fr := e.props.FrameRate
		voteType := fr.Compatibility.voteType()
		if fr.Rate.IsValid() || voteType == refreshrate.VoteNoVote {
			if !e.props.Visible {
				voteType = refreshrate.VoteNoVote
			}
			e.info.SetLayerVote(LayerVote{Type: voteType, Fps: fr.Rate, Seamlessness: fr.Seamlessness})
		} else {
			e.info.ResetLayerVote()
		}

		vote := e.info.GetVote(now)
		if vote.Type == refreshrate.VoteNoVote {
			continue
		}

		weight := 0.0
		if h.displayArea > 0 {
			weight = min(e.props.Area/h.displayArea, 1)
		}
		summary = append(summary, refreshrate.LayerRequirement{
			Name:         e.info.Name(),
			OwnerUID:     e.info.OwnerUID(),
			Vote:         vote.Type,
			DesiredFps:   vote.Fps,
			Seamlessness: vote.Seamlessness,
			Weight:       weight,
			Focused:      e.props.Focused,
		})
	}
	h.lastSummary = summary
	h.summarizedAt = now
	return slices.Clone(summary)
}

// LastSummary returns what the latest Summarize returned and when it ran.
// It does not touch any layer state.
func (h *History) LastSummary() ([]refreshrate.LayerRequirement, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.lastSummary), h.summarizedAt
}

// Clear drops the samples of every active layer.
func (h *History) Clear() {
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.layers {
		if e.active {
			e.info.ClearHistory(now)
		}
	}
}

// Counts returns the number of registered and active layers.
func (h *History) Counts() (size, active int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.layers {
		if e.active {
			active++
		}
	}
	return len(h.layers), active
}

func (h *History) Dump() string {
	size, active := h.Counts()
	return fmt.Sprintf("LayerHistory{size=%d, active=%d}", size, active)
}
