package frametimeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/clock"
	"github.com/goodtune/vsyncd/internal/fps"
)

// DefaultMaxDisplayFrames is the default capacity of the display frame ring.
const DefaultMaxDisplayFrames = 64

// Observer receives every display frame once its classification is final.
type Observer interface {
	OnDisplayFramePresented(frame DisplayFrameSnapshot)
}

type pendingFence struct {
	fence Fence
	frame *DisplayFrame
}

// FrameTimeline correlates predicted frame timelines with what actually
// happened and classifies every missed deadline.
type FrameTimeline struct {
	mu sync.Mutex

	tokens           *TokenManager
	current          *DisplayFrame
	displayFrames    []*DisplayFrame
	pendingFences    []pendingFence
	maxDisplayFrames int
	thresholds       JankClassificationThresholds

	reporter  JankReporter
	observers []Observer

	logger zerolog.Logger
}

// New creates a FrameTimeline. reporter may be nil.
func New(reporter JankReporter, clk clock.Clock, thresholds JankClassificationThresholds, logger zerolog.Logger) *FrameTimeline {
	return &FrameTimeline{
		tokens:           NewTokenManager(clk),
		current:          newDisplayFrame(thresholds),
		maxDisplayFrames: DefaultMaxDisplayFrames,
		thresholds:       thresholds,
		reporter:         reporter,
		logger:           logger.With().Str("component", "frametimeline").Logger(),
	}
}

// AddObserver registers an observer. Observers are called without the
// timeline lock held, in registration order.
func (f *FrameTimeline) AddObserver(o Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

func (f *FrameTimeline) TokenManager() *TokenManager {
	return f.tokens
}

// RecordPrediction stores predictions and returns the token that refers
// to them.
func (f *FrameTimeline) RecordPrediction(predictions TimelineItem) int64 {
	return f.tokens.GenerateTokenForPredictions(predictions)
}

// CreateSurfaceFrameForToken creates a SurfaceFrame for a buffer queued
// against token. A nil or never issued token yields PredictionNone; an
// evicted one yields PredictionExpired.
func (f *FrameTimeline) CreateSurfaceFrameForToken(token *int64, ownerPID, ownerUID, layerID int32,
	layerName, debugName string) *SurfaceFrame {
	if token == nil {
		return newSurfaceFrame(InvalidToken, ownerPID, ownerUID, layerID, layerName, debugName,
			PredictionNone, TimelineItem{}, f.thresholds)
	}
	predictions, state := f.tokens.Lookup(*token)
	return newSurfaceFrame(*token, ownerPID, ownerUID, layerID, layerName, debugName,
		state, predictions, f.thresholds)
}

// AddSurfaceFrame attaches a latched surface frame to the current display
// frame.
func (f *FrameTimeline) AddSurfaceFrame(sf *SurfaceFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current.addSurfaceFrame(sf)
}

// SetSfWakeUp starts the current display frame.
func (f *FrameTimeline) SetSfWakeUp(token int64, wakeUpTime int64, refreshRate fps.Fps) {
	predictions, ok := f.tokens.PredictionsForToken(token)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.current.onSfWakeUp(token, refreshRate, predictions, ok, wakeUpTime)
}

// SetSfPresent ends the current display frame at sfPresentTime and queues
// it until presentFence signals. Every pending fence is polled.
func (f *FrameTimeline) SetSfPresent(sfPresentTime int64, presentFence Fence) {
	f.mu.Lock()
	f.current.setActualEndTime(sfPresentTime)
	f.pendingFences = append(f.pendingFences, pendingFence{fence: presentFence, frame: f.current})
	reports, presented := f.flushPendingPresentFencesLocked()
	f.finalizeCurrentDisplayFrameLocked()
	observers := f.observers
	f.mu.Unlock()

	f.notify(reports, presented, observers)
}

// FlushPendingPresentFences classifies every display frame whose present
// fence has signaled since the last poll.
func (f *FrameTimeline) FlushPendingPresentFences() {
	f.mu.Lock()
	reports, presented := f.flushPendingPresentFencesLocked()
	observers := f.observers
	f.mu.Unlock()

	f.notify(reports, presented, observers)
}

func (f *FrameTimeline) flushPendingPresentFencesLocked() ([]JankyFramesInfo, []DisplayFrameSnapshot) {
	var reports []JankyFramesInfo
	var presented []DisplayFrameSnapshot

	kept := f.pendingFences[:0]
	for _, p := range f.pendingFences {
		var signalTime int64
		state := FenceInvalid
		if p.fence != nil {
			signalTime, state = p.fence.PollSignalTime()
		}
		switch state {
		case FencePending:
			kept = append(kept, p)
			continue
		case FenceSignaled:
			reports = append(reports, p.frame.onPresent(signalTime)...)
			presented = append(presented, p.frame.snapshot())
		default:
			f.logger.Debug().Int64("token", p.frame.token).Msg("present fence invalid, frame left unclassified")
		}
	}
	for i := len(kept); i < len(f.pendingFences); i++ {
		f.pendingFences[i] = pendingFence{}
	}
	f.pendingFences = kept
	return reports, presented
}

func (f *FrameTimeline) finalizeCurrentDisplayFrameLocked() {
	for len(f.displayFrames) > 0 && len(f.displayFrames) >= f.maxDisplayFrames {
		f.displayFrames[0] = nil
		f.displayFrames = f.displayFrames[1:]
	}
	if f.maxDisplayFrames > 0 {
		f.displayFrames = append(f.displayFrames, f.current)
	}
	f.current = newDisplayFrame(f.thresholds)
}

func (f *FrameTimeline) notify(reports []JankyFramesInfo, presented []DisplayFrameSnapshot, observers []Observer) {
	if f.reporter != nil {
		for _, info := range reports {
			f.reporter.IncrementJankyFrames(info)
		}
	}
	for _, snap := range presented {
		if snap.IsJanky() {
			f.logger.Debug().
				Int64("token", snap.Token).
				Str("jank", snap.JankType.String()).
				Str("present", snap.FramePresentMetadata.String()).
				Msg("janky display frame")
		}
		for _, o := range observers {
			o.OnDisplayFramePresented(snap)
		}
	}
}

// SetMaxDisplayFrames changes the ring capacity. The ring and any pending
// fences are cleared.
func (f *FrameTimeline) SetMaxDisplayFrames(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.displayFrames = nil
	f.pendingFences = nil
	f.maxDisplayFrames = n
}

// Reset restores the default ring capacity.
func (f *FrameTimeline) Reset() {
	f.SetMaxDisplayFrames(DefaultMaxDisplayFrames)
}

// DisplayFrames returns snapshots of the ring, oldest first.
func (f *FrameTimeline) DisplayFrames() []DisplayFrameSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DisplayFrameSnapshot, len(f.displayFrames))
	for i, d := range f.displayFrames {
		out[i] = d.snapshot()
	}
	return out
}

// PendingFences returns how many display frames await their present fence.
func (f *FrameTimeline) PendingFences() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendingFences)
}

// ComputeFps returns the average presentation rate of the given layers
// over the retained display frames, or 0 with fewer than two presents.
func (f *FrameTimeline) ComputeFps(layerIDs map[int32]struct{}) float64 {
	if len(layerIDs) == 0 {
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var first, last int64
	count := 0
	for _, d := range f.displayFrames {
		if d.actuals.PresentTime <= 0 {
			continue
		}
		for _, sf := range d.surfaceFrames {
			if _, ok := layerIDs[sf.LayerID()]; !ok {
				continue
			}
			if sf.PresentState() != PresentPresented {
				continue
			}
			if count == 0 {
				first = d.actuals.PresentTime
			}
			last = d.actuals.PresentTime
			count++
			break
		}
	}
	if count < 2 || last <= first {
		return 0
	}
	return float64(count-1) * 1e9 / float64(last-first)
}

// DumpAll writes every retained display frame.
func (f *FrameTimeline) DumpAll() string {
	frames := f.DisplayFrames()
	var b strings.Builder
	fmt.Fprintf(&b, "Number of display frames : %d\n", len(frames))
	baseTime := int64(0)
	if len(frames) > 0 {
		baseTime = frames[0].baseTime()
	}
	for i, d := range frames {
		d.dump(&b, i, baseTime)
	}
	return b.String()
}

// DumpJank writes only display frames where something missed.
func (f *FrameTimeline) DumpJank() string {
	frames := f.DisplayFrames()
	var b strings.Builder
	baseTime := int64(0)
	if len(frames) > 0 {
		baseTime = frames[0].baseTime()
	}
	for i, d := range frames {
		if d.IsJanky() {
			d.dump(&b, i, baseTime)
		}
	}
	return b.String()
}

// ParseArgs handles the dump flags "-jank" and "-all".
func (f *FrameTimeline) ParseArgs(args []string) string {
	flags := make(map[string]bool, len(args))
	for _, a := range args {
		flags[a] = true
	}
	var b strings.Builder
	if flags["-jank"] {
		b.WriteString(f.DumpJank())
	}
	if flags["-all"] {
		b.WriteString(f.DumpAll())
	}
	return b.String()
}
