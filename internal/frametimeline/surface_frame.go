package frametimeline

import (
	"fmt"
	"sync"

	"github.com/goodtune/vsyncd/internal/fps"
)

// JankyFramesInfo is the per-frame record sent to the statistics sink.
type JankyFramesInfo struct {
	RefreshRate          fps.Fps
	RenderRate           fps.Fps
	OwnerUID             int32
	LayerName            string
	JankType             JankType
	DisplayDeadlineDelta int64
	DisplayPresentDelta  int64
	AppDeadlineDelta     int64
}

// JankReporter receives one record per classified surface frame.
type JankReporter interface {
	IncrementJankyFrames(info JankyFramesInfo)
}

// expiredAppDeadlineDelta marks a deadline delta that could not be computed.
const expiredAppDeadlineDelta = -1

// SurfaceFrame tracks one buffer of one layer from queue to present.
// Setters are called from the queue path, classification from the fence
// path, and reads from dumps, so it carries its own lock.
type SurfaceFrame struct {
	mu sync.Mutex

	token     int64
	ownerPID  int32
	ownerUID  int32
	layerID   int32
	layerName string
	debugName string

	presentState    PresentState
	predictionState PredictionState
	predictions     TimelineItem
	actuals         TimelineItem
	actualQueueTime int64
	lastLatchTime   int64
	renderRate      fps.Fps

	jankType             JankType
	classified           bool
	framePresentMetadata FramePresentMetadata
	frameReadyMetadata   FrameReadyMetadata

	thresholds JankClassificationThresholds
}

func newSurfaceFrame(token int64, ownerPID, ownerUID, layerID int32, layerName, debugName string,
	state PredictionState, predictions TimelineItem, thresholds JankClassificationThresholds) *SurfaceFrame {
	return &SurfaceFrame{
		token:           token,
		ownerPID:        ownerPID,
		ownerUID:        ownerUID,
		layerID:         layerID,
		layerName:       layerName,
		debugName:       debugName,
		predictionState: state,
		predictions:     predictions,
		thresholds:      thresholds,
	}
}

func (s *SurfaceFrame) Token() int64      { return s.token }
func (s *SurfaceFrame) OwnerUID() int32   { return s.ownerUID }
func (s *SurfaceFrame) LayerID() int32    { return s.layerID }
func (s *SurfaceFrame) LayerName() string { return s.layerName }

func (s *SurfaceFrame) PredictionState() PredictionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.predictionState
}

func (s *SurfaceFrame) Predictions() TimelineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.predictions
}

func (s *SurfaceFrame) Actuals() TimelineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actuals
}

func (s *SurfaceFrame) PresentState() PresentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presentState
}

// JankType returns the classification, or false while the frame has not
// been classified.
func (s *SurfaceFrame) JankType() (JankType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jankType, s.classified
}

func (s *SurfaceFrame) FramePresentMetadata() FramePresentMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framePresentMetadata
}

func (s *SurfaceFrame) FrameReadyMetadata() FrameReadyMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameReadyMetadata
}

func (s *SurfaceFrame) SetActualStartTime(t int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actuals.StartTime = t
}

func (s *SurfaceFrame) SetActualQueueTime(t int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actualQueueTime = t
}

// SetAcquireFenceTime records when the buffer's rendering finished. A
// buffer cannot be ready before it was queued.
func (s *SurfaceFrame) SetAcquireFenceTime(t int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actuals.EndTime = max(t, s.actualQueueTime)
}

// SetPresentState records whether the buffer was latched for presentation.
// It panics when called twice.
func (s *SurfaceFrame) SetPresentState(state PresentState, lastLatchTime int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presentState != PresentUnknown {
		panic(fmt.Sprintf("frametimeline: present state already set for %s (token %d)", s.layerName, s.token))
	}
	s.presentState = state
	s.lastLatchTime = lastLatchTime
}

// SetRenderRate records the rate the app is rendering at, when throttled.
func (s *SurfaceFrame) SetRenderRate(rate fps.Fps) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderRate = rate
}

// nearVsync reports whether a present miss lines up with a vsync boundary.
func nearVsync(deltaToVsync, period, threshold int64) bool {
	return deltaToVsync < threshold || deltaToVsync >= period-threshold
}

// onPresent classifies the frame against its display frame. It returns
// the record to report, if any; the caller reports it after releasing its
// own lock.
func (s *SurfaceFrame) onPresent(presentTime int64, displayJank JankType, refreshRate fps.Fps,
	displayDeadlineDelta, displayPresentDelta int64) (JankyFramesInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// dropped buffers are never classified
	if s.presentState != PresentPresented {
		return JankyFramesInfo{}, false
	}
	s.actuals.PresentTime = presentTime

	// no token, nothing to compare against
	if s.predictionState == PredictionNone {
		return JankyFramesInfo{}, false
	}

	info := JankyFramesInfo{
		RefreshRate:          refreshRate,
		RenderRate:           s.renderRate,
		OwnerUID:             s.ownerUID,
		LayerName:            s.layerName,
		DisplayDeadlineDelta: displayDeadlineDelta,
		DisplayPresentDelta:  displayPresentDelta,
	}

	if s.predictionState == PredictionExpired {
		s.jankType = JankOf(JankUnknown)
		s.classified = true
		s.framePresentMetadata = UnknownPresent
		s.frameReadyMetadata = UnknownFinish
		info.JankType = s.jankType
		info.AppDeadlineDelta = expiredAppDeadlineDelta
		return info, true
	}

	period := refreshRate.PeriodNanos()
	presentDelta := s.actuals.PresentTime - s.predictions.PresentTime
	deadlineDelta := s.actuals.EndTime - s.predictions.EndTime
	var deltaToVsync int64
	if period > 0 {
		deltaToVsync = abs64(presentDelta) % period
	}

	if deadlineDelta > s.thresholds.DeadlineThreshold {
		s.frameReadyMetadata = LateFinish
	} else {
		s.frameReadyMetadata = OnTimeFinish
	}

	switch {
	case abs64(presentDelta) <= s.thresholds.PresentThreshold:
		s.framePresentMetadata = OnTimePresent
	case presentDelta > 0:
		s.framePresentMetadata = LatePresent
	default:
		s.framePresentMetadata = EarlyPresent
	}

	jank := JankNone
	switch s.framePresentMetadata {
	case OnTimePresent:
	case EarlyPresent:
		if s.frameReadyMetadata == OnTimeFinish {
			if nearVsync(deltaToVsync, period, s.thresholds.PresentThreshold) {
				jank = JankOf(JankCompositorScheduling)
			} else {
				jank = JankOf(JankPredictionError)
			}
		} else {
			jank = JankOf(JankUnknown)
		}
	case LatePresent:
		// The app was not handed fresh work in time.
		if s.lastLatchTime != 0 && s.predictions.EndTime <= s.lastLatchTime {
			jank = jank.With(JankBufferStuffing)
		}
		if s.frameReadyMetadata == OnTimeFinish {
			switch {
			case !displayJank.IsNone():
				// the compositor is to blame, not the app
				jank = jank.Union(displayJank)
			case nearVsync(deltaToVsync, period, s.thresholds.PresentThreshold):
				jank = jank.With(JankCompositorScheduling)
			default:
				jank = jank.With(JankPredictionError)
			}
		} else if displayJank.IsNone() {
			jank = jank.With(JankAppDeadlineMissed)
		} else {
			jank = jank.Union(displayJank)
		}
	}

	s.jankType = jank
	s.classified = true
	info.JankType = jank
	info.AppDeadlineDelta = deadlineDelta
	return info, true
}

// snapshot copies the frame's state for observers and dumps.
func (s *SurfaceFrame) snapshot() SurfaceFrameSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SurfaceFrameSnapshot{
		Token:                s.token,
		OwnerPID:             s.ownerPID,
		OwnerUID:             s.ownerUID,
		LayerID:              s.layerID,
		LayerName:            s.layerName,
		DebugName:            s.debugName,
		PresentState:         s.presentState,
		PredictionState:      s.predictionState,
		Predictions:          s.predictions,
		Actuals:              s.actuals,
		ActualQueueTime:      s.actualQueueTime,
		LastLatchTime:        s.lastLatchTime,
		RenderRate:           s.renderRate,
		JankType:             s.jankType,
		Classified:           s.classified,
		FramePresentMetadata: s.framePresentMetadata,
		FrameReadyMetadata:   s.frameReadyMetadata,
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
