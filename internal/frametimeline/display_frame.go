package frametimeline

import (
	"github.com/goodtune/vsyncd/internal/fps"
)

// DisplayFrame is one composition pass and the surface frames it latched.
// It is guarded by the owning FrameTimeline's lock.
type DisplayFrame struct {
	token           int64
	predictionState PredictionState
	predictions     TimelineItem
	actuals         TimelineItem
	refreshRate     fps.Fps

	jankType             JankType
	classified           bool
	framePresentMetadata FramePresentMetadata
	frameReadyMetadata   FrameReadyMetadata
	frameStartMetadata   FrameStartMetadata

	surfaceFrames []*SurfaceFrame
	thresholds    JankClassificationThresholds
}

func newDisplayFrame(thresholds JankClassificationThresholds) *DisplayFrame {
	return &DisplayFrame{
		token:      InvalidToken,
		thresholds: thresholds,
	}
}

func (d *DisplayFrame) addSurfaceFrame(sf *SurfaceFrame) {
	d.surfaceFrames = append(d.surfaceFrames, sf)
}

func (d *DisplayFrame) onSfWakeUp(token int64, refreshRate fps.Fps, predictions TimelineItem, ok bool, wakeUpTime int64) {
	d.token = token
	if ok {
		d.predictionState = PredictionValid
		d.predictions = predictions
	} else {
		d.predictionState = PredictionExpired
	}
	d.refreshRate = refreshRate
	d.actuals.StartTime = wakeUpTime
}

func (d *DisplayFrame) setActualEndTime(t int64) {
	d.actuals.EndTime = t
}

// onPresent classifies the display frame and then every surface frame it
// latched. Reports for the statistics sink are returned, not sent.
func (d *DisplayFrame) onPresent(signalTime int64) []JankyFramesInfo {
	d.actuals.PresentTime = signalTime

	presentDelta := d.actuals.PresentTime - d.predictions.PresentTime
	deadlineDelta := d.actuals.EndTime - d.predictions.EndTime
	period := d.refreshRate.PeriodNanos()
	var deltaToVsync int64
	if period > 0 {
		deltaToVsync = abs64(presentDelta) % period
	}

	d.classify(presentDelta, deadlineDelta, deltaToVsync, period)

	var reports []JankyFramesInfo
	for _, sf := range d.surfaceFrames {
		if info, ok := sf.onPresent(signalTime, d.jankType, d.refreshRate, deadlineDelta, deltaToVsync); ok {
			reports = append(reports, info)
		}
	}
	return reports
}

func (d *DisplayFrame) classify(presentDelta, deadlineDelta, deltaToVsync, period int64) {
	d.classified = true

	// Without predictions or a known vsync period the deltas are
	// meaningless.
	if d.predictionState != PredictionValid || period <= 0 {
		d.framePresentMetadata = UnknownPresent
		d.frameReadyMetadata = UnknownFinish
		d.frameStartMetadata = UnknownStart
		d.jankType = JankOf(JankUnknown)
		return
	}

	switch {
	case abs64(presentDelta) <= d.thresholds.PresentThreshold:
		d.framePresentMetadata = OnTimePresent
	case presentDelta > 0:
		d.framePresentMetadata = LatePresent
	default:
		d.framePresentMetadata = EarlyPresent
	}

	switch {
	case d.actuals.EndTime == 0:
		d.frameReadyMetadata = UnknownFinish
	case deadlineDelta > d.thresholds.DeadlineThreshold:
		d.frameReadyMetadata = LateFinish
	default:
		d.frameReadyMetadata = OnTimeFinish
	}

	startDelta := d.actuals.StartTime - d.predictions.StartTime
	switch {
	case abs64(startDelta) <= d.thresholds.StartThreshold:
		d.frameStartMetadata = OnTimeStart
	case startDelta > 0:
		d.frameStartMetadata = LateStart
	default:
		d.frameStartMetadata = EarlyStart
	}

	d.jankType = JankNone
	if d.framePresentMetadata == OnTimePresent {
		return
	}

	aligned := nearVsync(deltaToVsync, period, d.thresholds.PresentThreshold)
	switch {
	case d.frameReadyMetadata == UnknownFinish:
		d.jankType = JankOf(JankUnknown)
	case d.framePresentMetadata == EarlyPresent && d.frameReadyMetadata == OnTimeFinish:
		if aligned {
			d.jankType = JankOf(JankCompositorScheduling)
		} else {
			d.jankType = JankOf(JankPredictionError)
		}
	case d.framePresentMetadata == EarlyPresent:
		// finished late yet presented early: no consistent explanation
		d.jankType = JankOf(JankUnknown)
	case d.frameReadyMetadata == OnTimeFinish:
		if aligned {
			d.jankType = JankOf(JankDisplayHAL)
		} else {
			d.jankType = JankOf(JankPredictionError)
		}
	default:
		d.jankType = JankOf(JankCompositorCPUDeadlineMissed)
	}
}

func (d *DisplayFrame) snapshot() DisplayFrameSnapshot {
	snap := DisplayFrameSnapshot{
		Token:                d.token,
		PredictionState:      d.predictionState,
		Predictions:          d.predictions,
		Actuals:              d.actuals,
		RefreshRate:          d.refreshRate,
		JankType:             d.jankType,
		Classified:           d.classified,
		FramePresentMetadata: d.framePresentMetadata,
		FrameReadyMetadata:   d.frameReadyMetadata,
		FrameStartMetadata:   d.frameStartMetadata,
		SurfaceFrames:        make([]SurfaceFrameSnapshot, len(d.surfaceFrames)),
	}
	for i, sf := range d.surfaceFrames {
		snap.SurfaceFrames[i] = sf.snapshot()
	}
	return snap
}
