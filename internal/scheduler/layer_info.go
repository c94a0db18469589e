package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/fps"
	"github.com/goodtune/vsyncd/internal/refreshrate"
)

const (
	// A layer that has not updated within this window is inactive.
	maxActiveLayerPeriod = int64(1200 * time.Millisecond)

	frequentLayerWindowSize = 3
	historySize             = 90
	historyDuration         = int64(time.Second)
)

var (
	// Layers slower than this are infrequent and vote for the minimum rate.
	minFpsForFrequentLayer = fps.New(10)
	// Deltas shorter than this are duplicate submissions.
	minPeriodBetweenFrames = fps.New(120).PeriodNanos()
	// Deltas longer than this are gaps in the content, not its cadence.
	maxPeriodBetweenFrames = minFpsForFrequentLayer.PeriodNanos()
	// A burst is over once its earliest frame is this far behind now.
	maxPeriodForFrequentLayer = minFpsForFrequentLayer.PeriodNanos() + int64(time.Millisecond)
)

// activeLayerThreshold returns the oldest update time that still counts as
// active at now.
func activeLayerThreshold(now int64) int64 {
	return now - maxActiveLayerPeriod
}

// LayerUpdateType says what caused a layer update.
type LayerUpdateType int

const (
	UpdateBuffer LayerUpdateType = iota
	UpdateAnimationTx
	UpdateSetFrameRate
)

func (u LayerUpdateType) String() string {
	switch u {
	case UpdateAnimationTx:
		return "AnimationTx"
	case UpdateSetFrameRate:
		return "SetFrameRate"
	default:
		return "Buffer"
	}
}

// LayerVote is the vote a layer casts for the next frame.
type LayerVote struct {
	Type         refreshrate.LayerVoteType
	Fps          fps.Fps
	Seamlessness refreshrate.Seamlessness
}

type frameTimeData struct {
	presentTime       int64
	queueTime         int64
	pendingModeChange bool
}

type heuristicData struct {
	// calculated is the last raw rate that changed the reported one.
	calculated fps.Fps
	// reported is the known frame rate the layer votes with.
	reported fps.Fps
	// animatingOrInfrequent is set when the last vote bypassed the
	// heuristic; the next heuristic vote starts from fresh samples.
	animatingOrInfrequent bool
}

// LayerInfo tracks the recent presents of one content source and derives
// its refresh rate vote. It is not safe for concurrent use; History
// serializes access.
type LayerInfo struct {
	name        string
	ownerUID    int32
	defaultVote refreshrate.LayerVoteType

	layerVote         LayerVote
	lastUpdatedTime   int64
	lastAnimationTime int64
	lastRefreshRate   heuristicData

	frameTimes          []frameTimeData
	frameTimeValidSince int64
	refreshRateHistory  refreshRateHistory

	known  refreshrate.KnownFrameRates
	logger zerolog.Logger
}

// NewLayerInfo creates a tracker whose samples are valid from now on.
func NewLayerInfo(name string, ownerUID int32, defaultVote refreshrate.LayerVoteType, now int64, known refreshrate.KnownFrameRates, logger zerolog.Logger) *LayerInfo {
	return &LayerInfo{
		name:                name,
		ownerUID:            ownerUID,
		defaultVote:         defaultVote,
		layerVote:           LayerVote{Type: defaultVote},
		frameTimeValidSince: now,
		known:               known,
		logger:              logger,
	}
}

func (l *LayerInfo) Name() string    { return l.name }
func (l *LayerInfo) OwnerUID() int32 { return l.ownerUID }

// LastUpdatedTime returns the time of the most recent update of any kind.
func (l *LayerInfo) LastUpdatedTime() int64 { return l.lastUpdatedTime }

// SetKnownFrameRates replaces the set heuristic rates are rounded to.
func (l *LayerInfo) SetKnownFrameRates(known refreshrate.KnownFrameRates) {
	l.known = known
}

// RecordPresent records an update. presentTime is the desired present time
// attached to the buffer, or 0 when the source did not provide one.
func (l *LayerInfo) RecordPresent(presentTime, now int64, updateType LayerUpdateType, pendingModeChange bool) {
	if presentTime < 0 {
		presentTime = 0
	}
	l.lastUpdatedTime = max(presentTime, now)

	switch updateType {
	case UpdateAnimationTx:
		l.lastAnimationTime = max(presentTime, now)
	case UpdateBuffer, UpdateSetFrameRate:
		l.frameTimes = append(l.frameTimes, frameTimeData{
			presentTime:       presentTime,
			queueTime:         l.lastUpdatedTime,
			pendingModeChange: pendingModeChange,
		})
		if len(l.frameTimes) > historySize {
			l.frameTimes = l.frameTimes[1:]
		}
	}
}

// SetLayerVote sets an explicit vote from the application.
func (l *LayerInfo) SetLayerVote(vote LayerVote) {
	l.layerVote = vote
}

// SetDefaultLayerVote changes the vote restored by ResetLayerVote.
func (l *LayerInfo) SetDefaultLayerVote(t refreshrate.LayerVoteType) {
	l.defaultVote = t
}

// ResetLayerVote drops any explicit vote.
func (l *LayerInfo) ResetLayerVote() {
	l.layerVote = LayerVote{Type: l.defaultVote}
}

// GetVote returns the layer's vote at now. Calling it twice with the same
// now and no intervening RecordPresent yields the same vote.
func (l *LayerInfo) GetVote(now int64) LayerVote {
	if l.layerVote.Type != refreshrate.VoteHeuristic {
		l.logger.Trace().Str("layer", l.name).Str("vote", l.layerVote.Type.String()).Msg("Explicit vote")
		return l.layerVote
	}

	if !l.isFrequent(now) {
		l.logger.Trace().Str("layer", l.name).Msg("Layer is infrequent")
		l.lastRefreshRate.animatingOrInfrequent = true
		// infrequent layers vote for the minimal rate to save power
		return LayerVote{Type: refreshrate.VoteMin}
	}

	if l.isAnimating(now) {
		l.logger.Trace().Str("layer", l.name).Msg("Layer is animating")
		l.lastRefreshRate.animatingOrInfrequent = true
		return LayerVote{Type: refreshrate.VoteMax}
	}

	// The layer just changed behaviour; samples from before are stale.
	if l.lastRefreshRate.animatingOrInfrequent {
		l.OnInactive(now)
	}

	if rate, ok := l.calculateRefreshRateIfPossible(now); ok {
		return LayerVote{Type: refreshrate.VoteHeuristic, Fps: rate}
	}

	l.logger.Trace().Str("layer", l.name).Msg("Can't resolve refresh rate, voting Max")
	return LayerVote{Type: refreshrate.VoteMax}
}

// OnInactive resets derived state when the layer goes inactive. Samples
// queued before now no longer count.
func (l *LayerInfo) OnInactive(now int64) {
	l.frameTimeValidSince = now
	l.lastRefreshRate = heuristicData{}
	l.refreshRateHistory.clear()
}

// ClearHistory is OnInactive plus dropping every raw sample.
func (l *LayerInfo) ClearHistory(now int64) {
	l.OnInactive(now)
	l.frameTimes = l.frameTimes[:0]
}

func (l *LayerInfo) isFrameTimeValid(ft frameTimeData) bool {
	return ft.queueTime >= l.frameTimeValidSince
}

// validFrameTimes returns the samples queued since the validity horizon.
func (l *LayerInfo) validFrameTimes() []frameTimeData {
	first := len(l.frameTimes)
	for first > 0 && l.isFrameTimeValid(l.frameTimes[first-1]) {
		first--
	}
	return l.frameTimes[first:]
}

// isFrequent reports whether the last frequentLayerWindowSize samples all
// arrived within maxPeriodForFrequentLayer of now.
func (l *LayerInfo) isFrequent(now int64) bool {
	for i := len(l.frameTimes) - 1; i >= 0; i-- {
		if now-l.frameTimes[i].queueTime >= maxPeriodForFrequentLayer {
			return false
		}
		if len(l.frameTimes)-i >= frequentLayerWindowSize {
			return true
		}
	}
	return false
}

func (l *LayerInfo) isAnimating(now int64) bool {
	return l.lastAnimationTime >= activeLayerThreshold(now)
}

func hasEnoughDataForHeuristic(frames []frameTimeData) bool {
	if len(frames) < 2 {
		return false
	}
	total := frames[len(frames)-1].queueTime - frames[0].queueTime
	if len(frames) < historySize && total < historyDuration {
		return false
	}
	return true
}

// calculateAverageFrameTime averages present deltas, falling back to queue
// deltas when presents are missing and a rate was reported before.
// Duplicate submissions are skipped and gaps are left out of the average.
func (l *LayerInfo) calculateAverageFrameTime(frames []frameTimeData) (int64, bool) {
	missingPresent := false
	for _, ft := range frames {
		// frames captured during a mode change don't reflect the content
		if ft.pendingModeChange {
			return 0, false
		}
		if ft.presentTime == 0 {
			missingPresent = true
		}
	}
	if missingPresent && !l.lastRefreshRate.reported.IsValid() {
		return 0, false
	}

	timeOf := func(ft frameTimeData) int64 {
		if missingPresent {
			return ft.queueTime
		}
		return ft.presentTime
	}

	var total, count int64
	prev := frames[0]
	for _, ft := range frames[1:] {
		delta := timeOf(ft) - timeOf(prev)
		if delta < minPeriodBetweenFrames {
			continue
		}
		prev = ft
		if delta > maxPeriodBetweenFrames {
			continue
		}
		total += delta
		count++
	}
	if count == 0 {
		return 0, false
	}
	return total / count, true
}

func (l *LayerInfo) calculateRefreshRateIfPossible(now int64) (fps.Fps, bool) {
	const margin = 1.0 // fps

	frames := l.validFrameTimes()
	if !hasEnoughDataForHeuristic(frames) {
		l.logger.Trace().Str("layer", l.name).Msg("Not enough data")
		return fps.Fps{}, false
	}

	if average, ok := l.calculateAverageFrameTime(frames); ok {
		rate := fps.FromPeriod(average)
		if l.refreshRateHistory.add(rate, now) {
			known := l.known.Closest(rate)
			// Keep reporting the previous rate while the new one is close,
			// so the vote doesn't oscillate.
			if abs(l.lastRefreshRate.calculated.Value()-rate.Value()) > margin &&
				!l.lastRefreshRate.reported.EqualsWithMargin(known) {
				l.lastRefreshRate.calculated = rate
				l.lastRefreshRate.reported = known
			}
			l.logger.Trace().Str("layer", l.name).Str("rate", rate.String()).
				Str("known", known.String()).Msg("Rounded to nearest known frame rate")
		} else {
			l.logger.Trace().Str("layer", l.name).Str("rate", rate.String()).
				Str("reported", l.lastRefreshRate.reported.String()).Msg("Not stable, returning last known frame rate")
		}
	}

	if l.lastRefreshRate.reported.IsValid() {
		return l.lastRefreshRate.reported, true
	}
	return fps.Fps{}, false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
