package refreshrate

import (
	"math"
	"sort"
	"time"

	"github.com/goodtune/vsyncd/internal/fps"
)

const (
	// marginForPeriodCalculation absorbs jitter when fitting a layer's
	// frame period onto display vsyncs.
	marginForPeriodCalculation = int64(800 * time.Microsecond)

	// Stop fitting cadence once the score would drop below 0.1.
	maxFramesToFit = 10

	seamedSwitchPenalty     = 0.95
	nonExactMatchingPenalty = 0.95

	// Scores within this relative distance of the best are ties.
	scoreEpsilon = 0.001

	// frameRateDividerThreshold is how far from an integer the ratio of two
	// rates may be while still counting as a divider.
	frameRateDividerThreshold = 0.1
)

// frameRateDivider returns n when displayFps is (almost) n times layerFps,
// and 0 otherwise.
func frameRateDivider(displayFps, layerFps fps.Fps) int {
	if !displayFps.IsValid() || !layerFps.IsValid() {
		return 0
	}
	periods := displayFps.Value() / layerFps.Value()
	rounded := math.Round(periods)
	if math.Abs(periods-rounded) > frameRateDividerThreshold {
		return 0
	}
	return int(rounded)
}

// displayFrames returns how many whole display periods fit in layerPeriod
// and the remainder, snapping remainders within the margin to zero.
func displayFrames(layerPeriod, displayPeriod int64) (quotient, remainder int64) {
	quotient = layerPeriod / displayPeriod
	remainder = layerPeriod % displayPeriod
	if remainder <= marginForPeriodCalculation || abs64(remainder-displayPeriod) <= marginForPeriodCalculation {
		quotient++
		remainder = 0
	}
	return quotient, remainder
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

type rateScore struct {
	rate  *RefreshRate
	score float64
}

// pickBest returns the highest scoring rate. Ties within scoreEpsilon go to
// the rate closest to reference, then to the lowest config id.
func pickBest(scores []rateScore, reference fps.Fps) *RefreshRate {
	top := 0.0
	for _, s := range scores {
		if s.score > top {
			top = s.score
		}
	}

	var best *RefreshRate
	bestDistance := math.Inf(1)
	for _, s := range scores {
		if s.score*(1+scoreEpsilon) < top {
			continue
		}
		distance := math.Abs(s.rate.fps.Value() - reference.Value())
		switch {
		case best == nil, distance < bestDistance-fps.Margin:
		case math.Abs(distance-bestDistance) <= fps.Margin && s.rate.id < best.id:
		default:
			continue
		}
		best = s.rate
		bestDistance = distance
	}
	return best
}

func (st *selectionState) calculateLayerScore(layer LayerRequirement, rate *RefreshRate, isSeamlessSwitch bool) float64 {
	seamlessness := 1.0
	if !isSeamlessSwitch {
		seamlessness = seamedSwitchPenalty
	}

	switch layer.Vote {
	case VoteMax:
		// ratio^2 lowers the score the further we get from the peak
		ratio := rate.fps.Value() / st.appRequest[len(st.appRequest)-1].fps.Value()
		return ratio * ratio
	case VoteExplicitExact:
		divider := frameRateDivider(rate.fps, layer.DesiredFps)
		if st.supportsFrameRateOverride {
			// multiples are fine, the app gets throttled to its rate
			if divider > 0 {
				return 1
			}
			return 0
		}
		if divider == 1 {
			return 1
		}
		return 0
	}

	if frameRateDivider(rate.fps, layer.DesiredFps) > 0 {
		return seamlessness
	}
	return st.nonExactMatchingScore(layer, rate) * seamlessness * nonExactMatchingPenalty
}

func (st *selectionState) nonExactMatchingScore(layer LayerRequirement, rate *RefreshRate) float64 {
	displayPeriod := rate.vsyncPeriod
	layerPeriod := layer.DesiredFps.PeriodNanos()
	if layerPeriod <= 0 || displayPeriod <= 0 {
		return 0
	}

	switch layer.Vote {
	case VoteExplicitDefault:
		// The layer renders at most one frame per layerPeriod; find the
		// cadence it ends up on.
		actual := displayPeriod
		multiplier := int64(1)
		for layerPeriod > actual+marginForPeriodCalculation {
			multiplier++
			actual = displayPeriod * multiplier
		}
		return math.Min(1, float64(layerPeriod)/float64(actual))

	case VoteExplicitExactOrMultiple, VoteHeuristic:
		quotient, remainder := displayFrames(layerPeriod, displayPeriod)
		if remainder == 0 {
			return 1
		}
		if quotient == 0 {
			// layer wants more than the display can do
			return float64(layerPeriod) / float64(displayPeriod) * (1.0 / (maxFramesToFit + 1))
		}
		diff := abs64(remainder - (displayPeriod - remainder))
		iter := 2
		for diff > marginForPeriodCalculation && iter < maxFramesToFit {
			diff = diff - (displayPeriod - diff)
			iter++
		}
		return 1.0 / float64(iter)
	}
	return 0
}

func (st *selectionState) bestRefreshRate(layers []LayerRequirement, signals GlobalSignals) (*RefreshRate, GlobalSignals) {
	var considered GlobalSignals

	var noVote, minVote, explicitDefault, explicitExactOrMultiple, explicitExact, seamedFocused int
	for _, l := range layers {
		switch l.Vote {
		case VoteNoVote:
			noVote++
		case VoteMin:
			minVote++
		case VoteExplicitDefault:
			explicitDefault++
		case VoteExplicitExactOrMultiple:
			explicitExactOrMultiple++
		case VoteExplicitExact:
			explicitExact++
		}
		if l.Seamlessness == SeamedAndSeamless && l.Focused {
			seamedFocused++
		}
	}
	hasExplicit := explicitDefault > 0 || explicitExactOrMultiple > 0 || explicitExact > 0

	// Without explicit votes a touch goes straight to the peak. Otherwise
	// touch boost is decided after scoring.
	if signals.Touch && !hasExplicit {
		considered.Touch = true
		return st.maxByPolicy, considered
	}

	// A single-rate primary range can only be left on explicit request.
	primaryIsSingleRate := st.policy.PrimaryRange.IsSingleRate()

	if !signals.Touch && signals.Idle && !(primaryIsSingleRate && hasExplicit) {
		considered.Idle = true
		return st.minByPolicy, considered
	}

	if len(layers) == 0 || noVote == len(layers) {
		return st.maxByPolicy, considered
	}
	if noVote+minVote == len(layers) {
		return st.minByPolicy, considered
	}

	scores := make([]rateScore, len(st.appRequest))
	for i, r := range st.appRequest {
		scores[i] = rateScore{rate: r}
	}

	for _, layer := range layers {
		if layer.Vote == VoteNoVote || layer.Vote == VoteMin {
			continue
		}
		for i := range scores {
			candidate := scores[i].rate
			isSeamlessSwitch := candidate.group == st.current.group
			if layer.Seamlessness == OnlySeamless && !isSeamlessSwitch {
				continue
			}
			if layer.Seamlessness == SeamedAndSeamless && !isSeamlessSwitch && !layer.Focused {
				continue
			}
			// Default seamlessness follows the current group while a
			// SeamedAndSeamless layer is focused, the default group otherwise.
			inPolicyForDefault := candidate.group == st.defaultRate.group
			if seamedFocused > 0 {
				inPolicyForDefault = candidate.group == st.current.group
			}
			if layer.Seamlessness == SeamlessDefault && !inPolicyForDefault && !layer.Focused {
				continue
			}

			inPrimary := candidate.InPolicy(st.policy.PrimaryRange.Min, st.policy.PrimaryRange.Max)
			focusedExplicit := layer.Focused && (layer.Vote == VoteExplicitDefault || layer.Vote == VoteExplicitExact)
			if (primaryIsSingleRate || !inPrimary) && !focusedExplicit {
				continue
			}

			scores[i].score += layer.Weight * st.calculateLayerScore(layer, candidate, isSeamlessSwitch)
		}
	}

	best := pickBest(scores, st.current.fps)

	if primaryIsSingleRate {
		// Nothing scored: stay inside the primary range.
		if allZero(scores) {
			return st.maxByPolicy, considered
		}
		return best, considered
	}

	// ExplicitDefault layers are interactive and keep their rate on touch.
	touchBoostForExplicitExact := explicitExact == 0
	if st.supportsFrameRateOverride {
		touchBoostForExplicitExact = explicitExact+noVote != len(layers)
	}
	if signals.Touch && explicitDefault == 0 && touchBoostForExplicitExact &&
		best.fps.LessThanWithMargin(st.maxByPolicy.fps) {
		considered.Touch = true
		return st.maxByPolicy, considered
	}
	return best, considered
}

func allZero(scores []rateScore) bool {
	for _, s := range scores {
		if s.score != 0 {
			return false
		}
	}
	return true
}

// frameRateOverrides maps every owner whose explicit ExplicitExact or
// ExplicitDefault rate divides displayFps to that rate. When an owner has
// several such layers the highest rate wins.
func (st *selectionState) frameRateOverrides(layers []LayerRequirement, displayFps fps.Fps, touch bool) map[int32]fps.Fps {
	overrides := make(map[int32]fps.Fps)
	if !st.supportsFrameRateOverride {
		return overrides
	}

	byOwner := make(map[int32][]LayerRequirement)
	var owners []int32
	for _, l := range layers {
		if _, seen := byOwner[l.OwnerUID]; !seen {
			owners = append(owners, l.OwnerUID)
		}
		byOwner[l.OwnerUID] = append(byOwner[l.OwnerUID], l)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

	for _, owner := range owners {
		eligible := true
		var rate fps.Fps
		for _, l := range byOwner[owner] {
			switch l.Vote {
			case VoteMax, VoteHeuristic:
				// not purely app driven, nothing to throttle to
				eligible = false
			case VoteExplicitExactOrMultiple:
				// these expect touch boost
				if touch {
					eligible = false
				}
			case VoteExplicitExact, VoteExplicitDefault:
				if frameRateDivider(displayFps, l.DesiredFps) >= 1 && l.DesiredFps.Value() > rate.Value() {
					rate = l.DesiredFps
				}
			}
		}
		if !eligible || !rate.IsValid() {
			continue
		}
		overrides[owner] = rate
	}
	return overrides
}
