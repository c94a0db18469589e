package refreshrate

import (
	"fmt"

	"github.com/goodtune/vsyncd/internal/fps"
)

// LayerVoteType describes how a layer wants the refresh rate chosen.
type LayerVoteType int

const (
	VoteNoVote                  LayerVoteType = iota // doesn't care about the refresh rate
	VoteMin                                          // minimal refresh rate available
	VoteMax                                          // maximal refresh rate available
	VoteHeuristic                                    // rate calculated from presents
	VoteExplicitDefault                              // app asked for a rate; any cadence is acceptable
	VoteExplicitExactOrMultiple                      // app asked for a rate or an integer multiple of it
	VoteExplicitExact                                // app asked for exactly this rate
)

func (v LayerVoteType) String() string {
	switch v {
	case VoteNoVote:
		return "NoVote"
	case VoteMin:
		return "Min"
	case VoteMax:
		return "Max"
	case VoteHeuristic:
		return "Heuristic"
	case VoteExplicitDefault:
		return "ExplicitDefault"
	case VoteExplicitExactOrMultiple:
		return "ExplicitExactOrMultiple"
	case VoteExplicitExact:
		return "ExplicitExact"
	default:
		return fmt.Sprintf("LayerVoteType(%d)", int(v))
	}
}

// IsExplicit reports whether the vote came from an application request.
func (v LayerVoteType) IsExplicit() bool {
	return v == VoteExplicitDefault || v == VoteExplicitExactOrMultiple || v == VoteExplicitExact
}

// ParseLayerVoteType accepts the String form or a kebab-case alias.
func ParseLayerVoteType(s string) (LayerVoteType, error) {
	switch s {
	case "NoVote", "no-vote", "none":
		return VoteNoVote, nil
	case "Min", "min":
		return VoteMin, nil
	case "Max", "max":
		return VoteMax, nil
	case "Heuristic", "heuristic":
		return VoteHeuristic, nil
	case "ExplicitDefault", "explicit-default", "default":
		return VoteExplicitDefault, nil
	case "ExplicitExactOrMultiple", "explicit-exact-or-multiple", "exact-or-multiple":
		return VoteExplicitExactOrMultiple, nil
	case "ExplicitExact", "explicit-exact", "exact":
		return VoteExplicitExact, nil
	}
	return VoteNoVote, fmt.Errorf("unknown layer vote type %q", s)
}

// Seamlessness restricts which mode switches a layer tolerates.
type Seamlessness int

const (
	// SeamlessDefault follows the current group when a SeamedAndSeamless
	// layer is focused, and the default mode's group otherwise.
	SeamlessDefault Seamlessness = iota
	// OnlySeamless permits only switches within the current group.
	OnlySeamless
	// SeamedAndSeamless permits any switch while the layer is focused.
	SeamedAndSeamless
)

func (s Seamlessness) String() string {
	switch s {
	case OnlySeamless:
		return "OnlySeamless"
	case SeamedAndSeamless:
		return "SeamedAndSeamless"
	default:
		return "Default"
	}
}

// LayerRequirement is one layer's summarized vote.
type LayerRequirement struct {
	Name         string
	OwnerUID     int32
	Vote         LayerVoteType
	DesiredFps   fps.Fps
	Seamlessness Seamlessness
	// Weight is the layer's share of the display area, in [0, 1].
	Weight  float64
	Focused bool
}

func (l LayerRequirement) String() string {
	return fmt.Sprintf("%s: %s %s weight=%.2f focused=%t", l.Name, l.Vote, l.DesiredFps, l.Weight, l.Focused)
}

// GlobalSignals are device wide hints that influence selection.
type GlobalSignals struct {
	Touch bool
	Idle  bool
}
