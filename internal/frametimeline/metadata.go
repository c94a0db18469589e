package frametimeline

import "time"

// InvalidToken marks the absence of a prediction token.
const InvalidToken int64 = -1

// TimelineItem holds the start, end and present times of a frame, in
// nanoseconds. A zero field is not yet known.
type TimelineItem struct {
	StartTime   int64 `json:"start_time"`
	EndTime     int64 `json:"end_time"`
	PresentTime int64 `json:"present_time"`
}

// JankClassificationThresholds are the tolerances, in nanoseconds, within
// which a frame still counts as on time.
type JankClassificationThresholds struct {
	PresentThreshold  int64
	DeadlineThreshold int64
	StartThreshold    int64
}

// DefaultThresholds returns 2ms present and start tolerance and no
// deadline tolerance.
func DefaultThresholds() JankClassificationThresholds {
	return JankClassificationThresholds{
		PresentThreshold:  int64(2 * time.Millisecond),
		DeadlineThreshold: 0,
		StartThreshold:    int64(2 * time.Millisecond),
	}
}

// PredictionState says whether predictions were available for a frame.
type PredictionState int

const (
	// PredictionNone: no token was supplied.
	PredictionNone PredictionState = iota
	// PredictionValid: predictions were found for the token.
	PredictionValid
	// PredictionExpired: the token was evicted before it was used.
	PredictionExpired
)

func (p PredictionState) String() string {
	switch p {
	case PredictionValid:
		return "Valid"
	case PredictionExpired:
		return "Expired"
	default:
		return "None"
	}
}

type PresentState int

const (
	PresentUnknown PresentState = iota
	PresentPresented
	PresentDropped
)

func (p PresentState) String() string {
	switch p {
	case PresentPresented:
		return "Presented"
	case PresentDropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}

type FramePresentMetadata int

const (
	UnknownPresent FramePresentMetadata = iota
	OnTimePresent
	LatePresent
	EarlyPresent
)

func (m FramePresentMetadata) String() string {
	switch m {
	case OnTimePresent:
		return "On Time Present"
	case LatePresent:
		return "Late Present"
	case EarlyPresent:
		return "Early Present"
	default:
		return "Unknown Present"
	}
}

type FrameReadyMetadata int

const (
	UnknownFinish FrameReadyMetadata = iota
	OnTimeFinish
	LateFinish
)

func (m FrameReadyMetadata) String() string {
	switch m {
	case OnTimeFinish:
		return "On Time Finish"
	case LateFinish:
		return "Late Finish"
	default:
		return "Unknown Finish"
	}
}

type FrameStartMetadata int

const (
	UnknownStart FrameStartMetadata = iota
	OnTimeStart
	LateStart
	EarlyStart
)

func (m FrameStartMetadata) String() string {
	switch m {
	case OnTimeStart:
		return "On Time Start"
	case LateStart:
		return "Late Start"
	case EarlyStart:
		return "Early Start"
	default:
		return "Unknown Start"
	}
}
