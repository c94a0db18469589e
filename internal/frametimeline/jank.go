package frametimeline

import (
	"fmt"
	"strings"
)

// Jank is a single cause of a missed frame.
type Jank uint8

const (
	// JankDisplayHAL: the display hardware presented late.
	JankDisplayHAL Jank = iota
	// JankCompositorCPUDeadlineMissed: compositor CPU work finished late.
	JankCompositorCPUDeadlineMissed
	// JankCompositorGPUDeadlineMissed: composition GPU work finished late.
	JankCompositorGPUDeadlineMissed
	// JankAppDeadlineMissed: the application finished its frame late.
	JankAppDeadlineMissed
	// JankPredictionError: the schedule predicted a vsync that didn't happen.
	JankPredictionError
	// JankCompositorScheduling: the compositor woke up a vsync late or early.
	JankCompositorScheduling
	// JankBufferStuffing: the app queued more buffers than could be latched.
	JankBufferStuffing
	// JankUnknown: late, with no attributable cause.
	JankUnknown
)

// AllJankCauses lists every cause in presentation order.
var AllJankCauses = []Jank{
	JankDisplayHAL,
	JankCompositorCPUDeadlineMissed,
	JankCompositorGPUDeadlineMissed,
	JankAppDeadlineMissed,
	JankPredictionError,
	JankCompositorScheduling,
	JankBufferStuffing,
	JankUnknown,
}

func (j Jank) String() string {
	switch j {
	case JankDisplayHAL:
		return "Display HAL"
	case JankCompositorCPUDeadlineMissed:
		return "Compositor CPU Deadline Missed"
	case JankCompositorGPUDeadlineMissed:
		return "Compositor GPU Deadline Missed"
	case JankAppDeadlineMissed:
		return "App Deadline Missed"
	case JankPredictionError:
		return "Prediction Error"
	case JankCompositorScheduling:
		return "Compositor Scheduling"
	case JankBufferStuffing:
		return "Buffer Stuffing"
	case JankUnknown:
		return "Unknown jank"
	default:
		return fmt.Sprintf("Jank(%d)", uint8(j))
	}
}

// Label is a metric-friendly name for the cause.
func (j Jank) Label() string {
	switch j {
	case JankDisplayHAL:
		return "display_hal"
	case JankCompositorCPUDeadlineMissed:
		return "compositor_cpu_deadline_missed"
	case JankCompositorGPUDeadlineMissed:
		return "compositor_gpu_deadline_missed"
	case JankAppDeadlineMissed:
		return "app_deadline_missed"
	case JankPredictionError:
		return "prediction_error"
	case JankCompositorScheduling:
		return "compositor_scheduling"
	case JankBufferStuffing:
		return "buffer_stuffing"
	case JankUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// JankType is a set of jank causes. The zero value is no jank.
type JankType struct {
	causes uint16
}

// JankNone is the empty set.
var JankNone = JankType{}

// JankOf returns the set holding the given causes.
func JankOf(causes ...Jank) JankType {
	var t JankType
	for _, c := range causes {
		t.causes |= 1 << c
	}
	return t
}

// With returns t plus the given causes.
func (t JankType) With(causes ...Jank) JankType {
	return t.Union(JankOf(causes...))
}

func (t JankType) Union(o JankType) JankType {
	return JankType{causes: t.causes | o.causes}
}

func (t JankType) Has(c Jank) bool {
	return t.causes&(1<<c) != 0
}

func (t JankType) IsNone() bool {
	return t.causes == 0
}

// Causes lists the members in presentation order.
func (t JankType) Causes() []Jank {
	var out []Jank
	for _, c := range AllJankCauses {
		if t.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// String renders "None" or the comma separated cause names.
func (t JankType) String() string {
	if t.IsNone() {
		return "None"
	}
	causes := t.Causes()
	names := make([]string, len(causes))
	for i, c := range causes {
		names[i] = c.String()
	}
	return strings.Join(names, ", ")
}

// MarshalText renders the same form as String.
func (t JankType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
