package frametimeline

import (
	"fmt"
	"strings"

	"github.com/goodtune/vsyncd/internal/fps"
)

// SurfaceFrameSnapshot is an immutable copy of a SurfaceFrame.
type SurfaceFrameSnapshot struct {
	Token                int64                `json:"token"`
	OwnerPID             int32                `json:"owner_pid"`
	OwnerUID             int32                `json:"owner_uid"`
	LayerID              int32                `json:"layer_id"`
	LayerName            string               `json:"layer_name"`
	DebugName            string               `json:"debug_name,omitempty"`
	PresentState         PresentState         `json:"present_state"`
	PredictionState      PredictionState      `json:"prediction_state"`
	Predictions          TimelineItem         `json:"predictions"`
	Actuals              TimelineItem         `json:"actuals"`
	ActualQueueTime      int64                `json:"actual_queue_time"`
	LastLatchTime        int64                `json:"last_latch_time"`
	RenderRate           fps.Fps              `json:"render_rate"`
	JankType             JankType             `json:"jank_type"`
	Classified           bool                 `json:"classified"`
	FramePresentMetadata FramePresentMetadata `json:"frame_present_metadata"`
	FrameReadyMetadata   FrameReadyMetadata   `json:"frame_ready_metadata"`
}

// DisplayFrameSnapshot is an immutable copy of a DisplayFrame and the
// surface frames it latched.
type DisplayFrameSnapshot struct {
	Token                int64                  `json:"token"`
	PredictionState      PredictionState        `json:"prediction_state"`
	Predictions          TimelineItem           `json:"predictions"`
	Actuals              TimelineItem           `json:"actuals"`
	RefreshRate          fps.Fps                `json:"refresh_rate"`
	JankType             JankType               `json:"jank_type"`
	Classified           bool                   `json:"classified"`
	FramePresentMetadata FramePresentMetadata   `json:"frame_present_metadata"`
	FrameReadyMetadata   FrameReadyMetadata     `json:"frame_ready_metadata"`
	FrameStartMetadata   FrameStartMetadata     `json:"frame_start_metadata"`
	SurfaceFrames        []SurfaceFrameSnapshot `json:"surface_frames"`
}

// IsJanky reports whether the frame or any of its surface frames missed.
func (d DisplayFrameSnapshot) IsJanky() bool {
	if !d.JankType.IsNone() {
		return true
	}
	for _, sf := range d.SurfaceFrames {
		if sf.Classified && !sf.JankType.IsNone() {
			return true
		}
	}
	return false
}

// baseTime is the earliest known timestamp of the frame, used to print
// every other timestamp relative to it.
func (d DisplayFrameSnapshot) baseTime() int64 {
	base := int64(0)
	consider := func(t int64) {
		if t > 0 && (base == 0 || t < base) {
			base = t
		}
	}
	for _, item := range []TimelineItem{d.Predictions, d.Actuals} {
		consider(item.StartTime)
		consider(item.EndTime)
		consider(item.PresentTime)
	}
	for _, sf := range d.SurfaceFrames {
		for _, item := range []TimelineItem{sf.Predictions, sf.Actuals} {
			consider(item.StartTime)
			consider(item.EndTime)
			consider(item.PresentTime)
		}
	}
	return base
}

func formatMillis(t, baseTime int64) string {
	if t == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%10.2f", float64(t-baseTime)/1e6)
}

func dumpTable(b *strings.Builder, predictions, actuals TimelineItem, indent string, state PredictionState, baseTime int64) {
	fmt.Fprintf(b, "%s%-10s | %10s | %10s | %10s\n", indent, "", "Start", "End", "Present")
	if state == PredictionValid {
		fmt.Fprintf(b, "%s%-10s | %10s | %10s | %10s\n", indent, "Expected",
			formatMillis(predictions.StartTime, baseTime),
			formatMillis(predictions.EndTime, baseTime),
			formatMillis(predictions.PresentTime, baseTime))
	}
	fmt.Fprintf(b, "%s%-10s | %10s | %10s | %10s\n", indent, "Actual",
		formatMillis(actuals.StartTime, baseTime),
		formatMillis(actuals.EndTime, baseTime),
		formatMillis(actuals.PresentTime, baseTime))
}

func (s SurfaceFrameSnapshot) dump(b *strings.Builder, indent string, baseTime int64) {
	marker := ""
	if s.Classified && !s.JankType.IsNone() {
		marker = "[*] "
	}
	fmt.Fprintf(b, "%s%sLayer - %s", indent, marker, s.DebugName)
	if s.DebugName == "" {
		fmt.Fprintf(b, "%s", s.LayerName)
	}
	b.WriteString("\n")
	fmt.Fprintf(b, "%s  Token: %d\n", indent, s.Token)
	fmt.Fprintf(b, "%s  Owner Pid : %d\n", indent, s.OwnerPID)
	fmt.Fprintf(b, "%s  Present State : %s\n", indent, s.PresentState)
	fmt.Fprintf(b, "%s  Prediction State : %s\n", indent, s.PredictionState)
	fmt.Fprintf(b, "%s  Jank Type : %s\n", indent, s.JankType)
	fmt.Fprintf(b, "%s  Present Metadata : %s\n", indent, s.FramePresentMetadata)
	fmt.Fprintf(b, "%s  Finish Metadata : %s\n", indent, s.FrameReadyMetadata)
	if s.RenderRate.IsValid() {
		fmt.Fprintf(b, "%s  Render Rate : %d\n", indent, s.RenderRate.IntValue())
	}
	if s.LastLatchTime != 0 {
		fmt.Fprintf(b, "%s  Last latch time: %s\n", indent, formatMillis(s.LastLatchTime, baseTime))
	}
	dumpTable(b, s.Predictions, s.Actuals, indent+"  ", s.PredictionState, baseTime)
}

func (d DisplayFrameSnapshot) dump(b *strings.Builder, index int, baseTime int64) {
	fmt.Fprintf(b, "Display Frame %d", index)
	if !d.JankType.IsNone() {
		b.WriteString(" [*] ")
	}
	b.WriteString("\n")
	fmt.Fprintf(b, "  Token : %d\n", d.Token)
	fmt.Fprintf(b, "  Prediction State : %s\n", d.PredictionState)
	fmt.Fprintf(b, "  Jank Type : %s\n", d.JankType)
	fmt.Fprintf(b, "  Present Metadata : %s\n", d.FramePresentMetadata)
	fmt.Fprintf(b, "  Finish Metadata : %s\n", d.FrameReadyMetadata)
	fmt.Fprintf(b, "  Start Metadata : %s\n", d.FrameStartMetadata)
	period := d.RefreshRate.PeriodNanos()
	fmt.Fprintf(b, "  Vsync Period: %10.2f\n", float64(period)/1e6)
	dumpTable(b, d.Predictions, d.Actuals, "  ", d.PredictionState, baseTime)
	for _, sf := range d.SurfaceFrames {
		b.WriteString("\n")
		sf.dump(b, "    ", baseTime)
	}
}
