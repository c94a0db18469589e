package debugapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/fpsreport"
	"github.com/goodtune/vsyncd/internal/frametimeline"
)

// TimelineViews handles frame timeline inspection requests.
type TimelineViews struct {
	timeline *frametimeline.FrameTimeline
	reporter *fpsreport.Reporter
	logger   zerolog.Logger
}

func NewTimelineViews(timeline *frametimeline.FrameTimeline, reporter *fpsreport.Reporter, logger zerolog.Logger) *TimelineViews {
	return &TimelineViews{
		timeline: timeline,
		reporter: reporter,
		logger:   logger.With().Str("handler", "timeline").Logger(),
	}
}

// Dump returns the text dump. mode is "all" (default) or "jank".
func (v *TimelineViews) Dump(ctx *gin.Context) {
	mode := ctx.DefaultQuery("mode", "all")
	if mode != "all" && mode != "jank" {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "mode must be all or jank",
		})
		return
	}
	ctx.String(http.StatusOK, v.timeline.ParseArgs([]string{"-" + mode}))
}

// ListFrames returns the retained display frames, oldest first. With
// janky=true only frames where something missed are returned.
func (v *TimelineViews) ListFrames(ctx *gin.Context) {
	frames := v.timeline.DisplayFrames()
	if ctx.Query("janky") == "true" {
		janky := frames[:0]
		for _, f := range frames {
			if f.IsJanky() {
				janky = append(janky, f)
			}
		}
		frames = janky
	}

	ctx.JSON(http.StatusOK, gin.H{
		"count":          len(frames),
		"pending_fences": v.timeline.PendingFences(),
		"frames":         frames,
	})
}

// ComputeFps returns the presentation rate of the comma separated layer ids
// in the layers query parameter.
func (v *TimelineViews) ComputeFps(ctx *gin.Context) {
	raw := ctx.Query("layers")
	if raw == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "layers is required",
		})
		return
	}

	ids := make(map[int32]struct{})
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 32)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "invalid layer id: " + part,
			})
			return
		}
		ids[int32(id)] = struct{}{}
	}

	resp := gin.H{"fps": v.timeline.ComputeFps(ids)}
	if v.reporter != nil {
		resp["listeners"] = v.reporter.Handles()
	}
	ctx.JSON(http.StatusOK, resp)
}
