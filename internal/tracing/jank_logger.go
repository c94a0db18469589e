package tracing

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/goodtune/vsyncd/internal/frametimeline"
)

// JankLogger writes a structured log line for janky display frames. Lines
// are sampled with a token bucket so a burst of jank cannot flood the log;
// the number of frames skipped since the last line is attached to the next
// one.
type JankLogger struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
	logger     zerolog.Logger
}

// NewJankLogger creates a JankLogger allowing perSecond lines per second
// with the given burst. A non-positive perSecond logs every janky frame.
func NewJankLogger(perSecond float64, burst int, logger zerolog.Logger) *JankLogger {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &JankLogger{
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "jank-trace").Logger(),
	}
}

// OnDisplayFramePresented implements frametimeline.Observer.
func (j *JankLogger) OnDisplayFramePresented(frame frametimeline.DisplayFrameSnapshot) {
	if !frame.IsJanky() {
		return
	}
	if !j.limiter.Allow() {
		j.suppressed.Add(1)
		return
	}

	layers := zerolog.Arr()
	for _, sf := range frame.SurfaceFrames {
		if !sf.Classified || sf.JankType.IsNone() {
			continue
		}
		layers.Dict(zerolog.Dict().
			Str("layer", sf.LayerName).
			Int32("uid", sf.OwnerUID).
			Int64("token", sf.Token).
			Str("jank", sf.JankType.String()).
			Str("present", sf.FramePresentMetadata.String()).
			Str("ready", sf.FrameReadyMetadata.String()))
	}

	j.logger.Info().
		Int64("token", frame.Token).
		Str("prediction", frame.PredictionState.String()).
		Str("jank", frame.JankType.String()).
		Str("present", frame.FramePresentMetadata.String()).
		Str("start", frame.FrameStartMetadata.String()).
		Int64("present_delta_ns", frame.Actuals.PresentTime-frame.Predictions.PresentTime).
		Int("refresh_rate", frame.RefreshRate.IntValue()).
		Array("layers", layers).
		Int64("suppressed", j.suppressed.Swap(0)).
		Msg("Janky display frame")
}
