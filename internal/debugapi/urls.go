package debugapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/dmpolicy"
	"github.com/goodtune/vsyncd/internal/fpsreport"
	"github.com/goodtune/vsyncd/internal/frametimeline"
	"github.com/goodtune/vsyncd/internal/refreshrate"
	"github.com/goodtune/vsyncd/internal/scheduler"
	"github.com/goodtune/vsyncd/internal/storage"
	"github.com/goodtune/vsyncd/internal/timestats"
)

// Deps holds what the debug routes inspect. Policy and PolicyEngine are nil
// when the policy engine is disabled.
type Deps struct {
	Selector     *refreshrate.Selector
	History      *scheduler.History
	Timeline     *frametimeline.FrameTimeline
	Stats        *timestats.Recorder
	JankStore    storage.JankStore
	FpsReporter  *fpsreport.Reporter
	Policy       *dmpolicy.Controller
	PolicyEngine *dmpolicy.Engine
	Logger       zerolog.Logger
}

// SetupRoutes registers all debug routes with the Gin engine.
func SetupRoutes(r *gin.Engine, deps *Deps, limiter *RateLimiter) {
	// Global middleware
	r.Use(LoggingMiddleware(deps.Logger))
	r.Use(MetricsMiddleware())
	if limiter != nil {
		r.Use(RateLimitMiddleware(limiter))
	}

	refreshRateViews := NewRefreshRateViews(deps.Selector, deps.History, deps.Policy, deps.PolicyEngine, deps.Logger)
	timelineViews := NewTimelineViews(deps.Timeline, deps.FpsReporter, deps.Logger)
	jankViews := NewJankViews(deps.JankStore, deps.Stats, deps.Logger)

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		api.GET("/refresh-rate", refreshRateViews.GetRefreshRate)
		api.GET("/refresh-rate/dump", refreshRateViews.DumpSelector)
		api.GET("/layers", refreshRateViews.ListLayers)

		api.PUT("/policy/override", refreshRateViews.SetOverride)
		api.DELETE("/policy/override", refreshRateViews.ClearOverride)
		api.POST("/policy/reload", refreshRateViews.ReloadPolicy)

		api.GET("/timeline", timelineViews.Dump)
		api.GET("/timeline/frames", timelineViews.ListFrames)
		api.GET("/timeline/fps", timelineViews.ComputeFps)

		api.GET("/jank", jankViews.ListStats)
		api.DELETE("/jank", jankViews.DeleteStats)
	}
}
