package debugapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/dmpolicy"
	"github.com/goodtune/vsyncd/internal/fps"
	"github.com/goodtune/vsyncd/internal/refreshrate"
	"github.com/goodtune/vsyncd/internal/scheduler"
)

// RefreshRateViews handles selector and layer inspection requests.
type RefreshRateViews struct {
	selector     *refreshrate.Selector
	history      *scheduler.History
	policy       *dmpolicy.Controller
	policyEngine *dmpolicy.Engine
	logger       zerolog.Logger
}

// NewRefreshRateViews creates a new refresh rate views instance.
func NewRefreshRateViews(selector *refreshrate.Selector, history *scheduler.History, policy *dmpolicy.Controller,
	policyEngine *dmpolicy.Engine, logger zerolog.Logger) *RefreshRateViews {
	return &RefreshRateViews{
		selector:     selector,
		history:      history,
		policy:       policy,
		policyEngine: policyEngine,
		logger:       logger.With().Str("handler", "refresh-rate").Logger(),
	}
}

type modeView struct {
	ID          int     `json:"id"`
	Fps         float64 `json:"fps"`
	Group       int     `json:"group"`
	VsyncPeriod int64   `json:"vsync_period_ns"`
}

func newModeView(r refreshrate.RefreshRate) modeView {
	return modeView{
		ID:          int(r.ConfigID()),
		Fps:         r.Fps().Value(),
		Group:       r.Group(),
		VsyncPeriod: r.VsyncPeriod(),
	}
}

// GetRefreshRate returns the active mode, the policies in force and the
// catalog.
func (v *RefreshRateViews) GetRefreshRate(ctx *gin.Context) {
	all := v.selector.AllRefreshRates()
	modes := make([]modeView, len(all))
	for i, r := range all {
		modes[i] = newModeView(r)
	}

	resp := gin.H{
		"current":                      newModeView(v.selector.CurrentRefreshRate()),
		"current_policy":               v.selector.CurrentPolicy(),
		"display_manager_policy":       v.selector.DisplayManagerPolicy(),
		"supported_range":              v.selector.SupportedRange(),
		"modes":                        modes,
		"idle_timer_action":            v.selector.GetIdleTimerAction().String(),
		"idle_timer_enabled":           v.selector.IdleTimerEnabled(),
		"supports_frame_rate_override": v.selector.SupportsFrameRateOverride(),
	}
	if v.policy != nil {
		resp["policy_decision"] = v.policy.LastDecision()
	}
	ctx.JSON(http.StatusOK, resp)
}

// DumpSelector returns the selector's text dump.
func (v *RefreshRateViews) DumpSelector(ctx *gin.Context) {
	ctx.String(http.StatusOK, v.selector.Dump())
}

type layerView struct {
	Name         string  `json:"name"`
	OwnerUID     int32   `json:"owner_uid"`
	Vote         string  `json:"vote"`
	DesiredFps   fps.Fps `json:"desired_fps"`
	Seamlessness string  `json:"seamlessness"`
	Weight       float64 `json:"weight"`
	Focused      bool    `json:"focused"`
}

// ListLayers returns the layer summary of the last scheduling pass.
func (v *RefreshRateViews) ListLayers(ctx *gin.Context) {
	summary, at := v.history.LastSummary()
	layers := make([]layerView, len(summary))
	for i, l := range summary {
		layers[i] = layerView{
			Name:         l.Name,
			OwnerUID:     l.OwnerUID,
			Vote:         l.Vote.String(),
			DesiredFps:   l.DesiredFps,
			Seamlessness: l.Seamlessness.String(),
			Weight:       l.Weight,
			Focused:      l.Focused,
		}
	}
	size, active := v.history.Counts()

	ctx.JSON(http.StatusOK, gin.H{
		"registered":    size,
		"active":        active,
		"summarized_at": at,
		"layers":        layers,
	})
}

type overrideRequest struct {
	DefaultConfig       *int     `json:"default_config"`
	AllowGroupSwitching bool     `json:"allow_group_switching"`
	PrimaryMin          float64  `json:"primary_min"`
	PrimaryMax          float64  `json:"primary_max" binding:"required"`
	AppRequestMin       *float64 `json:"app_request_min"`
	AppRequestMax       *float64 `json:"app_request_max"`
}

// SetOverride installs an override policy. The default config defaults to
// the current one and the app request range to the primary range.
func (v *RefreshRateViews) SetOverride(ctx *gin.Context) {
	var req overrideRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	policy := refreshrate.Policy{
		DefaultConfig:       v.selector.CurrentPolicy().DefaultConfig,
		AllowGroupSwitching: req.AllowGroupSwitching,
		PrimaryRange:        fps.NewRange(req.PrimaryMin, req.PrimaryMax),
		AppRequestRange:     fps.NewRange(req.PrimaryMin, req.PrimaryMax),
	}
	if req.DefaultConfig != nil {
		policy.DefaultConfig = refreshrate.ConfigID(*req.DefaultConfig)
	}
	if req.AppRequestMin != nil {
		policy.AppRequestRange.Min = fps.New(*req.AppRequestMin)
	}
	if req.AppRequestMax != nil {
		policy.AppRequestRange.Max = fps.New(*req.AppRequestMax)
	}

	status, err := v.selector.SetOverridePolicy(&policy)
	if errors.Is(err, refreshrate.ErrInvalidPolicy) {
		ctx.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "policy_rejected",
			"message": err.Error(),
		})
		return
	}
	if err != nil {
		v.logger.Error().Err(err).Msg("Failed to set override policy")
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"error":   "server_error",
			"message": err.Error(),
		})
		return
	}

	v.logger.Info().Str("status", status.String()).Str("policy", policy.String()).Msg("Override policy set")
	ctx.JSON(http.StatusOK, gin.H{
		"status": status.String(),
		"policy": policy,
	})
}

// ClearOverride removes the override policy.
func (v *RefreshRateViews) ClearOverride(ctx *gin.Context) {
	status, err := v.selector.SetOverridePolicy(nil)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"error":   "server_error",
			"message": err.Error(),
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": status.String()})
}

// ReloadPolicy reloads the rego policies from disk.
func (v *RefreshRateViews) ReloadPolicy(ctx *gin.Context) {
	if v.policyEngine == nil {
		ctx.JSON(http.StatusConflict, gin.H{
			"error":   "policy_disabled",
			"message": "The policy engine is not enabled",
		})
		return
	}

	v.logger.Info().Msg("Manual policy reload requested")

	if err := v.policyEngine.Reload(); err != nil {
		v.logger.Error().Err(err).Msg("Failed to reload policy engine")
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"error":   "server_error",
			"message": "Failed to reload policy: " + err.Error(),
		})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"message":   "Policy engine reloaded successfully",
		"modules":   v.policyEngine.Modules(),
		"timestamp": time.Now(),
	})
}
