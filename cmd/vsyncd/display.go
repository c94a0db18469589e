package main

import (
	"fmt"
	"time"

	"github.com/goodtune/vsyncd/internal/compositor"
	"github.com/goodtune/vsyncd/internal/config"
	"github.com/goodtune/vsyncd/internal/fps"
	"github.com/goodtune/vsyncd/internal/frametimeline"
	"github.com/goodtune/vsyncd/internal/refreshrate"
	"github.com/goodtune/vsyncd/internal/scheduler"
)

// displayModes converts the configured catalog into selector modes.
func displayModes(cfg config.DisplayConfig) []refreshrate.DisplayMode {
	modes := make([]refreshrate.DisplayMode, len(cfg.Modes))
	for i, m := range cfg.Modes {
		modes[i] = refreshrate.DisplayMode{
			ID:          refreshrate.ConfigID(m.ID),
			VsyncPeriod: fps.New(m.RefreshRate).PeriodNanos(),
			Group:       m.Group,
			Width:       m.Width,
			Height:      m.Height,
		}
	}
	return modes
}

// displayArea returns the pixel area of the active mode.
func displayArea(cfg config.DisplayConfig) float64 {
	for _, m := range cfg.Modes {
		if m.ID == cfg.ActiveMode {
			return float64(m.Width * m.Height)
		}
	}
	return 0
}

func jankThresholds(cfg config.FrameTimelineConfig) frametimeline.JankClassificationThresholds {
	defaults := frametimeline.DefaultThresholds()
	return frametimeline.JankClassificationThresholds{
		PresentThreshold:  int64(parseDuration(cfg.PresentThreshold, time.Duration(defaults.PresentThreshold))),
		DeadlineThreshold: int64(parseDuration(cfg.DeadlineThreshold, time.Duration(defaults.DeadlineThreshold))),
		StartThreshold:    int64(parseDuration(cfg.StartThreshold, time.Duration(defaults.StartThreshold))),
	}
}

// layerSpecs builds the synthetic sources. Layer ids follow the
// configuration order, starting at 1.
func layerSpecs(cfg config.SimulationConfig) ([]compositor.LayerSpec, error) {
	specs := make([]compositor.LayerSpec, 0, len(cfg.Layers))
	for i, l := range cfg.Layers {
		vote := refreshrate.VoteHeuristic
		if l.Vote != "" {
			v, err := refreshrate.ParseLayerVoteType(l.Vote)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", l.Name, err)
			}
			vote = v
		}
		compat, err := scheduler.ParseFrameRateCompatibility(l.Compatibility)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name, err)
		}

		specs = append(specs, compositor.LayerSpec{
			ID:            int32(i + 1),
			Name:          l.Name,
			OwnerUID:      l.OwnerUID,
			OwnerPID:      l.OwnerPID,
			DefaultVote:   vote,
			ContentFps:    l.ContentFps,
			FrameRate:     l.FrameRate,
			Compatibility: compat,
			AreaFraction:  l.AreaFraction,
			Focused:       l.Focused,
			WorkDuration:  parseDuration(l.WorkDuration, 0),
		})
	}
	return specs, nil
}
