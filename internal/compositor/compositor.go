package compositor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/clock"
	"github.com/goodtune/vsyncd/internal/fps"
	"github.com/goodtune/vsyncd/internal/fpsreport"
	"github.com/goodtune/vsyncd/internal/frametimeline"
	"github.com/goodtune/vsyncd/internal/metrics"
	"github.com/goodtune/vsyncd/internal/refreshrate"
	"github.com/goodtune/vsyncd/internal/scheduler"
)

// LayerSpec describes one synthetic content source.
type LayerSpec struct {
	ID       int32
	Name     string
	OwnerUID int32
	OwnerPID int32
	// DefaultVote is used when the layer makes no frame rate request.
	DefaultVote refreshrate.LayerVoteType
	// ContentFps is the rate the source produces buffers at.
	ContentFps    float64
	FrameRate     float64
	Compatibility scheduler.FrameRateCompatibility
	AreaFraction  float64
	Focused       bool
	// WorkDuration is how long a buffer takes to render after the source
	// starts it.
	WorkDuration time.Duration
}

// Config holds compositor configuration
type Config struct {
	DisplayArea     float64
	TouchTimer      time.Duration
	IdleTimer       time.Duration
	TouchEvery      time.Duration
	KernelIdleTimer bool
	// PresentLatency is the number of vsyncs between latch and present.
	PresentLatency int
	Layers         []LayerSpec
}

type queuedBuffer struct {
	frame    *frametimeline.SurfaceFrame
	queuedAt int64
	readyAt  int64
}

type source struct {
	spec          LayerSpec
	contentPeriod int64
	nextFrame     int64
	override      fps.Fps
	queue         []queuedBuffer
	lastLatch     int64
}

func (s *source) framePeriod() int64 {
	if s.override.IsValid() {
		if p := s.override.PeriodNanos(); p > s.contentPeriod {
			return p
		}
	}
	return s.contentPeriod
}

type pendingPresent struct {
	fence    *frametimeline.FenceTime
	signalAt int64
}

// Compositor drives the selector and the frame timeline with synthetic
// layers, one Step per vsync.
type Compositor struct {
	cfg       Config
	selector  *refreshrate.Selector
	history   *scheduler.History
	timeline  *frametimeline.FrameTimeline
	reporter  *fpsreport.Reporter
	clock     clock.Clock
	sources   []*source
	presents  []pendingPresent
	lastTouch int64
	touchEnd  int64
	lastInput int64

	kernelTimerExpired bool
	switchPending      bool

	logger zerolog.Logger
}

// New creates a Compositor and registers its layers with history. reporter
// may be nil.
func New(cfg Config, selector *refreshrate.Selector, history *scheduler.History, timeline *frametimeline.FrameTimeline,
	reporter *fpsreport.Reporter, clk clock.Clock, logger zerolog.Logger) (*Compositor, error) {
	if cfg.PresentLatency < 1 {
		cfg.PresentLatency = 1
	}

	c := &Compositor{
		cfg:      cfg,
		selector: selector,
		history:  history,
		timeline: timeline,
		reporter: reporter,
		clock:    clk,
		logger:   logger.With().Str("component", "compositor").Logger(),
	}

	now := clk.Now()
	c.lastInput = now
	seen := make(map[int32]bool, len(cfg.Layers))
	for _, spec := range cfg.Layers {
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate layer id %d", spec.ID)
		}
		seen[spec.ID] = true

		contentPeriod := fps.New(spec.ContentFps).PeriodNanos()
		if contentPeriod <= 0 {
			return nil, fmt.Errorf("layer %s: content fps must be positive", spec.Name)
		}
		c.sources = append(c.sources, &source{spec: spec, contentPeriod: contentPeriod, nextFrame: now})

		history.RegisterLayer(int64(spec.ID), spec.Name, spec.OwnerUID, spec.DefaultVote, scheduler.LayerProperties{
			Visible: true,
			Area:    spec.AreaFraction * cfg.DisplayArea,
			Focused: spec.Focused,
			FrameRate: scheduler.FrameRate{
				Rate:          fps.New(spec.FrameRate),
				Compatibility: spec.Compatibility,
			},
		})
	}

	c.logger.Info().Int("layers", len(c.sources)).Int("present_latency", cfg.PresentLatency).Msg("Compositor initialized")

	return c, nil
}

// Touch reports user input at now.
func (c *Compositor) Touch(now int64) {
	c.lastTouch = now
	c.lastInput = now
	if c.cfg.TouchTimer > 0 {
		c.touchEnd = now + int64(c.cfg.TouchTimer)
	}
}

// Step runs one vsync at now and returns the period until the next one.
func (c *Compositor) Step(now int64) time.Duration {
	c.signalPresents(now)

	if c.switchPending {
		c.history.SetModeChangePending(false)
		c.switchPending = false
	}

	if c.cfg.TouchEvery > 0 && now-c.lastTouch >= int64(c.cfg.TouchEvery) {
		c.Touch(now)
	}

	period := c.selector.CurrentRefreshRate().VsyncPeriod()
	latency := int64(c.cfg.PresentLatency)

	// sources start new buffers; they are due at the next vsync and present
	// latency vsyncs after that
	appToken := c.timeline.RecordPrediction(frametimeline.TimelineItem{
		StartTime:   now,
		EndTime:     now + period,
		PresentTime: now + (1+latency)*period,
	})
	active := false
	for _, s := range c.sources {
		if now < s.nextFrame {
			continue
		}
		c.queueBuffer(s, appToken, now)
		active = true
	}
	if active {
		c.lastInput = now
	}

	signals := refreshrate.GlobalSignals{
		Touch: now < c.touchEnd,
		Idle:  c.cfg.IdleTimer > 0 && now-c.lastInput >= int64(c.cfg.IdleTimer),
	}
	c.selectRefreshRate(now, signals)
	c.reconcileKernelIdleTimer(signals.Idle)

	// the frame composited now uses the rate chosen above
	rate := c.selector.CurrentRefreshRate()
	period = rate.VsyncPeriod()
	displayToken := c.timeline.RecordPrediction(frametimeline.TimelineItem{
		StartTime:   now,
		EndTime:     now + period/2,
		PresentTime: now + latency*period,
	})
	c.timeline.SetSfWakeUp(displayToken, now, rate.Fps())
	for _, s := range c.sources {
		c.latch(s, now)
	}

	fence := frametimeline.NewFenceTime()
	c.presents = append(c.presents, pendingPresent{fence: fence, signalAt: now + latency*period})
	c.timeline.SetSfPresent(now+period/4, fence)

	metrics.PredictionTokens.Set(float64(c.timeline.TokenManager().Len()))
	metrics.PendingPresentFences.Set(float64(c.timeline.PendingFences()))

	if c.reporter != nil {
		c.reporter.Dispatch()
	}

	return time.Duration(period)
}

func (c *Compositor) queueBuffer(s *source, token int64, now int64) {
	sf := c.timeline.CreateSurfaceFrameForToken(&token, s.spec.OwnerPID, s.spec.OwnerUID, s.spec.ID,
		s.spec.Name, fmt.Sprintf("%s#%d", s.spec.Name, s.spec.ID))
	readyAt := now + int64(s.spec.WorkDuration)
	sf.SetActualStartTime(now)
	sf.SetActualQueueTime(readyAt)
	sf.SetAcquireFenceTime(readyAt)
	sf.SetRenderRate(fps.FromPeriod(s.framePeriod()))
	s.queue = append(s.queue, queuedBuffer{frame: sf, queuedAt: now, readyAt: readyAt})

	if err := c.history.Record(int64(s.spec.ID), now, now, scheduler.UpdateBuffer); err != nil {
		c.logger.Error().Err(err).Str("layer", s.spec.Name).Msg("Failed to record layer update")
	}

	// keep the cadence aligned to vsync; a source slower than the display
	// skips vsyncs
	s.nextFrame += s.framePeriod()
	if s.nextFrame <= now {
		s.nextFrame = now + s.framePeriod()
	}
}

// latch presents the newest ready buffer of s and drops any older ready
// ones. A buffer is never latched on the vsync it was started on.
func (c *Compositor) latch(s *source, now int64) {
	ready := 0
	for ready < len(s.queue) && s.queue[ready].queuedAt < now && s.queue[ready].readyAt <= now {
		ready++
	}
	if ready == 0 {
		return
	}
	for i := 0; i < ready; i++ {
		state := frametimeline.PresentDropped
		if i == ready-1 {
			state = frametimeline.PresentPresented
		}
		s.queue[i].frame.SetPresentState(state, s.lastLatch)
		c.timeline.AddSurfaceFrame(s.queue[i].frame)
	}
	s.queue = s.queue[ready:]
	s.lastLatch = now
}

func (c *Compositor) signalPresents(now int64) {
	kept := c.presents[:0]
	for _, p := range c.presents {
		if p.signalAt <= now {
			p.fence.Signal(p.signalAt)
			continue
		}
		kept = append(kept, p)
	}
	c.presents = kept
	c.timeline.FlushPendingPresentFences()
}

func (c *Compositor) selectRefreshRate(now int64, signals refreshrate.GlobalSignals) {
	layers := c.history.Summarize(now)

	votes := make(map[refreshrate.LayerVoteType]int)
	for _, l := range layers {
		votes[l.Vote]++
	}
	metrics.LayerVotes.Reset()
	for vote, n := range votes {
		metrics.LayerVotes.WithLabelValues(vote.String()).Set(float64(n))
	}

	start := time.Now()
	best, considered := c.selector.GetBestRefreshRate(layers, signals)
	metrics.SelectionDuration.Observe(time.Since(start).Seconds())
	metrics.SelectedRefreshRate.Set(best.Fps().Value())

	current := c.selector.CurrentRefreshRate()
	if !best.Equal(current) {
		if err := c.selector.SetCurrentConfigID(best.ConfigID()); err != nil {
			c.logger.Error().Err(err).Msg("Failed to switch display mode")
		} else {
			c.history.SetModeChangePending(true)
			c.switchPending = true
			metrics.ModeSwitchesTotal.WithLabelValues(best.Name()).Inc()
			c.logger.Info().
				Str("from", current.Name()).
				Str("to", best.Name()).
				Bool("touch", considered.Touch).
				Bool("idle", considered.Idle).
				Int("layers", len(layers)).
				Msg("Display mode switched")
		}
	}

	overrides := c.selector.GetFrameRateOverrides(layers, best.Fps(), signals.Touch)
	metrics.FrameRateOverrides.Set(float64(len(overrides)))
	for _, s := range c.sources {
		s.override = overrides[s.spec.OwnerUID]
	}
}

func (c *Compositor) reconcileKernelIdleTimer(idle bool) {
	if !c.cfg.KernelIdleTimer {
		return
	}

	if action := c.selector.GetIdleTimerAction(); action != refreshrate.IdleTimerNoChange {
		c.selector.OnIdleTimerActionApplied(action)
		metrics.IdleTimerActionsTotal.WithLabelValues(action.String()).Inc()
		c.logger.Debug().Str("action", action.String()).Msg("Kernel idle timer reconfigured")
	}

	expired := idle && c.selector.IdleTimerEnabled()
	if expired == c.kernelTimerExpired {
		return
	}
	c.kernelTimerExpired = expired
	if rate, changed := c.selector.OnKernelTimerChanged(nil, expired); changed {
		metrics.SelectedRefreshRate.Set(rate.Value())
		c.logger.Debug().Bool("expired", expired).Str("rate", rate.String()).Msg("Kernel idle timer changed the panel rate")
	}
}

// KernelTimerExpired reports whether the kernel idle timer currently holds
// the panel at its minimum rate.
func (c *Compositor) KernelTimerExpired() bool {
	return c.kernelTimerExpired
}

// Run steps the compositor once per vsync until ctx is cancelled.
func (c *Compositor) Run(ctx context.Context) {
	c.logger.Info().Msg("Compositor started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			timer.Reset(c.Step(c.clock.Now()))
		case <-ctx.Done():
			c.logger.Info().Msg("Compositor stopped")
			return
		}
	}
}
