package compositor

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/clock"
	"github.com/goodtune/vsyncd/internal/fpsreport"
	"github.com/goodtune/vsyncd/internal/frametimeline"
	"github.com/goodtune/vsyncd/internal/refreshrate"
	"github.com/goodtune/vsyncd/internal/scheduler"
)

const (
	period60 = int64(16666667)
	period90 = int64(11111111)
	area     = 1080 * 2340
)

type recordingObserver struct {
	mu     sync.Mutex
	frames []frametimeline.DisplayFrameSnapshot
}

func (r *recordingObserver) OnDisplayFramePresented(frame frametimeline.DisplayFrameSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

// surfaceFrames returns every presented surface frame of the named layer.
func (r *recordingObserver) surfaceFrames(layer string) []frametimeline.SurfaceFrameSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []frametimeline.SurfaceFrameSnapshot
	for _, d := range r.frames {
		for _, sf := range d.SurfaceFrames {
			if sf.LayerName == layer && sf.PresentState == frametimeline.PresentPresented {
				out = append(out, sf)
			}
		}
	}
	return out
}

type testEnv struct {
	comp     *Compositor
	clock    *clock.TestClock
	selector *refreshrate.Selector
	timeline *frametimeline.FrameTimeline
	observed *recordingObserver
}

func newTestEnv(t *testing.T, periods []int64, cfg Config) *testEnv {
	t.Helper()

	modes := make([]refreshrate.DisplayMode, len(periods))
	for i, p := range periods {
		modes[i] = refreshrate.DisplayMode{ID: refreshrate.ConfigID(i), VsyncPeriod: p, Width: 1080, Height: 2340}
	}

	clk := &clock.TestClock{CurrentTime: int64(time.Millisecond)}
	selector := refreshrate.NewSelector(modes, 0, refreshrate.Options{EnableFrameRateOverride: true}, zerolog.Nop())
	history := scheduler.NewHistory(selector, clk, area, zerolog.Nop())
	timeline := frametimeline.New(nil, clk, frametimeline.DefaultThresholds(), zerolog.Nop())
	observed := &recordingObserver{}
	timeline.AddObserver(observed)

	cfg.DisplayArea = area
	comp, err := New(cfg, selector, history, timeline, nil, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testEnv{comp: comp, clock: clk, selector: selector, timeline: timeline, observed: observed}
}

// run steps the compositor n vsyncs, advancing the clock by the period each
// step returns.
func (e *testEnv) run(n int) {
	next := time.Duration(e.selector.CurrentRefreshRate().VsyncPeriod())
	for i := 0; i < n; i++ {
		e.clock.Advance(next)
		next = e.comp.Step(e.clock.Now())
	}
}

func TestOnTimeFramesAreClean(t *testing.T) {
	env := newTestEnv(t, []int64{period60}, Config{
		PresentLatency: 1,
		Layers: []LayerSpec{{
			ID: 1, Name: "ui", OwnerUID: 10001, DefaultVote: refreshrate.VoteHeuristic,
			ContentFps: 60, AreaFraction: 1, WorkDuration: 8 * time.Millisecond,
		}},
	})
	env.run(8)

	frames := env.observed.surfaceFrames("ui")
	if len(frames) < 5 {
		t.Fatalf("presented %d surface frames, want at least 5", len(frames))
	}
	for _, sf := range frames {
		if !sf.Classified {
			t.Errorf("token %d not classified", sf.Token)
		}
		if !sf.JankType.IsNone() {
			t.Errorf("token %d jank = %s, want None", sf.Token, sf.JankType)
		}
		if sf.FramePresentMetadata != frametimeline.OnTimePresent {
			t.Errorf("token %d present = %s, want on time", sf.Token, sf.FramePresentMetadata)
		}
	}
	for _, d := range env.observed.frames {
		if d.IsJanky() {
			t.Errorf("display frame %d jank = %s, want None", d.Token, d.JankType)
		}
	}
}

func TestSlowLayerMissesDeadline(t *testing.T) {
	env := newTestEnv(t, []int64{period60}, Config{
		PresentLatency: 1,
		Layers: []LayerSpec{{
			ID: 1, Name: "slow", OwnerUID: 10002, DefaultVote: refreshrate.VoteHeuristic,
			ContentFps: 60, AreaFraction: 1, WorkDuration: 25 * time.Millisecond,
		}},
	})
	env.run(8)

	frames := env.observed.surfaceFrames("slow")
	if len(frames) == 0 {
		t.Fatal("no surface frames presented")
	}
	for _, sf := range frames {
		if sf.FramePresentMetadata != frametimeline.LatePresent {
			t.Errorf("token %d present = %s, want late", sf.Token, sf.FramePresentMetadata)
		}
		if !sf.JankType.Has(frametimeline.JankAppDeadlineMissed) {
			t.Errorf("token %d jank = %s, want app deadline missed", sf.Token, sf.JankType)
		}
	}
	for _, d := range env.observed.frames {
		if d.IsJanky() {
			t.Errorf("display frame %d jank = %s, want None", d.Token, d.JankType)
		}
	}
}

func TestExplicitLayerSwitchesMode(t *testing.T) {
	env := newTestEnv(t, []int64{period60, period90, 8333333}, Config{
		PresentLatency: 2,
		Layers: []LayerSpec{{
			ID: 1, Name: "game", OwnerUID: 10003, DefaultVote: refreshrate.VoteHeuristic,
			ContentFps: 90, FrameRate: 90, Compatibility: scheduler.CompatExact,
			AreaFraction: 1, Focused: true, WorkDuration: 5 * time.Millisecond,
		}},
	})

	env.run(1)
	if got := env.selector.CurrentRefreshRate().Fps().IntValue(); got != 90 {
		t.Fatalf("current rate = %dfps, want 90", got)
	}
	env.clock.Advance(time.Duration(period90))
	if got := env.comp.Step(env.clock.Now()); got != time.Duration(period90) {
		t.Errorf("Step() = %v, want the 90fps period", got)
	}
}

func TestTouchBoostsRate(t *testing.T) {
	env := newTestEnv(t, []int64{period60, period90}, Config{
		PresentLatency: 1,
		TouchTimer:     100 * time.Millisecond,
		Layers: []LayerSpec{{
			ID: 1, Name: "list", OwnerUID: 10004, DefaultVote: refreshrate.VoteHeuristic,
			ContentFps: 60, FrameRate: 60, Compatibility: scheduler.CompatExactOrMultiple,
			AreaFraction: 1, WorkDuration: 4 * time.Millisecond,
		}},
	})

	env.run(2)
	if got := env.selector.CurrentRefreshRate().Fps().IntValue(); got != 60 {
		t.Fatalf("rate before touch = %dfps, want 60", got)
	}

	env.comp.Touch(env.clock.Now())
	env.run(1)
	if got := env.selector.CurrentRefreshRate().Fps().IntValue(); got != 90 {
		t.Errorf("rate after touch = %dfps, want 90", got)
	}
}

func TestFpsReporterDispatch(t *testing.T) {
	env := newTestEnv(t, []int64{period60}, Config{
		PresentLatency: 1,
		Layers: []LayerSpec{{
			ID: 7, Name: "video", OwnerUID: 10005, DefaultVote: refreshrate.VoteHeuristic,
			ContentFps: 60, AreaFraction: 1, WorkDuration: 4 * time.Millisecond,
		}},
	})

	reporter := fpsreport.NewReporter(env.timeline, env.clock, 50*time.Millisecond, zerolog.Nop())
	var reported []float64
	reporter.Add("video", []int32{7}, fpsreport.ListenerFunc(func(f float64) {
		reported = append(reported, f)
	}))
	env.comp.reporter = reporter

	env.run(20)

	if len(reported) < 2 {
		t.Fatalf("listener called %d times, want at least 2", len(reported))
	}
	if len(reported) > 8 {
		t.Errorf("listener called %d times over 20 vsyncs, dispatch is not throttled", len(reported))
	}
	last := reported[len(reported)-1]
	if last < 59.5 || last > 60.5 {
		t.Errorf("last reported fps = %v, want ~60", last)
	}
}

func TestNewRejectsBadLayers(t *testing.T) {
	modes := []refreshrate.DisplayMode{{ID: 0, VsyncPeriod: period60}}
	clk := &clock.TestClock{}

	tests := []struct {
		name   string
		layers []LayerSpec
	}{
		{"duplicate id", []LayerSpec{
			{ID: 1, Name: "a", ContentFps: 60},
			{ID: 1, Name: "b", ContentFps: 30},
		}},
		{"zero content fps", []LayerSpec{{ID: 1, Name: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selector := refreshrate.NewSelector(modes, 0, refreshrate.Options{}, zerolog.Nop())
			history := scheduler.NewHistory(selector, clk, area, zerolog.Nop())
			timeline := frametimeline.New(nil, clk, frametimeline.DefaultThresholds(), zerolog.Nop())
			if _, err := New(Config{Layers: tt.layers}, selector, history, timeline, nil, clk, zerolog.Nop()); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestKernelIdleTimerFiresWhenIdle(t *testing.T) {
	env := newTestEnv(t, []int64{period60, period90}, Config{
		PresentLatency:  1,
		IdleTimer:       50 * time.Millisecond,
		KernelIdleTimer: true,
	})

	env.run(1)
	if !env.selector.IdleTimerEnabled() {
		t.Fatal("kernel idle timer not turned on")
	}
	if got := env.selector.GetIdleTimerAction(); got != refreshrate.IdleTimerNoChange {
		t.Errorf("GetIdleTimerAction() after the compositor applied it = %v, want NoChange", got)
	}
	if env.comp.KernelTimerExpired() {
		t.Error("kernel idle timer expired before the idle timeout")
	}

	env.run(5)
	if !env.comp.KernelTimerExpired() {
		t.Error("kernel idle timer did not expire after the idle timeout")
	}
}
