package debugapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/clock"
	"github.com/goodtune/vsyncd/internal/fps"
	"github.com/goodtune/vsyncd/internal/frametimeline"
	"github.com/goodtune/vsyncd/internal/refreshrate"
	"github.com/goodtune/vsyncd/internal/scheduler"
	"github.com/goodtune/vsyncd/internal/storage"
	"github.com/goodtune/vsyncd/internal/storage/bolt"
	"github.com/goodtune/vsyncd/internal/timestats"
)

const ms = int64(time.Millisecond)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router   *gin.Engine
	deps     *Deps
	store    *bolt.Store
	timeline *frametimeline.FrameTimeline
}

func setupTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "debug.bolt"))
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := &clock.TestClock{CurrentTime: ms}
	modes := []refreshrate.DisplayMode{
		{ID: 0, VsyncPeriod: 16666667, Width: 1080, Height: 2340},
		{ID: 1, VsyncPeriod: 11111111, Width: 1080, Height: 2340},
	}
	selector := refreshrate.NewSelector(modes, 0, refreshrate.Options{}, zerolog.Nop())
	history := scheduler.NewHistory(selector, clk, 1080*2340, zerolog.Nop())
	history.RegisterLayer(1, "game", 10001, refreshrate.VoteHeuristic, scheduler.LayerProperties{
		Visible:   true,
		Area:      1080 * 2340,
		Focused:   true,
		FrameRate: scheduler.FrameRate{Rate: fps.New(90), Compatibility: scheduler.CompatExact},
	})

	recorder, err := timestats.NewRecorder(store.Jank(), timestats.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	timeline := frametimeline.New(recorder, clk, frametimeline.DefaultThresholds(), zerolog.Nop())
	timeline.AddObserver(recorder)

	deps := &Deps{
		Selector:  selector,
		History:   history,
		Timeline:  timeline,
		Stats:     recorder,
		JankStore: store.Jank(),
		Logger:    zerolog.Nop(),
	}
	return &testEnv{router: NewRouter(cfg, deps), deps: deps, store: store, timeline: timeline}
}

// presentLateFrame pushes one display frame whose present misses its
// prediction by a whole vsync.
func (e *testEnv) presentLateFrame() {
	predictions := frametimeline.TimelineItem{StartTime: 10 * ms, EndTime: 20 * ms, PresentTime: 30 * ms}
	appToken := e.timeline.RecordPrediction(predictions)
	displayToken := e.timeline.RecordPrediction(predictions)

	sf := e.timeline.CreateSurfaceFrameForToken(&appToken, 100, 10001, 1, "game", "game#0")
	sf.SetActualStartTime(10 * ms)
	sf.SetAcquireFenceTime(15 * ms)
	sf.SetPresentState(frametimeline.PresentPresented, 0)

	e.timeline.SetSfWakeUp(displayToken, 10*ms, fps.New(60))
	e.timeline.AddSurfaceFrame(sf)
	e.timeline.SetSfPresent(20*ms, frametimeline.SignaledFence(47*ms))
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t, Config{})
	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", w.Code)
	}
}

func TestGetRefreshRate(t *testing.T) {
	env := setupTestEnv(t, Config{})
	w := env.do(t, http.MethodGet, "/api/v1/refresh-rate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/refresh-rate = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Current struct {
			ID  int     `json:"id"`
			Fps float64 `json:"fps"`
		} `json:"current"`
		Modes          []json.RawMessage `json:"modes"`
		SupportedRange struct {
			Min float64 `json:"min"`
			Max float64 `json:"max"`
		} `json:"supported_range"`
	}
	decode(t, w, &resp)
	if resp.Current.ID != 0 || len(resp.Modes) != 2 {
		t.Errorf("response = %+v, want current mode 0 of 2", resp)
	}
	if int(resp.SupportedRange.Max+0.5) != 90 {
		t.Errorf("supported max = %v, want 90", resp.SupportedRange.Max)
	}
}

func TestListLayers(t *testing.T) {
	env := setupTestEnv(t, Config{})

	type layersResponse struct {
		Registered   int   `json:"registered"`
		Active       int   `json:"active"`
		SummarizedAt int64 `json:"summarized_at"`
		Layers       []struct {
			Name       string  `json:"name"`
			Vote       string  `json:"vote"`
			DesiredFps float64 `json:"desired_fps"`
		} `json:"layers"`
	}

	// nothing has been summarized yet
	w := env.do(t, http.MethodGet, "/api/v1/layers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/layers = %d", w.Code)
	}
	var resp layersResponse
	decode(t, w, &resp)
	if resp.Registered != 1 || resp.Active != 0 || len(resp.Layers) != 0 {
		t.Fatalf("response before any pass = %+v, want one idle registered layer", resp)
	}

	env.deps.History.Summarize(5 * ms)
	for i := 0; i < 2; i++ {
		w = env.do(t, http.MethodGet, "/api/v1/layers", nil)
		resp = layersResponse{}
		decode(t, w, &resp)
		if resp.SummarizedAt != 5*ms || resp.Active != 1 || len(resp.Layers) != 1 {
			t.Fatalf("response = %+v, want the pass at 5ms with one layer", resp)
		}
		if resp.Layers[0].Name != "game" || resp.Layers[0].DesiredFps != 90 {
			t.Errorf("layer = %+v, want game at 90", resp.Layers[0])
		}
	}
}

func TestOverridePolicy(t *testing.T) {
	env := setupTestEnv(t, Config{})

	w := env.do(t, http.MethodPut, "/api/v1/policy/override", gin.H{"primary_min": 60, "primary_max": 60})
	if w.Code != http.StatusOK {
		t.Fatalf("PUT override = %d: %s", w.Code, w.Body.String())
	}
	if got := env.deps.Selector.CurrentPolicy().PrimaryRange; !got.Equal(fps.NewRange(60, 60)) {
		t.Errorf("CurrentPolicy().PrimaryRange = %v, want [60 60]", got)
	}

	// 45fps is not in the catalog, so the current default is outside the range
	w = env.do(t, http.MethodPut, "/api/v1/policy/override", gin.H{"primary_min": 45, "primary_max": 45})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("PUT invalid override = %d, want 422", w.Code)
	}

	w = env.do(t, http.MethodPut, "/api/v1/policy/override", gin.H{"primary_min": 60})
	if w.Code != http.StatusBadRequest {
		t.Errorf("PUT override without primary_max = %d, want 400", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/policy/override", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE override = %d", w.Code)
	}
	if got := env.deps.Selector.CurrentPolicy().PrimaryRange; got.Equal(fps.NewRange(60, 60)) {
		t.Error("override still in effect after DELETE")
	}
}

func TestReloadPolicyDisabled(t *testing.T) {
	env := setupTestEnv(t, Config{})
	w := env.do(t, http.MethodPost, "/api/v1/policy/reload", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("POST reload without engine = %d, want 409", w.Code)
	}
}

func TestTimelineRoutes(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.presentLateFrame()

	w := env.do(t, http.MethodGet, "/api/v1/timeline?mode=jank", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET timeline = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Display Frame 0") {
		t.Errorf("jank dump = %q, want the late frame", w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/timeline?mode=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("GET timeline?mode=bogus = %d, want 400", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/timeline/frames?janky=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET frames = %d", w.Code)
	}
	var resp struct {
		Count  int `json:"count"`
		Frames []struct {
			JankType      string  `json:"jank_type"`
			RefreshRate   float64 `json:"refresh_rate"`
			SurfaceFrames []struct {
				LayerName string `json:"layer_name"`
			} `json:"surface_frames"`
		} `json:"frames"`
	}
	decode(t, w, &resp)
	if resp.Count != 1 || len(resp.Frames[0].SurfaceFrames) != 1 {
		t.Fatalf("frames = %+v, want one janky frame with one layer", resp)
	}
	if resp.Frames[0].JankType == "None" || resp.Frames[0].RefreshRate != 60 {
		t.Errorf("frame = %+v, want a janky 60fps frame", resp.Frames[0])
	}

	w = env.do(t, http.MethodGet, "/api/v1/timeline/fps?layers=1,x", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("GET fps with bad id = %d, want 400", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/timeline/fps?layers=1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET fps = %d, want 200", w.Code)
	}
}

func TestJankRoutes(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.presentLateFrame()

	var resp struct {
		Stats   []storage.JankStats `json:"stats"`
		Pending []storage.JankDelta `json:"pending"`
	}
	w := env.do(t, http.MethodGet, "/api/v1/jank", nil)
	decode(t, w, &resp)
	if len(resp.Stats) != 0 || len(resp.Pending) != 2 {
		t.Fatalf("before flush: %d stats, %d pending, want 0 and 2", len(resp.Stats), len(resp.Pending))
	}

	if err := env.deps.Stats.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	w = env.do(t, http.MethodGet, "/api/v1/jank", nil)
	resp.Stats, resp.Pending = nil, nil
	decode(t, w, &resp)
	if len(resp.Stats) != 2 || len(resp.Pending) != 0 {
		t.Fatalf("after flush: %d stats, %d pending, want 2 and 0", len(resp.Stats), len(resp.Pending))
	}

	key := storage.LayerStatsKey(10001, "game")
	w = env.do(t, http.MethodDelete, "/api/v1/jank?key="+key, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("DELETE jank = %d, want 204", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/api/v1/jank?key="+key, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second DELETE jank = %d, want 404", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/api/v1/jank", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("DELETE jank without key = %d, want 400", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := setupTestEnv(t, Config{RateLimit: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		if w := env.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i, w.Code)
		}
	}
	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", w.Code)
	}
}
