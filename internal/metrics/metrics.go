package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Refresh rate selection metrics
	SelectedRefreshRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vsyncd_selected_refresh_rate_fps",
			Help: "Refresh rate chosen by the last selection pass",
		},
	)

	SelectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vsyncd_selection_duration_seconds",
			Help:    "Time spent choosing a refresh rate",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		},
	)

	ModeSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsyncd_mode_switches_total",
			Help: "Display mode switches, by target refresh rate",
		},
		[]string{"to"},
	)

	LayerVotes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vsyncd_layer_votes",
			Help: "Layers in the last summary, by vote type",
		},
		[]string{"vote"},
	)

	FrameRateOverrides = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vsyncd_frame_rate_overrides",
			Help: "Owners currently throttled by a frame rate override",
		},
	)

	IdleTimerActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsyncd_kernel_idle_timer_actions_total",
			Help: "Kernel idle timer reconfigurations",
		},
		[]string{"action"},
	)

	// Frame timeline metrics
	DisplayFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vsyncd_display_frames_total",
			Help: "Display frames classified",
		},
	)

	DisplayJankTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsyncd_display_jank_total",
			Help: "Janky display frames, by cause",
		},
		[]string{"cause"},
	)

	SurfaceFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vsyncd_surface_frames_total",
			Help: "Surface frames classified",
		},
	)

	SurfaceJankTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsyncd_surface_jank_total",
			Help: "Janky surface frames, by cause",
		},
		[]string{"cause"},
	)

	PredictionTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vsyncd_prediction_tokens",
			Help: "Prediction tokens currently retained",
		},
	)

	PendingPresentFences = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vsyncd_pending_present_fences",
			Help: "Display frames waiting for their present fence",
		},
	)

	// Statistics metrics
	StatsFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsyncd_stats_flushes_total",
			Help: "Jank statistics flushes to storage",
		},
		[]string{"result"},
	)

	StatsLayerEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vsyncd_stats_layer_evictions_total",
			Help: "Per-layer jank aggregates evicted from the in-memory cache",
		},
	)

	// Policy metrics
	PolicyEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsyncd_policy_evaluations_total",
			Help: "Display manager policy evaluations, by outcome",
		},
		[]string{"status"},
	)

	PolicyEvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vsyncd_policy_evaluation_duration_seconds",
			Help:    "Policy evaluation duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// FPS reporting metrics
	FpsReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vsyncd_fps_reports_total",
			Help: "FPS reports delivered to listeners",
		},
	)

	LayerFps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vsyncd_layer_fps",
			Help: "Last presentation rate reported for a layer",
		},
		[]string{"layer"},
	)

	// Debug API metrics
	DebugRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsyncd_debug_requests_total",
			Help: "Debug API requests",
		},
		[]string{"route", "code"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SelectedRefreshRate,
		SelectionDuration,
		ModeSwitchesTotal,
		LayerVotes,
		FrameRateOverrides,
		IdleTimerActionsTotal,
		DisplayFramesTotal,
		DisplayJankTotal,
		SurfaceFramesTotal,
		SurfaceJankTotal,
		PredictionTokens,
		PendingPresentFences,
		StatsFlushesTotal,
		StatsLayerEvictionsTotal,
		PolicyEvaluationsTotal,
		PolicyEvaluationDuration,
		FpsReportsTotal,
		LayerFps,
		DebugRequestsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: Handler(),
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler serves /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
