package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/vsyncd/internal/clock"
	"github.com/goodtune/vsyncd/internal/compositor"
	"github.com/goodtune/vsyncd/internal/config"
	"github.com/goodtune/vsyncd/internal/debugapi"
	"github.com/goodtune/vsyncd/internal/dmpolicy"
	"github.com/goodtune/vsyncd/internal/fpsreport"
	"github.com/goodtune/vsyncd/internal/frametimeline"
	"github.com/goodtune/vsyncd/internal/metrics"
	"github.com/goodtune/vsyncd/internal/refreshrate"
	"github.com/goodtune/vsyncd/internal/scheduler"
	"github.com/goodtune/vsyncd/internal/storage"
	"github.com/goodtune/vsyncd/internal/storage/bolt"
	"github.com/goodtune/vsyncd/internal/storage/redis"
	"github.com/goodtune/vsyncd/internal/systemd"
	"github.com/goodtune/vsyncd/internal/timestats"
	"github.com/goodtune/vsyncd/internal/tracing"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start vsyncd server",
	Long:  `Start the vsyncd compositor loop with the policy engine (optional), debug API and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting vsyncd")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	clk := clock.RealClock{}

	// Refresh rate selection
	selector := refreshrate.NewSelector(
		displayModes(cfg.Display),
		refreshrate.ConfigID(cfg.Display.ActiveMode),
		refreshrate.Options{EnableFrameRateOverride: cfg.Display.EnableFrameRateOverride},
		logger,
	)
	history := scheduler.NewHistory(selector, clk, displayArea(cfg.Display), logger)

	logger.Info().
		Str("current", selector.CurrentRefreshRate().String()).
		Bool("frame_rate_override", selector.SupportsFrameRateOverride()).
		Msg("Refresh rate selector initialized")

	// Frame timeline and jank statistics
	recorder, err := timestats.NewRecorder(store.Jank(), timestats.Config{LayerCacheSize: cfg.Stats.LayerCacheSize}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize jank statistics: %w", err)
	}

	timeline := frametimeline.New(recorder, clk, jankThresholds(cfg.FrameTimeline), logger)
	timeline.SetMaxDisplayFrames(cfg.FrameTimeline.MaxDisplayFrames)
	timeline.AddObserver(recorder)
	timeline.AddObserver(tracing.NewJankLogger(cfg.Logging.JankSampleRate, max(1, int(cfg.Logging.JankSampleRate)), logger))

	logger.Info().
		Int("max_display_frames", cfg.FrameTimeline.MaxDisplayFrames).
		Msg("Frame timeline initialized")

	// Synthetic compositor
	specs, err := layerSpecs(cfg.Simulation)
	if err != nil {
		return fmt.Errorf("invalid simulation layers: %w", err)
	}

	fpsReporter := fpsreport.NewReporter(timeline, clk, parseDuration(cfg.Scheduler.FpsReportInterval, time.Second), logger)
	for _, spec := range specs {
		name := spec.Name
		fpsReporter.Add(name, []int32{spec.ID}, fpsreport.ListenerFunc(func(f float64) {
			metrics.LayerFps.WithLabelValues(name).Set(f)
		}))
	}

	comp, err := compositor.New(compositor.Config{
		DisplayArea:     displayArea(cfg.Display),
		TouchTimer:      parseDuration(cfg.Scheduler.TouchTimer, 200*time.Millisecond),
		IdleTimer:       parseDuration(cfg.Scheduler.IdleTimer, time.Second),
		TouchEvery:      parseDuration(cfg.Simulation.TouchEvery, 0),
		KernelIdleTimer: cfg.Display.KernelIdleTimer,
		PresentLatency:  cfg.Simulation.PresentLatency,
		Layers:          specs,
	}, selector, history, timeline, fpsReporter, clk, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize compositor: %w", err)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		comp.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		recorder.Run(ctx, parseDuration(cfg.Stats.FlushInterval, 30*time.Second))
	}()

	// Initialize Policy Engine (optional)
	var policyEngine *dmpolicy.Engine
	var policyController *dmpolicy.Controller
	if cfg.Policy.Enabled {
		policyEngine, err = dmpolicy.NewEngine(cfg.Policy.OPAPolicyDir, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Policy Engine: %w", err)
		}

		collector, err := dmpolicy.NewHostCollector()
		if err != nil {
			return fmt.Errorf("failed to initialize host collector: %w", err)
		}

		policyController = dmpolicy.NewController(policyEngine, collector, selector, store.Policies(), dmpolicy.Limits{
			ThermalWarnC:     cfg.Policy.ThermalWarnC,
			ThermalCriticalC: cfg.Policy.ThermalCriticalC,
			CPUBusyPercent:   cfg.Policy.CPUBusyPercent,
		}, logger)

		if err := policyController.Restore(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to restore display manager policy")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			policyController.Run(ctx, parseDuration(cfg.Policy.EvaluationInterval, 5*time.Second))
		}()

		logger.Info().
			Str("policy_dir", cfg.Policy.OPAPolicyDir).
			Strs("modules", policyEngine.Modules()).
			Msg("Policy Engine initialized")
	}

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().
		Str("addr", metricsAddr).
		Msg("Metrics Server started")

	// Initialize Debug Server (optional)
	var debugServer *debugapi.Server
	if cfg.Debug.Enabled {
		debugConfig := debugapi.Config{
			ListenAddr: fmt.Sprintf("%s:%d", cfg.Debug.BindAddress, cfg.Debug.Port),
			RateLimit:  cfg.Debug.RateLimit,
			RateBurst:  cfg.Debug.RateBurst,
		}

		debugServer = debugapi.NewServer(debugConfig, &debugapi.Deps{
			Selector:     selector,
			History:      history,
			Timeline:     timeline,
			Stats:        recorder,
			JankStore:    store.Jank(),
			FpsReporter:  fpsReporter,
			Policy:       policyController,
			PolicyEngine: policyEngine,
		}, logger)

		if sdListeners.Activated && sdListeners.Debug != nil {
			debugServer.SetListener(sdListeners.Debug)
		}

		if err := debugServer.Start(); err != nil {
			return fmt.Errorf("failed to start Debug Server: %w", err)
		}

		logger.Info().
			Str("addr", debugConfig.ListenAddr).
			Msg("Debug Server started")
	}

	logger.Info().Msg("vsyncd startup complete")
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	if interval := systemd.WatchdogInterval(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWatchdog(ctx, interval, logger)
		}()
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Signal handling loop
	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			if policyEngine == nil {
				logger.Info().Msg("SIGHUP received, policy engine disabled, nothing to reload")
				continue
			}
			logger.Info().Msg("SIGHUP received, reloading policies...")
			_ = systemd.NotifyReloading()
			if err := policyEngine.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload policies")
			} else {
				logger.Info().Msg("Policies reloaded successfully")
			}
			_ = systemd.NotifyReady()
			// Continue running
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			// Break out of loop to shutdown
		}

		// Only reached on shutdown signals
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop servers
	if debugServer != nil {
		if err := debugServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Debug Server")
		}
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	// the recorder flushes once more on the way out, before storage closes
	cancel()
	wg.Wait()

	logger.Info().Msg("vsyncd stopped")

	return nil
}

func runWatchdog(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		case <-ctx.Done():
			return
		}
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "bolt"
	}

	switch storageType {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
