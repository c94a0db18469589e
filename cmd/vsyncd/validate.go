package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/vsyncd/internal/config"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the vsyncd configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	// Layer votes are only parsed when the compositor starts
	if _, err := layerSpecs(cfg.Simulation); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		defaultCfg, err := config.Defaults()
		if err != nil {
			return err
		}

		dumpConfig(cfg, defaultCfg, unknownKeys)
	}

	return nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	// Setup colors (only if terminal supports it)
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Server
	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)

	// Display
	_, _ = cyan.Println("\n[display]")
	dumpField("  active_mode", cfg.Display.ActiveMode, defaultCfg.Display.ActiveMode, yellow, green)
	dumpField("  enable_frame_rate_override", cfg.Display.EnableFrameRateOverride, defaultCfg.Display.EnableFrameRateOverride, yellow, green)
	dumpField("  kernel_idle_timer", cfg.Display.KernelIdleTimer, defaultCfg.Display.KernelIdleTimer, yellow, green)
	dumpField("  modes", describeModes(cfg.Display.Modes), describeModes(defaultCfg.Display.Modes), yellow, green)

	// Scheduler
	_, _ = cyan.Println("\n[scheduler]")
	dumpField("  touch_timer", cfg.Scheduler.TouchTimer, defaultCfg.Scheduler.TouchTimer, yellow, green)
	dumpField("  idle_timer", cfg.Scheduler.IdleTimer, defaultCfg.Scheduler.IdleTimer, yellow, green)
	dumpField("  fps_report_interval", cfg.Scheduler.FpsReportInterval, defaultCfg.Scheduler.FpsReportInterval, yellow, green)

	// Frame timeline
	_, _ = cyan.Println("\n[frame_timeline]")
	dumpField("  present_threshold", cfg.FrameTimeline.PresentThreshold, defaultCfg.FrameTimeline.PresentThreshold, yellow, green)
	dumpField("  deadline_threshold", cfg.FrameTimeline.DeadlineThreshold, defaultCfg.FrameTimeline.DeadlineThreshold, yellow, green)
	dumpField("  start_threshold", cfg.FrameTimeline.StartThreshold, defaultCfg.FrameTimeline.StartThreshold, yellow, green)
	dumpField("  max_display_frames", cfg.FrameTimeline.MaxDisplayFrames, defaultCfg.FrameTimeline.MaxDisplayFrames, yellow, green)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	dumpField("    key_prefix", cfg.Storage.Redis.KeyPrefix, defaultCfg.Storage.Redis.KeyPrefix, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)
	dumpField("  jank_sample_rate", cfg.Logging.JankSampleRate, defaultCfg.Logging.JankSampleRate, yellow, green)

	// Policy
	_, _ = cyan.Println("\n[policy]")
	dumpField("  enabled", cfg.Policy.Enabled, defaultCfg.Policy.Enabled, yellow, green)
	dumpField("  opa_policy_dir", cfg.Policy.OPAPolicyDir, defaultCfg.Policy.OPAPolicyDir, yellow, green)
	dumpField("  evaluation_interval", cfg.Policy.EvaluationInterval, defaultCfg.Policy.EvaluationInterval, yellow, green)
	dumpField("  thermal_warn_c", cfg.Policy.ThermalWarnC, defaultCfg.Policy.ThermalWarnC, yellow, green)
	dumpField("  thermal_critical_c", cfg.Policy.ThermalCriticalC, defaultCfg.Policy.ThermalCriticalC, yellow, green)
	dumpField("  cpu_busy_percent", cfg.Policy.CPUBusyPercent, defaultCfg.Policy.CPUBusyPercent, yellow, green)

	// Stats
	_, _ = cyan.Println("\n[stats]")
	dumpField("  layer_cache_size", cfg.Stats.LayerCacheSize, defaultCfg.Stats.LayerCacheSize, yellow, green)
	dumpField("  flush_interval", cfg.Stats.FlushInterval, defaultCfg.Stats.FlushInterval, yellow, green)

	// Debug
	_, _ = cyan.Println("\n[debug]")
	dumpField("  enabled", cfg.Debug.Enabled, defaultCfg.Debug.Enabled, yellow, green)
	dumpField("  bind_address", cfg.Debug.BindAddress, defaultCfg.Debug.BindAddress, yellow, green)
	dumpField("  port", cfg.Debug.Port, defaultCfg.Debug.Port, yellow, green)
	dumpField("  rate_limit", cfg.Debug.RateLimit, defaultCfg.Debug.RateLimit, yellow, green)
	dumpField("  rate_burst", cfg.Debug.RateBurst, defaultCfg.Debug.RateBurst, yellow, green)

	// Simulation
	_, _ = cyan.Println("\n[simulation]")
	dumpField("  touch_every", cfg.Simulation.TouchEvery, defaultCfg.Simulation.TouchEvery, yellow, green)
	dumpField("  present_latency", cfg.Simulation.PresentLatency, defaultCfg.Simulation.PresentLatency, yellow, green)
	dumpField("  layers", describeLayers(cfg.Simulation.Layers), describeLayers(defaultCfg.Simulation.Layers), yellow, green)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

func describeModes(modes []config.ModeConfig) []string {
	out := make([]string, len(modes))
	for i, m := range modes {
		out[i] = fmt.Sprintf("%d:%gHz/g%d/%dx%d", m.ID, m.RefreshRate, m.Group, m.Width, m.Height)
	}
	return out
}

func describeLayers(layers []config.LayerConfig) []string {
	out := make([]string, len(layers))
	for i, l := range layers {
		vote := l.Vote
		if l.FrameRate > 0 {
			vote = fmt.Sprintf("%s@%g(%s)", vote, l.FrameRate, l.Compatibility)
		}
		out[i] = fmt.Sprintf("%s:%s:%gfps", l.Name, vote, l.ContentFps)
	}
	return out
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	// Deep equal comparison
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
