package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Display       DisplayConfig       `mapstructure:"display"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	FrameTimeline FrameTimelineConfig `mapstructure:"frame_timeline"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Stats         StatsConfig         `mapstructure:"stats"`
	Debug         DebugConfig         `mapstructure:"debug"`
	Simulation    SimulationConfig    `mapstructure:"simulation"`
}

// ServerConfig defines listener addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// ModeConfig is one entry of the display mode catalog
type ModeConfig struct {
	ID          int     `mapstructure:"id"`
	RefreshRate float64 `mapstructure:"refresh_rate"`
	Group       int     `mapstructure:"group"`
	Width       int     `mapstructure:"width"`
	Height      int     `mapstructure:"height"`
}

// DisplayConfig describes the panel and its modes
type DisplayConfig struct {
	Modes                   []ModeConfig `mapstructure:"modes"`
	ActiveMode              int          `mapstructure:"active_mode"`
	EnableFrameRateOverride bool         `mapstructure:"enable_frame_rate_override"`
	KernelIdleTimer         bool         `mapstructure:"kernel_idle_timer"`
}

// SchedulerConfig defines the refresh rate scheduler timers
type SchedulerConfig struct {
	TouchTimer        string `mapstructure:"touch_timer"`
	IdleTimer         string `mapstructure:"idle_timer"`
	FpsReportInterval string `mapstructure:"fps_report_interval"`
}

// FrameTimelineConfig defines jank classification tolerances
type FrameTimelineConfig struct {
	PresentThreshold  string `mapstructure:"present_threshold"`
	DeadlineThreshold string `mapstructure:"deadline_threshold"`
	StartThreshold    string `mapstructure:"start_threshold"`
	MaxDisplayFrames  int    `mapstructure:"max_display_frames"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// JankSampleRate caps janky frame log lines per second.
	JankSampleRate float64 `mapstructure:"jank_sample_rate"`
}

// PolicyConfig defines the display manager policy engine
type PolicyConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	OPAPolicyDir       string `mapstructure:"opa_policy_dir"`
	EvaluationInterval string `mapstructure:"evaluation_interval"`
	// Limits are handed to the policies as input.limits.
	ThermalWarnC     float64 `mapstructure:"thermal_warn_c"`
	ThermalCriticalC float64 `mapstructure:"thermal_critical_c"`
	CPUBusyPercent   float64 `mapstructure:"cpu_busy_percent"`
}

// StatsConfig defines jank statistics aggregation
type StatsConfig struct {
	LayerCacheSize int    `mapstructure:"layer_cache_size"`
	FlushInterval  string `mapstructure:"flush_interval"`
}

// DebugConfig defines the debug HTTP API
type DebugConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Port        int     `mapstructure:"port"`
	BindAddress string  `mapstructure:"bind_address"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	RateBurst   int     `mapstructure:"rate_burst"`
}

// LayerConfig describes one synthetic content source
type LayerConfig struct {
	Name          string  `mapstructure:"name"`
	OwnerUID      int32   `mapstructure:"owner_uid"`
	OwnerPID      int32   `mapstructure:"owner_pid"`
	Vote          string  `mapstructure:"vote"`
	ContentFps    float64 `mapstructure:"content_fps"`
	FrameRate     float64 `mapstructure:"frame_rate"`
	Compatibility string  `mapstructure:"compatibility"`
	AreaFraction  float64 `mapstructure:"area_fraction"`
	Focused       bool    `mapstructure:"focused"`
	WorkDuration  string  `mapstructure:"work_duration"`
}

// SimulationConfig drives the synthetic compositor
type SimulationConfig struct {
	Layers         []LayerConfig `mapstructure:"layers"`
	TouchEvery     string        `mapstructure:"touch_every"`
	PresentLatency int           `mapstructure:"present_latency"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("VSYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration holding only default values. It is
// not validated.
func Defaults() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	return &config, nil
}

// KnownKeys returns the set of recognised configuration keys. List valued
// keys such as display.modes are leaves.
func KnownKeys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// UnknownKeys reads the file at configPath and returns the keys it sets that
// vsyncd does not recognise, sorted.
func UnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	known := KnownKeys()
	var unknown []string
	for _, key := range v.AllKeys() {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.metrics_port", 9464)

	// Display defaults: a 60/90/120Hz panel
	v.SetDefault("display.modes", []map[string]any{
		{"id": 0, "refresh_rate": 60.0, "group": 0, "width": 1080, "height": 2340},
		{"id": 1, "refresh_rate": 90.0, "group": 0, "width": 1080, "height": 2340},
		{"id": 2, "refresh_rate": 120.0, "group": 0, "width": 1080, "height": 2340},
	})
	v.SetDefault("display.active_mode", 0)
	v.SetDefault("display.enable_frame_rate_override", true)
	v.SetDefault("display.kernel_idle_timer", false)

	// Scheduler defaults
	v.SetDefault("scheduler.touch_timer", "200ms")
	v.SetDefault("scheduler.idle_timer", "1s")
	v.SetDefault("scheduler.fps_report_interval", "1s")

	// Frame timeline defaults
	v.SetDefault("frame_timeline.present_threshold", "2ms")
	v.SetDefault("frame_timeline.deadline_threshold", "0s")
	v.SetDefault("frame_timeline.start_threshold", "2ms")
	v.SetDefault("frame_timeline.max_display_frames", 64)

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/vsyncd/vsyncd.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "vsyncd")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.jank_sample_rate", 5.0)

	// Policy defaults
	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.opa_policy_dir", "/etc/vsyncd/policies")
	v.SetDefault("policy.evaluation_interval", "5s")
	v.SetDefault("policy.thermal_warn_c", 70.0)
	v.SetDefault("policy.thermal_critical_c", 85.0)
	v.SetDefault("policy.cpu_busy_percent", 90.0)

	// Stats defaults
	v.SetDefault("stats.layer_cache_size", 128)
	v.SetDefault("stats.flush_interval", "30s")

	// Debug API defaults
	v.SetDefault("debug.enabled", true)
	v.SetDefault("debug.port", 9465)
	v.SetDefault("debug.bind_address", "127.0.0.1")
	v.SetDefault("debug.rate_limit", 20.0)
	v.SetDefault("debug.rate_burst", 40)

	// Simulation defaults: a video and a UI layer
	v.SetDefault("simulation.layers", []map[string]any{
		{"name": "video", "owner_uid": 10001, "owner_pid": 2001, "vote": "heuristic", "content_fps": 30.0, "area_fraction": 0.6, "work_duration": "6ms"},
		{"name": "launcher", "owner_uid": 10002, "owner_pid": 2002, "vote": "heuristic", "content_fps": 60.0, "area_fraction": 1.0, "focused": true, "work_duration": "4ms"},
	})
	v.SetDefault("simulation.touch_every", "0s")
	v.SetDefault("simulation.present_latency", 2)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if cfg.Debug.Enabled && (cfg.Debug.Port <= 0 || cfg.Debug.Port > 65535) {
		return fmt.Errorf("invalid debug port: %d", cfg.Debug.Port)
	}

	if len(cfg.Display.Modes) == 0 {
		return fmt.Errorf("at least one display mode is required")
	}
	seen := make(map[int]bool, len(cfg.Display.Modes))
	for _, m := range cfg.Display.Modes {
		if seen[m.ID] {
			return fmt.Errorf("duplicate display mode id: %d", m.ID)
		}
		seen[m.ID] = true
		if m.RefreshRate <= 0 {
			return fmt.Errorf("display mode %d: invalid refresh rate %v", m.ID, m.RefreshRate)
		}
	}
	if !seen[cfg.Display.ActiveMode] {
		return fmt.Errorf("active mode %d is not in the mode catalog", cfg.Display.ActiveMode)
	}

	durations := map[string]string{
		"scheduler.touch_timer":             cfg.Scheduler.TouchTimer,
		"scheduler.idle_timer":              cfg.Scheduler.IdleTimer,
		"scheduler.fps_report_interval":     cfg.Scheduler.FpsReportInterval,
		"frame_timeline.present_threshold":  cfg.FrameTimeline.PresentThreshold,
		"frame_timeline.deadline_threshold": cfg.FrameTimeline.DeadlineThreshold,
		"frame_timeline.start_threshold":    cfg.FrameTimeline.StartThreshold,
		"policy.evaluation_interval":        cfg.Policy.EvaluationInterval,
		"stats.flush_interval":              cfg.Stats.FlushInterval,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	if cfg.FrameTimeline.MaxDisplayFrames <= 0 {
		return fmt.Errorf("frame_timeline.max_display_frames must be positive")
	}
	if cfg.Policy.ThermalWarnC > cfg.Policy.ThermalCriticalC {
		return fmt.Errorf("policy.thermal_warn_c must not exceed policy.thermal_critical_c")
	}
	if cfg.Stats.LayerCacheSize <= 0 {
		return fmt.Errorf("stats.layer_cache_size must be positive")
	}

	for _, l := range cfg.Simulation.Layers {
		if l.Name == "" {
			return fmt.Errorf("simulation layer without a name")
		}
		if l.WorkDuration != "" {
			if _, err := time.ParseDuration(l.WorkDuration); err != nil {
				return fmt.Errorf("invalid work_duration for layer %s: %w", l.Name, err)
			}
		}
	}
	if _, err := time.ParseDuration(cfg.Simulation.TouchEvery); err != nil {
		return fmt.Errorf("invalid simulation.touch_every: %w", err)
	}
	if cfg.Simulation.PresentLatency < 1 {
		return fmt.Errorf("simulation.present_latency must be at least 1")
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}
	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return nil
}
