package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body = strings.ReplaceAll(body, "$DIR", dir)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: $DIR/state/vsyncd.bolt
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := len(cfg.Display.Modes); got != 3 {
		t.Errorf("len(Display.Modes) = %d, want 3", got)
	}
	if got := cfg.Display.Modes[2].RefreshRate; got != 120 {
		t.Errorf("Display.Modes[2].RefreshRate = %v, want 120", got)
	}
	if cfg.FrameTimeline.PresentThreshold != "2ms" || cfg.FrameTimeline.MaxDisplayFrames != 64 {
		t.Errorf("FrameTimeline = %+v, want 2ms / 64 defaults", cfg.FrameTimeline)
	}
	if got := len(cfg.Simulation.Layers); got != 2 {
		t.Errorf("len(Simulation.Layers) = %d, want 2", got)
	}
	if _, err := os.Stat(filepath.Dir(cfg.Storage.Path)); err != nil {
		t.Errorf("storage directory not created: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
display:
  active_mode: 7
  modes:
    - id: 7
      refresh_rate: 144
      group: 1
      width: 1440
      height: 3120
storage:
  path: $DIR/vsyncd.bolt
`)
	t.Setenv("VSYNCD_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Display.Modes) != 1 || cfg.Display.Modes[0].ID != 7 || cfg.Display.Modes[0].Group != 1 {
		t.Errorf("Display.Modes = %+v, want the single 144Hz mode", cfg.Display.Modes)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug from the environment", cfg.Logging.Level)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("VSYNCD_STORAGE_PATH", filepath.Join(t.TempDir(), "vsyncd.bolt"))
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Type != "bolt" {
		t.Errorf("Storage.Type = %q, want bolt", cfg.Storage.Type)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "active mode missing from catalog",
			body: "display:\n  active_mode: 9\nstorage:\n  path: $DIR/x.bolt\n",
			want: "active mode 9",
		},
		{
			name: "bad duration",
			body: "scheduler:\n  idle_timer: soon\nstorage:\n  path: $DIR/x.bolt\n",
			want: "scheduler.idle_timer",
		},
		{
			name: "duplicate mode",
			body: "display:\n  modes:\n    - id: 0\n      refresh_rate: 60\n    - id: 0\n      refresh_rate: 90\nstorage:\n  path: $DIR/x.bolt\n",
			want: "duplicate display mode id",
		},
		{
			name: "unknown storage",
			body: "storage:\n  type: etcd\n",
			want: "unsupported storage type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
logging:
  levle: debug
  format: text
display:
  modes:
    - id: 0
      refresh_rate: 60
stats:
  flush_interval: 10s
  flush_every: 10s
`)
	unknown, err := UnknownKeys(path)
	if err != nil {
		t.Fatalf("UnknownKeys() error = %v", err)
	}
	want := []string{"logging.levle", "stats.flush_every"}
	if strings.Join(unknown, ",") != strings.Join(want, ",") {
		t.Errorf("UnknownKeys() = %v, want %v", unknown, want)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults() error = %v", err)
	}
	if cfg.Storage.Type != "bolt" || cfg.Debug.Port != 9465 {
		t.Errorf("Defaults() storage = %q debug port = %d", cfg.Storage.Type, cfg.Debug.Port)
	}
	if !KnownKeys()["storage.redis.password"] {
		t.Error("KnownKeys() missing storage.redis.password")
	}
}
