package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Pipeline.DefaultMode != "motion" {
		t.Fatalf("expected default mode motion, got %q", cfg.Pipeline.DefaultMode)
	}
	if cfg.Server.LatestCount != 50 {
		t.Fatalf("expected latest count 50, got %d", cfg.Server.LatestCount)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentrycam.yaml")
	data := `
camera:
  index: 2
  width: 1280
  height: 720
pipeline:
  default_mode: gesture
  fps_limit: 5
events:
  max_in_memory: 42
  log_path: /tmp/events.jsonl
actions:
  snapshot_dir: /tmp/snaps
  cooldown: 3s
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Camera.Index != 2 || cfg.Camera.Width != 1280 || cfg.Camera.Height != 720 {
		t.Fatalf("camera not loaded: %+v", cfg.Camera)
	}
	if cfg.Pipeline.DefaultMode != "gesture" || cfg.Pipeline.FPSLimit != 5 {
		t.Fatalf("pipeline not loaded: %+v", cfg.Pipeline)
	}
	if cfg.Events.MaxInMemory != 42 || cfg.Events.LogPath != "/tmp/events.jsonl" {
		t.Fatalf("events not loaded: %+v", cfg.Events)
	}
	if cfg.Actions.Cooldown != 3*time.Second {
		t.Fatalf("expected cooldown 3s, got %v", cfg.Actions.Cooldown)
	}
	// untouched sections keep their defaults
	if cfg.Server.FrameInterval != 30*time.Millisecond {
		t.Fatalf("expected default frame interval, got %v", cfg.Server.FrameInterval)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("SENTRYCAM_FPS_LIMIT", "7")
	t.Setenv("SENTRYCAM_DEFAULT_MODE", "gesture")
	t.Setenv("SENTRYCAM_CAMERA_INDEX", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pipeline.FPSLimit != 7 {
		t.Fatalf("expected fps 7 from env, got %d", cfg.Pipeline.FPSLimit)
	}
	if cfg.Pipeline.DefaultMode != "gesture" {
		t.Fatalf("expected gesture from env, got %q", cfg.Pipeline.DefaultMode)
	}
	if cfg.Camera.Index != 0 {
		t.Fatalf("unparseable env value should keep default, got %d", cfg.Camera.Index)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad mode", func(c *Config) { c.Pipeline.DefaultMode = "bogus" }, "default_mode"},
		{"padded mode", func(c *Config) { c.Pipeline.DefaultMode = " gesture" }, "default_mode"},
		{"negative uploads", func(c *Config) { c.SnapshotStore.MaxUploads = -1 }, "max_uploads"},
		{"zero uploads", func(c *Config) { c.SnapshotStore.MaxUploads = 0 }, "max_uploads"},
		{"negative retries", func(c *Config) { c.SnapshotStore.MaxRetries = -2 }, "max_retries"},
		{"zero fps", func(c *Config) { c.Pipeline.FPSLimit = 0 }, "fps_limit"},
		{"zero capacity", func(c *Config) { c.Events.MaxInMemory = 0 }, "max_in_memory"},
		{"no log path", func(c *Config) { c.Events.LogPath = "" }, "log_path"},
		{"no snapshot dir", func(c *Config) { c.Actions.SnapshotDir = "" }, "snapshot_dir"},
		{"even blur", func(c *Config) { c.Motion.BlurSize = 4 }, "blur_size"},
		{"bad dimensions", func(c *Config) { c.Camera.Width = 0 }, "dimensions"},
		{"gate inverted", func(c *Config) { c.Motion.MinConsecutiveFrames = 9 }, "consecutive"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}
