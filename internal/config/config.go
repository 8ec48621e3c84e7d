// Package config holds the sentrycam configuration surface: defaults, an
// optional YAML file, environment overrides and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Camera        CameraConfig        `yaml:"camera" json:"camera"`
	Pipeline      PipelineConfig      `yaml:"pipeline" json:"pipeline"`
	Events        EventsConfig        `yaml:"events" json:"events"`
	Actions       ActionsConfig       `yaml:"actions" json:"actions"`
	Motion        MotionConfig        `yaml:"motion" json:"motion"`
	Gesture       GestureConfig       `yaml:"gesture" json:"gesture"`
	Notification  NotificationConfig  `yaml:"notification" json:"notification"`
	SnapshotStore SnapshotStoreConfig `yaml:"snapshot_store" json:"snapshot_store"`
	Server        ServerConfig        `yaml:"server" json:"server"`
	Log           LogConfig           `yaml:"log" json:"log"`
}

// CameraConfig selects and sizes the capture device.
type CameraConfig struct {
	Index  int `yaml:"index" json:"index"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`

	// MaxReadFailures is the number of consecutive empty reads after which the
	// device is considered gone. 0 keeps retrying forever.
	MaxReadFailures int `yaml:"max_read_failures" json:"max_read_failures"`
}

// PipelineConfig controls the producer loop.
type PipelineConfig struct {
	DefaultMode string `yaml:"default_mode" json:"default_mode"`
	FPSLimit    int    `yaml:"fps_limit" json:"fps_limit"`
	JPEGQuality int    `yaml:"jpeg_quality" json:"jpeg_quality"`
}

// EventsConfig sizes the in-memory store and names its durable mirrors.
type EventsConfig struct {
	MaxInMemory int    `yaml:"max_in_memory" json:"max_in_memory"`
	LogPath     string `yaml:"log_path" json:"log_path"`

	// PostgresDSN enables the archive table mirror when set.
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
}

// ActionsConfig is the trigger policy of the action dispatcher.
type ActionsConfig struct {
	SnapshotDir   string        `yaml:"snapshot_dir" json:"snapshot_dir"`
	TriggerTypes  []string      `yaml:"trigger_types" json:"trigger_types"`
	MinConfidence float64       `yaml:"min_confidence" json:"min_confidence"`
	Cooldown      time.Duration `yaml:"cooldown" json:"cooldown"`
}

// MotionConfig tunes background-subtraction motion detection
type MotionConfig struct {
	MinimumArea          int `yaml:"minimum_area" json:"minimum_area"`
	BlurSize             int `yaml:"blur_size" json:"blur_size"`
	Threshold            int `yaml:"threshold" json:"threshold"`
	DilationSize         int `yaml:"dilation_size" json:"dilation_size"`
	MinConsecutiveFrames int `yaml:"min_consecutive_frames" json:"min_consecutive_frames"`
	MaxConsecutiveFrames int `yaml:"max_consecutive_frames" json:"max_consecutive_frames"`
}

// GestureConfig points the gesture analyzer at its cascade model.
type GestureConfig struct {
	CascadePath string  `yaml:"cascade_path" json:"cascade_path"`
	MinSize     int     `yaml:"min_size" json:"min_size"`
	Mirror      bool    `yaml:"mirror" json:"mirror"`
	ScaleFactor float64 `yaml:"scale_factor" json:"scale_factor"`
}

// NotificationConfig configures the webhook alert sink. An empty URL disables it.
type NotificationConfig struct {
	WebhookURL  string        `yaml:"webhook_url" json:"webhook_url"`
	Username    string        `yaml:"username" json:"username"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
}

// SnapshotStoreConfig configures the optional MinIO mirror for snapshots.
type SnapshotStoreConfig struct {
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key" json:"-"`
	UseSSL          bool          `yaml:"use_ssl" json:"use_ssl"`
	Bucket          string        `yaml:"bucket" json:"bucket"`
	Region          string        `yaml:"region" json:"region"`
	Prefix          string        `yaml:"prefix" json:"prefix"`
	MaxUploads      int           `yaml:"max_uploads" json:"max_uploads"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// Enabled reports whether a MinIO endpoint was configured.
func (c SnapshotStoreConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// ServerConfig is the HTTP surface.
type ServerConfig struct {
	Addr           string        `yaml:"addr" json:"addr"`
	FrameInterval  time.Duration `yaml:"frame_interval" json:"frame_interval"`
	EventInterval  time.Duration `yaml:"event_interval" json:"event_interval"`
	LatestCount    int           `yaml:"latest_count" json:"latest_count"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins"`

	// ModeRateLimit caps POST /api/mode per client IP per minute. 0 disables it.
	ModeRateLimit int `yaml:"mode_rate_limit" json:"mode_rate_limit"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json, console
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Camera: CameraConfig{
			Index:  0,
			Width:  640,
			Height: 480,
		},
		Pipeline: PipelineConfig{
			DefaultMode: "motion",
			FPSLimit:    15,
			JPEGQuality: 80,
		},
		Events: EventsConfig{
			MaxInMemory: 500,
			LogPath:     "data/events.jsonl",
		},
		Actions: ActionsConfig{
			SnapshotDir:  "data/snapshots",
			TriggerTypes: []string{"motion", "gesture"},
			Cooldown:     10 * time.Second,
		},
		Motion: MotionConfig{
			MinimumArea:          3000,
			BlurSize:             21,
			Threshold:            25,
			DilationSize:         3,
			MinConsecutiveFrames: 3,
			MaxConsecutiveFrames: 5,
		},
		Gesture: GestureConfig{
			MinSize:     60,
			Mirror:      true,
			ScaleFactor: 1.1,
		},
		Notification: NotificationConfig{
			Username:    "sentrycam",
			Timeout:     10 * time.Second,
			MaxAttempts: 3,
		},
		SnapshotStore: SnapshotStoreConfig{
			Prefix:         "snapshots/",
			MaxUploads:     4,
			MaxRetries:     3,
			ConnectTimeout: 10 * time.Second,
		},
		Server: ServerConfig{
			Addr:          "0.0.0.0:5000",
			FrameInterval: 30 * time.Millisecond,
			EventInterval: 250 * time.Millisecond,
			LatestCount:   50,
			ReadTimeout:   10 * time.Second,
			ModeRateLimit: 60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (if path is not
// empty) and SENTRYCAM_* environment variables, in that order, and validates it.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Camera.Index = getEnvAsIntOrDefault("SENTRYCAM_CAMERA_INDEX", cfg.Camera.Index)
	cfg.Camera.Width = getEnvAsIntOrDefault("SENTRYCAM_CAMERA_WIDTH", cfg.Camera.Width)
	cfg.Camera.Height = getEnvAsIntOrDefault("SENTRYCAM_CAMERA_HEIGHT", cfg.Camera.Height)
	cfg.Pipeline.DefaultMode = getEnvOrDefault("SENTRYCAM_DEFAULT_MODE", cfg.Pipeline.DefaultMode)
	cfg.Pipeline.FPSLimit = getEnvAsIntOrDefault("SENTRYCAM_FPS_LIMIT", cfg.Pipeline.FPSLimit)
	cfg.Events.MaxInMemory = getEnvAsIntOrDefault("SENTRYCAM_MAX_EVENTS", cfg.Events.MaxInMemory)
	cfg.Events.LogPath = getEnvOrDefault("SENTRYCAM_EVENT_LOG", cfg.Events.LogPath)
	cfg.Events.PostgresDSN = getEnvOrDefault("SENTRYCAM_POSTGRES_DSN", cfg.Events.PostgresDSN)
	cfg.Actions.SnapshotDir = getEnvOrDefault("SENTRYCAM_SNAPSHOT_DIR", cfg.Actions.SnapshotDir)
	cfg.Gesture.CascadePath = getEnvOrDefault("SENTRYCAM_GESTURE_CASCADE", cfg.Gesture.CascadePath)
	cfg.Notification.WebhookURL = getEnvOrDefault("SENTRYCAM_WEBHOOK_URL", cfg.Notification.WebhookURL)
	cfg.SnapshotStore.Endpoint = getEnvOrDefault("SENTRYCAM_MINIO_ENDPOINT", cfg.SnapshotStore.Endpoint)
	cfg.SnapshotStore.AccessKeyID = getEnvOrDefault("SENTRYCAM_MINIO_ACCESS_KEY", cfg.SnapshotStore.AccessKeyID)
	cfg.SnapshotStore.SecretAccessKey = getEnvOrDefault("SENTRYCAM_MINIO_SECRET_KEY", cfg.SnapshotStore.SecretAccessKey)
	cfg.SnapshotStore.Bucket = getEnvOrDefault("SENTRYCAM_MINIO_BUCKET", cfg.SnapshotStore.Bucket)
	cfg.Server.Addr = getEnvOrDefault("SENTRYCAM_ADDR", cfg.Server.Addr)
	cfg.Log.Level = getEnvOrDefault("SENTRYCAM_LOG_LEVEL", cfg.Log.Level)
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Camera.Index < 0 {
		errs = append(errs, fmt.Errorf("camera.index must be >= 0, got %d", c.Camera.Index))
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid camera dimensions: %dx%d", c.Camera.Width, c.Camera.Height))
	}
	switch c.Pipeline.DefaultMode {
	case "motion", "gesture":
	default:
		errs = append(errs, fmt.Errorf("pipeline.default_mode must be 'motion' or 'gesture', got %q", c.Pipeline.DefaultMode))
	}
	if c.Pipeline.FPSLimit < 1 {
		errs = append(errs, fmt.Errorf("pipeline.fps_limit must be >= 1, got %d", c.Pipeline.FPSLimit))
	}
	if c.Pipeline.JPEGQuality < 1 || c.Pipeline.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("pipeline.jpeg_quality must be in [1,100], got %d", c.Pipeline.JPEGQuality))
	}
	if c.Events.MaxInMemory < 1 {
		errs = append(errs, fmt.Errorf("events.max_in_memory must be >= 1, got %d", c.Events.MaxInMemory))
	}
	if c.Events.LogPath == "" {
		errs = append(errs, errors.New("events.log_path is required"))
	}
	if c.Actions.SnapshotDir == "" {
		errs = append(errs, errors.New("actions.snapshot_dir is required"))
	}
	if c.Actions.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("actions.cooldown must not be negative, got %v", c.Actions.Cooldown))
	}
	if c.Motion.BlurSize%2 == 0 {
		errs = append(errs, fmt.Errorf("motion.blur_size must be odd, got %d", c.Motion.BlurSize))
	}
	if c.Motion.MaxConsecutiveFrames < 1 || c.Motion.MinConsecutiveFrames > c.Motion.MaxConsecutiveFrames {
		errs = append(errs, fmt.Errorf("motion consecutive frames: need 1 <= min (%d) <= max (%d)",
			c.Motion.MinConsecutiveFrames, c.Motion.MaxConsecutiveFrames))
	}
	if c.Server.FrameInterval <= 0 || c.Server.EventInterval <= 0 {
		errs = append(errs, errors.New("server poll intervals must be positive"))
	}
	if c.SnapshotStore.MaxUploads < 1 {
		errs = append(errs, fmt.Errorf("snapshot_store.max_uploads must be >= 1, got %d", c.SnapshotStore.MaxUploads))
	}
	if c.SnapshotStore.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("snapshot_store.max_retries must not be negative, got %d", c.SnapshotStore.MaxRetries))
	}
	if c.Server.LatestCount < 1 {
		errs = append(errs, fmt.Errorf("server.latest_count must be >= 1, got %d", c.Server.LatestCount))
	}

	return errors.Join(errs...)
}

// getEnvOrDefault returns the environment value for key, or defaultValue when unset
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault parses the environment value for key as an int, falling back to defaultValue
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
