package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	defaultConfigPath = "~/.config/posecapture/config.json"
	defaultParallel   = 2
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "POSECAPTURE_CONFIG"

// Config holds user-editable settings for capture sessions and their adapters.
type Config struct {
	Capture    Capture    `json:"capture"`
	Validation Validation `json:"validation"`
	Detector   Detector   `json:"detector"`
	Source     Source     `json:"source"`
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Server     Server     `json:"server"`
	Upload     Upload     `json:"upload"`
	Redis      Redis      `json:"redis"`
}

// Capture controls the session loop timing.
type Capture struct {
	TickIntervalMS  int    `json:"tick_interval_ms" validate:"gte=10,lte=5000"`
	CaptureDelayMS  int    `json:"capture_delay_ms" validate:"gte=0"`
	CooldownSteps   int    `json:"cooldown_steps" validate:"gte=0,lte=60"`
	CooldownStepMS  int    `json:"cooldown_step_ms" validate:"gte=0"`
	DetectTimeoutMS int    `json:"detect_timeout_ms" validate:"gte=1"`
	JPEGQuality     int    `json:"jpeg_quality" validate:"gte=1,lte=100"`
	PreviewSize     int    `json:"preview_size" validate:"gte=0"`
	ProfilePath     string `json:"profile_path"` // YAML pose profile, empty for the built-in table
}

func (c Capture) TickInterval() time.Duration  { return ms(c.TickIntervalMS) }
func (c Capture) CaptureDelay() time.Duration  { return ms(c.CaptureDelayMS) }
func (c Capture) CooldownStep() time.Duration  { return ms(c.CooldownStepMS) }
func (c Capture) DetectTimeout() time.Duration { return ms(c.DetectTimeoutMS) }

// Validation tunes the frame checks.
type Validation struct {
	DarkThreshold     float64 `json:"dark_threshold" validate:"gte=0,lte=255"`
	BrightThreshold   float64 `json:"bright_threshold" validate:"gte=0,lte=255,gtefield=DarkThreshold"`
	RadiusXDivisor    float64 `json:"radius_x_divisor" validate:"gt=0"`
	RadiusYDivisor    float64 `json:"radius_y_divisor" validate:"gt=0"`
	SampleDensity     float64 `json:"sample_density" validate:"gt=0,lte=100"`
	PositionThreshold float64 `json:"position_threshold" validate:"gte=0,lte=1"`
	SizeThreshold     float64 `json:"size_threshold" validate:"gte=0"`
	Alpha             float64 `json:"alpha" validate:"gt=0,lte=1"`
}

// Detector selects and configures the face detector client.
type Detector struct {
	Kind           string `json:"kind" validate:"oneof=websocket recorded"` // websocket, recorded
	URL            string `json:"url" validate:"required_if=Kind websocket"`
	RecordingPath  string `json:"recording_path" validate:"required_if=Kind recorded"`
	ReadTimeoutMS  int    `json:"read_timeout_ms" validate:"gte=0"`
	WriteTimeoutMS int    `json:"write_timeout_ms" validate:"gte=0"`
}

func (d Detector) ReadTimeout() time.Duration  { return ms(d.ReadTimeoutMS) }
func (d Detector) WriteTimeout() time.Duration { return ms(d.WriteTimeoutMS) }

// Source selects where frames come from.
type Source struct {
	Kind      string `json:"kind" validate:"oneof=directory camera"`
	Directory string `json:"directory"`
	Device    int    `json:"device" validate:"gte=0"`
}

// Processing captures photo sink execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" validate:"gte=1,lte=64"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" validate:"oneof=debug info warn warning error"`
	Format     string `json:"format" validate:"oneof=text json"`
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
	Compress   bool   `json:"compress"`
}

// Paths configures default locations.
type Paths struct {
	DatabasePath string `json:"database_path" validate:"required"`
	PhotoDir     string `json:"photo_dir" validate:"required"`
	TraceDir     string `json:"trace_dir"`
}

// Server configures the control API.
type Server struct {
	Addr      string  `json:"addr" validate:"required"`
	GRPCAddr  string  `json:"grpc_addr"`
	RateLimit float64 `json:"rate_limit" validate:"gte=0"` // requests per second per client, 0 disables
	Burst     int     `json:"burst" validate:"gte=0"`
}

// Upload configures the S3 photo sink.
type Upload struct {
	Enabled      bool   `json:"enabled"`
	Bucket       string `json:"bucket" validate:"required_if=Enabled true"`
	Region       string `json:"region"`
	InstanceCode string `json:"instance_code" validate:"omitempty,alphanum,max=6"`
	RollNumber   string `json:"roll_number"`
}

// Redis configures the event publisher.
type Redis struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr" validate:"required_if=Enabled true"`
	Password string `json:"password"`
	DB       int    `json:"db" validate:"gte=0"`
	Channel  string `json:"channel"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from path. A missing file yields defaults.
// Environment overrides are applied in both cases.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		applyEnv(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Capture: Capture{
			TickIntervalMS:  100,
			CaptureDelayMS:  1000,
			CooldownSteps:   3,
			CooldownStepMS:  1000,
			DetectTimeoutMS: 2000,
			JPEGQuality:     92,
			PreviewSize:     240,
		},
		Validation: Validation{
			DarkThreshold:     40,
			BrightThreshold:   240,
			RadiusXDivisor:    6,
			RadiusYDivisor:    3,
			SampleDensity:     10,
			PositionThreshold: 0.4,
			SizeThreshold:     0.4,
			Alpha:             0.3,
		},
		Detector: Detector{
			Kind:           "websocket",
			URL:            "ws://localhost:8765/landmarks",
			ReadTimeoutMS:  10000,
			WriteTimeoutMS: 5000,
		},
		Source: Source{
			Kind:      "directory",
			Directory: "./frames",
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "posecapture.db"),
			PhotoDir:     "./photos",
			TraceDir:     "./traces",
		},
		Server: Server{
			Addr:      ":8080",
			GRPCAddr:  ":9090",
			RateLimit: 10,
			Burst:     20,
		},
		Redis: Redis{
			Addr:    "localhost:6379",
			Channel: "posecapture:events",
		},
	}
}

// applyEnv lets deployment secrets come from the environment (or a .env file).
func applyEnv(cfg *Config) {
	if v := os.Getenv("AWS_BUCKET_NAME"); v != "" {
		cfg.Upload.Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Upload.Region = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("POSECAPTURE_DETECTOR_URL"); v != "" {
		cfg.Detector.URL = v
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
