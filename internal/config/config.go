package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	GalleryDir string         `yaml:"gallery_dir"`
	Capture    CaptureConfig  `yaml:"capture"`
	Match      MatchConfig    `yaml:"match"`
	Worker     WorkerConfig   `yaml:"worker"`
	Database   DatabaseConfig `yaml:"database"`
	Server     ServerConfig   `yaml:"server"`
	LogLevel   string         `yaml:"log_level"`
}

type CaptureConfig struct {
	Source      string        `yaml:"source"`       // "ffmpeg" or "webcam"
	Device      string        `yaml:"device"`       // e.g. /dev/video0
	Input       string        `yaml:"input"`        // video file; takes precedence over Device for ffmpeg
	Width       int           `yaml:"width"`        // webcam only
	Height      int           `yaml:"height"`       // webcam only
	NthFrame    int           `yaml:"nth_frame"`
	Interval    time.Duration `yaml:"interval"`     // continuous pump cadence
	OutputFrame string        `yaml:"output_frame"` // latest annotated frame, empty disables
	DebugDir    string        `yaml:"debug_dir"`    // keep every annotated frame here
}

type MatchConfig struct {
	Scale     float64 `yaml:"scale"`
	Tolerance float64 `yaml:"tolerance"`
	Metric    string  `yaml:"metric"` // "euclidean" or "cosine"
	Policy    string  `yaml:"policy"` // "first" or "nearest"
}

type WorkerConfig struct {
	Python  string        `yaml:"python"`
	Script  string        `yaml:"script"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"` // empty disables the HTTP control API
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		GalleryDir: "images",
		Capture: CaptureConfig{
			Source:   "ffmpeg",
			Device:   "/dev/video0",
			Width:    640,
			Height:   480,
			NthFrame: 2,
			Interval: 10 * time.Millisecond,
		},
		Match: MatchConfig{
			Scale:     0.25,
			Tolerance: 0.5,
			Metric:    "euclidean",
			Policy:    "first",
		},
		Worker: WorkerConfig{
			Python:  "python3",
			Script:  "python/worker.py",
			Model:   "hog",
			Timeout: 60 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load layers defaults, the optional YAML file at path, and the environment.
// Flags are applied afterwards by the caller.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.GalleryDir = envString("ROLLCALL_GALLERY_DIR", c.GalleryDir)
	c.LogLevel = envString("ROLLCALL_LOG_LEVEL", c.LogLevel)

	c.Capture.Source = envString("ROLLCALL_SOURCE", c.Capture.Source)
	c.Capture.Device = envString("ROLLCALL_DEVICE", c.Capture.Device)
	c.Capture.Input = envString("ROLLCALL_INPUT", c.Capture.Input)
	c.Capture.NthFrame = envInt("ROLLCALL_NTH_FRAME", c.Capture.NthFrame)
	c.Capture.OutputFrame = envString("ROLLCALL_OUTPUT_FRAME", c.Capture.OutputFrame)

	c.Match.Scale = envFloat("ROLLCALL_SCALE", c.Match.Scale)
	c.Match.Tolerance = envFloat("ROLLCALL_TOLERANCE", c.Match.Tolerance)
	c.Match.Policy = envString("ROLLCALL_MATCH_POLICY", c.Match.Policy)

	c.Worker.Python = envString("ROLLCALL_PYTHON", c.Worker.Python)
	c.Worker.Script = envString("ROLLCALL_WORKER_SCRIPT", c.Worker.Script)

	c.Server.Listen = envString("ROLLCALL_LISTEN", c.Server.Listen)

	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
	} else if url := postgresURLFromEnv(); url != "" {
		c.Database.URL = url
	}
	if c.Database.URL == "" {
		// Fallback to local default if no env vars are present
		c.Database.URL = "postgres://localhost:5432/rollcall"
	}
}

// postgresURLFromEnv builds a connection string from POSTGRES_* variables.
func postgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Match.Scale <= 0 || c.Match.Scale > 1.0 {
		return fmt.Errorf("scale must be in (0, 1], got %v", c.Match.Scale)
	}
	if c.Match.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be > 0, got %v", c.Match.Tolerance)
	}
	switch c.Match.Metric {
	case "euclidean", "cosine":
	default:
		return fmt.Errorf("unknown metric %q (use euclidean or cosine)", c.Match.Metric)
	}
	switch c.Match.Policy {
	case "first", "nearest":
	default:
		return fmt.Errorf("unknown match policy %q (use first or nearest)", c.Match.Policy)
	}
	switch c.Capture.Source {
	case "ffmpeg", "webcam":
	default:
		return fmt.Errorf("unknown capture source %q (use ffmpeg or webcam)", c.Capture.Source)
	}
	if c.Capture.NthFrame < 1 {
		return fmt.Errorf("nth-frame must be >= 1, got %d", c.Capture.NthFrame)
	}
	if c.Capture.Interval <= 0 {
		return fmt.Errorf("interval must be > 0, got %v", c.Capture.Interval)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}
