// Package config loads service configuration from a YAML file overlaid by
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"sitesafe/internal/alerts"
	"sitesafe/internal/archive"
	"sitesafe/internal/auth"
	"sitesafe/internal/camera"
	"sitesafe/internal/database"
	"sitesafe/internal/detection"
	"sitesafe/internal/kafka"
	"sitesafe/internal/pipeline"
	"sitesafe/internal/telegram"
	"sitesafe/internal/webrtc"
)

// Detector backends.
const (
	BackendHTTP = "http"
	BackendGRPC = "grpc"
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Camera   camera.Config   `yaml:"camera"`
	Detector DetectorConfig  `yaml:"detector"`
	Face     FaceConfig      `yaml:"face"`
	Pipeline pipeline.Config `yaml:"pipeline"`
	Geofence GeofenceConfig  `yaml:"geofence"`
	Alerts   AlertsConfig    `yaml:"alerts"`
	Database database.Config `yaml:"database"`
	Telegram telegram.Config `yaml:"telegram"`
	Kafka    kafka.Config    `yaml:"kafka"`
	Archive  archive.Config  `yaml:"archive"`
	WebRTC   webrtc.Config   `yaml:"webrtc"`
	Auth     auth.Config     `yaml:"auth"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
	// UploadDir holds annotated uploads served under /uploads/.
	UploadDir string `yaml:"upload_dir" env:"UPLOAD_DIR"`
	// MaxUploadBytes caps multipart upload bodies.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	Debug          bool  `yaml:"debug" env:"SERVER_DEBUG"`
}

type DetectorConfig struct {
	Backend       string        `yaml:"backend" env:"DETECTOR_BACKEND"`
	Endpoint      string        `yaml:"endpoint" env:"DETECTOR_ENDPOINT"`
	InputWidth    int           `yaml:"input_width" env:"DETECTOR_INPUT_WIDTH"`
	InputHeight   int           `yaml:"input_height" env:"DETECTOR_INPUT_HEIGHT"`
	Timeout       time.Duration `yaml:"timeout" env:"DETECTOR_TIMEOUT"`
	ConfThreshold float64       `yaml:"conf_threshold" env:"DETECTOR_CONF_THRESHOLD"`
	IoUThreshold  float64       `yaml:"iou_threshold" env:"DETECTOR_IOU_THRESHOLD"`
}

type FaceConfig struct {
	Enabled   bool    `yaml:"enabled" env:"FACE_ENABLED"`
	Endpoint  string  `yaml:"endpoint" env:"FACE_ENDPOINT"`
	Threshold float64 `yaml:"threshold" env:"FACE_THRESHOLD"`
}

type GeofenceConfig struct {
	Enabled bool `yaml:"enabled" env:"GEOFENCE_ENABLED"`
	// ZonesFile seeds the zone store on first start.
	ZonesFile string `yaml:"zones_file" env:"GEOFENCE_ZONES_FILE"`
}

type AlertsConfig struct {
	Cooldown      time.Duration `yaml:"cooldown" env:"ALERT_COOLDOWN"`
	NotifyTimeout time.Duration `yaml:"notify_timeout" env:"ALERT_NOTIFY_TIMEOUT"`
	// Retention prunes stored alerts older than this; zero keeps everything.
	Retention time.Duration `yaml:"retention" env:"ALERT_RETENTION"`
}

// Default returns a configuration that runs against a local webcam, an
// HTTP model server on localhost and a sqlite file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			UploadDir:      "uploads",
			MaxUploadBytes: 64 << 20,
		},
		Camera: camera.Config{
			Device:      "0",
			Width:       640,
			Height:      480,
			FPS:         15,
			FFmpegPath:  "ffmpeg",
			OpenTimeout: 5 * time.Second,
		},
		Detector: DetectorConfig{
			Backend:       BackendHTTP,
			Endpoint:      "http://localhost:8001",
			InputWidth:    detection.DefaultInputWidth,
			InputHeight:   detection.DefaultInputHeight,
			Timeout:       5 * time.Second,
			ConfThreshold: detection.DefaultConfThreshold,
			IoUThreshold:  detection.DefaultIoUThreshold,
		},
		Face: FaceConfig{
			Threshold: detection.DefaultFaceThreshold,
		},
		Pipeline: pipeline.Config{
			InferInterval: pipeline.DefaultInferInterval,
			StabilizerTTL: pipeline.DefaultStabilizerTTL,
		},
		Geofence: GeofenceConfig{
			ZonesFile: "zones.json",
		},
		Alerts: AlertsConfig{
			Cooldown:      alerts.DefaultCooldown,
			NotifyTimeout: 10 * time.Second,
		},
		Database: database.Config{
			Driver: "sqlite",
			DSN:    "sitesafe.db",
		},
		Kafka: kafka.Config{
			Topic: "sitesafe.alerts",
		},
		Archive: archive.Config{
			Bucket: "sitesafe",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Detector.Backend {
	case BackendHTTP, BackendGRPC:
	default:
		return fmt.Errorf("unknown detector backend %q", c.Detector.Backend)
	}
	if c.Detector.Endpoint == "" {
		return fmt.Errorf("detector endpoint is required")
	}
	if c.Detector.ConfThreshold < 0 || c.Detector.ConfThreshold > 1 {
		return fmt.Errorf("detector conf_threshold must be within [0, 1]")
	}
	if c.Detector.IoUThreshold <= 0 || c.Detector.IoUThreshold > 1 {
		return fmt.Errorf("detector iou_threshold must be within (0, 1]")
	}
	if c.Face.Enabled && c.Face.Endpoint == "" {
		return fmt.Errorf("face endpoint is required when face recognition is enabled")
	}
	if c.Alerts.Cooldown < 0 {
		return fmt.Errorf("alert cooldown must not be negative")
	}
	if err := telegram.ValidateConfig(c.Telegram); err != nil {
		return err
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}
	if c.Archive.Enabled && c.Archive.Endpoint == "" {
		return fmt.Errorf("archive endpoint is required when archiving is enabled")
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		return fmt.Errorf("auth password is required when auth is enabled")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
