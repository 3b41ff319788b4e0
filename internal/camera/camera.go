// Package camera turns cameras, network streams and video files into
// decoded frames.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoFrame     = errors.New("no frame available")
	ErrNotOpen     = errors.New("frame source not open")
	ErrStreamEnded = errors.New("stream ended")
	ErrNoDevice    = errors.New("camera device not found")
)

// Source is a frame producer. It matches the pipeline's frame source
// contract.
type Source interface {
	Open(ctx context.Context) error
	Ready() bool
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// Config describes a capture device.
type Config struct {
	// Device is a V4L2 path, a bare index ("0"), an rtsp:// or http(s)://
	// URL, or a video file.
	Device string `yaml:"device" env:"CAMERA_DEVICE"`
	Width  int    `yaml:"width" env:"CAMERA_WIDTH"`
	Height int    `yaml:"height" env:"CAMERA_HEIGHT"`
	FPS    int    `yaml:"fps" env:"CAMERA_FPS"`
	// FFmpegPath overrides the ffmpeg binary.
	FFmpegPath string `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	// OpenTimeout bounds the wait for the first frame.
	OpenTimeout time.Duration `yaml:"open_timeout" env:"CAMERA_OPEN_TIMEOUT"`
}

func (c Config) withDefaults() Config {
	if c.Device == "" {
		c.Device = "0"
	}
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 15
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 5 * time.Second
	}
	return c
}

// NewSource picks a source for the configured device: a polling HTTP
// source for still-image endpoints, ffmpeg for everything else.
func NewSource(cfg Config) Source {
	cfg = cfg.withDefaults()
	if isHTTPImageEndpoint(cfg.Device) {
		return NewHTTPSource(cfg)
	}
	return NewFFmpegSource(cfg)
}

// ResolveDevice maps a bare index to its V4L2 path.
func ResolveDevice(device string) string {
	if n, err := strconv.Atoi(device); err == nil && n >= 0 {
		return fmt.Sprintf("/dev/video%d", n)
	}
	return device
}

func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

func isHTTPImageEndpoint(device string) bool {
	if !strings.HasPrefix(device, "http://") && !strings.HasPrefix(device, "https://") {
		return false
	}
	d := strings.ToLower(device)
	return strings.Contains(d, ".jpg") || strings.Contains(d, ".jpeg") || strings.Contains(d, "snapshot")
}

func isV4L2Device(device string) bool {
	return strings.HasPrefix(device, "/dev/video")
}

// deviceExists reports whether a local device or file can be opened.
// Network sources are checked when ffmpeg connects.
func deviceExists(device string) bool {
	if isNetworkSource(device) {
		return true
	}
	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
