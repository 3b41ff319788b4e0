package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FFmpegSource reads MJPEG frames from an ffmpeg child process.
//
// Live sources keep only the newest frame so a slow consumer always sees
// the present. File sources deliver every frame in order and report
// ErrStreamEnded after the last one.
type FFmpegSource struct {
	cfg         Config
	device      string
	file        bool
	readTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	frames chan []byte
	done   chan struct{}
	ready  atomic.Bool
	stderr *tailBuffer
}

// NewFFmpegSource creates a live capture source.
func NewFFmpegSource(cfg Config) *FFmpegSource {
	cfg = cfg.withDefaults()
	return &FFmpegSource{cfg: cfg, device: ResolveDevice(cfg.Device), readTimeout: time.Second}
}

// NewFileSource creates a lossless source over a video file.
func NewFileSource(path string, cfg Config) *FFmpegSource {
	cfg = cfg.withDefaults()
	cfg.Device = path
	return &FFmpegSource{cfg: cfg, device: path, file: true, readTimeout: 30 * time.Second}
}

func (s *FFmpegSource) args() []string {
	out := []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-"}

	switch {
	case s.file:
		return append([]string{"-nostdin", "-i", s.device}, out...)
	case isV4L2Device(s.device):
		return append([]string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
			"-framerate", strconv.Itoa(s.cfg.FPS),
			"-i", s.device,
		}, out...)
	case strings.HasPrefix(s.device, "rtsp://"):
		return append([]string{
			"-rtsp_transport", "tcp",
			"-i", s.device,
			"-r", strconv.Itoa(s.cfg.FPS),
		}, out...)
	default:
		return append([]string{"-i", s.device, "-r", strconv.Itoa(s.cfg.FPS)}, out...)
	}
}

// Open starts ffmpeg and waits for the first frame. It fails if the device
// is missing, ffmpeg exits early or no frame arrives within OpenTimeout.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("source %s already open", s.device)
	}
	if !deviceExists(s.device) {
		return fmt.Errorf("%w: %s", ErrNoDevice, s.device)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, s.cfg.FFmpegPath, s.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	buffer := 1
	if s.file {
		buffer = 8
	}
	frames := make(chan []byte, buffer)
	done := make(chan struct{})
	first := make(chan struct{})
	s.ready.Store(false)

	go func() {
		defer close(done)
		s.readLoop(runCtx, stdout, frames, first)
		if err := cmd.Wait(); err != nil && runCtx.Err() == nil {
			log.Printf("[Camera] ffmpeg exited for %s: %v", s.device, err)
		}
	}()

	timer := time.NewTimer(s.cfg.OpenTimeout)
	defer timer.Stop()

	select {
	case <-first:
	case <-done:
		cancel()
		return fmt.Errorf("ffmpeg exited before the first frame: %s", stderr.String())
	case <-timer.C:
		cancel()
		<-done
		return fmt.Errorf("no frame from %s within %s", s.device, s.cfg.OpenTimeout)
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}

	s.cancel = cancel
	s.frames = frames
	s.done = done
	s.stderr = stderr
	log.Printf("[Camera] Opened %s", s.device)
	return nil
}

func (s *FFmpegSource) readLoop(ctx context.Context, r io.Reader, frames chan []byte, first chan struct{}) {
	var split jpegSplitter
	chunk := make([]byte, 64*1024)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			split.Write(chunk[:n])
			for frame := split.Next(); frame != nil; frame = split.Next() {
				if !s.deliver(ctx, frames, frame) {
					return
				}
				if s.ready.CompareAndSwap(false, true) {
					close(first)
				}
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Printf("[Camera] Error reading frame: %v", err)
			}
			return
		}
	}
}

func (s *FFmpegSource) deliver(ctx context.Context, frames chan []byte, frame []byte) bool {
	if s.file {
		select {
		case frames <- frame:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// live: replace whatever the consumer has not picked up yet
	select {
	case frames <- frame:
	default:
		select {
		case <-frames:
		default:
		}
		select {
		case frames <- frame:
		default:
		}
	}
	return true
}

// Ready reports whether the first frame has arrived.
func (s *FFmpegSource) Ready() bool {
	return s.ready.Load()
}

// ReadJPEG returns the next encoded frame.
func (s *FFmpegSource) ReadJPEG(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	frames, done := s.frames, s.done
	s.mu.Unlock()
	if frames == nil {
		return nil, ErrNotOpen
	}

	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case data := <-frames:
		return data, nil
	case <-done:
		select {
		case data := <-frames:
			return data, nil
		default:
			return nil, ErrStreamEnded
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrNoFrame
	}
}

// Read returns the next decoded frame.
func (s *FFmpegSource) Read(ctx context.Context) (image.Image, error) {
	data, err := s.ReadJPEG(ctx)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// Close stops ffmpeg. It is safe to call on a closed source.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.frames = nil
	s.done = nil
	s.ready.Store(false)
	log.Printf("[Camera] Closed %s", s.device)
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
