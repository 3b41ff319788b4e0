package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HTTPSource polls a still-image endpoint such as an IP camera's
// snapshot.jpg, at most FPS times per second.
type HTTPSource struct {
	cfg      Config
	client   *http.Client
	interval time.Duration

	mu   sync.Mutex
	last time.Time
	open atomic.Bool
}

// NewHTTPSource creates a polling source.
func NewHTTPSource(cfg Config) *HTTPSource {
	cfg = cfg.withDefaults()
	interval := time.Second / time.Duration(cfg.FPS)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &HTTPSource{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
	}
}

// Open fetches one frame to prove the endpoint works.
func (s *HTTPSource) Open(ctx context.Context) error {
	if _, err := s.fetch(ctx); err != nil {
		return err
	}
	s.open.Store(true)
	return nil
}

// Ready reports whether the source is open.
func (s *HTTPSource) Ready() bool {
	return s.open.Load()
}

// Read waits out the poll interval and fetches a frame.
func (s *HTTPSource) Read(ctx context.Context) (image.Image, error) {
	if !s.open.Load() {
		return nil, ErrNotOpen
	}

	s.mu.Lock()
	wait := s.interval - time.Since(s.last)
	s.mu.Unlock()
	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	data, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

func (s *HTTPSource) fetch(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Device, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch frame from %s: %w", s.cfg.Device, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch frame from %s: status %d", s.cfg.Device, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Close marks the source closed.
func (s *HTTPSource) Close() error {
	s.open.Store(false)
	return nil
}
