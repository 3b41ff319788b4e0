package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"
)

const healthCacheTTL = 30 * time.Second

// TensorResponse is the JSON body the model server answers with. Shape keeps
// the batch dimension, e.g. [1, 14, 8400].
type TensorResponse struct {
	Shape           []int     `json:"shape"`
	Data            []float32 `json:"data"`
	InferenceTimeMs float32   `json:"inference_time_ms"`
	Device          string    `json:"device"`
}

// HealthResponse is the model server's /health body.
type HealthResponse struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

// HTTPInfererConfig configures the HTTP model client.
type HTTPInfererConfig struct {
	Endpoint    string
	InputWidth  int
	InputHeight int
	NumClasses  int
	Timeout     time.Duration
}

// HTTPInferer letterboxes frames locally and posts them to a model server
// that returns the raw detection head.
type HTTPInferer struct {
	endpoint    string
	client      *http.Client
	inputW      int
	inputH      int
	numClasses  int
	healthCheck time.Time
	mu          sync.RWMutex
}

// NewHTTPInferer creates an HTTP inference client.
func NewHTTPInferer(cfg HTTPInfererConfig) *HTTPInferer {
	if cfg.InputWidth <= 0 {
		cfg.InputWidth = DefaultInputWidth
	}
	if cfg.InputHeight <= 0 {
		cfg.InputHeight = DefaultInputHeight
	}
	if cfg.NumClasses <= 0 {
		cfg.NumClasses = len(ClassNames)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPInferer{
		endpoint:   cfg.Endpoint,
		client:     &http.Client{Timeout: cfg.Timeout},
		inputW:     cfg.InputWidth,
		inputH:     cfg.InputHeight,
		numClasses: cfg.NumClasses,
	}
}

// IsHealthy checks the model server, caching a positive answer for 30s.
func (hi *HTTPInferer) IsHealthy(ctx context.Context) bool {
	hi.mu.RLock()
	fresh := time.Since(hi.healthCheck) < healthCacheTTL
	hi.mu.RUnlock()
	if fresh {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hi.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := hi.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || !health.ModelLoaded {
		return false
	}

	hi.mu.Lock()
	hi.healthCheck = time.Now()
	hi.mu.Unlock()
	return true
}

// Infer letterboxes the frame, uploads it and parses the returned tensor.
func (hi *HTTPInferer) Infer(ctx context.Context, frame image.Image) (*Inference, error) {
	boxed, tf := Letterbox(frame, hi.inputW, hi.inputH)

	var img bytes.Buffer
	if err := jpeg.Encode(&img, boxed, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(img.Bytes()); err != nil {
		return nil, err
	}
	w.WriteField("input_size", fmt.Sprintf("%dx%d", hi.inputW, hi.inputH))
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hi.endpoint+"/infer", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := hi.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call inference service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, msg)
	}

	var tr TensorResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}

	out, err := RawOutputFromShape(tr.Shape, tr.Data, hi.numClasses)
	if err != nil {
		return nil, err
	}
	return &Inference{Output: out, Transform: tf}, nil
}

// RawOutputFromShape infers the layout from a [1, A, B] or [A, B] shape.
func RawOutputFromShape(shape []int, data []float32, numClasses int) (RawOutput, error) {
	if len(shape) == 3 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 2 {
		return RawOutput{}, fmt.Errorf("%w: unexpected rank %v", ErrShapeMismatch, shape)
	}

	attrs := 4 + numClasses
	var out RawOutput
	switch {
	case shape[0] == attrs:
		out = RawOutput{Data: data, Anchors: shape[1], Attributes: attrs, Layout: ChannelMajor}
	case shape[1] == attrs:
		out = RawOutput{Data: data, Anchors: shape[0], Attributes: attrs, Layout: AnchorMajor}
	default:
		return RawOutput{}, fmt.Errorf("%w: no axis of size %d in %v", ErrShapeMismatch, attrs, shape)
	}
	return out, out.Validate(numClasses)
}
