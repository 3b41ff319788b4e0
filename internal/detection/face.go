package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"mime/multipart"
	"net/http"
	"sync"
	"time"
)

// UnknownWorker is returned whenever a face cannot be matched confidently.
const UnknownWorker = "UNKNOWN"

// DefaultFaceThreshold is the minimum cosine similarity for a match.
const DefaultFaceThreshold = 0.55

// Face is one face found by the embedding service.
type Face struct {
	BBox      []float32 `json:"bbox"` // [x1, y1, x2, y2]
	Embedding []float32 `json:"embedding"`
}

func (f Face) area() float64 {
	if len(f.BBox) < 4 {
		return 0
	}
	return float64(f.BBox[2]-f.BBox[0]) * float64(f.BBox[3]-f.BBox[1])
}

// EmbedResult is the /embed response body.
type EmbedResult struct {
	Faces           []Face  `json:"faces"`
	InferenceTimeMs float32 `json:"inference_time_ms"`
}

// Gallery holds enrolled worker embeddings, L2-normalised on insert.
type Gallery struct {
	mu      sync.RWMutex
	workers map[string][][]float64
}

// NewGallery creates an empty gallery.
func NewGallery() *Gallery {
	return &Gallery{workers: make(map[string][][]float64)}
}

// Add enrolls one embedding for a worker. Zero vectors are ignored.
func (g *Gallery) Add(workerID string, embedding []float32) {
	v := normalize(embedding)
	if v == nil {
		return
	}
	g.mu.Lock()
	g.workers[workerID] = append(g.workers[workerID], v)
	g.mu.Unlock()
}

// Replace swaps the whole gallery, used when reloading from storage.
func (g *Gallery) Replace(workers map[string][][]float32) {
	next := make(map[string][][]float64, len(workers))
	for id, embs := range workers {
		for _, e := range embs {
			if v := normalize(e); v != nil {
				next[id] = append(next[id], v)
			}
		}
	}
	g.mu.Lock()
	g.workers = next
	g.mu.Unlock()
}

// Len returns the number of enrolled workers.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.workers)
}

// Counts returns the number of embeddings per worker.
func (g *Gallery) Counts() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int, len(g.workers))
	for id, vectors := range g.workers {
		out[id] = len(vectors)
	}
	return out
}

// Remove drops a worker. It reports whether the worker was enrolled.
func (g *Gallery) Remove(workerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.workers[workerID]; !ok {
		return false
	}
	delete(g.workers, workerID)
	return true
}

// Match returns the best worker by cosine similarity, or UnknownWorker when
// the best score is below threshold.
func (g *Gallery) Match(embedding []float32, threshold float64) (string, float64) {
	q := normalize(embedding)
	if q == nil {
		return UnknownWorker, 0
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	bestID, bestScore := UnknownWorker, -1.0
	for id, vectors := range g.workers {
		for _, v := range vectors {
			if len(v) != len(q) {
				continue
			}
			var dot float64
			for i := range v {
				dot += v[i] * q[i]
			}
			if dot > bestScore {
				bestID, bestScore = id, dot
			}
		}
	}
	if bestScore < threshold {
		return UnknownWorker, bestScore
	}
	return bestID, bestScore
}

func normalize(e []float32) []float64 {
	var sum float64
	for _, x := range e {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil
	}
	n := math.Sqrt(sum)
	out := make([]float64, len(e))
	for i, x := range e {
		out[i] = float64(x) / n
	}
	return out
}

// FaceRecognizerConfig holds configuration for the face embedding service.
type FaceRecognizerConfig struct {
	Enabled             bool
	ServiceEndpoint     string
	SimilarityThreshold float64
}

// FaceRecognizer identifies the most prominent worker in a frame using an
// external embedding service and the local gallery.
type FaceRecognizer struct {
	endpoint  string
	client    *http.Client
	enabled   bool
	threshold float64
	gallery   *Gallery
}

// NewFaceRecognizer creates a new face recognition client.
func NewFaceRecognizer(config FaceRecognizerConfig, gallery *Gallery) *FaceRecognizer {
	threshold := config.SimilarityThreshold
	if threshold <= 0 {
		threshold = DefaultFaceThreshold
	}
	if gallery == nil {
		gallery = NewGallery()
	}
	return &FaceRecognizer{
		endpoint:  config.ServiceEndpoint,
		enabled:   config.Enabled,
		threshold: threshold,
		gallery:   gallery,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Gallery exposes the enrolled embeddings.
func (fr *FaceRecognizer) Gallery() *Gallery {
	return fr.gallery
}

// Recognize returns the worker id of the largest face, UnknownWorker when no
// face matches. Errors are only returned for transport problems.
func (fr *FaceRecognizer) Recognize(ctx context.Context, img image.Image) (string, error) {
	if !fr.enabled {
		return UnknownWorker, ErrBackendDisabled
	}

	faces, err := fr.Embed(ctx, img)
	if err != nil {
		return UnknownWorker, err
	}
	largest, ok := LargestFace(faces)
	if !ok {
		return UnknownWorker, nil
	}

	id, _ := fr.gallery.Match(largest.Embedding, fr.threshold)
	return id, nil
}

// LargestFace picks the face with the biggest box. It reports false when
// there is no face with a positive area.
func LargestFace(faces []Face) (Face, bool) {
	if len(faces) == 0 {
		return Face{}, false
	}
	largest := faces[0]
	for _, f := range faces[1:] {
		if f.area() > largest.area() {
			largest = f
		}
	}
	return largest, largest.area() > 0
}

// Embed posts the image to the embedding service and returns every face.
func (fr *FaceRecognizer) Embed(ctx context.Context, img image.Image) ([]Face, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(buf.Bytes()); err != nil {
		return nil, err
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fr.endpoint+"/embed", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := fr.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call face service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("face service returned status %d", resp.StatusCode)
	}

	var result EmbedResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode face response: %w", err)
	}
	return result.Faces, nil
}
