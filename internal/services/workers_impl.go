package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log"
	"sort"

	"github.com/samber/lo"

	"sitesafe/internal/detection"
)

// EmbeddingStore persists the face gallery.
type EmbeddingStore interface {
	SaveEmbedding(workerID string, embedding []float32) error
	ListEmbeddings() (map[string][][]float32, error)
	DeleteWorker(workerID string) (int64, error)
}

// FaceEmbedder turns an image into face embeddings.
type FaceEmbedder interface {
	Embed(ctx context.Context, img image.Image) ([]detection.Face, error)
}

// EnrollPayload carries a precomputed embedding.
type EnrollPayload struct {
	Embedding []float32 `json:"embedding"`
}

// WorkerInfo is one enrolled worker.
type WorkerInfo struct {
	ID         string `json:"id"`
	Embeddings int    `json:"embeddings"`
}

// WorkersImplementation manages the face gallery
type WorkersImplementation struct {
	gallery  *detection.Gallery
	store    EmbeddingStore
	embedder FaceEmbedder
}

// NewWorkersService creates the workers service. store and embedder may be
// nil.
func NewWorkersService(gallery *detection.Gallery, store EmbeddingStore, embedder FaceEmbedder) *WorkersImplementation {
	return &WorkersImplementation{gallery: gallery, store: store, embedder: embedder}
}

// Reload replaces the in-memory gallery with the stored embeddings.
func (w *WorkersImplementation) Reload() error {
	if w.store == nil {
		return nil
	}
	workers, err := w.store.ListEmbeddings()
	if err != nil {
		return fmt.Errorf("failed to load face gallery: %w", err)
	}
	w.gallery.Replace(workers)
	log.Printf("[Workers] Loaded %d workers into the face gallery", w.gallery.Len())
	return nil
}

// Enroll adds an embedding for a worker.
func (w *WorkersImplementation) Enroll(ctx context.Context, workerID string, p *EnrollPayload) (*WorkerInfo, error) {
	if workerID == "" || workerID == detection.UnknownWorker {
		return nil, newError(ErrBadRequest, "invalid worker id %q", workerID)
	}
	if len(p.Embedding) == 0 {
		return nil, newError(ErrBadRequest, "embedding is empty")
	}
	return w.add(workerID, p.Embedding)
}

// EnrollImage embeds the largest face in an image and adds it for a worker.
func (w *WorkersImplementation) EnrollImage(ctx context.Context, workerID string, data []byte) (*WorkerInfo, error) {
	if workerID == "" || workerID == detection.UnknownWorker {
		return nil, newError(ErrBadRequest, "invalid worker id %q", workerID)
	}
	if w.embedder == nil {
		return nil, newError(ErrUnavailable, "face recognition is not configured")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, newError(ErrBadRequest, "could not decode image: %v", err)
	}
	faces, err := w.embedder.Embed(ctx, img)
	if err != nil {
		return nil, newError(ErrUnavailable, "face service: %v", err)
	}
	face, ok := detection.LargestFace(faces)
	if !ok || len(face.Embedding) == 0 {
		return nil, newError(ErrBadRequest, "no face found in image")
	}
	return w.add(workerID, face.Embedding)
}

func (w *WorkersImplementation) add(workerID string, embedding []float32) (*WorkerInfo, error) {
	if !lo.SomeBy(embedding, func(x float32) bool { return x != 0 }) {
		return nil, newError(ErrBadRequest, "embedding is a zero vector")
	}
	if w.store != nil {
		if err := w.store.SaveEmbedding(workerID, embedding); err != nil {
			return nil, err
		}
	}
	w.gallery.Add(workerID, embedding)
	log.Printf("[Workers] Enrolled embedding for %s", workerID)
	return w.info(workerID), nil
}

func (w *WorkersImplementation) info(workerID string) *WorkerInfo {
	for _, wi := range w.list() {
		if wi.ID == workerID {
			return &wi
		}
	}
	return &WorkerInfo{ID: workerID}
}

// List returns enrolled workers sorted by id.
func (w *WorkersImplementation) List(ctx context.Context) ([]WorkerInfo, error) {
	return w.list(), nil
}

func (w *WorkersImplementation) list() []WorkerInfo {
	counts := w.gallery.Counts()
	out := make([]WorkerInfo, 0, len(counts))
	for id, n := range counts {
		out = append(out, WorkerInfo{ID: id, Embeddings: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delete removes a worker's embeddings.
func (w *WorkersImplementation) Delete(ctx context.Context, workerID string) error {
	if w.store != nil {
		n, err := w.store.DeleteWorker(workerID)
		if err != nil {
			return err
		}
		if n == 0 {
			return newError(ErrNotFound, "worker %q not found", workerID)
		}
		return w.Reload()
	}
	if !w.gallery.Remove(workerID) {
		return newError(ErrNotFound, "worker %q not found", workerID)
	}
	return nil
}
