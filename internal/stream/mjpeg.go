// Package stream serves annotated frames over HTTP and draws overlays.
package stream

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
)

// FrameSubscriber hands out encoded frame feeds.
type FrameSubscriber interface {
	Subscribe(buffer int) (<-chan []byte, func())
}

// LatestFrame returns the most recent encoded frame, or nil.
type LatestFrame func() []byte

// MJPEGHandler serves a multipart/x-mixed-replace stream of JPEG frames.
type MJPEGHandler struct {
	frames FrameSubscriber
}

// NewMJPEGHandler creates a handler fed by frames.
func NewMJPEGHandler(frames FrameSubscriber) *MJPEGHandler {
	return &MJPEGHandler{frames: frames}
}

// ServeHTTP streams frames until the client goes away or the feed closes.
func (h *MJPEGHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, unsubscribe := h.frames.Subscribe(5)
	defer unsubscribe()

	log.Printf("[MJPEGStream] Client connected from %s", r.RemoteAddr)
	defer log.Printf("[MJPEGStream] Client disconnected from %s", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// SnapshotHandler serves the latest frame as a single JPEG.
type SnapshotHandler struct {
	latest LatestFrame
}

// NewSnapshotHandler creates a snapshot handler.
func NewSnapshotHandler(latest LatestFrame) *SnapshotHandler {
	return &SnapshotHandler{latest: latest}
}

func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame := h.latest()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Write(frame)
}
