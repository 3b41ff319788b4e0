package pipeline

import (
	"context"
	"image"
	"time"

	"sitesafe/internal/detection"
	"sitesafe/internal/geofence"
)

// FrameSource produces decoded frames from a camera or file.
type FrameSource interface {
	// Open acquires the device. It is called once per Start.
	Open(ctx context.Context) error

	// Ready reports whether a frame can be read without waiting for warm-up.
	Ready() bool

	// Read returns the next frame. Errors are transient; the loop retries.
	Read(ctx context.Context) (image.Image, error)

	// Close releases the device.
	Close() error
}

// Recognizer identifies the worker in a frame. It returns the worker id, or
// detection.UnknownWorker when nobody matches.
type Recognizer interface {
	Recognize(ctx context.Context, frame image.Image) (string, error)
}

// Annotator draws detections and zone overlays onto a copy of frame.
type Annotator interface {
	Annotate(frame image.Image, dets []detection.Detection, zones []geofence.Zone) image.Image
}

// Observer receives loop counters. Implementations must be safe for
// concurrent use; a nil Observer is allowed.
type Observer interface {
	FrameRead()
	ReadError()
	Inference(d time.Duration, err error)
	FrameFault()
	AlertFired(kind string)
	FramePublished(size int)
}

type nopObserver struct{}

func (nopObserver) FrameRead()                     {}
func (nopObserver) ReadError()                     {}
func (nopObserver) Inference(time.Duration, error) {}
func (nopObserver) FrameFault()                    {}
func (nopObserver) AlertFired(string)              {}
func (nopObserver) FramePublished(int)             {}
