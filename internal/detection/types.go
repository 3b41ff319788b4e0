package detection

import (
	"context"
	"errors"
	"fmt"
	"image"

	"sitesafe/internal/geometry"
)

// ClassNames is the label vocabulary of the PPE model, indexed by class id.
var ClassNames = []string{
	"Hardhat",
	"Mask",
	"NO-Hardhat",
	"NO-Mask",
	"NO-Safety Vest",
	"Person",
	"Safety Cone",
	"Safety Vest",
	"machinery",
	"vehicle",
}

// PersonClass is the label that identifies a worker.
const PersonClass = "Person"

var (
	ErrShapeMismatch   = errors.New("output tensor shape mismatch")
	ErrNoClasses       = errors.New("decoder has no class names")
	ErrInvalidScale    = errors.New("letterbox scale must be positive")
	ErrBackendDisabled = errors.New("inference backend disabled")
)

// Detection is one decoded, frame-space object.
type Detection struct {
	Class      string       `json:"class"`
	Confidence float64      `json:"confidence"`
	BBox       geometry.Box `json:"bbox"`
}

// Layout tells the decoder how the raw tensor is ordered.
type Layout int

const (
	// AnchorMajor is N rows of (4+C) values.
	AnchorMajor Layout = iota
	// ChannelMajor is (4+C) rows of N values, the native YOLOv8 head order.
	ChannelMajor
)

// RawOutput is the model head with the batch dimension removed.
type RawOutput struct {
	Data       []float32 `json:"data"`
	Anchors    int       `json:"anchors"`
	Attributes int       `json:"attributes"`
	Layout     Layout    `json:"layout"`
}

func (o RawOutput) at(anchor, attr int) float64 {
	if o.Layout == ChannelMajor {
		return float64(o.Data[attr*o.Anchors+anchor])
	}
	return float64(o.Data[anchor*o.Attributes+attr])
}

// Validate checks the tensor against the expected class count.
func (o RawOutput) Validate(numClasses int) error {
	if o.Anchors < 0 || o.Attributes != 4+numClasses {
		return fmt.Errorf("%w: got %d attributes, want %d", ErrShapeMismatch, o.Attributes, 4+numClasses)
	}
	if len(o.Data) != o.Anchors*o.Attributes {
		return fmt.Errorf("%w: %d values for %dx%d", ErrShapeMismatch, len(o.Data), o.Anchors, o.Attributes)
	}
	return nil
}

// Transform is the letterbox applied before inference: frame pixels are
// multiplied by Scale and shifted by (PadX, PadY).
type Transform struct {
	Scale float64 `json:"scale"`
	PadX  float64 `json:"pad_x"`
	PadY  float64 `json:"pad_y"`
}

// Invert maps a model-space box back into frame pixels.
func (t Transform) Invert(b geometry.Box) geometry.Box {
	return geometry.Box{
		X1: (b.X1 - t.PadX) / t.Scale,
		Y1: (b.Y1 - t.PadY) / t.Scale,
		X2: (b.X2 - t.PadX) / t.Scale,
		Y2: (b.Y2 - t.PadY) / t.Scale,
	}
}

// Inference is the opaque model's answer for one frame.
type Inference struct {
	Output    RawOutput
	Transform Transform
}

// Inferer runs the detection model on a frame.
type Inferer interface {
	Infer(ctx context.Context, frame image.Image) (*Inference, error)
	IsHealthy(ctx context.Context) bool
}
