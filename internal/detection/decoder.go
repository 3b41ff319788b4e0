package detection

import (
	"math"

	"sitesafe/internal/geometry"
)

const (
	DefaultConfThreshold = 0.25
	DefaultIoUThreshold  = 0.5
)

// Decoder turns raw YOLO-style head output into frame-space detections.
type Decoder struct {
	Classes       []string
	ConfThreshold float64
	IoUThreshold  float64
}

// NewDecoder returns a decoder for the PPE vocabulary with default thresholds.
func NewDecoder() *Decoder {
	return &Decoder{
		Classes:       ClassNames,
		ConfThreshold: DefaultConfThreshold,
		IoUThreshold:  DefaultIoUThreshold,
	}
}

// Decode validates the tensor, keeps the best class per anchor above the
// confidence threshold, undoes the letterbox, clamps to the frame and runs
// class-wise NMS. frameW and frameH are the original frame dimensions.
func (d *Decoder) Decode(out RawOutput, tf Transform, frameW, frameH int) ([]Detection, error) {
	if len(d.Classes) == 0 {
		return nil, ErrNoClasses
	}
	if err := out.Validate(len(d.Classes)); err != nil {
		return nil, err
	}
	if tf.Scale <= 0 {
		return nil, ErrInvalidScale
	}

	w, h := float64(frameW), float64(frameH)
	candidates := make([]Detection, 0, 64)

	for a := 0; a < out.Anchors; a++ {
		classID, conf := -1, math.Inf(-1)
		for c := range d.Classes {
			if s := out.at(a, 4+c); !math.IsNaN(s) && s > conf {
				classID, conf = c, s
			}
		}
		// Scores outside [0,1] mean a broken head; drop the anchor.
		if classID < 0 || conf < d.ConfThreshold || conf > 1 {
			continue
		}

		cx, cy, bw, bh := out.at(a, 0), out.at(a, 1), out.at(a, 2), out.at(a, 3)
		if !finite(cx, cy, bw, bh) {
			continue
		}
		box := geometry.FromCenter(cx, cy, bw, bh)
		box = tf.Invert(box).Clamp(w, h)
		if !box.Valid() {
			continue
		}

		candidates = append(candidates, Detection{
			Class:      d.Classes[classID],
			Confidence: conf,
			BBox:       box,
		})
	}

	return NMS(candidates, d.IoUThreshold), nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
