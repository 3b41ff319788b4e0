// Package geometry holds the pure 2D helpers used by detection decoding and
// geofencing. Coordinates are frame pixels with the origin at the top-left.
package geometry

import (
	"errors"
	"math"
)

var (
	ErrTooFewPoints     = errors.New("polygon needs at least 3 points")
	ErrSelfIntersecting = errors.New("polygon edges intersect")
	ErrDegenerate       = errors.New("polygon has zero area")
)

// iouEpsilon keeps IoU finite for zero-area pairs.
const iouEpsilon = 1e-6

// Point is a pixel position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned rectangle in corner form.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the horizontal extent, never negative.
func (b Box) Width() float64 { return math.Max(0, b.X2-b.X1) }

// Height returns the vertical extent, never negative.
func (b Box) Height() float64 { return math.Max(0, b.Y2-b.Y1) }

// Area returns Width*Height.
func (b Box) Area() float64 { return b.Width() * b.Height() }

// Valid reports whether the box has positive width and height.
func (b Box) Valid() bool { return b.X2 > b.X1 && b.Y2 > b.Y1 }

// Clamp limits the box to [0,w]x[0,h].
func (b Box) Clamp(w, h float64) Box {
	return Box{
		X1: clamp(b.X1, 0, w),
		Y1: clamp(b.Y1, 0, h),
		X2: clamp(b.X2, 0, w),
		Y2: clamp(b.Y2, 0, h),
	}
}

// FromCenter converts a center-form (cx, cy, w, h) box to corner form.
func FromCenter(cx, cy, w, h float64) Box {
	return Box{
		X1: cx - w/2,
		Y1: cy - h/2,
		X2: cx + w/2,
		Y2: cy + h/2,
	}
}

// GroundPoint is the bottom-center of the box, the proxy for where the
// object touches the floor.
func GroundPoint(b Box) Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: b.Y2}
}

// IoU returns intersection-over-union of two boxes.
func IoU(a, b Box) float64 {
	inter := Box{
		X1: math.Max(a.X1, b.X1),
		Y1: math.Max(a.Y1, b.Y1),
		X2: math.Min(a.X2, b.X2),
		Y2: math.Min(a.Y2, b.Y2),
	}.Area()
	return inter / (a.Area() + b.Area() - inter + iouEpsilon)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
