package detection

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Model input size the PPE network was exported with.
const (
	DefaultInputWidth  = 640
	DefaultInputHeight = 640
)

var letterboxFill = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// Letterbox resizes src to fit width x height keeping its aspect ratio and
// pads the remainder with grey. The returned Transform maps frame pixels to
// model pixels.
func Letterbox(src image.Image, width, height int) (*image.RGBA, Transform) {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: letterboxFill}, image.Point{}, draw.Src)

	if b.Dx() == 0 || b.Dy() == 0 {
		return dst, Transform{Scale: 1}
	}

	r := min(float64(width)/float64(b.Dx()), float64(height)/float64(b.Dy()))
	nw, nh := int(float64(b.Dx())*r), int(float64(b.Dy())*r)
	left, top := (width-nw)/2, (height-nh)/2

	draw.BiLinear.Scale(dst, image.Rect(left, top, left+nw, top+nh), src, b, draw.Src, nil)

	return dst, Transform{Scale: r, PadX: float64(left), PadY: float64(top)}
}
