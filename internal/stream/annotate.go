package stream

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"sitesafe/internal/detection"
	"sitesafe/internal/geofence"
	"sitesafe/internal/geometry"
	"sitesafe/internal/rules"
)

var (
	violationColor = color.RGBA{255, 0, 0, 255}
	personColor    = color.RGBA{0, 128, 255, 255}
	equipmentColor = color.RGBA{0, 200, 0, 255}
	otherColor     = color.RGBA{255, 165, 0, 255}
	labelBG        = color.RGBA{0, 0, 0, 180}
)

var equipmentClasses = map[string]bool{
	"Hardhat":     true,
	"Mask":        true,
	"Safety Vest": true,
	"Safety Cone": true,
}

// Annotator draws zones and detections. It never modifies its input.
type Annotator struct {
	Thickness  int
	ShowLabels bool
}

// NewAnnotator creates an annotator with 2px strokes and labels on.
func NewAnnotator() *Annotator {
	return &Annotator{Thickness: 2, ShowLabels: true}
}

// ClassColor picks the box color for a label.
func ClassColor(class string) color.RGBA {
	switch {
	case rules.IsViolation(class):
		return violationColor
	case class == detection.PersonClass:
		return personColor
	case equipmentClasses[class]:
		return equipmentColor
	}
	return otherColor
}

// Annotate returns a copy of frame with zone overlays underneath detection
// boxes. Invalid zones are not drawn.
func (a *Annotator) Annotate(frame image.Image, dets []detection.Detection, zones []geofence.Zone) image.Image {
	b := frame.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), frame, b.Min, draw.Src)

	for _, z := range zones {
		z = z.WithDefaults()
		if z.Validate() != nil {
			continue
		}
		a.drawZone(out, z)
	}

	for _, d := range dets {
		c := ClassColor(d.Class)
		x1, y1 := int(math.Round(d.BBox.X1)), int(math.Round(d.BBox.Y1))
		x2, y2 := int(math.Round(d.BBox.X2)), int(math.Round(d.BBox.Y2))
		a.rect(out, x1, y1, x2, y2, c)
		if a.ShowLabels {
			drawLabel(out, x1, y1-14, fmt.Sprintf("%s %.2f", d.Class, d.Confidence), c)
		}
	}
	return out
}

func (a *Annotator) drawZone(img *image.RGBA, z geofence.Zone) {
	poly := z.Polygon()
	c := color.RGBA{uint8(z.Color[0]), uint8(z.Color[1]), uint8(z.Color[2]), 255}

	// translucent fill through an alpha mask
	bounds := poly.Bounds()
	r := image.Rect(int(bounds.X1), int(bounds.Y1), int(math.Ceil(bounds.X2))+1, int(math.Ceil(bounds.Y2))+1).
		Intersect(img.Bounds())
	if !r.Empty() {
		mask := image.NewAlpha(r)
		level := uint8(math.Round(z.Alpha * 255))
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				if poly.Contains(geometry.Point{X: float64(x) + 0.5, Y: float64(y) + 0.5}) {
					mask.SetAlpha(x, y, color.Alpha{A: level})
				}
			}
		}
		draw.DrawMask(img, r, image.NewUniform(c), image.Point{}, mask, r.Min, draw.Over)
	}

	for i := range poly {
		p, q := poly[i], poly[(i+1)%len(poly)]
		a.line(img, int(p.X), int(p.Y), int(q.X), int(q.Y), c)
	}
	if a.ShowLabels && len(poly) > 0 {
		drawLabel(img, int(poly[0].X)+4, int(poly[0].Y)+4, z.Name, c)
	}
}

func (a *Annotator) rect(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	a.line(img, x1, y1, x2, y1, c)
	a.line(img, x2, y1, x2, y2, c)
	a.line(img, x2, y2, x1, y2, c)
	a.line(img, x1, y2, x1, y1, c)
}

// line draws a Bresenham line with a square pen.
func (a *Annotator) line(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	t := max(a.Thickness, 1)
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		for oy := 0; oy < t; oy++ {
			for ox := 0; ox < t; ox++ {
				setPixel(img, x0+ox-t/2, y0+oy-t/2, c)
			}
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(img.Rect) {
		img.SetRGBA(x, y, c)
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	x = max(x, 0)
	y = max(y, 0)

	face := basicfont.Face7x13
	w := font.MeasureString(face, label).Ceil()
	bg := image.Rect(x-2, y-2, x+w+2, y+14).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(labelBG), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
