package geometry

import "math"

const onSegmentTolerance = 1e-9

// Polygon is an ordered ring of vertices; the closing edge is implicit.
type Polygon []Point

// NewPolygon builds a polygon from [x, y] pairs as they arrive over the wire.
// Pairs with fewer than two values are ignored.
func NewPolygon(pairs [][]float64) Polygon {
	p := make(Polygon, 0, len(pairs))
	for _, xy := range pairs {
		if len(xy) < 2 {
			continue
		}
		p = append(p, Point{X: xy[0], Y: xy[1]})
	}
	return p
}

// Pairs is the inverse of NewPolygon.
func (p Polygon) Pairs() [][]float64 {
	out := make([][]float64, len(p))
	for i, pt := range p {
		out[i] = []float64{pt.X, pt.Y}
	}
	return out
}

// Validate reports why the polygon cannot bound a well-defined interior.
func (p Polygon) Validate() error {
	if len(p) < 3 {
		return ErrTooFewPoints
	}
	if !p.IsSimple() {
		return ErrSelfIntersecting
	}
	if math.Abs(p.signedArea()) < onSegmentTolerance {
		return ErrDegenerate
	}
	return nil
}

// Contains reports whether pt lies strictly inside the polygon. Points on an
// edge or vertex are outside.
func (p Polygon) Contains(pt Point) bool {
	n := len(p)
	if n < 3 {
		return false
	}
	for i := 0; i < n; i++ {
		if onSegment(p[i], p[(i+1)%n], pt) {
			return false
		}
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := p[i], p[j]
		if (a.Y > pt.Y) != (b.Y > pt.Y) {
			xCross := (b.X-a.X)*(pt.Y-a.Y)/(b.Y-a.Y) + a.X
			if pt.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// IsSimple reports whether no two non-adjacent edges touch.
func (p Polygon) IsSimple() bool {
	n := len(p)
	if n < 3 {
		return false
	}
	for i := 0; i < n; i++ {
		a1, a2 := p[i], p[(i+1)%n]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			b1, b2 := p[j], p[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return false
			}
		}
	}
	return true
}

// Bounds returns the polygon's bounding box.
func (p Polygon) Bounds() Box {
	if len(p) == 0 {
		return Box{}
	}
	b := Box{X1: p[0].X, Y1: p[0].Y, X2: p[0].X, Y2: p[0].Y}
	for _, pt := range p[1:] {
		b.X1 = math.Min(b.X1, pt.X)
		b.Y1 = math.Min(b.Y1, pt.Y)
		b.X2 = math.Max(b.X2, pt.X)
		b.Y2 = math.Max(b.Y2, pt.Y)
	}
	return b
}

func (p Polygon) signedArea() float64 {
	var sum float64
	for i := range p {
		a, b := p[i], p[(i+1)%len(p)]
		sum += a.X*b.Y - b.X*a.Y
	}
	return sum / 2
}

func cross(o, a, b Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

func onSegment(a, b, pt Point) bool {
	if math.Abs(cross(a, b, pt)) > onSegmentTolerance {
		return false
	}
	return pt.X >= math.Min(a.X, b.X)-onSegmentTolerance &&
		pt.X <= math.Max(a.X, b.X)+onSegmentTolerance &&
		pt.Y >= math.Min(a.Y, b.Y)-onSegmentTolerance &&
		pt.Y <= math.Max(a.Y, b.Y)+onSegmentTolerance
}

func orientation(a, b, c Point) int {
	v := cross(a, b, c)
	switch {
	case v > onSegmentTolerance:
		return 1
	case v < -onSegmentTolerance:
		return -1
	}
	return 0
}

func segmentsIntersect(p1, p2, q1, q2 Point) bool {
	o1 := orientation(p1, p2, q1)
	o2 := orientation(p1, p2, q2)
	o3 := orientation(q1, q2, p1)
	o4 := orientation(q1, q2, p2)

	if o1 != o2 && o3 != o4 && o1 != 0 && o2 != 0 && o3 != 0 && o4 != 0 {
		return true
	}
	return (o1 == 0 && onSegment(p1, p2, q1)) ||
		(o2 == 0 && onSegment(p1, p2, q2)) ||
		(o3 == 0 && onSegment(q1, q2, p1)) ||
		(o4 == 0 && onSegment(q1, q2, p2))
}
