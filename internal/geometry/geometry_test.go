package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(size float64) Polygon {
	return Polygon{{0, 0}, {0, size}, {size, size}, {size, 0}}
}

func TestGroundPoint(t *testing.T) {
	p := GroundPoint(Box{X1: 10, Y1: 20, X2: 30, Y2: 60})
	assert.Equal(t, Point{X: 20, Y: 60}, p)
}

func TestIoU(t *testing.T) {
	a := Box{0, 0, 10, 10}

	assert.InDelta(t, 1.0, IoU(a, a), 1e-6)
	assert.InDelta(t, 0.0, IoU(a, Box{20, 20, 30, 30}), 1e-9)
	// half overlap: inter 50, union 150
	assert.InDelta(t, 1.0/3.0, IoU(a, Box{5, 0, 15, 10}), 1e-6)
	assert.Equal(t, 0.0, IoU(Box{}, Box{}))
}

func TestBoxClampAndValid(t *testing.T) {
	b := Box{-5, -5, 700, 500}.Clamp(640, 480)
	assert.Equal(t, Box{0, 0, 640, 480}, b)
	assert.True(t, b.Valid())

	assert.False(t, Box{10, 10, 10, 20}.Valid())
	assert.False(t, Box{-20, -20, -10, -10}.Clamp(640, 480).Valid())
}

func TestFromCenter(t *testing.T) {
	assert.Equal(t, Box{5, 10, 15, 30}, FromCenter(10, 20, 10, 20))
}

func TestPolygonContains(t *testing.T) {
	sq := square(10)

	tests := []struct {
		name string
		pt   Point
		want bool
	}{
		{"center", Point{5, 5}, true},
		{"near corner", Point{0.1, 9.9}, true},
		{"outside right", Point{11, 5}, false},
		{"outside above", Point{5, -1}, false},
		{"on edge", Point{10, 5}, false},
		{"on vertex", Point{0, 0}, false},
		{"on bottom edge", Point{5, 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sq.Contains(tt.pt))
		})
	}
}

func TestPolygonContainsConcave(t *testing.T) {
	// U shape opening upwards
	u := Polygon{{0, 0}, {3, 0}, {3, 7}, {7, 7}, {7, 0}, {10, 0}, {10, 10}, {0, 10}}
	require.NoError(t, u.Validate())

	assert.True(t, u.Contains(Point{1, 5}))
	assert.True(t, u.Contains(Point{5, 8}))
	assert.False(t, u.Contains(Point{5, 3}))
}

func TestPolygonValidate(t *testing.T) {
	assert.NoError(t, square(10).Validate())
	assert.ErrorIs(t, Polygon{{0, 0}, {1, 1}}.Validate(), ErrTooFewPoints)
	assert.ErrorIs(t, Polygon{{0, 0}, {5, 5}, {10, 10}}.Validate(), ErrDegenerate)

	bowtie := Polygon{{0, 0}, {10, 10}, {10, 0}, {0, 10}}
	assert.False(t, bowtie.IsSimple())
	assert.ErrorIs(t, bowtie.Validate(), ErrSelfIntersecting)
}

func TestNewPolygonRoundTrip(t *testing.T) {
	pairs := [][]float64{{0, 0}, {0, 10}, {10, 10}, {10}}
	p := NewPolygon(pairs)
	require.Len(t, p, 3)
	assert.Equal(t, pairs[:3], p.Pairs())
	assert.Equal(t, Box{0, 0, 10, 10}, p.Bounds())
}
