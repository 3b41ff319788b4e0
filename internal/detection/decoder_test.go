package detection

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesafe/internal/geometry"
)

type anchor struct {
	cx, cy, w, h float32
	class        int
	score        float32
}

func classIndex(t *testing.T, name string) int {
	t.Helper()
	for i, c := range ClassNames {
		if c == name {
			return i
		}
	}
	t.Fatalf("unknown class %q", name)
	return -1
}

func anchorMajor(anchors ...anchor) RawOutput {
	attrs := 4 + len(ClassNames)
	data := make([]float32, 0, len(anchors)*attrs)
	for _, a := range anchors {
		row := make([]float32, attrs)
		row[0], row[1], row[2], row[3] = a.cx, a.cy, a.w, a.h
		row[4+a.class] = a.score
		data = append(data, row...)
	}
	return RawOutput{Data: data, Anchors: len(anchors), Attributes: attrs, Layout: AnchorMajor}
}

func transpose(o RawOutput) RawOutput {
	data := make([]float32, len(o.Data))
	for a := 0; a < o.Anchors; a++ {
		for k := 0; k < o.Attributes; k++ {
			data[k*o.Anchors+a] = o.Data[a*o.Attributes+k]
		}
	}
	return RawOutput{Data: data, Anchors: o.Anchors, Attributes: o.Attributes, Layout: ChannelMajor}
}

var identity = Transform{Scale: 1}

func TestDecodeOverlappingVehiclesKeepsBest(t *testing.T) {
	vehicle := classIndex(t, "vehicle")
	out := anchorMajor(
		anchor{cx: 5, cy: 5, w: 10, h: 10, class: vehicle, score: 0.8},
		anchor{cx: 5, cy: 3.5, w: 10, h: 7, class: vehicle, score: 0.6}, // IoU 0.7
	)

	dets, err := NewDecoder().Decode(out, identity, 100, 100)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "vehicle", dets[0].Class)
	assert.InDelta(t, 0.8, dets[0].Confidence, 1e-6)
}

func TestDecodeDropsLowConfidence(t *testing.T) {
	person := classIndex(t, "Person")
	out := anchorMajor(
		anchor{cx: 50, cy: 50, w: 20, h: 40, class: person, score: 0.2},
		anchor{cx: 20, cy: 20, w: 10, h: 10, class: person, score: 0.25},
	)

	dets, err := NewDecoder().Decode(out, identity, 100, 100)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, geometry.Box{X1: 15, Y1: 15, X2: 25, Y2: 25}, dets[0].BBox)
}

func TestDecodeRejectsNonFiniteAndOutOfRangeScores(t *testing.T) {
	hardhat := classIndex(t, "Hardhat")
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	tests := []struct {
		name string
		a    anchor
	}{
		{"nan score", anchor{cx: 50, cy: 50, w: 20, h: 20, class: hardhat, score: nan}},
		{"inf score", anchor{cx: 50, cy: 50, w: 20, h: 20, class: hardhat, score: inf}},
		{"score above one", anchor{cx: 50, cy: 50, w: 20, h: 20, class: hardhat, score: 3.5}},
		{"nan center", anchor{cx: nan, cy: 50, w: 20, h: 20, class: hardhat, score: 0.9}},
		{"inf width", anchor{cx: 50, cy: 50, w: inf, h: 20, class: hardhat, score: 0.9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets, err := NewDecoder().Decode(anchorMajor(tt.a), identity, 100, 100)
			require.NoError(t, err)
			assert.Empty(t, dets)
		})
	}
}

func TestDecodeNaNClassDoesNotWinArgMax(t *testing.T) {
	hardhat := classIndex(t, "Hardhat")
	mask := classIndex(t, "Mask")
	out := anchorMajor(anchor{cx: 50, cy: 50, w: 20, h: 20, class: mask, score: 0.7})
	out.Data[4+hardhat] = float32(math.NaN())

	dets, err := NewDecoder().Decode(out, identity, 100, 100)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "Mask", dets[0].Class)
	assert.InDelta(t, 0.7, dets[0].Confidence, 1e-6)
}

func TestDecodeUndoesLetterboxAndClamps(t *testing.T) {
	hardhat := classIndex(t, "Hardhat")
	// 1280x720 frame letterboxed into 640x640: scale 0.5, pad top 140
	tf := Transform{Scale: 0.5, PadX: 0, PadY: 140}
	out := anchorMajor(
		anchor{cx: 320, cy: 320, w: 100, h: 100, class: hardhat, score: 0.9},
		anchor{cx: 630, cy: 150, w: 40, h: 40, class: hardhat, score: 0.7},
	)

	dets, err := NewDecoder().Decode(out, tf, 1280, 720)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.InDelta(t, 540, dets[0].BBox.X1, 1e-6)
	assert.InDelta(t, 260, dets[0].BBox.Y1, 1e-6)
	assert.InDelta(t, 740, dets[0].BBox.X2, 1e-6)
	assert.InDelta(t, 460, dets[0].BBox.Y2, 1e-6)

	// second box spills past the right edge and above the top
	assert.Equal(t, 1280.0, dets[1].BBox.X2)
	assert.Equal(t, 0.0, dets[1].BBox.Y1)
}

func TestDecodeDropsDegenerateBoxes(t *testing.T) {
	mask := classIndex(t, "Mask")
	out := anchorMajor(
		anchor{cx: 10, cy: 10, w: 0, h: 10, class: mask, score: 0.9},
		anchor{cx: -50, cy: -50, w: 10, h: 10, class: mask, score: 0.9},
	)

	dets, err := NewDecoder().Decode(out, identity, 100, 100)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestDecodeChannelMajorMatchesAnchorMajor(t *testing.T) {
	out := anchorMajor(
		anchor{cx: 10, cy: 10, w: 8, h: 8, class: 2, score: 0.9},
		anchor{cx: 60, cy: 60, w: 8, h: 8, class: 5, score: 0.6},
	)

	a, err := NewDecoder().Decode(out, identity, 100, 100)
	require.NoError(t, err)
	b, err := NewDecoder().Decode(transpose(out), identity, 100, 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, a, b)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	d := NewDecoder()

	_, err := d.Decode(RawOutput{Data: make([]float32, 10), Anchors: 1, Attributes: 10}, identity, 10, 10)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = d.Decode(RawOutput{Data: make([]float32, 13), Anchors: 1, Attributes: 14}, identity, 10, 10)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = d.Decode(anchorMajor(), Transform{}, 10, 10)
	assert.ErrorIs(t, err, ErrInvalidScale)
}

func TestRawOutputFromShape(t *testing.T) {
	n := 3
	data := make([]float32, 14*n)

	out, err := RawOutputFromShape([]int{1, 14, n}, data, 10)
	require.NoError(t, err)
	assert.Equal(t, ChannelMajor, out.Layout)
	assert.Equal(t, n, out.Anchors)

	out, err = RawOutputFromShape([]int{n, 14}, data, 10)
	require.NoError(t, err)
	assert.Equal(t, AnchorMajor, out.Layout)

	_, err = RawOutputFromShape([]int{1, 2, 3, 4}, data, 10)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
