package stream

import (
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesafe/internal/detection"
	"sitesafe/internal/geofence"
	"sitesafe/internal/geometry"
)

func gray(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 100
	}
	return img
}

func TestAnnotateDrawsOnCopy(t *testing.T) {
	src := gray(200, 200)
	dets := []detection.Detection{{
		Class:      "NO-Hardhat",
		Confidence: 0.91,
		BBox:       geometry.Box{X1: 50, Y1: 50, X2: 150, Y2: 150},
	}}

	out := NewAnnotator().Annotate(src, dets, nil).(*image.RGBA)

	assert.Equal(t, color.RGBA{100, 100, 100, 100}, src.RGBAAt(50, 100), "input untouched")
	assert.Equal(t, violationColor, out.RGBAAt(50, 100))
	assert.Equal(t, violationColor, out.RGBAAt(150, 120))
	assert.Equal(t, src.RGBAAt(100, 100), out.RGBAAt(100, 100), "interior untouched")
}

func TestAnnotateZoneFill(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for i := 3; i < len(src.Pix); i += 4 {
		src.Pix[i] = 255
	}
	zone := geofence.Zone{
		Name:   "Dock",
		Points: [][]float64{{20, 20}, {80, 20}, {80, 80}, {20, 80}},
		Color:  []int{0, 0, 255},
		Alpha:  0.5,
	}

	a := &Annotator{Thickness: 1}
	out := a.Annotate(src, nil, []geofence.Zone{zone}).(*image.RGBA)

	inside := out.RGBAAt(50, 50)
	assert.InDelta(t, 128, int(inside.B), 2)
	assert.Zero(t, inside.R)
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, out.RGBAAt(5, 5))
	assert.Equal(t, color.RGBA{0, 0, 255, 255}, out.RGBAAt(20, 50), "border")
}

func TestAnnotateZeroAlphaDrawsOutlineOnly(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for i := 3; i < len(src.Pix); i += 4 {
		src.Pix[i] = 255
	}
	zone := geofence.Zone{
		Name:   "Outline",
		Points: [][]float64{{20, 20}, {80, 20}, {80, 80}, {20, 80}},
		Color:  []int{0, 0, 255},
	}

	out := (&Annotator{Thickness: 1}).Annotate(src, nil, []geofence.Zone{zone}).(*image.RGBA)
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, out.RGBAAt(50, 50))
	assert.Equal(t, color.RGBA{0, 0, 255, 255}, out.RGBAAt(20, 50), "border")
}

func TestAnnotateSkipsInvalidZones(t *testing.T) {
	src := gray(50, 50)
	bad := geofence.Zone{Name: "Line", Points: [][]float64{{0, 0}, {40, 40}}}
	out := NewAnnotator().Annotate(src, nil, []geofence.Zone{bad}).(*image.RGBA)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestClassColor(t *testing.T) {
	assert.Equal(t, violationColor, ClassColor("NO-Mask"))
	assert.Equal(t, personColor, ClassColor("Person"))
	assert.Equal(t, equipmentColor, ClassColor("Hardhat"))
	assert.Equal(t, otherColor, ClassColor("vehicle"))
}

type closingFeed struct{ frames [][]byte }

func (f closingFeed) Subscribe(int) (<-chan []byte, func()) {
	ch := make(chan []byte, len(f.frames))
	for _, fr := range f.frames {
		ch <- fr
	}
	close(ch)
	return ch, func() {}
}

func TestMJPEGHandler(t *testing.T) {
	h := NewMJPEGHandler(closingFeed{frames: [][]byte{{0xFF, 0xD8, 0xFF, 0xD9}}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video_feed", nil))

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 4\r\n\r\n"))
	assert.True(t, strings.HasSuffix(body, "\xff\xd8\xff\xd9\r\n"))
}

func TestSnapshotHandler(t *testing.T) {
	var frame []byte
	h := NewSnapshotHandler(func() []byte { return frame })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	frame = []byte{0xFF, 0xD8, 0xFF, 0xD9}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, frame, rec.Body.Bytes())
}
