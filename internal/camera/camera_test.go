package camera

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodedFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func TestJPEGSplitter(t *testing.T) {
	a := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 4, 0xFF, 0xD9}

	var s jpegSplitter
	s.Write([]byte{9, 9})
	s.Write(a[:4])
	assert.Nil(t, s.Next())

	s.Write(a[4:])
	s.Write(b[:1])
	assert.Equal(t, a, s.Next())
	assert.Nil(t, s.Next())

	s.Write(b[1:])
	assert.Equal(t, b, s.Next())
	assert.Nil(t, s.Next())
}

func TestJPEGSplitterRealFrames(t *testing.T) {
	f1, f2 := encodedFrame(t, 32, 24), encodedFrame(t, 16, 16)
	stream := append(append([]byte{}, f1...), f2...)

	var s jpegSplitter
	for i := 0; i < len(stream); i += 100 {
		end := min(i+100, len(stream))
		s.Write(stream[i:end])
	}
	assert.Equal(t, f1, s.Next())
	assert.Equal(t, f2, s.Next())
}

func TestResolveDevice(t *testing.T) {
	assert.Equal(t, "/dev/video0", ResolveDevice("0"))
	assert.Equal(t, "/dev/video2", ResolveDevice("2"))
	assert.Equal(t, "rtsp://cam/stream", ResolveDevice("rtsp://cam/stream"))
}

func TestArgsByDevice(t *testing.T) {
	v4l := NewFFmpegSource(Config{Device: "0", Width: 1280, Height: 720, FPS: 10})
	assert.Equal(t, []string{
		"-f", "v4l2", "-video_size", "1280x720", "-framerate", "10", "-i", "/dev/video0",
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-",
	}, v4l.args())

	rtsp := NewFFmpegSource(Config{Device: "rtsp://cam/live"})
	assert.Equal(t, []string{"-rtsp_transport", "tcp", "-i", "rtsp://cam/live", "-r", "15"}, rtsp.args()[:6])

	file := NewFileSource("/tmp/in.mp4", Config{})
	assert.Equal(t, []string{"-nostdin", "-i", "/tmp/in.mp4"}, file.args()[:3])
}

func TestNewSourcePicksHTTPForSnapshots(t *testing.T) {
	assert.IsType(t, &HTTPSource{}, NewSource(Config{Device: "http://cam/snapshot.jpg"}))
	assert.IsType(t, &FFmpegSource{}, NewSource(Config{Device: "http://cam/stream.mjpg"}))
	assert.IsType(t, &FFmpegSource{}, NewSource(Config{}))
}

func TestOpenMissingDevice(t *testing.T) {
	src := NewFFmpegSource(Config{Device: "/dev/video-does-not-exist"})
	err := src.Open(context.Background())
	assert.ErrorIs(t, err, ErrNoDevice)
	assert.False(t, src.Ready())
	assert.NoError(t, src.Close())

	_, err = src.Read(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestHTTPSource(t *testing.T) {
	frame := encodedFrame(t, 64, 48)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	defer srv.Close()

	src := NewHTTPSource(Config{Device: srv.URL + "/snapshot.jpg", FPS: 30})
	require.NoError(t, src.Open(context.Background()))
	assert.True(t, src.Ready())

	img, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	require.NoError(t, src.Close())
	_, err = src.Read(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestHTTPSourceOpenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewHTTPSource(Config{Device: srv.URL + "/snapshot.jpg"})
	assert.Error(t, src.Open(context.Background()))
	assert.False(t, src.Ready())
}

func TestParseFrameRate(t *testing.T) {
	fps, err := parseFrameRate("30000/1001\n")
	require.NoError(t, err)
	assert.InDelta(t, 29.97, fps, 0.01)

	fps, err = parseFrameRate("25")
	require.NoError(t, err)
	assert.Equal(t, 25.0, fps)

	_, err = parseFrameRate("25/0")
	assert.Error(t, err)
}
