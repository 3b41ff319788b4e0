package camera

import (
	"bytes"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// jpegSplitter cuts a concatenated MJPEG byte stream into whole frames.
type jpegSplitter struct {
	buf []byte
}

// Write appends stream bytes.
func (s *jpegSplitter) Write(p []byte) {
	s.buf = append(s.buf, p...)
}

// Next returns the next complete frame, or nil if none is buffered yet.
// Bytes before a start marker are discarded.
func (s *jpegSplitter) Next() []byte {
	start := bytes.Index(s.buf, jpegSOI)
	if start == -1 {
		// keep a trailing 0xFF, it may be half a marker
		if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
			s.buf = s.buf[n-1:]
		} else {
			s.buf = s.buf[:0]
		}
		return nil
	}

	end := bytes.Index(s.buf[start+2:], jpegEOI)
	if end == -1 {
		if start > 0 {
			s.buf = append(s.buf[:0], s.buf[start:]...)
		}
		return nil
	}
	end += start + 2 + len(jpegEOI)

	frame := make([]byte, end-start)
	copy(frame, s.buf[start:end])
	s.buf = append(s.buf[:0], s.buf[end:]...)
	return frame
}
