package camera

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// VideoWriter encodes a sequence of JPEG frames into an H.264 MP4 via ffmpeg.
type VideoWriter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	frames int
}

// NewVideoWriter starts an encoder writing to path at fps.
func NewVideoWriter(ctx context.Context, ffmpegPath, path string, fps float64) (*VideoWriter, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if fps <= 0 {
		fps = 25
	}

	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-y",
		"-f", "image2pipe",
		"-framerate", strconv.FormatFloat(fps, 'f', 3, 64),
		"-i", "-",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		path,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	return &VideoWriter{cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

// WriteFrame appends one JPEG frame.
func (w *VideoWriter) WriteFrame(jpeg []byte) error {
	if _, err := w.stdin.Write(jpeg); err != nil {
		return fmt.Errorf("write frame %d: %w", w.frames, err)
	}
	w.frames++
	return nil
}

// Frames returns how many frames were written.
func (w *VideoWriter) Frames() int {
	return w.frames
}

// Close flushes the encoder and waits for it to exit.
func (w *VideoWriter) Close() error {
	w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("encoder failed: %w (stderr: %s)", err, w.stderr.String())
	}
	return nil
}

// ProbeFPS asks ffprobe for a video's frame rate.
func ProbeFPS(ctx context.Context, ffprobePath, path string) (float64, error) {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	out, err := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "csv=p=0",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseFrameRate(string(out))
}

// parseFrameRate parses ffprobe's "30000/1001" or "25" notation.
func parseFrameRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("parse frame rate %q: bad denominator", s)
	}
	return n / d, nil
}
