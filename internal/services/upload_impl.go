package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"sitesafe/internal/camera"
	"sitesafe/internal/geofence"
	"sitesafe/internal/pipeline"
)

// UploadPrefix is the URL path annotated outputs are served under.
const UploadPrefix = "/uploads/"

// Analyzer runs detection and rules over a single image.
type Analyzer interface {
	Analyze(ctx context.Context, img image.Image, zones []geofence.Zone) (*pipeline.Analysis, error)
}

// MediaArchiver copies annotated outputs to long-term storage.
type MediaArchiver interface {
	SaveUpload(ctx context.Context, filename string, data []byte, contentType string) (string, error)
}

// UploadResult describes an analyzed upload.
type UploadResult struct {
	Violations     []string             `json:"violations"`
	ZoneViolations []geofence.Violation `json:"zone_violations"`
	Detections     int                  `json:"detections"`
	AnnotatedImage string               `json:"annotated_image,omitempty"`
	AnnotatedVideo string               `json:"annotated_video,omitempty"`
	Frames         int                  `json:"frames,omitempty"`
	Archived       string               `json:"archived,omitempty"`
}

// UploadConfig sets where outputs go and how video is handled.
type UploadConfig struct {
	Dir         string
	FFmpegPath  string
	FFprobePath string
	JPEGQuality int
}

// UploadImplementation analyzes uploaded images and videos
type UploadImplementation struct {
	analyzer Analyzer
	state    *pipeline.StreamState
	archiver MediaArchiver
	cfg      UploadConfig
}

// NewUploadService creates the upload service. archiver may be nil.
func NewUploadService(analyzer Analyzer, state *pipeline.StreamState, archiver MediaArchiver, cfg UploadConfig) (*UploadImplementation, error) {
	if cfg.Dir == "" {
		cfg.Dir = "uploads"
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &UploadImplementation{
		analyzer: analyzer,
		state:    state,
		archiver: archiver,
		cfg:      cfg,
	}, nil
}

// Dir is the directory served under UploadPrefix.
func (u *UploadImplementation) Dir() string { return u.cfg.Dir }

// zones returns the active zones when geofencing is on.
func (u *UploadImplementation) zones() []geofence.Zone {
	if u.state == nil || !u.state.GeofenceEnabled() {
		return nil
	}
	zones, _ := u.state.Zones()
	return zones
}

// UploadImage analyzes one image and stores the annotated copy. Uploads do
// not touch the live cooldowns or the report history.
func (u *UploadImplementation) UploadImage(ctx context.Context, filename string, data []byte) (*UploadResult, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, newError(ErrBadRequest, "could not decode image %q: %v", filename, err)
	}

	a, err := u.analyzer.Analyze(ctx, img, u.zones())
	if err != nil {
		return nil, newError(ErrUnavailable, "analysis failed: %v", err)
	}

	out, err := pipeline.EncodeJPEG(a.Annotated, u.cfg.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode annotated image: %w", err)
	}
	name := "annotated_" + uuid.NewString() + ".jpg"
	if err := os.WriteFile(filepath.Join(u.cfg.Dir, name), out, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write annotated image: %w", err)
	}

	result := &UploadResult{
		Violations:     nonNil(a.Violations),
		ZoneViolations: nonNilZones(a.Zones),
		Detections:     len(a.Detections),
		AnnotatedImage: UploadPrefix + name,
	}
	result.Archived = u.archive(ctx, name, out, "image/jpeg")
	log.Printf("[Upload] %s: %d detections, violations %v", filename, result.Detections, result.Violations)
	return result, nil
}

// UploadVideo decodes the video with ffmpeg, analyzes every frame and
// re-encodes the annotated frames as H.264.
func (u *UploadImplementation) UploadVideo(ctx context.Context, filename string, data []byte) (*UploadResult, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".mp4"
	}
	tmp, err := os.CreateTemp(u.cfg.Dir, "upload-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	tmp.Close()

	fps, err := camera.ProbeFPS(ctx, u.cfg.FFprobePath, tmp.Name())
	if err != nil {
		log.Printf("[Upload] Could not probe frame rate of %s, assuming 25: %v", filename, err)
		fps = 25
	}

	src := camera.NewFileSource(tmp.Name(), camera.Config{FFmpegPath: u.cfg.FFmpegPath})
	if err := src.Open(ctx); err != nil {
		return nil, newError(ErrBadRequest, "could not decode video %q: %v", filename, err)
	}
	defer src.Close()

	name := "annotated_" + uuid.NewString() + ".mp4"
	outPath := filepath.Join(u.cfg.Dir, name)
	writer, err := camera.NewVideoWriter(ctx, u.cfg.FFmpegPath, outPath, fps)
	if err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	zones := u.zones()
	violations := map[string]struct{}{}
	zoneHits := map[geofence.Violation]struct{}{}
	detections := 0

	for {
		frame, err := src.Read(ctx)
		if errors.Is(err, camera.ErrStreamEnded) {
			break
		}
		if err != nil {
			writer.Close()
			os.Remove(outPath)
			return nil, fmt.Errorf("failed to read frame %d: %w", writer.Frames(), err)
		}

		a, err := u.analyzer.Analyze(ctx, frame, zones)
		if err != nil {
			writer.Close()
			os.Remove(outPath)
			return nil, newError(ErrUnavailable, "analysis failed at frame %d: %v", writer.Frames(), err)
		}
		detections += len(a.Detections)
		for _, v := range a.Violations {
			violations[v] = struct{}{}
		}
		for _, z := range a.Zones {
			zoneHits[z] = struct{}{}
		}

		encoded, err := pipeline.EncodeJPEG(a.Annotated, u.cfg.JPEGQuality)
		if err != nil {
			writer.Close()
			os.Remove(outPath)
			return nil, fmt.Errorf("failed to encode frame: %w", err)
		}
		if err := writer.WriteFrame(encoded); err != nil {
			writer.Close()
			os.Remove(outPath)
			return nil, err
		}
	}

	frames := writer.Frames()
	if err := writer.Close(); err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("failed to finish video: %w", err)
	}

	zoneList := lo.Keys(zoneHits)
	sort.Slice(zoneList, func(i, j int) bool {
		if zoneList[i].Zone != zoneList[j].Zone {
			return zoneList[i].Zone < zoneList[j].Zone
		}
		return zoneList[i].Object < zoneList[j].Object
	})
	violationList := lo.Keys(violations)
	sort.Strings(violationList)

	result := &UploadResult{
		Violations:     nonNil(violationList),
		ZoneViolations: nonNilZones(zoneList),
		Detections:     detections,
		AnnotatedVideo: UploadPrefix + name,
		Frames:         frames,
	}
	if u.archiver != nil {
		if data, err := os.ReadFile(outPath); err == nil {
			result.Archived = u.archive(ctx, name, data, "video/mp4")
		}
	}
	log.Printf("[Upload] %s: %d frames, violations %v", filename, frames, result.Violations)
	return result, nil
}

func (u *UploadImplementation) archive(ctx context.Context, name string, data []byte, contentType string) string {
	if u.archiver == nil {
		return ""
	}
	location, err := u.archiver.SaveUpload(ctx, name, data, contentType)
	if err != nil {
		log.Printf("[Upload] Failed to archive %s: %v", name, err)
		return ""
	}
	return location
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilZones(v []geofence.Violation) []geofence.Violation {
	if v == nil {
		return []geofence.Violation{}
	}
	return v
}
