package services

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesafe/internal/alerts"
	"sitesafe/internal/auth"
	"sitesafe/internal/database"
	"sitesafe/internal/detection"
	"sitesafe/internal/geofence"
	"sitesafe/internal/pipeline"
)

type fakeStreamer struct {
	err     error
	stopped bool
	state   *pipeline.StreamState
}

func (f *fakeStreamer) Start(context.Context) error  { return f.err }
func (f *fakeStreamer) Stop()                        { f.stopped = true }
func (f *fakeStreamer) State() *pipeline.StreamState { return f.state }

func TestStreamStartResults(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status string
		detail string
	}{
		{"started", nil, StatusStarted, ""},
		{"already", pipeline.ErrAlreadyStreaming, StatusAlreadyRunning, ""},
		{"camera", &pipeline.OpenError{Err: errors.New("no such device")}, StatusCameraError, "no such device"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewStreamService(&fakeStreamer{err: tt.err, state: pipeline.NewStreamState(nil)}, nil)
			res, err := svc.Start(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.detail, res.Detail)
		})
	}
}

func TestStreamStopAndStatus(t *testing.T) {
	state := pipeline.NewStreamState(nil)
	state.SetGeofenceEnabled(true)
	f := &fakeStreamer{state: state}
	svc := NewStreamService(f, func() int { return 2 })

	res, err := svc.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, res.Status)
	assert.True(t, f.stopped)

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Streaming)
	assert.Equal(t, "stopped", st.State)
	assert.True(t, st.GeofenceEnabled)
	assert.Equal(t, 2, st.Listeners)
}

func openDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.Open(database.Config{Driver: database.DriverSQLite, DSN: filepath.Join(t.TempDir(), "svc.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func square(name string) geofence.Zone {
	return geofence.Zone{Name: name, Points: [][]float64{{0, 0}, {100, 0}, {100, 100}, {0, 100}}}
}

func TestGeofenceZoneLifecycle(t *testing.T) {
	db := openDB(t)
	state := pipeline.NewStreamState(nil)
	svc := NewGeofenceService(state, db, db, alerts.NewManager(0))
	ctx := context.Background()

	z, err := svc.CreateZone(ctx, square("Entrance"))
	require.NoError(t, err)
	assert.Equal(t, geofence.DefaultColor, z.Color)
	assert.Zero(t, z.Alpha, "an explicit zero alpha is kept")

	_, err = svc.CreateZone(ctx, square("Entrance"))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.CreateZone(ctx, geofence.Zone{Name: "Line", Points: [][]float64{{0, 0}, {1, 1}}})
	assert.ErrorIs(t, err, ErrBadRequest)

	stored, err := db.ListZones()
	require.NoError(t, err)
	require.Len(t, stored, 1)

	updated, err := svc.SetZoneRules(ctx, "Entrance", &ZoneRulesPayload{RestrictedClasses: []string{"person", "VEHICLE", "Person"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Person", "vehicle"}, updated.RestrictedClasses)

	_, err = svc.SetZoneRules(ctx, "Entrance", &ZoneRulesPayload{RestrictedClasses: []string{"dog"}})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.SetZoneRules(ctx, "Dock", &ZoneRulesPayload{})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, svc.DeleteZone(ctx, "Entrance"))
	assert.ErrorIs(t, svc.DeleteZone(ctx, "Entrance"), ErrNotFound)
	stored, err = db.ListZones()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

// failingZoneStore wraps a real store and fails the chosen writes.
type failingZoneStore struct {
	ZoneStore
	failDelete, failClear, failSave bool
}

var errDiskFull = errors.New("disk full")

func (f *failingZoneStore) DeleteZone(name string) error {
	if f.failDelete {
		return errDiskFull
	}
	return f.ZoneStore.DeleteZone(name)
}

func (f *failingZoneStore) ClearZones() error {
	if f.failClear {
		return errDiskFull
	}
	return f.ZoneStore.ClearZones()
}

func (f *failingZoneStore) SaveZone(z geofence.Zone) error {
	if f.failSave {
		return errDiskFull
	}
	return f.ZoneStore.SaveZone(z)
}

func TestGeofenceStoreFailureKeepsLiveAndStoredZonesInSync(t *testing.T) {
	db := openDB(t)
	store := &failingZoneStore{ZoneStore: db}
	state := pipeline.NewStreamState(nil)
	mgr := alerts.NewManager(time.Hour)
	svc := NewGeofenceService(state, store, db, mgr)
	ctx := context.Background()

	_, err := svc.CreateZone(ctx, square("Entrance"))
	require.NoError(t, err)
	_, err = svc.CreateZone(ctx, square("Dock"))
	require.NoError(t, err)
	_, ok := mgr.TryTriggerZone("Entrance", "Person")
	require.True(t, ok)

	live := func() int { return state.ZoneCount() }
	stored := func() int {
		zones, err := db.ListZones()
		require.NoError(t, err)
		return len(zones)
	}

	store.failDelete = true
	err = svc.DeleteZone(ctx, "Entrance")
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, 2, live())
	assert.Equal(t, 2, stored())
	assert.False(t, mgr.CanAlertZone("Entrance"), "cooldown kept while the zone exists")

	store.failClear = true
	assert.ErrorIs(t, svc.ClearZones(ctx), errDiskFull)
	assert.Equal(t, 2, live())
	assert.Equal(t, 2, stored())

	store.failSave = true
	_, err = svc.SetZoneRules(ctx, "Dock", &ZoneRulesPayload{RestrictedClasses: []string{"vehicle"}})
	assert.ErrorIs(t, err, errDiskFull)
	zones, _ := state.Zones()
	dock, _ := lo.Find(zones, func(z geofence.Zone) bool { return z.Name == "Dock" })
	assert.Empty(t, dock.RestrictedClasses)

	store.failDelete, store.failClear, store.failSave = false, false, false
	require.NoError(t, svc.DeleteZone(ctx, "Entrance"))
	assert.Equal(t, 1, live())
	assert.Equal(t, 1, stored())
	assert.True(t, mgr.CanAlertZone("Entrance"))

	require.NoError(t, svc.ClearZones(ctx))
	assert.Zero(t, live())
	assert.Zero(t, stored())
}

func TestGeofenceRestoreSeedsFromFile(t *testing.T) {
	db := openDB(t)
	path := filepath.Join(t.TempDir(), "zones.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"name": "Gate", "points": [[0,0],[10,0],[10,10],[0,10]]},
		{"name": "Bowtie", "points": [[0,0],[10,10],[10,0],[0,10]]}
	]`), 0o644))

	state := pipeline.NewStreamState(nil)
	svc := NewGeofenceService(state, db, db, nil)
	require.NoError(t, svc.Restore(path, true))
	assert.Equal(t, 1, state.ZoneCount())
	assert.True(t, state.GeofenceEnabled())

	stored, err := db.ListZones()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Gate", stored[0].Name)

	// the persisted toggle wins over the default on the next start
	_, err = svc.Disable(context.Background())
	require.NoError(t, err)

	next := pipeline.NewStreamState(nil)
	require.NoError(t, NewGeofenceService(next, db, db, nil).Restore("", true))
	assert.False(t, next.GeofenceEnabled())
	assert.Equal(t, 1, next.ZoneCount())
}

type fakeArchiver struct {
	got alerts.Report
	err error
}

func (f *fakeArchiver) SaveReport(_ context.Context, r alerts.Report) (string, error) {
	f.got = r
	return "bucket/report.txt", f.err
}

func TestReportDrainsHistory(t *testing.T) {
	history := alerts.NewHistory()
	history.Record("Violation detected: NO-Mask")
	history.Record("Zone violation: Person entered 'Dock'")
	arch := &fakeArchiver{}
	svc := NewReportService(history, arch, nil)

	res, err := svc.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Report generated", res.Message)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "bucket/report.txt", res.Location)
	assert.Contains(t, arch.got.Text, "NO-Mask")
	assert.Equal(t, 0, history.Len())

	res, err = svc.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Equal(t, alerts.EmptyReport, res.Report)
}

func TestReportArchiveFailureStillReturnsReport(t *testing.T) {
	history := alerts.NewHistory()
	history.Record("Violation detected: NO-Hardhat")
	svc := NewReportService(history, &fakeArchiver{err: errors.New("bucket gone")}, nil)

	res, err := svc.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.Empty(t, res.Location)
}

func TestListAlerts(t *testing.T) {
	db := openDB(t)
	mgr := alerts.NewManager(0)
	require.NoError(t, db.SaveAlert(mgr.Trigger("Violation detected: NO-Mask")))
	require.NoError(t, db.SaveAlert(mgr.TriggerZone("Dock", "Person")))

	svc := NewReportService(alerts.NewHistory(), nil, db)
	recs, err := svc.ListAlerts(context.Background(), &AlertsPayload{Type: "geofence"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Dock", recs[0].Zone)

	_, err = svc.ListAlerts(context.Background(), &AlertsPayload{Type: "fire"})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.ListAlerts(context.Background(), &AlertsPayload{Since: "yesterday"})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = NewReportService(alerts.NewHistory(), nil, nil).ListAlerts(context.Background(), &AlertsPayload{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

type fakeAnalyzer struct {
	zones []geofence.Zone
}

func (f *fakeAnalyzer) Analyze(_ context.Context, img image.Image, zones []geofence.Zone) (*pipeline.Analysis, error) {
	f.zones = zones
	return &pipeline.Analysis{
		Detections: []detection.Detection{{Class: "NO-Hardhat", Confidence: 0.9}},
		Violations: []string{"NO-Hardhat"},
		Annotated:  img,
	}, nil
}

func pngBytes(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadImage(t *testing.T) {
	dir := t.TempDir()
	state := pipeline.NewStreamState(nil)
	require.NoError(t, state.AddZone(square("Dock")))
	analyzer := &fakeAnalyzer{}
	svc, err := NewUploadService(analyzer, state, nil, UploadConfig{Dir: dir})
	require.NoError(t, err)

	res, err := svc.UploadImage(context.Background(), "site.png", pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"NO-Hardhat"}, res.Violations)
	assert.Equal(t, []geofence.Violation{}, res.ZoneViolations)
	assert.Equal(t, 1, res.Detections)
	assert.True(t, strings.HasPrefix(res.AnnotatedImage, UploadPrefix+"annotated_"))
	assert.Nil(t, analyzer.zones, "zones are only applied while geofencing is on")

	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(res.AnnotatedImage, UploadPrefix)))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])

	state.SetGeofenceEnabled(true)
	_, err = svc.UploadImage(context.Background(), "site.png", pngBytes(t))
	require.NoError(t, err)
	assert.Len(t, analyzer.zones, 1)
}

func TestUploadImageRejectsGarbage(t *testing.T) {
	svc, err := NewUploadService(&fakeAnalyzer{}, nil, nil, UploadConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	_, err = svc.UploadImage(context.Background(), "notes.txt", []byte("hello"))
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestWorkersEnrollment(t *testing.T) {
	db := openDB(t)
	gallery := detection.NewGallery()
	svc := NewWorkersService(gallery, db, nil)
	ctx := context.Background()

	info, err := svc.Enroll(ctx, "W-17", &EnrollPayload{Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, WorkerInfo{ID: "W-17", Embeddings: 1}, *info)

	_, err = svc.Enroll(ctx, "W-18", &EnrollPayload{Embedding: []float32{0, 0, 0}})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.Enroll(ctx, detection.UnknownWorker, &EnrollPayload{Embedding: []float32{1}})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.EnrollImage(ctx, "W-19", pngBytes(t))
	assert.ErrorIs(t, err, ErrUnavailable)

	// a fresh gallery picks the worker up from storage
	reloaded := detection.NewGallery()
	require.NoError(t, NewWorkersService(reloaded, db, nil).Reload())
	id, _ := reloaded.Match([]float32{1, 0, 0}, detection.DefaultFaceThreshold)
	assert.Equal(t, "W-17", id)

	require.NoError(t, svc.Delete(ctx, "W-17"))
	assert.ErrorIs(t, svc.Delete(ctx, "W-17"), ErrNotFound)
	workers, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

type fakeEmbedder struct{ faces []detection.Face }

func (f *fakeEmbedder) Embed(context.Context, image.Image) ([]detection.Face, error) {
	return f.faces, nil
}

func TestEnrollImageUsesLargestFace(t *testing.T) {
	gallery := detection.NewGallery()
	svc := NewWorkersService(gallery, nil, &fakeEmbedder{faces: []detection.Face{
		{BBox: []float32{0, 0, 5, 5}, Embedding: []float32{0, 1}},
		{BBox: []float32{0, 0, 50, 50}, Embedding: []float32{1, 0}},
	}})

	_, err := svc.EnrollImage(context.Background(), "W-2", pngBytes(t))
	require.NoError(t, err)
	id, _ := gallery.Match([]float32{1, 0}, detection.DefaultFaceThreshold)
	assert.Equal(t, "W-2", id)
}

func TestLogin(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Config{Enabled: true, Password: "pw", JWTSecret: "k"})
	require.NoError(t, err)
	svc := NewAuthService(a)

	_, err = svc.Login(context.Background(), &LoginPayload{Username: "admin", Password: "nope"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	res, err := svc.Login(context.Background(), &LoginPayload{Username: "admin", Password: "pw"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping() error { return f.err }

type fakeChecker bool

func (f fakeChecker) IsHealthy(context.Context) bool { return bool(f) }

func TestHealth(t *testing.T) {
	state := pipeline.NewStreamState(nil)

	res, err := NewHealthService(state, fakeChecker(true), fakePinger{}).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "stopped", res.Stream)

	svc := NewHealthService(state, fakeChecker(false), fakePinger{err: errors.New("down")})
	res, err = svc.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", res.Status)
	assert.Equal(t, "unreachable", res.Database)
	assert.ErrorIs(t, svc.Readyz(context.Background()), ErrUnavailable)
}

func TestControllerAdapter(t *testing.T) {
	state := pipeline.NewStreamState(nil)
	history := alerts.NewHistory()
	history.Record("Violation detected: NO-Mask")
	ctl := &Controller{
		Stream:   NewStreamService(&fakeStreamer{err: &pipeline.OpenError{Err: errors.New("busy")}, state: state}, nil),
		Geofence: NewGeofenceService(state, nil, nil, nil),
		Reports:  NewReportService(history, nil, nil),
	}

	assert.Equal(t, "camera_error: busy", ctl.StartStream(context.Background()))
	assert.Equal(t, StatusStopped, ctl.StopStream())
	require.NoError(t, ctl.SetGeofence(true))
	assert.True(t, ctl.Status().GeofenceEnabled)

	report, err := ctl.Report(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count)
	assert.Nil(t, ctl.Snapshot())
}
