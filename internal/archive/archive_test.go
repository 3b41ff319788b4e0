package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesafe/internal/alerts"
)

func TestReportKey(t *testing.T) {
	at := time.Date(2025, 3, 9, 14, 5, 7, 250e6, time.UTC)
	assert.Equal(t, "reports/2025/03/09/report-140507.250.txt", ReportKey(at))
}

func TestUploadKeyStripsDirectories(t *testing.T) {
	at := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "uploads/2025/03/09/site.jpg", UploadKey(at, "../../etc/site.jpg"))
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = string(body)
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func TestSaveReportUploadsText(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a, err := New(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "reports-bucket",
	})
	require.NoError(t, err)

	at := time.Date(2025, 3, 9, 14, 5, 7, 0, time.UTC)
	report := alerts.BuildReport([]string{"[14:00:00] Violation detected: NO-Mask"}, at)
	location, err := a.SaveReport(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, "reports-bucket/reports/2025/03/09/report-140507.000.txt", location)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	body, ok := fake.objects["/reports-bucket/reports/2025/03/09/report-140507.000.txt"]
	require.True(t, ok)
	// plain http uploads are chunk-signed, so the payload is framed
	assert.Contains(t, body, "[14:00:00] Violation detected: NO-Mask")
	assert.Contains(t, fake.types["/reports-bucket/reports/2025/03/09/report-140507.000.txt"], "text/plain")
}
