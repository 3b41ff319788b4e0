// Package metrics exposes pipeline and delivery counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application counters. It satisfies the pipeline's
// observer interface.
type Metrics struct {
	FramesRead      atomic.Uint64
	FramesPublished atomic.Uint64
	BytesPublished  atomic.Uint64
	ReadErrors      atomic.Uint64
	FrameFaults     atomic.Uint64
	Inferences      atomic.Uint64
	InferenceErrors atomic.Uint64
	ListenersPruned atomic.Uint64

	alerts           *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	inferLatency     prometheus.Histogram

	registry *prometheus.Registry
}

// Gauges are sampled at scrape time.
type Gauges struct {
	Streaming      func() bool
	Listeners      func() int
	VideoClients   func() int
	WebRTCClients  func() int
	Zones          func() int
	HistoryEntries func() int
}

// New creates the registry and registers every collector.
func New(g Gauges) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitesafe_alerts_total",
			Help: "Alerts fired by rule type",
		}, []string{"type"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitesafe_delivery_failures_total",
			Help: "Failed alert deliveries by consumer",
		}, []string{"consumer"}),
		inferLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitesafe_inference_seconds",
			Help:    "Detection model round trip latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
	m.registry.MustRegister(m.alerts, m.deliveryFailures, m.inferLatency)

	counters := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"sitesafe_frames_read_total", "Frames read from the camera", &m.FramesRead},
		{"sitesafe_frames_published_total", "Annotated frames published to viewers", &m.FramesPublished},
		{"sitesafe_published_bytes_total", "Bytes of JPEG published to viewers", &m.BytesPublished},
		{"sitesafe_read_errors_total", "Transient camera read failures", &m.ReadErrors},
		{"sitesafe_frame_faults_total", "Frames dropped after a processing fault", &m.FrameFaults},
		{"sitesafe_inferences_total", "Detection model calls", &m.Inferences},
		{"sitesafe_inference_errors_total", "Failed detection model calls", &m.InferenceErrors},
		{"sitesafe_listeners_pruned_total", "Alert listeners removed after a failed send", &m.ListenersPruned},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"sitesafe_streaming", "1 while the frame loop runs", boolGauge(g.Streaming)},
		{"sitesafe_alert_listeners", "Connected alert sockets", intGauge(g.Listeners)},
		{"sitesafe_video_clients", "Connected video viewers", intGauge(g.VideoClients)},
		{"sitesafe_webrtc_clients", "Connected WebRTC peers", intGauge(g.WebRTCClients)},
		{"sitesafe_zones", "Configured geofence zones", intGauge(g.Zones)},
		{"sitesafe_history_entries", "Alerts waiting for the next report", intGauge(g.HistoryEntries)},
	}
	for _, gg := range gauges {
		if gg.fn == nil {
			continue
		}
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: gg.name, Help: gg.help}, gg.fn,
		))
	}

	return m
}

func boolGauge(fn func() bool) func() float64 {
	if fn == nil {
		return nil
	}
	return func() float64 {
		if fn() {
			return 1
		}
		return 0
	}
}

func intGauge(fn func() int) func() float64 {
	if fn == nil {
		return nil
	}
	return func() float64 { return float64(fn()) }
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) FrameRead()  { m.FramesRead.Add(1) }
func (m *Metrics) ReadError()  { m.ReadErrors.Add(1) }
func (m *Metrics) FrameFault() { m.FrameFaults.Add(1) }

func (m *Metrics) Inference(d time.Duration, err error) {
	m.Inferences.Add(1)
	if err != nil {
		m.InferenceErrors.Add(1)
		return
	}
	m.inferLatency.Observe(d.Seconds())
}

func (m *Metrics) AlertFired(kind string) {
	m.alerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) FramePublished(size int) {
	m.FramesPublished.Add(1)
	m.BytesPublished.Add(uint64(size))
}

// ListenerPruned counts a listener dropped by the alert hub.
func (m *Metrics) ListenerPruned() { m.ListenersPruned.Add(1) }

// DeliveryFailed counts a failed store or notifier delivery.
func (m *Metrics) DeliveryFailed(consumer string) {
	m.deliveryFailures.WithLabelValues(consumer).Inc()
}
