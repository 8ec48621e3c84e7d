// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikeyg42/sentrycam/internal/actions"
	"github.com/mikeyg42/sentrycam/internal/camera"
	"github.com/mikeyg42/sentrycam/internal/framestream"
	"github.com/mikeyg42/sentrycam/internal/pipeline"
	"github.com/mikeyg42/sentrycam/internal/storage"
)

// EventCounter is the part of the event store metrics reads.
type EventCounter interface {
	Len() int
	Total() uint64
	LogErrors() uint64
}

// Sources are the components sampled at scrape time. Nil fields are skipped.
type Sources struct {
	Camera    func() camera.Stats
	Producer  func() framestream.ProducerStats
	Pipeline  func() pipeline.Stats
	Events    EventCounter
	Actions   func() actions.Stats
	Snapshots func() storage.Stats
}

// Metrics holds the registry and the counters owned by the HTTP layer.
type Metrics struct {
	// Stream consumers currently attached (MJPEG, SSE, websocket)
	ActiveStreams atomic.Int64
	TotalStreams  atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with collectors for every non-nil source.
func New(src Sources) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerStreamMetrics()
	m.registerSources(src)
	return m
}

func (m *Metrics) counter(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "sentrycam",
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sentrycam",
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) registerStreamMetrics() {
	m.gauge("stream_active_consumers", "Stream consumers currently connected",
		func() float64 { return float64(m.ActiveStreams.Load()) })
	m.counter("stream_consumers_total", "Stream consumers connected since start",
		func() float64 { return float64(m.TotalStreams.Load()) })
}

func (m *Metrics) registerSources(src Sources) {
	if src.Camera != nil {
		m.counter("camera_frames_read_total", "Frames read from the capture device",
			func() float64 { return float64(src.Camera().FramesRead) })
		m.counter("camera_read_failures_total", "Empty or failed device reads",
			func() float64 { return float64(src.Camera().ReadFailures) })
		m.counter("camera_opens_total", "Successful device opens",
			func() float64 { return float64(src.Camera().Opens) })
	}

	if src.Producer != nil {
		m.gauge("producer_running", "1 while the producer loop is running",
			func() float64 {
				if src.Producer().Running {
					return 1
				}
				return 0
			})
		m.counter("frames_published_total", "Encoded frames published to streams",
			func() float64 { return float64(src.Producer().Published) })
		m.counter("frame_encode_errors_total", "Frames dropped because encoding failed",
			func() float64 { return float64(src.Producer().EncodeErrors) })
		m.counter("frame_cycle_panics_total", "Producer cycles ended by a panic",
			func() float64 { return float64(src.Producer().CyclePanics) })
	}

	if src.Pipeline != nil {
		m.counter("frames_processed_total", "Frames passed through the pipeline",
			func() float64 { return float64(src.Pipeline().FramesStepped) })
		m.counter("analyzer_panics_total", "Analyzer invocations that panicked",
			func() float64 { return float64(src.Pipeline().AnalyzerPanics) })
	}

	if src.Events != nil {
		m.counter("events_stored_total", "Events added to the store",
			func() float64 { return float64(src.Events.Total()) })
		m.counter("event_log_errors_total", "Durable log appends that failed",
			func() float64 { return float64(src.Events.LogErrors()) })
		m.gauge("events_in_memory", "Events currently held in memory",
			func() float64 { return float64(src.Events.Len()) })
	}

	if src.Actions != nil {
		m.counter("actions_fired_total", "Events that triggered side effects",
			func() float64 { return float64(src.Actions().Fired) })
		m.counter("actions_suppressed_total", "Events that fired no action (policy or cooldown)",
			func() float64 { return float64(src.Actions().Suppressed) })
		m.counter("snapshot_errors_total", "Snapshots that could not be written",
			func() float64 { return float64(src.Actions().SnapshotErrors) })
		m.counter("notification_failures_total", "Notifications that were not delivered",
			func() float64 { return float64(src.Actions().NotifyFailures) })
	}

	if src.Snapshots != nil {
		m.counter("snapshot_uploads_total", "Snapshots uploaded to object storage",
			func() float64 { return float64(src.Snapshots().TotalUploads) })
		m.counter("snapshot_upload_bytes_total", "Bytes uploaded to object storage",
			func() float64 { return float64(src.Snapshots().UploadBytes) })
		m.counter("snapshot_upload_errors_total", "Failed snapshot uploads",
			func() float64 { return float64(src.Snapshots().UploadErrors) })
		m.gauge("snapshot_uploads_active", "Uploads in flight",
			func() float64 { return float64(src.Snapshots().ActiveUploads) })
	}
}

// StreamOpened records a new stream consumer. The returned func must be
// called once when it goes away.
func (m *Metrics) StreamOpened() (closed func()) {
	if m == nil {
		return func() {}
	}
	m.ActiveStreams.Add(1)
	m.TotalStreams.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			m.ActiveStreams.Add(-1)
		}
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
