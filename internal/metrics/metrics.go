package metrics

import (
	"math"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/frameq"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame intake counters
	FramesSubmitted   atomic.Uint64
	FramesOverwritten atomic.Uint64
	FramesFlushed     atomic.Uint64
	FramesRejected    atomic.Uint64

	// Detection worker counters
	FramesProcessed atomic.Uint64
	DetectorErrors  atomic.Uint64
	RawDetections   atomic.Uint64
	Composites      atomic.Uint64

	// Telemetry, updated once per window
	fpsBits   atomic.Uint64 // math.Float64bits of the last fps
	LatencyMs atomic.Int64

	// Fan-out
	StreamClients     atomic.Int64
	WebRTCClients     atomic.Int64
	WebRTCDropped     atomic.Uint64
	BroadcastsDropped atomic.Uint64
	StoreErrors       atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, f func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		f,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(prometheus.NewGoCollector())

	// Intake
	m.counter("tagfusion_frames_submitted_total", "Frames offered to the intake queue", &m.FramesSubmitted)
	m.counter("tagfusion_frames_overwritten_total", "Buffered frames discarded to admit a newer frame", &m.FramesOverwritten)
	m.counter("tagfusion_frames_flushed_total", "Buffered frames discarded after a frame size change", &m.FramesFlushed)
	m.counter("tagfusion_frames_rejected_total", "Frames dropped because the queue was torn down", &m.FramesRejected)

	// Worker
	m.counter("tagfusion_frames_processed_total", "Frames run through detection and fusion", &m.FramesProcessed)
	m.counter("tagfusion_detector_errors_total", "Frames where the detector failed", &m.DetectorErrors)
	m.counter("tagfusion_raw_detections_total", "Tags reported by the detector", &m.RawDetections)
	m.counter("tagfusion_composites_total", "Composite tags produced by fusion", &m.Composites)

	// Telemetry
	m.gauge("tagfusion_detect_fps", "Detection throughput over the last window", m.FPS)
	m.gauge("tagfusion_detect_latency_ms", "Submit-to-render latency of the last frame",
		func() float64 { return float64(m.LatencyMs.Load()) })

	// Fan-out
	m.gauge("tagfusion_stream_clients", "Connected SSE and WebSocket clients",
		func() float64 { return float64(m.StreamClients.Load()) })
	m.gauge("tagfusion_webrtc_clients", "Connected WebRTC data channel clients",
		func() float64 { return float64(m.WebRTCClients.Load()) })
	m.counter("tagfusion_webrtc_dropped_total", "Results not delivered to slow WebRTC clients", &m.WebRTCDropped)
	m.counter("tagfusion_broadcast_dropped_total", "Results not delivered to slow stream clients", &m.BroadcastsDropped)
	m.counter("tagfusion_store_errors_total", "Failed history writes", &m.StoreErrors)
}

// OnSubmit counts the outcome of one queue submission.
func (m *Metrics) OnSubmit(r frameq.SubmitResult) {
	m.FramesSubmitted.Add(1)
	m.FramesOverwritten.Add(uint64(r.Overwrote))
	m.FramesFlushed.Add(uint64(r.Flushed))
	if r.Disabled {
		m.FramesRejected.Add(1)
	}
}

// Render counts one processed frame.
func (m *Metrics) Render(res types.FrameResult) {
	m.FramesProcessed.Add(1)
	m.RawDetections.Add(uint64(res.RawCount))
	m.Composites.Add(uint64(len(res.Composites)))
}

// DetectorFailed counts a per-frame detector failure.
func (m *Metrics) DetectorFailed(error) {
	m.DetectorErrors.Add(1)
}

// Report stores the latest telemetry window.
func (m *Metrics) Report(fps float64, latencyMs int64) {
	m.fpsBits.Store(math.Float64bits(fps))
	m.LatencyMs.Store(latencyMs)
}

// FPS returns the last reported throughput.
func (m *Metrics) FPS() float64 {
	return math.Float64frombits(m.fpsBits.Load())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartServer starts a dedicated metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
