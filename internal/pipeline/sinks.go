package pipeline

import (
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// Renderer receives the composite set of every processed frame, including
// frames that produced nothing. It is called from the worker goroutine.
type Renderer interface {
	Render(res types.FrameResult)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(types.FrameResult)

// Render calls f(res).
func (f RendererFunc) Render(res types.FrameResult) { f(res) }

// MultiRenderer fans a result out to several renderers in order.
type MultiRenderer []Renderer

// Render forwards res to every non-nil renderer.
func (m MultiRenderer) Render(res types.FrameResult) {
	for _, r := range m {
		if r != nil {
			r.Render(res)
		}
	}
}

// TelemetrySink receives throughput and latency at most once per window.
type TelemetrySink interface {
	Report(fps float64, latencyMs int64)
}

// TelemetryFunc adapts a function to TelemetrySink.
type TelemetryFunc func(fps float64, latencyMs int64)

// Report calls f(fps, latencyMs).
func (f TelemetryFunc) Report(fps float64, latencyMs int64) { f(fps, latencyMs) }

// MultiSink fans a report out to several sinks in order.
type MultiSink []TelemetrySink

// Report forwards the report to every non-nil sink.
func (m MultiSink) Report(fps float64, latencyMs int64) {
	for _, s := range m {
		if s != nil {
			s.Report(fps, latencyMs)
		}
	}
}

// ErrorObserver is told about each frame the detector failed on.
type ErrorObserver interface {
	DetectorFailed(err error)
}
