// Package telemetry estimates detection throughput and latency over a sliding
// window.
package telemetry

import (
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/timeutil"
)

// DefaultPeriod is the window length between reports.
const DefaultPeriod = time.Second

// Report is the summary of one closed window.
type Report struct {
	FPS       float64       `json:"fps"`
	LatencyMs int64         `json:"latency_ms"`
	Frames    int           `json:"frames"`
	Elapsed   time.Duration `json:"elapsed"`
	At        time.Time     `json:"at"`
}

// Window counts processed frames and emits a Report once per period.
// Latency is the most recent frame's, not an average, so the estimate tracks
// sudden slowdowns within one period.
//
// A Window is owned by a single goroutine and is not safe for concurrent use.
type Window struct {
	clock  timeutil.Clock
	period time.Duration

	start       time.Time
	frames      int
	lastLatency time.Duration
}

// NewWindow starts a window at clock.Now(). A non-positive period uses DefaultPeriod.
func NewWindow(clock timeutil.Clock, period time.Duration) *Window {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Window{
		clock:  clock,
		period: period,
		start:  clock.Now(),
	}
}

// Observe records one processed frame and its latency. When the window has
// been open for at least one period it returns the report and starts a new window.
func (w *Window) Observe(latency time.Duration) (Report, bool) {
	w.frames++
	w.lastLatency = latency

	elapsed := w.clock.Since(w.start)
	if elapsed < w.period {
		return Report{}, false
	}

	elapsedMs := float64(elapsed) / float64(time.Millisecond)
	r := Report{
		FPS:       float64(w.frames) * 1000 / elapsedMs,
		LatencyMs: w.lastLatency.Milliseconds(),
		Frames:    w.frames,
		Elapsed:   elapsed,
		At:        w.clock.Now(),
	}
	w.frames = 0
	w.start = r.At
	return r, true
}

// Frames returns the number of frames observed in the open window.
func (w *Window) Frames() int { return w.frames }
