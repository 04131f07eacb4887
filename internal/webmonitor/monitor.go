package webmonitor

import (
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/timeutil"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// historySize is the number of non-empty results kept for /api/status.
const historySize = 8

// Monitor keeps the latest detection result and telemetry for the status API.
// It is a pipeline renderer and telemetry sink.
type Monitor struct {
	clock timeutil.Clock
	start int64

	mu               sync.Mutex
	framesProcessed  uint64
	latest           *DetectionEvent
	detectionHistory []DetectionEvent
	fps              float64
	latencyMs        int64
}

// NewMonitor creates an empty Monitor.
func NewMonitor(clock timeutil.Clock) *Monitor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Monitor{
		clock: clock,
		start: clock.Now().UnixNano(),
	}
}

// Render stores res as the latest result.
func (m *Monitor) Render(res types.FrameResult) {
	event := newDetectionEvent(res)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.framesProcessed++
	m.latest = &event
	if len(event.Detections) > 0 {
		m.detectionHistory = append([]DetectionEvent{event}, m.detectionHistory...)
		if len(m.detectionHistory) > historySize {
			m.detectionHistory = m.detectionHistory[:historySize]
		}
	}
}

// Report stores the latest telemetry window.
func (m *Monitor) Report(fps float64, latencyMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fps = fps
	m.latencyMs = latencyMs
}

// Snapshot returns the monitor stats, latest result and a copy of the history.
func (m *Monitor) Snapshot() (MonitorStats, *DetectionEvent, []DetectionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MonitorStats{
		FramesProcessed: m.framesProcessed,
		CurrentFPS:      m.fps,
		LatencyMs:       m.latencyMs,
		UptimeSeconds:   float64(m.clock.Now().UnixNano()-m.start) / 1e9,
	}

	var latest *DetectionEvent
	if m.latest != nil {
		copied := *m.latest
		latest = &copied
		stats.DetectionCount = len(copied.Detections)
	}

	historyCopy := make([]DetectionEvent, len(m.detectionHistory))
	copy(historyCopy, m.detectionHistory)

	return stats, latest, historyCopy
}
