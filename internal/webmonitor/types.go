package webmonitor

import (
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/frameq"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// DetectionEvent is the payload for /api/detections/stream, /ws/detections
// and the WebRTC data channel.
type DetectionEvent struct {
	FrameNumber uint64            `json:"frame_number"`
	Timestamp   float64           `json:"timestamp"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	RawCount    int               `json:"raw_count"`
	Detections  []types.Detection `json:"detections"`
}

// newDetectionEvent converts a worker result into the wire event.
func newDetectionEvent(res types.FrameResult) DetectionEvent {
	dets := res.Composites
	if dets == nil {
		dets = []types.Detection{}
	}
	return DetectionEvent{
		FrameNumber: res.Seq,
		Timestamp:   unixSeconds(res.SubmittedAt),
		Width:       res.Width,
		Height:      res.Height,
		RawCount:    res.RawCount,
		Detections:  dets,
	}
}

// MonitorStats is the worker side of /api/status.
type MonitorStats struct {
	FramesProcessed uint64  `json:"frames_processed"`
	CurrentFPS      float64 `json:"current_fps"`
	LatencyMs       int64   `json:"latency_ms"`
	DetectionCount  int     `json:"detection_count"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// QueueStats is the intake side of /api/status.
type QueueStats struct {
	Submitted   uint64 `json:"submitted"`
	Accepted    uint64 `json:"accepted"`
	Overwritten uint64 `json:"overwritten"`
	Flushed     uint64 `json:"flushed"`
	Rejected    uint64 `json:"rejected"`
	Pending     int    `json:"pending"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Closed      bool   `json:"closed"`
}

func newQueueStats(s frameq.Stats) QueueStats {
	return QueueStats{
		Submitted:   s.Submitted,
		Accepted:    s.Accepted,
		Overwritten: s.Overwritten,
		Flushed:     s.Flushed,
		Rejected:    s.Rejected,
		Pending:     s.Pending,
		Width:       s.Width,
		Height:      s.Height,
		Closed:      s.Closed,
	}
}

// ClientStats counts connected display clients.
type ClientStats struct {
	SSE       int `json:"sse"`
	WebSocket int `json:"websocket"`
	WebRTC    int `json:"webrtc"`
}

// StatusPayload is the body of /api/status.
type StatusPayload struct {
	Monitor          MonitorStats     `json:"monitor"`
	Queue            QueueStats       `json:"queue"`
	Clients          ClientStats      `json:"clients"`
	LatestDetection  *DetectionEvent  `json:"latest_detection"`
	DetectionHistory []DetectionEvent `json:"detection_history"`
	Timestamp        float64          `json:"timestamp"`
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
