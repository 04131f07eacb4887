package types

import "time"

// Frame is one raw camera frame waiting for detection.
type Frame struct {
	Data        []byte    // NV21 buffer (luma plane followed by interleaved VU)
	Width       int       // Frame width in pixels
	Height      int       // Frame height in pixels
	Seq         uint64    // Submission sequence number
	SubmittedAt time.Time // When the frame entered the intake queue
}

// FrameResult is what the detection worker hands to renderers for one processed frame.
type FrameResult struct {
	Seq         uint64      `json:"frame_seq"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	SubmittedAt time.Time   `json:"submitted_at"`
	RawCount    int         `json:"raw_count"`
	Composites  []Detection `json:"composites"`
}
