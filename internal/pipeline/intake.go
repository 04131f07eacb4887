package pipeline

import (
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/frameq"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/yuv"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// FrameTap receives a copy of every accepted frame, e.g. a recorder.
// SendFrame must not block.
type FrameTap interface {
	SendFrame(frame *types.Frame) bool
}

// Intake is the entry point for frame sources. It checks the buffer against
// the declared size, submits it to the queue and tees it to an optional tap.
type Intake struct {
	Queue *frameq.Queue
	Tap   FrameTap
}

// Submit validates and enqueues one NV21 frame. Validation errors are returned
// without touching the queue.
func (in *Intake) Submit(data []byte, width, height int) (frameq.SubmitResult, error) {
	if err := yuv.Validate(data, width, height); err != nil {
		return frameq.SubmitResult{}, err
	}
	res := in.Queue.Submit(data, width, height)
	if res.Accepted && in.Tap != nil {
		in.Tap.SendFrame(&types.Frame{
			Data:        data,
			Width:       width,
			Height:      height,
			Seq:         res.Seq,
			SubmittedAt: res.SubmittedAt,
		})
	}
	return res, nil
}
