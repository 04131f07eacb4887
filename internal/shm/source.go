// Package shm feeds frames from the camera daemon's POSIX shared memory ring
// into the detection pipeline.
package shm

import (
	"context"
	"errors"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

const (
	// DefaultName is the ring the camera daemon publishes.
	DefaultName = "/pet_camera_stream"

	// Format constants written by the camera daemon
	FormatJPEG = 0
	FormatNV12 = 1
	FormatRGB  = 2
	FormatH264 = 3

	// Buffer constants
	RingBufferSize = 30
	MaxFrameSize   = 1920 * 1080 * 3 / 2
)

var (
	// ErrUnsupported is returned where shared memory is unavailable.
	ErrUnsupported = errors.New("shared memory source requires linux with cgo")
	// ErrNotOpen is returned after Close.
	ErrNotOpen = errors.New("shared memory not open")
	// ErrTimeout is returned when no new frame arrived in time.
	ErrTimeout = errors.New("timeout")
)

// FrameReader is the ring as seen by Source.
type FrameReader interface {
	ReadLatest() (*types.Frame, error)
	WaitNewFrame(timeout time.Duration) error
}

// SubmitFunc hands a frame to the pipeline.
type SubmitFunc func(data []byte, width, height int) error

// Source waits for the daemon's new-frame signal and submits the newest frame
// whenever its frame number advances.
type Source struct {
	reader  FrameReader
	submit  SubmitFunc
	timeout time.Duration
	log     logger.Module

	lastFrame uint64
	haveLast  bool
}

// NewSource creates a source reading from r.
func NewSource(r FrameReader, submit SubmitFunc) *Source {
	return &Source{
		reader:  r,
		submit:  submit,
		timeout: 100 * time.Millisecond,
		log:     logger.For("ShmSource"),
	}
}

// SetWaitTimeout bounds each wait for the daemon's new-frame signal.
func (s *Source) SetWaitTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Run pumps frames until ctx is cancelled or the reader fails permanently.
func (s *Source) Run(ctx context.Context) error {
	s.log.Info("Frame source started")
	defer s.log.Info("Frame source stopped")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		err := s.reader.WaitNewFrame(s.timeout)
		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, ErrNotOpen), errors.Is(err, ErrUnsupported):
			return err
		default:
			// Interrupted waits and the like; poll the ring anyway.
			s.log.Debug("Wait failed: %v", err)
		}

		if err := s.Poll(); err != nil {
			if errors.Is(err, ErrNotOpen) {
				return err
			}
			s.log.Warn("Frame read failed: %v", err)
		}
	}
}

// Poll submits the newest frame if it has not been submitted yet.
func (s *Source) Poll() error {
	frame, err := s.reader.ReadLatest()
	if err != nil {
		return err
	}
	if frame == nil {
		return nil
	}
	if s.haveLast && frame.Seq == s.lastFrame {
		return nil
	}
	s.lastFrame, s.haveLast = frame.Seq, true

	if err := s.submit(frame.Data, frame.Width, frame.Height); err != nil {
		s.log.Warn("Frame %d rejected: %v", frame.Seq, err)
	}
	return nil
}
