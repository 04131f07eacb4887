// Package recorder captures submitted frames to disk so a session can be
// replayed through the detection pipeline later.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/timeutil"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

var (
	// ErrAlreadyRecording is returned by Start during a recording.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned by Stop when idle.
	ErrNotRecording = errors.New("not recording")
)

// frameBuffer holds about two seconds of camera frames.
const frameBuffer = 60

// Recorder writes frames to a capture file
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	out          *bufio.Writer
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	dropped      atomic.Uint64
	startTime    time.Time
	frameChan    chan *types.Frame
	stopChan     chan struct{}
	wg           sync.WaitGroup
	clock        timeutil.Clock
	log          logger.Module
}

// NewRecorder creates a new recorder
func NewRecorder(basePath string) *Recorder {
	return &Recorder{
		basePath: basePath,
		clock:    timeutil.RealClock{},
		log:      logger.For("Recorder"),
	}
}

// Start starts recording to a new file and returns its name
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	if err := os.MkdirAll(r.basePath, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", r.basePath, err)
	}

	// Generate filename with timestamp
	now := r.clock.Now()
	filename := fmt.Sprintf("frames_%s%s", now.Format("20060102_150405"), FileExt)
	path := filepath.Join(r.basePath, filename)

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	out := bufio.NewWriterSize(file, 1<<20)
	if err := writeMagic(out); err != nil {
		file.Close()
		return "", fmt.Errorf("failed to write header: %w", err)
	}

	// Initialize state
	r.file = file
	r.out = out
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = uint64(len(magic))
	r.dropped.Store(0)
	r.startTime = now
	r.stopChan = make(chan struct{})
	// Each recording gets its own buffer so nothing carries over between files.
	r.frameChan = make(chan *types.Frame, frameBuffer)

	// Start recorder goroutine
	r.wg.Add(1)
	go r.writeFrames(r.stopChan, r.frameChan)

	r.log.Info("Recording started: %s", filename)
	return filename, nil
}

// Stop stops recording
func (r *Recorder) Stop() error {
	r.mu.Lock()

	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}

	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	// Wait for write goroutine to finish
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	defer func() {
		r.file = nil
		r.out = nil
	}()

	if err := r.out.Flush(); err != nil {
		r.file.Close()
		return fmt.Errorf("failed to flush file: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	r.log.Info("Recording stopped: %s (%d frames, %d dropped)", r.filename, r.frameCount, r.dropped.Load())
	return nil
}

// SendFrame sends a frame to the recorder (non-blocking). It reports whether
// the frame was queued.
// The send happens under the read lock so every queued frame is drained into
// the recording it was sent to.
func (r *Recorder) SendFrame(frame *types.Frame) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return false
	}

	select {
	case r.frameChan <- frame:
		return true
	default:
		// Writer lagging, drop frame
		r.dropped.Add(1)
		return false
	}
}

// writeFrames writes frames to file until stop is closed, then drains the buffer
func (r *Recorder) writeFrames(stop <-chan struct{}, frames <-chan *types.Frame) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-frames:
			r.writeFrame(frame)
		case <-stop:
			for {
				select {
				case frame := <-frames:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

// writeFrame writes a single frame to file
func (r *Recorder) writeFrame(frame *types.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.out == nil {
		return
	}

	n, err := writeRecord(r.out, frame)
	r.bytesWritten += uint64(n)
	if err != nil {
		r.log.Error("Failed to write frame %d: %v", frame.Seq, err)
		return
	}
	r.frameCount++
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status
func (r *Recorder) Status() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = r.clock.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		Dropped:      r.dropped.Load(),
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops a recording in progress
func (r *Recorder) Close() error {
	if err := r.Stop(); err != nil && !errors.Is(err, ErrNotRecording) {
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	Dropped      uint64    `json:"dropped"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
