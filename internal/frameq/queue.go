// Package frameq implements the bounded intake queue between the frame source
// and the detection worker.
//
// The queue never blocks the producer and never grows past its capacity: when
// full, buffered frames are discarded so that only the most recent frame is
// handed to the worker. A change of frame dimensions flushes anything buffered.
package frameq

import (
	"errors"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/timeutil"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// DefaultCapacity keeps only the newest frame.
const DefaultCapacity = 1

// ErrClosed is returned by Take once the queue has been torn down.
var ErrClosed = errors.New("frameq: queue torn down")

// SubmitResult describes what a Submit call did to the queue.
type SubmitResult struct {
	Accepted  bool // Frame was enqueued
	Disabled  bool // Queue torn down, frame dropped
	Flushed   int  // Frames discarded because the dimensions changed
	Overwrote int  // Frames discarded to make room (drop-oldest)

	// Set when Accepted: the sequence number and timestamp given to the frame.
	Seq         uint64
	SubmittedAt time.Time
}

// Observer receives the outcome of every Submit. It is called with the queue
// lock released.
type Observer interface {
	OnSubmit(SubmitResult)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(SubmitResult)

// OnSubmit calls f(r).
func (f ObserverFunc) OnSubmit(r SubmitResult) { f(r) }

// Stats is a snapshot of the queue counters.
type Stats struct {
	Submitted   uint64 `json:"submitted"`
	Accepted    uint64 `json:"accepted"`
	Overwritten uint64 `json:"overwritten"`
	Flushed     uint64 `json:"flushed"`
	Rejected    uint64 `json:"rejected"`
	Taken       uint64 `json:"taken"`
	Pending     int    `json:"pending"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Closed      bool   `json:"closed"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets how many frames may be buffered. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n >= 1 {
			q.capacity = n
		}
	}
}

// WithClock sets the clock used to stamp submissions.
func WithClock(c timeutil.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithObserver registers a submit observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Module) Option {
	return func(q *Queue) { q.log = l }
}

// Queue is a bounded producer/consumer mailbox. All methods are safe for
// concurrent use; Take is intended for a single consumer.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	frames   []*types.Frame
	capacity int
	width    int
	height   int
	hasSize  bool
	disabled bool
	seq      uint64

	stats Stats

	clock    timeutil.Clock
	observer Observer
	log      logger.Module
}

// New creates an enabled, empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		capacity: DefaultCapacity,
		clock:    timeutil.RealClock{},
		log:      logger.For("FrameQueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cond = sync.NewCond(&q.mu)
	q.frames = make([]*types.Frame, 0, q.capacity)
	return q
}

// Submit offers a frame to the worker. It never blocks on the consumer.
//
// The queue takes ownership of data; callers must not modify it afterwards.
func (q *Queue) Submit(data []byte, width, height int) SubmitResult {
	var res SubmitResult

	q.mu.Lock()
	q.stats.Submitted++

	if q.disabled {
		q.stats.Rejected++
		q.mu.Unlock()
		res.Disabled = true
		q.log.Debug("Queue torn down, skipping frame")
		q.notify(res)
		return res
	}

	if !q.hasSize || q.width != width || q.height != height {
		res.Flushed = len(q.frames)
		q.clearLocked()
		if q.hasSize {
			q.log.Warn("Frame size changed during preview: %dx%d -> %dx%d", q.width, q.height, width, height)
		}
		q.width, q.height, q.hasSize = width, height, true
		q.stats.Flushed += uint64(res.Flushed)
	}

	if len(q.frames) >= q.capacity {
		res.Overwrote = len(q.frames)
		q.clearLocked()
		q.stats.Overwritten += uint64(res.Overwrote)
	}

	q.seq++
	frame := &types.Frame{
		Data:        data,
		Width:       width,
		Height:      height,
		Seq:         q.seq,
		SubmittedAt: q.clock.Now(),
	}
	q.frames = append(q.frames, frame)
	q.stats.Accepted++
	res.Accepted = true
	res.Seq, res.SubmittedAt = frame.Seq, frame.SubmittedAt

	q.cond.Signal()
	q.mu.Unlock()

	if res.Overwrote > 0 {
		q.log.Debug("Queue full, dropped %d frame(s)", res.Overwrote)
	}
	q.notify(res)
	return res
}

// Take blocks until a frame is available and removes it from the queue.
// It returns ErrClosed if the queue is (or becomes) torn down.
func (q *Queue) Take() (*types.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.frames) == 0 && !q.disabled {
		q.cond.Wait()
	}
	if q.disabled {
		return nil, ErrClosed
	}

	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.stats.Taken++
	return frame, nil
}

// Teardown clears the queue and disables it permanently. Blocked Take calls
// return ErrClosed and later Submit calls are dropped. Safe to call repeatedly.
func (q *Queue) Teardown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.disabled {
		return
	}
	q.clearLocked()
	q.disabled = true
	q.cond.Broadcast()
	q.log.Info("Queue torn down")
}

// Closed reports whether Teardown has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.disabled
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Size returns the most recently recorded frame dimensions.
func (q *Queue) Size() (width, height int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.width, q.height
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.frames)
	s.Width, s.Height = q.width, q.height
	s.Closed = q.disabled
	return s
}

func (q *Queue) clearLocked() {
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.frames = q.frames[:0]
}

func (q *Queue) notify(res SubmitResult) {
	if q.observer != nil {
		q.observer.OnSubmit(res)
	}
}
