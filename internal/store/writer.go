package store

import (
	"context"
	"sync/atomic"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// DefaultWriterBuffer is the number of pending writes a Writer holds.
const DefaultWriterBuffer = 64

type write struct {
	result    *types.FrameResult
	fps       float64
	latencyMs int64
}

// Writer moves history writes off the detection goroutine. Render and Report
// never block; when the buffer is full the write is dropped.
type Writer struct {
	store   *Store
	ch      chan write
	dropped atomic.Uint64
	onError func(error)
	log     logger.Module
}

// NewWriter creates a writer for s. onError, if set, is called for every
// failed write.
func NewWriter(s *Store, buffer int, onError func(error)) *Writer {
	if buffer <= 0 {
		buffer = DefaultWriterBuffer
	}
	return &Writer{
		store:   s,
		ch:      make(chan write, buffer),
		onError: onError,
		log:     logger.For("Store"),
	}
}

// Render queues the composites of res.
func (w *Writer) Render(res types.FrameResult) {
	if len(res.Composites) == 0 {
		return
	}
	w.enqueue(write{result: &res})
}

// Report queues one telemetry window.
func (w *Writer) Report(fps float64, latencyMs int64) {
	w.enqueue(write{fps: fps, latencyMs: latencyMs})
}

func (w *Writer) enqueue(wr write) {
	select {
	case w.ch <- wr:
	default:
		if w.dropped.Add(1)%100 == 1 {
			w.log.Warn("History writer lagging, dropped %d writes", w.dropped.Load())
		}
	}
}

// Dropped returns the number of writes discarded because the buffer was full.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Run drains queued writes until ctx is done, then flushes what is left.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case wr := <-w.ch:
			w.apply(context.WithoutCancel(ctx), wr)
		case <-ctx.Done():
			for {
				select {
				case wr := <-w.ch:
					w.apply(context.WithoutCancel(ctx), wr)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) apply(ctx context.Context, wr write) {
	var err error
	if wr.result != nil {
		err = w.store.RecordResult(ctx, *wr.result)
	} else {
		err = w.store.RecordTelemetry(ctx, wr.fps, wr.latencyMs)
	}
	if err != nil {
		w.log.Error("History write failed: %v", err)
		if w.onError != nil {
			w.onError(err)
		}
	}
}
