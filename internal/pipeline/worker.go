// Package pipeline runs the detection worker: it takes the latest frame from
// the intake queue, detects tags, fuses adjacent pairs and hands the result to
// the display side.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/frameq"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/fusion"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/telemetry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/timeutil"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// DefaultCanvasWidth is the portrait canvas width used when none is configured.
const DefaultCanvasWidth = 1080

// ProjectorFactory builds the render projection for a frame size.
type ProjectorFactory func(width, height int) fusion.Projector

// Landscape projects with corner 0's x coordinate regardless of frame size.
func Landscape(int, int) fusion.Projector {
	return fusion.LandscapeProjector
}

// Portrait returns a factory for a portrait canvas canvasWidth pixels wide.
func Portrait(canvasWidth float64) ProjectorFactory {
	return func(_, height int) fusion.Projector {
		return fusion.PortraitProjector(canvasWidth, float64(height))
	}
}

// Config wires a Worker to its collaborators. Queue and Detector are required.
type Config struct {
	Queue     *frameq.Queue
	Detector  detector.Detector
	Params    fusion.Params
	Projector ProjectorFactory // defaults to Portrait(DefaultCanvasWidth)
	Renderer  Renderer
	Telemetry TelemetrySink
	Errors    ErrorObserver
	Clock     timeutil.Clock
	Period    time.Duration
	Logger    *logger.Logger
}

// Worker is the single consumer of a frame queue.
type Worker struct {
	cfg    Config
	log    logger.Module
	window *telemetry.Window

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Cached projector for the last frame size.
	projW, projH int
	project      fusion.Projector
}

// NewWorker validates cfg and fills defaults.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, errors.New("pipeline: queue is required")
	}
	if cfg.Detector == nil {
		return nil, errors.New("pipeline: detector is required")
	}
	if cfg.Params == (fusion.Params{}) {
		cfg.Params = fusion.DefaultParams()
	}
	if cfg.Projector == nil {
		cfg.Projector = Portrait(DefaultCanvasWidth)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	w := &Worker{
		cfg:  cfg,
		done: make(chan struct{}),
	}
	if cfg.Logger != nil {
		w.log = cfg.Logger.Module("Worker")
	} else {
		w.log = logger.For("Worker")
	}
	return w, nil
}

// Start launches the worker goroutine. It returns an error if called twice.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("pipeline: worker already started")
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.window = telemetry.NewWindow(w.cfg.Clock, w.cfg.Period)

	go func() {
		defer close(w.done)
		defer w.cancel()
		w.run(ctx)
	}()

	// A cancelled parent context also releases a blocked Take.
	context.AfterFunc(ctx, w.cfg.Queue.Teardown)

	w.log.Info("Detection worker started")
	return nil
}

// Stop tears down the queue, which cancels a blocked Take and ends the loop.
func (w *Worker) Stop() {
	w.cfg.Queue.Teardown()
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the worker goroutine has exited. It returns at once if
// the worker was never started.
func (w *Worker) Wait() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}

// Done is closed when the worker goroutine exits.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run(ctx context.Context) {
	defer w.log.Info("Detection worker stopped")

	for {
		if w.cfg.Queue.Closed() {
			return
		}
		frame, err := w.cfg.Queue.Take()
		if errors.Is(err, frameq.ErrClosed) {
			return
		}
		if err != nil {
			w.log.Error("Take failed: %v", err)
			return
		}
		w.process(ctx, frame)
	}
}

// process handles one frame. Detector failures never escape it.
func (w *Worker) process(ctx context.Context, frame *types.Frame) {
	raw, err := w.detect(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			w.log.Debug("Frame %d: detection cancelled", frame.Seq)
		} else {
			w.log.Warn("Frame %d: detection failed: %v", frame.Seq, err)
		}
		if w.cfg.Errors != nil {
			w.cfg.Errors.DetectorFailed(err)
		}
		raw = nil
	}

	composites := fusion.Fuse(raw, w.cfg.Params, w.projector(frame.Width, frame.Height))

	if w.cfg.Renderer != nil {
		w.cfg.Renderer.Render(types.FrameResult{
			Seq:         frame.Seq,
			Width:       frame.Width,
			Height:      frame.Height,
			SubmittedAt: frame.SubmittedAt,
			RawCount:    len(raw),
			Composites:  composites,
		})
	}

	latency := w.cfg.Clock.Since(frame.SubmittedAt)
	if report, ok := w.window.Observe(latency); ok {
		w.log.Debug("%.1f fps, latency %d ms", report.FPS, report.LatencyMs)
		if w.cfg.Telemetry != nil {
			w.cfg.Telemetry.Report(report.FPS, report.LatencyMs)
		}
	}
}

// detect calls the detector and turns a panic into an error.
func (w *Worker) detect(ctx context.Context, frame *types.Frame) (dets []types.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			dets = nil
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return w.cfg.Detector.Detect(ctx, frame.Data, frame.Width, frame.Height)
}

func (w *Worker) projector(width, height int) fusion.Projector {
	if w.project == nil || width != w.projW || height != w.projH {
		w.project = w.cfg.Projector(width, height)
		w.projW, w.projH = width, height
	}
	return w.project
}
