package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/frameq"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/shm"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/store"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/webmonitor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/webrtc"
)

// Server is the tag fusion server
type Server struct {
	cfg    config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics  *metrics.Metrics
	queue    *frameq.Queue
	detector detector.Detector
	worker   *pipeline.Worker
	intake   *pipeline.Intake

	shmReader *shm.Reader
	source    *shm.Source

	store        *store.Store
	storeWriter  *store.Writer
	writerCancel context.CancelFunc
	writerDone   chan struct{}

	broadcaster *webmonitor.DetectionBroadcaster
	hub         *webmonitor.Hub
	webrtc      *webrtc.Server
	recorder    *recorder.Recorder
	monitor     *webmonitor.Server
	httpServer  *http.Server
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, os.Stderr, cfg.Log.Color)

	logger.Info("Main", "Tag fusion server starting...")
	logger.Info("Main", "Log level: %s", cfg.Log.Level)

	// Create server
	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Start server
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	// Graceful shutdown
	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewServer creates a new tag fusion server
func NewServer(cfg config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	// Create metrics
	m := metrics.New()

	// Create intake queue
	queue := frameq.New(
		frameq.WithCapacity(cfg.Queue.Capacity),
		frameq.WithObserver(m),
	)

	// Create detector
	var det detector.Detector = detector.Nop{}
	if cfg.Detector.Command != "" {
		proc, err := detector.NewProcess(cfg.Detector.Command, cfg.Detector.Args, cfg.Detector.Options)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create detector: %w", err)
		}
		det = proc
	} else {
		logger.Warn("Main", "No detector command configured, every frame will be empty")
	}

	// Create recorder; it sees every accepted frame
	rec := recorder.NewRecorder(cfg.Recorder.Path)
	intake := &pipeline.Intake{Queue: queue, Tap: rec}

	// Display fan-out
	broadcaster := webmonitor.NewDetectionBroadcaster()
	broadcaster.OnDrop = func() { m.BroadcastsDropped.Add(1) }

	hub := webmonitor.NewHub()
	hub.OnDrop = func() { m.BroadcastsDropped.Add(1) }
	broadcaster.Forward(hub.Publish)

	webrtcSrv := webrtc.NewServer(cfg.WebRTC.STUNServers, cfg.WebRTC.MaxClients)
	webrtcSrv.OnDrop = func() { m.WebRTCDropped.Add(1) }
	webrtcSrv.OnClientsChanged = func(n int) { m.WebRTCClients.Store(int64(n)) }
	broadcaster.Forward(func(e *webmonitor.SerializedEvent) { webrtcSrv.Broadcast(e.JSONData) })

	status := webmonitor.NewMonitor(nil)

	renderers := pipeline.MultiRenderer{status, broadcaster, m}
	sinks := pipeline.MultiSink{status, m, pipeline.TelemetryFunc(logTelemetry)}

	srv := &Server{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		metrics:     m,
		queue:       queue,
		detector:    det,
		intake:      intake,
		broadcaster: broadcaster,
		hub:         hub,
		webrtc:      webrtcSrv,
		recorder:    rec,
	}

	// Optional history store
	var history webmonitor.History
	if cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			srv.closeComponents()
			cancel()
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		srv.store = db
		srv.storeWriter = store.NewWriter(db, cfg.Store.Buffer, func(error) { m.StoreErrors.Add(1) })
		renderers = append(renderers, srv.storeWriter)
		sinks = append(sinks, srv.storeWriter)
		history = db
	}

	projector := pipeline.Portrait(cfg.Projector.CanvasWidth)
	if cfg.Projector.Orientation == config.OrientationLandscape {
		projector = pipeline.Landscape
	}

	worker, err := pipeline.NewWorker(pipeline.Config{
		Queue:     queue,
		Detector:  det,
		Params:    cfg.Fusion,
		Projector: projector,
		Renderer:  renderers,
		Telemetry: sinks,
		Errors:    m,
	})
	if err != nil {
		srv.closeComponents()
		cancel()
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}
	srv.worker = worker

	// Optional shared memory source
	if cfg.Source.SHMName != "" {
		reader, err := shm.NewReader(cfg.Source.SHMName)
		if err != nil {
			srv.closeComponents()
			cancel()
			return nil, fmt.Errorf("failed to create shared memory reader: %w", err)
		}
		srv.shmReader = reader
		srv.source = shm.NewSource(reader, func(data []byte, width, height int) error {
			_, err := intake.Submit(data, width, height)
			return err
		})
		srv.source.SetWaitTimeout(cfg.Source.WaitTimeout)
	}

	// Create HTTP server
	srv.monitor = webmonitor.NewServer(webmonitor.Config{
		Addr:              cfg.HTTP.Addr,
		MaxFrameBytes:     cfg.HTTP.MaxFrameBytes,
		KeepaliveInterval: cfg.HTTP.KeepaliveInterval,
		HistoryLimit:      cfg.HTTP.HistoryLimit,
	}, webmonitor.Deps{
		Intake:      intake,
		QueueStats:  queue.Stats,
		Monitor:     status,
		Broadcaster: broadcaster,
		Hub:         hub,
		WebRTC:      webrtcSrv,
		Recorder:    rec,
		History:     history,
		Metrics:     m.Handler(),
	})
	srv.httpServer = &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: srv.monitor.Handler(),
	}

	return srv, nil
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "Starting tag fusion server...")
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTP.Addr)
	logger.Info("Main", "  Detector: %s", detectorName(s.cfg))
	logger.Info("Main", "  Shared memory: %s", orNone(s.cfg.Source.SHMName))
	logger.Info("Main", "  History store: %s", orNone(s.cfg.Store.Path))
	logger.Info("Main", "  Recording path: %s", s.cfg.Recorder.Path)

	// Start pprof server
	if addr := s.cfg.HTTP.PprofAddr; addr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.Error("Main", "pprof server error: %v", err)
			}
		}()
	}

	// Start metrics server
	if addr := s.cfg.HTTP.MetricsAddr; addr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", addr)
			if err := s.metrics.StartServer(addr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	// History writes outlive the worker so the last results are flushed
	if s.storeWriter != nil {
		var writerCtx context.Context
		writerCtx, s.writerCancel = context.WithCancel(context.Background())
		s.writerDone = make(chan struct{})
		go func() {
			defer close(s.writerDone)
			s.storeWriter.Run(writerCtx)
		}()
	}

	if err := s.worker.Start(s.ctx); err != nil {
		return err
	}

	// Start HTTP server
	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTP.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	if s.source != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.source.Run(s.ctx); err != nil {
				logger.Error("Main", "Shared memory source stopped: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.trackClients()

	logger.Info("Main", "Server started successfully")
	return nil
}

// trackClients publishes stream client counts to metrics
func (s *Server) trackClients() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			n := s.broadcaster.ClientCount() + s.hub.ClientCount()
			s.metrics.StreamClients.Store(int64(n))
		}
	}
}

func logTelemetry(fps float64, latencyMs int64) {
	logger.Debug("Telemetry", "%.1f fps, latency %d ms", fps, latencyMs)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	var errs []error

	// Disconnect stream clients so their handlers return, then stop HTTP
	s.monitor.Close()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// Stop frame sources and the worker
	s.cancel()
	s.worker.Stop()
	s.worker.Wait()
	s.wg.Wait()

	// Flush pending history writes
	if s.writerCancel != nil {
		s.writerCancel()
		<-s.writerDone
	}

	if err := s.closeComponents(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeComponents releases everything NewServer may have opened
func (s *Server) closeComponents() error {
	var errs []error
	if s.webrtc != nil {
		if err := s.webrtc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("webrtc: %w", err))
		}
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recorder: %w", err))
		}
	}
	if c, ok := s.detector.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detector: %w", err))
		}
	}
	if s.shmReader != nil {
		if err := s.shmReader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shared memory: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func detectorName(cfg config.Config) string {
	if cfg.Detector.Command == "" {
		return "none"
	}
	return fmt.Sprintf("%s (%s)", cfg.Detector.Command, cfg.Detector.Options.Family)
}

func orNone(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}
