// Package webmonitor serves the HTTP side of the tag fusion service: frame
// ingest, status, detection streams (SSE, WebSocket, WebRTC signaling),
// history, recording control and metrics.
package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/frameq"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/store"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/timeutil"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/webrtc"
)

// FrameSubmitter accepts raw frames for detection.
type FrameSubmitter interface {
	Submit(data []byte, width, height int) (frameq.SubmitResult, error)
}

// OfferHandler answers WebRTC offers.
type OfferHandler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
	ClientCount() int
}

// History reads stored detections and telemetry.
type History interface {
	RecentComposites(ctx context.Context, limit int) ([]store.Composite, error)
	RecentTelemetry(ctx context.Context, limit int) ([]store.Telemetry, error)
}

// Deps are the collaborators behind the endpoints. Monitor, Broadcaster and
// Hub are created when nil; the rest are optional and their endpoints answer
// 503 when missing.
type Deps struct {
	Intake      FrameSubmitter
	QueueStats  func() frameq.Stats
	Monitor     *Monitor
	Broadcaster *DetectionBroadcaster
	Hub         *Hub
	WebRTC      OfferHandler
	Recorder    FrameRecorder
	History     History
	Metrics     http.Handler
	Clock       timeutil.Clock
}

// Server serves the monitor endpoints.
type Server struct {
	cfg         Config
	intake      FrameSubmitter
	queueStats  func() frameq.Stats
	monitor     *Monitor
	broadcaster *DetectionBroadcaster
	hub         *Hub
	webrtc      OfferHandler
	recorder    FrameRecorder
	history     History
	metrics     http.Handler
	clock       timeutil.Clock
	log         logger.Module
}

// NewServer returns a configured monitor server.
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Monitor == nil {
		deps.Monitor = NewMonitor(deps.Clock)
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewDetectionBroadcaster()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}

	return &Server{
		cfg:         cfg,
		intake:      deps.Intake,
		queueStats:  deps.QueueStats,
		monitor:     deps.Monitor,
		broadcaster: deps.Broadcaster,
		hub:         deps.Hub,
		webrtc:      deps.WebRTC,
		recorder:    deps.Recorder,
		history:     deps.History,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		log:         logger.For("HTTP"),
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/frames", s.handleFrames)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.Handle("/ws/detections", s.hub)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	return mux
}

// Close disconnects streaming clients.
func (s *Server) Close() {
	s.broadcaster.Close()
	s.hub.Close()
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.intake == nil {
		writeError(w, "frame intake is not configured", http.StatusServiceUnavailable)
		return
	}

	width, errW := strconv.Atoi(r.URL.Query().Get("width"))
	height, errH := strconv.Atoi(r.URL.Query().Get("height"))
	if errW != nil || errH != nil {
		writeError(w, "width and height query parameters are required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxFrameBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, fmt.Sprintf("frame exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "failed to read frame", http.StatusBadRequest)
		return
	}

	res, err := s.intake.Submit(body, width, height)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if res.Disabled {
		writeError(w, "detection pipeline is shut down", http.StatusServiceUnavailable)
		return
	}

	writeJSONWithStatus(w, map[string]any{
		"accepted":  res.Accepted,
		"overwrote": res.Overwrote,
		"flushed":   res.Flushed,
	}, http.StatusAccepted)
}

func (s *Server) status() StatusPayload {
	monitorStats, latest, history := s.monitor.Snapshot()
	payload := StatusPayload{
		Monitor:          monitorStats,
		LatestDetection:  latest,
		DetectionHistory: history,
		Clients: ClientStats{
			SSE:       s.broadcaster.ClientCount(),
			WebSocket: s.hub.ClientCount(),
		},
		Timestamp: unixSeconds(s.clock.Now()),
	}
	if s.queueStats != nil {
		payload.Queue = newQueueStats(s.queueStats())
	}
	if s.webrtc != nil {
		payload.Clients.WebRTC = s.webrtc.ClientCount()
	}
	return payload
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	// Subscribe to detection events
	id, eventCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)

	// Content negotiation based on Accept header
	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamDetectionEventsFromChannel(r.Context(), w, eventCh, useProtobuf, s.cfg.KeepaliveInterval)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.webrtc == nil {
		writeError(w, "WebRTC is not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, "Invalid offer data", http.StatusBadRequest)
		return
	}

	answer, err := s.webrtc.HandleOffer(body)
	if err != nil {
		s.log.Warn("WebRTC offer failed: %v", err)
		status := http.StatusBadRequest
		if errors.Is(err, webrtc.ErrTooManyClients) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, "history store is not configured", http.StatusServiceUnavailable)
		return
	}

	limit := s.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, s.cfg.HistoryLimit)
	}

	composites, err := s.history.RecentComposites(r.Context(), limit)
	if err != nil {
		s.log.Error("History query failed: %v", err)
		writeError(w, "history query failed", http.StatusInternalServerError)
		return
	}
	telemetry, err := s.history.RecentTelemetry(r.Context(), limit)
	if err != nil {
		s.log.Error("History query failed: %v", err)
		writeError(w, "history query failed", http.StatusInternalServerError)
		return
	}
	if composites == nil {
		composites = []store.Composite{}
	}
	if telemetry == nil {
		telemetry = []store.Telemetry{}
	}

	writeJSON(w, map[string]any{
		"composites": composites,
		"telemetry":  telemetry,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.queueStats != nil && s.queueStats().Closed {
		writeJSONWithStatus(w, map[string]string{"status": "stopped"}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSONWithStatus(w, map[string]string{"error": msg}, status)
}
