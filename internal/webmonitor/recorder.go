package webmonitor

import (
	"errors"
	"net/http"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/recorder"
)

// FrameRecorder is the capture control behind /api/recording/*.
type FrameRecorder interface {
	Start() (string, error)
	Stop() error
	Status() recorder.RecordingStatus
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeError(w, "recorder is not configured", http.StatusServiceUnavailable)
		return
	}

	filename, err := s.recorder.Start()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrAlreadyRecording) {
			status = http.StatusConflict
		}
		writeError(w, err.Error(), status)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": unixSeconds(s.recorder.Status().StartTime),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeError(w, "recorder is not configured", http.StatusServiceUnavailable)
		return
	}

	if err := s.recorder.Stop(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrNotRecording) {
			status = http.StatusConflict
		}
		writeError(w, err.Error(), status)
		return
	}

	stats := s.recorder.Status()
	writeJSON(w, map[string]any{
		"status": "stopped",
		"file":   stats.Filename,
		"stats":  stats,
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, "recorder is not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.recorder.Status())
}
