package webmonitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
)

// sseRetry is the reconnect delay suggested to EventSource clients.
const sseRetry = 2 * time.Second

// sseWriter frames server-sent events on a flushing response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s sseWriter) event(id uint64, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: detection\ndata: %s\n\n", id, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// streamDetectionEventsFromChannel relays pre-serialized events to one SSE
// client until ctx ends or the channel is closed. X-Content-Format tells the
// client which encoding the data lines carry.
func streamDetectionEventsFromChannel(ctx context.Context, w http.ResponseWriter, eventCh <-chan *SerializedEvent, useProtobuf bool, keepalive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	format := "application/json"
	if useProtobuf {
		format = "application/protobuf"
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Content-Format", format)
	w.WriteHeader(http.StatusOK)

	sse := sseWriter{w: w, flusher: flusher}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetry.Milliseconds()); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			err = sse.event(event.FrameNumber, data)
		case <-ticker.C:
			err = sse.comment("keepalive")
		}
		if err != nil {
			logger.Debug("SSE", "Client disconnected: %v", err)
			return
		}
	}
}
