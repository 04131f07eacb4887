package webmonitor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/store"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/webrtc"
)

func postFrame(t *testing.T, env *testEnv, query string, body []byte) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(env.url("/api/frames"+query), "application/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, decodeJSONMap(t, data)
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, decodeJSONMap(t, data)
}

func TestFramesEndpointQueuesFrame(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})

	resp, payload := postFrame(t, env, "?width=4&height=4", make([]byte, 24))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, payload["accepted"])
	assert.Equal(t, 1, env.queue.Len())

	// A second frame overwrites the pending one.
	_, payload = postFrame(t, env, "?width=4&height=4", make([]byte, 24))
	assert.EqualValues(t, 1, payload["overwrote"])

	// A size change flushes it.
	_, payload = postFrame(t, env, "?width=2&height=2", make([]byte, 6))
	assert.EqualValues(t, 1, payload["flushed"])
	assert.Equal(t, 1, env.queue.Len())
}

func TestFramesEndpointValidation(t *testing.T) {
	env := newTestEnv(t, Config{MaxFrameBytes: 32}, Deps{})

	tests := []struct {
		name   string
		query  string
		body   []byte
		status int
	}{
		{"missing size", "", make([]byte, 16), http.StatusBadRequest},
		{"bad width", "?width=abc&height=4", make([]byte, 16), http.StatusBadRequest},
		{"zero size", "?width=0&height=4", make([]byte, 16), http.StatusBadRequest},
		{"overflowing size", "?width=4294967296&height=4294967296", nil, http.StatusBadRequest},
		{"negative size", "?width=-4&height=-4", make([]byte, 16), http.StatusBadRequest},
		{"short buffer", "?width=4&height=4", make([]byte, 8), http.StatusBadRequest},
		{"too large", "?width=4&height=4", make([]byte, 64), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, payload := postFrame(t, env, tt.query, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, payload["error"])
		})
	}
	assert.Equal(t, 0, env.queue.Len())

	resp, err := http.Get(env.url("/api/frames?width=4&height=4"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestFramesEndpointOversizedKeepsPendingFrame(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})

	resp, _ := postFrame(t, env, "?width=4&height=4", make([]byte, 16))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, payload := postFrame(t, env, "?width=4294967296&height=4294967296", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, payload["error"])

	w, h := env.queue.Size()
	assert.Equal(t, [2]int{4, 4}, [2]int{w, h})
	assert.Equal(t, 1, env.queue.Len())
}

func TestFramesEndpointAfterTeardown(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	env.queue.Teardown()

	resp, _ := postFrame(t, env, "?width=4&height=4", make([]byte, 16))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, payload := getJSON(t, env.url("/health"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "stopped", payload["status"])
}

func TestStatusEndpoint(t *testing.T) {
	monitor := NewMonitor(nil)
	env := newTestEnv(t, Config{}, Deps{Monitor: monitor})

	monitor.Render(sampleResult(1))
	monitor.Render(sampleResult(2, 1177))
	monitor.Report(29.5, 12)
	postFrame(t, env, "?width=4&height=4", make([]byte, 16))

	resp, payload := getJSON(t, env.url("/api/status"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mon := payload["monitor"].(map[string]any)
	assert.EqualValues(t, 2, mon["frames_processed"])
	assert.EqualValues(t, 29.5, mon["current_fps"])
	assert.EqualValues(t, 12, mon["latency_ms"])
	assert.EqualValues(t, 1, mon["detection_count"])

	queue := payload["queue"].(map[string]any)
	assert.EqualValues(t, 1, queue["submitted"])
	assert.EqualValues(t, 1, queue["pending"])
	assert.EqualValues(t, 4, queue["width"])

	latest := payload["latest_detection"].(map[string]any)
	assert.EqualValues(t, 2, latest["frame_number"])

	history := payload["detection_history"].([]any)
	require.Len(t, history, 1)
	dets := history[0].(map[string]any)["detections"].([]any)
	require.Len(t, dets, 1)
	assert.EqualValues(t, 1177, dets[0].(map[string]any)["id"])

	assert.EqualValues(t, 1700000000, payload["timestamp"])
}

func TestDetectionStreamJSON(t *testing.T) {
	b := NewDetectionBroadcaster()
	env := newTestEnv(t, Config{}, Deps{Broadcaster: b})

	resp, r := openSSE(t, env.url("/api/detections/stream"), "")
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", resp.Header.Get("X-Content-Format"))
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	b.Render(sampleResult(7, 1177, 2941))

	data, err := readSSEData(r)
	require.NoError(t, err)
	event := decodeJSONMap(t, []byte(data))
	assert.EqualValues(t, 7, event["frame_number"])
	assert.EqualValues(t, 640, event["width"])
	assert.EqualValues(t, 4, event["raw_count"])
	assert.Len(t, event["detections"], 2)

	// Empty frames still reach the client so overlays can be cleared.
	b.Render(sampleResult(8))
	data, err = readSSEData(r)
	require.NoError(t, err)
	event = decodeJSONMap(t, []byte(data))
	assert.EqualValues(t, 8, event["frame_number"])
	assert.Empty(t, event["detections"])
}

func TestDetectionStreamProtobuf(t *testing.T) {
	b := NewDetectionBroadcaster()
	env := newTestEnv(t, Config{}, Deps{Broadcaster: b})

	resp, r := openSSE(t, env.url("/api/detections/stream"), "application/protobuf")
	assert.Equal(t, "application/protobuf", resp.Header.Get("X-Content-Format"))
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	b.Render(sampleResult(3, 1177))

	data, err := readSSEData(r)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(data)
	require.NoError(t, err)

	var event structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &event))
	fields := event.AsMap()
	assert.EqualValues(t, 3, fields["frame_number"])
	dets := fields["detections"].([]any)
	require.Len(t, dets, 1)
	assert.EqualValues(t, 1177, dets[0].(map[string]any)["id"])
}

func TestDetectionStreamEndsOnClose(t *testing.T) {
	b := NewDetectionBroadcaster()
	env := newTestEnv(t, Config{}, Deps{Broadcaster: b})

	_, r := openSSE(t, env.url("/api/detections/stream"), "")
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	b.Close()
	_, err := readSSEData(r)
	assert.Error(t, err)
}

func TestWebSocketReceivesEvents(t *testing.T) {
	b := NewDetectionBroadcaster()
	hub := NewHub()
	b.Forward(hub.Publish)
	env := newTestEnv(t, Config{}, Deps{Broadcaster: b, Hub: hub})

	wsURL := "ws" + strings.TrimPrefix(env.url("/ws/detections"), "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	b.Render(sampleResult(5, 2941))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	event := decodeJSONMap(t, msg)
	assert.EqualValues(t, 5, event["frame_number"])

	_, status := getJSON(t, env.url("/api/status"))
	assert.EqualValues(t, 1, status["clients"].(map[string]any)["websocket"])

	hub.Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestHubDropsForSlowViewer(t *testing.T) {
	hub := NewHub()
	drops := 0
	hub.OnDrop = func() { drops++ }
	c := &wsClient{send: make(chan []byte, 1)}
	hub.clients[c] = true

	event := &SerializedEvent{JSONData: []byte(`{}`)}
	hub.Publish(event)
	hub.Publish(event)
	hub.Publish(event)
	assert.Equal(t, 2, drops)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())
}

type fakeOffers struct {
	answer []byte
	err    error
	got    []byte
}

func (f *fakeOffers) HandleOffer(offer []byte) ([]byte, error) {
	f.got = offer
	return f.answer, f.err
}

func (f *fakeOffers) ClientCount() int { return 3 }

func TestWebRTCOffer(t *testing.T) {
	offers := &fakeOffers{answer: []byte(`{"type":"answer","sdp":"v=0"}`)}
	env := newTestEnv(t, Config{}, Deps{WebRTC: offers})

	resp, err := http.Post(env.url("/api/webrtc/offer"), "application/json", strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"type":"answer","sdp":"v=0"}`, string(body))
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(offers.got))

	offers.err = webrtc.ErrTooManyClients
	resp, err = http.Post(env.url("/api/webrtc/offer"), "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	offers.err = errors.New("bad sdp")
	resp, err = http.Post(env.url("/api/webrtc/offer"), "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, status := getJSON(t, env.url("/api/status"))
	assert.EqualValues(t, 3, status["clients"].(map[string]any)["webrtc"])
}

func TestWebRTCOfferNotConfigured(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})

	resp, err := http.Post(env.url("/api/webrtc/offer"), "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.RecordResult(ctx, sampleResult(1, 1177)))
	require.NoError(t, db.RecordResult(ctx, sampleResult(2, 2941, 1177)))
	require.NoError(t, db.RecordTelemetry(ctx, 30, 8))

	env := newTestEnv(t, Config{HistoryLimit: 10}, Deps{History: db})

	resp, payload := getJSON(t, env.url("/api/history?limit=2"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	composites := payload["composites"].([]any)
	require.Len(t, composites, 2)
	assert.EqualValues(t, 2, composites[0].(map[string]any)["frame_seq"])
	telemetry := payload["telemetry"].([]any)
	require.Len(t, telemetry, 1)
	assert.EqualValues(t, 30, telemetry[0].(map[string]any)["fps"])

	resp, _ = getJSON(t, env.url("/api/history?limit=-1"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryNotConfigured(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	resp, _ := getJSON(t, env.url("/api/history"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRecordingEndpoints(t *testing.T) {
	rec := recorder.NewRecorder(t.TempDir())
	t.Cleanup(func() { rec.Close() })
	env := newTestEnv(t, Config{}, Deps{Recorder: rec})

	post := func(path string) (*http.Response, map[string]any) {
		resp, err := http.Post(env.url(path), "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, decodeJSONMap(t, data)
	}

	resp, payload := post("/api/recording/start")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "recording", payload["status"])
	filename := payload["file"].(string)
	assert.True(t, strings.HasSuffix(filename, recorder.FileExt))

	resp, _ = post("/api/recording/start")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, status := getJSON(t, env.url("/api/recording/status"))
	assert.Equal(t, true, status["recording"])

	resp, payload = post("/api/recording/stop")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", payload["status"])
	assert.Equal(t, filename, payload["file"])

	resp, _ = post("/api/recording/stop")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRecordingNotConfigured(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})

	resp, payload := getJSON(t, env.url("/api/recording/status"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, payload["error"])

	for _, path := range []string{"/api/recording/start", "/api/recording/stop"} {
		resp, err := http.Post(env.url(path), "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New()
	m.Report(30, 5)
	env := newTestEnv(t, Config{}, Deps{Metrics: m.Handler()})

	resp, payload := getJSON(t, env.url("/health"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", payload["status"])

	resp, err := http.Get(env.url("/metrics"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tagfusion_detect_fps 30")
}
