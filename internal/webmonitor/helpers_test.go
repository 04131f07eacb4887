package webmonitor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/frameq"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/pipeline"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/timeutil"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

type testEnv struct {
	queue  *frameq.Queue
	server *Server
	http   *httptest.Server
	clock  *timeutil.MockClock
}

func newTestEnv(t *testing.T, cfg Config, deps Deps) *testEnv {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	q := frameq.New(frameq.WithClock(clock))

	if deps.Intake == nil {
		deps.Intake = &pipeline.Intake{Queue: q}
	}
	if deps.QueueStats == nil {
		deps.QueueStats = q.Stats
	}
	deps.Clock = clock
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewDetectionBroadcaster()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
		deps.Broadcaster.Forward(deps.Hub.Publish)
	}

	s := NewServer(cfg, deps)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
		q.Teardown()
	})
	return &testEnv{queue: q, server: s, http: ts, clock: clock}
}

func (e *testEnv) url(path string) string {
	return e.http.URL + path
}

func sampleResult(seq uint64, ids ...int) types.FrameResult {
	res := types.FrameResult{
		Seq:         seq,
		Width:       640,
		Height:      480,
		RawCount:    2 * len(ids),
		SubmittedAt: time.Unix(1700000000, 0),
	}
	for i, id := range ids {
		cx := float64(100 + 50*i)
		res.Composites = append(res.Composites, types.Detection{
			ID:      id,
			Center:  r2.Vec{X: cx, Y: 200},
			Corners: [4]r2.Vec{{X: cx - 10, Y: 195}, {X: cx + 10, Y: 195}, {X: cx + 10, Y: 205}, {X: cx - 10, Y: 205}},
			Rotation: types.IdentityRotation,
		})
	}
	return res
}

// openSSE connects to the detection stream. The subscription is registered
// once the response headers arrive.
func openSSE(t *testing.T, url, accept string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp, bufio.NewReader(resp.Body)
}

// readSSEData returns the payload of the next data event, skipping comments.
func readSSEData(r *bufio.Reader) (string, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read sse: %w", err)
		}
		line = strings.TrimRight(line, "\n")
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			return payload, nil
		}
	}
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload), "body=%s", string(body))
	return payload
}
