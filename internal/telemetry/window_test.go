package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/timeutil"
)

func TestWindowReportsThirtyFPS(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	w := NewWindow(clock, time.Second)

	step := 1000 * time.Millisecond / 30
	for i := 0; i < 29; i++ {
		clock.Advance(step)
		_, ok := w.Observe(12 * time.Millisecond)
		require.False(t, ok, "window closed early at frame %d", i+1)
	}

	// Land exactly on the 1000 ms boundary with the 30th frame.
	clock.Set(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC))
	r, ok := w.Observe(25 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 30.0, r.FPS)
	assert.Equal(t, int64(25), r.LatencyMs)
	assert.Equal(t, 30, r.Frames)
	assert.Equal(t, time.Second, r.Elapsed)
	assert.Zero(t, w.Frames(), "counter resets after a report")
}

func TestWindowResetsStart(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	w := NewWindow(clock, time.Second)

	clock.Advance(2 * time.Second)
	r, ok := w.Observe(0)
	require.True(t, ok)
	assert.Equal(t, 0.5, r.FPS)

	clock.Advance(500 * time.Millisecond)
	_, ok = w.Observe(0)
	assert.False(t, ok, "new window must start at the previous report")

	clock.Advance(500 * time.Millisecond)
	r, ok = w.Observe(0)
	require.True(t, ok)
	assert.Equal(t, 2.0, r.FPS)
}

func TestWindowDefaultPeriod(t *testing.T) {
	w := NewWindow(nil, 0)
	assert.Equal(t, DefaultPeriod, w.period)
}
