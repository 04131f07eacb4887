package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/timeutil"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

func openTestStore(t *testing.T, clock timeutil.Clock) *Store {
	t.Helper()
	s, err := OpenWithClock(filepath.Join(t.TempDir(), "history.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func composite(id int, cx, cy float64) types.Detection {
	return types.Detection{
		ID:      id,
		Hamming: 1,
		Center:  r2.Vec{X: cx, Y: cy},
		Corners: [4]r2.Vec{
			{X: cx - 10, Y: cy - 5}, {X: cx + 10, Y: cy - 5},
			{X: cx + 10, Y: cy + 5}, {X: cx - 10, Y: cy + 5},
		},
		Rotation: types.IdentityRotation,
	}
}

func TestRecordAndReadComposites(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	s := openTestStore(t, clock)
	ctx := context.Background()

	require.NoError(t, s.RecordResult(ctx, types.FrameResult{Seq: 7, Composites: []types.Detection{composite(1766, 50, 60)}}))
	clock.Advance(time.Second)
	require.NoError(t, s.RecordResult(ctx, types.FrameResult{Seq: 8, Composites: []types.Detection{
		composite(2353, 10, 20),
		composite(2940, 30, 40),
	}}))

	got, err := s.RecentComposites(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first.
	assert.Equal(t, 2940, got[0].TagID)
	assert.Equal(t, 2353, got[1].TagID)
	assert.Equal(t, uint64(8), got[0].FrameSeq)
	assert.Equal(t, [2]float64{30, 40}, got[0].Center)
	assert.Equal(t, [][2]float64{{20, 35}, {40, 35}, {40, 45}, {20, 45}}, got[0].Corners)
	assert.Equal(t, 0.0, got[0].Roll)
	assert.True(t, got[0].RecordedAt.Equal(time.Unix(1700000001, 0)))
}

func TestRecordResultSkipsEmpty(t *testing.T) {
	s := openTestStore(t, timeutil.RealClock{})
	ctx := context.Background()

	require.NoError(t, s.RecordResult(ctx, types.FrameResult{Seq: 1}))

	got, err := s.RecentComposites(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordTelemetry(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	s := openTestStore(t, clock)
	ctx := context.Background()

	require.NoError(t, s.RecordTelemetry(ctx, 29.5, 40))
	clock.Advance(time.Second)
	require.NoError(t, s.RecordTelemetry(ctx, 30, 35))

	got, err := s.RecentTelemetry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 30.0, got[0].FPS)
	assert.Equal(t, int64(35), got[0].LatencyMs)
	assert.Equal(t, 29.5, got[1].FPS)
	assert.True(t, got[1].RecordedAt.Equal(time.Unix(1700000000, 0)))
}

func TestWriterFlushesOnShutdown(t *testing.T) {
	s := openTestStore(t, timeutil.RealClock{})
	w := NewWriter(s, 8, nil)

	w.Render(types.FrameResult{Seq: 1, Composites: []types.Detection{composite(1, 0, 0)}})
	w.Render(types.FrameResult{Seq: 2}) // ignored
	w.Report(15, 80)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx) // cancelled already: drains and returns

	comps, err := s.RecentComposites(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, comps, 1)

	tel, err := s.RecentTelemetry(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, tel, 1)
}

func TestWriterDropsWhenFull(t *testing.T) {
	s := openTestStore(t, timeutil.RealClock{})
	w := NewWriter(s, 1, nil)

	w.Report(1, 1)
	w.Report(2, 2)
	w.Report(3, 3)

	assert.Equal(t, uint64(2), w.Dropped())
}

func TestWriterReportsErrors(t *testing.T) {
	s := openTestStore(t, timeutil.RealClock{})
	var errs []error
	w := NewWriter(s, 4, func(err error) { errs = append(errs, err) })
	require.NoError(t, s.Close())

	w.Report(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	assert.Len(t, errs, 1)
}
