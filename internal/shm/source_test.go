package shm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// fakeRing replays a fixed list of ring states, one per ReadLatest.
type fakeRing struct {
	mu     sync.Mutex
	frames []*types.Frame
	reads  int
	waitFn func() error
}

func (r *fakeRing) ReadLatest() (*types.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reads >= len(r.frames) {
		return nil, ErrNotOpen
	}
	f := r.frames[r.reads]
	r.reads++
	return f, nil
}

func (r *fakeRing) WaitNewFrame(time.Duration) error {
	if r.waitFn != nil {
		return r.waitFn()
	}
	return nil
}

type submission struct {
	seq           byte
	width, height int
}

func frame(seq uint64) *types.Frame {
	return &types.Frame{Data: []byte{byte(seq), 0, 0, 0}, Width: 2, Height: 2, Seq: seq}
}

func TestSourceSubmitsOnlyNewFrames(t *testing.T) {
	ring := &fakeRing{frames: []*types.Frame{nil, frame(1), frame(1), frame(2), frame(4), frame(4)}}
	var got []submission
	src := NewSource(ring, func(data []byte, width, height int) error {
		got = append(got, submission{data[0], width, height})
		return nil
	})

	err := src.Run(context.Background())
	require.ErrorIs(t, err, ErrNotOpen)
	assert.Equal(t, []submission{{1, 2, 2}, {2, 2, 2}, {4, 2, 2}}, got)
}

func TestSourceKeepsGoingAfterRejectedFrame(t *testing.T) {
	ring := &fakeRing{frames: []*types.Frame{frame(1), frame(2)}}
	calls := 0
	src := NewSource(ring, func([]byte, int, int) error {
		calls++
		return errors.New("frame buffer too short")
	})

	require.NoError(t, src.Poll())
	require.NoError(t, src.Poll())
	assert.Equal(t, 2, calls)
}

func TestSourceStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ring := &fakeRing{waitFn: func() error {
		cancel()
		return ErrTimeout
	}}
	src := NewSource(ring, func([]byte, int, int) error { return nil })

	assert.NoError(t, src.Run(ctx))
	assert.Zero(t, ring.reads)
}

func TestSourceUnsupportedReader(t *testing.T) {
	ring := &fakeRing{waitFn: func() error { return ErrUnsupported }}
	src := NewSource(ring, func([]byte, int, int) error { return nil })
	assert.ErrorIs(t, src.Run(context.Background()), ErrUnsupported)
}
