package frameq

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/timeutil"
)

func newTestQueue(opts ...Option) *Queue {
	opts = append([]Option{WithLogger(logger.Discard().Module("FrameQueue"))}, opts...)
	return New(opts...)
}

func TestSubmitOverwritesOldest(t *testing.T) {
	q := newTestQueue()

	for i := 0; i < 5; i++ {
		q.Submit([]byte{byte(i)}, 640, 480)
	}
	require.Equal(t, 1, q.Len())

	frame, err := q.Take()
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, frame.Data, "only the newest frame should survive")
	assert.Equal(t, uint64(5), frame.Seq)

	stats := q.Stats()
	assert.Equal(t, uint64(5), stats.Submitted)
	assert.Equal(t, uint64(4), stats.Overwritten)
	assert.Equal(t, 0, stats.Pending)
}

func TestSubmitReportsSeqAndStamp(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	q := newTestQueue(WithClock(clock))

	res := q.Submit([]byte{1}, 2, 2)
	assert.Equal(t, uint64(1), res.Seq)
	clock.Advance(time.Second)
	res = q.Submit([]byte{2}, 2, 2)
	assert.Equal(t, uint64(2), res.Seq)
	assert.True(t, res.SubmittedAt.Equal(clock.Now()))

	frame, err := q.Take()
	require.NoError(t, err)
	assert.Equal(t, res.Seq, frame.Seq)
	assert.True(t, res.SubmittedAt.Equal(frame.SubmittedAt))

	q.Teardown()
	res = q.Submit([]byte{3}, 2, 2)
	assert.Zero(t, res.Seq)
}

func TestSubmitWithLargerCapacity(t *testing.T) {
	q := newTestQueue(WithCapacity(3))

	for i := 0; i < 3; i++ {
		res := q.Submit([]byte{byte(i)}, 4, 4)
		assert.Zero(t, res.Overwrote)
	}
	res := q.Submit([]byte{9}, 4, 4)
	assert.Equal(t, 3, res.Overwrote)
	assert.Equal(t, 1, q.Len())
}

func TestDimensionChangeFlushes(t *testing.T) {
	q := newTestQueue(WithCapacity(2))

	q.Submit([]byte("a"), 640, 480)
	res := q.Submit([]byte("b"), 640, 480)
	assert.Zero(t, res.Flushed)
	require.Equal(t, 2, q.Len())

	res = q.Submit([]byte("c"), 1280, 720)
	assert.Equal(t, 2, res.Flushed)
	assert.True(t, res.Accepted)
	require.Equal(t, 1, q.Len())

	w, h := q.Size()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	frame, err := q.Take()
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), frame.Data)
	assert.Equal(t, 1280, frame.Width)
	assert.Equal(t, 720, frame.Height)
}

func TestFirstSubmitRecordsSize(t *testing.T) {
	q := newTestQueue()
	res := q.Submit([]byte("a"), 320, 240)
	assert.Zero(t, res.Flushed)
	w, h := q.Size()
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)
}

func TestSubmitStampsClock(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	q := newTestQueue(WithClock(clock))

	q.Submit([]byte("a"), 2, 2)
	frame, err := q.Take()
	require.NoError(t, err)
	assert.True(t, frame.SubmittedAt.Equal(start))
}

func TestTeardownCancelsBlockedTake(t *testing.T) {
	q := newTestQueue()

	errCh := make(chan error, 1)
	go func() {
		frame, err := q.Take()
		if frame != nil {
			err = errors.New("received a frame after teardown")
		}
		errCh <- err
	}()

	// Give the consumer time to block in Take.
	time.Sleep(20 * time.Millisecond)
	q.Teardown()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Take did not return after Teardown")
	}

	res := q.Submit([]byte("late"), 640, 480)
	assert.True(t, res.Disabled)
	assert.False(t, res.Accepted)
	assert.Zero(t, q.Len())

	_, err := q.Take()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTeardownIdempotentAndClears(t *testing.T) {
	q := newTestQueue()
	q.Submit([]byte("a"), 2, 2)

	q.Teardown()
	q.Teardown()

	assert.True(t, q.Closed())
	assert.Zero(t, q.Len())
	assert.True(t, q.Stats().Closed)
}

func TestTakeWakesOnSubmit(t *testing.T) {
	q := newTestQueue()

	got := make(chan []byte, 1)
	go func() {
		frame, err := q.Take()
		if err == nil {
			got <- frame.Data
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Submit([]byte("x"), 2, 2)

	select {
	case data := <-got:
		assert.Equal(t, []byte("x"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("Take did not wake up")
	}
}

func TestObserverSeesEverySubmit(t *testing.T) {
	var mu sync.Mutex
	var results []SubmitResult
	q := newTestQueue(WithObserver(ObserverFunc(func(r SubmitResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})))

	q.Submit([]byte("a"), 2, 2)
	q.Submit([]byte("b"), 2, 2)
	q.Teardown()
	q.Submit([]byte("c"), 2, 2)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[1].Overwrote)
	assert.True(t, results[2].Disabled)
}

func TestConcurrentSubmitAndTake(t *testing.T) {
	q := newTestQueue()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if _, err := q.Take(); err != nil {
				return
			}
		}
	}()

	var producers sync.WaitGroup
	for p := 0; p < 4; p++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for i := 0; i < 500; i++ {
				q.Submit([]byte{byte(i)}, 8, 8)
			}
		}()
	}
	producers.Wait()
	q.Teardown()
	wg.Wait()

	stats := q.Stats()
	assert.Equal(t, uint64(2000), stats.Submitted)
	// At most one frame may have been cleared by Teardown before it was taken.
	lost := stats.Accepted - stats.Taken - stats.Overwritten
	assert.LessOrEqual(t, lost, uint64(1))
}
