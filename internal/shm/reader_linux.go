//go:build linux && cgo

package shm

/*
#cgo LDFLAGS: -lrt -lpthread

#include <stdlib.h>
#include <stdint.h>
#include <time.h>
#include <sys/mman.h>
#include <fcntl.h>
#include <unistd.h>
#include <string.h>
#include <semaphore.h>
#include <errno.h>

#define RING_BUFFER_SIZE 30
#define MAX_FRAME_SIZE (1920 * 1080 * 3 / 2)

// Layout written by the camera daemon.
typedef struct {
    uint64_t frame_number;
    struct timespec timestamp;
    int camera_id;
    int width;
    int height;
    int format;
    size_t data_size;
    float brightness_avg;
    uint32_t brightness_lux;
    uint8_t brightness_zone;
    uint8_t correction_applied;
    uint8_t _reserved[2];
    uint8_t data[MAX_FRAME_SIZE];
} Frame;

typedef struct {
    volatile uint32_t write_index;
    volatile uint32_t frame_interval_ms;
    uint8_t new_frame_sem[32];
    Frame frames[RING_BUFFER_SIZE];
} SharedFrameBuffer;

// Header fields copied out of a ring slot.
typedef struct {
    uint64_t frame_number;
    int64_t ts_sec;
    int64_t ts_nsec;
    int width;
    int height;
    int format;
    size_t data_size;
} FrameHeader;

static SharedFrameBuffer* open_shm(const char* name) {
    int fd = shm_open(name, O_RDWR, 0666);
    if (fd == -1) {
        return NULL;
    }

    SharedFrameBuffer* shm = (SharedFrameBuffer*)mmap(
        NULL,
        sizeof(SharedFrameBuffer),
        PROT_READ | PROT_WRITE,  // WRITE needed for sem_wait
        MAP_SHARED,
        fd,
        0
    );

    close(fd);

    if (shm == MAP_FAILED) {
        return NULL;
    }

    return shm;
}

static void close_shm(SharedFrameBuffer* shm) {
    if (shm != NULL) {
        munmap((void*)shm, sizeof(SharedFrameBuffer));
    }
}

// Returns 0 on success, negative errno on failure (-ETIMEDOUT on timeout).
static int wait_new_frame(SharedFrameBuffer* shm, int timeout_ms) {
    if (shm == NULL) {
        return -EINVAL;
    }

    struct timespec ts;
    if (clock_gettime(CLOCK_REALTIME, &ts) != 0) {
        return -errno;
    }
    ts.tv_sec += timeout_ms / 1000;
    ts.tv_nsec += (timeout_ms % 1000) * 1000000;
    if (ts.tv_nsec >= 1000000000) {
        ts.tv_sec += 1;
        ts.tv_nsec -= 1000000000;
    }

    if (sem_timedwait((sem_t*)&shm->new_frame_sem, &ts) == -1) {
        return -errno;
    }
    return 0;
}

// Copies the newest slot's header and up to cap bytes of its data.
// Returns 0 on success, -1 when nothing has been written yet.
static int read_latest(SharedFrameBuffer* shm, FrameHeader* hdr, uint8_t* dst, size_t cap) {
    uint32_t write_idx = __atomic_load_n(&shm->write_index, __ATOMIC_ACQUIRE);
    if (write_idx == 0) {
        return -1;
    }

    const Frame* f = &shm->frames[(write_idx - 1) % RING_BUFFER_SIZE];
    hdr->frame_number = f->frame_number;
    hdr->ts_sec = f->timestamp.tv_sec;
    hdr->ts_nsec = f->timestamp.tv_nsec;
    hdr->width = f->width;
    hdr->height = f->height;
    hdr->format = f->format;
    hdr->data_size = f->data_size;

    size_t n = f->data_size < cap ? f->data_size : cap;
    memcpy(dst, f->data, n);
    return 0;
}
*/
import "C"

import (
	"fmt"
	"syscall"
	"time"
	"unsafe"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// Reader reads NV12 frames from the camera daemon's shared memory ring
type Reader struct {
	shm     *C.SharedFrameBuffer
	shmName string
	buf     []byte
}

// NewReader opens the shared memory ring, waiting up to 30 seconds for the
// camera daemon to create it
func NewReader(shmName string) (*Reader, error) {
	if shmName == "" {
		shmName = DefaultName
	}

	cName := C.CString(shmName)
	defer C.free(unsafe.Pointer(cName))

	var shm *C.SharedFrameBuffer
	for i := 0; i < 30; i++ {
		shm = C.open_shm(cName)
		if shm != nil {
			break
		}
		// Log waiting status (only every 5 seconds to reduce noise)
		if i%5 == 0 {
			logger.Info("Reader", "Waiting for shared memory %s to appear... (%d/30)", shmName, i+1)
		}
		time.Sleep(1 * time.Second)
	}

	if shm == nil {
		return nil, fmt.Errorf("failed to open shared memory: %s (timeout after 30s)", shmName)
	}

	logger.Info("Reader", "Successfully opened shared memory: %s", shmName)

	return &Reader{
		shm:     shm,
		shmName: shmName,
		buf:     make([]byte, MaxFrameSize),
	}, nil
}

// Close closes the shared memory reader
func (r *Reader) Close() error {
	if r.shm != nil {
		C.close_shm(r.shm)
		r.shm = nil
	}
	return nil
}

// ReadLatest returns the newest NV12 frame, or nil when the ring is empty or
// the newest slot holds another format
func (r *Reader) ReadLatest() (*types.Frame, error) {
	if r.shm == nil {
		return nil, ErrNotOpen
	}

	var hdr C.FrameHeader
	if C.read_latest(r.shm, &hdr, (*C.uint8_t)(unsafe.Pointer(&r.buf[0])), C.size_t(len(r.buf))) != 0 {
		return nil, nil // No frames written yet
	}
	if int(hdr.format) != FormatNV12 {
		return nil, nil
	}

	size := int(hdr.data_size)
	if size <= 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("frame %d has invalid size %d", uint64(hdr.frame_number), size)
	}

	data := make([]byte, size)
	copy(data, r.buf[:size])

	return &types.Frame{
		Data:        data,
		Width:       int(hdr.width),
		Height:      int(hdr.height),
		Seq:         uint64(hdr.frame_number),
		SubmittedAt: time.Unix(int64(hdr.ts_sec), int64(hdr.ts_nsec)),
	}, nil
}

// WaitNewFrame waits for the daemon's new-frame semaphore
func (r *Reader) WaitNewFrame(timeout time.Duration) error {
	if r.shm == nil {
		return ErrNotOpen
	}

	result := int(C.wait_new_frame(r.shm, C.int(timeout.Milliseconds())))
	if result == 0 {
		return nil
	}

	switch errno := syscall.Errno(-result); errno {
	case syscall.ETIMEDOUT:
		return ErrTimeout
	case syscall.EINTR:
		return fmt.Errorf("interrupted: %w", errno)
	default:
		return fmt.Errorf("semaphore wait failed: %w", errno)
	}
}
