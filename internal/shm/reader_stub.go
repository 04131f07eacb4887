//go:build !linux || !cgo

package shm

import (
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// Reader is unavailable on this platform.
type Reader struct{}

// NewReader always fails: the camera ring needs Linux and cgo.
func NewReader(string) (*Reader, error) {
	return nil, ErrUnsupported
}

// Close does nothing.
func (r *Reader) Close() error { return nil }

// ReadLatest always fails.
func (r *Reader) ReadLatest() (*types.Frame, error) { return nil, ErrUnsupported }

// WaitNewFrame always fails.
func (r *Reader) WaitNewFrame(time.Duration) error { return ErrUnsupported }
