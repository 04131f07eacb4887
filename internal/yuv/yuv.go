// Package yuv has helpers for the semi-planar YUV 4:2:0 buffers (NV21/NV12)
// produced by the camera.
package yuv

import "fmt"

// MaxDimension bounds each side of a frame. Plane sizes stay well inside
// int and the helper's uint32 length fields.
const MaxDimension = 1 << 15

// FrameSize returns the byte size of a full NV21/NV12 frame.
func FrameSize(width, height int) int {
	n := width * height
	return n + n/2
}

// CheckSize rejects non-positive sizes and sides above MaxDimension.
func CheckSize(width, height int) error {
	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension {
		return fmt.Errorf("invalid frame size %dx%d (each side must be 1..%d)", width, height, MaxDimension)
	}
	return nil
}

// Validate checks that buf holds at least the luma plane of a width x height frame.
// Detection only needs luma, so a grayscale buffer is accepted too.
func Validate(buf []byte, width, height int) error {
	if err := CheckSize(width, height); err != nil {
		return err
	}
	if n := width * height; len(buf) < n {
		return fmt.Errorf("frame buffer too short: %d bytes for %dx%d (need >= %d)",
			len(buf), width, height, n)
	}
	return nil
}

// Luma returns the Y plane of buf without copying.
func Luma(buf []byte, width, height int) ([]byte, error) {
	if err := Validate(buf, width, height); err != nil {
		return nil, err
	}
	n := width * height
	return buf[:n:n], nil
}
