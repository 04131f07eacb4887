// Package detector adapts external AprilTag detectors to the pipeline.
//
// The tag decoding itself happens elsewhere; this package only moves frames to
// the detector and turns its answers into types.Detection values.
package detector

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// Detector finds tags in one frame. Implementations may fail for a single
// frame; callers treat a failure as "no detections".
type Detector interface {
	Detect(ctx context.Context, buf []byte, width, height int) ([]types.Detection, error)
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, buf []byte, width, height int) ([]types.Detection, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, buf []byte, width, height int) ([]types.Detection, error) {
	return f(ctx, buf, width, height)
}

// Nop never finds anything. It stands in when no detector is configured.
type Nop struct{}

// Detect returns an empty set.
func (Nop) Detect(context.Context, []byte, int, int) ([]types.Detection, error) {
	return nil, nil
}

// Families lists the tag families the helper knows how to decode.
var Families = []string{
	"tag36h11",
	"tag36h10",
	"tag16h5",
	"tag25h9",
	"tag21h7",
	"tag48h12",
	"tag41h12",
	"tag49h12",
	"tag52h13",
}

// Options are forwarded to the detector helper on startup.
type Options struct {
	Family    string  `yaml:"family" json:"family"`
	ErrorBits int     `yaml:"error_bits" json:"error_bits"` // max corrected bits
	Decimate  float64 `yaml:"decimate" json:"decimate"`     // quad detection decimation
	Sigma     float64 `yaml:"sigma" json:"sigma"`           // gaussian blur applied before quad detection
	Threads   int     `yaml:"threads" json:"threads"`
	TagSize   float64 `yaml:"tag_size" json:"tag_size"` // physical tag edge in meters, for pose
}

// DefaultOptions matches the helper's built-in defaults.
func DefaultOptions() Options {
	return Options{
		Family:    "tag36h11",
		ErrorBits: 2,
		Decimate:  2.0,
		Sigma:     0.0,
		Threads:   4,
		TagSize:   0.06,
	}
}

// Validate rejects options the helper would refuse.
func (o Options) Validate() error {
	if !slices.Contains(Families, o.Family) {
		return fmt.Errorf("invalid tag family: %s", o.Family)
	}
	if o.ErrorBits < 0 || o.ErrorBits > 3 {
		return fmt.Errorf("error bits must be in [0,3], got %d", o.ErrorBits)
	}
	if o.Decimate < 1 {
		return fmt.Errorf("decimate must be >= 1, got %v", o.Decimate)
	}
	if o.Sigma < 0 {
		return fmt.Errorf("sigma must be >= 0, got %v", o.Sigma)
	}
	if o.Threads < 1 {
		return fmt.Errorf("threads must be >= 1, got %d", o.Threads)
	}
	if o.TagSize <= 0 {
		return fmt.Errorf("tag size must be > 0, got %v", o.TagSize)
	}
	return nil
}

// Args renders the options as helper command-line flags.
func (o Options) Args() []string {
	return []string{
		"--family", o.Family,
		"--error-bits", strconv.Itoa(o.ErrorBits),
		"--decimate", strconv.FormatFloat(o.Decimate, 'g', -1, 64),
		"--sigma", strconv.FormatFloat(o.Sigma, 'g', -1, 64),
		"--threads", strconv.Itoa(o.Threads),
		"--tag-size", strconv.FormatFloat(o.TagSize, 'g', -1, 64),
	}
}
