package types

import (
	"encoding/json"
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/spatial/r2"
)

// IdentityRotation is the rotation of a tag facing the camera squarely.
var IdentityRotation = f64.Mat3{
	1, 0, 0,
	0, 1, 0,
	0, 0, 1,
}

// Detection describes one recognized tag in one frame.
//
// Corners always wrap counter-clockwise around the tag and are never re-sorted.
// Rotation is row-major: r11 r12 r13 r21 r22 r23 r31 r32 r33.
type Detection struct {
	ID       int
	Hamming  int
	Center   r2.Vec
	Corners  [4]r2.Vec
	Rotation f64.Mat3
}

// Pitch returns the x-axis rotation angle in degrees, in [0,360).
func (d Detection) Pitch() float64 {
	r11, r21, r31 := d.Rotation[0], d.Rotation[3], d.Rotation[6]
	return normalizeDegrees(math.Atan2(-r31, math.Sqrt(r11*r11+r21*r21)))
}

// Roll returns the in-plane rotation angle in degrees, in [0,360).
func (d Detection) Roll() float64 {
	r21, r22 := d.Rotation[3], d.Rotation[4]
	return normalizeDegrees(math.Atan2(r21, r22))
}

// Width is the length of the first edge, used as the physical scale of the tag.
func (d Detection) Width() float64 {
	return r2.Norm(r2.Sub(d.Corners[1], d.Corners[0]))
}

func normalizeDegrees(rad float64) float64 {
	deg := rad * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg -= 360
	}
	return deg
}

type detectionJSON struct {
	ID       int          `json:"id"`
	Hamming  int          `json:"hamming"`
	Center   [2]float64   `json:"center"`
	Corners  [][2]float64 `json:"corners"`
	Rotation []float64    `json:"rotation,omitempty"`
	Pitch    float64      `json:"pitch"`
	Roll     float64      `json:"roll"`
}

// MarshalJSON emits points as [x,y] pairs plus the derived pitch and roll.
func (d Detection) MarshalJSON() ([]byte, error) {
	out := detectionJSON{
		ID:       d.ID,
		Hamming:  d.Hamming,
		Center:   [2]float64{d.Center.X, d.Center.Y},
		Corners:  make([][2]float64, len(d.Corners)),
		Rotation: d.Rotation[:],
		Pitch:    d.Pitch(),
		Roll:     d.Roll(),
	}
	for i, c := range d.Corners {
		out.Corners[i] = [2]float64{c.X, c.Y}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the MarshalJSON shape. Pitch and roll are ignored since
// they are always derived from the rotation.
func (d *Detection) UnmarshalJSON(data []byte) error {
	var in detectionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if len(in.Corners) != len(d.Corners) {
		return fmt.Errorf("detection %d: expected %d corners, got %d", in.ID, len(d.Corners), len(in.Corners))
	}

	*d = Detection{
		ID:       in.ID,
		Hamming:  in.Hamming,
		Center:   r2.Vec{X: in.Center[0], Y: in.Center[1]},
		Rotation: IdentityRotation,
	}
	for i, c := range in.Corners {
		d.Corners[i] = r2.Vec{X: c[0], Y: c[1]}
	}
	switch len(in.Rotation) {
	case 0:
	case len(d.Rotation):
		copy(d.Rotation[:], in.Rotation)
	default:
		return fmt.Errorf("detection %d: expected %d rotation entries, got %d", in.ID, len(d.Rotation), len(in.Rotation))
	}
	return nil
}
