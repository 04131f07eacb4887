// Package fusion pairs adjacent tags detected in one frame into composite tags.
//
// Some tags are printed side by side. When two detections sit closer than
// AdjacencyFactor tag widths, they are treated as one physical tag; the roll of
// the first detection decides which of the two is the major tag, and the pair is
// replaced by one composite detection whose id encodes both ids.
package fusion

import (
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// Band is an open interval of roll angles in degrees.
type Band struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether Min < deg < Max.
func (b Band) Contains(deg float64) bool {
	return deg > b.Min && deg < b.Max
}

// Params holds the pairing constants. They were tuned empirically and
// changing them changes which tags pair up.
type Params struct {
	// AdjacencyFactor scales the tag width into the maximum center distance.
	AdjacencyFactor float64 `yaml:"adjacency_factor" json:"adjacency_factor"`
	// MajorLeftBand: the tag rendered further left is the major tag.
	MajorLeftBand Band `yaml:"major_left_band" json:"major_left_band"`
	// MajorRightBand: the tag rendered further right is the major tag.
	MajorRightBand Band `yaml:"major_right_band" json:"major_right_band"`
	// IDMultiplier combines ids as major*IDMultiplier + minor.
	IDMultiplier int `yaml:"id_multiplier" json:"id_multiplier"`
}

// DefaultParams returns the stock pairing constants.
func DefaultParams() Params {
	return Params{
		AdjacencyFactor: 1.5,
		MajorLeftBand:   Band{Min: 200, Max: 340},
		MajorRightBand:  Band{Min: 20, Max: 160},
		IDMultiplier:    587,
	}
}

// Projector maps a detection to its horizontal position on the display. Only
// the ordering of the returned values matters.
type Projector func(types.Detection) float64

// PortraitProjector reproduces the portrait display mapping, where detection y
// becomes render x: x = canvasWidth - corner0.y * canvasWidth/frameHeight.
func PortraitProjector(canvasWidth, frameHeight float64) Projector {
	scale := 1.0
	if frameHeight > 0 {
		scale = canvasWidth / frameHeight
	}
	return func(d types.Detection) float64 {
		return canvasWidth - d.Corners[0].Y*scale
	}
}

// LandscapeProjector uses the first corner's x coordinate unchanged.
func LandscapeProjector(d types.Detection) float64 {
	return d.Corners[0].X
}

// Fuse returns one composite detection per recognized pair in dets. Detections
// that do not pair are dropped. dets is not modified. A nil project orders
// by corner 0's y like the portrait display.
//
// Pairing is greedy and follows detection order: each unconsumed detection
// pairs with the first adjacent unconsumed detection. A neighbour found
// adjacent is consumed even when the orientation gate then rejects the pair.
func Fuse(dets []types.Detection, p Params, project Projector) []types.Detection {
	composites := make([]types.Detection, 0, len(dets)/2)
	if len(dets) < 2 {
		return composites
	}
	if project == nil {
		project = PortraitProjector(1, 0)
	}

	consumed := make([]bool, len(dets))
	for i := range dets {
		if consumed[i] {
			continue
		}
		a := dets[i]
		width := a.Width()

		for j := range dets {
			if j == i || consumed[j] {
				continue
			}
			b := dets[j]

			if r2.Norm(r2.Sub(a.Center, b.Center)) >= p.AdjacencyFactor*width {
				continue
			}
			consumed[j] = true

			major, minor, ok := assignRoles(a, b, p, project)
			if !ok {
				continue
			}
			composites = append(composites, compose(a, b, major, minor, p))
			break
		}
		consumed[i] = true
	}
	return composites
}

// assignRoles applies the orientation gate using a's roll.
func assignRoles(a, b types.Detection, p Params, project Projector) (major, minor types.Detection, ok bool) {
	roll := a.Roll()
	aFirst := project(a) < project(b)

	switch {
	case p.MajorLeftBand.Contains(roll):
		if aFirst {
			return a, b, true
		}
		return b, a, true
	case p.MajorRightBand.Contains(roll):
		if aFirst {
			return b, a, true
		}
		return a, b, true
	default:
		return types.Detection{}, types.Detection{}, false
	}
}

func compose(a, b, major, minor types.Detection, p Params) types.Detection {
	return types.Detection{
		ID:      major.ID*p.IDMultiplier + minor.ID,
		Hamming: max(a.Hamming, b.Hamming),
		Center:  r2.Scale(0.5, r2.Add(a.Center, b.Center)),
		Corners: [4]r2.Vec{
			major.Corners[0],
			minor.Corners[1],
			minor.Corners[2],
			major.Corners[3],
		},
		Rotation: a.Rotation,
	}
}
