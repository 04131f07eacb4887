package detector

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// maxResponseSize caps a helper reply; anything larger means the stream is out of sync.
const maxResponseSize = 16 << 20

// errMalformed marks a record whose geometry cannot be used.
var errMalformed = errors.New("malformed detection")

// wireDetection is one record as the helper reports it: c is [x y], p the
// corners flattened as [x0 y0 x1 y1 x2 y2 x3 y3], pose the rotation row-major.
type wireDetection struct {
	ID      int       `json:"id"`
	Hamming int       `json:"hamming"`
	C       []float64 `json:"c"`
	P       []float64 `json:"p"`
	Pose    []float64 `json:"pose,omitempty"`
}

type wireResponse struct {
	Detections []wireDetection `json:"detections"`
	Error      string          `json:"error,omitempty"`
}

// writeRequest sends [width][height][len][luma] with big-endian uint32 headers.
func writeRequest(w io.Writer, luma []byte, width, height int) error {
	var header [12]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(width))
	binary.BigEndian.PutUint32(header[4:8], uint32(height))
	binary.BigEndian.PutUint32(header[8:12], uint32(len(luma)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(luma)
	return err
}

// readResponse reads one [len][json] reply.
func readResponse(r io.Reader) (*wireResponse, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxResponseSize {
		return nil, fmt.Errorf("response too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// toDetection converts a wire record. A missing pose becomes the identity rotation.
func (w wireDetection) toDetection() (types.Detection, error) {
	if w.ID < 0 || w.Hamming < 0 {
		return types.Detection{}, fmt.Errorf("%w: negative id or hamming", errMalformed)
	}
	if len(w.C) != 2 {
		return types.Detection{}, fmt.Errorf("%w: center has %d values", errMalformed, len(w.C))
	}
	if len(w.P) != 8 {
		return types.Detection{}, fmt.Errorf("%w: %d corner values, want 8", errMalformed, len(w.P))
	}
	if len(w.Pose) != 0 && len(w.Pose) != 9 {
		return types.Detection{}, fmt.Errorf("%w: pose has %d values", errMalformed, len(w.Pose))
	}
	for _, vals := range [][]float64{w.C, w.P, w.Pose} {
		for _, v := range vals {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return types.Detection{}, fmt.Errorf("%w: non-finite coordinate", errMalformed)
			}
		}
	}

	d := types.Detection{
		ID:       w.ID,
		Hamming:  w.Hamming,
		Center:   r2.Vec{X: w.C[0], Y: w.C[1]},
		Rotation: types.IdentityRotation,
	}
	for i := range d.Corners {
		d.Corners[i] = r2.Vec{X: w.P[2*i], Y: w.P[2*i+1]}
	}
	if len(w.Pose) == 9 {
		copy(d.Rotation[:], w.Pose)
	}
	return d, nil
}

// fromDetection is the inverse of toDetection; fake helpers in tests use it.
func fromDetection(d types.Detection) wireDetection {
	w := wireDetection{
		ID:      d.ID,
		Hamming: d.Hamming,
		C:       []float64{d.Center.X, d.Center.Y},
		P:       make([]float64, 0, 8),
		Pose:    append([]float64(nil), d.Rotation[:]...),
	}
	for _, c := range d.Corners {
		w.P = append(w.P, c.X, c.Y)
	}
	return w
}
