package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// Capture file layout:
//
//	magic "TFRC"
//	repeated: [unixNano int64][width uint32][height uint32][len uint32][data]
//
// All integers are big-endian.
var magic = [4]byte{'T', 'F', 'R', 'C'}

// FileExt is the extension of capture files.
const FileExt = ".tagrec"

// maxFrameSize rejects headers that cannot belong to a real frame.
const maxFrameSize = 64 << 20

// ErrBadMagic is returned when a file is not a frame capture.
var ErrBadMagic = errors.New("recorder: not a frame capture file")

const frameHeaderSize = 8 + 4 + 4 + 4

func writeMagic(w io.Writer) error {
	_, err := w.Write(magic[:])
	return err
}

func writeRecord(w io.Writer, f *types.Frame) (int, error) {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint64(header[0:8], uint64(f.SubmittedAt.UnixNano()))
	binary.BigEndian.PutUint32(header[8:12], uint32(f.Width))
	binary.BigEndian.PutUint32(header[12:16], uint32(f.Height))
	binary.BigEndian.PutUint32(header[16:20], uint32(len(f.Data)))
	if _, err := w.Write(header[:]); err != nil {
		return 0, err
	}
	n, err := w.Write(f.Data)
	return frameHeaderSize + n, err
}

// Reader reads frames back from a capture.
type Reader struct {
	r   *bufio.Reader
	seq uint64
}

// NewReader checks the magic and returns a reader positioned at the first frame.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	var got [4]byte
	if _, err := io.ReadFull(br, got[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if got != magic {
		return nil, ErrBadMagic
	}
	return &Reader{r: br}, nil
}

// Next returns the next frame, or io.EOF after the last one. A capture cut
// off mid-frame yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (*types.Frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[16:20])
	if n > maxFrameSize {
		return nil, fmt.Errorf("recorder: frame of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	r.seq++
	return &types.Frame{
		Data:        data,
		Width:       int(binary.BigEndian.Uint32(header[8:12])),
		Height:      int(binary.BigEndian.Uint32(header[12:16])),
		Seq:         r.seq,
		SubmittedAt: time.Unix(0, int64(binary.BigEndian.Uint64(header[0:8]))),
	}, nil
}
