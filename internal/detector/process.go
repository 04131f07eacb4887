package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/yuv"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// ErrHelperExited is returned when the helper closed its pipes mid-request.
var ErrHelperExited = errors.New("detector helper exited")

// conn is one running helper: requests go to w, replies come from r.
type conn struct {
	w        io.WriteCloser
	r        io.ReadCloser
	shutdown func()
	once     sync.Once
}

func (c *conn) close() {
	c.once.Do(c.shutdown)
}

// Process runs an external detector helper and talks to it over pipes.
//
// Protocol, one request in flight at a time:
//
//	request:  [width uint32][height uint32][len uint32][luma bytes]
//	response: [len uint32][JSON {"detections":[...], "error":""}]
//
// Replies come back on file descriptor 3 so that helper output on stdout
// cannot corrupt the stream. The helper is started on first use and restarted
// on the next request after any I/O failure.
type Process struct {
	mu   sync.Mutex
	cur  *conn
	dial func() (*conn, error)
	log  logger.Module
}

// NewProcess returns a detector that runs command with args followed by opts.Args().
func NewProcess(command string, args []string, opts Options) (*Process, error) {
	if command == "" {
		return nil, errors.New("detector command is empty")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	fullArgs := append(append([]string(nil), args...), opts.Args()...)
	p := &Process{log: logger.For("Detector")}
	p.dial = func() (*conn, error) { return startHelper(command, fullArgs) }
	return p, nil
}

func startHelper(command string, args []string) (*conn, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr

	// Side-channel pipe for replies; the child sees the write end as fd 3.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}
	// Only the child holds the write end now.
	w.Close()

	return &conn{
		w: stdin,
		r: r,
		shutdown: func() {
			stdin.Close()
			r.Close()
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			_ = cmd.Wait()
		},
	}, nil
}

// Detect sends the luma plane of buf to the helper and decodes its reply.
// Malformed records are skipped; a helper-reported error fails the whole frame.
func (p *Process) Detect(ctx context.Context, buf []byte, width, height int) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	luma, err := yuv.Luma(buf, width, height)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur == nil {
		c, err := p.dial()
		if err != nil {
			return nil, err
		}
		p.log.Info("Detector helper started")
		p.cur = c
	}

	c := p.cur
	// Unblock pipe I/O if the caller gives up mid-request.
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	if err := writeRequest(c.w, luma, width, height); err != nil {
		p.resetLocked()
		return nil, fmt.Errorf("%w: write: %v", ErrHelperExited, err)
	}
	resp, err := readResponse(c.r)
	if err != nil {
		p.resetLocked()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read: %v", ErrHelperExited, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("detector helper: %s", resp.Error)
	}

	dets := make([]types.Detection, 0, len(resp.Detections))
	for _, wd := range resp.Detections {
		d, err := wd.toDetection()
		if err != nil {
			p.log.Warn("Invalid detection coordinates, skipping tag %d: %v", wd.ID, err)
			continue
		}
		dets = append(dets, d)
	}
	return dets, nil
}

// Close stops the helper. A later Detect starts a new one.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func (p *Process) resetLocked() {
	if p.cur != nil {
		p.cur.close()
		p.cur = nil
	}
}
