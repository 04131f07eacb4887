package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/recorder"
)

var (
	replayServer string
	replaySpeed  float64
	replayQuiet  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture" + recorder.FileExt + ">",
	Short: "Post a frame capture to a running server at the recorded pace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if replaySpeed < 0 {
			return fmt.Errorf("speed must not be negative, got %g", replaySpeed)
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		var capture io.Reader = f
		var bar *progressbar.ProgressBar
		if !replayQuiet {
			size := int64(-1) // spinner when the size is unknown
			if fi, err := f.Stat(); err == nil {
				size = fi.Size()
			}
			bar = progressbar.NewOptions64(size,
				progressbar.OptionSetDescription("Replaying"),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionShowBytes(true),
			)
			capture = io.TeeReader(f, bar)
		}

		p := &replayer{
			baseURL: strings.TrimRight(replayServer, "/"),
			client:  &http.Client{Timeout: 10 * time.Second},
			speed:   replaySpeed,
			sleep:   sleepCtx,
			log:     logger.For("Replay"),
		}
		stats, err := p.Run(cmd.Context(), capture)
		if bar != nil {
			_ = bar.Finish()
			fmt.Fprintln(cmd.ErrOrStderr())
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d frames (%d accepted, %d failed) in %s\n",
			stats.Sent, stats.Accepted, stats.Failed, stats.Elapsed.Round(time.Millisecond))
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayServer, "server", "http://localhost:8080", "Tag fusion server base URL")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1.0, "Playback speed multiplier (0 posts as fast as possible)")
	replayCmd.Flags().BoolVarP(&replayQuiet, "quiet", "q", false, "Hide the progress bar")
	rootCmd.AddCommand(replayCmd)
}

type replayStats struct {
	Sent     int
	Accepted int
	Failed   int
	Elapsed  time.Duration
}

// replayer posts frames from a capture to /api/frames.
type replayer struct {
	baseURL string
	client  *http.Client
	speed   float64
	sleep   func(ctx context.Context, d time.Duration) error
	log     logger.Module
}

func (p *replayer) Run(ctx context.Context, capture io.Reader) (stats replayStats, err error) {
	start := time.Now()
	defer func() { stats.Elapsed = time.Since(start) }()

	r, err := recorder.NewReader(capture)
	if err != nil {
		return stats, err
	}

	var prev time.Time
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("frame %d: %w", stats.Sent+1, err)
		}

		if p.speed > 0 && !prev.IsZero() {
			gap := frame.SubmittedAt.Sub(prev)
			if gap > 0 {
				if err := p.sleep(ctx, time.Duration(float64(gap)/p.speed)); err != nil {
					return stats, err
				}
			}
		}
		prev = frame.SubmittedAt

		stats.Sent++
		accepted, err := p.post(ctx, frame.Data, frame.Width, frame.Height)
		switch {
		case err != nil && ctx.Err() != nil:
			return stats, ctx.Err()
		case err != nil:
			stats.Failed++
			p.log.Warn("Frame %d: %v", frame.Seq, err)
		case accepted:
			stats.Accepted++
		}
	}
}

func (p *replayer) post(ctx context.Context, data []byte, width, height int) (bool, error) {
	q := url.Values{}
	q.Set("width", strconv.Itoa(width))
	q.Set("height", strconv.Itoa(height))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/frames?"+q.Encode(), bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusAccepted {
		return false, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var res struct {
		Accepted bool `json:"accepted"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return res.Accepted, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
