package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/fusion"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

type fuseOptions struct {
	configPath  string
	orientation string
	canvasWidth float64
	frameHeight float64
}

var fuseOpts fuseOptions

var fuseCmd = &cobra.Command{
	Use:   "fuse [detections.json]",
	Short: "Pair raw detections into composite tags",
	Long: `Reads a JSON array of detections (id, hamming, center, corners, rotation)
from a file or stdin and prints the composite tags as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return runFuse(in, cmd.OutOrStdout(), fuseOpts)
	},
}

func init() {
	fuseCmd.Flags().StringVar(&fuseOpts.configPath, "config", "", "YAML config file with fusion and projector settings")
	fuseCmd.Flags().StringVar(&fuseOpts.orientation, "orientation", "", "Override display orientation (landscape, portrait)")
	fuseCmd.Flags().Float64Var(&fuseOpts.canvasWidth, "canvas-width", 0, "Override portrait canvas width")
	fuseCmd.Flags().Float64Var(&fuseOpts.frameHeight, "frame-height", 480, "Frame height, used by the portrait projection")
	rootCmd.AddCommand(fuseCmd)
}

func runFuse(in io.Reader, out io.Writer, opts fuseOptions) error {
	cfg := config.Default()
	if opts.configPath != "" {
		if err := cfg.LoadFile(opts.configPath); err != nil {
			return err
		}
	}
	if opts.orientation != "" {
		cfg.Projector.Orientation = opts.orientation
	}
	if opts.canvasWidth > 0 {
		cfg.Projector.CanvasWidth = opts.canvasWidth
	}

	var project fusion.Projector
	switch cfg.Projector.Orientation {
	case config.OrientationLandscape:
		project = fusion.LandscapeProjector
	case config.OrientationPortrait:
		project = fusion.PortraitProjector(cfg.Projector.CanvasWidth, opts.frameHeight)
	default:
		return fmt.Errorf("unknown orientation %q", cfg.Projector.Orientation)
	}

	var dets []types.Detection
	if err := json.NewDecoder(in).Decode(&dets); err != nil {
		return fmt.Errorf("decode detections: %w", err)
	}

	composites := fusion.Fuse(dets, cfg.Fusion, project)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(composites)
}
