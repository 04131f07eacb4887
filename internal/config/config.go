// Package config loads server settings from defaults, an optional YAML file,
// the environment (including a .env file) and command-line flags, in that
// order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/frameq"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/fusion"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/pipeline"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TAGFUSION_"

// Orientations accepted by ProjectorConfig.
const (
	OrientationLandscape = "landscape"
	OrientationPortrait  = "portrait"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Queue     QueueConfig     `yaml:"queue"`
	Fusion    fusion.Params   `yaml:"fusion"`
	Projector ProjectorConfig `yaml:"projector"`
	Detector  DetectorConfig  `yaml:"detector"`
	Source    SourceConfig    `yaml:"source"`
	Store     StoreConfig     `yaml:"store"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	MetricsAddr       string        `yaml:"metrics_addr"` // empty: /metrics on Addr only
	PprofAddr         string        `yaml:"pprof_addr"`   // empty: disabled
	MaxFrameBytes     int64         `yaml:"max_frame_bytes"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	HistoryLimit      int           `yaml:"history_limit"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level logger.LogLevel `yaml:"level"`
	Color bool            `yaml:"color"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// ProjectorConfig selects how a tag is placed on the horizontal display axis.
type ProjectorConfig struct {
	Orientation string  `yaml:"orientation"`
	CanvasWidth float64 `yaml:"canvas_width"` // portrait only
}

type DetectorConfig struct {
	Command string           `yaml:"command"` // empty: no detector, every frame is empty
	Args    []string         `yaml:"args"`
	Options detector.Options `yaml:",inline"`
}

type SourceConfig struct {
	SHMName     string        `yaml:"shm_name"` // empty: HTTP ingest only
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

type StoreConfig struct {
	Path   string `yaml:"path"` // empty: history disabled
	Buffer int    `yaml:"buffer"`
}

type RecorderConfig struct {
	Path string `yaml:"path"`
}

type WebRTCConfig struct {
	MaxClients  int      `yaml:"max_clients"`
	STUNServers []string `yaml:"stun_servers"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:              ":8080",
			MaxFrameBytes:     8 << 20,
			KeepaliveInterval: 30 * time.Second,
			HistoryLimit:      100,
			ShutdownTimeout:   5 * time.Second,
		},
		Log: LogConfig{
			Level: logger.INFO,
			Color: true,
		},
		Queue:     QueueConfig{Capacity: frameq.DefaultCapacity},
		Fusion:    fusion.DefaultParams(),
		Projector: ProjectorConfig{Orientation: OrientationPortrait, CanvasWidth: pipeline.DefaultCanvasWidth},
		Detector:  DetectorConfig{Options: detector.DefaultOptions()},
		Source:    SourceConfig{WaitTimeout: 100 * time.Millisecond},
		Store:     StoreConfig{Buffer: 64},
		Recorder:  RecorderConfig{Path: "./recordings"},
		WebRTC: WebRTCConfig{
			MaxClients:  10,
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Load builds the configuration for a process started with args (without the
// program name). The YAML file is taken from -config or TAGFUSION_CONFIG.
func Load(args []string) (Config, error) {
	// Pick up the config path first; flags are applied again last.
	probe := Default()
	var configPath string
	if err := newFlagSet(&probe, &configPath).Parse(args); err != nil {
		return Config{}, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if configPath == "" {
		configPath = os.Getenv(EnvPrefix + "CONFIG")
	}

	cfg := Default()
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := newFlagSet(&cfg, &configPath).Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadFile merges the YAML document at path over c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c with TAGFUSION_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	var errs []error
	setInt := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	setString := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	setString("HTTP_ADDR", &c.HTTP.Addr)
	setString("METRICS_ADDR", &c.HTTP.MetricsAddr)
	setString("PPROF_ADDR", &c.HTTP.PprofAddr)
	if v, ok := get("LOG_LEVEL"); ok {
		if err := c.Log.Level.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("%sLOG_LEVEL: %w", EnvPrefix, err))
		}
	}
	if v, ok := get("LOG_COLOR"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sLOG_COLOR: %w", EnvPrefix, err))
		} else {
			c.Log.Color = b
		}
	}
	setInt("QUEUE_CAPACITY", &c.Queue.Capacity)
	setString("ORIENTATION", &c.Projector.Orientation)
	setString("DETECTOR_CMD", &c.Detector.Command)
	if v, ok := get("DETECTOR_ARGS"); ok {
		c.Detector.Args = strings.Fields(v)
	}
	setString("TAG_FAMILY", &c.Detector.Options.Family)
	setInt("DETECTOR_THREADS", &c.Detector.Options.Threads)
	setString("SHM_NAME", &c.Source.SHMName)
	setString("DB_PATH", &c.Store.Path)
	setString("RECORD_PATH", &c.Recorder.Path)
	setInt("MAX_CLIENTS", &c.WebRTC.MaxClients)
	if v, ok := get("STUN"); ok {
		c.WebRTC.STUNServers = splitList(v)
	}

	return errors.Join(errs...)
}

func newFlagSet(c *Config, configPath *string) *flag.FlagSet {
	flags := flag.NewFlagSet("tagfusion", flag.ContinueOnError)
	flags.StringVar(configPath, "config", *configPath, "YAML config file")
	flags.StringVar(&c.HTTP.Addr, "http", c.HTTP.Addr, "HTTP server address")
	flags.StringVar(&c.HTTP.MetricsAddr, "metrics", c.HTTP.MetricsAddr, "Separate metrics server address (optional)")
	flags.StringVar(&c.HTTP.PprofAddr, "pprof", c.HTTP.PprofAddr, "pprof server address (optional)")
	flags.TextVar(&c.Log.Level, "log-level", c.Log.Level, "Log level (debug, info, warn, error, silent)")
	flags.BoolVar(&c.Log.Color, "log-color", c.Log.Color, "Enable colored log output")
	flags.IntVar(&c.Queue.Capacity, "queue-capacity", c.Queue.Capacity, "Frames buffered ahead of the detector")
	flags.StringVar(&c.Projector.Orientation, "orientation", c.Projector.Orientation, "Display orientation (landscape, portrait)")
	flags.Float64Var(&c.Projector.CanvasWidth, "canvas-width", c.Projector.CanvasWidth, "Portrait canvas width in pixels")
	flags.StringVar(&c.Detector.Command, "detector", c.Detector.Command, "AprilTag helper executable")
	flags.StringVar(&c.Detector.Options.Family, "family", c.Detector.Options.Family, "Tag family")
	flags.StringVar(&c.Source.SHMName, "shm", c.Source.SHMName, "Shared memory frame ring (optional)")
	flags.StringVar(&c.Store.Path, "db", c.Store.Path, "SQLite history database (optional)")
	flags.StringVar(&c.Recorder.Path, "record-path", c.Recorder.Path, "Recording output path")
	flags.IntVar(&c.WebRTC.MaxClients, "max-clients", c.WebRTC.MaxClients, "Maximum WebRTC clients")
	flags.Func("stun", "STUN server URLs (comma-separated)", func(v string) error {
		c.WebRTC.STUNServers = splitList(v)
		return nil
	})
	return flags
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("http.max_frame_bytes must be positive, got %d", c.HTTP.MaxFrameBytes))
	}
	if c.HTTP.KeepaliveInterval <= 0 {
		errs = append(errs, fmt.Errorf("http.keepalive_interval must be positive, got %s", c.HTTP.KeepaliveInterval))
	}
	if c.HTTP.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("http.history_limit must be positive, got %d", c.HTTP.HistoryLimit))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http.shutdown_timeout must be positive, got %s", c.HTTP.ShutdownTimeout))
	}
	if c.Queue.Capacity < 1 {
		errs = append(errs, fmt.Errorf("queue.capacity must be at least 1, got %d", c.Queue.Capacity))
	}
	if c.Fusion.AdjacencyFactor <= 0 {
		errs = append(errs, fmt.Errorf("fusion.adjacency_factor must be positive, got %g", c.Fusion.AdjacencyFactor))
	}
	if c.Fusion.IDMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("fusion.id_multiplier must be positive, got %d", c.Fusion.IDMultiplier))
	}
	for name, b := range map[string]fusion.Band{
		"major_left_band":  c.Fusion.MajorLeftBand,
		"major_right_band": c.Fusion.MajorRightBand,
	} {
		if b.Min >= b.Max {
			errs = append(errs, fmt.Errorf("fusion.%s: min %g must be below max %g", name, b.Min, b.Max))
		}
	}
	switch c.Projector.Orientation {
	case OrientationLandscape:
	case OrientationPortrait:
		if c.Projector.CanvasWidth <= 0 {
			errs = append(errs, fmt.Errorf("projector.canvas_width must be positive, got %g", c.Projector.CanvasWidth))
		}
	default:
		errs = append(errs, fmt.Errorf("projector.orientation must be %q or %q, got %q",
			OrientationLandscape, OrientationPortrait, c.Projector.Orientation))
	}
	if c.Detector.Command != "" {
		if err := c.Detector.Options.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("detector: %w", err))
		}
	}
	if c.Source.SHMName != "" && c.Source.WaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("source.wait_timeout must be positive, got %s", c.Source.WaitTimeout))
	}
	if c.Store.Buffer < 1 {
		errs = append(errs, fmt.Errorf("store.buffer must be at least 1, got %d", c.Store.Buffer))
	}
	if c.Recorder.Path == "" {
		errs = append(errs, errors.New("recorder.path is required"))
	}
	if c.WebRTC.MaxClients < 1 {
		errs = append(errs, fmt.Errorf("webrtc.max_clients must be at least 1, got %d", c.WebRTC.MaxClients))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
