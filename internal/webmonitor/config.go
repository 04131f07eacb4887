package webmonitor

import "time"

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr              string
	MaxFrameBytes     int64
	KeepaliveInterval time.Duration
	HistoryLimit      int
}

// DefaultConfig returns the stock server settings.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		MaxFrameBytes:     8 << 20,
		KeepaliveInterval: 30 * time.Second,
		HistoryLimit:      100,
	}
}
