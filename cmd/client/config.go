package main

import (
	"flag"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Config holds client runtime configuration.
type Config struct {
	Mode     string
	Relay    string // relay address for ping mode
	Port     int    // listen port for echo mode
	Interval time.Duration
	Count    int // probes to send, 0 = until interrupted
	Size     int // probe payload size, at least probeLen
	Channel  uint
	Debug    bool
}

func loadConfig(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.Mode, "mode", "ping", "ping: probe through the relay; echo: act as a backend that echoes packets")
	fs.StringVar(&cfg.Relay, "relay", "127.0.0.1:7777", "relay address (ping mode)")
	fs.IntVar(&cfg.Port, "port", 7778, "listen port (echo mode)")
	fs.DurationVar(&cfg.Interval, "interval", time.Second, "time between probes")
	fs.IntVar(&cfg.Count, "count", 0, "number of probes (0 = until interrupted)")
	fs.IntVar(&cfg.Size, "size", probeLen, "probe payload size in bytes")
	fs.UintVar(&cfg.Channel, "channel", 0, "channel probes are sent on")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	switch {
	case cfg.Mode != "ping" && cfg.Mode != "echo":
		return Config{}, errors.Errorf("unknown mode %q", cfg.Mode)
	case cfg.Interval <= 0:
		return Config{}, errors.New("interval must be positive")
	case cfg.Size < probeLen:
		return Config{}, errors.Errorf("size must be at least %d", probeLen)
	case cfg.Channel > 255:
		return Config{}, errors.Errorf("channel %d out of range", cfg.Channel)
	}
	return cfg, nil
}
