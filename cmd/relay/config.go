package main

import (
	"flag"
	"io"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matst80/delayrelay/internal/ratelimit"
	"github.com/matst80/delayrelay/internal/relay"
	"github.com/pkg/errors"
)

// Config holds all runtime configuration, from a TOML file and flags.
type Config struct {
	ConfigFile string `toml:"-"`

	ListenPort      int           `toml:"listen_port"`
	BackendHost     string        `toml:"backend_host"`
	BackendPort     int           `toml:"backend_port"`
	Delay           time.Duration `toml:"delay"`
	ForwardClientIP bool          `toml:"forward_client_ip"`
	MaxConnections  int           `toml:"max_connections"`
	PollInterval    time.Duration `toml:"poll_interval"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	MaxPending      int           `toml:"max_pending"`

	// Admission control, zero disables.
	ConnRate         float64 `toml:"conn_rate"`
	PacketRate       float64 `toml:"packet_rate"`
	GlobalConnRate   float64 `toml:"global_conn_rate"`
	GlobalPacketRate float64 `toml:"global_packet_rate"`
	Burst            float64 `toml:"burst"`

	MetricsAddr string `toml:"metrics_addr"`
	Debug       bool   `toml:"debug"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

const maxPollInterval = 50 * time.Millisecond

func defaultConfig() Config {
	return Config{
		ListenPort:     7777,
		BackendPort:    7778,
		MaxConnections: 128,
		PollInterval:   5 * time.Millisecond,
		IdleTimeout:    30 * time.Second,
		Burst:          1,
		MetricsAddr:    ":9100",
	}
}

// flagSet registers every flag with c's current values as defaults, so
// flags only override what was given explicitly.
func (c *Config) flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "TOML config file; flags given explicitly override it")
	fs.IntVar(&c.ListenPort, "listen-port", c.ListenPort, "UDP port clients connect to")
	fs.StringVar(&c.BackendHost, "backend-host", c.BackendHost, "backend host or IP")
	fs.IntVar(&c.BackendPort, "backend-port", c.BackendPort, "backend port")
	fs.DurationVar(&c.Delay, "delay", c.Delay, "delay applied to every packet in each direction")
	fs.Func("delay-ms", "delay in whole milliseconds (same as -delay)", func(s string) error {
		ms, err := strconv.Atoi(s)
		if err != nil {
			return errors.Wrap(err, "delay-ms")
		}
		c.Delay = time.Duration(ms) * time.Millisecond
		return nil
	})
	fs.BoolVar(&c.ForwardClientIP, "forward-client-ip", c.ForwardClientIP, "announce each client's real address to the backend")
	fs.IntVar(&c.MaxConnections, "max-connections", c.MaxConnections, "concurrent client connections accepted")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "longest a loop step waits for a transport event")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "disconnect peers silent for this long")
	fs.IntVar(&c.MaxPending, "max-pending", c.MaxPending, "per-session delayed packet cap (0 = unbounded)")
	fs.Float64Var(&c.ConnRate, "conn-rate", c.ConnRate, "new connections per second per source IP (0 = unlimited)")
	fs.Float64Var(&c.PacketRate, "packet-rate", c.PacketRate, "packets per second per client (0 = unlimited)")
	fs.Float64Var(&c.GlobalConnRate, "global-conn-rate", c.GlobalConnRate, "new connections per second across all clients (0 = unlimited)")
	fs.Float64Var(&c.GlobalPacketRate, "global-packet-rate", c.GlobalPacketRate, "packets per second across all clients (0 = unlimited)")
	fs.Float64Var(&c.Burst, "burst", c.Burst, "rate limit burst, in seconds of the rate")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "metrics and health listen address")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "redis address for the shared session directory (empty = in-memory)")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database")
	return fs
}

// loadConfig parses args, reading the -config file first when one is named.
func loadConfig(args []string) (Config, error) {
	cfg := defaultConfig()
	if err := cfg.flagSet().Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.ConfigFile != "" {
		file := defaultConfig()
		if _, err := toml.DecodeFile(cfg.ConfigFile, &file); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", cfg.ConfigFile)
		}
		if err := file.flagSet().Parse(args); err != nil {
			return Config{}, err
		}
		cfg = file
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.ListenPort < 0 || c.ListenPort > 65535:
		return errors.Errorf("listen port %d out of range", c.ListenPort)
	case c.BackendHost == "":
		return errors.New("backend host is required")
	case c.BackendPort < 1 || c.BackendPort > 65535:
		return errors.Errorf("backend port %d out of range", c.BackendPort)
	case c.Delay < 0:
		return errors.Errorf("negative delay %s", c.Delay)
	case c.MaxConnections < 1:
		return errors.Errorf("max connections must be at least 1, got %d", c.MaxConnections)
	case c.PollInterval <= 0 || c.PollInterval > maxPollInterval:
		return errors.Errorf("poll interval %s outside (0, %s]", c.PollInterval, maxPollInterval)
	case c.MaxPending < 0:
		return errors.Errorf("negative max pending %d", c.MaxPending)
	case c.ConnRate < 0 || c.PacketRate < 0 || c.GlobalConnRate < 0 || c.GlobalPacketRate < 0:
		return errors.New("rates must not be negative")
	}
	return nil
}

func (c Config) relayConfig() relay.Config {
	return relay.Config{
		ListenPort:      c.ListenPort,
		BackendHost:     c.BackendHost,
		BackendPort:     c.BackendPort,
		Delay:           c.Delay,
		ForwardClientIP: c.ForwardClientIP,
		MaxConnections:  c.MaxConnections,
		PollInterval:    c.PollInterval,
		IdleTimeout:     c.IdleTimeout,
		MaxPending:      c.MaxPending,
	}
}

// admission returns nil when no rate limit is configured.
func (c Config) admission() *ratelimit.RateLimiter {
	if c.ConnRate <= 0 && c.PacketRate <= 0 && c.GlobalConnRate <= 0 && c.GlobalPacketRate <= 0 {
		return nil
	}
	return ratelimit.NewRateLimiter(ratelimit.Limits{
		GlobalConnRate:   c.GlobalConnRate,
		PerIPConnRate:    c.ConnRate,
		GlobalPacketRate: c.GlobalPacketRate,
		PerClientPktRate: c.PacketRate,
		BurstSeconds:     c.Burst,
	})
}
