package relay

import (
	"net"
	"strconv"
	"time"
)

// Config is fixed when the server is created.
type Config struct {
	ListenPort      int
	BackendHost     string
	BackendPort     int
	Delay           time.Duration
	ForwardClientIP bool

	MaxConnections int
	// PollInterval bounds how long one loop step waits for an event, and so
	// how late a due packet can be released.
	PollInterval time.Duration
	IdleTimeout  time.Duration
	// MaxPending caps each session's delay queue. Zero means unbounded.
	MaxPending int
}

const (
	defaultMaxConnections = 128
	defaultPollInterval   = 5 * time.Millisecond
	redialInterval        = time.Second
)

func (c *Config) setDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
}

// BackendAddr is the host:port every session dials.
func (c Config) BackendAddr() string {
	return net.JoinHostPort(c.BackendHost, strconv.Itoa(c.BackendPort))
}
