// Package relay is the delay relay core: one goroutine polls the transport,
// keeps a session per client and forwards each packet once its delay has
// elapsed.
package relay

import (
	"context"
	"net/netip"
	"time"

	"github.com/matst80/delayrelay/internal/obs"
	"github.com/matst80/delayrelay/internal/transport"
	"github.com/pkg/errors"
)

// Option customises a Server.
type Option func(*Server)

// WithObserver reports session lifecycle to o.
func WithObserver(o Observer) Option { return func(s *Server) { s.loop.observer = o } }

// WithAdmission gates connects and packets through a.
func WithAdmission(a Admission) Option { return func(s *Server) { s.loop.admission = a } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.loop.now = now } }

// Server owns the transport host, the registry and the dispatch loop.
type Server struct {
	cfg  Config
	host Host
	loop *Loop
}

// NewServer wires a server around an already listening host.
func NewServer(cfg Config, host Host, opts ...Option) *Server {
	cfg.setDefaults()
	s := &Server{cfg: cfg, host: host}
	s.loop = newLoop(&s.cfg, host)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the server's configuration.
func (s *Server) Config() Config { return s.cfg }

// Loop exposes the dispatch loop, mainly so tests can drive single steps.
func (s *Server) Loop() *Loop { return s.loop }

// Addr is the address the relay listens on, when its host has a listener.
func (s *Server) Addr() (netip.AddrPort, error) {
	ln, ok := s.host.(interface{ Addr() (netip.AddrPort, error) })
	if !ok {
		return netip.AddrPort{}, errors.New("host has no listen address")
	}
	return ln.Addr()
}

// Stats reports sessions and pending packets as of the last loop step.
func (s *Server) Stats() Stats { return s.loop.Stats() }

// Run drives the dispatch loop until ctx is done, then closes the host.
func (s *Server) Run(ctx context.Context) error {
	obs.Info("relay.run", obs.Fields{"listen_port": s.cfg.ListenPort, "backend": s.cfg.BackendAddr(), "delay": s.cfg.Delay.String(), "forward_client_ip": s.cfg.ForwardClientIP})
	s.loop.Run(ctx)
	if err := s.host.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		return errors.Wrap(err, "close host")
	}
	return nil
}

// Handle is a running relay.
type Handle struct {
	*Server
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Stop asks the loop to finish. Wait blocks until it has.
func (h *Handle) Stop() { h.cancel() }

// Wait returns once the loop has torn down every session and closed the host.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Done is closed when the relay has stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Start listens on cfg.ListenPort and runs the relay on its own goroutine.
// A listener that cannot be created is returned as an error; nothing is left
// running in that case.
func Start(ctx context.Context, cfg Config, opts ...Option) (*Handle, error) {
	cfg.setDefaults()
	host, err := transport.Listen(transport.HostConfig{
		Port:           cfg.ListenPort,
		MaxConnections: cfg.MaxConnections,
		IdleTimeout:    cfg.IdleTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create relay host")
	}
	return Serve(ctx, NewServer(cfg, host, opts...)), nil
}

// Serve runs an existing server on its own goroutine.
func Serve(ctx context.Context, srv *Server) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{Server: srv, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = srv.Run(ctx)
	}()
	return h
}
