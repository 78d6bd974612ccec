package relay

import (
	"net/netip"
	"time"

	"github.com/matst80/delayrelay/internal/obs"
	"github.com/matst80/delayrelay/internal/transport"
)

// State is a session's lifecycle position.
type State int

const (
	Connecting State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Session relays one client's connection to the backend. It is owned by the
// dispatch loop and never touched from any other goroutine.
type Session struct {
	addr     netip.AddrPort
	client   transport.Conn
	backend  transport.Conn
	state    State
	pending  *DelayQueue
	cfg      *Config
	dialer   Host
	openedAt time.Time
	nextDial time.Time
	// failing is set after the first failed forward has been logged.
	failing bool
}

func newSession(addr netip.AddrPort, client transport.Conn, cfg *Config, dialer Host, now time.Time) *Session {
	return &Session{
		addr:     addr,
		client:   client,
		state:    Connecting,
		pending:  NewDelayQueue(cfg.MaxPending),
		cfg:      cfg,
		dialer:   dialer,
		openedAt: now,
	}
}

func (s *Session) Addr() netip.AddrPort { return s.addr }
func (s *Session) State() State         { return s.state }
func (s *Session) Pending() int         { return s.pending.Len() }

// OnConnect opens the backend connection. A failed dial leaves the session
// alive; Tick retries it.
func (s *Session) OnConnect(now time.Time) {
	s.dialBackend(now)
}

func (s *Session) dialBackend(now time.Time) {
	var opts []transport.DialOption
	if s.cfg.ForwardClientIP {
		opts = append(opts, transport.WithClientAddr(s.addr))
	}
	conn, err := s.dialer.Dial(s.cfg.BackendAddr(), s.addr, opts...)
	if err != nil {
		s.nextDial = now.Add(redialInterval)
		obs.ErrorsTotal.WithLabelValues("backend_dial").Inc()
		obs.Error("session.backend_dial", obs.Fields{"client": s.addr.String(), "backend": s.cfg.BackendAddr(), "err": err.Error()})
		return
	}
	s.backend = conn
	obs.Debug("session.backend_open", obs.Fields{"client": s.addr.String(), "backend": s.cfg.BackendAddr()})
}

// OnReceive handles a packet from the client. The caller keeps its own hold
// on pkt and releases it afterwards.
func (s *Session) OnReceive(channel uint8, pkt *transport.Packet, now time.Time) {
	if s.state == Closed {
		return
	}
	if s.state == Connecting {
		s.state = Active
	}
	s.enqueue(ToBackend, channel, pkt, now)
}

// OnBackendReceive handles a packet from the backend, delayed the same way.
func (s *Session) OnBackendReceive(channel uint8, pkt *transport.Packet, now time.Time) {
	if s.state == Closed {
		return
	}
	s.enqueue(ToClient, channel, pkt, now)
}

func (s *Session) enqueue(dir Direction, channel uint8, pkt *transport.Packet, now time.Time) {
	if s.cfg.Delay <= 0 && s.pending.Empty() {
		s.forward(dir, channel, pkt.Data())
		return
	}
	dp := DelayedPacket{Packet: pkt.Retain(), Channel: channel, ReleaseAt: now.Add(s.cfg.Delay), Dest: dir}
	if err := s.pending.Push(dp); err != nil {
		pkt.Release()
		obs.DroppedTotal.WithLabelValues("queue_full").Inc()
		obs.Debug("session.queue_full", obs.Fields{"client": s.addr.String(), "pending": s.pending.Len()})
	}
}

// Tick forwards every packet whose release time has come.
func (s *Session) Tick(now time.Time) {
	if s.state == Closed {
		return
	}
	if s.backend == nil && !now.Before(s.nextDial) {
		s.dialBackend(now)
	}
	s.pending.PopDue(now, func(dp DelayedPacket) {
		obs.ReleaseLagSecond.Observe(now.Sub(dp.ReleaseAt).Seconds())
		s.forward(dp.Dest, dp.Channel, dp.Packet.Data())
		dp.Packet.Release()
	})
}

func (s *Session) forward(dir Direction, channel uint8, payload []byte) {
	conn := s.backend
	if dir == ToClient {
		conn = s.client
	}
	if conn == nil {
		obs.DroppedTotal.WithLabelValues("no_backend").Inc()
		s.noteFailure(dir, "backend not connected")
		return
	}
	if err := conn.Send(channel, payload); err != nil {
		obs.ErrorsTotal.WithLabelValues("send_" + dir.String()).Inc()
		s.noteFailure(dir, err.Error())
		return
	}
	s.failing = false
	obs.ForwardedTotal.WithLabelValues(dir.String()).Inc()
}

func (s *Session) noteFailure(dir Direction, reason string) {
	if s.failing {
		return
	}
	s.failing = true
	obs.Warn("session.forward_failed", obs.Fields{"client": s.addr.String(), "direction": dir.String(), "err": reason})
}

// rebind points the session at a new inbound connection for the same
// address, keeping its backend connection and queue. The old connection is
// closed so it stops holding a connection slot.
func (s *Session) rebind(client transport.Conn) {
	old := s.client
	s.client = client
	if old != nil {
		_ = old.Disconnect()
	}
}

// OnBackendLost forgets a backend connection that went away. The session
// stays up; Tick redials once redialInterval has passed.
func (s *Session) OnBackendLost(now time.Time) {
	if s.state == Closed {
		return
	}
	s.backend = nil
	s.nextDial = now.Add(redialInterval)
}

// Disconnect closes the backend connection and discards everything still
// pending. It returns how many packets were dropped.
func (s *Session) Disconnect() int {
	if s.state == Closed {
		return 0
	}
	s.state = Closed
	if s.backend != nil {
		_ = s.backend.Disconnect()
		s.backend = nil
	}
	dropped := s.pending.Drain(func(dp DelayedPacket) { dp.Packet.Release() })
	if dropped > 0 {
		obs.DroppedTotal.WithLabelValues("teardown").Add(float64(dropped))
	}
	return dropped
}
