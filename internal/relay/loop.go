package relay

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/matst80/delayrelay/internal/obs"
	"github.com/matst80/delayrelay/internal/transport"
)

// Host is the transport surface the loop drives. *transport.Host satisfies it.
type Host interface {
	Service(timeout time.Duration) transport.Event
	Dial(addr string, tag any, opts ...transport.DialOption) (transport.Conn, error)
	Close() error
}

// Observer is told about session lifecycle changes. It is called on the loop
// goroutine and must not block.
type Observer interface {
	SessionOpened(addr netip.AddrPort, at time.Time)
	SessionStateChanged(addr netip.AddrPort, state State)
	SessionClosed(addr netip.AddrPort, dropped int)
}

// Admission decides whether connects and packets are let through.
type Admission interface {
	AllowConnection(ip string) bool
	AllowPacket(client string) bool
	Forget(client string)
}

// Stats is a point-in-time view of the loop, safe to read from any goroutine.
type Stats struct {
	Sessions int `json:"sessions"`
	Pending  int `json:"pending"`
}

// Loop is the single goroutine that owns the registry and every session.
type Loop struct {
	cfg       *Config
	host      Host
	registry  *Registry
	observer  Observer
	admission Admission
	now       func() time.Time

	// earliest pending release seen by the last tick, zero if none
	nextRelease time.Time

	sessions atomic.Int64
	pending  atomic.Int64
}

func newLoop(cfg *Config, host Host) *Loop {
	return &Loop{
		cfg:      cfg,
		host:     host,
		registry: NewRegistry(),
		now:      time.Now,
	}
}

// Run steps until ctx is done, then tears down every session.
func (l *Loop) Run(ctx context.Context) {
	for ctx.Err() == nil {
		l.Step()
	}
	l.shutdown()
}

// Step handles at most one transport event and then ticks every session.
func (l *Loop) Step() {
	ev := l.host.Service(l.wait())
	now := l.now()
	l.dispatch(ev, now)
	l.tick(now)
}

func (l *Loop) dispatch(ev transport.Event, now time.Time) {
	if ev.Type == transport.EventNone {
		return
	}
	if ev.Conn == nil || !ev.Conn.RemoteAddr().IsValid() {
		if ev.Packet != nil {
			ev.Packet.Release()
		}
		obs.Debug("loop.malformed_event", obs.Fields{"type": ev.Type.String()})
		return
	}
	if ev.Outbound {
		l.dispatchBackend(ev, now)
		return
	}
	switch ev.Type {
	case transport.EventConnect:
		l.onConnect(ev.Conn, now)
	case transport.EventReceive:
		l.onReceive(ev, now)
	case transport.EventDisconnect:
		l.onDisconnect(ev.Conn)
	default:
		if ev.Packet != nil {
			ev.Packet.Release()
		}
	}
}

func (l *Loop) onConnect(conn transport.Conn, now time.Time) {
	addr := conn.RemoteAddr()
	if s := l.registry.Get(addr); s != nil {
		if s.client != conn {
			obs.Debug("session.rebind", obs.Fields{"client": addr.String()})
			s.rebind(conn)
		}
		return
	}
	if l.admission != nil && !l.admission.AllowConnection(addr.Addr().String()) {
		obs.ErrorsTotal.WithLabelValues("conn_rate").Inc()
		obs.Warn("session.refused", obs.Fields{"client": addr.String()})
		_ = conn.Disconnect()
		return
	}
	s, _ := l.registry.InsertIfAbsent(addr, func() *Session {
		return newSession(addr, conn, l.cfg, l.host, now)
	})
	s.OnConnect(now)
	obs.SessionsTotal.Inc()
	obs.Info("session.open", obs.Fields{"client": addr.String()})
	if l.observer != nil {
		l.observer.SessionOpened(addr, now)
	}
}

func (l *Loop) onReceive(ev transport.Event, now time.Time) {
	if ev.Packet == nil {
		return
	}
	defer ev.Packet.Release()
	addr := ev.Conn.RemoteAddr()
	s := l.registry.Get(addr)
	if s == nil || s.client != ev.Conn {
		obs.DroppedTotal.WithLabelValues("unknown_client").Inc()
		return
	}
	if l.admission != nil && !l.admission.AllowPacket(addr.String()) {
		obs.DroppedTotal.WithLabelValues("packet_rate").Inc()
		return
	}
	before := s.state
	s.OnReceive(ev.Channel, ev.Packet, now)
	if s.state != before && l.observer != nil {
		l.observer.SessionStateChanged(addr, s.state)
	}
}

func (l *Loop) onDisconnect(conn transport.Conn) {
	addr := conn.RemoteAddr()
	s := l.registry.Get(addr)
	if s == nil || s.client != conn {
		return
	}
	l.closeSession(s, "client")
}

// dispatchBackend routes events from backend connections, tagged with the
// owning client's address.
func (l *Loop) dispatchBackend(ev transport.Event, now time.Time) {
	if ev.Packet != nil {
		defer ev.Packet.Release()
	}
	addr, ok := ev.Conn.Tag().(netip.AddrPort)
	if !ok {
		return
	}
	s := l.registry.Get(addr)
	if s == nil || s.backend != ev.Conn {
		return
	}
	switch ev.Type {
	case transport.EventReceive:
		s.OnBackendReceive(ev.Channel, ev.Packet, now)
	case transport.EventDisconnect:
		obs.ErrorsTotal.WithLabelValues("backend_lost").Inc()
		obs.Warn("session.backend_lost", obs.Fields{"client": addr.String(), "backend": l.cfg.BackendAddr()})
		s.OnBackendLost(now)
	}
}

func (l *Loop) closeSession(s *Session, cause string) {
	dropped := s.Disconnect()
	l.registry.Remove(s.addr)
	if l.admission != nil {
		l.admission.Forget(s.addr.String())
	}
	obs.SessionDuration.Observe(l.now().Sub(s.openedAt).Seconds())
	obs.Info("session.close", obs.Fields{"client": s.addr.String(), "cause": cause, "dropped": dropped})
	if l.observer != nil {
		l.observer.SessionClosed(s.addr, dropped)
	}
}

// wait is how long the next Service call may block: the poll interval, cut
// short when a packet falls due sooner.
func (l *Loop) wait() time.Duration {
	d := l.cfg.PollInterval
	if l.nextRelease.IsZero() {
		return d
	}
	if until := l.nextRelease.Sub(l.now()); until < d {
		d = max(until, 0)
	}
	return d
}

func (l *Loop) tick(now time.Time) {
	pending := 0
	l.nextRelease = time.Time{}
	l.registry.Each(func(s *Session) {
		s.Tick(now)
		pending += s.Pending()
		if at, ok := s.pending.Next(); ok && (l.nextRelease.IsZero() || at.Before(l.nextRelease)) {
			l.nextRelease = at
		}
	})
	l.sessions.Store(int64(l.registry.Len()))
	l.pending.Store(int64(pending))
	obs.ActiveSessions.Set(float64(l.registry.Len()))
	obs.PendingPackets.Set(float64(pending))
}

func (l *Loop) shutdown() {
	for _, addr := range l.registry.Addrs() {
		s := l.registry.Get(addr)
		_ = s.client.Disconnect()
		l.closeSession(s, "shutdown")
	}
	l.sessions.Store(0)
	l.pending.Store(0)
	obs.ActiveSessions.Set(0)
	obs.PendingPackets.Set(0)
}

// Stats reads the counters published by the last step.
func (l *Loop) Stats() Stats {
	return Stats{Sessions: int(l.sessions.Load()), Pending: int(l.pending.Load())}
}
