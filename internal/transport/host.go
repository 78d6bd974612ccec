// Package transport provides connection-oriented, reliable, multi-channel
// messaging over KCP, surfaced as a polled event stream.
package transport

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/matst80/delayrelay/internal/obs"
	"github.com/matst80/delayrelay/internal/proto"
	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrSendQueueFull  = errors.New("send queue full")
	ErrTooManyPeers   = errors.New("too many peers")
	ErrFrameTooLarge  = proto.ErrFrameTooLarge
	errListenDisabled = errors.New("host has no listener")
)

// HostConfig tunes a Host.
type HostConfig struct {
	// Port to listen on. Zero picks a free port.
	Port int
	// MaxConnections caps concurrently accepted peers.
	MaxConnections int
	// IdleTimeout disconnects a peer that sent nothing for this long.
	IdleTimeout time.Duration
	// KeepAlive is the ping interval for every live peer.
	KeepAlive time.Duration
	// SendQueue is the per-peer outgoing frame buffer.
	SendQueue int
	// WriteTimeout bounds one blocked write to the KCP session.
	WriteTimeout time.Duration
}

func (c *HostConfig) setDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 128
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = c.IdleTimeout / 3
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Host owns a set of peers and the event stream they feed. Accepted peers
// come from the listener (if any); outbound peers from Dial.
type Host struct {
	cfg      HostConfig
	listener *kcp.Listener
	events   chan Event
	closing  chan struct{}
	wg       sync.WaitGroup // peers and keepalive
	acceptWG sync.WaitGroup

	mu sync.Mutex
	// +checklocks:mu
	peers map[*Peer]struct{}
	// +checklocks:mu
	inbound int
	// +checklocks:mu
	closed bool
}

// NewHost creates a Host without a listener, able only to Dial.
func NewHost(cfg HostConfig) (*Host, error) {
	if !initialized() {
		return nil, ErrNotInitialized
	}
	cfg.setDefaults()
	h := &Host{
		cfg:     cfg,
		events:  make(chan Event, 1024),
		closing: make(chan struct{}),
		peers:   make(map[*Peer]struct{}),
	}
	h.wg.Add(1)
	go h.keepalive()
	return h, nil
}

// Listen creates a Host accepting peers on cfg.Port.
func Listen(cfg HostConfig) (*Host, error) {
	h, err := NewHost(cfg)
	if err != nil {
		return nil, err
	}
	ln, err := kcp.ListenWithOptions(fmt.Sprintf(":%d", cfg.Port), nil, 0, 0)
	if err != nil {
		_ = h.Close()
		return nil, errors.Wrapf(err, "listen on port %d", cfg.Port)
	}
	h.listener = ln
	h.acceptWG.Add(1)
	go h.acceptLoop()
	return h, nil
}

// Addr is the bound listener address.
func (h *Host) Addr() (netip.AddrPort, error) {
	if h.listener == nil {
		return netip.AddrPort{}, errListenDisabled
	}
	ua, ok := h.listener.Addr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, errors.Errorf("unexpected listener address %T", h.listener.Addr())
	}
	return proto.Unmap(ua.AddrPort()), nil
}

// Service returns the next event. It checks for an already queued event
// without blocking and otherwise waits up to timeout, returning an
// EventNone event if nothing arrives.
func (h *Host) Service(timeout time.Duration) Event {
	select {
	case ev := <-h.events:
		return ev
	default:
	}
	if timeout <= 0 {
		return Event{}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev := <-h.events:
		return ev
	case <-t.C:
		return Event{}
	}
}

// DialOption adjusts an outbound connection.
type DialOption func(*DialOptions)

// DialOptions is the resolved form of a DialOption list.
type DialOptions struct {
	ClientAddr netip.AddrPort
}

// ResolveDialOptions applies opts in order.
func ResolveDialOptions(opts ...DialOption) DialOptions {
	var o DialOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClientAddr makes the first frame on the connection announce client as
// the real origin of its traffic, so the remote host knows it before its
// Connect event.
func WithClientAddr(client netip.AddrPort) DialOption {
	return func(o *DialOptions) { o.ClientAddr = client }
}

// Dial opens an outbound connection. Its events arrive on this host's
// stream with Outbound set and Conn.Tag() == tag. There is no Connect
// event for outbound connections; a successful Dial is the connect.
func (h *Host) Dial(addr string, tag any, opts ...DialOption) (Conn, error) {
	o := ResolveDialOptions(opts...)
	sess, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	p, err := h.addPeer(sess, true, tag)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if o.ClientAddr.IsValid() {
		err = p.announce(o.ClientAddr)
	} else {
		err = p.enqueue(proto.KindHello, 0, nil)
	}
	if err != nil {
		_ = p.Disconnect()
		return nil, err
	}
	return p, nil
}

// Peers reports the number of live peers.
func (h *Host) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close stops accepting, disconnects every peer and waits for all
// goroutines. Queued events are discarded.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.closed = true
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	close(h.closing)
	for _, p := range peers {
		_ = p.Disconnect()
	}
	// peers flush their bye frames through the listener's socket
	h.wg.Wait()
	var err error
	if h.listener != nil {
		err = h.listener.Close()
	}
	h.acceptWG.Wait()
	for {
		select {
		case ev := <-h.events:
			if ev.Packet != nil {
				ev.Packet.Release()
			}
		default:
			return errors.Wrap(err, "close listener")
		}
	}
}

func (h *Host) acceptLoop() {
	defer h.acceptWG.Done()
	for {
		sess, err := h.listener.AcceptKCP()
		if err != nil {
			select {
			case <-h.closing:
			default:
				obs.Error("transport.accept", obs.Fields{"err": err.Error()})
			}
			return
		}
		if _, err := h.addPeer(sess, false, nil); err != nil {
			obs.Warn("transport.refuse", obs.Fields{"remote": sess.RemoteAddr().String(), "err": err.Error()})
			_ = sess.Close()
		}
	}
}

func (h *Host) addPeer(sess *kcp.UDPSession, outbound bool, tag any) (*Peer, error) {
	tune(sess)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if !outbound && h.inbound >= h.cfg.MaxConnections {
		return nil, ErrTooManyPeers
	}
	p := newPeer(h, sess, outbound, tag)
	h.peers[p] = struct{}{}
	if !outbound {
		h.inbound++
	}
	h.wg.Add(2)
	go p.readLoop()
	go p.writeLoop()
	return p, nil
}

func (h *Host) removePeer(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p]; !ok {
		return
	}
	delete(h.peers, p)
	if !p.outbound {
		h.inbound--
	}
}

// emit hands an event to Service callers, giving up once the host closes.
func (h *Host) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.closing:
		if ev.Packet != nil {
			ev.Packet.Release()
		}
	}
}

func (h *Host) keepalive() {
	defer h.wg.Done()
	t := time.NewTicker(h.cfg.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-h.closing:
			return
		case <-t.C:
			h.mu.Lock()
			peers := make([]*Peer, 0, len(h.peers))
			for p := range h.peers {
				peers = append(peers, p)
			}
			h.mu.Unlock()
			for _, p := range peers {
				_ = p.enqueue(proto.KindPing, 0, nil)
			}
		}
	}
}

func tune(sess *kcp.UDPSession) {
	sess.SetStreamMode(true)
	sess.SetNoDelay(1, 10, 2, 1)
	sess.SetWindowSize(256, 256)
	sess.SetACKNoDelay(true)
}
