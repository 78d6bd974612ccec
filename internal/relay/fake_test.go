package relay

import (
	"net/netip"
	"sync"
	"time"

	"github.com/matst80/delayrelay/internal/transport"
	"github.com/pkg/errors"
)

type sentPacket struct {
	Channel uint8
	Payload string
}

type fakeConn struct {
	remote       netip.AddrPort
	tag          any
	opts         transport.DialOptions
	sent         []sentPacket
	disconnected bool
	sendErr      error
}

func (c *fakeConn) Send(channel uint8, payload []byte) error {
	if c.disconnected {
		return transport.ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentPacket{Channel: channel, Payload: string(payload)})
	return nil
}

func (c *fakeConn) Disconnect() error {
	if c.disconnected {
		return transport.ErrClosed
	}
	c.disconnected = true
	return nil
}

func (c *fakeConn) RemoteAddr() netip.AddrPort { return c.remote }
func (c *fakeConn) ClientAddr() netip.AddrPort { return c.opts.ClientAddr }
func (c *fakeConn) Tag() any                   { return c.tag }

func (c *fakeConn) payloads() []string {
	out := make([]string, 0, len(c.sent))
	for _, p := range c.sent {
		out = append(out, p.Payload)
	}
	return out
}

// fakeHost replays queued events one per Service call.
type fakeHost struct {
	mu      sync.Mutex
	events  []transport.Event
	dials   []*fakeConn
	dialErr error
	closed  bool
	// idle is slept when there is nothing to report
	idle time.Duration
	// packets handed out through events, to check they were all released
	packets []*transport.Packet
}

var errDialRefused = errors.New("dial refused")

func (h *fakeHost) Service(time.Duration) transport.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		if h.idle > 0 {
			h.mu.Unlock()
			time.Sleep(h.idle)
			h.mu.Lock()
		}
		return transport.Event{}
	}
	ev := h.events[0]
	h.events = h.events[1:]
	return ev
}

func (h *fakeHost) Dial(addr string, tag any, opts ...transport.DialOption) (transport.Conn, error) {
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	c := &fakeConn{remote: netip.MustParseAddrPort("192.0.2.100:9000"), tag: tag, opts: transport.ResolveDialOptions(opts...)}
	h.dials = append(h.dials, c)
	return c, nil
}

func (h *fakeHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrClosed
	}
	h.closed = true
	return nil
}

func (h *fakeHost) push(ev transport.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.Packet != nil {
		h.packets = append(h.packets, ev.Packet)
	}
	h.events = append(h.events, ev)
}

func (h *fakeHost) connect(c *fakeConn) {
	h.push(transport.Event{Type: transport.EventConnect, Conn: c})
}

func (h *fakeHost) receive(c *fakeConn, channel uint8, payload string) {
	h.push(transport.Event{Type: transport.EventReceive, Conn: c, Channel: channel, Packet: transport.NewPacket([]byte(payload))})
}

func (h *fakeHost) disconnect(c *fakeConn) {
	h.push(transport.Event{Type: transport.EventDisconnect, Conn: c})
}

func (h *fakeHost) backendReceive(c *fakeConn, channel uint8, payload string) {
	h.push(transport.Event{Type: transport.EventReceive, Conn: c, Outbound: true, Channel: channel, Packet: transport.NewPacket([]byte(payload))})
}

func (h *fakeHost) backendDisconnect(c *fakeConn) {
	h.push(transport.Event{Type: transport.EventDisconnect, Conn: c, Outbound: true})
}

// leaked counts packets that still have holders.
func (h *fakeHost) leaked() int {
	n := 0
	for _, p := range h.packets {
		if p.Refs() != 0 {
			n++
		}
	}
	return n
}

func (h *fakeHost) lastDial() *fakeConn {
	if len(h.dials) == 0 {
		return nil
	}
	return h.dials[len(h.dials)-1]
}

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type observed struct {
	opened  []netip.AddrPort
	changed []State
	closed  map[netip.AddrPort]int
}

func (o *observed) SessionOpened(addr netip.AddrPort, _ time.Time) { o.opened = append(o.opened, addr) }
func (o *observed) SessionStateChanged(_ netip.AddrPort, st State) { o.changed = append(o.changed, st) }
func (o *observed) SessionClosed(addr netip.AddrPort, dropped int) {
	if o.closed == nil {
		o.closed = make(map[netip.AddrPort]int)
	}
	o.closed[addr] = dropped
}

func client(addr string) *fakeConn {
	return &fakeConn{remote: netip.MustParseAddrPort(addr)}
}
