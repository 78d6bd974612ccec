package relay

import (
	"fmt"
	"math/rand"
	"net/netip"
	"sort"
	"testing"
	"time"

	"github.com/matst80/delayrelay/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	srv   *Server
	host  *fakeHost
	clock *fakeClock
	obs   *observed
}

func newHarness(cfg Config, opts ...Option) *harness {
	cfg.BackendHost, cfg.BackendPort = "192.0.2.100", 9000
	h := &harness{host: &fakeHost{}, clock: newFakeClock(), obs: &observed{}}
	opts = append([]Option{WithClock(h.clock.Now), WithObserver(h.obs)}, opts...)
	h.srv = NewServer(cfg, h.host, opts...)
	return h
}

func (h *harness) step(n int) {
	for i := 0; i < n; i++ {
		h.srv.Loop().Step()
	}
}

func (h *harness) registry() *Registry { return h.srv.Loop().registry }

func TestLoopZeroDelayForwardsWithinStep(t *testing.T) {
	h := newHarness(Config{})
	c := client("198.51.100.1:4000")
	h.host.connect(c)
	h.host.receive(c, 1, "P1")

	h.step(1)
	backend := h.host.lastDial()
	require.NotNil(t, backend)
	assert.Empty(t, backend.sent)

	h.step(1)
	assert.Equal(t, []sentPacket{{Channel: 1, Payload: "P1"}}, backend.sent)
	assert.Zero(t, h.host.leaked())
	assert.Equal(t, []State{Active}, h.obs.changed)
}

func TestLoopDisconnectBeforeReleaseDrops(t *testing.T) {
	h := newHarness(Config{Delay: 100 * time.Millisecond})
	c := client("198.51.100.1:4000")
	h.host.connect(c)
	h.host.receive(c, 0, "P1")
	h.step(2)
	backend := h.host.lastDial()

	h.clock.Advance(50 * time.Millisecond)
	h.host.disconnect(c)
	h.step(1)
	assert.Zero(t, h.registry().Len())
	assert.True(t, backend.disconnected)

	h.clock.Advance(time.Second)
	h.step(3)
	assert.Empty(t, backend.sent)
	assert.Zero(t, h.host.leaked())
	assert.Equal(t, 1, h.obs.closed[c.remote])
}

func TestLoopReleaseTimes(t *testing.T) {
	h := newHarness(Config{Delay: 50 * time.Millisecond})
	c := client("198.51.100.1:4000")
	h.host.connect(c)
	h.host.receive(c, 0, "P1")
	h.step(2)
	backend := h.host.lastDial()

	h.clock.Advance(10 * time.Millisecond)
	h.host.receive(c, 0, "P2")
	h.step(1)

	h.clock.Advance(39 * time.Millisecond) // t=49ms
	h.step(1)
	assert.Empty(t, backend.sent)

	h.clock.Advance(time.Millisecond) // t=50ms
	h.step(1)
	assert.Equal(t, []string{"P1"}, backend.payloads())

	h.clock.Advance(9 * time.Millisecond) // t=59ms
	h.step(1)
	assert.Equal(t, []string{"P1"}, backend.payloads())

	h.clock.Advance(time.Millisecond) // t=60ms
	h.step(1)
	assert.Equal(t, []string{"P1", "P2"}, backend.payloads())
	assert.Zero(t, h.host.leaked())
}

func TestLoopConnectIsIdempotent(t *testing.T) {
	h := newHarness(Config{})
	c := client("198.51.100.1:4000")
	h.host.connect(c)
	h.host.connect(c)
	h.step(2)
	assert.Equal(t, 1, h.registry().Len())
	assert.Len(t, h.host.dials, 1)
	assert.Len(t, h.obs.opened, 1)
	assert.Equal(t, Stats{Sessions: 1}, h.srv.Stats())
}

func TestLoopReconnectRebindsSession(t *testing.T) {
	h := newHarness(Config{})
	old := client("198.51.100.1:4000")
	fresh := client("198.51.100.1:4000")
	h.host.connect(old)
	h.host.connect(fresh)
	h.host.disconnect(old)
	h.host.receive(fresh, 0, "hi")
	h.step(4)

	require.Equal(t, 1, h.registry().Len())
	assert.Same(t, fresh, h.registry().Get(fresh.remote).client)
	assert.True(t, old.disconnected, "replaced connection is closed")
	assert.False(t, fresh.disconnected)
	assert.Equal(t, []string{"hi"}, h.host.lastDial().payloads())

	h.host.disconnect(fresh)
	h.step(1)
	assert.Zero(t, h.registry().Len())
}

func TestLoopUnknownClientIsDiscarded(t *testing.T) {
	h := newHarness(Config{})
	stranger := client("198.51.100.9:1")
	h.host.receive(stranger, 0, "who")
	h.host.disconnect(stranger)
	h.step(2)
	assert.Zero(t, h.registry().Len())
	assert.Empty(t, h.host.dials)
	assert.Zero(t, h.host.leaked())
}

func TestLoopIgnoresMalformedEvents(t *testing.T) {
	h := newHarness(Config{})
	pkt := transport.NewPacket([]byte("orphan"))
	h.host.push(transport.Event{Type: transport.EventReceive, Packet: pkt})
	h.host.push(transport.Event{Type: transport.EventConnect, Conn: &fakeConn{}})
	h.host.push(transport.Event{Type: transport.EventType(99), Conn: client("198.51.100.1:4000")})
	h.host.push(transport.Event{Type: transport.EventReceive, Conn: client("198.51.100.1:4000")})
	h.step(4)
	assert.Zero(t, h.registry().Len())
	assert.Zero(t, h.host.leaked())
}

func TestLoopBackendResponsesAreDelayed(t *testing.T) {
	h := newHarness(Config{Delay: 20 * time.Millisecond})
	c := client("198.51.100.1:4000")
	h.host.connect(c)
	h.step(1)
	backend := h.host.lastDial()

	h.host.backendReceive(backend, 2, "R1")
	h.step(1)
	assert.Empty(t, c.sent)

	h.clock.Advance(20 * time.Millisecond)
	h.step(1)
	assert.Equal(t, []sentPacket{{Channel: 2, Payload: "R1"}}, c.sent)
	assert.Zero(t, h.host.leaked())
}

func TestLoopBackendLossKeepsSessionAndRedials(t *testing.T) {
	h := newHarness(Config{Delay: time.Second})
	c := client("198.51.100.1:4000")
	h.host.connect(c)
	h.host.receive(c, 0, "pending")
	h.step(2)
	lost := h.host.lastDial()

	h.host.backendDisconnect(lost)
	h.step(1)
	require.Equal(t, 1, h.registry().Len())
	assert.False(t, c.disconnected)
	assert.Empty(t, h.obs.closed)
	assert.Nil(t, h.registry().Get(c.remote).backend)
	assert.Equal(t, Stats{Sessions: 1, Pending: 1}, h.srv.Stats())

	// Late events from the lost connection are ignored.
	h.host.backendReceive(lost, 0, "stale")
	h.step(1)
	assert.Empty(t, c.sent)

	h.clock.Advance(time.Second)
	h.step(1)
	require.Len(t, h.host.dials, 2)
	assert.Equal(t, []string{"pending"}, h.host.lastDial().payloads())
	assert.Empty(t, lost.sent)
	assert.Zero(t, h.host.leaked())

	h.host.disconnect(c)
	h.step(1)
	assert.Zero(t, h.registry().Len())
	assert.True(t, h.host.lastDial().disconnected)
}

func TestLoopStaleBackendEventsIgnored(t *testing.T) {
	h := newHarness(Config{})
	c := client("198.51.100.1:4000")
	h.host.connect(c)
	h.step(1)
	stale := &fakeConn{remote: netip.MustParseAddrPort("192.0.2.100:9000"), tag: c.remote}
	h.host.backendReceive(stale, 0, "ghost")
	h.host.backendDisconnect(stale)
	h.host.push(transport.Event{Type: transport.EventReceive, Conn: &fakeConn{remote: stale.remote, tag: "not an address"}, Outbound: true, Packet: transport.NewPacket(nil)})
	h.step(3)
	assert.Equal(t, 1, h.registry().Len())
	assert.Empty(t, c.sent)
	assert.Zero(t, h.host.leaked())
}

type denyAll struct {
	conns, packets bool
	forgotten      []string
}

func (d *denyAll) AllowConnection(string) bool { return !d.conns }
func (d *denyAll) AllowPacket(string) bool     { return !d.packets }
func (d *denyAll) Forget(client string)        { d.forgotten = append(d.forgotten, client) }

func TestLoopAdmission(t *testing.T) {
	gate := &denyAll{conns: true}
	h := newHarness(Config{}, WithAdmission(gate))
	refused := client("198.51.100.1:4000")
	h.host.connect(refused)
	h.step(1)
	assert.Zero(t, h.registry().Len())
	assert.True(t, refused.disconnected)

	gate.conns, gate.packets = false, true
	c := client("198.51.100.2:4000")
	h.host.connect(c)
	h.host.receive(c, 0, "flood")
	h.host.disconnect(c)
	h.step(3)
	assert.Empty(t, h.host.lastDial().sent)
	assert.Zero(t, h.host.leaked())
	assert.Equal(t, []string{c.remote.String()}, gate.forgotten)
}

func TestLoopShutdownClosesEverything(t *testing.T) {
	h := newHarness(Config{Delay: time.Minute})
	var clients []*fakeConn
	for i := 0; i < 3; i++ {
		c := client(fmt.Sprintf("198.51.100.1:%d", 4000+i))
		clients = append(clients, c)
		h.host.connect(c)
		h.host.receive(c, 0, "x")
	}
	h.step(6)
	assert.Equal(t, Stats{Sessions: 3, Pending: 3}, h.srv.Stats())

	h.srv.Loop().shutdown()
	assert.Zero(t, h.registry().Len())
	for _, c := range clients {
		assert.True(t, c.disconnected)
	}
	for _, d := range h.host.dials {
		assert.True(t, d.disconnected)
	}
	assert.Zero(t, h.host.leaked())
	assert.Equal(t, Stats{}, h.srv.Stats())
}

// TestLoopRegistryMatchesOpenConnections drives random connect, receive and
// disconnect sequences and checks the registry holds exactly the open set.
func TestLoopRegistryMatchesOpenConnections(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		h := newHarness(Config{Delay: time.Duration(rng.Intn(30)) * time.Millisecond})
		addrs := make([]netip.AddrPort, 5)
		for i := range addrs {
			addrs[i] = netip.MustParseAddrPort(fmt.Sprintf("198.51.100.%d:%d", i+1, 1000+i))
		}
		open := map[netip.AddrPort]*fakeConn{}
		for i := 0; i < 300; i++ {
			addr := addrs[rng.Intn(len(addrs))]
			conn := open[addr]
			switch rng.Intn(3) {
			case 0:
				if conn == nil {
					conn = &fakeConn{remote: addr}
					open[addr] = conn
				}
				h.host.connect(conn)
			case 1:
				if conn == nil {
					conn = &fakeConn{remote: addr}
				}
				h.host.receive(conn, 0, "p")
			case 2:
				if conn == nil {
					continue
				}
				h.host.disconnect(conn)
				delete(open, addr)
			}
			h.clock.Advance(time.Duration(rng.Intn(10)) * time.Millisecond)
			h.step(1)

			var want, got []string
			for a := range open {
				want = append(want, a.String())
			}
			for _, a := range h.registry().Addrs() {
				got = append(got, a.String())
			}
			sort.Strings(want)
			sort.Strings(got)
			require.Equal(t, want, got, "seed %d step %d", seed, i)
		}
		h.srv.Loop().shutdown()
		assert.Zero(t, h.host.leaked(), "seed %d", seed)
	}
}

func TestLoopWaitShortensForDuePackets(t *testing.T) {
	h := newHarness(Config{Delay: 3 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	l := h.srv.Loop()
	assert.Equal(t, 5*time.Millisecond, l.wait())

	c := client("198.51.100.1:4000")
	h.host.connect(c)
	h.host.receive(c, 0, "soon")
	h.step(2)
	assert.Equal(t, 3*time.Millisecond, l.wait())

	h.clock.Advance(10 * time.Millisecond)
	assert.Zero(t, l.wait(), "overdue packets do not wait")
	h.step(1)
	assert.Equal(t, 5*time.Millisecond, l.wait())
}
