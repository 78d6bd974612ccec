package transport

import (
	"bufio"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/matst80/delayrelay/internal/obs"
	"github.com/matst80/delayrelay/internal/proto"
	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
)

// Peer is a Conn backed by one KCP session. Frames are written by a
// dedicated goroutine so Send never blocks the caller.
type Peer struct {
	host     *Host
	sess     *kcp.UDPSession
	remote   netip.AddrPort
	outbound bool
	tag      any

	// written by readLoop before the Connect event is emitted
	connected  bool
	clientAddr netip.AddrPort

	sendq     chan []byte
	quit      chan struct{}
	closeOnce sync.Once
	sayBye    bool
}

var _ Conn = (*Peer)(nil)

func newPeer(h *Host, sess *kcp.UDPSession, outbound bool, tag any) *Peer {
	var remote netip.AddrPort
	if ua, ok := sess.RemoteAddr().(*net.UDPAddr); ok {
		remote = proto.Unmap(ua.AddrPort())
	}
	return &Peer{
		host:      h,
		sess:      sess,
		remote:    remote,
		outbound:  outbound,
		tag:       tag,
		connected: outbound,
		sendq:     make(chan []byte, h.cfg.SendQueue),
		quit:      make(chan struct{}),
	}
}

func (p *Peer) RemoteAddr() netip.AddrPort { return p.remote }
func (p *Peer) ClientAddr() netip.AddrPort { return p.clientAddr }
func (p *Peer) Tag() any                   { return p.tag }

func (p *Peer) String() string { return p.remote.String() }

// Send implements Conn.
func (p *Peer) Send(channel uint8, payload []byte) error {
	return p.enqueue(proto.KindData, channel, payload)
}

func (p *Peer) announce(client netip.AddrPort) error {
	b, err := proto.EncodeClientAddr(client, p.remote)
	if err != nil {
		return err
	}
	return p.enqueue(proto.KindClientAddr, 0, b)
}

// Disconnect implements Conn.
func (p *Peer) Disconnect() error {
	return p.shutdown(true)
}

func (p *Peer) shutdown(bye bool) error {
	err := ErrClosed
	p.closeOnce.Do(func() {
		p.sayBye = bye
		close(p.quit)
		err = nil
	})
	return err
}

func (p *Peer) enqueue(k proto.Kind, channel uint8, payload []byte) error {
	frame, err := proto.AppendFrame(make([]byte, 0, proto.HeaderLen+len(payload)), k, channel, payload)
	if err != nil {
		return err
	}
	select {
	case <-p.quit:
		return ErrClosed
	default:
	}
	select {
	case p.sendq <- frame:
		return nil
	default:
		return errors.Wrapf(ErrSendQueueFull, "peer %s", p.remote)
	}
}

func (p *Peer) writeLoop() {
	defer p.host.wg.Done()
	defer p.sess.Close()
	timeout := p.host.cfg.WriteTimeout
	for {
		select {
		case frame := <-p.sendq:
			_ = p.sess.SetWriteDeadline(time.Now().Add(timeout))
			if _, err := p.sess.Write(frame); err != nil {
				obs.Debug("transport.write", obs.Fields{"remote": p.remote.String(), "err": err.Error()})
				_ = p.shutdown(false)
				return
			}
		case <-p.quit:
			if p.sayBye {
				p.flush(timeout)
			}
			return
		}
	}
}

// flush writes whatever is still queued, then a bye frame.
func (p *Peer) flush(timeout time.Duration) {
	_ = p.sess.SetWriteDeadline(time.Now().Add(timeout))
	for {
		select {
		case frame := <-p.sendq:
			if _, err := p.sess.Write(frame); err != nil {
				return
			}
		default:
			bye, _ := proto.AppendFrame(nil, proto.KindBye, 0, nil)
			_, _ = p.sess.Write(bye)
			return
		}
	}
}

func (p *Peer) readLoop() {
	defer p.host.wg.Done()
	defer p.host.removePeer(p)
	br := bufio.NewReaderSize(p.sess, 64*1024)
	idle := p.host.cfg.IdleTimeout
	reason := "eof"
	for {
		_ = p.sess.SetReadDeadline(time.Now().Add(idle))
		hdr, err := proto.ReadHeader(br)
		if errors.Is(err, proto.ErrUnknownKind) {
			if _, err := br.Discard(int(hdr.Length)); err != nil {
				reason = "read"
				break
			}
			obs.Debug("transport.unknown_kind", obs.Fields{"remote": p.remote.String(), "kind": int(hdr.Kind)})
			continue
		}
		if err != nil {
			reason = readFailure(err)
			break
		}
		pkt := newPacket(int(hdr.Length))
		if _, err := io.ReadFull(br, pkt.Data()); err != nil {
			pkt.Release()
			reason = readFailure(err)
			break
		}
		if hdr.Kind == proto.KindClientAddr {
			if addr, err := proto.DecodeClientAddr(pkt.Data()); err == nil && !p.connected {
				p.clientAddr = addr
			} else if err != nil {
				obs.Debug("transport.client_addr", obs.Fields{"remote": p.remote.String(), "err": err.Error()})
			}
		}
		if !p.connected && hdr.Kind != proto.KindPing && hdr.Kind != proto.KindBye {
			p.connected = true
			p.host.emit(Event{Type: EventConnect, Conn: p, Outbound: p.outbound})
		}
		if hdr.Kind == proto.KindData {
			p.host.emit(Event{Type: EventReceive, Conn: p, Outbound: p.outbound, Channel: hdr.Channel, Packet: pkt})
			continue
		}
		pkt.Release()
		if hdr.Kind == proto.KindBye {
			reason = "bye"
			break
		}
	}
	_ = p.shutdown(false)
	if p.connected {
		obs.Debug("transport.disconnect", obs.Fields{"remote": p.remote.String(), "reason": reason})
		p.host.emit(Event{Type: EventDisconnect, Conn: p, Outbound: p.outbound})
	}
}

func readFailure(err error) string {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "idle"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return "closed"
	}
	return "read"
}
