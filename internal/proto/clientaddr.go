package proto

import (
	"bufio"
	"bytes"
	"net"
	"net/netip"

	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
)

// EncodeClientAddr renders a PROXY protocol v2 header naming client as the
// source of a datagram flow towards dest. It is carried as the payload of a
// KindClientAddr frame, ahead of any data from that client.
func EncodeClientAddr(client, dest netip.AddrPort) ([]byte, error) {
	client = Unmap(client)
	dest = Unmap(dest)
	tp := proxyproto.UDPv4
	if client.Addr().Is6() {
		tp = proxyproto.UDPv6
	}
	if !dest.IsValid() || dest.Addr().Is4() != client.Addr().Is4() {
		unspecified := netip.IPv4Unspecified()
		if client.Addr().Is6() {
			unspecified = netip.IPv6Unspecified()
		}
		dest = netip.AddrPortFrom(unspecified, dest.Port())
	}
	header := &proxyproto.Header{
		Version:           2,
		Command:           proxyproto.PROXY,
		TransportProtocol: tp,
		SourceAddr:        net.UDPAddrFromAddrPort(client),
		DestinationAddr:   net.UDPAddrFromAddrPort(dest),
	}
	b, err := header.Format()
	if err != nil {
		return nil, errors.Wrap(err, "format proxy header")
	}
	return b, nil
}

// DecodeClientAddr extracts the client address from a KindClientAddr payload.
func DecodeClientAddr(b []byte) (netip.AddrPort, error) {
	header, err := proxyproto.Read(bufio.NewReader(bytes.NewReader(b)))
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "read proxy header")
	}
	src, ok := header.SourceAddr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, errors.Errorf("unexpected proxy source %T", header.SourceAddr)
	}
	return Unmap(src.AddrPort()), nil
}

// Unmap strips the IPv4-in-IPv6 prefix so one client always maps to one key.
func Unmap(ap netip.AddrPort) netip.AddrPort {
	if !ap.IsValid() {
		return ap
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
