// Package proto defines the relay's framing on top of a KCP byte stream and
// the client address announcement sent to backends.
package proto

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Kind tags a frame.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindData
	KindPing
	KindBye
	KindClientAddr
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindData:
		return "data"
	case KindPing:
		return "ping"
	case KindBye:
		return "bye"
	case KindClientAddr:
		return "client-addr"
	}
	return "unknown"
}

const (
	// HeaderLen is length(2) + kind(1) + channel(1).
	HeaderLen  = 4
	MaxPayload = math.MaxUint16
)

var (
	ErrFrameTooLarge = errors.New("frame payload too large")
	ErrUnknownKind   = errors.New("unknown frame kind")
)

// Header precedes every payload on the wire.
type Header struct {
	Length  uint16
	Kind    Kind
	Channel uint8
}

// AppendFrame appends a complete frame to dst.
func AppendFrame(dst []byte, k Kind, channel uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(payload))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	dst = append(dst, byte(k), channel)
	return append(dst, payload...), nil
}

// ReadHeader reads one frame header. The caller reads Length payload bytes next.
func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Length:  binary.BigEndian.Uint16(b[0:2]),
		Kind:    Kind(b[2]),
		Channel: b[3],
	}
	if h.Kind < KindHello || h.Kind > KindClientAddr {
		return h, errors.Wrapf(ErrUnknownKind, "kind %d", b[2])
	}
	return h, nil
}
