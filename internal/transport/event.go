package transport

import "net/netip"

// EventType enumerates what Service can report.
type EventType int

const (
	EventNone EventType = iota
	EventConnect
	EventReceive
	EventDisconnect
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventConnect:
		return "connect"
	case EventReceive:
		return "receive"
	case EventDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Event is handed to the caller of Service, who owns it. For EventReceive the
// caller must Release Packet exactly once.
type Event struct {
	Type EventType
	Conn Conn
	// Outbound is set for connections opened with Dial.
	Outbound bool
	Channel  uint8
	Packet   *Packet
}

// Conn is one transport connection as seen by the relay.
type Conn interface {
	// Send queues a data frame. It never blocks; a full queue is an error.
	Send(channel uint8, payload []byte) error
	// Disconnect says goodbye and closes. A Disconnect event follows.
	Disconnect() error
	RemoteAddr() netip.AddrPort
	// ClientAddr is the address announced by the remote end, if any.
	ClientAddr() netip.AddrPort
	Tag() any
}
