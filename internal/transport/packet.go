package transport

import (
	"sync"
	"sync/atomic"
)

const pooledCap = 2048

var bufPool = sync.Pool{New: func() any {
	b := make([]byte, 0, pooledCap)
	return &b
}}

// Packet is a received payload with an explicit owner count. Whoever holds
// it calls Release exactly once; Retain adds a holder. The buffer goes back
// to the pool when the last holder releases it.
type Packet struct {
	data []byte
	buf  *[]byte
	refs atomic.Int32
}

func newPacket(n int) *Packet {
	buf := bufPool.Get().(*[]byte)
	if cap(*buf) < n {
		*buf = make([]byte, n)
	}
	p := &Packet{data: (*buf)[:n], buf: buf}
	p.refs.Store(1)
	return p
}

// NewPacket copies payload into a pooled packet with one holder.
func NewPacket(payload []byte) *Packet {
	p := newPacket(len(payload))
	copy(p.data, payload)
	return p
}

// Data returns the payload. It is invalid after the final Release.
func (p *Packet) Data() []byte { return p.data }

// Len is the payload length.
func (p *Packet) Len() int { return len(p.data) }

// Retain registers another holder.
func (p *Packet) Retain() *Packet {
	if p.refs.Add(1) <= 1 {
		panic("transport: retain of released packet")
	}
	return p
}

// Release drops one holder and recycles the buffer on the last one.
func (p *Packet) Release() {
	switch n := p.refs.Add(-1); {
	case n == 0:
		buf := p.buf
		p.data, p.buf = nil, nil
		if cap(*buf) <= 64*1024 {
			*buf = (*buf)[:0]
			bufPool.Put(buf)
		}
	case n < 0:
		panic("transport: packet released more than once")
	}
}

// Refs reports the current holder count.
func (p *Packet) Refs() int { return int(p.refs.Load()) }
