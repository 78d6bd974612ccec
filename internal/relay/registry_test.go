package relay

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryInsertIfAbsent(t *testing.T) {
	r := NewRegistry()
	addr := netip.MustParseAddrPort("198.51.100.4:3000")
	calls := 0
	create := func() *Session {
		calls++
		return &Session{addr: addr}
	}

	first, created := r.InsertIfAbsent(addr, create)
	assert.True(t, created)
	second, created := r.InsertIfAbsent(addr, create)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, r.Len())
	assert.Same(t, first, r.Get(addr))
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	a := netip.MustParseAddrPort("198.51.100.4:3000")
	b := netip.MustParseAddrPort("198.51.100.4:3001")
	r.InsertIfAbsent(a, func() *Session { return &Session{addr: a} })
	r.InsertIfAbsent(b, func() *Session { return &Session{addr: b} })

	assert.NotNil(t, r.Remove(a))
	assert.Nil(t, r.Remove(a))
	assert.Nil(t, r.Get(a))
	assert.Equal(t, []netip.AddrPort{b}, r.Addrs())

	seen := 0
	r.Each(func(*Session) { seen++ })
	assert.Equal(t, 1, seen)
}
