package relay

import "net/netip"

// Registry maps client addresses to sessions. Only the dispatch loop uses it.
type Registry struct {
	sessions map[netip.AddrPort]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[netip.AddrPort]*Session)}
}

// InsertIfAbsent returns the session for addr, calling create to make one
// only when none exists.
func (r *Registry) InsertIfAbsent(addr netip.AddrPort, create func() *Session) (*Session, bool) {
	if s, ok := r.sessions[addr]; ok {
		return s, false
	}
	s := create()
	r.sessions[addr] = s
	return s, true
}

func (r *Registry) Get(addr netip.AddrPort) *Session { return r.sessions[addr] }

// Remove deletes and returns the session for addr, if any.
func (r *Registry) Remove(addr netip.AddrPort) *Session {
	s, ok := r.sessions[addr]
	if !ok {
		return nil
	}
	delete(r.sessions, addr)
	return s
}

func (r *Registry) Len() int { return len(r.sessions) }

// Each visits sessions in no particular order. fn must not modify the registry.
func (r *Registry) Each(fn func(*Session)) {
	for _, s := range r.sessions {
		fn(s)
	}
}

// Addrs lists every registered address.
func (r *Registry) Addrs() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(r.sessions))
	for a := range r.sessions {
		out = append(out, a)
	}
	return out
}
