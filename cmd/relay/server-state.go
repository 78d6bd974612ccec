package main

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/matst80/delayrelay/internal/relay"
)

type serverState struct {
	mu       sync.Mutex
	live     map[netip.AddrPort]*sessionInfo
	closing  bool
	ready    bool
	opened   int64 // sessions ever opened
	dropped  int64 // packets discarded when sessions closed
	instance string
}

func newServerState() *serverState {
	return &serverState{live: make(map[netip.AddrPort]*sessionInfo)}
}

var _ StateStore = (*serverState)(nil)

func (s *serverState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *serverState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *serverState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *serverState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *serverState) SessionOpened(addr netip.AddrPort, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[addr] = &sessionInfo{Client: addr.String(), State: relay.Connecting.String(), OpenedAt: at.UTC(), Instance: s.instance}
	s.opened++
}

func (s *serverState) SessionStateChanged(addr netip.AddrPort, state relay.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.live[addr]; ok {
		info.State = state.String()
	}
}

func (s *serverState) SessionClosed(addr netip.AddrPort, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, addr)
	s.dropped += int64(dropped)
}

// lookup returns a copy of one live session.
func (s *serverState) lookup(addr netip.AddrPort) (sessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.live[addr]
	if !ok {
		return sessionInfo{}, false
	}
	return *info, true
}

// sessions lists live sessions ordered by client address.
func (s *serverState) sessions() []sessionInfo {
	s.mu.Lock()
	out := make([]sessionInfo, 0, len(s.live))
	for _, info := range s.live {
		out = append(out, *info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Client < out[j].Client })
	return out
}

func (s *serverState) getStats() (int, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live), s.opened, s.dropped
}

func (s *serverState) close() error { return nil }
