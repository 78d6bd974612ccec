// Package ratelimit gates new connections per source IP and packets per
// client with token buckets.
package ratelimit

import (
	"sync"

	"github.com/juju/ratelimit"
)

// Limits configures a RateLimiter. A zero rate disables that limit.
type Limits struct {
	GlobalConnRate   float64
	PerIPConnRate    float64
	GlobalPacketRate float64
	PerClientPktRate float64
	// BurstSeconds sizes each bucket as this many seconds of its rate.
	BurstSeconds float64
}

// RateLimiter manages both global and per-client rate limiting. It satisfies
// relay.Admission.
type RateLimiter struct {
	mu        sync.Mutex
	limits    Limits
	clock     ratelimit.Clock
	globalCon *ratelimit.Bucket
	globalPkt *ratelimit.Bucket
	perIP     map[string]*ratelimit.Bucket
	perClient map[string]*ratelimit.Bucket
}

// NewRateLimiter creates a rate limiter on the wall clock.
func NewRateLimiter(l Limits) *RateLimiter {
	return NewRateLimiterWithClock(l, nil)
}

// NewRateLimiterWithClock is NewRateLimiter with an injectable clock. A nil
// clock means the wall clock.
func NewRateLimiterWithClock(l Limits, clock ratelimit.Clock) *RateLimiter {
	if l.BurstSeconds <= 0 {
		l.BurstSeconds = 1
	}
	rl := &RateLimiter{
		limits:    l,
		clock:     clock,
		perIP:     make(map[string]*ratelimit.Bucket),
		perClient: make(map[string]*ratelimit.Bucket),
	}
	rl.globalCon = rl.bucket(l.GlobalConnRate)
	rl.globalPkt = rl.bucket(l.GlobalPacketRate)
	return rl
}

func (rl *RateLimiter) bucket(rate float64) *ratelimit.Bucket {
	if rate <= 0 {
		return nil
	}
	capacity := int64(rate * rl.limits.BurstSeconds)
	if capacity < 1 {
		capacity = 1
	}
	if rl.clock == nil {
		return ratelimit.NewBucketWithRate(rate, capacity)
	}
	return ratelimit.NewBucketWithRateAndClock(rate, capacity, rl.clock)
}

func take(b *ratelimit.Bucket) bool {
	return b == nil || b.TakeAvailable(1) == 1
}

// AllowConnection checks whether ip may open another session.
func (rl *RateLimiter) AllowConnection(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !take(rl.globalCon) {
		return false
	}
	return take(rl.keyed(rl.perIP, ip, rl.limits.PerIPConnRate))
}

// AllowPacket checks whether client may send another packet.
func (rl *RateLimiter) AllowPacket(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !take(rl.globalPkt) {
		return false
	}
	return take(rl.keyed(rl.perClient, client, rl.limits.PerClientPktRate))
}

func (rl *RateLimiter) keyed(m map[string]*ratelimit.Bucket, key string, rate float64) *ratelimit.Bucket {
	if rate <= 0 {
		return nil
	}
	b, ok := m[key]
	if !ok {
		b = rl.bucket(rate)
		m[key] = b
	}
	return b
}

// Forget drops the packet bucket of a closed client and any per-IP
// connection bucket that has refilled completely, since a fresh one would
// behave the same.
func (rl *RateLimiter) Forget(client string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.perClient, client)
	for ip, b := range rl.perIP {
		if b.Available() >= b.Capacity() {
			delete(rl.perIP, ip)
		}
	}
}

// Tracked reports how many per-IP and per-client buckets are held.
func (rl *RateLimiter) Tracked() (ips, clients int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.perIP), len(rl.perClient)
}
