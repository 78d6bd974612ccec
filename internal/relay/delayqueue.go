package relay

import (
	"container/heap"
	"time"

	"github.com/matst80/delayrelay/internal/transport"
	"github.com/pkg/errors"
)

// ErrQueueFull is returned by Push when the queue is at its limit.
var ErrQueueFull = errors.New("delay queue full")

// Direction says which side a delayed packet is headed to.
type Direction int

const (
	ToBackend Direction = iota
	ToClient
)

func (d Direction) String() string {
	if d == ToClient {
		return "to_client"
	}
	return "to_backend"
}

// DelayedPacket is a packet held until ReleaseAt.
type DelayedPacket struct {
	Packet    *transport.Packet
	Channel   uint8
	ReleaseAt time.Time
	Dest      Direction
	seq       uint64
}

type packetHeap []DelayedPacket

func (h packetHeap) Len() int { return len(h) }
func (h packetHeap) Less(i, j int) bool {
	if h[i].ReleaseAt.Equal(h[j].ReleaseAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].ReleaseAt.Before(h[j].ReleaseAt)
}
func (h packetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x any)   { *h = append(*h, x.(DelayedPacket)) }
func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = DelayedPacket{}
	*h = old[:n-1]
	return p
}

// DelayQueue orders packets by release time, first in first out among
// equal release times. A limit of zero means unbounded.
type DelayQueue struct {
	items packetHeap
	seq   uint64
	limit int
}

// NewDelayQueue returns a queue holding at most limit packets (0 = no limit).
func NewDelayQueue(limit int) *DelayQueue {
	return &DelayQueue{limit: limit}
}

// Push inserts p. It takes over the caller's hold on p.Packet only on success.
func (q *DelayQueue) Push(p DelayedPacket) error {
	if q.limit > 0 && len(q.items) >= q.limit {
		return ErrQueueFull
	}
	q.seq++
	p.seq = q.seq
	heap.Push(&q.items, p)
	return nil
}

// PopDue removes every packet with ReleaseAt <= now, in release order, and
// passes each to fn.
func (q *DelayQueue) PopDue(now time.Time, fn func(DelayedPacket)) int {
	n := 0
	for len(q.items) > 0 && !q.items[0].ReleaseAt.After(now) {
		fn(heap.Pop(&q.items).(DelayedPacket))
		n++
	}
	return n
}

// Drain removes everything regardless of release time.
func (q *DelayQueue) Drain(fn func(DelayedPacket)) int {
	n := len(q.items)
	for len(q.items) > 0 {
		fn(heap.Pop(&q.items).(DelayedPacket))
	}
	return n
}

// Next reports the earliest release time.
func (q *DelayQueue) Next() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].ReleaseAt, true
}

func (q *DelayQueue) Len() int    { return len(q.items) }
func (q *DelayQueue) Empty() bool { return len(q.items) == 0 }
