package main

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// probeLen is the fixed probe header: sequence number and send time.
const probeLen = 16

var errShortProbe = errors.New("short probe")

func encodeProbe(seq uint64, sent time.Time, size int) []byte {
	b := make([]byte, size)
	binary.BigEndian.PutUint64(b, seq)
	binary.BigEndian.PutUint64(b[8:], uint64(sent.UnixNano()))
	return b
}

func decodeProbe(b []byte) (uint64, time.Time, error) {
	if len(b) < probeLen {
		return 0, time.Time{}, errShortProbe
	}
	seq := binary.BigEndian.Uint64(b)
	sent := time.Unix(0, int64(binary.BigEndian.Uint64(b[8:])))
	return seq, sent, nil
}

// rttStats accumulates round trips for the summary line.
type rttStats struct {
	sent, received int
	min, max, sum  time.Duration
}

func (s *rttStats) add(rtt time.Duration) {
	if s.received == 0 || rtt < s.min {
		s.min = rtt
	}
	if rtt > s.max {
		s.max = rtt
	}
	s.sum += rtt
	s.received++
}

func (s *rttStats) avg() time.Duration {
	if s.received == 0 {
		return 0
	}
	return s.sum / time.Duration(s.received)
}
