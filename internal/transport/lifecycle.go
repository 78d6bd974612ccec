package transport

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	kcp "github.com/xtaci/kcp-go/v5"
)

var (
	ErrNotInitialized     = errors.New("transport not initialized")
	ErrAlreadyInitialized = errors.New("transport already initialized")
)

var lib struct {
	mu          sync.Mutex
	initialized bool
	reg         prometheus.Registerer
	collectors  []prometheus.Collector
}

func snmpCounter(name, help string, get func(*kcp.Snmp) uint64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
		return float64(get(kcp.DefaultSnmp.Copy()))
	})
}

// Initialize sets up process-wide transport state and, when reg is non-nil,
// exports the KCP counters shared by every host in the process. It must be
// paired with Deinitialize.
func Initialize(reg prometheus.Registerer) error {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.initialized {
		return ErrAlreadyInitialized
	}
	collectors := []prometheus.Collector{
		snmpCounter("relay_kcp_in_packets_total", "UDP packets received by KCP", func(s *kcp.Snmp) uint64 { return s.InPkts }),
		snmpCounter("relay_kcp_out_packets_total", "UDP packets sent by KCP", func(s *kcp.Snmp) uint64 { return s.OutPkts }),
		snmpCounter("relay_kcp_retrans_segments_total", "KCP segments retransmitted", func(s *kcp.Snmp) uint64 { return s.RetransSegs }),
		snmpCounter("relay_kcp_lost_segments_total", "KCP segments deemed lost", func(s *kcp.Snmp) uint64 { return s.LostSegs }),
		snmpCounter("relay_kcp_in_errors_total", "Malformed UDP packets seen by KCP", func(s *kcp.Snmp) uint64 { return s.InErrs }),
	}
	if reg != nil {
		for i, c := range collectors {
			if err := reg.Register(c); err != nil {
				for _, done := range collectors[:i] {
					reg.Unregister(done)
				}
				return errors.Wrap(err, "register kcp metrics")
			}
		}
	}
	kcp.DefaultSnmp.Reset()
	lib.initialized = true
	lib.reg = reg
	lib.collectors = collectors
	return nil
}

// Deinitialize undoes Initialize. Hosts must be closed first.
func Deinitialize() {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if !lib.initialized {
		return
	}
	if lib.reg != nil {
		for _, c := range lib.collectors {
			lib.reg.Unregister(c)
		}
	}
	lib.initialized = false
	lib.reg = nil
	lib.collectors = nil
}

func initialized() bool {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	return lib.initialized
}
