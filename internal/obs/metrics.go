package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions   = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_active_sessions", Help: "Client sessions currently in the registry"})
	PendingPackets   = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_pending_packets", Help: "Packets waiting in delay queues across all sessions"})
	SessionsTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_sessions_total", Help: "Sessions created"})
	ForwardedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_forwarded_packets_total", Help: "Packets forwarded by direction"}, []string{"direction"})
	DroppedTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_dropped_packets_total", Help: "Packets dropped by reason"}, []string{"reason"})
	ErrorsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_errors_total", Help: "Errors by type"}, []string{"type"})
	ReleaseLagSecond = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_release_lag_seconds", Help: "Time between a packet's release time and its actual forward", Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16)})
	SessionDuration  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
