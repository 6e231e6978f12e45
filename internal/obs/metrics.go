package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveTunnels         = promauto.NewGauge(prometheus.GaugeOpts{Name: "bore_active_tunnels", Help: "Tunnels currently holding a public port"})
	PendingHandoffs       = promauto.NewGauge(prometheus.GaugeOpts{Name: "bore_pending_handoffs", Help: "End-user connections waiting for a client dial-back"})
	ConnectionsTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_connections_total", Help: "End-user connections spliced to a data connection"})
	HandoffExpiredTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_handoff_expired_total", Help: "Pending handoffs dropped at the deadline"})
	AuthFailuresTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bore_auth_failures_total", Help: "Rejected handshakes by reason"}, []string{"reason"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bore_errors_total", Help: "Errors by type"}, []string{"type"})
	SpliceDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bore_splice_duration_seconds", Help: "Lifetime of spliced connections", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
