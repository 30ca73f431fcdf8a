package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Record outcomes counted by RecordsTotal.
const (
	OutcomePersisted    = "persisted"
	OutcomeMalformed    = "malformed"
	OutcomeUnauthorized = "unauthorized"
	OutcomeInvalid      = "invalid"
	OutcomeStoreError   = "store_error"
)

type Metrics struct {
	registry          *prometheus.Registry
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	RecordsTotal      *prometheus.CounterVec
	FallbackSessions  prometheus.Counter
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uxtrace",
			Name:      "active_connections",
			Help:      "Number of open ingestion connections",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uxtrace",
			Name:      "connections_total",
			Help:      "Total accepted ingestion connections",
		}),
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uxtrace",
			Name:      "records_total",
			Help:      "Total received records by event kind and outcome",
		}, []string{"event", "outcome"}),
		FallbackSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uxtrace",
			Name:      "fallback_sessions_total",
			Help:      "Records persisted under a server-assigned session id",
		}),
	}
	r.MustRegister(m.ActiveConnections, m.ConnectionsTotal, m.RecordsTotal, m.FallbackSessions)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
