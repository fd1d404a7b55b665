package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	InFlight         prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
	DatapointsTotal  *prometheus.CounterVec
	DNSFailuresTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harchiver",
			Name:      "in_flight_requests",
			Help:      "Number of requests currently inside the lifecycle engine",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harchiver",
			Name:      "requests_total",
			Help:      "Total proxied requests by outcome",
		}, []string{"outcome"}),
		DatapointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harchiver",
			Name:      "datapoints_total",
			Help:      "Total HAR datapoints by egress result",
		}, []string{"result"}),
		DNSFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harchiver",
			Name:      "dns_failures_total",
			Help:      "Total failed upstream address resolutions",
		}),
	}
	// seed every outcome so the series are exported before the first request
	for _, o := range []string{"ok", "overloaded", "missing_token", "timeout", "upstream_error"} {
		m.RequestsTotal.WithLabelValues(o)
	}
	r.MustRegister(m.InFlight, m.RequestsTotal, m.DatapointsTotal, m.DNSFailuresTotal)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
