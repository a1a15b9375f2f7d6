package nat

import (
	"errors"
	"strings"

	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the NAT counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Packets         *prometheus.CounterVec
	Drops           *prometheus.CounterVec
	Sessions        prometheus.Gauge
	SessionsCreated *prometheus.CounterVec
	SessionsEvicted *prometheus.CounterVec
	PortPoolFree    *prometheus.GaugeVec
}

// NewMetrics registers the NAT metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Packets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "natap_packets_total",
			Help: "Packets processed by the NAT, by direction and verdict",
		}, []string{"direction", "verdict"}),
		Drops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "natap_drops_total",
			Help: "Packets dropped by the NAT, by direction and reason",
		}, []string{"direction", "reason"}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "natap_sessions",
			Help: "Live NAT sessions",
		}),
		SessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "natap_sessions_created_total",
			Help: "NAT sessions created",
		}, []string{"protocol"}),
		SessionsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "natap_sessions_evicted_total",
			Help: "NAT sessions removed by idle eviction",
		}, []string{"protocol"}),
		PortPoolFree: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "natap_port_pool_free",
			Help: "Free external ports left in the pool",
		}, []string{"protocol"}),
	}
}

func (m *Metrics) packet(dir Direction, a Action) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues(dir.String(), a.Verdict.String()).Inc()
	if a.Verdict == Drop {
		m.Drops.WithLabelValues(dir.String(), dropReason(a.Reason)).Inc()
	}
}

func (m *Metrics) sessionCreated(proto layers.IPProtocol) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(protoLabel(proto)).Inc()
}

func (m *Metrics) sessionEvicted(proto layers.IPProtocol) {
	if m == nil {
		return
	}
	m.SessionsEvicted.WithLabelValues(protoLabel(proto)).Inc()
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

func (m *Metrics) setPoolFree(proto layers.IPProtocol, free int) {
	if m == nil {
		return
	}
	m.PortPoolFree.WithLabelValues(protoLabel(proto)).Set(float64(free))
}

func protoLabel(proto layers.IPProtocol) string {
	return strings.ToLower(proto.String())
}

// dropReason maps a drop error onto a bounded label set.
func dropReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, ErrMalformedPacket):
		return "malformed"
	case errors.Is(err, ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ErrNoMapping):
		return "no_mapping"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, ErrUnsupportedProtocol):
		return "unsupported"
	case errors.Is(err, ErrNotTranslatable):
		return "not_translatable"
	case errors.Is(err, ErrFragmentPending):
		return "fragment_pending"
	case errors.Is(err, ErrTTLExceeded):
		return "ttl_exceeded"
	}
	return "other"
}
