// Package metrics exposes the QUIC core's Prometheus collectors. The core
// never starts an HTTP server itself (exposing /metrics is an external
// collaborator's job, per spec's Non-goals around socket I/O); it only
// registers gauges/counters against a prometheus.Registerer the embedder
// supplies.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// CongestionCollector reports one path's congestion-window state.
type CongestionCollector struct {
	cwnd     prometheus.Gauge
	ssthresh prometheus.Gauge
	state    *prometheus.GaugeVec
}

// NewCongestionCollector builds and registers a path's collectors under
// constLabels (typically a connection/path identifier).
func NewCongestionCollector(reg prometheus.Registerer, constLabels prometheus.Labels) *CongestionCollector {
	c := &CongestionCollector{
		cwnd: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "pylon_quic_congestion_window_bytes",
			Help:        "Current CUBIC congestion window, in bytes.",
			ConstLabels: constLabels,
		}),
		ssthresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "pylon_quic_slow_start_threshold_bytes",
			Help:        "Current CUBIC slow-start threshold, in bytes.",
			ConstLabels: constLabels,
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pylon_quic_congestion_state",
			Help:        "1 for the currently active congestion-control state, labeled by state name.",
			ConstLabels: constLabels,
		}, []string{"state"}),
	}

	if reg != nil {
		reg.MustRegister(c.cwnd, c.ssthresh, c.state)
	}

	return c
}

// ObserveWindow records the current cwnd/ssthresh and marks state as the
// sole active gauge value in the state vector.
func (c *CongestionCollector) ObserveWindow(cwnd, ssthresh float64, state string) {
	if c == nil {
		return
	}
	c.cwnd.Set(cwnd)
	c.ssthresh.Set(ssthresh)
	c.state.Reset()
	c.state.WithLabelValues(state).Set(1)
}

// RegistryCollector tracks connection-registry-wide counters.
type RegistryCollector struct {
	ActiveConnections prometheus.Gauge
	PacketsDropped    *prometheus.CounterVec
	PacketsReceived   prometheus.Counter
}

// NewRegistryCollector builds and registers the registry-wide collectors.
func NewRegistryCollector(reg prometheus.Registerer) *RegistryCollector {
	c := &RegistryCollector{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pylon_quic_active_connections",
			Help: "Number of connections the registry currently tracks.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pylon_quic_packets_dropped_total",
			Help: "Segments dropped at the receive path, labeled by error kind.",
		}, []string{"kind"}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pylon_quic_packets_received_total",
			Help: "Segments successfully dispatched to a connection.",
		}),
	}

	if reg != nil {
		reg.MustRegister(c.ActiveConnections, c.PacketsDropped, c.PacketsReceived)
	}

	return c
}
