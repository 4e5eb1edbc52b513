package quic

import (
	"github.com/sirupsen/logrus"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/pylon/pkg/pylon/quic/metrics"
)

// Config carries every construction-time option a Connection or Registry
// needs. There is no config-file or flag layer above it — the core has
// no CLI of its own (out of scope) — so this struct, built with
// DefaultConfig and overridden field-by-field, is the only input besides
// the transport parameters exchanged on the wire.
type Config struct {
	IsClient bool

	TransportParameters *TransportParameters

	// LocalConnIDLen is the length pylon uses for connection IDs it
	// issues to the peer. Short headers carry no length prefix, so
	// this value must be known ahead of parsing a short header.
	LocalConnIDLen int

	// DrainTimeoutMultiplier sets the disconnected-state drain timeout
	// as a multiple of the current PTO, per RFC 9000 Section 10.2.
	DrainTimeoutMultiplier int

	// HandshakeAckWindowPTOs bounds how many PTO-lengths a connection
	// keeps acknowledging handshake-epoch packets after entering ready,
	// before discarding handshake keys outright (Open Question #3,
	// resolved in DESIGN.md).
	HandshakeAckWindowPTOs int

	Logger   *logrus.Entry
	Registry prometheus.Registerer
	Events   EventSink

	// PacketMetrics, when set, is shared with the connection registry's
	// own collector (Registry.Collector) so per-datagram receive/drop
	// counts land on the same registry-wide counters a sweep's
	// ActiveConnections gauge already reports against.
	PacketMetrics *metrics.RegistryCollector
}

// DefaultConfig returns pylon's defaults for the given role.
func DefaultConfig(isClient bool) *Config {
	return &Config{
		IsClient:               isClient,
		TransportParameters:    DefaultTransportParameters(),
		LocalConnIDLen:         8,
		DrainTimeoutMultiplier: 3,
		HandshakeAckWindowPTOs: 3,
		Logger:                 logrus.NewEntry(logrus.StandardLogger()),
		Events:                 noopEventSink{},
	}
}
