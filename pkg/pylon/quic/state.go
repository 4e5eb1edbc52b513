package quic

// ConnectionState enumerates every state a connection's lifecycle can be
// in (spec's transition diagram §4.2). Kept as a closed sum type rather
// than ad hoc integer comparisons, per REDESIGN FLAGS.
type ConnectionState int

const (
	StateClientInit ConnectionState = iota
	StateClientInitSent
	StateClientInitResent
	StateClientHandshakeStart
	StateClientHandshakeProgress
	StateClientAlmostReady
	StateClientReady

	StateServerListening
	StateServerInit
	StateServerAlmostReady
	StateServerFalseStart

	StateReady

	StateHandshakeFailure
	StateClosingReceived
	StateDraining
	StateClosing
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateClientInit:
		return "client_init"
	case StateClientInitSent:
		return "client_init_sent"
	case StateClientInitResent:
		return "client_init_resent"
	case StateClientHandshakeStart:
		return "client_handshake_start"
	case StateClientHandshakeProgress:
		return "client_handshake_progress"
	case StateClientAlmostReady:
		return "client_almost_ready"
	case StateClientReady:
		return "client_ready"
	case StateServerListening:
		return "server_listening"
	case StateServerInit:
		return "server_init"
	case StateServerAlmostReady:
		return "server_almost_ready"
	case StateServerFalseStart:
		return "server_false_start"
	case StateReady:
		return "ready"
	case StateHandshakeFailure:
		return "handshake_failure"
	case StateClosingReceived:
		return "closing_received"
	case StateDraining:
		return "draining"
	case StateClosing:
		return "closing"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// isClosingOrBeyond reports whether the connection has started winding
// down — true from closing_received/closing through disconnected.
func (s ConnectionState) isClosingOrBeyond() bool {
	switch s {
	case StateClosingReceived, StateDraining, StateClosing, StateDisconnected, StateHandshakeFailure:
		return true
	default:
		return false
	}
}

// acceptsInitial reports whether the client-side Initial handler may
// process a packet while in state s (spec §4.2 "Initial (client-side)").
func (s ConnectionState) acceptsInitial() bool {
	switch s {
	case StateClientInitSent, StateClientInitResent, StateClientHandshakeStart:
		return true
	default:
		return false
	}
}

// acceptsRetry reports whether a Retry packet may still be processed —
// exactly once, before any handshake progress.
func (s ConnectionState) acceptsRetry() bool {
	switch s {
	case StateClientInitSent, StateClientInitResent:
		return true
	default:
		return false
	}
}

// acceptsZeroRTT reports whether the server-side 0-RTT handler may
// process a packet while in state s.
func (s ConnectionState) acceptsZeroRTT() bool {
	switch s {
	case StateServerAlmostReady:
		return true
	default:
		return false
	}
}

// acceptsOneRTT reports whether 1-RTT packets drive path resolution yet.
func (s ConnectionState) acceptsOneRTT() bool {
	switch s {
	case StateClientAlmostReady, StateClientReady, StateServerFalseStart, StateReady:
		return true
	default:
		return false
	}
}

// isReady reports whether the handshake has completed for either role.
func (s ConnectionState) isReady() bool {
	return s == StateReady || s == StateClientReady
}
