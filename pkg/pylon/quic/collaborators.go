package quic

import "net"

// The packet-processing pipeline, connection state machine, and
// congestion controller own everything reachable from a Connection; TLS
// handshake progress, frame decoding, and application events are driven
// by external collaborators through the small interfaces below (§6).

// TLSCollaborator drives the TLS 1.3 handshake on behalf of a
// connection. The core calls StreamProcess whenever CRYPTO-frame bytes
// arrive; the collaborator calls back into InstallKeys/AdvanceState/
// SetTransportParameters as the handshake progresses.
type TLSCollaborator interface {
	StreamProcess(conn *Connection) error
}

// KeyInstaller is implemented by whatever supplies a TLSCollaborator —
// typically the Connection itself — so the collaborator can push new
// keys and state transitions back into the core.
type KeyInstaller interface {
	InstallKeys(epoch Epoch, direction Direction, cipherSuite uint16, aeadKey, iv, hpKey []byte) error
	AdvanceState(newState ConnectionState) error
	SetTransportParameters(params *TransportParameters) error
}

// Direction distinguishes the read and write crypto contexts at a given
// epoch — they use distinct secrets even though they share an AEAD
// suite.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

// FrameCollaborator decodes frame bytes out of a packet's plaintext
// payload. The packet-processing pipeline calls it once protection has
// been removed and the PN has been reconstructed; it never parses frame
// contents itself (frame-type parsing is a named external collaborator).
type FrameCollaborator interface {
	DecodeFrames(conn *Connection, path *Path, payload []byte, epoch Epoch, addrFrom, addrTo net.Addr, now int64) error
	DecodeClosingFrames(payload []byte) (closingSeen bool)
	SkipFrame(payload []byte) (frameLength int, isPureAck bool)
}

// EventKind enumerates the application-visible events EventSink.OnEvent
// receives.
type EventKind int

const (
	EventVersionNegotiation EventKind = iota
	EventStatelessReset
	EventHandshakeComplete
	EventPathValidated
	EventPathFailed
	EventConnectionClosed
)

// EventSink is the application callback handle exposed to a connection.
type EventSink interface {
	OnEvent(conn *Connection, kind EventKind, detail error)
}

// noopEventSink discards every event; used when an embedder doesn't
// supply one.
type noopEventSink struct{}

func (noopEventSink) OnEvent(*Connection, EventKind, error) {}
