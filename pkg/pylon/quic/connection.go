package quic

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/xid"

	"github.com/yourusername/pylon/pkg/pylon/quic/metrics"
	"github.com/yourusername/pylon/pkg/pylon/quic/quiclog"
)

// PNSpaceKind indexes the three independent packet-number spaces RFC
// 9000 Section 12.3 defines.
type PNSpaceKind int

const (
	PNSpaceInitial PNSpaceKind = iota
	PNSpaceHandshake
	PNSpaceApplication
	numPNSpaces
)

func (k PNSpaceKind) String() string {
	switch k {
	case PNSpaceInitial:
		return "initial"
	case PNSpaceHandshake:
		return "handshake"
	case PNSpaceApplication:
		return "application"
	default:
		return "unknown"
	}
}

// Epoch indexes the four encryption levels a connection's keys progress
// through (RFC 9001 Section 4.1.4 / spec §3).
type Epoch int

const (
	EpochInitial Epoch = iota
	EpochZeroRTT
	EpochHandshake
	EpochApplication
	numEpochs
)

// pnRange is an inclusive range of received packet numbers.
type pnRange struct{ start, end uint64 }

// receivedSet is a SACK-style set of received packet-number ranges
// rather than an unbounded map. Ranges are coalesced on insert but not
// kept sorted; duplicate detection is a linear scan over them.
type receivedSet struct {
	ranges []pnRange
}

// contains reports whether pn has already been recorded as received.
func (s *receivedSet) contains(pn uint64) bool {
	for _, r := range s.ranges {
		if pn >= r.start && pn <= r.end {
			return true
		}
	}
	return false
}

// insert records pn as received, coalescing adjacent ranges, and reports
// whether pn was newly recorded (false means it was a duplicate).
func (s *receivedSet) insert(pn uint64) bool {
	if s.contains(pn) {
		return false
	}

	inserted := false
	for i := range s.ranges {
		r := &s.ranges[i]
		if pn+1 == r.start {
			r.start = pn
			inserted = true
			break
		}
		if r.end+1 == pn {
			r.end = pn
			inserted = true
			break
		}
	}

	if !inserted {
		s.ranges = append(s.ranges, pnRange{start: pn, end: pn})
	}

	// Coalesce any ranges that now touch.
	for i := 0; i < len(s.ranges); i++ {
		for j := i + 1; j < len(s.ranges); j++ {
			a, b := &s.ranges[i], &s.ranges[j]
			if a.end+1 == b.start {
				a.end = b.end
				s.ranges = append(s.ranges[:j], s.ranges[j+1:]...)
				j--
			} else if b.end+1 == a.start {
				a.start = b.start
				s.ranges = append(s.ranges[:j], s.ranges[j+1:]...)
				j--
			}
		}
	}

	return true
}

// PacketNumberSpace tracks one of the three independent PN spaces a
// connection maintains.
type PacketNumberSpace struct {
	Kind               PNSpaceKind
	NextSend           uint64
	HighestAcknowledged uint64
	received           receivedSet
	AckNeeded          bool
	RetransmitQueue    [][]byte
}

func newPacketNumberSpace(kind PNSpaceKind) *PacketNumberSpace {
	return &PacketNumberSpace{Kind: kind}
}

// RecordReceived marks pn as received in this space, returning
// ErrKindDuplicate if it had already been seen (spec §7: "duplicate" →
// set ack_needed, drop payload).
func (p *PacketNumberSpace) RecordReceived(pn uint64) ErrorKind {
	if !p.received.insert(pn) {
		p.AckNeeded = true
		return ErrKindDuplicate
	}
	// RecordReceived leaves HighestAcknowledged alone; finishDecrypt
	// raises it to the largest packet number that cleared decryption,
	// and packet-number reconstruction decodes against that value.
	p.AckNeeded = true
	return ErrKindOK
}

// CryptoContext holds one epoch's encrypt/decrypt keys. Epoch 3
// (application) additionally carries the old context to support key
// updates while a rotation is in flight (RFC 9001 Section 6). pylon
// never derives a next-generation key on its own: the TLS collaborator
// owns the secret schedule (it alone retains the raw traffic secrets a
// "quic ku" HKDF-Expand-Label step needs — CryptoKeys here only ever
// holds the already-expanded key/iv/hp material) and pushes each
// rotation in through InstallKeys.
type CryptoContext struct {
	Epoch   Epoch
	Encrypt *CryptoKeys
	Decrypt *CryptoKeys

	// Key update bookkeeping, epoch 3 only.
	OldDecrypt       *CryptoKeys
	KeyPhase         bool
	RotationSequence uint64
	RotationDeadline time.Time
}

// Connection is the central entity of the packet-processing pipeline:
// role, state, packet-number spaces, crypto contexts, paths, and the CID
// bookkeeping spec §3 names. Everything reachable from it is owned
// exclusively by the goroutine driving ReceiveDatagram — no
// connection-internal locking (§5); only the Registry synchronizes
// across connections.
type Connection struct {
	IsClient bool
	Version  uint32
	State    ConnectionState

	pnSpaces  [numPNSpaces]*PacketNumberSpace
	cryptoCtx [numEpochs]*CryptoContext

	Paths []*Path

	// CIDStash holds peer-issued CIDs not yet bound to any path.
	CIDStash []ConnectionID
	// LocalCIDs lists CIDs this endpoint has issued and published.
	LocalCIDs []ConnectionID

	RetryToken   []byte
	OriginalDCID ConnectionID
	retried      bool

	ECT0Count uint64
	ECT1Count uint64
	CECount   uint64
	AckPending bool

	LocalParams  *TransportParameters
	RemoteParams *TransportParameters

	handshakeReadyAt time.Time

	// disconnectedAt records when AdvanceState last moved this connection
	// into StateDisconnected, so Registry.Sweep can honor the drain
	// timeout (spec §3's lifecycle) instead of removing it on sight.
	disconnectedAt time.Time

	TLS    TLSCollaborator
	Frames FrameCollaborator
	Events EventSink

	config *Config
	log    *quiclog.Logger

	CorrelationID string

	congestionMetrics *metrics.CongestionCollector
	packetMetrics     *metrics.RegistryCollector
}

func newConnection(cfg *Config, isClient bool) *Connection {
	if cfg == nil {
		cfg = DefaultConfig(isClient)
	}
	id := xid.New().String()

	c := &Connection{
		IsClient:      isClient,
		Version:       Version1,
		LocalParams:   cfg.TransportParameters,
		config:        cfg,
		Events:        cfg.Events,
		CorrelationID: id,
		log:           quiclog.New(cfg.Logger, id),
	}
	for i := range c.pnSpaces {
		c.pnSpaces[i] = newPacketNumberSpace(PNSpaceKind(i))
	}
	for i := range c.cryptoCtx {
		c.cryptoCtx[i] = &CryptoContext{Epoch: Epoch(i)}
	}
	if cfg.Registry != nil {
		c.congestionMetrics = metrics.NewCongestionCollector(cfg.Registry, map[string]string{"conn": id})
	}
	c.packetMetrics = cfg.PacketMetrics
	return c
}

// NewClientConnection creates a client-role connection and primes its
// Initial keys from a freshly generated destination connection ID.
func NewClientConnection(cfg *Config) (*Connection, error) {
	c := newConnection(cfg, true)
	c.State = StateClientInit

	dcid, err := GenerateConnectionID(8)
	if err != nil {
		return nil, err
	}
	scid, err := GenerateConnectionID(c.config.LocalConnIDLen)
	if err != nil {
		return nil, err
	}

	path := newPath(nil, nil)
	path.LocalCID = scid
	path.RemoteCID = dcid
	path.IsActivated = true
	path.CC.SetCollector(c.congestionMetrics)
	c.Paths = append(c.Paths, path)
	c.LocalCIDs = append(c.LocalCIDs, scid)

	keys, err := NewInitialKeys(dcid, true)
	if err != nil {
		return nil, err
	}
	c.cryptoCtx[EpochInitial].Encrypt = keys

	peerKeys, err := NewInitialKeys(dcid, false)
	if err != nil {
		return nil, err
	}
	c.cryptoCtx[EpochInitial].Decrypt = peerKeys

	c.State = StateClientInitSent
	return c, nil
}

// NewServerConnection constructs a server-role connection in response to
// a client's first validated Initial packet. destCID is the destination
// CID the client's datagram carried (Initial keys derive from it);
// srcCID is the client's source CID, bound as the path's RemoteCID. The
// server generates its own local connection ID.
func NewServerConnection(cfg *Config, destCID, srcCID ConnectionID, addrFrom, addrTo net.Addr) (*Connection, error) {
	c := newConnection(cfg, false)
	c.State = StateServerListening

	localSCID, err := GenerateConnectionID(c.config.LocalConnIDLen)
	if err != nil {
		return nil, err
	}

	path := newPath(addrTo, addrFrom)
	path.LocalCID = localSCID
	path.RemoteCID = srcCID
	path.IsActivated = true
	path.IsRegistered = true
	path.CC.SetCollector(c.congestionMetrics)
	c.Paths = append(c.Paths, path)
	c.LocalCIDs = append(c.LocalCIDs, localSCID)

	keys, err := NewInitialKeys(destCID, false)
	if err != nil {
		return nil, err
	}
	c.cryptoCtx[EpochInitial].Encrypt = keys

	peerKeys, err := NewInitialKeys(destCID, true)
	if err != nil {
		return nil, err
	}
	c.cryptoCtx[EpochInitial].Decrypt = peerKeys

	c.State = StateServerInit
	return c, nil
}

// pnSpaceForEpoch maps an encryption epoch to the packet-number space it
// shares (0-RTT and 1-RTT both live in the application space per RFC
// 9000 Section 12.3).
func pnSpaceForEpoch(e Epoch) PNSpaceKind {
	switch e {
	case EpochInitial:
		return PNSpaceInitial
	case EpochHandshake:
		return PNSpaceHandshake
	default:
		return PNSpaceApplication
	}
}

// InstallKeys implements KeyInstaller for the TLS collaborator to push
// freshly derived secrets into the connection.
func (c *Connection) InstallKeys(epoch Epoch, direction Direction, cipherSuite uint16, aeadKey, iv, hpKey []byte) error {
	ctx := c.cryptoCtx[epoch]

	keys, err := newCryptoKeysFromMaterial(EncryptionLevel(epoch), cipherSuite, aeadKey, iv, hpKey)
	if err != nil {
		return err
	}

	if epoch == EpochApplication && direction == DirectionRead && ctx.Decrypt != nil {
		// A key update: the previous decrypt context survives until the
		// rotation guard expires, so packets still in flight under the
		// old phase decrypt correctly.
		ctx.OldDecrypt = ctx.Decrypt
		ctx.RotationDeadline = time.Now().Add(3 * c.Paths[0].RetransmitTimer)
		ctx.RotationSequence = c.pnSpaces[PNSpaceApplication].NextSend
		ctx.KeyPhase = !ctx.KeyPhase
		c.log.KeyRotation(ctx.KeyPhase, ctx.RotationDeadline.Format(time.RFC3339Nano))
	}

	if direction == DirectionRead {
		ctx.Decrypt = keys
	} else {
		ctx.Encrypt = keys
	}
	return nil
}

// AdvanceState implements KeyInstaller: the TLS collaborator drives state
// transitions as the handshake completes.
func (c *Connection) AdvanceState(newState ConnectionState) error {
	c.log.StateTransition(c.State, newState)
	c.State = newState
	if newState.isReady() {
		c.handshakeReadyAt = time.Now()
		c.Events.OnEvent(c, EventHandshakeComplete, nil)
	}
	if newState == StateDisconnected {
		c.disconnectedAt = time.Now()
	}
	return nil
}

// SetTransportParameters implements KeyInstaller.
func (c *Connection) SetTransportParameters(params *TransportParameters) error {
	c.RemoteParams = params
	return nil
}

// ReceiveDatagram runs the packet-processing pipeline (§4.1-§4.2) over
// one UDP datagram, which may coalesce several QUIC packets. Segment-
// level errors are swallowed (logged, packet dropped, connection kept
// alive); connection-level errors transition the state machine to
// closing (§7 propagation policy).
func (c *Connection) ReceiveDatagram(data []byte, addrFrom, addrTo net.Addr, now time.Time) error {
	offset := 0
	firstDCID := ConnectionID(nil)

	for offset < len(data) {
		pkt, n, err := ParsePacket(data[offset:], c.config.LocalConnIDLen)
		if err != nil {
			if kind := classifyParseError(err); kind.segmentLevel() {
				c.log.SegmentDropped(kind, err)
				c.countDropped(kind)
				return nil
			}
			return c.closeWithError(NewConnError(ErrKindDetected, TransportErrorProtocolViolation, err))
		}

		if firstDCID == nil {
			firstDCID = pkt.Header.DestConnID
		} else if !pkt.Header.DestConnID.Equal(firstDCID) {
			// Coalesced segments disagreeing on DCID: spec §7
			// cnxid_segment, segment-level, rest of datagram dropped.
			c.log.CoalescedSegmentMismatch()
			c.countDropped(ErrKindCnxIDCheck)
			return nil
		}

		if err := c.handlePacket(pkt, data[offset:offset+n], addrFrom, addrTo, now); err != nil {
			if ce, ok := err.(*ConnError); ok {
				if ce.Kind.segmentLevel() {
					c.log.SegmentDropped(ce.Kind, err)
					c.countDropped(ce.Kind)
					offset += n
					continue
				}
				return c.closeWithError(ce)
			}
			return err
		}

		c.countReceived()
		offset += n
	}

	return nil
}

// countReceived/countDropped feed the registry-wide packet counters
// (metrics.RegistryCollector), if this connection's Config shared one in
// from Registry.Collector.
func (c *Connection) countReceived() {
	if c.packetMetrics != nil {
		c.packetMetrics.PacketsReceived.Inc()
	}
}

func (c *Connection) countDropped(kind ErrorKind) {
	if c.packetMetrics != nil {
		c.packetMetrics.PacketsDropped.WithLabelValues(kind.String()).Inc()
	}
}

func classifyParseError(err error) ErrorKind {
	if ce, ok := err.(*ConnError); ok {
		return ce.Kind
	}
	return ErrKindDetected
}

// handlePacket dispatches a single parsed packet to the epoch-gated
// handler spec §4.2 describes, after removing packet/header protection.
// raw is the exact wire slice ParsePacket consumed — still under header
// and packet protection — since pkt's own fields (packet number, payload
// boundary) aren't trustworthy until decryptAt resolves them.
func (c *Connection) handlePacket(pkt *Packet, raw []byte, addrFrom, addrTo net.Addr, now time.Time) error {
	if !c.IsClient && len(c.Paths) > 0 && !c.Paths[0].Verified {
		// RFC 9000 §8.1: credit 3x bytes received toward what an
		// unvalidated server path may send back, regardless of packet type.
		c.Paths[0].creditAmplification(uint64(len(raw)))
	}

	switch pkt.Header.Type {
	case PacketTypeVersionNeg:
		c.Events.OnEvent(c, EventVersionNegotiation, nil)
		return nil
	case PacketTypeInitial:
		return c.handleInitial(pkt, raw, addrFrom, addrTo, now)
	case PacketTypeRetry:
		return c.handleRetry(pkt)
	case PacketType0RTT:
		return c.handleZeroRTT(pkt, raw, addrFrom, addrTo, now)
	case PacketTypeHandshake:
		return c.handleHandshake(pkt, raw, addrFrom, addrTo, now)
	case PacketType1RTT:
		return c.handleOneRTT(pkt, raw, addrFrom, addrTo, now)
	default:
		return newSegmentError(ErrKindDetected, ErrUnknownPacketType)
	}
}

// decryptAt removes header and packet protection for pkt using the
// decrypt keys at epoch, reconstructing the full packet number against
// the relevant packet-number space's highest-acknowledged value.
func (c *Connection) decryptAt(epoch Epoch, raw []byte, now time.Time) (*Packet, ErrorKind, error) {
	ctx := c.cryptoCtx[epoch]
	if ctx.Decrypt == nil {
		return nil, ErrKindDetected, fmt.Errorf("quic: no decrypt keys installed for epoch %d", epoch)
	}

	space := c.pnSpaces[pnSpaceForEpoch(epoch)]

	// Either phase may still be in use until the rotation guard expires
	// (RotationDeadline); current phase is tried first, old phase as
	// fallback, but only while the guard hasn't passed — once it has, a
	// packet claiming the retired phase is dropped rather than decrypted
	// (spec §8 Scenario E).
	pkt, err := ctx.Decrypt.UnprotectPacket(raw, c.config.LocalConnIDLen)
	if err != nil {
		if epoch == EpochApplication && ctx.OldDecrypt != nil && now.Before(ctx.RotationDeadline) {
			if pkt2, err2 := ctx.OldDecrypt.UnprotectPacket(raw, c.config.LocalConnIDLen); err2 == nil {
				return c.finishDecrypt(pkt2, space)
			}
		}
		if isStatelessResetCandidate(raw, c) {
			return nil, ErrKindStatelessReset, nil
		}
		return nil, ErrKindAEADCheck, err
	}

	return c.finishDecrypt(pkt, space)
}

func (c *Connection) finishDecrypt(pkt *Packet, space *PacketNumberSpace) (*Packet, ErrorKind, error) {
	full := DecodePacketNumber(space.HighestAcknowledged, pkt.Header.PacketNumber, pkt.Header.PacketNumberLen)
	pkt.Header.PacketNumber = full

	if len(pkt.Payload) == 0 {
		return nil, ErrKindDetected, protocolViolation(ErrEmptyPayload)
	}

	if kind := space.RecordReceived(full); kind == ErrKindDuplicate {
		return nil, ErrKindDuplicate, nil
	}

	if full > space.HighestAcknowledged {
		space.HighestAcknowledged = full
	}

	return pkt, ErrKindOK, nil
}

// handleInitial implements spec §4.2's Initial-packet handler for both
// roles on an already-constructed connection: a client processing the
// server's response, or a server's Initial on an existing connection.
// For a server it rejects a DCID shorter than 8 bytes. No code in this
// package checks the minimum datagram size or creates the server-side
// connection on first receipt; NewServerConnection takes an Initial the
// caller has already validated.
func (c *Connection) handleInitial(pkt *Packet, raw []byte, addrFrom, addrTo net.Addr, now time.Time) error {
	if c.IsClient {
		if !c.State.acceptsInitial() {
			return newSegmentError(ErrKindUnexpectedPacket, nil)
		}
	} else {
		if len(pkt.Header.DestConnID) < 8 {
			return NewConnError(ErrKindInitialCIDTooShort, TransportErrorProtocolViolation, nil)
		}
	}

	decoded, kind, err := c.decryptAt(EpochInitial, raw, now)
	if kind == ErrKindDuplicate {
		return newSegmentError(ErrKindDuplicate, nil)
	}
	if kind == ErrKindStatelessReset {
		c.log.StatelessResetDetected()
		return NewConnError(ErrKindStatelessReset, TransportErrorNone, nil)
	}
	if err != nil {
		// A lost Initial whose peer nonetheless progressed to a
		// handshake-type packet is a loss signal, not a protocol error;
		// the retransmit-timer reduction that follows lives on the
		// loss-detection collaborator, driven off this same segment-level
		// aead_check return.
		return newSegmentError(ErrKindAEADCheck, err)
	}

	if c.IsClient {
		if c.State == StateClientInitSent || c.State == StateClientInitResent {
			c.State = StateClientHandshakeStart
		}
		c.pnSpaces[PNSpaceInitial].AckNeeded = true
	}

	if err := c.TLS.StreamProcess(c); err != nil {
		return NewConnError(ErrKindDetected, TransportErrorProtocolViolation, err)
	}

	return c.Frames.DecodeFrames(c, c.Paths[0], decoded.Payload, EpochInitial, addrFrom, addrTo, now.UnixNano())
}

// handleRetry implements the accept-exactly-once Retry handler.
func (c *Connection) handleRetry(pkt *Packet) error {
	if !c.State.acceptsRetry() || c.retried {
		return newSegmentError(ErrKindUnexpectedPacket, nil)
	}
	if len(c.Paths) == 0 {
		return newSegmentError(ErrKindUnexpectedPacket, nil)
	}

	if !verifyRetryIntegrity(pkt, c.Paths[0].RemoteCID) {
		return newSegmentError(ErrKindDetected, ErrRetryBadIntegrity)
	}

	c.OriginalDCID = c.Paths[0].RemoteCID
	c.RetryToken = pkt.Header.RetryToken
	c.Paths[0].RemoteCID = pkt.Header.SrcConnID
	c.retried = true

	keys, err := NewInitialKeys(pkt.Header.SrcConnID, true)
	if err != nil {
		return NewConnError(ErrKindMemory, TransportErrorInternal, err)
	}
	c.cryptoCtx[EpochInitial].Encrypt = keys
	peerKeys, err := NewInitialKeys(pkt.Header.SrcConnID, false)
	if err != nil {
		return NewConnError(ErrKindMemory, TransportErrorInternal, err)
	}
	c.cryptoCtx[EpochInitial].Decrypt = peerKeys

	c.pnSpaces[PNSpaceInitial] = newPacketNumberSpace(PNSpaceInitial)
	c.State = StateClientInitResent

	return nil
}

// handleZeroRTT implements the server-side 0-RTT handler.
func (c *Connection) handleZeroRTT(pkt *Packet, raw []byte, addrFrom, addrTo net.Addr, now time.Time) error {
	if !c.State.acceptsZeroRTT() {
		return newSegmentError(ErrKindUnexpectedPacket, nil)
	}
	if pkt.Header.Version != c.Version {
		return NewConnError(ErrKindDetected, TransportErrorProtocolViolation, nil)
	}

	decoded, kind, err := c.decryptAt(EpochZeroRTT, raw, now)
	if kind == ErrKindDuplicate {
		return newSegmentError(ErrKindDuplicate, nil)
	}
	if err != nil {
		return newSegmentError(ErrKindAEADCheck, err)
	}

	return c.Frames.DecodeFrames(c, c.Paths[0], decoded.Payload, EpochZeroRTT, addrFrom, addrTo, now.UnixNano())
}

// handleHandshake implements the Handshake-epoch handler, including the
// "acknowledged but otherwise ignored" rule once ready (spec §4.2) and
// its bounded-window resolution of Open Question #3.
func (c *Connection) handleHandshake(pkt *Packet, raw []byte, addrFrom, addrTo net.Addr, now time.Time) error {
	_, kind, err := c.decryptAt(EpochHandshake, raw, now)
	if kind == ErrKindDuplicate {
		return newSegmentError(ErrKindDuplicate, nil)
	}
	if err != nil {
		return newSegmentError(ErrKindAEADCheck, err)
	}

	if c.State.isReady() {
		if !c.handshakeReadyAt.IsZero() {
			window := time.Duration(c.config.HandshakeAckWindowPTOs) * 3 * time.Second
			if now.Sub(c.handshakeReadyAt) > window {
				c.cryptoCtx[EpochHandshake].Decrypt = nil
				return newSegmentError(ErrKindUnexpectedPacket, nil)
			}
		}
		c.pnSpaces[PNSpaceHandshake].AckNeeded = true
		return nil
	}

	if err := c.TLS.StreamProcess(c); err != nil {
		return NewConnError(ErrKindDetected, TransportErrorProtocolViolation, err)
	}

	if c.IsClient && c.State == StateClientHandshakeStart {
		c.State = StateClientHandshakeProgress
	}

	return nil
}

// handleOneRTT implements the 1-RTT handler: decrypt, resolve the path
// (§4.3), then hand the plaintext to the frame collaborator.
func (c *Connection) handleOneRTT(pkt *Packet, raw []byte, addrFrom, addrTo net.Addr, now time.Time) error {
	if !c.State.acceptsOneRTT() {
		return newSegmentError(ErrKindUnexpectedPacket, nil)
	}

	decoded, kind, err := c.decryptAt(EpochApplication, raw, now)
	if kind == ErrKindDuplicate {
		return newSegmentError(ErrKindDuplicate, nil)
	}
	if kind == ErrKindStatelessReset {
		c.log.StatelessResetDetected()
		return NewConnError(ErrKindStatelessReset, TransportErrorNone, nil)
	}
	if err != nil {
		return newSegmentError(ErrKindAEADCheck, err)
	}

	path, pathErr := c.resolvePath(pkt.Header.DestConnID, addrFrom, addrTo)
	if pathErr != nil {
		return pathErr
	}

	if path == c.Paths[0] {
		c.recordECN(pkt)
	}

	return c.Frames.DecodeFrames(c, path, decoded.Payload, EpochApplication, addrFrom, addrTo, now.UnixNano())
}

func (c *Connection) recordECN(pkt *Packet) {
	// ECN marking is read off the IP layer by the socket collaborator,
	// not the QUIC payload; callers that observe a marking call
	// RecordECT0/RecordECT1/RecordCE directly. This hook exists so
	// handleOneRTT has a single call site to extend once that wiring
	// lands.
	_ = pkt
	c.AckPending = true
}

// RecordECT0/RecordECT1/RecordCE implement spec §4.3's path[0]-only ECN
// counting and ack-pending signal.
func (c *Connection) RecordECT0() { c.ECT0Count++; c.AckPending = true }
func (c *Connection) RecordECT1() { c.ECT1Count++; c.AckPending = true }
func (c *Connection) RecordCE()   { c.CECount++; c.AckPending = true }

// closeWithError transitions the connection into closing and records the
// cause for the next CONNECTION_CLOSE emission.
func (c *Connection) closeWithError(ce *ConnError) error {
	c.log.ConnectionError(ce)
	c.State = StateClosing
	c.Events.OnEvent(c, EventConnectionClosed, ce)
	return ce
}
