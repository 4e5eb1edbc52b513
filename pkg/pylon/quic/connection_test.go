package quic

import (
	"bytes"
	"testing"
	"time"
)

type recordingEventSink struct {
	events []EventKind
}

func (r *recordingEventSink) OnEvent(_ *Connection, kind EventKind, _ error) {
	r.events = append(r.events, kind)
}

func TestNewClientConnectionInitialState(t *testing.T) {
	c, err := NewClientConnection(DefaultConfig(true))
	if err != nil {
		t.Fatalf("NewClientConnection() error = %v", err)
	}
	if c.State != StateClientInitSent {
		t.Errorf("State = %v, want %v", c.State, StateClientInitSent)
	}
	if len(c.Paths) != 1 {
		t.Fatalf("len(Paths) = %d, want 1", len(c.Paths))
	}
	if c.cryptoCtx[EpochInitial].Encrypt == nil || c.cryptoCtx[EpochInitial].Decrypt == nil {
		t.Error("client connection should have Initial keys installed in both directions")
	}
	if c.CorrelationID == "" {
		t.Error("every connection should be assigned a correlation ID")
	}
}

func TestNewServerConnectionInitialState(t *testing.T) {
	destCID := ConnectionID{1, 2, 3, 4}
	srcCID := ConnectionID{5, 6, 7, 8}

	c, err := NewServerConnection(DefaultConfig(false), destCID, srcCID, nil, nil)
	if err != nil {
		t.Fatalf("NewServerConnection() error = %v", err)
	}
	if c.State != StateServerInit {
		t.Errorf("State = %v, want %v", c.State, StateServerInit)
	}
	if !c.Paths[0].RemoteCID.Equal(srcCID) {
		t.Error("the server's default path should bind the client's SCID as its RemoteCID")
	}
	if c.cryptoCtx[EpochInitial].Encrypt == nil || c.cryptoCtx[EpochInitial].Decrypt == nil {
		t.Error("server connection should have Initial keys installed in both directions")
	}
}

func TestServerInitialKeysMatchClientDirection(t *testing.T) {
	destCID := ConnectionID{9, 9, 9, 9, 9, 9, 9, 9}

	// A real client generates its own random DCID, but both endpoints
	// derive Initial keys from whatever DCID the client's first Initial
	// actually carried — so the server's keys must match what any client
	// presenting the same destCID would derive.
	clientDirection, err := NewInitialKeys(destCID, true)
	if err != nil {
		t.Fatalf("NewInitialKeys() error = %v", err)
	}
	serverDirection, err := NewInitialKeys(destCID, false)
	if err != nil {
		t.Fatalf("NewInitialKeys() error = %v", err)
	}

	server, err := NewServerConnection(DefaultConfig(false), destCID, ConnectionID{1}, nil, nil)
	if err != nil {
		t.Fatalf("NewServerConnection() error = %v", err)
	}

	if !bytes.Equal(server.cryptoCtx[EpochInitial].Decrypt.Key, clientDirection.Key) {
		t.Error("server's Initial decrypt key should be the client-direction key derived from destCID")
	}
	if !bytes.Equal(server.cryptoCtx[EpochInitial].Encrypt.Key, serverDirection.Key) {
		t.Error("server's Initial encrypt key should be the server-direction key derived from destCID")
	}
}

func TestAdvanceStateFiresHandshakeCompleteEvent(t *testing.T) {
	sink := &recordingEventSink{}
	cfg := DefaultConfig(true)
	cfg.Events = sink

	c, err := NewClientConnection(cfg)
	if err != nil {
		t.Fatalf("NewClientConnection() error = %v", err)
	}

	if err := c.AdvanceState(StateClientHandshakeProgress); err != nil {
		t.Fatalf("AdvanceState() error = %v", err)
	}
	if len(sink.events) != 0 {
		t.Error("an intermediate state transition should not fire handshake-complete")
	}

	if err := c.AdvanceState(StateClientReady); err != nil {
		t.Fatalf("AdvanceState() error = %v", err)
	}
	if len(sink.events) != 1 || sink.events[0] != EventHandshakeComplete {
		t.Errorf("events = %v, want [EventHandshakeComplete]", sink.events)
	}
	if c.handshakeReadyAt.IsZero() {
		t.Error("handshakeReadyAt should be set once the connection becomes ready")
	}
}

func TestSetTransportParameters(t *testing.T) {
	c, err := NewClientConnection(DefaultConfig(true))
	if err != nil {
		t.Fatalf("NewClientConnection() error = %v", err)
	}
	params := &TransportParameters{MaxIdleTimeout: 5000}
	if err := c.SetTransportParameters(params); err != nil {
		t.Fatalf("SetTransportParameters() error = %v", err)
	}
	if c.RemoteParams != params {
		t.Error("SetTransportParameters should store the given params as RemoteParams")
	}
}

func TestInstallKeysApplicationRotation(t *testing.T) {
	c, err := NewClientConnection(DefaultConfig(true))
	if err != nil {
		t.Fatalf("NewClientConnection() error = %v", err)
	}

	key1 := bytes.Repeat([]byte{0x01}, 16)
	iv1 := bytes.Repeat([]byte{0x02}, 12)
	hp1 := bytes.Repeat([]byte{0x03}, 16)
	if err := c.InstallKeys(EpochApplication, DirectionRead, TLS_AES_128_GCM_SHA256, key1, iv1, hp1); err != nil {
		t.Fatalf("InstallKeys() error = %v", err)
	}
	ctx := c.cryptoCtx[EpochApplication]
	if ctx.Decrypt == nil {
		t.Fatal("first InstallKeys call should populate Decrypt")
	}
	if ctx.OldDecrypt != nil {
		t.Error("the very first application key install should not produce an OldDecrypt")
	}
	firstPhase := ctx.KeyPhase

	key2 := bytes.Repeat([]byte{0x11}, 16)
	iv2 := bytes.Repeat([]byte{0x12}, 12)
	hp2 := bytes.Repeat([]byte{0x13}, 16)
	if err := c.InstallKeys(EpochApplication, DirectionRead, TLS_AES_128_GCM_SHA256, key2, iv2, hp2); err != nil {
		t.Fatalf("InstallKeys() error = %v", err)
	}
	if ctx.OldDecrypt == nil {
		t.Error("a key update should preserve the previous Decrypt context as OldDecrypt")
	}
	if ctx.KeyPhase == firstPhase {
		t.Error("a key update should flip KeyPhase")
	}
	if ctx.RotationDeadline.Before(time.Now()) {
		t.Error("RotationDeadline should be set in the future")
	}
}

func TestPacketNumberSpaceRecordReceivedDuplicate(t *testing.T) {
	space := newPacketNumberSpace(PNSpaceApplication)

	if kind := space.RecordReceived(5); kind != ErrKindOK {
		t.Errorf("first receipt of pn=5 returned %v, want ErrKindOK", kind)
	}
	if kind := space.RecordReceived(5); kind != ErrKindDuplicate {
		t.Errorf("second receipt of pn=5 returned %v, want ErrKindDuplicate", kind)
	}
	if !space.AckNeeded {
		t.Error("AckNeeded should be set after any receipt, duplicate or not")
	}
}

func TestReceivedSetCoalescing(t *testing.T) {
	s := &receivedSet{}
	for _, pn := range []uint64{5, 3, 4, 10, 6} {
		s.insert(pn)
	}
	if !s.contains(3) || !s.contains(6) || !s.contains(10) {
		t.Error("all inserted packet numbers should be recorded")
	}
	if s.contains(7) || s.contains(8) || s.contains(9) {
		t.Error("gaps between ranges should not be reported as contained")
	}

	foundCoalesced := false
	for _, r := range s.ranges {
		if r.start == 3 && r.end == 6 {
			foundCoalesced = true
		}
	}
	if !foundCoalesced {
		t.Errorf("expected ranges 3..6 to coalesce into one range, got %v", s.ranges)
	}
}

func TestHandlePacketCreditsAmplificationOnUnvalidatedServerPath(t *testing.T) {
	destCID := ConnectionID{1, 2, 3, 4}
	srcCID := ConnectionID{5, 6, 7, 8}
	c, err := NewServerConnection(DefaultConfig(false), destCID, srcCID, nil, nil)
	if err != nil {
		t.Fatalf("NewServerConnection() error = %v", err)
	}
	if c.Paths[0].Verified {
		t.Fatal("a freshly created server path should not start verified")
	}

	raw := bytes.Repeat([]byte{0x00}, 57)
	_ = c.handlePacket(&Packet{Header: PacketHeader{Type: PacketTypeVersionNeg}}, raw, nil, nil, time.Now())

	if want := uint64(3 * len(raw)); c.Paths[0].amplificationCredit != want {
		t.Errorf("amplificationCredit = %d, want %d", c.Paths[0].amplificationCredit, want)
	}
}

func TestPNSpaceForEpoch(t *testing.T) {
	cases := map[Epoch]PNSpaceKind{
		EpochInitial:     PNSpaceInitial,
		EpochHandshake:   PNSpaceHandshake,
		EpochZeroRTT:     PNSpaceApplication,
		EpochApplication: PNSpaceApplication,
	}
	for epoch, want := range cases {
		if got := pnSpaceForEpoch(epoch); got != want {
			t.Errorf("pnSpaceForEpoch(%v) = %v, want %v", epoch, got, want)
		}
	}
}
