package quic

import (
	"bytes"
	"testing"
)

func TestDeriveStatelessResetSecretDeterministicPerCID(t *testing.T) {
	key := []byte("a server-wide static key, 32b!!")
	cidA := ConnectionID{1, 2, 3, 4}
	cidB := ConnectionID{5, 6, 7, 8}

	s1, err := DeriveStatelessResetSecret(key, cidA)
	if err != nil {
		t.Fatalf("DeriveStatelessResetSecret() error = %v", err)
	}
	s2, err := DeriveStatelessResetSecret(key, cidA)
	if err != nil {
		t.Fatalf("DeriveStatelessResetSecret() error = %v", err)
	}
	if s1 != s2 {
		t.Error("deriving the secret twice for the same CID should be deterministic")
	}

	s3, err := DeriveStatelessResetSecret(key, cidB)
	if err != nil {
		t.Fatalf("DeriveStatelessResetSecret() error = %v", err)
	}
	if s1 == s3 {
		t.Error("secrets for different CIDs should differ")
	}
}

func TestBuildStatelessResetShapeAndFloor(t *testing.T) {
	key := []byte("a server-wide static key, 32b!!")
	cid := ConnectionID{9, 9, 9}

	reset, err := BuildStatelessReset(key, cid, 10)
	if err != nil {
		t.Fatalf("BuildStatelessReset() error = %v", err)
	}
	if len(reset) != minStatelessResetPacketSize {
		t.Errorf("len(reset) = %d, want the %d-byte floor when asked for a shorter datagram", len(reset), minStatelessResetPacketSize)
	}
	if reset[0]&0x80 != 0 {
		t.Error("a stateless reset must set the short-header form bit (high bit clear)")
	}
	if reset[0]&0x40 == 0 {
		t.Error("a stateless reset must set the fixed bit")
	}

	secret, _ := DeriveStatelessResetSecret(key, cid)
	if !bytes.Equal(reset[len(reset)-16:], secret[:]) {
		t.Error("the final 16 bytes of a stateless reset must be the derived secret")
	}
}

func TestIsStatelessResetCandidate(t *testing.T) {
	key := []byte("a server-wide static key, 32b!!")
	cid := ConnectionID{1, 1, 1, 1}
	secret, err := DeriveStatelessResetSecret(key, cid)
	if err != nil {
		t.Fatalf("DeriveStatelessResetSecret() error = %v", err)
	}

	cfg := DefaultConfig(true)
	c, err := NewClientConnection(cfg)
	if err != nil {
		t.Fatalf("NewClientConnection() error = %v", err)
	}
	c.Paths[0].RemoteCID = cid
	c.Paths[0].RemoteCIDResetSecret = secret

	reset, err := BuildStatelessReset(key, cid, 40)
	if err != nil {
		t.Fatalf("BuildStatelessReset() error = %v", err)
	}
	if !isStatelessResetCandidate(reset, c) {
		t.Error("a genuine stateless reset for a known remote CID should be recognized")
	}

	tooShort := reset[:minStatelessResetPacketSize-1]
	if isStatelessResetCandidate(tooShort, c) {
		t.Error("a datagram below the size floor must never be treated as a reset")
	}

	longHeader := append([]byte(nil), reset...)
	longHeader[0] |= 0x80
	if isStatelessResetCandidate(longHeader, c) {
		t.Error("a long-header packet must never be treated as a stateless reset")
	}

	garbage := append([]byte(nil), reset...)
	garbage[len(garbage)-1] ^= 0xff
	if isStatelessResetCandidate(garbage, c) {
		t.Error("a datagram whose tail doesn't match any known secret should not match")
	}
}

func TestGreaseVersionDiffersFromRequested(t *testing.T) {
	requested := uint32(0x00000001)
	grease := greaseVersion(requested)
	if grease == requested {
		t.Error("greaseVersion should never equal the requested version")
	}
	if grease&0x0a0a0a0a != 0x0a0a0a0a {
		t.Errorf("grease version %08x doesn't carry the 0x?A?A?A?A GREASE pattern", grease)
	}
}

func TestBuildVersionNegotiationShape(t *testing.T) {
	scid := ConnectionID{1, 2}
	dcid := ConnectionID{3, 4, 5}
	supported := []uint32{Version1}

	pkt, err := BuildVersionNegotiation(scid, dcid, supported, 0x00000001)
	if err != nil {
		t.Fatalf("BuildVersionNegotiation() error = %v", err)
	}
	if pkt[0]&0x80 == 0 {
		t.Error("version negotiation must set the long-header form bit")
	}
	if len(pkt) < 5+1+len(scid)+1+len(dcid)+4+4 {
		t.Errorf("version negotiation packet too short: %d bytes", len(pkt))
	}
}

func TestBuildRetryAndVerifyIntegrity(t *testing.T) {
	peerSCID := ConnectionID{10, 20, 30}
	originalDCID := ConnectionID{40, 50, 60, 70}
	newSCID := ConnectionID{1, 2, 3, 4, 5, 6, 7, 8}
	token := []byte("a-retry-token")

	raw, err := BuildRetry(peerSCID, originalDCID, newSCID, token)
	if err != nil {
		t.Fatalf("BuildRetry() error = %v", err)
	}

	pkt, _, err := ParsePacket(raw, 0)
	if err != nil {
		t.Fatalf("ParsePacket() error = %v", err)
	}
	if pkt.Header.Type != PacketTypeRetry {
		t.Fatalf("parsed packet type = %v, want Retry", pkt.Header.Type)
	}
	if !pkt.Header.DestConnID.Equal(peerSCID) {
		t.Error("Retry's DestConnID should echo the peer's SCID")
	}
	if !pkt.Header.SrcConnID.Equal(newSCID) {
		t.Error("Retry's SrcConnID should be the server's newly chosen SCID")
	}

	if !verifyRetryIntegrity(pkt, originalDCID) {
		t.Error("verifyRetryIntegrity should accept a Retry built with the matching original DCID")
	}
	if verifyRetryIntegrity(pkt, ConnectionID{9, 9, 9, 9}) {
		t.Error("verifyRetryIntegrity should reject a mismatched original DCID")
	}
}
