package quic

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Three stateless emissions bypass the connection context entirely
// (spec §4.4): version negotiation, retry-with-token, and stateless
// reset. None of them carry connection state beyond what's needed to
// build the reply in place.

// retryIntegrityKey/Nonce are the fixed AES-128-GCM key and nonce RFC
// 9001 Section 5.8 defines for the Retry Integrity Tag.
var (
	retryIntegrityKey   = [16]byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryIntegrityNonce = [12]byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
)

// computeRetryIntegrityTag computes the 16-byte tag over
// original_dcid_len || original_dcid || retry_header_and_token, per RFC
// 9001 Section 5.8.
func computeRetryIntegrityTag(originalDCID ConnectionID, retryPseudoPacket []byte) ([16]byte, error) {
	var tag [16]byte

	block, err := aes.NewCipher(retryIntegrityKey[:])
	if err != nil {
		return tag, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return tag, err
	}

	aad := make([]byte, 0, 1+len(originalDCID)+len(retryPseudoPacket))
	aad = append(aad, byte(len(originalDCID)))
	aad = append(aad, originalDCID...)
	aad = append(aad, retryPseudoPacket...)

	sealed := aead.Seal(nil, retryIntegrityNonce[:], nil, aad)
	copy(tag[:], sealed)
	return tag, nil
}

// verifyRetryIntegrity checks a received Retry packet's integrity tag
// against the original destination CID the client sent its first
// Initial to (SPEC_FULL §4.9, supplementing spec §4.4's plain
// echo-and-token description with RFC 9001's actual validation step).
func verifyRetryIntegrity(pkt *Packet, originalDCID ConnectionID) bool {
	pseudo := pkt.AppendTo(nil)
	if len(pseudo) < 16 {
		return false
	}
	body := pseudo[:len(pseudo)-16]

	expected, err := computeRetryIntegrityTag(originalDCID, body)
	if err != nil {
		return false
	}
	return expected == pkt.Header.RetryIntegrity
}

// BuildVersionNegotiation constructs a version-negotiation reply to an
// unrecognized-version packet: random first byte with the high bit
// forced to 1, echoed SCID/DCID, and a supported-version list followed
// by one grease version that differs from the requested one (spec
// §4.4).
func BuildVersionNegotiation(peerSCID, peerDCID ConnectionID, supported []uint32, requested uint32) ([]byte, error) {
	var firstByte [1]byte
	if _, err := rand.Read(firstByte[:]); err != nil {
		return nil, err
	}
	firstByte[0] |= 0x80

	buf := []byte{firstByte[0], 0, 0, 0, 0}
	buf = appendConnectionID(buf, peerSCID)
	buf = appendConnectionID(buf, peerDCID)

	for _, v := range supported {
		buf = append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}

	grease := greaseVersion(requested)
	buf = append(buf, byte(grease>>24), byte(grease>>16), byte(grease>>8), byte(grease))

	return buf, nil
}

// greaseVersion produces a 0x?A?A?A?A-shaped version distinct from
// requested, per the GREASE pattern RFC 9000 Section 15 recommends.
func greaseVersion(requested uint32) uint32 {
	v := uint32(0x0a0a0a0a)
	for _, b := range [4]byte{byte(requested), byte(requested >> 8), byte(requested >> 16), byte(requested >> 24)} {
		v ^= uint32(b&0xf0) << 0
	}
	if v == requested {
		v ^= 0x10101010
	}
	return v
}

// BuildRetry constructs a stateless Retry packet: header echoes the
// peer's SCID into our DCID and publishes newSCID as our SCID; the
// payload is the token followed by the RFC 9001 integrity tag. The ODCIL
// and original DCID are not written to the packet; they enter only the
// pseudo-packet the tag is computed over.
func BuildRetry(peerSCID, originalDCID, newSCID ConnectionID, token []byte) ([]byte, error) {
	header := &Packet{Header: PacketHeader{
		IsLongHeader: true,
		Version:      Version1,
		Type:         PacketTypeRetry,
		DestConnID:   peerSCID,
		SrcConnID:    newSCID,
		RetryToken:   token,
	}}

	pseudo := make([]byte, 0, 64+len(token))
	pseudo = append(pseudo, byte(len(originalDCID)))
	pseudo = append(pseudo, originalDCID...)
	body := header.AppendTo(nil)
	// The wire packet has no integrity tag yet; strip the zero-filled
	// placeholder bytes AppendTo reserved for it before computing the
	// pseudo-packet AAD.
	body = body[:len(body)-16]
	pseudo = append(pseudo, body...)

	tag, err := computeRetryIntegrityTag(originalDCID, body)
	if err != nil {
		return nil, err
	}
	header.Header.RetryIntegrity = tag

	return header.AppendTo(nil), nil
}

// statelessResetSecretInfo is the HKDF info label used to derive a
// per-CID stateless-reset secret from a server-wide static key
// (SPEC_FULL §4.9, resolving Open Question #1: rather than storing one
// random secret per issued CID, the secret is recomputed on demand from
// the CID itself, so detecting a reset never requires a lookup table).
var statelessResetSecretInfo = []byte("pylon stateless reset")

// DeriveStatelessResetSecret computes the 16-byte secret bound to cid,
// given the server's static key.
func DeriveStatelessResetSecret(serverKey []byte, cid ConnectionID) ([16]byte, error) {
	var secret [16]byte
	info := append(append([]byte(nil), statelessResetSecretInfo...), cid...)
	r := hkdf.New(sha256.New, serverKey, nil, info)
	if _, err := io.ReadFull(r, secret[:]); err != nil {
		return secret, err
	}
	return secret, nil
}

// minStatelessResetPacketSize resolves Open Question #1: an incoming
// short-header packet shorter than this can never be mistaken for a
// stateless reset, since a reset always carries at least this many
// bytes (5 header-ish bytes of padding floor + 16-byte secret).
const minStatelessResetPacketSize = 21

// BuildStatelessReset constructs a stateless-reset datagram: short
// header with random low 5 bits, random padding sized so the total
// datagram length is indistinguishable from a short-header packet, and
// the 16-byte secret as the final bytes.
func BuildStatelessReset(serverKey []byte, cid ConnectionID, datagramLen int) ([]byte, error) {
	if datagramLen < minStatelessResetPacketSize {
		datagramLen = minStatelessResetPacketSize
	}

	secret, err := DeriveStatelessResetSecret(serverKey, cid)
	if err != nil {
		return nil, err
	}

	padLen := datagramLen - 16
	buf := make([]byte, padLen)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	buf[0] = 0x40 | (buf[0] & 0x1f)
	buf = append(buf, secret[:]...)
	return buf, nil
}

// isStatelessResetCandidate reports whether raw plausibly carries a
// stateless reset matching one of the connection's known remote CIDs —
// called only after an AEAD failure, since a reset is designed to be
// indistinguishable from a short-header packet otherwise.
func isStatelessResetCandidate(raw []byte, c *Connection) bool {
	if len(raw) < minStatelessResetPacketSize {
		return false
	}
	if raw[0]&0x80 != 0 {
		return false // long header, never a stateless reset
	}

	tail := raw[len(raw)-16:]
	for _, p := range c.Paths {
		if len(p.RemoteCID) == 0 {
			continue
		}
		if bytes.Equal(tail, p.RemoteCIDResetSecret[:]) {
			return true
		}
	}
	return false
}
