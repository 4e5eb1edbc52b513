package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// QUIC packet protection, built on top of the TLS 1.3 handshake secrets
// a TLSCollaborator exports (RFC 9001).

// EncryptionLevel names the four epochs a connection's keys progress
// through. Kept as Epoch elsewhere in this package (REDESIGN FLAGS); this
// alias is retained for the crypto layer's RFC 9001 vocabulary.
type EncryptionLevel uint8

const (
	EncryptionLevelInitial EncryptionLevel = iota
	EncryptionLevelEarlyData
	EncryptionLevelHandshake
	EncryptionLevelApplication
)

func (e EncryptionLevel) String() string {
	switch e {
	case EncryptionLevelInitial:
		return "initial"
	case EncryptionLevelEarlyData:
		return "0-rtt"
	case EncryptionLevelHandshake:
		return "handshake"
	case EncryptionLevelApplication:
		return "application"
	default:
		return fmt.Sprintf("unknown(%d)", e)
	}
}

// initialSalt is the QUIC version 1 initial salt (RFC 9001 Section 5.2).
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

const (
	TLS_AES_128_GCM_SHA256       uint16 = 0x1301
	TLS_AES_256_GCM_SHA384       uint16 = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 uint16 = 0x1303
)

var ErrInvalidKeyLength = errors.New("quic: invalid key length")

// CryptoKeys holds one direction's packet-protection keys at one epoch.
type CryptoKeys struct {
	Level       EncryptionLevel
	CipherSuite uint16

	Key []byte
	IV  []byte
	HP  []byte

	aead cipher.AEAD
}

// NewInitialKeys derives the Initial-epoch keys from the client's chosen
// destination connection ID (RFC 9001 Section 5.2). Both endpoints derive
// these independently from the same DCID; no handshake is needed.
func NewInitialKeys(destConnID []byte, isClient bool) (*CryptoKeys, error) {
	initialSecret := hkdf.Extract(sha256.New, destConnID, initialSalt)

	label := "server in"
	if isClient {
		label = "client in"
	}

	secret := hkdfExpandLabel(sha256.New, initialSecret, label, nil, 32)
	return deriveKeys(secret, EncryptionLevelInitial, TLS_AES_128_GCM_SHA256)
}

// deriveKeys derives key/iv/hp from a traffic secret (RFC 9001 Section 5.1).
func deriveKeys(secret []byte, level EncryptionLevel, cipherSuite uint16) (*CryptoKeys, error) {
	var keyLen, ivLen, hpLen int

	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256:
		keyLen, ivLen, hpLen = 16, 12, 16
	case TLS_AES_256_GCM_SHA384:
		keyLen, ivLen, hpLen = 32, 12, 32
	case TLS_CHACHA20_POLY1305_SHA256:
		keyLen, ivLen, hpLen = 32, 12, 32
	default:
		return nil, fmt.Errorf("quic: unsupported cipher suite 0x%04x", cipherSuite)
	}

	key := hkdfExpandLabel(sha256.New, secret, "quic key", nil, keyLen)
	iv := hkdfExpandLabel(sha256.New, secret, "quic iv", nil, ivLen)
	hp := hkdfExpandLabel(sha256.New, secret, "quic hp", nil, hpLen)

	keys := &CryptoKeys{
		Level:       level,
		CipherSuite: cipherSuite,
		Key:         key,
		IV:          iv,
		HP:          hp,
	}

	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		keys.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
	case TLS_CHACHA20_POLY1305_SHA256:
		var err error
		keys.aead, err = chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
	}

	return keys, nil
}

// newCryptoKeysFromMaterial builds a CryptoKeys directly from
// already-derived key/iv/hp material, as supplied by a TLSCollaborator
// through KeyInstaller.InstallKeys — the collaborator owns the
// handshake transcript and HKDF-Expand-Label derivation; the core only
// needs the resulting AEAD.
func newCryptoKeysFromMaterial(level EncryptionLevel, cipherSuite uint16, key, iv, hp []byte) (*CryptoKeys, error) {
	keys := &CryptoKeys{Level: level, CipherSuite: cipherSuite, Key: key, IV: iv, HP: hp}

	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		keys.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
	case TLS_CHACHA20_POLY1305_SHA256:
		var err error
		keys.aead, err = chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("quic: unsupported cipher suite 0x%04x", cipherSuite)
	}

	return keys, nil
}

// hkdfExpandLabel implements TLS 1.3's HKDF-Expand-Label (RFC 8446
// Section 7.1), used here for the "quic key"/"quic iv"/"quic hp" labels
// RFC 9001 defines on top of it.
func hkdfExpandLabel(hashFunc func() hash.Hash, secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	hkdfLabel := make([]byte, 2+1+len(fullLabel)+1+len(context))

	hkdfLabel[0] = byte(length >> 8)
	hkdfLabel[1] = byte(length)

	hkdfLabel[2] = byte(len(fullLabel))
	copy(hkdfLabel[3:], fullLabel)

	offset := 3 + len(fullLabel)
	hkdfLabel[offset] = byte(len(context))
	copy(hkdfLabel[offset+1:], context)

	out := make([]byte, length)
	r := hkdf.Expand(hashFunc, secret, hkdfLabel)
	r.Read(out)

	return out
}

// headerProtectionMask computes the 5-byte mask RFC 9001 Section 5.4.3
// derives from the header protection key and a 16-byte ciphertext sample.
// AES suites use ECB block encryption of the sample; the ChaCha20 suite
// runs the block function with the first 4 sample bytes as the counter
// and the last 12 as the nonce, per RFC 9001 Section 5.4.4 — an earlier
// draft of this code left that branch as a zero buffer, which silently
// corrupted every ChaCha20-suite packet.
func headerProtectionMask(cipherSuite uint16, hpKey, sample []byte) ([]byte, error) {
	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384:
		block, err := aes.NewCipher(hpKey)
		if err != nil {
			return nil, err
		}
		mask := make([]byte, block.BlockSize())
		block.Encrypt(mask, sample)
		return mask, nil
	case TLS_CHACHA20_POLY1305_SHA256:
		counter := uint32(sample[0]) | uint32(sample[1])<<8 | uint32(sample[2])<<16 | uint32(sample[3])<<24
		nonce := sample[4:16]
		c, err := chacha20.NewUnauthenticatedCipher(hpKey, nonce)
		if err != nil {
			return nil, err
		}
		c.SetCounter(counter)
		mask := make([]byte, 5)
		c.XORKeyStream(mask, mask)
		return mask, nil
	default:
		return nil, fmt.Errorf("quic: unsupported cipher suite 0x%04x", cipherSuite)
	}
}

// ProtectPacket serializes packet, encrypts its payload, and applies
// header protection (RFC 9001 Section 5.4).
func (k *CryptoKeys) ProtectPacket(packet *Packet) ([]byte, error) {
	if k.aead == nil {
		return nil, errors.New("quic: AEAD not initialized")
	}

	// A long header's Length counts the AEAD tag as well as the
	// plaintext, so frame the header around a payload of sealed size.
	framed := *packet
	framed.Payload = make([]byte, len(packet.Payload)+k.aead.Overhead())
	buf := framed.AppendTo(nil)
	pnOffset := len(buf) - packet.Header.PacketNumberLen - len(framed.Payload)

	nonce := packetNonce(k.IV, packet.Header.PacketNumber)
	aad := buf[:pnOffset+packet.Header.PacketNumberLen]

	ciphertext := k.aead.Seal(nil, nonce, packet.Payload, aad)
	buf = buf[:pnOffset+packet.Header.PacketNumberLen]
	buf = append(buf, ciphertext...)

	return k.protectHeader(buf, pnOffset)
}

// UnprotectPacket removes header protection then decrypts the payload
// of an already-framed packet (RFC 9001 Section 5.4). shortHeaderDCIDLen
// is only consulted for short headers.
func (k *CryptoKeys) UnprotectPacket(data []byte, shortHeaderDCIDLen int) (*Packet, error) {
	if k.aead == nil {
		return nil, errors.New("quic: AEAD not initialized")
	}

	unprotected, pnOffset, pnLen, err := k.unprotectHeader(data, shortHeaderDCIDLen)
	if err != nil {
		return nil, err
	}

	var pn uint64
	for i := 0; i < pnLen; i++ {
		pn = (pn << 8) | uint64(unprotected[pnOffset+i])
	}

	nonce := packetNonce(k.IV, pn)
	aad := unprotected[:pnOffset+pnLen]
	ciphertext := unprotected[pnOffset+pnLen:]

	plaintext, err := k.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrPacketProtection
	}

	packet, _, err := ParsePacket(unprotected, shortHeaderDCIDLen)
	if err != nil {
		return nil, err
	}

	packet.Header.PacketNumber = pn
	packet.Header.PacketNumberLen = pnLen
	packet.Payload = plaintext

	return packet, nil
}

// packetNonce XORs the packet number into the AEAD IV, right-aligned
// (RFC 9001 Section 5.3).
func packetNonce(iv []byte, pn uint64) []byte {
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	for i := len(nonce) - 1; i >= 0 && i >= len(nonce)-8; i-- {
		nonce[i] ^= byte(pn)
		pn >>= 8
	}
	return nonce
}

func (k *CryptoKeys) protectHeader(packet []byte, pnOffset int) ([]byte, error) {
	sampleOffset := pnOffset + 4
	if sampleOffset+16 > len(packet) {
		return packet, nil
	}

	mask, err := headerProtectionMask(k.CipherSuite, k.HP, packet[sampleOffset:sampleOffset+16])
	if err != nil {
		return nil, err
	}

	if packet[0]&0x80 != 0 {
		packet[0] ^= mask[0] & 0x0F
	} else {
		packet[0] ^= mask[0] & 0x1F
	}

	pnLen := int(packet[0]&0x03) + 1
	for i := 0; i < pnLen; i++ {
		packet[pnOffset+i] ^= mask[1+i]
	}

	return packet, nil
}

// headerLength returns the number of bytes from the start of data up to
// (but not including) the protected packet number field, for a packet
// whose header fields up to the length varint are already visible
// in-the-clear (only the first byte's low bits and the packet number are
// still masked).
func headerLength(data []byte, shortHeaderDCIDLen int) (pnOffset int, isLongHeader bool, err error) {
	if len(data) == 0 {
		return 0, false, ErrShortHeader
	}

	firstByte := data[0]
	isLongHeader = firstByte&0x80 != 0

	if !isLongHeader {
		if len(data) < 1+shortHeaderDCIDLen {
			return 0, false, ErrShortHeader
		}
		return 1 + shortHeaderDCIDLen, false, nil
	}

	offset := 1 + 4 // flags + version
	if len(data) <= offset {
		return 0, true, ErrShortHeader
	}

	dcidLen := int(data[offset])
	offset += 1 + dcidLen
	if len(data) <= offset {
		return 0, true, ErrShortHeader
	}

	scidLen := int(data[offset])
	offset += 1 + scidLen
	if len(data) < offset {
		return 0, true, ErrShortHeader
	}

	if (firstByte & 0x30) == LongHeaderTypeInitial {
		tokenLen, n, err := parseVarint(data[offset:])
		if err != nil {
			return 0, true, err
		}
		offset += n + int(tokenLen)
	}

	if len(data) < offset {
		return 0, true, ErrShortHeader
	}
	_, n, err := parseVarint(data[offset:])
	if err != nil {
		return 0, true, err
	}
	offset += n

	return offset, true, nil
}

func (k *CryptoKeys) unprotectHeader(packet []byte, shortHeaderDCIDLen int) ([]byte, int, int, error) {
	pnOffset, isLongHeader, err := headerLength(packet, shortHeaderDCIDLen)
	if err != nil {
		return nil, 0, 0, err
	}

	sampleOffset := pnOffset + 4
	if sampleOffset+16 > len(packet) {
		return nil, 0, 0, ErrHeaderProtection
	}

	mask, err := headerProtectionMask(k.CipherSuite, k.HP, packet[sampleOffset:sampleOffset+16])
	if err != nil {
		return nil, 0, 0, err
	}

	data := append([]byte(nil), packet...)

	if isLongHeader {
		data[0] ^= mask[0] & 0x0F
	} else {
		data[0] ^= mask[0] & 0x1F
	}

	pnLen := int(data[0]&0x03) + 1
	for i := 0; i < pnLen; i++ {
		data[pnOffset+i] ^= mask[1+i]
	}

	return data, pnOffset, pnLen, nil
}

// NewQUICTLSConfig returns the base tls.Config a TLSCollaborator should
// build on: TLS 1.3 only, ALPN left to the caller.
func NewQUICTLSConfig(isClient bool) *tls.Config {
	config := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
	}
	if !isClient {
		config.ClientAuth = tls.NoClientCert
	}
	return config
}

// TransportParameters are the connection parameters exchanged during the
// handshake (RFC 9000 Section 18.2).
type TransportParameters struct {
	MaxIdleTimeout                 uint64
	MaxUDPPayloadSize              uint64
	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	AckDelayExponent          uint64
	MaxAckDelay               uint64
	DisableActiveMigration    bool
	ActiveConnectionIDLimit   uint64
	InitialSourceConnectionID []byte

	MaxEarlyDataSize uint64
}

// DefaultTransportParameters returns the parameters pylon advertises
// absent any application override.
func DefaultTransportParameters() *TransportParameters {
	return &TransportParameters{
		MaxIdleTimeout:                 30000,
		MaxUDPPayloadSize:              1200,
		InitialMaxData:                 10 * 1024 * 1024,
		InitialMaxStreamDataBidiLocal:  1 * 1024 * 1024,
		InitialMaxStreamDataBidiRemote: 1 * 1024 * 1024,
		InitialMaxStreamDataUni:        1 * 1024 * 1024,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           100,
		AckDelayExponent:               3,
		MaxAckDelay:                    25,
		ActiveConnectionIDLimit:        2,
	}
}
