package quic

import (
	"encoding/binary"
	"fmt"
	"io"
)

// QUIC packet formats (RFC 9000 Section 17).
//
// Long header packets (used during the handshake): Initial, 0-RTT,
// Handshake, Retry. Short header packets (used once 1-RTT keys are
// installed): the single 1-RTT packet type.

// PacketType identifies the wire packet type.
type PacketType uint8

const (
	PacketTypeInitial    PacketType = 0x00
	PacketType0RTT       PacketType = 0x01
	PacketTypeHandshake  PacketType = 0x02
	PacketTypeRetry      PacketType = 0x03
	PacketType1RTT       PacketType = 0x04
	PacketTypeVersionNeg PacketType = 0xFF
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeInitial:
		return "initial"
	case PacketType0RTT:
		return "0-rtt"
	case PacketTypeHandshake:
		return "handshake"
	case PacketTypeRetry:
		return "retry"
	case PacketType1RTT:
		return "1-rtt"
	case PacketTypeVersionNeg:
		return "version-negotiation"
	default:
		return "unknown"
	}
}

const (
	Version1 = 0x00000001

	HeaderFormLong  = 0x80
	HeaderFormShort = 0x00
	FixedBit        = 0x40

	LongHeaderTypeInitial   = 0x00
	LongHeaderType0RTT      = 0x10
	LongHeaderTypeHandshake = 0x20
	LongHeaderTypeRetry     = 0x30

	PacketNumberLen1 = 0x00
	PacketNumberLen2 = 0x01
	PacketNumberLen3 = 0x02
	PacketNumberLen4 = 0x03

	MaxPacketSize    = 1452 // typical path MTU minus IPv6+UDP headers
	MinInitialPacket = 1200 // RFC 9000 Section 14.1
)

// PacketHeader is a parsed QUIC packet header, long or short.
type PacketHeader struct {
	IsLongHeader bool
	Version      uint32
	Type         PacketType

	DestConnID ConnectionID
	SrcConnID  ConnectionID

	// PacketNumber is the truncated on-wire value until the caller
	// reconstructs it via DecodePacketNumber against the packet number
	// space's largest-acknowledged value.
	PacketNumber    uint64
	PacketNumberLen int

	Token  []byte // Initial packets only
	Length uint64 // packet number + payload, long headers only

	RetryToken     []byte
	RetryIntegrity [16]byte

	// SpinBit and KeyPhase apply to short headers only.
	SpinBit  bool
	KeyPhase bool
}

// Packet is a parsed QUIC packet: header plus still-protected payload.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// ParsePacket parses a single QUIC packet from the front of data.
// shortHeaderDCIDLen is the connection ID length the local endpoint
// issued to its peer — short headers carry no length prefix, so the
// receiver must already know it (RFC 9000 Section 17.2 vs 17.3).
func ParsePacket(data []byte, shortHeaderDCIDLen int) (*Packet, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrShortHeader
	}

	if data[0]&HeaderFormLong != 0 {
		return parseLongHeaderPacket(data)
	}
	return parseShortHeaderPacket(data, shortHeaderDCIDLen)
}

func parseLongHeaderPacket(data []byte) (*Packet, int, error) {
	if len(data) < 5 {
		return nil, 0, ErrShortHeader
	}

	offset := 0
	firstByte := data[offset]
	offset++

	version := binary.BigEndian.Uint32(data[offset:])
	offset += 4

	// Version negotiation leaves the fixed bit random; every other long
	// header must set it.
	if version == 0 {
		return parseVersionNegotiationPacket(data)
	}
	if firstByte&FixedBit == 0 {
		return nil, 0, protocolViolation(ErrReservedBitsSet)
	}
	if version != Version1 {
		return nil, 0, ErrInvalidVersion
	}

	typeField := firstByte & 0x30
	var packetType PacketType
	switch typeField {
	case LongHeaderTypeInitial:
		packetType = PacketTypeInitial
	case LongHeaderType0RTT:
		packetType = PacketType0RTT
	case LongHeaderTypeHandshake:
		packetType = PacketTypeHandshake
	case LongHeaderTypeRetry:
		packetType = PacketTypeRetry
	default:
		return nil, 0, ErrUnknownPacketType
	}

	destConnID, n, err := parseConnectionID(data[offset:])
	if err != nil {
		return nil, 0, fmt.Errorf("quic: parse dest conn id: %w", err)
	}
	offset += n

	srcConnID, n, err := parseConnectionID(data[offset:])
	if err != nil {
		return nil, 0, fmt.Errorf("quic: parse src conn id: %w", err)
	}
	offset += n

	header := PacketHeader{
		IsLongHeader: true,
		Version:      version,
		Type:         packetType,
		DestConnID:   destConnID,
		SrcConnID:    srcConnID,
	}

	if packetType == PacketTypeRetry {
		if len(data) < offset+16 {
			return nil, 0, ErrShortHeader
		}
		tokenLen := len(data) - offset - 16
		header.RetryToken = append([]byte(nil), data[offset:offset+tokenLen]...)
		copy(header.RetryIntegrity[:], data[offset+tokenLen:])
		return &Packet{Header: header}, len(data), nil
	}

	if packetType == PacketTypeInitial {
		tokenLen, n, err := parseVarint(data[offset:])
		if err != nil {
			return nil, 0, fmt.Errorf("quic: parse token length: %w", err)
		}
		offset += n

		if tokenLen > 0 {
			if uint64(len(data)) < uint64(offset)+tokenLen {
				return nil, 0, ErrShortHeader
			}
			header.Token = append([]byte(nil), data[offset:offset+int(tokenLen)]...)
			offset += int(tokenLen)
		}
	}

	length, n, err := parseVarint(data[offset:])
	if err != nil {
		return nil, 0, fmt.Errorf("quic: parse length: %w", err)
	}
	offset += n
	header.Length = length

	if uint64(len(data)) < uint64(offset)+length {
		return nil, 0, ErrShortHeader
	}

	pnLenBits := firstByte & 0x03
	pnLen := int(pnLenBits) + 1
	header.PacketNumberLen = pnLen

	if len(data) < offset+pnLen {
		return nil, 0, ErrShortHeader
	}

	var pn uint64
	for i := 0; i < pnLen; i++ {
		pn = (pn << 8) | uint64(data[offset+i])
	}
	header.PacketNumber = pn
	offset += pnLen

	payloadLen := int(length) - pnLen
	if payloadLen < 0 {
		return nil, 0, ErrShortHeader
	}
	payload := append([]byte(nil), data[offset:offset+payloadLen]...)
	offset += payloadLen

	return &Packet{Header: header, Payload: payload}, offset, nil
}

func parseShortHeaderPacket(data []byte, dcidLen int) (*Packet, int, error) {
	if dcidLen < 0 || dcidLen > MaxConnectionIDLen {
		return nil, 0, newSegmentError(ErrKindCnxIDCheck, ErrHeaderProtection)
	}
	if len(data) < 1+dcidLen {
		return nil, 0, ErrShortHeader
	}

	offset := 0
	firstByte := data[offset]
	offset++

	if firstByte&FixedBit == 0 {
		return nil, 0, newSegmentError(ErrKindDetected, ErrReservedBitsSet)
	}

	destConnID := append(ConnectionID(nil), data[offset:offset+dcidLen]...)
	offset += dcidLen

	pnLenBits := firstByte & 0x03
	pnLen := int(pnLenBits) + 1
	if len(data) < offset+pnLen {
		return nil, 0, ErrShortHeader
	}

	var pn uint64
	for i := 0; i < pnLen; i++ {
		pn = (pn << 8) | uint64(data[offset+i])
	}
	offset += pnLen

	header := PacketHeader{
		IsLongHeader:    false,
		Type:            PacketType1RTT,
		DestConnID:      destConnID,
		PacketNumber:    pn,
		PacketNumberLen: pnLen,
		SpinBit:         firstByte&0x20 != 0,
		KeyPhase:        firstByte&0x04 != 0,
	}

	payload := append([]byte(nil), data[offset:]...)

	return &Packet{Header: header, Payload: payload}, len(data), nil
}

func parseVersionNegotiationPacket(data []byte) (*Packet, int, error) {
	offset := 5 // first byte + zero version

	destConnID, n, err := parseConnectionID(data[offset:])
	if err != nil {
		return nil, 0, err
	}
	offset += n

	srcConnID, n, err := parseConnectionID(data[offset:])
	if err != nil {
		return nil, 0, err
	}
	offset += n

	var versions []uint32
	for offset+4 <= len(data) {
		versions = append(versions, binary.BigEndian.Uint32(data[offset:]))
		offset += 4
	}

	header := PacketHeader{
		IsLongHeader: true,
		Type:         PacketTypeVersionNeg,
		DestConnID:   destConnID,
		SrcConnID:    srcConnID,
	}

	payload := make([]byte, len(versions)*4)
	for i, ver := range versions {
		binary.BigEndian.PutUint32(payload[i*4:], ver)
	}

	return &Packet{Header: header, Payload: payload}, offset, nil
}

// WriteTo writes the packet to w.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 0, MaxPacketSize)
	buf = p.AppendTo(buf)
	n, err := w.Write(buf)
	return int64(n), err
}

// AppendTo appends the wire form of the packet to buf.
func (p *Packet) AppendTo(buf []byte) []byte {
	if p.Header.IsLongHeader {
		return p.appendLongHeader(buf)
	}
	return p.appendShortHeader(buf)
}

func (p *Packet) appendLongHeader(buf []byte) []byte {
	firstByte := byte(HeaderFormLong | FixedBit)

	switch p.Header.Type {
	case PacketTypeInitial:
		firstByte |= LongHeaderTypeInitial
	case PacketType0RTT:
		firstByte |= LongHeaderType0RTT
	case PacketTypeHandshake:
		firstByte |= LongHeaderTypeHandshake
	case PacketTypeRetry:
		firstByte |= LongHeaderTypeRetry
	}

	if p.Header.Type != PacketTypeRetry {
		firstByte |= byte(p.Header.PacketNumberLen - 1)
	}

	buf = append(buf, firstByte)

	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], p.Header.Version)
	buf = append(buf, verBuf[:]...)

	buf = appendConnectionID(buf, p.Header.DestConnID)
	buf = appendConnectionID(buf, p.Header.SrcConnID)

	if p.Header.Type == PacketTypeRetry {
		buf = append(buf, p.Header.RetryToken...)
		buf = append(buf, p.Header.RetryIntegrity[:]...)
		return buf
	}

	if p.Header.Type == PacketTypeInitial {
		buf, _ = appendVarint(buf, uint64(len(p.Header.Token)))
		buf = append(buf, p.Header.Token...)
	}

	payloadLen := uint64(p.Header.PacketNumberLen + len(p.Payload))
	buf, _ = appendVarint(buf, payloadLen)

	for i := p.Header.PacketNumberLen - 1; i >= 0; i-- {
		buf = append(buf, byte(p.Header.PacketNumber>>(i*8)))
	}

	return append(buf, p.Payload...)
}

func (p *Packet) appendShortHeader(buf []byte) []byte {
	firstByte := FixedBit | byte(p.Header.PacketNumberLen-1)
	if p.Header.SpinBit {
		firstByte |= 0x20
	}
	if p.Header.KeyPhase {
		firstByte |= 0x04
	}
	buf = append(buf, firstByte)
	buf = append(buf, p.Header.DestConnID...)

	for i := p.Header.PacketNumberLen - 1; i >= 0; i-- {
		buf = append(buf, byte(p.Header.PacketNumber>>(i*8)))
	}

	return append(buf, p.Payload...)
}

// PacketNumberLen returns the number of bytes needed to encode pn such
// that it can be unambiguously reconstructed relative to largestAcked
// (RFC 9000 Section 17.1).
func PacketNumberLen(pn, largestAcked uint64) int {
	delta := pn - largestAcked
	switch {
	case delta < 1<<7:
		return 1
	case delta < 1<<15:
		return 2
	case delta < 1<<23:
		return 3
	default:
		return 4
	}
}

// DecodePacketNumber reconstructs the full 62-bit packet number from its
// truncated on-wire form, given the largest packet number received so far
// in the same packet number space (RFC 9000 Appendix A.3).
func DecodePacketNumber(largest, truncated uint64, nbits int) uint64 {
	expected := largest + 1
	win := uint64(1) << (nbits * 8)
	hwin := win / 2
	mask := win - 1

	candidate := (expected &^ mask) | truncated

	switch {
	case candidate+hwin <= expected && candidate+win < 1<<62:
		return candidate + win
	case candidate > expected+hwin && candidate >= win:
		return candidate - win
	default:
		return candidate
	}
}
