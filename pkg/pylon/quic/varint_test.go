package quic

import (
	"bytes"
	"testing"
)

func TestVarintEncoding(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
		want  []byte
	}{
		{"1-byte max", 63, []byte{0x3F}},
		{"2-byte min", 64, []byte{0x40, 0x40}},
		{"2-byte max", 16383, []byte{0x7F, 0xFF}},
		{"4-byte min", 16384, []byte{0x80, 0x00, 0x40, 0x00}},
		{"4-byte max", 1073741823, []byte{0xBF, 0xFF, 0xFF, 0xFF}},
		{"8-byte min", 1073741824, []byte{0xC0, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00, 0x00}},
		{"zero", 0, []byte{0x00}},
		{"42", 42, []byte{0x2A}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, 8)
			n := putVarint(buf, tt.value)
			if n != len(tt.want) {
				t.Errorf("putVarint() length = %d, want %d", n, len(tt.want))
			}
			if !bytes.Equal(buf[:n], tt.want) {
				t.Errorf("putVarint() = %x, want %x", buf[:n], tt.want)
			}

			buf2, err := appendVarint(nil, tt.value)
			if err != nil {
				t.Fatalf("appendVarint() error = %v", err)
			}
			if !bytes.Equal(buf2, tt.want) {
				t.Errorf("appendVarint() = %x, want %x", buf2, tt.want)
			}
		})
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 63, 64, 16383, 16384, 1073741823, 1073741824, 4611686018427387903}
	for _, v := range values {
		buf, err := appendVarint(nil, v)
		if err != nil {
			t.Fatalf("appendVarint(%d) error = %v", v, err)
		}
		got, n, err := parseVarint(buf)
		if err != nil {
			t.Fatalf("parseVarint(%x) error = %v", buf, err)
		}
		if got != v || n != len(buf) {
			t.Errorf("round trip %d -> %x -> got=%d n=%d, want n=%d", v, buf, got, n, len(buf))
		}
	}
}

func TestVarintTruncated(t *testing.T) {
	_, _, err := parseVarint([]byte{0x80, 0x00})
	if err != ErrVarintTrunc {
		t.Errorf("parseVarint() error = %v, want %v", err, ErrVarintTrunc)
	}
}

func TestConnectionIDEqual(t *testing.T) {
	a := ConnectionID{1, 2, 3}
	b := ConnectionID{1, 2, 3}
	c := ConnectionID{1, 2}

	if !a.Equal(b) {
		t.Error("expected equal CIDs to compare equal")
	}
	if a.Equal(c) {
		t.Error("expected different-length CIDs to compare unequal")
	}
}

func TestGenerateConnectionIDLength(t *testing.T) {
	cid, err := GenerateConnectionID(8)
	if err != nil {
		t.Fatalf("GenerateConnectionID() error = %v", err)
	}
	if len(cid) != 8 {
		t.Errorf("len(cid) = %d, want 8", len(cid))
	}

	if _, err := GenerateConnectionID(MaxConnectionIDLen + 1); err == nil {
		t.Error("expected error generating an over-length CID")
	}
}
