package helpers

import (
	"bytes"
	"testing"
)

func TestHexRoundTrip(t *testing.T) {
	b := []byte{0x00, 0x01, 0xfe, 0xff}
	s := BytesToHex(b)
	got, err := HexToBytes(s)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(got, b) {
		t.Error("round trip mismatch")
	}

	// 0x prefix tolerated on decode.
	got, err = HexToBytes("0x" + s)
	if err != nil || !bytes.Equal(got, b) {
		t.Error("0x-prefixed decode failed")
	}
}

func TestHexToFixed(t *testing.T) {
	if _, err := HexToFixed("aabb", 2); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := HexToFixed("aabb", 3); err == nil {
		t.Error("expected length error")
	}
	if _, err := HexToFixed("zz", 1); err == nil {
		t.Error("expected decode error")
	}
}

func TestCompareBytes(t *testing.T) {
	tests := []struct {
		a, b []byte
		want int
	}{
		{[]byte{1}, []byte{2}, -1},
		{[]byte{2}, []byte{1}, 1},
		{[]byte{1}, []byte{1}, 0},
		{[]byte{1}, []byte{1, 0}, -1},
		{[]byte{1, 0}, []byte{1}, 1},
		{nil, nil, 0},
	}
	for _, tt := range tests {
		if got := CompareBytes(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareBytes(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestReverseBytes(t *testing.T) {
	in := []byte{1, 2, 3}
	out := ReverseBytes(in)
	if !bytes.Equal(out, []byte{3, 2, 1}) {
		t.Errorf("reversed = %v", out)
	}
	// Input untouched.
	if !bytes.Equal(in, []byte{1, 2, 3}) {
		t.Error("input mutated")
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{100000000, 8, "1"},
		{150000000, 8, "1.5"},
		{1, 8, "0.00000001"},
		{100000000000, 12, "0.1"},
		{0, 8, "0"},
	}
	for _, tt := range tests {
		if got := FormatAmount(tt.amount, tt.decimals); got != tt.want {
			t.Errorf("FormatAmount(%d, %d) = %q, want %q", tt.amount, tt.decimals, got, tt.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		s        string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"1", 8, 100000000, false},
		{"1.5", 8, 150000000, false},
		{"0.00000001", 8, 1, false},
		{"", 8, 0, true},
		{"abc", 8, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.s, tt.decimals)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAmount(%q) expected error", tt.s)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseAmount(%q, %d) = %d, %v; want %d", tt.s, tt.decimals, got, err, tt.want)
		}
	}
}

func TestSatoshiPiconeroHelpers(t *testing.T) {
	if SatoshisToBCH(100_000_000) != "1" {
		t.Error("satoshi conversion wrong")
	}
	if PiconeroToXMR(100_000_000_000) != "0.1" {
		t.Error("piconero conversion wrong")
	}
	sat, err := BCHToSatoshis("0.5")
	if err != nil || sat != 50_000_000 {
		t.Errorf("BCHToSatoshis = %d, %v", sat, err)
	}
}
