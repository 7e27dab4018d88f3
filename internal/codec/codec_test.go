package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m1 := &M1{
		ASpendSecp: "02" + repeatHex("11", 32),
		ASpendEd:   repeatHex("22", 32),
		AView:      repeatHex("33", 32),
		RefundPk:   "02" + repeatHex("44", 32),
		ClaimPk:    "03" + repeatHex("55", 32),
		Dleq:       repeatHex("66", 113),
		BchRecv:    repeatHex("77", 25),
		BchAmount:  100_000_000,
		XmrAmount:  100_000_000_000,
		Timelock1:  20,
		Timelock2:  20,
	}

	raw, err := Encode("trade-1", PhaseKeys1, m1)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	env, body, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.V != Version || env.TradeID != "trade-1" || env.Phase != PhaseKeys1 {
		t.Errorf("envelope fields wrong: %+v", env)
	}

	decoded, ok := body.(*M1)
	if !ok {
		t.Fatalf("wrong body type %T", body)
	}
	if *decoded != *m1 {
		t.Error("decode(encode(m)) != m")
	}

	// encode(decode(bytes)) == bytes for canonical input.
	reEncoded, err := Encode(env.TradeID, env.Phase, decoded)
	if err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}
	if !bytes.Equal(raw, reEncoded) {
		t.Errorf("re-encoding diverged:\n%s\n%s", raw, reEncoded)
	}
}

func TestDecodeRejections(t *testing.T) {
	valid, _ := Encode("t", PhaseAdaptor, &M3{VesClaimPresig: "00", SwaplockTxid: "aa"})

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{
			name:    "valid",
			data:    valid,
			wantErr: nil,
		},
		{
			name:    "not json",
			data:    []byte("not json"),
			wantErr: ErrMalformed,
		},
		{
			name:    "unknown phase",
			data:    []byte(`{"v":1,"tradeId":"t","phase":"mystery","body":{}}`),
			wantErr: ErrUnknownPhase,
		},
		{
			name:    "wrong version",
			data:    []byte(`{"v":9,"tradeId":"t","phase":"keys1","body":{}}`),
			wantErr: ErrBadVersion,
		},
		{
			name:    "missing trade id",
			data:    []byte(`{"v":1,"tradeId":"","phase":"keys1","body":{}}`),
			wantErr: ErrMalformed,
		},
		{
			name:    "unknown body field",
			data:    []byte(`{"v":1,"tradeId":"t","phase":"adaptor","body":{"ves_claim_presig":"00","swaplock_txid":"aa","extra":1}}`),
			wantErr: ErrMalformed,
		},
		{
			name:    "unknown envelope field",
			data:    []byte(`{"v":1,"tradeId":"t","phase":"adaptor","body":{},"extra":true}`),
			wantErr: ErrMalformed,
		},
		{
			name:    "trailing data",
			data:    append(append([]byte{}, valid...), []byte("{}")...),
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.data)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeUnknownPhase(t *testing.T) {
	if _, err := Encode("t", Phase("bogus"), &M1{}); !errors.Is(err, ErrUnknownPhase) {
		t.Errorf("expected ErrUnknownPhase, got %v", err)
	}
}

func repeatHex(b string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += b
	}
	return out
}
