package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func testRNG(t *testing.T, tag byte) *TradeRNG {
	t.Helper()
	var seed [32]byte
	for i := range seed {
		seed[i] = tag
	}
	rng, err := NewTradeRNG(seed)
	if err != nil {
		t.Fatalf("failed to create rng: %v", err)
	}
	return rng
}

func TestTradeRNGDeterministic(t *testing.T) {
	a := testRNG(t, 0x11)
	b := testRNG(t, 0x11)
	c := testRNG(t, 0x22)

	bufA := make([]byte, 64)
	bufB := make([]byte, 64)
	bufC := make([]byte, 64)
	a.Read(bufA)
	b.Read(bufB)
	c.Read(bufC)

	if !bytes.Equal(bufA, bufB) {
		t.Error("same seed produced different streams")
	}
	if bytes.Equal(bufA, bufC) {
		t.Error("different seeds produced the same stream")
	}
}

func TestSpendScalarBothCurves(t *testing.T) {
	rng := testRNG(t, 0x01)

	x, err := NewSpendScalar(rng)
	if err != nil {
		t.Fatalf("failed to draw spend scalar: %v", err)
	}

	// Round-trip through the canonical encoding.
	parsed, err := ParseSpendScalar(x.Bytes())
	if err != nil {
		t.Fatalf("failed to parse spend scalar: %v", err)
	}
	if !bytes.Equal(parsed.Bytes(), x.Bytes()) {
		t.Error("spend scalar encoding not canonical")
	}

	// The same scalar must be valid on both curves.
	if x.SecpPoint() == nil || x.EdPoint() == nil {
		t.Fatal("point derivation failed")
	}

	// Values at or above 2^251 are rejected.
	bad := x.Bytes()
	bad[31] |= 0x08
	if _, err := ParseSpendScalar(bad); err == nil {
		t.Error("expected rejection of out-of-range scalar")
	}
}

func TestDleqProveVerify(t *testing.T) {
	rng := testRNG(t, 0x02)

	x, err := NewSpendScalar(rng)
	if err != nil {
		t.Fatalf("failed to draw spend scalar: %v", err)
	}

	proof, err := DleqProve(x, rng)
	if err != nil {
		t.Fatalf("failed to prove: %v", err)
	}

	if err := DleqVerify(x.SecpPoint(), x.EdPoint(), proof); err != nil {
		t.Fatalf("valid proof rejected: %v", err)
	}

	// Hex round trip.
	parsed, err := ParseDleqProofHex(proof.Hex())
	if err != nil {
		t.Fatalf("failed to parse proof hex: %v", err)
	}
	if err := DleqVerify(x.SecpPoint(), x.EdPoint(), parsed); err != nil {
		t.Fatalf("round-tripped proof rejected: %v", err)
	}
}

func TestDleqTamperDetection(t *testing.T) {
	rng := testRNG(t, 0x03)

	x, _ := NewSpendScalar(rng)
	y, _ := NewSpendScalar(rng)

	proof, err := DleqProve(x, rng)
	if err != nil {
		t.Fatalf("failed to prove: %v", err)
	}

	// Wrong point pair.
	if err := DleqVerify(y.SecpPoint(), x.EdPoint(), proof); !errors.Is(err, ErrInvalidDleq) {
		t.Errorf("expected ErrInvalidDleq for wrong secp point, got %v", err)
	}
	if err := DleqVerify(x.SecpPoint(), y.EdPoint(), proof); !errors.Is(err, ErrInvalidDleq) {
		t.Errorf("expected ErrInvalidDleq for wrong ed point, got %v", err)
	}

	// Every single-bit mutation of the response must fail.
	for i := 0; i < len(proof.Response); i++ {
		for bit := uint(0); bit < 8; bit++ {
			mutated := &DleqProof{
				CommitSecp: proof.CommitSecp,
				CommitEd:   proof.CommitEd,
				Response:   append([]byte(nil), proof.Response...),
			}
			mutated.Response[i] ^= 1 << bit
			if err := DleqVerify(x.SecpPoint(), x.EdPoint(), mutated); !errors.Is(err, ErrInvalidDleq) {
				t.Fatalf("bit flip at byte %d bit %d accepted", i, bit)
			}
		}
	}
}

func TestAdaptorSignDecryptRecover(t *testing.T) {
	rng := testRNG(t, 0x04)

	sk, err := RandomSecpScalar(rng)
	if err != nil {
		t.Fatalf("failed to draw key: %v", err)
	}
	pk := SecpBaseMult(sk)

	// Encryption secret and point.
	tSecret, err := RandomSecpScalar(rng)
	if err != nil {
		t.Fatalf("failed to draw secret: %v", err)
	}
	T := SecpBaseMult(tSecret)

	msg := DigestForDataSig([]byte("receiver output script"))

	pre, err := EncryptedSign(sk, msg, T, rng)
	if err != nil {
		t.Fatalf("encrypted sign failed: %v", err)
	}

	if err := VerifyEncrypted(pre, pk, msg, T); err != nil {
		t.Fatalf("valid pre-signature rejected: %v", err)
	}

	// Wrong public key must fail.
	other, _ := RandomSecpScalar(rng)
	if err := VerifyEncrypted(pre, SecpBaseMult(other), msg, T); !errors.Is(err, ErrInvalidAdaptor) {
		t.Errorf("expected ErrInvalidAdaptor for wrong pubkey, got %v", err)
	}

	// Decrypt and check against standard ECDSA verification.
	sig, err := Decrypt(pre, tSecret)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !VerifySignature(sig, pk, msg) {
		t.Fatal("decrypted signature failed ECDSA verification")
	}

	// Recover the exact secret.
	recovered, err := RecoverSecret(pre, sig, T)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if !recovered.Equals(tSecret) {
		t.Fatal("recovered secret differs from encryption secret")
	}
}

func TestAdaptorDERRoundTrip(t *testing.T) {
	rng := testRNG(t, 0x05)

	sk, _ := RandomSecpScalar(rng)
	tSecret, _ := RandomSecpScalar(rng)
	T := SecpBaseMult(tSecret)
	msg := DigestForDataSig([]byte("payload"))

	pre, err := EncryptedSign(sk, msg, T, rng)
	if err != nil {
		t.Fatalf("encrypted sign failed: %v", err)
	}
	sig, err := Decrypt(pre, tSecret)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}

	der := sig.SerializeDER()
	parsed, err := ParseSignatureDER(der)
	if err != nil {
		t.Fatalf("failed to parse DER: %v", err)
	}
	if !parsed.R.Equals(sig.R) || !parsed.S.Equals(sig.S) {
		t.Fatal("DER round trip changed signature values")
	}

	// Recovery still works from the parsed form, as it must when the
	// signature is lifted out of an on-chain unlocking script.
	recovered, err := RecoverSecret(pre, parsed, T)
	if err != nil {
		t.Fatalf("recover from parsed sig failed: %v", err)
	}
	if !recovered.Equals(tSecret) {
		t.Fatal("recovered secret differs after DER round trip")
	}
}

func TestAdaptorWireRoundTrip(t *testing.T) {
	rng := testRNG(t, 0x06)

	sk, _ := RandomSecpScalar(rng)
	pk := SecpBaseMult(sk)
	tSecret, _ := RandomSecpScalar(rng)
	T := SecpBaseMult(tSecret)
	msg := DigestForDataSig([]byte("wire"))

	pre, err := EncryptedSign(sk, msg, T, rng)
	if err != nil {
		t.Fatalf("encrypted sign failed: %v", err)
	}

	parsed, err := ParseAdaptorSigHex(pre.Hex())
	if err != nil {
		t.Fatalf("failed to parse pre-signature: %v", err)
	}
	if err := VerifyEncrypted(parsed, pk, msg, T); err != nil {
		t.Fatalf("round-tripped pre-signature rejected: %v", err)
	}

	// Truncated input is rejected.
	if _, err := ParseAdaptorSig(pre.Bytes()[:adaptorSigSize-1]); !errors.Is(err, ErrInvalidAdaptor) {
		t.Errorf("expected ErrInvalidAdaptor for truncated input, got %v", err)
	}
}
