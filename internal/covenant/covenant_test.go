package covenant

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
)

func testKeys(t *testing.T) (alice, bob *btcec.PrivateKey) {
	t.Helper()
	var err error
	if alice, err = btcec.NewPrivateKey(); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if bob, err = btcec.NewPrivateKey(); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return alice, bob
}

func testContract(t *testing.T) *ContractPair {
	t.Helper()
	aliceKey, bobKey := testKeys(t)
	bobSeize, _ := btcec.NewPrivateKey()

	cfg := &ContractConfig{
		MiningFee:       1000,
		Amount:          100_000_000,
		AliceRecvScript: P2PKHLockingScript(aliceKey.PubKey()),
		BobRecvScript:   P2PKHLockingScript(bobKey.PubKey()),
		AliceClaimPk:    aliceKey.PubKey().SerializeCompressed(),
		BobRefundPk:     bobKey.PubKey().SerializeCompressed(),
		BobClaimPk:      bobSeize.PubKey().SerializeCompressed(),
		Timelock1:       20,
		Timelock2:       20,
		Network:         chain.Regtest,
	}
	pair, err := NewContractPair(cfg)
	if err != nil {
		t.Fatalf("failed to build contract pair: %v", err)
	}
	return pair
}

func TestContractPairDeterministic(t *testing.T) {
	aliceKey, bobKey := testKeys(t)
	bobSeize, _ := btcec.NewPrivateKey()

	cfg := &ContractConfig{
		MiningFee:       1000,
		Amount:          100_000_000,
		AliceRecvScript: P2PKHLockingScript(aliceKey.PubKey()),
		BobRecvScript:   P2PKHLockingScript(bobKey.PubKey()),
		AliceClaimPk:    aliceKey.PubKey().SerializeCompressed(),
		BobRefundPk:     bobKey.PubKey().SerializeCompressed(),
		BobClaimPk:      bobSeize.PubKey().SerializeCompressed(),
		Timelock1:       20,
		Timelock2:       20,
		Network:         chain.Regtest,
	}

	// Two independent derivations must agree byte for byte: both
	// parties derive the pair on their own and pre-sign against it.
	a, err := NewContractPair(cfg)
	if err != nil {
		t.Fatalf("first derivation failed: %v", err)
	}
	b, err := NewContractPair(cfg)
	if err != nil {
		t.Fatalf("second derivation failed: %v", err)
	}

	if !bytes.Equal(a.SwaplockScript, b.SwaplockScript) {
		t.Error("swaplock scripts diverge")
	}
	if !bytes.Equal(a.RefundScript, b.RefundScript) {
		t.Error("refund scripts diverge")
	}
	if a.SwaplockAddress != b.SwaplockAddress {
		t.Error("swaplock addresses diverge")
	}
}

func TestSwaplockEmbedsRefundHash(t *testing.T) {
	pair := testContract(t)

	// The refund locking bytecode must appear inside the swaplock
	// script; that is how the covenant cycle is resolved.
	if !bytes.Contains(pair.SwaplockScript, pair.RefundLocking) {
		t.Error("swaplock script does not embed refund locking bytecode")
	}
}

func TestTemplateRecognition(t *testing.T) {
	pair := testContract(t)

	if err := MatchSwaplockTemplate(pair.SwaplockScript, &pair.Swaplock); err != nil {
		t.Errorf("canonical swaplock rejected: %v", err)
	}
	if err := MatchRefundTemplate(pair.RefundScript, &pair.Refund); err != nil {
		t.Errorf("canonical refund rejected: %v", err)
	}

	// A script with a mutated opcode must be rejected even when the
	// parameters still match.
	mutated := append([]byte(nil), pair.SwaplockScript...)
	mutated[0] ^= 0x01
	if err := MatchSwaplockTemplate(mutated, &pair.Swaplock); err == nil {
		t.Error("mutated swaplock accepted")
	} else if !errors.Is(err, ErrUnknownTemplate) && !errors.Is(err, ErrMalformedScript) {
		t.Errorf("unexpected rejection: %v", err)
	}

	// The refund script is not a swaplock.
	if err := MatchSwaplockTemplate(pair.RefundScript, &pair.Swaplock); err == nil {
		t.Error("refund script accepted as swaplock")
	}
}

func TestBuildSwaplockScriptValidation(t *testing.T) {
	valid := testContract(t)

	tests := []struct {
		name    string
		mutate  func(p *SwaplockParams)
		wantErr bool
	}{
		{
			name:   "valid",
			mutate: func(p *SwaplockParams) {},
		},
		{
			name:    "zero timelock",
			mutate:  func(p *SwaplockParams) { p.Timelock1 = 0 },
			wantErr: true,
		},
		{
			name:    "timelock too large",
			mutate:  func(p *SwaplockParams) { p.Timelock1 = 0x10000 },
			wantErr: true,
		},
		{
			name:    "short pubkey",
			mutate:  func(p *SwaplockParams) { p.AliceClaimPk = p.AliceClaimPk[:32] },
			wantErr: true,
		},
		{
			name:    "zero fee",
			mutate:  func(p *SwaplockParams) { p.MiningFee = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := valid.Swaplock
			tt.mutate(&params)
			_, err := BuildSwaplockScript(&params)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCashAddrRoundTrip(t *testing.T) {
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = byte(i * 7)
	}

	for _, prefix := range []string{"bitcoincash", "bchtest", "bchreg"} {
		addr, err := EncodeCashAddr(prefix, AddrTypeP2SH, hash)
		if err != nil {
			t.Fatalf("encode failed for %s: %v", prefix, err)
		}

		addrType, decoded, err := DecodeCashAddr(addr, prefix)
		if err != nil {
			t.Fatalf("decode failed for %s: %v", addr, err)
		}
		if addrType != AddrTypeP2SH {
			t.Errorf("wrong type: %d", addrType)
		}
		if !bytes.Equal(decoded, hash) {
			t.Error("hash round trip mismatch")
		}

		// Corrupt one character: checksum must catch it.
		corrupted := []byte(addr)
		last := corrupted[len(corrupted)-1]
		if last == 'q' {
			corrupted[len(corrupted)-1] = 'p'
		} else {
			corrupted[len(corrupted)-1] = 'q'
		}
		if _, _, err := DecodeCashAddr(string(corrupted), prefix); err == nil {
			t.Error("corrupted address accepted")
		}
	}
}

func TestDeterministicTransactions(t *testing.T) {
	pair := testContract(t)
	prev := Outpoint{
		TxID: "a3b1c59d3e0f4a5b6c7d8e9f0a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b",
		Vout: 0,
	}
	dataSig := bytes.Repeat([]byte{0x30, 0x45}, 35)[:70]

	// Identical inputs must yield byte-identical transactions.
	tx1, err := BuildClaimTx(pair, prev, dataSig)
	if err != nil {
		t.Fatalf("claim build failed: %v", err)
	}
	tx2, err := BuildClaimTx(pair, prev, dataSig)
	if err != nil {
		t.Fatalf("claim rebuild failed: %v", err)
	}

	raw1, _ := SerializeTx(tx1)
	raw2, _ := SerializeTx(tx2)
	if !bytes.Equal(raw1, raw2) {
		t.Error("claim transactions diverge")
	}

	// Round trip through the wire encoding.
	decoded, err := DeserializeTx(raw1)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if TxID(decoded) != TxID(tx1) {
		t.Error("txid changed across serialization")
	}
}

func TestRefundChain(t *testing.T) {
	pair := testContract(t)
	swaplockOut := Outpoint{
		TxID: "a3b1c59d3e0f4a5b6c7d8e9f0a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b",
		Vout: 0,
	}

	refundTx, err := BuildRefundTx(pair, swaplockOut)
	if err != nil {
		t.Fatalf("refund build failed: %v", err)
	}

	// The refund input must carry the T1 sequence for CSV.
	if refundTx.TxIn[0].Sequence != pair.Swaplock.Timelock1 {
		t.Errorf("refund sequence = %d, want %d", refundTx.TxIn[0].Sequence, pair.Swaplock.Timelock1)
	}
	// And pay exactly into the refund covenant, minus one fee.
	if !bytes.Equal(refundTx.TxOut[0].PkScript, pair.RefundLocking) {
		t.Error("refund does not pay the refund covenant")
	}
	if refundTx.TxOut[0].Value != pair.Amount-pair.MiningFee {
		t.Errorf("refund value = %d, want %d", refundTx.TxOut[0].Value, pair.Amount-pair.MiningFee)
	}

	// Chain the recover spend from the refund txid.
	dataSig := bytes.Repeat([]byte{0x44}, 71)
	recoverTx, err := BuildRecoverTx(pair, Outpoint{TxID: TxID(refundTx), Vout: 0}, dataSig)
	if err != nil {
		t.Fatalf("recover build failed: %v", err)
	}
	if !bytes.Equal(recoverTx.TxOut[0].PkScript, pair.Refund.AliceRecvScript) {
		t.Error("recover does not pay alice")
	}
	if recoverTx.TxOut[0].Value != pair.Amount-2*pair.MiningFee {
		t.Errorf("recover value = %d, want %d", recoverTx.TxOut[0].Value, pair.Amount-2*pair.MiningFee)
	}
}

func TestClassifySpend(t *testing.T) {
	pair := testContract(t)
	prev := Outpoint{
		TxID: "a3b1c59d3e0f4a5b6c7d8e9f0a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b",
		Vout: 0,
	}
	dataSig := bytes.Repeat([]byte{0x42}, 70)

	claimTx, _ := BuildClaimTx(pair, prev, dataSig)
	refundTx, _ := BuildRefundTx(pair, prev)
	recoverTx, _ := BuildRecoverTx(pair, prev, dataSig)
	seizeTx, _ := BuildSeizeTx(pair, prev, dataSig)

	if st, sig, err := pair.ClassifySpend(claimTx); err != nil || st != SpendClaim || !bytes.Equal(sig, dataSig) {
		t.Errorf("claim classify = %v %x %v", st, sig, err)
	}
	if st, sig, err := pair.ClassifySpend(refundTx); err != nil || st != SpendRefund || sig != nil {
		t.Errorf("refund classify = %v %x %v", st, sig, err)
	}
	if st, sig, err := pair.ClassifySpend(recoverTx); err != nil || st != SpendRecover || !bytes.Equal(sig, dataSig) {
		t.Errorf("recover classify = %v %x %v", st, sig, err)
	}
	if st, sig, err := pair.ClassifySpend(seizeTx); err != nil || st != SpendSeize || !bytes.Equal(sig, dataSig) {
		t.Errorf("seize classify = %v %x %v", st, sig, err)
	}

	// A foreign transaction is not a covenant spend.
	foreign, _ := BuildClaimTx(pair, prev, dataSig)
	foreign.TxIn[0].SignatureScript = []byte{0x51}
	if _, _, err := pair.ClassifySpend(foreign); !errors.Is(err, ErrUnknownSpend) {
		t.Errorf("expected ErrUnknownSpend, got %v", err)
	}
}

func TestForwardTx(t *testing.T) {
	key, destKey := testKeys(t)
	locking := P2PKHLockingScript(key.PubKey())
	dest := P2PKHLockingScript(destKey.PubKey())

	prev := SpendableOutput{
		Outpoint: Outpoint{
			TxID: "a3b1c59d3e0f4a5b6c7d8e9f0a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b",
			Vout: 1,
		},
		Value:   99_999_000,
		Locking: locking,
	}

	tx, err := BuildForwardTx(prev, dest, 1, key)
	if err != nil {
		t.Fatalf("forward build failed: %v", err)
	}
	if len(tx.TxOut) != 1 || !bytes.Equal(tx.TxOut[0].PkScript, dest) {
		t.Error("forward does not pay destination")
	}
	if tx.TxOut[0].Value != prev.Value-192 {
		t.Errorf("forward value = %d, want %d", tx.TxOut[0].Value, prev.Value-192)
	}
	// Signature script carries sig and pubkey.
	pushes, err := scriptSigPushes(tx.TxIn[0].SignatureScript)
	if err != nil || len(pushes) != 2 {
		t.Fatalf("unexpected scriptSig shape: %v", err)
	}
	if pushes[0][len(pushes[0])-1] != sigHashAllForkID {
		t.Error("signature missing FORKID sighash byte")
	}

	// Fee exceeding value fails.
	poor := prev
	poor.Value = 100
	if _, err := BuildForwardTx(poor, dest, 1, key); err == nil {
		t.Error("expected error for unfundable forward")
	}
}
