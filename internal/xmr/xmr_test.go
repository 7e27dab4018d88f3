package xmr

import (
	"strings"
	"testing"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
	"github.com/Cyrix126/bch-xmr-swap/internal/crypto"
)

func testRNG(t *testing.T, tag byte) *crypto.TradeRNG {
	t.Helper()
	var seed [32]byte
	for i := range seed {
		seed[i] = tag
	}
	rng, err := crypto.NewTradeRNG(seed)
	if err != nil {
		t.Fatalf("failed to create rng: %v", err)
	}
	return rng
}

func TestDeriveShared(t *testing.T) {
	rng := testRNG(t, 0x31)

	aSpend, _ := crypto.NewSpendScalar(rng)
	bSpend, _ := crypto.NewSpendScalar(rng)
	aView, _ := crypto.RandomEdScalar(rng)
	bView, _ := crypto.RandomEdScalar(rng)

	shared, err := DeriveShared(aSpend.EdPoint(), bSpend.EdPoint(), aView, bView, chain.Mainnet)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}

	// Mainnet standard addresses start with '4'.
	if !strings.HasPrefix(shared.Address, "4") {
		t.Errorf("unexpected mainnet address prefix: %s", shared.Address)
	}
	if len(shared.Address) != 95 {
		t.Errorf("address length = %d, want 95", len(shared.Address))
	}

	// Both orders of addends produce the same address.
	flipped, err := DeriveShared(bSpend.EdPoint(), aSpend.EdPoint(), bView, aView, chain.Mainnet)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if flipped.Address != shared.Address {
		t.Error("address depends on addend order")
	}

	// The combined spend secret matches the aggregate spend key.
	combined, err := SpendSecret(aSpend, bSpend)
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	if !shared.VerifySpendSecret(combined) {
		t.Error("combined spend secret rejected")
	}

	// A half key alone must not verify.
	if shared.VerifySpendSecret(aSpend.Ed()) {
		t.Error("half spend key accepted")
	}
}

func TestDeriveSharedStagenet(t *testing.T) {
	rng := testRNG(t, 0x32)

	aSpend, _ := crypto.NewSpendScalar(rng)
	bSpend, _ := crypto.NewSpendScalar(rng)
	aView, _ := crypto.RandomEdScalar(rng)
	bView, _ := crypto.RandomEdScalar(rng)

	shared, err := DeriveShared(aSpend.EdPoint(), bSpend.EdPoint(), aView, bView, chain.Testnet)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	// Stagenet standard addresses start with '5'.
	if !strings.HasPrefix(shared.Address, "5") {
		t.Errorf("unexpected stagenet address prefix: %s", shared.Address)
	}
}

func TestDeriveSharedRejectsNil(t *testing.T) {
	rng := testRNG(t, 0x33)
	aSpend, _ := crypto.NewSpendScalar(rng)
	aView, _ := crypto.RandomEdScalar(rng)

	if _, err := DeriveShared(aSpend.EdPoint(), nil, aView, nil, chain.Mainnet); err == nil {
		t.Error("expected error for missing key material")
	}
}
