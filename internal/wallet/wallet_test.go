package wallet

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDeterministicDerivation(t *testing.T) {
	w1, err := New(testMnemonic, "", chain.Regtest)
	if err != nil {
		t.Fatalf("wallet failed: %v", err)
	}
	w2, err := New(testMnemonic, "", chain.Regtest)
	if err != nil {
		t.Fatalf("wallet failed: %v", err)
	}

	// Same mnemonic, same keys - that is what makes crash recovery of
	// a trade possible.
	if !w1.FundingKey().Key.Equals(&w2.FundingKey().Key) {
		t.Error("funding keys diverge")
	}
	if w1.TradeSeed("t1") != w2.TradeSeed("t1") {
		t.Error("trade seeds diverge")
	}
	if !bytes.Equal(w1.RecvScript("t1"), w2.RecvScript("t1")) {
		t.Error("receive scripts diverge")
	}

	// Different trades get different material.
	if w1.TradeSeed("t1") == w1.TradeSeed("t2") {
		t.Error("trade seeds collide across trades")
	}
	if bytes.Equal(w1.RecvScript("t1"), w1.RecvScript("t2")) {
		t.Error("receive scripts collide across trades")
	}

	// A passphrase changes everything.
	w3, _ := New(testMnemonic, "hunter2", chain.Regtest)
	if w1.TradeSeed("t1") == w3.TradeSeed("t1") {
		t.Error("passphrase ignored")
	}
}

func TestInvalidMnemonic(t *testing.T) {
	if _, err := New("not a valid mnemonic at all", "", chain.Regtest); !errors.Is(err, ErrBadMnemonic) {
		t.Errorf("expected ErrBadMnemonic, got %v", err)
	}
}

func TestGenerateMnemonic(t *testing.T) {
	m, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(strings.Fields(m)) != 24 {
		t.Errorf("expected 24 words, got %d", len(strings.Fields(m)))
	}
	if _, err := New(m, "", chain.Mainnet); err != nil {
		t.Errorf("generated mnemonic rejected: %v", err)
	}
}

func TestFundingAddressPrefix(t *testing.T) {
	tests := []struct {
		network chain.Network
		prefix  string
	}{
		{chain.Mainnet, "bitcoincash:"},
		{chain.Testnet, "bchtest:"},
		{chain.Regtest, "bchreg:"},
	}

	for _, tt := range tests {
		w, err := New(testMnemonic, "", tt.network)
		if err != nil {
			t.Fatalf("wallet failed: %v", err)
		}
		addr, err := w.FundingAddress()
		if err != nil {
			t.Fatalf("address failed: %v", err)
		}
		if !strings.HasPrefix(addr, tt.prefix) {
			t.Errorf("%s address = %s, want prefix %s", tt.network, addr, tt.prefix)
		}
	}
}
