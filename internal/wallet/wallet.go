// Package wallet holds the daemon's key material: the bip39 master
// seed, the BCH funding and receiving keys, and the per-trade RNG
// seeds. Every key is derived deterministically from the mnemonic, so
// a restored wallet re-derives the exact keys of an interrupted trade.
package wallet

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
	"github.com/Cyrix126/bch-xmr-swap/internal/covenant"
)

var (
	ErrBadMnemonic = errors.New("invalid mnemonic")
)

// Wallet derives all local key material from a bip39 mnemonic.
type Wallet struct {
	seed    []byte
	network chain.Network
}

// New creates a wallet from a mnemonic phrase.
func New(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrBadMnemonic
	}
	return &Wallet{
		seed:    bip39.NewSeed(mnemonic, passphrase),
		network: network,
	}, nil
}

// NewFromFile loads the mnemonic from a file (one phrase, optionally
// followed by a passphrase line).
func NewFromFile(path string, network chain.Network) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mnemonic file: %w", err)
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	passphrase := ""
	if len(lines) == 2 {
		passphrase = strings.TrimSpace(lines[1])
	}
	return New(lines[0], passphrase, network)
}

// GenerateMnemonic produces a fresh 24-word mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// derive expands the master seed for a labeled purpose.
func (w *Wallet) derive(label string, n int) []byte {
	r := hkdf.New(sha256.New, w.seed, []byte("bch-xmr-swap"), []byte(label))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("hkdf expand failed: %v", err))
	}
	return out
}

// TradeSeed returns the 32-byte seed of a trade's deterministic RNG.
func (w *Wallet) TradeSeed(tradeID string) [32]byte {
	var seed [32]byte
	copy(seed[:], w.derive("trade-rng/"+tradeID, 32))
	return seed
}

// FundingKey is the key holding the wallet's spendable BCH.
func (w *Wallet) FundingKey() *btcec.PrivateKey {
	key, _ := btcec.PrivKeyFromBytes(w.derive("bch-funding", 32))
	return key
}

// RecvKey is the per-trade receiving key for terminal payouts.
func (w *Wallet) RecvKey(tradeID string) *btcec.PrivateKey {
	key, _ := btcec.PrivKeyFromBytes(w.derive("bch-recv/"+tradeID, 32))
	return key
}

// RecvScript is the P2PKH locking bytecode of the trade's receiving key.
func (w *Wallet) RecvScript(tradeID string) []byte {
	return covenant.P2PKHLockingScript(w.RecvKey(tradeID).PubKey())
}

// FundingScript is the P2PKH locking bytecode of the funding key.
func (w *Wallet) FundingScript() []byte {
	return covenant.P2PKHLockingScript(w.FundingKey().PubKey())
}

// FundingAddress is the cashaddr of the funding key.
func (w *Wallet) FundingAddress() (string, error) {
	params, ok := chain.Get("BCH", w.network)
	if !ok {
		return "", fmt.Errorf("unsupported network: %s", w.network)
	}
	pub := w.FundingKey().PubKey().SerializeCompressed()
	return covenant.EncodeCashAddr(params.CashAddrPrefix, covenant.AddrTypeP2PKH, btcutil.Hash160(pub))
}
