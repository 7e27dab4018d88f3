package xmr

import (
	"context"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

var (
	ErrSpendKeyMismatch = errors.New("combined spend key does not match shared address")
)

// WalletOracle is the slice of the Monero wallet RPC the sweep needs.
// The oracle package provides the live implementation and a mock.
type WalletOracle interface {
	// CreateViewWallet creates (or reopens) a watch-only wallet for the
	// shared address.
	CreateViewWallet(ctx context.Context, filename, address string, viewKey [32]byte, restoreHeight uint64) error
	// CreateSpendWallet recreates the wallet with the full spend key so
	// funds can move.
	CreateSpendWallet(ctx context.Context, filename, address string, viewKey, spendKey [32]byte, restoreHeight uint64) error
	// Balance returns the unlocked and pending balances of the open wallet.
	Balance(ctx context.Context, filename string) (unlocked, pending uint64, err error)
	// SweepAll drains the open wallet to dest and returns the tx hashes.
	SweepAll(ctx context.Context, filename, dest string) ([]string, error)
}

// Sweeper drains a shared address once the full spend key is known.
type Sweeper struct {
	wallet WalletOracle
	log    *logging.Logger
}

// NewSweeper creates a sweeper bound to a wallet oracle.
func NewSweeper(wallet WalletOracle, log *logging.Logger) *Sweeper {
	if log == nil {
		log = logging.GetDefault().Component("xmr-sweep")
	}
	return &Sweeper{wallet: wallet, log: log}
}

// Sweep rebuilds the shared wallet with the combined spend key and
// sweeps everything to dest. The spend key is verified against the
// shared address before anything touches the wallet RPC.
func (s *Sweeper) Sweep(ctx context.Context, shared *SharedAddress, spendKey *edwards25519.Scalar, tradeID, dest string) ([]string, error) {
	if !shared.VerifySpendSecret(spendKey) {
		return nil, ErrSpendKeyMismatch
	}

	var spend [32]byte
	copy(spend[:], spendKey.Bytes())

	filename := tradeID + "_spend"
	if err := s.wallet.CreateSpendWallet(ctx, filename, shared.Address, shared.ViewSecretBytes(), spend, shared.RestoreHeight); err != nil {
		return nil, fmt.Errorf("failed to create spend wallet: %w", err)
	}

	hashes, err := s.wallet.SweepAll(ctx, filename, dest)
	if err != nil {
		return nil, fmt.Errorf("sweep failed: %w", err)
	}

	s.log.Info("Swept shared address", "trade_id", tradeID, "txs", len(hashes))
	return hashes, nil
}
