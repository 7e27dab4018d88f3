// Package oracle provides the daemon's read/watch/submit access to the
// two chains. Implementations are interchangeable capability sets: the
// live Electrum-Cash and Monero RPC clients, and an in-memory mock for
// tests. All methods are read-only with respect to keys; signing never
// happens here.
package oracle

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrUnavailable  = errors.New("oracle unavailable")
	ErrTxNotFound   = errors.New("transaction not found")
	ErrTxRejected   = errors.New("transaction rejected")
	ErrNotConnected = errors.New("oracle not connected")
)

// UTXO is an unspent output on the BCH side.
type UTXO struct {
	TxID   string
	Vout   uint32
	Value  int64
	Height int64
}

// ConfirmedTx is a transaction touching a watched address, with its
// raw bytes and confirmation count at scan time.
type ConfirmedTx struct {
	TxID          string
	Raw           []byte
	Confirmations int64
}

// Bch is the capability set against the Bitcoin Cash chain.
type Bch interface {
	// Connect establishes the connection.
	Connect(ctx context.Context) error
	// Close tears it down.
	Close() error

	// Submit broadcasts a raw transaction. Submitting an already-known
	// transaction returns its txid rather than failing.
	Submit(ctx context.Context, raw []byte) (string, error)

	// Confirmations returns the confirmation count of a transaction,
	// or ErrTxNotFound.
	Confirmations(ctx context.Context, txid string) (int64, error)

	// Height returns the current chain tip height.
	Height(ctx context.Context) (int64, error)

	// AddressHistory returns the confirmed transactions touching an
	// address with at least minConf confirmations.
	AddressHistory(ctx context.Context, address string, minConf int64) ([]ConfirmedTx, error)

	// UTXOs lists the unspent outputs of an address.
	UTXOs(ctx context.Context, address string) ([]UTXO, error)

	// Healthy probes liveness.
	Healthy(ctx context.Context) error
}

// Xmr is the capability set against the Monero daemon plus wallet RPC.
type Xmr interface {
	// Height returns the daemon's block count.
	Height(ctx context.Context) (uint64, error)

	// CreateViewWallet creates or reopens a watch-only wallet for an
	// address.
	CreateViewWallet(ctx context.Context, filename, address string, viewKey [32]byte, restoreHeight uint64) error

	// CreateSpendWallet recreates the wallet with the full spend key.
	CreateSpendWallet(ctx context.Context, filename, address string, viewKey, spendKey [32]byte, restoreHeight uint64) error

	// Balance returns unlocked and pending balances of a wallet file.
	Balance(ctx context.Context, filename string) (unlocked, pending uint64, err error)

	// SweepAll drains a wallet to dest, returning the tx hashes.
	SweepAll(ctx context.Context, filename, dest string) ([]string, error)

	// Transfer sends amount piconero from a spendable wallet file to
	// dest, returning the tx hash.
	Transfer(ctx context.Context, filename, dest string, amount uint64) (string, error)

	// Healthy probes liveness.
	Healthy(ctx context.Context) error
}
