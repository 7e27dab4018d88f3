// Package xmr builds the two-party shared Monero address and drives the
// sweep of it once a party holds both halves of the spend key. All
// wallet operations go through the wallet oracle; this package only
// does the key arithmetic and address encoding.
package xmr

import (
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
	"github.com/Cyrix126/bch-xmr-swap/internal/crypto"
)

var (
	ErrIncompleteKeys = errors.New("incomplete key material for shared address")
)

// SharedAddress is the aggregate wallet both parties watch. Each party
// contributes one addend of the spend key and one addend of the view
// key; the full view secret is known to both sides (each can see
// incoming funds), the full spend secret to neither until a covenant
// spend reveals the counterparty's half.
type SharedAddress struct {
	SpendPub   *edwards25519.Point
	ViewSecret *edwards25519.Scalar
	ViewPub    *edwards25519.Point

	Address string

	// RestoreHeight is the daemon height when the view wallet was
	// created; passed to generate_from_keys so the wallet does not scan
	// from genesis.
	RestoreHeight uint64
}

// DeriveShared computes the shared address from the two spend public
// keys and the two view secret halves.
func DeriveShared(aSpendPub, bSpendPub *edwards25519.Point, aView, bView *edwards25519.Scalar, network chain.Network) (*SharedAddress, error) {
	if aSpendPub == nil || bSpendPub == nil || aView == nil || bView == nil {
		return nil, ErrIncompleteKeys
	}

	params, ok := chain.Get("XMR", network)
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}

	spendPub := crypto.EdAdd(aSpendPub, bSpendPub)
	viewSecret := new(edwards25519.Scalar).Add(aView, bView)
	viewPub := crypto.EdBaseMult(viewSecret)

	addr := EncodeAddress(params.AddressNetworkByte, spendPub, viewPub)

	return &SharedAddress{
		SpendPub:   spendPub,
		ViewSecret: viewSecret,
		ViewPub:    viewPub,
		Address:    addr,
	}, nil
}

// SpendSecret combines the two spend scalar halves into the full spend
// key. Only callable once the counterparty's half has been revealed on
// the BCH side.
func SpendSecret(mine, theirs *crypto.SpendScalar) (*edwards25519.Scalar, error) {
	if mine == nil || theirs == nil {
		return nil, ErrIncompleteKeys
	}
	return crypto.AddSpendScalars(mine, theirs), nil
}

// VerifySpendSecret checks that a combined spend secret matches the
// shared address's spend public key before any sweep is attempted.
func (s *SharedAddress) VerifySpendSecret(spend *edwards25519.Scalar) bool {
	return crypto.EdBaseMult(spend).Equal(s.SpendPub) == 1
}

// ViewSecretBytes returns the 32-byte view key for the wallet oracle.
func (s *SharedAddress) ViewSecretBytes() [32]byte {
	var out [32]byte
	copy(out[:], s.ViewSecret.Bytes())
	return out
}
