package crypto

import (
	"fmt"
	"io"
	"math/big"

	"filippo.io/edwards25519"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Cyrix126/bch-xmr-swap/pkg/helpers"
)

// edOrder is the prime order l of the ed25519 base point subgroup.
var edOrder, _ = new(big.Int).SetString(
	"7237005577332262213973186563042994240857116359379907606001950938285454250989", 10)

// EdBaseMult returns k*B on ed25519.
func EdBaseMult(k *edwards25519.Scalar) *edwards25519.Point {
	return new(edwards25519.Point).ScalarBaseMult(k)
}

// EdAdd returns a+b on ed25519.
func EdAdd(a, b *edwards25519.Point) *edwards25519.Point {
	return new(edwards25519.Point).Add(a, b)
}

// ParseEdPoint decodes a 32-byte ed25519 point.
func ParseEdPoint(b []byte) (*edwards25519.Point, error) {
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPointNotOnCurve, err)
	}
	return p, nil
}

// ParseEdScalar decodes a 32-byte little-endian canonical scalar.
func ParseEdScalar(b []byte) (*edwards25519.Scalar, error) {
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScalarOutOfRange, err)
	}
	return s, nil
}

// RandomEdScalar draws a uniformly distributed ed25519 scalar.
func RandomEdScalar(rng io.Reader) (*edwards25519.Scalar, error) {
	var wide [64]byte
	if _, err := io.ReadFull(rng, wide[:]); err != nil {
		return nil, fmt.Errorf("rng read failed: %w", err)
	}
	s, err := new(edwards25519.Scalar).SetUniformBytes(wide[:])
	if err != nil {
		return nil, err
	}
	return s, nil
}

// edScalarFromBig reduces a non-negative big integer mod l.
func edScalarFromBig(v *big.Int) *edwards25519.Scalar {
	reduced := new(big.Int).Mod(v, edOrder)
	buf := make([]byte, 32)
	reduced.FillBytes(buf)
	s, _ := new(edwards25519.Scalar).SetCanonicalBytes(helpers.ReverseBytes(buf))
	return s
}

// SpendScalar is the linking secret: a single scalar interpreted on
// both curves. It is drawn below 2^251 so its canonical value is
// identical mod either group order, which is what the DLEQ proof
// attests.
//
// The stored form is 32 bytes little-endian.
type SpendScalar struct {
	le [32]byte
}

// NewSpendScalar draws a linking secret from the trade RNG.
func NewSpendScalar(rng io.Reader) (*SpendScalar, error) {
	b, err := read32(rng)
	if err != nil {
		return nil, err
	}
	// Clear the top five bits so the value fits under both group orders.
	b[31] &= 0x07
	if helpers.IsZeroBytes(b[:]) {
		return NewSpendScalar(rng)
	}
	s := &SpendScalar{le: b}
	return s, nil
}

// ParseSpendScalar decodes a 32-byte little-endian spend scalar.
func ParseSpendScalar(b []byte) (*SpendScalar, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrScalarOutOfRange, len(b))
	}
	if b[31]&0xf8 != 0 {
		return nil, fmt.Errorf("%w: spend scalar exceeds 2^251", ErrScalarOutOfRange)
	}
	if helpers.IsZeroBytes(b) {
		return nil, fmt.Errorf("%w: zero scalar", ErrScalarOutOfRange)
	}
	var s SpendScalar
	copy(s.le[:], b)
	return &s, nil
}

// Bytes returns the canonical 32-byte little-endian encoding.
func (s *SpendScalar) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, s.le[:])
	return out
}

// BigInt returns the scalar as a big integer.
func (s *SpendScalar) BigInt() *big.Int {
	return new(big.Int).SetBytes(helpers.ReverseBytes(s.le[:]))
}

// Secp returns the scalar on secp256k1.
func (s *SpendScalar) Secp() *secp256k1.ModNScalar {
	return secpScalarFromBig(s.BigInt())
}

// Ed returns the scalar on ed25519.
func (s *SpendScalar) Ed() *edwards25519.Scalar {
	sc, _ := new(edwards25519.Scalar).SetCanonicalBytes(s.le[:])
	return sc
}

// SecpPoint returns s*G on secp256k1.
func (s *SpendScalar) SecpPoint() *SecpPoint {
	return SecpBaseMult(s.Secp())
}

// EdPoint returns s*B on ed25519.
func (s *SpendScalar) EdPoint() *edwards25519.Point {
	return EdBaseMult(s.Ed())
}

// AddSpendScalars adds two spend scalars mod l, yielding the combined
// XMR spend secret once both halves are known.
func AddSpendScalars(a, b *SpendScalar) *edwards25519.Scalar {
	return new(edwards25519.Scalar).Add(a.Ed(), b.Ed())
}
