package crypto

import (
	"fmt"
	"io"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// SecpPoint is a point on secp256k1 in affine coordinates.
type SecpPoint struct {
	inner secp256k1.JacobianPoint
}

// SecpOrder returns the secp256k1 group order as a big integer.
func SecpOrder() *big.Int {
	return new(big.Int).Set(secp256k1.S256().N)
}

// SecpBaseMult returns k*G on secp256k1.
func SecpBaseMult(k *secp256k1.ModNScalar) *SecpPoint {
	var p SecpPoint
	secp256k1.ScalarBaseMultNonConst(k, &p.inner)
	p.inner.ToAffine()
	return &p
}

// SecpMult returns k*P.
func SecpMult(k *secp256k1.ModNScalar, p *SecpPoint) *SecpPoint {
	var out SecpPoint
	secp256k1.ScalarMultNonConst(k, &p.inner, &out.inner)
	out.inner.ToAffine()
	return &out
}

// SecpAdd returns a+b.
func SecpAdd(a, b *SecpPoint) *SecpPoint {
	var out SecpPoint
	secp256k1.AddNonConst(&a.inner, &b.inner, &out.inner)
	out.inner.ToAffine()
	return &out
}

// Bytes returns the 33-byte compressed encoding.
func (p *SecpPoint) Bytes() []byte {
	pub := p.PubKey()
	return pub.SerializeCompressed()
}

// PubKey converts the point to a secp256k1 public key.
func (p *SecpPoint) PubKey() *secp256k1.PublicKey {
	var cp secp256k1.JacobianPoint
	cp.Set(&p.inner)
	cp.ToAffine()
	return secp256k1.NewPublicKey(&cp.X, &cp.Y)
}

// Equal reports whether two points are the same affine point.
func (p *SecpPoint) Equal(q *SecpPoint) bool {
	return p.inner.X.Equals(&q.inner.X) && p.inner.Y.Equals(&q.inner.Y)
}

// XScalar returns the affine x coordinate reduced mod the group order,
// as used in ECDSA signature construction.
func (p *SecpPoint) XScalar() *secp256k1.ModNScalar {
	var x secp256k1.ModNScalar
	x.SetBytes(p.inner.X.Bytes())
	return &x
}

// ParseSecpPoint decodes a 33-byte compressed point.
func ParseSecpPoint(b []byte) (*SecpPoint, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPointNotOnCurve, err)
	}
	var p SecpPoint
	pub.AsJacobian(&p.inner)
	p.inner.ToAffine()
	return &p, nil
}

// SecpPointFromPubKey converts a public key to a SecpPoint.
func SecpPointFromPubKey(pub *secp256k1.PublicKey) *SecpPoint {
	var p SecpPoint
	pub.AsJacobian(&p.inner)
	p.inner.ToAffine()
	return &p
}

// RandomSecpScalar draws a uniformly distributed nonzero scalar.
func RandomSecpScalar(rng io.Reader) (*secp256k1.ModNScalar, error) {
	for {
		b, err := read32(rng)
		if err != nil {
			return nil, err
		}
		var k secp256k1.ModNScalar
		overflow := k.SetBytes(&b)
		if overflow != 0 || k.IsZero() {
			continue
		}
		return &k, nil
	}
}

// ParseSecpScalar decodes a 32-byte big-endian scalar, rejecting values
// outside [1, N-1].
func ParseSecpScalar(b []byte) (*secp256k1.ModNScalar, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrScalarOutOfRange, len(b))
	}
	var k secp256k1.ModNScalar
	if overflow := k.SetBytes((*[32]byte)(b)); overflow != 0 {
		return nil, fmt.Errorf("%w: value exceeds group order", ErrScalarOutOfRange)
	}
	if k.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrScalarOutOfRange)
	}
	return &k, nil
}

// SecpScalarBytes returns the 32-byte big-endian encoding of k.
func SecpScalarBytes(k *secp256k1.ModNScalar) []byte {
	b := k.Bytes()
	return b[:]
}

// secpScalarFromBig reduces a non-negative big integer mod the group order.
func secpScalarFromBig(v *big.Int) *secp256k1.ModNScalar {
	reduced := new(big.Int).Mod(v, secp256k1.S256().N)
	buf := make([]byte, 32)
	reduced.FillBytes(buf)
	var k secp256k1.ModNScalar
	k.SetByteSlice(buf)
	return &k
}
