package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"filippo.io/edwards25519"

	"github.com/Cyrix126/bch-xmr-swap/pkg/helpers"
)

// The cross-group DLEQ proof shows that a secp256k1 point P1 and an
// ed25519 point P2 are images of the same scalar witness under the two
// base points. The witness is a SpendScalar (below 2^251), the
// challenge is 128 bits, and the response is computed over the
// integers so a single response verifies in both groups:
//
//	z = k + c*x          (no modular reduction)
//	z*G  == A1 + c*P1    (mod secp256k1 order)
//	z*B  == A2 + c*P2    (mod ed25519 order)
//
// The nonce k is drawn with 379 bits so z statistically hides x.

const (
	dleqChallengeSize = 16
	dleqNonceBytes    = 48 // top 5 bits of the first byte cleared -> 379 bits
	dleqResponseSize  = 48
)

var dleqDomain = []byte("bch-xmr-swap/dleq/v1")

// DleqProof is a non-interactive cross-group discrete-log-equality proof.
type DleqProof struct {
	CommitSecp []byte // 33-byte compressed secp256k1 commitment
	CommitEd   []byte // 32-byte ed25519 commitment
	Response   []byte // 48-byte big-endian integer response
}

// DleqProve produces a proof for the witness x binding x*G (secp) and
// x*B (ed25519).
func DleqProve(x *SpendScalar, rng io.Reader) (*DleqProof, error) {
	p1 := x.SecpPoint()
	p2 := x.EdPoint()

	nonce := make([]byte, dleqNonceBytes)
	if _, err := io.ReadFull(rng, nonce); err != nil {
		return nil, fmt.Errorf("rng read failed: %w", err)
	}
	nonce[0] &= 0x07
	k := new(big.Int).SetBytes(nonce)

	a1 := SecpBaseMult(secpScalarFromBig(k))
	a2 := EdBaseMult(edScalarFromBig(k))

	c := dleqChallenge(a1.Bytes(), a2.Bytes(), p1.Bytes(), p2.Bytes())

	// z = k + c*x over the integers
	z := new(big.Int).Mul(c, x.BigInt())
	z.Add(z, k)

	resp := make([]byte, dleqResponseSize)
	z.FillBytes(resp)

	return &DleqProof{
		CommitSecp: a1.Bytes(),
		CommitEd:   a2.Bytes(),
		Response:   resp,
	}, nil
}

// DleqVerify checks a proof against the claimed point pair. Any
// tampering of the proof or the points fails with ErrInvalidDleq.
func DleqVerify(p1 *SecpPoint, p2 *edwards25519.Point, proof *DleqProof) error {
	if proof == nil || len(proof.Response) != dleqResponseSize {
		return ErrInvalidDleq
	}

	a1, err := ParseSecpPoint(proof.CommitSecp)
	if err != nil {
		return fmt.Errorf("%w: bad secp commitment", ErrInvalidDleq)
	}
	a2, err := ParseEdPoint(proof.CommitEd)
	if err != nil {
		return fmt.Errorf("%w: bad ed25519 commitment", ErrInvalidDleq)
	}

	c := dleqChallenge(proof.CommitSecp, proof.CommitEd, p1.Bytes(), p2.Bytes())
	z := new(big.Int).SetBytes(proof.Response)

	// secp256k1 side: z*G == A1 + c*P1
	left1 := SecpBaseMult(secpScalarFromBig(z))
	right1 := SecpAdd(a1, SecpMult(secpScalarFromBig(c), p1))
	if !left1.Equal(right1) {
		return ErrInvalidDleq
	}

	// ed25519 side: z*B == A2 + c*P2
	left2 := EdBaseMult(edScalarFromBig(z))
	right2 := EdAdd(a2, new(edwards25519.Point).ScalarMult(edScalarFromBig(c), p2))
	if left2.Equal(right2) != 1 {
		return ErrInvalidDleq
	}

	return nil
}

// dleqChallenge derives the 128-bit Fiat-Shamir challenge.
func dleqChallenge(a1, a2, p1, p2 []byte) *big.Int {
	h := sha256.New()
	h.Write(dleqDomain)
	h.Write(a1)
	h.Write(a2)
	h.Write(p1)
	h.Write(p2)
	digest := h.Sum(nil)
	return new(big.Int).SetBytes(digest[:dleqChallengeSize])
}

// Hex encodes the proof for the wire (commitments then response).
func (p *DleqProof) Hex() string {
	buf := make([]byte, 0, 33+32+dleqResponseSize)
	buf = append(buf, p.CommitSecp...)
	buf = append(buf, p.CommitEd...)
	buf = append(buf, p.Response...)
	return helpers.BytesToHex(buf)
}

// ParseDleqProofHex decodes a proof from its wire encoding.
func ParseDleqProofHex(s string) (*DleqProof, error) {
	raw, err := helpers.HexToFixed(s, 33+32+dleqResponseSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDleq, err)
	}
	return &DleqProof{
		CommitSecp: raw[:33],
		CommitEd:   raw[33:65],
		Response:   raw[65:],
	}, nil
}
