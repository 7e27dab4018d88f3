package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/Cyrix126/bch-xmr-swap/pkg/helpers"
)

// One-time ECDSA adaptor signatures (VES). A pre-signature under
// (pk, msg, T) carries a same-curve DLEQ tying its two nonce points
// together; completing it with the decryption secret t (t*G = T)
// yields an ordinary ECDSA signature, and the pair (pre-signature,
// signature) lets anyone recover t. This is the bridge that turns a
// broadcast BCH signature into an off-chain scalar reveal.

var adaptorDomain = []byte("bch-xmr-swap/adaptor/v1")

// AdaptorSig is an encrypted (pre-) signature.
type AdaptorSig struct {
	// R = r*T, the nonce point whose x coordinate enters the signature.
	R *SecpPoint
	// RHat = r*G, proven to share the exponent r with R.
	RHat *SecpPoint
	// SHat = r^-1 (m + R.x * sk)
	SHat *secp256k1.ModNScalar

	// Chaum-Pedersen proof that log_G(RHat) == log_T(R).
	proofCommitG *SecpPoint
	proofCommitT *SecpPoint
	proofResp    *secp256k1.ModNScalar
}

// Signature is a completed ECDSA signature in (r, s) form.
type Signature struct {
	R *secp256k1.ModNScalar
	S *secp256k1.ModNScalar
}

// EncryptedSign produces a pre-signature for msg under sk, encrypted to
// the point T. The holder of t with t*G = T can complete it.
func EncryptedSign(sk *secp256k1.ModNScalar, msg [32]byte, T *SecpPoint, rng io.Reader) (*AdaptorSig, error) {
	var m secp256k1.ModNScalar
	m.SetBytes(&msg)

	for {
		r, err := RandomSecpScalar(rng)
		if err != nil {
			return nil, err
		}

		rHat := SecpBaseMult(r)
		R := SecpMult(r, T)
		rx := R.XScalar()
		if rx.IsZero() {
			continue
		}

		// sHat = r^-1 (m + rx*sk)
		var sHat secp256k1.ModNScalar
		sHat.Mul2(rx, sk).Add(&m)
		rInv := new(secp256k1.ModNScalar).Set(r)
		rInv.InverseNonConst()
		sHat.Mul(rInv)
		if sHat.IsZero() {
			continue
		}

		// DLEQ: log_G(rHat) == log_T(R), witness r.
		k, err := RandomSecpScalar(rng)
		if err != nil {
			return nil, err
		}
		commitG := SecpBaseMult(k)
		commitT := SecpMult(k, T)
		c := adaptorChallenge(commitG, commitT, rHat, R, T)
		// z = k + c*r
		z := new(secp256k1.ModNScalar).Mul2(c, r).Add(k)

		return &AdaptorSig{
			R:            R,
			RHat:         rHat,
			SHat:         &sHat,
			proofCommitG: commitG,
			proofCommitT: commitT,
			proofResp:    z,
		}, nil
	}
}

// VerifyEncrypted checks a pre-signature against (pk, msg, T) without
// decrypting it.
func VerifyEncrypted(pre *AdaptorSig, pk *SecpPoint, msg [32]byte, T *SecpPoint) error {
	if pre == nil || pre.SHat == nil || pre.SHat.IsZero() {
		return ErrInvalidAdaptor
	}

	// Nonce consistency proof: z*G == commitG + c*RHat and
	// z*T == commitT + c*R.
	c := adaptorChallenge(pre.proofCommitG, pre.proofCommitT, pre.RHat, pre.R, T)
	leftG := SecpBaseMult(pre.proofResp)
	rightG := SecpAdd(pre.proofCommitG, SecpMult(c, pre.RHat))
	if !leftG.Equal(rightG) {
		return ErrInvalidAdaptor
	}
	leftT := SecpMult(pre.proofResp, T)
	rightT := SecpAdd(pre.proofCommitT, SecpMult(c, pre.R))
	if !leftT.Equal(rightT) {
		return ErrInvalidAdaptor
	}

	// Signature equation: sHat*RHat == m*G + R.x*pk.
	var m secp256k1.ModNScalar
	m.SetBytes(&msg)
	left := SecpMult(pre.SHat, pre.RHat)
	right := SecpAdd(SecpBaseMult(&m), SecpMult(pre.R.XScalar(), pk))
	if !left.Equal(right) {
		return ErrInvalidAdaptor
	}

	return nil
}

// Decrypt completes the pre-signature with the secret t. The result is
// a standard ECDSA signature over msg under the signing key, with s
// normalized to the low half of the group order.
func Decrypt(pre *AdaptorSig, t *secp256k1.ModNScalar) (*Signature, error) {
	if t == nil || t.IsZero() {
		return nil, fmt.Errorf("%w: zero decryption secret", ErrInvalidAdaptor)
	}

	tInv := new(secp256k1.ModNScalar).Set(t)
	tInv.InverseNonConst()

	s := new(secp256k1.ModNScalar).Mul2(pre.SHat, tInv)
	if s.IsOverHalfOrder() {
		s.Negate()
	}

	return &Signature{R: pre.R.XScalar(), S: s}, nil
}

// RecoverSecret extracts the decryption secret from a pre-signature and
// the completed signature it produced. T is the encryption point the
// pre-signature was issued for; the recovered secret always satisfies
// t*G == T.
func RecoverSecret(pre *AdaptorSig, sig *Signature, T *SecpPoint) (*secp256k1.ModNScalar, error) {
	if sig == nil || sig.S == nil || sig.S.IsZero() {
		return nil, ErrInvalidAdaptor
	}
	if !sig.R.Equals(pre.R.XScalar()) {
		return nil, fmt.Errorf("%w: signature nonce mismatch", ErrInvalidAdaptor)
	}

	// s = sHat/t up to sign, so t = sHat/s or -sHat/s.
	sInv := new(secp256k1.ModNScalar).Set(sig.S)
	sInv.InverseNonConst()
	t := new(secp256k1.ModNScalar).Mul2(pre.SHat, sInv)

	if SecpBaseMult(t).Equal(T) {
		return t, nil
	}
	t.Negate()
	if SecpBaseMult(t).Equal(T) {
		return t, nil
	}
	return nil, ErrInvalidAdaptor
}

// VerifySignature checks a completed signature with standard ECDSA
// verification.
func VerifySignature(sig *Signature, pk *SecpPoint, msg [32]byte) bool {
	return secpecdsa.NewSignature(sig.R, sig.S).Verify(msg[:], pk.PubKey())
}

// SerializeDER encodes the signature in DER, the form OP_CHECKDATASIG
// consumes on the BCH side.
func (s *Signature) SerializeDER() []byte {
	return secpecdsa.NewSignature(s.R, s.S).Serialize()
}

// ParseSignatureDER decodes a DER signature into (r, s) scalars.
func ParseSignatureDER(der []byte) (*Signature, error) {
	// Validate with the library parser first, then pull r and s out of
	// the DER structure directly (the parsed form does not expose them).
	if _, err := secpecdsa.ParseDERSignature(der); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdaptor, err)
	}

	readInt := func(b []byte) (*secp256k1.ModNScalar, []byte, error) {
		if len(b) < 2 || b[0] != 0x02 {
			return nil, nil, ErrInvalidAdaptor
		}
		n := int(b[1])
		if n <= 0 || len(b) < 2+n {
			return nil, nil, ErrInvalidAdaptor
		}
		val := b[2 : 2+n]
		// Strip a leading zero pad and reject values wider than 32 bytes.
		for len(val) > 1 && val[0] == 0x00 {
			val = val[1:]
		}
		if len(val) > 32 {
			return nil, nil, ErrInvalidAdaptor
		}
		var sc secp256k1.ModNScalar
		if overflow := sc.SetByteSlice(val); overflow {
			return nil, nil, ErrInvalidAdaptor
		}
		return &sc, b[2+n:], nil
	}

	if len(der) < 2 || der[0] != 0x30 || int(der[1]) != len(der)-2 {
		return nil, ErrInvalidAdaptor
	}
	r, rest, err := readInt(der[2:])
	if err != nil {
		return nil, err
	}
	s, rest, err := readInt(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrInvalidAdaptor
	}
	return &Signature{R: r, S: s}, nil
}

// adaptorChallenge derives the Fiat-Shamir challenge binding the nonce
// proof to the encryption point.
func adaptorChallenge(commitG, commitT, rHat, R, T *SecpPoint) *secp256k1.ModNScalar {
	h := sha256.New()
	h.Write(adaptorDomain)
	h.Write(commitG.Bytes())
	h.Write(commitT.Bytes())
	h.Write(rHat.Bytes())
	h.Write(R.Bytes())
	h.Write(T.Bytes())
	digest := h.Sum(nil)
	var c secp256k1.ModNScalar
	c.SetByteSlice(digest)
	return &c
}

// Serialized pre-signature layout: R || RHat || SHat || commitG || commitT || resp.
const adaptorSigSize = 33 + 33 + 32 + 33 + 33 + 32

// Bytes returns the wire encoding of the pre-signature.
func (a *AdaptorSig) Bytes() []byte {
	buf := make([]byte, 0, adaptorSigSize)
	buf = append(buf, a.R.Bytes()...)
	buf = append(buf, a.RHat.Bytes()...)
	buf = append(buf, SecpScalarBytes(a.SHat)...)
	buf = append(buf, a.proofCommitG.Bytes()...)
	buf = append(buf, a.proofCommitT.Bytes()...)
	buf = append(buf, SecpScalarBytes(a.proofResp)...)
	return buf
}

// Hex returns the hex wire encoding.
func (a *AdaptorSig) Hex() string {
	return helpers.BytesToHex(a.Bytes())
}

// ParseAdaptorSig decodes a pre-signature from its wire encoding.
func ParseAdaptorSig(raw []byte) (*AdaptorSig, error) {
	if len(raw) != adaptorSigSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAdaptor, adaptorSigSize, len(raw))
	}

	R, err := ParseSecpPoint(raw[:33])
	if err != nil {
		return nil, fmt.Errorf("%w: bad R", ErrInvalidAdaptor)
	}
	rHat, err := ParseSecpPoint(raw[33:66])
	if err != nil {
		return nil, fmt.Errorf("%w: bad RHat", ErrInvalidAdaptor)
	}
	sHat, err := ParseSecpScalar(raw[66:98])
	if err != nil {
		return nil, fmt.Errorf("%w: bad SHat", ErrInvalidAdaptor)
	}
	commitG, err := ParseSecpPoint(raw[98:131])
	if err != nil {
		return nil, fmt.Errorf("%w: bad proof commitment", ErrInvalidAdaptor)
	}
	commitT, err := ParseSecpPoint(raw[131:164])
	if err != nil {
		return nil, fmt.Errorf("%w: bad proof commitment", ErrInvalidAdaptor)
	}
	resp, err := ParseSecpScalar(raw[164:196])
	if err != nil {
		return nil, fmt.Errorf("%w: bad proof response", ErrInvalidAdaptor)
	}

	return &AdaptorSig{
		R:            R,
		RHat:         rHat,
		SHat:         sHat,
		proofCommitG: commitG,
		proofCommitT: commitT,
		proofResp:    resp,
	}, nil
}

// ParseAdaptorSigHex decodes a pre-signature from hex.
func ParseAdaptorSigHex(s string) (*AdaptorSig, error) {
	raw, err := helpers.HexToBytes(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdaptor, err)
	}
	return ParseAdaptorSig(raw)
}

// DigestForDataSig returns the double-SHA256 digest OP_CHECKDATASIG
// effectively verifies when the single hash of data is pushed as the
// on-stack message.
func DigestForDataSig(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}
