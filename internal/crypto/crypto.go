// Package crypto implements the cryptographic primitives the swap
// protocol is built from: scalar and point arithmetic on secp256k1 and
// ed25519, the cross-group discrete-log-equality proof that binds a
// spend scalar to both curves, and the one-time verifiably encrypted
// (adaptor) ECDSA signature scheme used on the BCH side.
package crypto

import "errors"

// Primitive errors
var (
	ErrInvalidDleq      = errors.New("invalid dleq proof")
	ErrInvalidAdaptor   = errors.New("invalid adaptor signature")
	ErrPointNotOnCurve  = errors.New("point not on curve")
	ErrScalarOutOfRange = errors.New("scalar out of range")
)
