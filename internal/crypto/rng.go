package crypto

import (
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
)

// TradeRNG is a deterministic CSPRNG seeded once per trade. Both key
// generation and nonce generation for a trade draw from it, so a trade
// replayed from the same seed produces identical key material (which is
// what makes the protocol test vectors reproducible). Seeds MUST never
// be reused across trades; the wallet derives them per trade id.
type TradeRNG struct {
	cipher *chacha20.Cipher
}

// NewTradeRNG creates a deterministic reader from a 32-byte seed.
func NewTradeRNG(seed [32]byte) (*TradeRNG, error) {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create rng cipher: %w", err)
	}
	return &TradeRNG{cipher: c}, nil
}

// Read fills p with keystream bytes. Never returns an error.
func (r *TradeRNG) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	r.cipher.XORKeyStream(p, p)
	return len(p), nil
}

var _ io.Reader = (*TradeRNG)(nil)

// read32 draws a fixed 32 bytes from an io.Reader.
func read32(rng io.Reader) ([32]byte, error) {
	var out [32]byte
	if _, err := io.ReadFull(rng, out[:]); err != nil {
		return out, fmt.Errorf("rng read failed: %w", err)
	}
	return out, nil
}
