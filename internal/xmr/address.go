package xmr

import (
	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

// Monero's base58 variant: the payload is encoded in 8-byte blocks of
// 11 characters each, with a fixed width for the final partial block.
var moneroBase58 = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// encodedBlockSizes[n] is the encoded width of an n-byte partial block.
var encodedBlockSizes = [9]int{0, 2, 3, 5, 6, 7, 9, 10, 11}

// EncodeAddress encodes a standard Monero address: network byte, spend
// public key, view public key, and a 4-byte Keccak-256 checksum.
func EncodeAddress(networkByte byte, spendPub, viewPub *edwards25519.Point) string {
	data := make([]byte, 0, 69)
	data = append(data, networkByte)
	data = append(data, spendPub.Bytes()...)
	data = append(data, viewPub.Bytes()...)

	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(data)
	checksum := hasher.Sum(nil)
	data = append(data, checksum[:4]...)

	return encodeBase58(data)
}

func encodeBase58(data []byte) string {
	var out []byte
	for len(data) > 0 {
		blockLen := len(data)
		if blockLen > 8 {
			blockLen = 8
		}
		out = append(out, encodeBlock(data[:blockLen])...)
		data = data[blockLen:]
	}
	return string(out)
}

func encodeBlock(block []byte) []byte {
	var num uint64
	for _, b := range block {
		num = num<<8 | uint64(b)
	}

	width := encodedBlockSizes[len(block)]
	out := make([]byte, width)
	for i := range out {
		out[i] = moneroBase58[0]
	}
	for i := width - 1; num > 0 && i >= 0; i-- {
		out[i] = moneroBase58[num%58]
		num /= 58
	}
	return out
}
