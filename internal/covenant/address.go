// Package covenant - cashaddr encoding for Bitcoin Cash addresses.
// Minimal implementation of the cashaddr base32 format (prefix,
// 40-bit checksum) for P2PKH and P2SH payloads.
package covenant

import (
	"errors"
	"fmt"
	"strings"
)

// Address types carried in the cashaddr version byte.
const (
	AddrTypeP2PKH = 0
	AddrTypeP2SH  = 1
)

var (
	ErrInvalidAddress = errors.New("invalid cashaddr address")
)

var cashCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var cashCharsetRev = func() map[byte]byte {
	m := make(map[byte]byte, 32)
	for i := 0; i < len(cashCharset); i++ {
		m[cashCharset[i]] = byte(i)
	}
	return m
}()

// EncodeCashAddr encodes a 20-byte hash with the given type and network
// prefix ("bitcoincash", "bchtest", "bchreg").
func EncodeCashAddr(prefix string, addrType byte, hash []byte) (string, error) {
	if len(hash) != 20 {
		return "", fmt.Errorf("hash must be 20 bytes, got %d", len(hash))
	}
	if addrType != AddrTypeP2PKH && addrType != AddrTypeP2SH {
		return "", fmt.Errorf("unsupported address type: %d", addrType)
	}

	// Version byte: type in bits 3-6, size bits 0 for 160-bit hashes.
	payload := append([]byte{addrType << 3}, hash...)
	data, err := cashConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}

	values := append(cashPrefixExpand(prefix), data...)
	values = append(values, 0, 0, 0, 0, 0, 0, 0, 0)
	polymod := cashPolymod(values) ^ 1

	checksum := make([]byte, 8)
	for i := 0; i < 8; i++ {
		checksum[i] = byte((polymod >> uint(5*(7-i))) & 31)
	}

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(':')
	for _, d := range append(data, checksum...) {
		sb.WriteByte(cashCharset[d])
	}
	return sb.String(), nil
}

// DecodeCashAddr decodes a cashaddr address, checking the checksum
// against the expected prefix. Returns the type and 20-byte hash.
func DecodeCashAddr(addr, expectPrefix string) (byte, []byte, error) {
	addr = strings.ToLower(addr)
	idx := strings.IndexByte(addr, ':')
	if idx < 0 {
		addr = expectPrefix + ":" + addr
		idx = len(expectPrefix)
	}

	prefix := addr[:idx]
	if prefix != expectPrefix {
		return 0, nil, fmt.Errorf("%w: prefix %q, expected %q", ErrInvalidAddress, prefix, expectPrefix)
	}

	body := addr[idx+1:]
	if len(body) < 8 {
		return 0, nil, ErrInvalidAddress
	}

	data := make([]byte, len(body))
	for i := 0; i < len(body); i++ {
		v, ok := cashCharsetRev[body[i]]
		if !ok {
			return 0, nil, fmt.Errorf("%w: bad character %q", ErrInvalidAddress, body[i])
		}
		data[i] = v
	}

	values := append(cashPrefixExpand(prefix), data...)
	if cashPolymod(values) != 1 {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}

	payload, err := cashConvertBits(data[:len(data)-8], 5, 8, false)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(payload) != 21 {
		return 0, nil, fmt.Errorf("%w: unexpected payload size %d", ErrInvalidAddress, len(payload))
	}

	version := payload[0]
	addrType := (version >> 3) & 0x0f
	if version&0x07 != 0 {
		return 0, nil, fmt.Errorf("%w: unsupported hash size", ErrInvalidAddress)
	}

	return addrType, payload[1:], nil
}

// cashPrefixExpand maps the prefix characters to their low five bits,
// followed by a zero separator.
func cashPrefixExpand(prefix string) []byte {
	result := make([]byte, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		result[i] = prefix[i] & 0x1f
	}
	result[len(prefix)] = 0
	return result
}

// cashPolymod is the cashaddr BCH checksum function over 5-bit values.
func cashPolymod(values []byte) uint64 {
	gen := []uint64{0x98f2bc8e61, 0x79b76d99e2, 0xf33e5fb3c4, 0xae2eabe2a8, 0x1e4f43e470}
	c := uint64(1)
	for _, d := range values {
		c0 := c >> 35
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		for i := 0; i < 5; i++ {
			if (c0>>uint(i))&1 == 1 {
				c ^= gen[i]
			}
		}
	}
	return c
}

func cashConvertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc := uint32(0)
	bits := uint(0)
	var result []byte
	maxv := uint32((1 << toBits) - 1)

	for _, b := range data {
		if uint32(b)>>fromBits != 0 {
			return nil, errors.New("invalid data range")
		}
		acc = (acc << fromBits) | uint32(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			result = append(result, byte((acc>>bits)&maxv))
		}
	}

	if pad {
		if bits > 0 {
			result = append(result, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, errors.New("invalid padding")
	}

	return result, nil
}
