package xtsn

import (
	"crypto/cipher"

	"github.com/deploymenttheory/go-switchfs/internal/types"
)

// tweak is the per-block XEX mask. Its bytes are read as a little-endian
// 128-bit integer when advancing.
type tweak [blockSize]byte

// sectorTweak derives the first tweak of a sector by encrypting the
// big-endian sector index with the tweak key.
func sectorTweak(k cipher.Block, sector types.SectorIndex) tweak {
	var t tweak
	in := sector.Bytes()
	k.Encrypt(t[:], in[:])
	return t
}

// mul2 multiplies the tweak by x in GF(2^128) modulo
// x^128 + x^7 + x^2 + x + 1, with byte 0 holding the least significant bits.
func (t *tweak) mul2() {
	var carryIn byte
	for j := range t {
		carryOut := t[j] >> 7
		t[j] = (t[j] << 1) | carryIn
		carryIn = carryOut
	}
	if carryIn != 0 {
		// Dropping the carry removes x^128; the remaining reduction terms
		// x^7 + x^2 + x + 1 are 0x87.
		t[0] ^= 0x87
	}
}

// advance applies mul2 n times.
func (t *tweak) advance(n int) {
	for i := 0; i < n; i++ {
		t.mul2()
	}
}
