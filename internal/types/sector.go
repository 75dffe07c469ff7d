package types

import (
	"encoding/binary"
	"fmt"
)

// SectorIndex is a 128-bit XTS-N data unit number.
// The firmware encodes it big-endian, high half first, before encrypting it
// with the tweak key. Indices below 2^64 have Hi == 0.
type SectorIndex struct {
	Hi uint64
	Lo uint64
}

// SectorIndexFromUint64 returns the index n with a zero high half.
func SectorIndexFromUint64(n uint64) SectorIndex {
	return SectorIndex{Lo: n}
}

// Add returns s+n, carrying from Lo into Hi. Hi wraps at 2^64.
func (s SectorIndex) Add(n uint64) SectorIndex {
	lo := s.Lo + n
	hi := s.Hi
	if lo < s.Lo {
		hi++
	}
	return SectorIndex{Hi: hi, Lo: lo}
}

// Bytes returns the big-endian 16-byte encoding fed to the tweak cipher.
func (s SectorIndex) Bytes() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], s.Hi)
	binary.BigEndian.PutUint64(b[8:16], s.Lo)
	return b
}

// IsWide reports whether the index needs more than 64 bits.
func (s SectorIndex) IsWide() bool {
	return s.Hi != 0
}

func (s SectorIndex) String() string {
	if !s.IsWide() {
		return fmt.Sprintf("0x%x", s.Lo)
	}
	return fmt.Sprintf("0x%x%016x", s.Hi, s.Lo)
}
