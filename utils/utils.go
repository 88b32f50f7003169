package utils

///////////////////////////////////////////////////////////////////////////////
// Fast Loaders — Little-Endian Wire Fields
///////////////////////////////////////////////////////////////////////////////

// LoadLE16 reads a little-endian 16-bit word at any alignment.
//
//go:nosplit
//go:inline
func LoadLE16(b []byte) uint16 {
	_ = b[1] // bounds check hint
	return uint16(b[0]) | uint16(b[1])<<8
}

// LoadLE32 reads a little-endian 32-bit word at any alignment.
//
//go:nosplit
//go:inline
func LoadLE32(b []byte) uint32 {
	_ = b[3] // bounds check hint
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// LoadLE64 reads a little-endian 64-bit word at any alignment.
//
//go:nosplit
//go:inline
func LoadLE64(b []byte) uint64 {
	_ = b[7] // bounds check hint
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40 |
		uint64(b[6])<<48 | uint64(b[7])<<56
}

// StoreLE16 writes v little-endian into b[0:2].
//
//go:nosplit
//go:inline
func StoreLE16(b []byte, v uint16) {
	_ = b[1]
	b[0], b[1] = byte(v), byte(v>>8)
}

// StoreLE32 writes v little-endian into b[0:4].
//
//go:nosplit
//go:inline
func StoreLE32(b []byte, v uint32) {
	_ = b[3]
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// StoreLE64 writes v little-endian into b[0:8].
//
//go:nosplit
//go:inline
func StoreLE64(b []byte, v uint64) {
	_ = b[7]
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

///////////////////////////////////////////////////////////////////////////////
// Bulk Helpers
///////////////////////////////////////////////////////////////////////////////

// Fill sets every byte of b to v using doubling copies.
//
//go:nosplit
func Fill(b []byte, v byte) {
	if len(b) == 0 {
		return
	}
	b[0] = v
	for n := 1; n < len(b); n *= 2 {
		copy(b[n:], b[:n])
	}
}

// NextPow2 returns the smallest power of two ≥ n (n ≤ 0 yields 1).
//
//go:nosplit
//go:inline
func NextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
