// Package checksum fingerprints serialized snapshot payloads.
package checksum

import (
	"fmt"
	"hash/crc32"
)

// Size is the length of a checksum string.
const Size = 8

// Sum returns the CRC-32 (IEEE) of payload as 8 lowercase hex characters.
// It detects corruption; it is not a cryptographic integrity check.
func Sum(payload []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(payload))
}

// SumString is Sum over the bytes of s.
func SumString(s string) string {
	return Sum([]byte(s))
}

// Verify reports whether payload matches want.
func Verify(payload []byte, want string) bool {
	return Sum(payload) == want
}
