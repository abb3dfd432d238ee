// Package hexmem provides the hex<->byte codec used throughout the
// tree and filter packages. It corresponds to lib/hex.c and
// include/xmem.h in the original implementation; the manual allocator
// those files wrap does not have a Go analogue (allocation failures
// there are fatal, which in Go simply means "don't ignore the error"),
// so only the hex codec survives the port.
package hexmem

import "encoding/hex"

// Encode returns the lowercase hex encoding of b, matching the
// "<hex>" half of a "<algo>:<hex>" digest string.
func Encode(b []byte) string {
	return hex.EncodeToString(b)
}

// Decode parses a lowercase hex string into bytes. It mirrors
// hex_to_bin's role (turning a stored digest back into raw bytes for
// comparison) without the fixed-size destination buffer the C version
// required its caller to preallocate.
func Decode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// MustDecode is Decode but panics on malformed input. Use only for
// values already validated elsewhere (e.g. a digest that has already
// passed digest.Digest.Validate).
func MustDecode(s string) []byte {
	b, err := Decode(s)
	if err != nil {
		panic(err)
	}
	return b
}
