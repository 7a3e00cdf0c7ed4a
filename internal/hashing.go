package internal

import (
	"encoding/hex"

	"github.com/zeebo/xxh3"
)

// AsXXHash returns the hex XXHash128 of the given byte slices.
// Fast enough to hash every inbound payload, used to deduplicate
// re-sent device reports over the at-least-once transport.
func AsXXHash(inputs ...[]byte) string {
	h := xxh3.New()
	for _, input := range inputs {
		_, _ = h.Write(input)
	}
	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:])
}
