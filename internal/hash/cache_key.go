package hash

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// CacheKey derives a stable key from parts. Each part is length-prefixed so
// ("ab","c") and ("a","bc") never collide.
func CacheKey(parts ...string) string {
	h := blake3.New()
	var n [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
