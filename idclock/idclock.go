// Package idclock reads creation times out of lexicographically sortable
// identifiers (ULID layout: 10 timestamp chars followed by 16 random chars).
package idclock

import (
	"crypto/rand"
	"strings"
	"time"
)

const (
	// Alphabet is the Crockford base-32 alphabet used by identifiers.
	Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

	// Len is the length of a well formed identifier.
	Len = 26

	timeLen = 10
)

// decoding table, 0xFF marks a byte outside the alphabet.
var dec [256]byte

func init() {
	for i := range dec {
		dec[i] = 0xFF
	}
	for i := 0; i < len(Alphabet); i++ {
		c := Alphabet[i]
		dec[c] = byte(i)
		dec[strings.ToLower(string(c))[0]] = byte(i)
	}
}

// Millis returns the milliseconds since unix epoch encoded in id.
// ok is false when id has the wrong length or a byte outside the alphabet.
func Millis(id string) (ms int64, ok bool) {
	if len(id) != Len {
		return 0, false
	}
	for i := 0; i < Len; i++ {
		if dec[id[i]] == 0xFF {
			return 0, false
		}
	}
	for i := 0; i < timeLen; i++ {
		ms = ms<<5 | int64(dec[id[i]])
	}
	return ms, true
}

// Timestamp returns the creation time encoded in id. Malformed ids yield
// time.Now(): the value only breaks sort ties and must never fail a caller.
func Timestamp(id string) time.Time {
	ms, ok := Millis(id)
	if !ok {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// Valid reports whether id is a well formed identifier.
func Valid(id string) bool {
	_, ok := Millis(id)
	return ok
}

// New returns a fresh identifier stamped with t.
func New(t time.Time) string {
	var out [Len]byte
	ms := uint64(t.UnixMilli())
	for i := timeLen - 1; i >= 0; i-- {
		out[i] = Alphabet[ms&0x1F]
		ms >>= 5
	}
	var entropy [Len - timeLen]byte
	_, _ = rand.Read(entropy[:])
	for i, b := range entropy {
		out[timeLen+i] = Alphabet[b&0x1F]
	}
	return string(out[:])
}
