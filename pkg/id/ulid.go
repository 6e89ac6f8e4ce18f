// Package id generates the sortable identifiers used for node instance ids
// and blob keys.
package id

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"strings"
	"time"
)

// Crockford's Base32 alphabet (excludes I, L, O, U to avoid confusion).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ErrInvalidULID is returned by ULIDTime for malformed input.
var ErrInvalidULID = errors.New("id: invalid ULID")

// NewULID generates a ULID: 10 characters of millisecond timestamp followed by
// 16 characters of randomness. ULIDs sort lexicographically by creation time.
func NewULID() string {
	var b [16]byte
	// 48-bit timestamp in the top six bytes, randomness in the remaining ten.
	binary.BigEndian.PutUint64(b[:8], uint64(time.Now().UnixMilli())<<16)
	if _, err := rand.Read(b[6:]); err != nil {
		// degraded but still unique per nanosecond
		binary.BigEndian.PutUint64(b[8:], uint64(time.Now().UnixNano()))
	}

	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])
	var out [26]byte
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = crockfordBase32[lo&0x1F]
		lo = lo>>5 | hi<<59
		hi >>= 5
	}
	return string(out[:])
}

// ULIDTime returns the creation time encoded in a ULID.
func ULIDTime(ulid string) (time.Time, error) {
	if len(ulid) != 26 {
		return time.Time{}, ErrInvalidULID
	}
	var ms uint64
	for _, c := range ulid[:10] {
		v := strings.IndexRune(crockfordBase32, c)
		if v < 0 {
			return time.Time{}, ErrInvalidULID
		}
		ms = ms<<5 | uint64(v)
	}
	if ms >= 1<<48 {
		return time.Time{}, ErrInvalidULID
	}
	return time.UnixMilli(int64(ms)), nil
}
