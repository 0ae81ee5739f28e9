// Package ids generates the lexicographically sortable, time-prefixed
// identifiers used for every long-lived entity in the gateway
// (billing entries, reservations, correlation/trace ids). Every ID is a
// 26-character Crockford base32 ULID; the Ledger rejects anything else
// (see Valid).
package ids

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Length is the fixed encoded length of every generated ID.
const Length = 26

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh monotonic ULID string. Safe for concurrent use.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewWithTime returns a ULID string stamped with the given time, for tests
// that need deterministic, ordered IDs.
func NewWithTime(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s is a syntactically well-formed ULID: the shape
// every gateway entity ID (and the Ledger's appendEntry guard) requires.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// MustValid panics with a descriptive message if s is not a valid ID. Used
// at component boundaries that must never accept a malformed identifier.
func MustValid(s string) {
	if !Valid(s) {
		panic(fmt.Sprintf("ids: %q is not a valid %d-character ULID", s, Length))
	}
}
