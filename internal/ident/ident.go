// Package ident produces the identifiers used for tasks, audit entries and
// pipelines. All ids are 26-character Crockford base32 ULIDs, so
// lexicographic order equals creation order and the id doubles as a stable
// tiebreaker in queue ordering.
package ident

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh ULID. Ids generated within the same millisecond remain
// strictly increasing thanks to the monotonic entropy source.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewAt returns a ULID with the timestamp component fixed at t. Used by tests
// that need deterministic ordering.
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// IsValid reports whether s parses as a ULID.
func IsValid(s string) bool {
	if len(s) != ulid.EncodedSize {
		return false
	}
	_, err := ulid.ParseStrict(strings.ToUpper(s))
	return err == nil
}

// Timestamp extracts the embedded creation time, or the zero time when s is
// not a ULID.
func Timestamp(s string) time.Time {
	parsed, err := ulid.ParseStrict(strings.ToUpper(s))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(parsed.Time())
}
