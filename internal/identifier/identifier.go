// Package identifier generates and validates the 26-character, time-ordered,
// collision-resistant identifiers used for every entity in the fact engine.
package identifier

import (
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrMalformed is returned when an externally supplied identifier does not
// match the expected lexical grammar.
var ErrMalformed = errors.New("identifier: malformed token")

// entropy is a package-level crypto/rand-backed reader; oklog/ulid wants an
// io.Reader, and crypto/rand.Reader is already safe for concurrent use.
var entropy io.Reader = rand.Reader

// New returns a fresh 26-character Crockford base32 ULID, time-prefixed so
// identifiers allocated close together sort and index close together.
func New() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewAt returns a ULID whose embedded timestamp component is t, useful for
// deterministic test fixtures.
func NewAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s matches the ULID lexical grammar: exactly 26
// Crockford base32 characters.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Accept returns s if it is a well-formed identifier, or a freshly generated
// one if s is empty. A non-empty, malformed s is rejected.
func Accept(s string) (string, error) {
	if s == "" {
		return New(), nil
	}

	if !Valid(strings.ToUpper(s)) {
		return "", ErrMalformed
	}

	return s, nil
}
