// Package token generates and verifies the shared-secret tokens that
// authenticate a relay client's Auth message.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"io"
)

// tokenEncoding is standard base32 (RFC 4648, A-Z 2-7) without padding.
// Every character is safe for use in a config file value or CLI flag — no
// quoting or escaping required.
var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generate returns a cryptographically random token string.
//
// Entropy: 32 bytes (256 bits).
// Encoding: base32 no-padding, 52 characters, alphabet [A-Z2-7].
func Generate() string {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic("token: failed to read random bytes: " + err.Error())
	}
	return tokenEncoding.EncodeToString(b)
}

// ConstantTimeEqual reports whether a and b are the same token, comparing in
// time independent of where they first differ. This is the only comparison
// the server needs: ServerConfig's token list is matched by plain exact
// equality against each configured entry, and bcrypt's per-call salt has no
// role here since there is no stored hash to look a token up by.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
