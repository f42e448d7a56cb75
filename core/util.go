package core

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"unicode"
)

// ErrNilKey is returned when a nil key is offered where a key is required.
var ErrNilKey = errors.New("nil key")

// B64enc is a URL-safe base64 encode that strips padding, the encoding used
// for every token and thumbprint in the protocol.
func B64enc(x []byte) string {
	return base64.RawURLEncoding.EncodeToString(x)
}

// B64dec is the inverse of B64enc.
func B64dec(x string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(x)
}

// NewToken produces a random string for challenge tokens and nonces using 32
// octets of entropy, base64url encoded.
func NewToken() string {
	return RandomString(32)
}

// NewName produces the random URL-safe name assigned to persisted entities.
// 12 octets gives 96 bits of entropy, the floor for unpredictable names.
func NewName() string {
	return RandomString(12)
}

// RandomString returns a randomly generated string of the requested byte
// length, base64url encoded. It panics if the system source of randomness
// fails; none of our callers can proceed without it.
func RandomString(byteLength int) string {
	b := make([]byte, byteLength)
	_, err := rand.Read(b)
	if err != nil {
		panic(fmt.Sprintf("Error reading random bytes: %s", err))
	}
	return B64enc(b)
}

// looksLikeAToken matches the base64url character set.
var looksLikeAToken = regexp.MustCompile(`^[A-Za-z0-9_-]+$`).MatchString

// LooksLikeAToken checks whether a string represents a decodable token.
func LooksLikeAToken(token string) bool {
	return looksLikeAToken(token)
}

// PublicKeysEqual determines whether two public keys are identical.
func PublicKeysEqual(a, b interface{}) (bool, error) {
	switch ak := a.(type) {
	case *rsa.PublicKey:
		return ak.Equal(b), nil
	case *ecdsa.PublicKey:
		return ak.Equal(b), nil
	default:
		return false, fmt.Errorf("unsupported public key type %T", a)
	}
}

// mailtoRE is a deliberately conservative sketch of the RFC 5322 addr-spec
// production: one local part, one @, a dotted domain with a letter-initial
// final label.
var mailtoRE = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidEmail checks that the argument is a plausible RFC 5322 email address.
// It intentionally rejects addresses with display names, angle brackets or
// non-ASCII characters: contact URIs must be machine-usable.
func ValidEmail(address string) bool {
	for _, r := range address {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return mailtoRE.MatchString(address)
}
