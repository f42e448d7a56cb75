package core

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/petra-ca/petra/test"
)

func TestB64RoundTrip(t *testing.T) {
	raw := []byte{0xff, 0x00, 0x3e, 0x3f, 0x01}
	encoded := B64enc(raw)
	test.AssertNotContains(t, encoded, "=")
	test.AssertNotContains(t, encoded, "+")
	test.AssertNotContains(t, encoded, "/")
	decoded, err := B64dec(encoded)
	test.AssertNotError(t, err, "decoding")
	test.AssertDeepEquals(t, decoded, raw)
}

func TestNewToken(t *testing.T) {
	token := NewToken()
	test.Assert(t, LooksLikeAToken(token), "NewToken output failed its own check")
	test.Assert(t, token != NewToken(), "two tokens were identical")

	test.Assert(t, !LooksLikeAToken("not/a/token"), "accepted invalid characters")
	test.Assert(t, !LooksLikeAToken(""), "accepted an empty token")
}

func TestNewName(t *testing.T) {
	name := NewName()
	test.AssertEquals(t, len(name), 16)
	test.Assert(t, LooksLikeAToken(name), "name is not URL safe")
	test.Assert(t, name != NewName(), "two names were identical")
}

func TestKeyAuthorization(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating key")
	jwk := &jose.JSONWebKey{Key: key.Public()}

	thumbprint, err := Thumbprint(jwk)
	test.AssertNotError(t, err, "computing thumbprint")

	keyAuth, err := KeyAuthorization("token", jwk)
	test.AssertNotError(t, err, "computing key authorization")
	test.AssertEquals(t, keyAuth, "token."+thumbprint)

	_, err = KeyAuthorization("token", nil)
	test.AssertErrorIs(t, err, ErrNilKey)
}

func TestPublicKeysEqual(t *testing.T) {
	a, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating key")
	b, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating key")

	equal, err := PublicKeysEqual(a.Public(), a.Public())
	test.AssertNotError(t, err, "comparing identical keys")
	test.Assert(t, equal, "identical keys compared unequal")

	equal, err = PublicKeysEqual(a.Public(), b.Public())
	test.AssertNotError(t, err, "comparing distinct keys")
	test.Assert(t, !equal, "distinct keys compared equal")

	_, err = PublicKeysEqual("not a key", a.Public())
	test.AssertError(t, err, "accepted a non-key argument")
}

func TestValidEmail(t *testing.T) {
	valid := []string{
		"admin@example.com",
		"first.last@sub.example.com",
		"user+tag@example.com",
	}
	for _, address := range valid {
		test.Assert(t, ValidEmail(address), "rejected valid address "+address)
	}
	invalid := []string{
		"",
		"admin",
		"@example.com",
		"admin@",
		"Admin <admin@example.com>",
		"admin@exämple.com",
	}
	for _, address := range invalid {
		test.Assert(t, !ValidEmail(address), "accepted invalid address "+address)
	}
}

func TestMarshalContact(t *testing.T) {
	out, err := MarshalContact(nil)
	test.AssertNotError(t, err, "marshaling nil contact")
	test.AssertEquals(t, string(out), "[]")

	out, err = MarshalContact([]string{"mailto:admin@example.com"})
	test.AssertNotError(t, err, "marshaling contact")
	test.AssertEquals(t, string(out), `["mailto:admin@example.com"]`)
}
