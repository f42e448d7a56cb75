// Package identifier defines types for RFC 8555 ACME identifiers. An
// identifier names the thing a client wants a certificate for; today that is
// always a DNS name.
package identifier

import "fmt"

// IdentifierType is the ACME identifier type field.
type IdentifierType string

const (
	// TypeDNS is the only identifier type we issue for.
	TypeDNS = IdentifierType("dns")
)

// ACMEIdentifier is the JSON representation of an identifier as it appears in
// newOrder requests and in authorization objects.
type ACMEIdentifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

func (i ACMEIdentifier) String() string {
	return fmt.Sprintf("%s:%s", i.Type, i.Value)
}

// NewDNS constructs a DNS identifier for the given name.
func NewDNS(value string) ACMEIdentifier {
	return ACMEIdentifier{Type: TypeDNS, Value: value}
}
