package core

import (
	"crypto"
	"encoding/json"
	"time"

	"gopkg.in/go-jose/go-jose.v2"

	"github.com/petra-ca/petra/identifier"
	"github.com/petra-ca/petra/probs"
)

// AcmeStatus defines the state of a given account, order, authorization or
// challenge.
type AcmeStatus string

// These statuses are the states of the protocol state machines.
const (
	StatusUnknown     = AcmeStatus("unknown")     // Unknown status; the default
	StatusPending     = AcmeStatus("pending")     // In process; client has next action
	StatusReady       = AcmeStatus("ready")       // Order is ready for finalization
	StatusProcessing  = AcmeStatus("processing")  // In process; server has next action
	StatusValid       = AcmeStatus("valid")       // Object is valid
	StatusInvalid     = AcmeStatus("invalid")     // Validation failed
	StatusDeactivated = AcmeStatus("deactivated") // Object deactivated by client
	StatusExpired     = AcmeStatus("expired")     // Object expired (read-time projection)
	StatusRevoked     = AcmeStatus("revoked")     // Object no longer valid
)

// AcmeChallenge values identify different types of ACME challenges.
type AcmeChallenge string

// These types are the available challenges.
const (
	ChallengeTypeHTTP01       = AcmeChallenge("http-01")
	ChallengeTypeDNS01        = AcmeChallenge("dns-01")
	ChallengeTypeTLSALPN01    = AcmeChallenge("tls-alpn-01")
	ChallengeTypeDNSAccount01 = AcmeChallenge("dns-account-01")
)

// IsValid tests whether the challenge is a known challenge.
func (c AcmeChallenge) IsValid() bool {
	switch c {
	case ChallengeTypeHTTP01, ChallengeTypeDNS01, ChallengeTypeTLSALPN01,
		ChallengeTypeDNSAccount01:
		return true
	default:
		return false
	}
}

// DNSPrefix is the label attached to DNS names in dns-01 challenges.
const DNSPrefix = "_acme-challenge"

// Account objects represent an ACME account: the key that signs requests plus
// the metadata attached to it. The wire form (what an account URL returns) is
// a subset produced by the wfe; this struct is the storage form.
type Account struct {
	// ID is the random URL-safe name assigned at registration. It is the
	// final path segment of the account URL.
	ID string `json:"-"`

	// Key is the account key to which the details are attached.
	Key *jose.JSONWebKey `json:"key,omitempty"`

	// Contact is the ordered list of contact URIs.
	Contact []string `json:"contact,omitempty"`

	Status AcmeStatus `json:"status"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Order represents a client's request for a certificate covering a set of
// identifiers, and tracks its progress through the issuance state machine.
type Order struct {
	ID        string `json:"-"`
	AccountID string `json:"-"`

	Status      AcmeStatus                  `json:"status"`
	Expires     time.Time                   `json:"expires"`
	Identifiers []identifier.ACMEIdentifier `json:"identifiers"`

	// NotBefore and NotAfter are optional client requests for certificate
	// validity bounds, zero when absent.
	NotBefore time.Time `json:"notBefore,omitempty"`
	NotAfter  time.Time `json:"notAfter,omitempty"`

	// Error holds the problem that moved the order to invalid, if any.
	Error *probs.ProblemDetails `json:"error,omitempty"`

	// AuthzIDs reference this order's authorizations by name. Traversal is
	// always by lookup, never by pointer.
	AuthzIDs []string `json:"-"`

	// CSR is the DER encoded CSR received at finalization, nil beforehand.
	CSR []byte `json:"-"`

	// CertificateID references the issued certificate once the order is
	// valid, empty beforehand.
	CertificateID string `json:"-"`
}

// Authorization represents the authorization of an account key holder to act
// on behalf of an identifier, containing the challenges that may prove it.
type Authorization struct {
	ID      string `json:"-"`
	OrderID string `json:"-"`
	// AccountID denormalizes the owning order's account for ownership checks.
	AccountID string `json:"-"`

	Identifier identifier.ACMEIdentifier `json:"identifier"`
	Status     AcmeStatus                `json:"status"`
	Expires    time.Time                 `json:"expires"`

	// ChallengeIDs reference this authorization's challenges by name.
	ChallengeIDs []string `json:"-"`
}

// Challenge is a single validation method instance belonging to an
// authorization.
type Challenge struct {
	ID      string `json:"-"`
	AuthzID string `json:"-"`

	Type   AcmeChallenge `json:"type"`
	Status AcmeStatus    `json:"status"`
	Token  string        `json:"token"`

	// Error contains the problem recorded by a failed validation attempt.
	Error *probs.ProblemDetails `json:"error,omitempty"`

	// Validated is the time validation completed successfully, nil otherwise.
	Validated *time.Time `json:"validated,omitempty"`
}

// Certificate objects are entirely internal to the server. The only thing
// exposed on the wire is the PEM chain itself.
type Certificate struct {
	ID      string
	OrderID string
	// AccountID denormalizes the issuing order's account.
	AccountID string

	// ChainPEM is the leaf-first PEM encoded chain returned by the CA.
	ChainPEM []byte
	// DER is the leaf certificate alone, for revocation matching.
	DER []byte

	Issued time.Time

	Revoked       bool
	RevokedReason RevocationCode
	RevokedAt     time.Time
}

// KeyAuthorization assembles the key authorization string for a challenge
// token and account key: token || "." || base64url(SHA-256 JWK thumbprint).
func KeyAuthorization(token string, key *jose.JSONWebKey) (string, error) {
	thumbprint, err := Thumbprint(key)
	if err != nil {
		return "", err
	}
	return token + "." + thumbprint, nil
}

// Thumbprint computes the base64url encoded RFC 7638 SHA-256 thumbprint of
// the given JWK.
func Thumbprint(key *jose.JSONWebKey) (string, error) {
	if key == nil {
		return "", ErrNilKey
	}
	digest, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return B64enc(digest), nil
}

// RevocationCode is used to specify a certificate revocation reason.
type RevocationCode int64

// RevocationReasons provides a map from reason code to string explaining the
// code. Codes absent from this map are rejected with badRevocationReason.
var RevocationReasons = map[RevocationCode]string{
	0:  "unspecified",
	1:  "keyCompromise",
	3:  "affiliationChanged",
	4:  "superseded",
	5:  "cessationOfOperation",
	6:  "certificateHold",
	9:  "privilegeWithdrawn",
	10: "aACompromise",
}

// MarshalContact round-trips contact slices through JSON for storage. A nil
// slice is stored as an empty array.
func MarshalContact(contact []string) ([]byte, error) {
	if contact == nil {
		contact = []string{}
	}
	return json.Marshal(contact)
}
