package core

import (
	"context"
	"time"

	"gopkg.in/go-jose/go-jose.v2"
)

// StorageAuthority is the record-store contract shared by every component.
// All entities are keyed by their random URL-safe name; traversal between
// related entities goes back through the store, never through in-memory
// pointers.
type StorageAuthority interface {
	// Accounts
	NewAccount(ctx context.Context, acct Account) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	// GetAccountByKey looks an account up by the SHA-256 RFC 7638 thumbprint
	// of its JWK. Deactivated accounts are not returned.
	GetAccountByKey(ctx context.Context, thumbprint string) (Account, error)
	UpdateAccountStatus(ctx context.Context, id string, status AcmeStatus) error
	UpdateAccountContact(ctx context.Context, id string, contact []string) (Account, error)
	// UpdateAccountKey replaces the account key during key rollover.
	UpdateAccountKey(ctx context.Context, id string, key *jose.JSONWebKey) (Account, error)

	// Orders
	NewOrder(ctx context.Context, order Order, authzs []Authorization, challs []Challenge) (Order, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrdersByAccount(ctx context.Context, accountID string) ([]Order, error)
	// GetOrdersByStatus exists for the CA trigger path, which has to find the
	// processing order matching an asynchronously issued certificate.
	GetOrdersByStatus(ctx context.Context, status AcmeStatus) ([]Order, error)
	// FinalizeOrder attaches the CSR and moves the order to processing. It
	// fails if the stored order is not in the expected starting status.
	FinalizeOrder(ctx context.Context, id string, csr []byte) error
	// SetOrderProcessed moves a processing order to its terminal state.
	// Terminal states are never overwritten.
	SetOrderProcessed(ctx context.Context, id string, status AcmeStatus, certID string, prob []byte) error
	UpdateOrderStatus(ctx context.Context, id string, status AcmeStatus) error

	// Authorizations
	GetAuthorization(ctx context.Context, id string) (Authorization, error)
	GetAuthorizationsByOrder(ctx context.Context, orderID string) ([]Authorization, error)
	UpdateAuthorizationStatus(ctx context.Context, id string, status AcmeStatus) error

	// Challenges
	GetChallenge(ctx context.Context, id string) (Challenge, error)
	GetChallengesByAuthorization(ctx context.Context, authzID string) ([]Challenge, error)
	// UpdateChallenge records a validation outcome. Writes against a
	// challenge already in a terminal status are discarded.
	UpdateChallenge(ctx context.Context, chall Challenge) error

	// Certificates
	NewCertificate(ctx context.Context, cert Certificate) (Certificate, error)
	GetCertificate(ctx context.Context, id string) (Certificate, error)
	// GetCertificateByDER looks a certificate up by its exact leaf DER, for
	// revocation requests which identify the certificate by its bytes.
	GetCertificateByDER(ctx context.Context, der []byte) (Certificate, error)
	RevokeCertificate(ctx context.Context, id string, reason RevocationCode, revokedAt time.Time) error

	// Nonces
	AddNonce(ctx context.Context, token string, created time.Time) error
	// ConsumeNonce atomically deletes the named nonce, reporting whether it
	// was present and unexpired. This is the anti-replay linearization point.
	ConsumeNonce(ctx context.Context, token string, earliest time.Time) (bool, error)
	DeleteExpiredNonces(ctx context.Context, earliest time.Time) (int64, error)
}

// ValidationRequest asks the validation authority to probe one challenge.
type ValidationRequest struct {
	ChallengeID string
	// AccountThumbprint is the base64url SHA-256 thumbprint of the account
	// key, the right half of the key authorization.
	AccountThumbprint string
	// AccountURL is the full URL of the requesting account. Only the
	// dns-account-01 challenge type uses it.
	AccountURL string
}

// ValidationAuthority performs the out-of-band half of challenge validation.
type ValidationAuthority interface {
	// Enqueue schedules a validation. It returns false without scheduling if
	// a validation for the same challenge is already in flight.
	Enqueue(req ValidationRequest) (bool, error)
}

// CertificateAuthority is the back-end CA handler interface. Implementations
// are external collaborators; the core only drives them.
type CertificateAuthority interface {
	// Enroll signs the DER encoded CSR and returns a leaf-first PEM chain.
	Enroll(ctx context.Context, csrDER []byte) ([]byte, error)
	// Revoke revokes the DER encoded certificate for the given reason.
	Revoke(ctx context.Context, certDER []byte, reason RevocationCode) error
	// Poll asks an asynchronous CA whether the order's certificate is ready.
	// A nil chain with a nil error means still pending.
	Poll(ctx context.Context, orderID string) ([]byte, error)
}
