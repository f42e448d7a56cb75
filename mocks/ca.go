package mocks

import (
	"context"
	"sync"

	"github.com/petra-ca/petra/core"
)

// CertificateAuthority is a canned core.CertificateAuthority. Enroll returns
// the configured chain (or error); Revoke records and succeeds.
type CertificateAuthority struct {
	mu sync.Mutex

	// ChainPEM is what Enroll hands back. A nil chain with a nil EnrollErr
	// makes the CA look asynchronous.
	ChainPEM  []byte
	EnrollErr error
	RevokeErr error

	enrolled [][]byte
	revoked  [][]byte
}

var _ core.CertificateAuthority = (*CertificateAuthority)(nil)

func (ca *CertificateAuthority) Enroll(_ context.Context, csrDER []byte) ([]byte, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.EnrollErr != nil {
		return nil, ca.EnrollErr
	}
	ca.enrolled = append(ca.enrolled, csrDER)
	return ca.ChainPEM, nil
}

func (ca *CertificateAuthority) Revoke(_ context.Context, certDER []byte, _ core.RevocationCode) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.RevokeErr != nil {
		return ca.RevokeErr
	}
	ca.revoked = append(ca.revoked, certDER)
	return nil
}

func (ca *CertificateAuthority) Poll(_ context.Context, _ string) ([]byte, error) {
	return nil, nil
}

// Enrolled returns the CSRs Enroll accepted.
func (ca *CertificateAuthority) Enrolled() [][]byte {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	out := make([][]byte, len(ca.enrolled))
	copy(out, ca.enrolled)
	return out
}

// Revoked returns the certificates Revoke accepted.
func (ca *CertificateAuthority) Revoked() [][]byte {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	out := make([][]byte, len(ca.revoked))
	copy(out, ca.revoked)
	return out
}
