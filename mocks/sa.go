// Package mocks provides in-memory fakes of the component interfaces for
// tests. The StorageAuthority here keeps the same transition guards as the
// SQL implementation so tests exercise realistic race outcomes.
package mocks

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/petra-ca/petra/core"
	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/probs"
)

// StorageAuthority is a map-backed core.StorageAuthority.
type StorageAuthority struct {
	mu sync.Mutex

	accounts     map[string]core.Account
	orders       map[string]core.Order
	authzs       map[string]core.Authorization
	challenges   map[string]core.Challenge
	certificates map[string]core.Certificate
	nonces       map[string]time.Time
}

var _ core.StorageAuthority = (*StorageAuthority)(nil)

// NewStorageAuthority returns an empty in-memory store.
func NewStorageAuthority() *StorageAuthority {
	return &StorageAuthority{
		accounts:     make(map[string]core.Account),
		orders:       make(map[string]core.Order),
		authzs:       make(map[string]core.Authorization),
		challenges:   make(map[string]core.Challenge),
		certificates: make(map[string]core.Certificate),
		nonces:       make(map[string]time.Time),
	}
}

func (sa *StorageAuthority) NewAccount(_ context.Context, acct core.Account) (core.Account, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	thumbprint, err := core.Thumbprint(acct.Key)
	if err != nil {
		return core.Account{}, err
	}
	for _, existing := range sa.accounts {
		if existing.Status == core.StatusDeactivated {
			continue
		}
		existingThumb, err := core.Thumbprint(existing.Key)
		if err != nil {
			return core.Account{}, err
		}
		if existingThumb == thumbprint {
			return existing, berrors.DuplicateError("account with this key already exists: %s", existing.ID)
		}
	}
	sa.accounts[acct.ID] = acct
	return acct, nil
}

func (sa *StorageAuthority) GetAccount(_ context.Context, id string) (core.Account, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	acct, ok := sa.accounts[id]
	if !ok {
		return core.Account{}, berrors.NotFoundError("no account with ID %q", id)
	}
	return acct, nil
}

func (sa *StorageAuthority) GetAccountByKey(_ context.Context, thumbprint string) (core.Account, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	for _, acct := range sa.accounts {
		if acct.Status == core.StatusDeactivated {
			continue
		}
		acctThumb, err := core.Thumbprint(acct.Key)
		if err != nil {
			return core.Account{}, err
		}
		if acctThumb == thumbprint {
			return acct, nil
		}
	}
	return core.Account{}, berrors.NotFoundError("no account with key thumbprint %q", thumbprint)
}

func (sa *StorageAuthority) UpdateAccountStatus(_ context.Context, id string, status core.AcmeStatus) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	acct, ok := sa.accounts[id]
	if !ok || acct.Status != core.StatusValid {
		return berrors.NotFoundError("no valid account with ID %q", id)
	}
	acct.Status = status
	sa.accounts[id] = acct
	return nil
}

func (sa *StorageAuthority) UpdateAccountContact(_ context.Context, id string, contact []string) (core.Account, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	acct, ok := sa.accounts[id]
	if !ok || acct.Status != core.StatusValid {
		return core.Account{}, berrors.NotFoundError("no valid account with ID %q", id)
	}
	acct.Contact = contact
	sa.accounts[id] = acct
	return acct, nil
}

func (sa *StorageAuthority) UpdateAccountKey(_ context.Context, id string, key *jose.JSONWebKey) (core.Account, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	acct, ok := sa.accounts[id]
	if !ok || acct.Status != core.StatusValid {
		return core.Account{}, berrors.NotFoundError("no valid account with ID %q", id)
	}
	thumbprint, err := core.Thumbprint(key)
	if err != nil {
		return core.Account{}, err
	}
	for otherID, other := range sa.accounts {
		if otherID == id || other.Status == core.StatusDeactivated {
			continue
		}
		otherThumb, err := core.Thumbprint(other.Key)
		if err != nil {
			return core.Account{}, err
		}
		if otherThumb == thumbprint {
			return core.Account{}, berrors.DuplicateError("new key is already in use by account %s", otherID)
		}
	}
	acct.Key = key
	sa.accounts[id] = acct
	return acct, nil
}

func (sa *StorageAuthority) NewOrder(_ context.Context, order core.Order, authzs []core.Authorization, challs []core.Challenge) (core.Order, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	order.AuthzIDs = nil
	for _, authz := range authzs {
		order.AuthzIDs = append(order.AuthzIDs, authz.ID)
		authz.ChallengeIDs = nil
		for _, chall := range challs {
			if chall.AuthzID == authz.ID {
				authz.ChallengeIDs = append(authz.ChallengeIDs, chall.ID)
			}
		}
		sa.authzs[authz.ID] = authz
	}
	for _, chall := range challs {
		sa.challenges[chall.ID] = chall
	}
	sa.orders[order.ID] = order
	return order, nil
}

func (sa *StorageAuthority) GetOrder(_ context.Context, id string) (core.Order, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	order, ok := sa.orders[id]
	if !ok {
		return core.Order{}, berrors.NotFoundError("no order with ID %q", id)
	}
	return order, nil
}

func (sa *StorageAuthority) GetOrdersByAccount(_ context.Context, accountID string) ([]core.Order, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	var orders []core.Order
	for _, order := range sa.orders {
		if order.AccountID == accountID {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

func (sa *StorageAuthority) GetOrdersByStatus(_ context.Context, status core.AcmeStatus) ([]core.Order, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	var orders []core.Order
	for _, order := range sa.orders {
		if order.Status == status {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

func (sa *StorageAuthority) FinalizeOrder(_ context.Context, id string, csr []byte) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	order, ok := sa.orders[id]
	if !ok || order.Status != core.StatusReady {
		return berrors.OrderNotReadyError("order %q is not ready for finalization", id)
	}
	order.Status = core.StatusProcessing
	order.CSR = csr
	sa.orders[id] = order
	return nil
}

func (sa *StorageAuthority) SetOrderProcessed(_ context.Context, id string, status core.AcmeStatus, certID string, prob []byte) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	order, ok := sa.orders[id]
	if !ok || order.Status != core.StatusProcessing {
		return berrors.NotFoundError("no processing order with ID %q", id)
	}
	order.Status = status
	order.CertificateID = certID
	if len(prob) > 0 {
		order.Error = &probs.ProblemDetails{}
		if err := json.Unmarshal(prob, order.Error); err != nil {
			return err
		}
	}
	sa.orders[id] = order
	return nil
}

func (sa *StorageAuthority) UpdateOrderStatus(_ context.Context, id string, status core.AcmeStatus) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	order, ok := sa.orders[id]
	if !ok {
		return nil
	}
	if order.Status == core.StatusValid || order.Status == core.StatusInvalid {
		return nil
	}
	order.Status = status
	sa.orders[id] = order
	return nil
}

func (sa *StorageAuthority) GetAuthorization(_ context.Context, id string) (core.Authorization, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	authz, ok := sa.authzs[id]
	if !ok {
		return core.Authorization{}, berrors.NotFoundError("no authorization with ID %q", id)
	}
	return authz, nil
}

func (sa *StorageAuthority) GetAuthorizationsByOrder(_ context.Context, orderID string) ([]core.Authorization, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	var authzs []core.Authorization
	for _, authz := range sa.authzs {
		if authz.OrderID == orderID {
			authzs = append(authzs, authz)
		}
	}
	return authzs, nil
}

func (sa *StorageAuthority) UpdateAuthorizationStatus(_ context.Context, id string, status core.AcmeStatus) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	authz, ok := sa.authzs[id]
	if !ok {
		return nil
	}
	switch authz.Status {
	case core.StatusInvalid, core.StatusDeactivated, core.StatusRevoked:
		return nil
	case core.StatusValid:
		// A validated authorization only moves to deactivated.
		if status == core.StatusInvalid {
			return nil
		}
	}
	authz.Status = status
	sa.authzs[id] = authz
	return nil
}

func (sa *StorageAuthority) GetChallenge(_ context.Context, id string) (core.Challenge, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	chall, ok := sa.challenges[id]
	if !ok {
		return core.Challenge{}, berrors.NotFoundError("no challenge with ID %q", id)
	}
	return chall, nil
}

func (sa *StorageAuthority) GetChallengesByAuthorization(_ context.Context, authzID string) ([]core.Challenge, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	var challs []core.Challenge
	for _, chall := range sa.challenges {
		if chall.AuthzID == authzID {
			challs = append(challs, chall)
		}
	}
	return challs, nil
}

func (sa *StorageAuthority) UpdateChallenge(_ context.Context, chall core.Challenge) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	existing, ok := sa.challenges[chall.ID]
	if !ok {
		return nil
	}
	switch existing.Status {
	case core.StatusPending, core.StatusProcessing:
		sa.challenges[chall.ID] = chall
	}
	return nil
}

func (sa *StorageAuthority) NewCertificate(_ context.Context, cert core.Certificate) (core.Certificate, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.certificates[cert.ID] = cert
	return cert, nil
}

func (sa *StorageAuthority) GetCertificate(_ context.Context, id string) (core.Certificate, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	cert, ok := sa.certificates[id]
	if !ok {
		return core.Certificate{}, berrors.NotFoundError("no certificate with ID %q", id)
	}
	return cert, nil
}

func (sa *StorageAuthority) GetCertificateByDER(_ context.Context, der []byte) (core.Certificate, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	for _, cert := range sa.certificates {
		if bytes.Equal(cert.DER, der) {
			return cert, nil
		}
	}
	return core.Certificate{}, berrors.NotFoundError("no certificate matching the provided DER")
}

func (sa *StorageAuthority) RevokeCertificate(_ context.Context, id string, reason core.RevocationCode, revokedAt time.Time) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	cert, ok := sa.certificates[id]
	if !ok {
		return berrors.NotFoundError("no certificate with ID %q", id)
	}
	if cert.Revoked {
		return berrors.AlreadyRevokedError("certificate %q is already revoked", id)
	}
	cert.Revoked = true
	cert.RevokedReason = reason
	cert.RevokedAt = revokedAt
	sa.certificates[id] = cert
	return nil
}

func (sa *StorageAuthority) AddNonce(_ context.Context, token string, created time.Time) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.nonces[token] = created
	return nil
}

func (sa *StorageAuthority) ConsumeNonce(_ context.Context, token string, earliest time.Time) (bool, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	created, ok := sa.nonces[token]
	if !ok {
		return false, nil
	}
	delete(sa.nonces, token)
	return created.After(earliest), nil
}

func (sa *StorageAuthority) DeleteExpiredNonces(_ context.Context, earliest time.Time) (int64, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	var n int64
	for token, created := range sa.nonces {
		if !created.After(earliest) {
			delete(sa.nonces, token)
			n++
		}
	}
	return n, nil
}
