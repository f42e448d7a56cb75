package sa

import (
	"encoding/json"
	"time"

	"gopkg.in/go-jose/go-jose.v2"

	"github.com/petra-ca/petra/core"
	"github.com/petra-ca/petra/identifier"
	"github.com/petra-ca/petra/probs"
)

// The models in this file are the database rows. Translation between rows
// and core objects is kept here so the rest of the sa never touches raw
// column formats.

type accountModel struct {
	ID string `db:"id"`
	// JWK is the account key serialized as its JSON JWK form.
	JWK []byte `db:"jwk"`
	// Thumbprint is the base64url SHA-256 RFC 7638 thumbprint of JWK. It has
	// a unique index across rows where status != 'deactivated'.
	Thumbprint string    `db:"thumbprint"`
	Contact    []byte    `db:"contact"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"createdAt"`
}

type orderModel struct {
	ID          string    `db:"id"`
	AccountID   string    `db:"accountID"`
	Status      string    `db:"status"`
	Expires     time.Time `db:"expires"`
	Identifiers []byte    `db:"identifiers"`
	NotBefore   int64     `db:"notBefore"`
	NotAfter    int64     `db:"notAfter"`
	Error       []byte    `db:"error"`
	CSR         []byte    `db:"csr"`
	// CertificateID is empty until the order reaches valid.
	CertificateID string `db:"certificateID"`
}

type authzModel struct {
	ID         string    `db:"id"`
	OrderID    string    `db:"orderID"`
	AccountID  string    `db:"accountID"`
	IdentType  string    `db:"identifierType"`
	IdentValue string    `db:"identifierValue"`
	Status     string    `db:"status"`
	Expires    time.Time `db:"expires"`
}

type challengeModel struct {
	ID        string     `db:"id"`
	AuthzID   string     `db:"authzID"`
	Type      string     `db:"type"`
	Status    string     `db:"status"`
	Token     string     `db:"token"`
	Error     []byte     `db:"error"`
	Validated *time.Time `db:"validated"`
}

type certificateModel struct {
	ID            string    `db:"id"`
	OrderID       string    `db:"orderID"`
	AccountID     string    `db:"accountID"`
	ChainPEM      []byte    `db:"chainPEM"`
	DER           []byte    `db:"der"`
	Issued        time.Time `db:"issued"`
	Revoked       bool      `db:"revoked"`
	RevokedReason int64     `db:"revokedReason"`
	RevokedAt     time.Time `db:"revokedAt"`
}

type nonceModel struct {
	ID      string    `db:"id"`
	Created time.Time `db:"created"`
}

type schemaVersionModel struct {
	ID      int64 `db:"id"`
	Version int64 `db:"version"`
}

func accountToModel(acct core.Account) (accountModel, error) {
	jwkJSON, err := acct.Key.MarshalJSON()
	if err != nil {
		return accountModel{}, err
	}
	thumbprint, err := core.Thumbprint(acct.Key)
	if err != nil {
		return accountModel{}, err
	}
	contactJSON, err := core.MarshalContact(acct.Contact)
	if err != nil {
		return accountModel{}, err
	}
	return accountModel{
		ID:         acct.ID,
		JWK:        jwkJSON,
		Thumbprint: thumbprint,
		Contact:    contactJSON,
		Status:     string(acct.Status),
		CreatedAt:  acct.CreatedAt,
	}, nil
}

func modelToAccount(model accountModel) (core.Account, error) {
	var jwk jose.JSONWebKey
	err := jwk.UnmarshalJSON(model.JWK)
	if err != nil {
		return core.Account{}, err
	}
	var contact []string
	err = json.Unmarshal(model.Contact, &contact)
	if err != nil {
		return core.Account{}, err
	}
	return core.Account{
		ID:        model.ID,
		Key:       &jwk,
		Contact:   contact,
		Status:    core.AcmeStatus(model.Status),
		CreatedAt: model.CreatedAt,
	}, nil
}

func orderToModel(order core.Order) (orderModel, error) {
	identJSON, err := json.Marshal(order.Identifiers)
	if err != nil {
		return orderModel{}, err
	}
	var probJSON []byte
	if order.Error != nil {
		probJSON, err = json.Marshal(order.Error)
		if err != nil {
			return orderModel{}, err
		}
	}
	var notBefore, notAfter int64
	if !order.NotBefore.IsZero() {
		notBefore = order.NotBefore.Unix()
	}
	if !order.NotAfter.IsZero() {
		notAfter = order.NotAfter.Unix()
	}
	return orderModel{
		ID:            order.ID,
		AccountID:     order.AccountID,
		Status:        string(order.Status),
		Expires:       order.Expires,
		Identifiers:   identJSON,
		NotBefore:     notBefore,
		NotAfter:      notAfter,
		Error:         probJSON,
		CSR:           order.CSR,
		CertificateID: order.CertificateID,
	}, nil
}

func modelToOrder(model orderModel) (core.Order, error) {
	var idents []identifier.ACMEIdentifier
	err := json.Unmarshal(model.Identifiers, &idents)
	if err != nil {
		return core.Order{}, err
	}
	var prob *probs.ProblemDetails
	if len(model.Error) > 0 {
		prob = &probs.ProblemDetails{}
		err = json.Unmarshal(model.Error, prob)
		if err != nil {
			return core.Order{}, err
		}
	}
	order := core.Order{
		ID:            model.ID,
		AccountID:     model.AccountID,
		Status:        core.AcmeStatus(model.Status),
		Expires:       model.Expires,
		Identifiers:   idents,
		Error:         prob,
		CSR:           model.CSR,
		CertificateID: model.CertificateID,
	}
	if model.NotBefore != 0 {
		order.NotBefore = time.Unix(model.NotBefore, 0).UTC()
	}
	if model.NotAfter != 0 {
		order.NotAfter = time.Unix(model.NotAfter, 0).UTC()
	}
	return order, nil
}

func authzToModel(authz core.Authorization) authzModel {
	return authzModel{
		ID:         authz.ID,
		OrderID:    authz.OrderID,
		AccountID:  authz.AccountID,
		IdentType:  string(authz.Identifier.Type),
		IdentValue: authz.Identifier.Value,
		Status:     string(authz.Status),
		Expires:    authz.Expires,
	}
}

func modelToAuthz(model authzModel) core.Authorization {
	return core.Authorization{
		ID:      model.ID,
		OrderID: model.OrderID,
		AccountID: model.AccountID,
		Identifier: identifier.ACMEIdentifier{
			Type:  identifier.IdentifierType(model.IdentType),
			Value: model.IdentValue,
		},
		Status:  core.AcmeStatus(model.Status),
		Expires: model.Expires,
	}
}

func challengeToModel(chall core.Challenge) (challengeModel, error) {
	var probJSON []byte
	if chall.Error != nil {
		var err error
		probJSON, err = json.Marshal(chall.Error)
		if err != nil {
			return challengeModel{}, err
		}
	}
	return challengeModel{
		ID:        chall.ID,
		AuthzID:   chall.AuthzID,
		Type:      string(chall.Type),
		Status:    string(chall.Status),
		Token:     chall.Token,
		Error:     probJSON,
		Validated: chall.Validated,
	}, nil
}

func modelToChallenge(model challengeModel) (core.Challenge, error) {
	var prob *probs.ProblemDetails
	if len(model.Error) > 0 {
		prob = &probs.ProblemDetails{}
		err := json.Unmarshal(model.Error, prob)
		if err != nil {
			return core.Challenge{}, err
		}
	}
	return core.Challenge{
		ID:        model.ID,
		AuthzID:   model.AuthzID,
		Type:      core.AcmeChallenge(model.Type),
		Status:    core.AcmeStatus(model.Status),
		Token:     model.Token,
		Error:     prob,
		Validated: model.Validated,
	}, nil
}

func certificateToModel(cert core.Certificate) certificateModel {
	return certificateModel{
		ID:            cert.ID,
		OrderID:       cert.OrderID,
		AccountID:     cert.AccountID,
		ChainPEM:      cert.ChainPEM,
		DER:           cert.DER,
		Issued:        cert.Issued,
		Revoked:       cert.Revoked,
		RevokedReason: int64(cert.RevokedReason),
		RevokedAt:     cert.RevokedAt,
	}
}

func modelToCertificate(model certificateModel) core.Certificate {
	return core.Certificate{
		ID:            model.ID,
		OrderID:       model.OrderID,
		AccountID:     model.AccountID,
		ChainPEM:      model.ChainPEM,
		DER:           model.DER,
		Issued:        model.Issued,
		Revoked:       model.Revoked,
		RevokedReason: core.RevocationCode(model.RevokedReason),
		RevokedAt:     model.RevokedAt,
	}
}
