// Package probs defines the RFC 7807 problem documents returned to ACME
// clients. Each ProblemType corresponds 1:1 to an error urn in the
// urn:ietf:params:acme:error namespace.
package probs

import (
	"fmt"
	"net/http"
)

const (
	// ErrorNS is the namespace prefixed to every problem type on the wire.
	ErrorNS = "urn:ietf:params:acme:error:"

	AccountDoesNotExistProblem    = ProblemType("accountDoesNotExist")
	AlreadyRevokedProblem         = ProblemType("alreadyRevoked")
	BadCSRProblem                 = ProblemType("badCSR")
	BadNonceProblem               = ProblemType("badNonce")
	BadPublicKeyProblem           = ProblemType("badPublicKey")
	BadRevocationReasonProblem    = ProblemType("badRevocationReason")
	BadSignatureAlgorithmProblem  = ProblemType("badSignatureAlgorithm")
	CAAProblem                    = ProblemType("caa")
	ConnectionProblem             = ProblemType("connection")
	DNSProblem                    = ProblemType("dns")
	InvalidContactProblem         = ProblemType("invalidContact")
	MalformedProblem              = ProblemType("malformed")
	OrderNotReadyProblem          = ProblemType("orderNotReady")
	RejectedIdentifierProblem     = ProblemType("rejectedIdentifier")
	ServerInternalProblem         = ProblemType("serverInternal")
	TLSProblem                    = ProblemType("tls")
	UnauthorizedProblem           = ProblemType("unauthorized")
	UnsupportedContactProblem     = ProblemType("unsupportedContact")
	UnsupportedIdentifierProblem  = ProblemType("unsupportedIdentifier")
	UserActionRequiredProblem     = ProblemType("userActionRequired")
	IncorrectResponseProblem      = ProblemType("incorrectResponse")
	ContentLengthRequiredProblem  = ProblemType("contentLengthRequired")
	InvalidContentTypeProblem     = ProblemType("invalidContentType")
	MethodNotAllowedProblem       = ProblemType("methodNotAllowed")
	NotFoundProblem               = ProblemType("notFound")
)

// ProblemType defines the error types in the ACME protocol.
type ProblemType string

// ProblemDetails objects represent problem documents.
// https://tools.ietf.org/html/rfc7807
type ProblemDetails struct {
	Type   ProblemType `json:"type,omitempty"`
	Detail string      `json:"detail,omitempty"`
	// HTTPStatus is the HTTP status code the problem is served with. It is
	// not emitted in the JSON body.
	HTTPStatus int `json:"status,omitempty"`
}

func (pd *ProblemDetails) Error() string {
	return fmt.Sprintf("%s :: %s", pd.Type, pd.Detail)
}

// WithNamespace returns a copy of the problem with the ACME error namespace
// prefixed to its type, ready for serialization to a client.
func (pd *ProblemDetails) WithNamespace() *ProblemDetails {
	out := *pd
	out.Type = ProblemType(ErrorNS) + pd.Type
	return &out
}

// AccountDoesNotExist returns a ProblemDetails representing an
// AccountDoesNotExistProblem error
func AccountDoesNotExist(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       AccountDoesNotExistProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// AlreadyRevoked returns a ProblemDetails for a certificate that was already
// revoked.
func AlreadyRevoked(detail string, a ...interface{}) *ProblemDetails {
	return &ProblemDetails{
		Type:       AlreadyRevokedProblem,
		Detail:     fmt.Sprintf(detail, a...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadCSR returns a ProblemDetails representing a BadCSRProblem.
func BadCSR(detail string, a ...interface{}) *ProblemDetails {
	return &ProblemDetails{
		Type:       BadCSRProblem,
		Detail:     fmt.Sprintf(detail, a...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadNonce returns a ProblemDetails representing a BadNonceProblem.
func BadNonce(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       BadNonceProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadPublicKey returns a ProblemDetails representing a BadPublicKeyProblem.
func BadPublicKey(detail string, a ...interface{}) *ProblemDetails {
	return &ProblemDetails{
		Type:       BadPublicKeyProblem,
		Detail:     fmt.Sprintf(detail, a...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadRevocationReason returns a ProblemDetails representing
// a BadRevocationReasonProblem
func BadRevocationReason(detail string, a ...interface{}) *ProblemDetails {
	return &ProblemDetails{
		Type:       BadRevocationReasonProblem,
		Detail:     fmt.Sprintf(detail, a...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadSignatureAlgorithm returns a ProblemDetails for an unsupported JWS
// signature algorithm.
func BadSignatureAlgorithm(detail string, a ...interface{}) *ProblemDetails {
	return &ProblemDetails{
		Type:       BadSignatureAlgorithmProblem,
		Detail:     fmt.Sprintf(detail, a...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// CAA returns a ProblemDetails representing a CAAProblem.
func CAA(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       CAAProblem,
		Detail:     detail,
		HTTPStatus: http.StatusForbidden,
	}
}

// Connection returns a ProblemDetails representing a ConnectionProblem
// error
func Connection(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       ConnectionProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// DNS returns a ProblemDetails representing a DNSProblem.
func DNS(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       DNSProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// IncorrectResponse returns a ProblemDetails for a validation probe whose
// response did not match the expected key authorization.
func IncorrectResponse(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       IncorrectResponseProblem,
		Detail:     detail,
		HTTPStatus: http.StatusForbidden,
	}
}

// InvalidContact returns a ProblemDetails representing an
// InvalidContactProblem.
func InvalidContact(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       InvalidContactProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// UnsupportedContact returns a ProblemDetails representing an
// UnsupportedContactProblem.
func UnsupportedContact(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       UnsupportedContactProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Malformed returns a ProblemDetails representing a MalformedProblem.
func Malformed(detail string, a ...interface{}) *ProblemDetails {
	if len(a) > 0 {
		detail = fmt.Sprintf(detail, a...)
	}
	return &ProblemDetails{
		Type:       MalformedProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// OrderNotReady returns a ProblemDetails representing a OrderNotReadyProblem
func OrderNotReady(detail string, a ...interface{}) *ProblemDetails {
	return &ProblemDetails{
		Type:       OrderNotReadyProblem,
		Detail:     fmt.Sprintf(detail, a...),
		HTTPStatus: http.StatusForbidden,
	}
}

// RejectedIdentifier returns a ProblemDetails with a RejectedIdentifierProblem.
func RejectedIdentifier(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       RejectedIdentifierProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ServerInternal returns a ProblemDetails with a ServerInternalProblem.
func ServerInternal(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       ServerInternalProblem,
		Detail:     detail,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// TLS returns a ProblemDetails representing a TLSProblem.
func TLS(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       TLSProblem,
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized returns a ProblemDetails with an UnauthorizedProblem.
func Unauthorized(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       UnauthorizedProblem,
		Detail:     detail,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// UnsupportedIdentifier returns a ProblemDetails for an unsupported
// identifier type.
func UnsupportedIdentifier(detail string, a ...interface{}) *ProblemDetails {
	return &ProblemDetails{
		Type:       UnsupportedIdentifierProblem,
		Detail:     fmt.Sprintf(detail, a...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// UserActionRequired returns a ProblemDetails with a UserActionRequiredProblem.
func UserActionRequired(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       UserActionRequiredProblem,
		Detail:     detail,
		HTTPStatus: http.StatusForbidden,
	}
}

// ContentLengthRequired returns a ProblemDetails representing a missing
// Content-Length header.
func ContentLengthRequired() *ProblemDetails {
	return &ProblemDetails{
		Type:       MalformedProblem,
		Detail:     "missing Content-Length header",
		HTTPStatus: http.StatusLengthRequired,
	}
}

// InvalidContentType returns a ProblemDetails suitable for a missing or wrong
// Content-Type header.
func InvalidContentType(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       MalformedProblem,
		Detail:     detail,
		HTTPStatus: http.StatusUnsupportedMediaType,
	}
}

// MethodNotAllowed returns a ProblemDetails representing a disallowed HTTP
// method error.
func MethodNotAllowed() *ProblemDetails {
	return &ProblemDetails{
		Type:       MalformedProblem,
		Detail:     "Method not allowed",
		HTTPStatus: http.StatusMethodNotAllowed,
	}
}

// NotFound returns a ProblemDetails with a NotFoundProblem.
func NotFound(detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:       MalformedProblem,
		Detail:     detail,
		HTTPStatus: http.StatusNotFound,
	}
}
