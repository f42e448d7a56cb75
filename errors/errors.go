// Package errors defines the internal error types shared across components.
// These are distinct from the probs package: berrors travel between internal
// components and carry enough typing that the web layer can translate them
// into the right ACME problem document at the HTTP boundary.
package errors

import (
	"fmt"
	"time"
)

// ErrorType provides a coarse category for PetraErrors.
// Objects of type ErrorType should never be directly returned by other
// functions; instead use the methods below to create an appropriate
// PetraError wrapping one of these types.
type ErrorType int

const (
	// InternalServer is deliberately the zero value so that an uninitialized
	// ErrorType is never mistaken for a more specific category.
	InternalServer ErrorType = iota
	Malformed
	Unauthorized
	NotFound
	RateLimit
	RejectedIdentifier
	InvalidEmail
	ConnectionFailure
	CAA
	MissingSCTs
	Duplicate
	OrderNotReady
	DNS
	TLS
	BadPublicKey
	BadCSR
	AlreadyRevoked
	BadRevocationReason
	UnsupportedContact
)

func (ErrorType) Error() string {
	return "urn:ietf:params:acme:error"
}

// PetraError represents internal Petra errors
type PetraError struct {
	Type   ErrorType
	Detail string

	// RetryAfter the duration a client should wait before retrying the request
	// which resulted in this error.
	RetryAfter time.Duration
}

func (be *PetraError) Error() string {
	return be.Detail
}

func (be *PetraError) Unwrap() error {
	return be.Type
}

// New is a convenience function for creating a new PetraError.
func New(errType ErrorType, msg string, args ...interface{}) error {
	return &PetraError{
		Type:   errType,
		Detail: fmt.Sprintf(msg, args...),
	}
}

func InternalServerError(msg string, args ...interface{}) error {
	return New(InternalServer, msg, args...)
}

func MalformedError(msg string, args ...interface{}) error {
	return New(Malformed, msg, args...)
}

func UnauthorizedError(msg string, args ...interface{}) error {
	return New(Unauthorized, msg, args...)
}

func NotFoundError(msg string, args ...interface{}) error {
	return New(NotFound, msg, args...)
}

func RejectedIdentifierError(msg string, args ...interface{}) error {
	return New(RejectedIdentifier, msg, args...)
}

func InvalidEmailError(msg string, args ...interface{}) error {
	return New(InvalidEmail, msg, args...)
}

func UnsupportedContactError(msg string, args ...interface{}) error {
	return New(UnsupportedContact, msg, args...)
}

func ConnectionFailureError(msg string, args ...interface{}) error {
	return New(ConnectionFailure, msg, args...)
}

func CAAError(msg string, args ...interface{}) error {
	return New(CAA, msg, args...)
}

func DuplicateError(msg string, args ...interface{}) error {
	return New(Duplicate, msg, args...)
}

func OrderNotReadyError(msg string, args ...interface{}) error {
	return New(OrderNotReady, msg, args...)
}

func DNSError(msg string, args ...interface{}) error {
	return New(DNS, msg, args...)
}

func TLSError(msg string, args ...interface{}) error {
	return New(TLS, msg, args...)
}

func BadPublicKeyError(msg string, args ...interface{}) error {
	return New(BadPublicKey, msg, args...)
}

func BadCSRError(msg string, args ...interface{}) error {
	return New(BadCSR, msg, args...)
}

func AlreadyRevokedError(msg string, args ...interface{}) error {
	return New(AlreadyRevoked, msg, args...)
}

func BadRevocationReasonError(reason int64) error {
	return New(BadRevocationReason, "disallowed revocation reason: %d", reason)
}
