package web

import (
	"errors"
	"fmt"

	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/probs"
)

// ProblemDetailsForError turns an error into a ProblemDetails with the
// special case of returning the same error back if its type is
// ProblemDetails. If the error is of an internal error type, the problem is
// filled in with the appropriate ACME type; otherwise, when the error is not
// an understood type, a ServerInternal problem with msg and a suffix for the
// error is returned.
func ProblemDetailsForError(err error, msg string) *probs.ProblemDetails {
	var probsErr *probs.ProblemDetails
	if errors.As(err, &probsErr) {
		return probsErr
	}
	var bErr *berrors.PetraError
	if errors.As(err, &bErr) {
		return problemDetailsForPetraError(bErr, msg)
	}
	// Internal error types are not exposed to clients in detail.
	return probs.ServerInternal(fmt.Sprintf("%s :: %s", msg, "internal error"))
}

func problemDetailsForPetraError(err *berrors.PetraError, msg string) *probs.ProblemDetails {
	detail := fmt.Sprintf("%s :: %s", msg, err.Detail)
	switch err.Type {
	case berrors.Malformed:
		return probs.Malformed(detail)
	case berrors.Unauthorized:
		return probs.Unauthorized(detail)
	case berrors.NotFound:
		return probs.NotFound(detail)
	case berrors.RejectedIdentifier:
		return probs.RejectedIdentifier(detail)
	case berrors.InvalidEmail:
		return probs.InvalidContact(detail)
	case berrors.UnsupportedContact:
		return probs.InvalidContact(detail)
	case berrors.ConnectionFailure:
		return probs.Connection(detail)
	case berrors.CAA:
		return probs.CAA(detail)
	case berrors.DNS:
		return probs.DNS(detail)
	case berrors.TLS:
		return probs.TLS(detail)
	case berrors.BadPublicKey:
		return probs.BadPublicKey(detail)
	case berrors.BadCSR:
		return probs.BadCSR(detail)
	case berrors.OrderNotReady:
		return probs.OrderNotReady(detail)
	case berrors.AlreadyRevoked:
		return probs.AlreadyRevoked(detail)
	case berrors.BadRevocationReason:
		return probs.BadRevocationReason(detail)
	default:
		return probs.ServerInternal(fmt.Sprintf("%s :: %s", msg, "internal error"))
	}
}
