package wfe

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/petra-ca/petra/core"
	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/probs"
	"github.com/petra-ca/petra/web"
)

// Certificate handles POST /acme/cert/{name}: the POST-as-GET chain fetch.
func (wfe *WebFrontEndImpl) Certificate(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("unable to read request body"), err)
		return
	}
	account, prob := wfe.validPOSTAsGETForAccount(r.Context(), r, body)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	event.Requester = account.ID

	name := strings.TrimPrefix(r.URL.Path, certPath)
	if name == "" || strings.Contains(name, "/") {
		wfe.sendError(w, event, probs.NotFound("Certificate not found"), nil)
		return
	}
	cert, err := wfe.sa.GetCertificate(r.Context(), name)
	if err != nil {
		if errors.Is(err, berrors.NotFound) {
			wfe.sendError(w, event, probs.NotFound("Certificate not found"), nil)
			return
		}
		wfe.sendError(w, event, probs.ServerInternal("failed to retrieve certificate"), err)
		return
	}
	if cert.AccountID != account.ID {
		wfe.sendError(w, event, probs.Unauthorized("Account does not own this certificate"), nil)
		return
	}

	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(cert.ChainPEM)
}

// revokeCertRequest is the payload of a revokeCert POST.
type revokeCertRequest struct {
	Certificate string `json:"certificate"`
	Reason      *int64 `json:"reason,omitempty"`
}

// RevokeCert handles POST /acme/revokecert. Two authentication modes are
// accepted: a kid-signed request from the account that ordered the
// certificate, or a request self-signed by the certificate key itself.
func (wfe *WebFrontEndImpl) RevokeCert(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("unable to read request body"), err)
		return
	}

	// Peek at the auth type before running the verification pipeline, which
	// differs between the two modes.
	jws, prob := wfe.parseJWS(body)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	authType, prob := checkJWSAuthType(jws)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}

	if authType == embeddedJWK {
		wfe.revokeCertByCertKey(event, w, r, body)
		return
	}
	wfe.revokeCertByAccount(event, w, r, body)
}

// revokeCertByAccount authorizes a revocation by ownership: the kid account
// must be the account that ordered the certificate.
func (wfe *WebFrontEndImpl) revokeCertByAccount(event *web.RequestEvent, w http.ResponseWriter, r *http.Request, body []byte) {
	payload, account, prob := wfe.validPOSTForAccount(r.Context(), r, body)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	event.Requester = account.ID

	cert, reason, prob := wfe.parseRevocation(r, payload)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	if cert.AccountID != account.ID {
		wfe.sendError(w, event, probs.Unauthorized(
			"The requesting account did not order the certificate to be revoked"), nil)
		return
	}
	wfe.revoke(event, w, r, cert, reason)
}

// revokeCertByCertKey authorizes a revocation by key possession: the JWS must
// be signed by the key the certificate certifies.
func (wfe *WebFrontEndImpl) revokeCertByCertKey(event *web.RequestEvent, w http.ResponseWriter, r *http.Request, body []byte) {
	payload, key, prob := wfe.validSelfAuthenticatedPOST(r.Context(), r, body)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}

	cert, reason, prob := wfe.parseRevocation(r, payload)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}
	parsed, err := x509.ParseCertificate(cert.DER)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to parse stored certificate"), err)
		return
	}
	equal, err := core.PublicKeysEqual(key.Key, parsed.PublicKey)
	if err != nil || !equal {
		wfe.sendError(w, event, probs.Unauthorized(
			"JWS signing key does not match the public key of the certificate to be revoked"), nil)
		return
	}
	wfe.revoke(event, w, r, cert, reason)
}

// parseRevocation decodes a revocation payload, resolves the stored
// certificate it names, and validates the reason code.
func (wfe *WebFrontEndImpl) parseRevocation(r *http.Request, payload []byte) (core.Certificate, core.RevocationCode, *probs.ProblemDetails) {
	var request revokeCertRequest
	err := json.Unmarshal(payload, &request)
	if err != nil {
		return core.Certificate{}, 0, probs.Malformed("error unmarshaling revocation request body")
	}
	der, err := core.B64dec(request.Certificate)
	if err != nil {
		return core.Certificate{}, 0, probs.Malformed("error decoding certificate: not base64url encoded")
	}
	if _, err := x509.ParseCertificate(der); err != nil {
		return core.Certificate{}, 0, probs.Malformed("error parsing certificate to be revoked")
	}

	reason := core.RevocationCode(0)
	if request.Reason != nil {
		reason = core.RevocationCode(*request.Reason)
		if _, known := core.RevocationReasons[reason]; !known {
			return core.Certificate{}, 0, probs.BadRevocationReason(
				"unsupported revocation reason code %d", *request.Reason)
		}
	}

	cert, err := wfe.sa.GetCertificateByDER(r.Context(), der)
	if err != nil {
		if errors.Is(err, berrors.NotFound) {
			return core.Certificate{}, 0, probs.NotFound("Certificate not found")
		}
		return core.Certificate{}, 0, probs.ServerInternal("failed to look up certificate")
	}
	return cert, reason, nil
}

// revoke runs an authorized revocation through the CA and the store.
func (wfe *WebFrontEndImpl) revoke(event *web.RequestEvent, w http.ResponseWriter, r *http.Request, cert core.Certificate, reason core.RevocationCode) {
	if cert.Revoked {
		wfe.sendError(w, event, probs.AlreadyRevoked("Certificate has already been revoked"), nil)
		return
	}
	ctx, cancel := wfe.caContext()
	defer cancel()
	err := wfe.ca.Revoke(ctx, cert.DER, reason)
	if err != nil {
		wfe.sendError(w, event, web.ProblemDetailsForError(err, "CA rejected the revocation"), err)
		return
	}
	err = wfe.sa.RevokeCertificate(r.Context(), cert.ID, reason, wfe.clk.Now())
	if err != nil {
		if errors.Is(err, berrors.AlreadyRevoked) {
			wfe.sendError(w, event, probs.AlreadyRevoked("Certificate has already been revoked"), nil)
			return
		}
		wfe.sendError(w, event, probs.ServerInternal("failed to record revocation"), err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// triggerRequest is the webhook payload an asynchronous CA POSTs when an
// enrollment it accepted earlier has been issued.
type triggerRequest struct {
	Payload string `json:"payload"`
}

// Trigger handles POST /trigger: match the delivered certificate to the
// processing order that requested it, by CSR public key, and complete the
// order.
func (wfe *WebFrontEndImpl) Trigger(event *web.RequestEvent, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("unable to read request body"), err)
		return
	}
	var request triggerRequest
	err = json.Unmarshal(body, &request)
	if err != nil || request.Payload == "" {
		wfe.sendError(w, event, probs.Malformed("trigger request must carry a payload field"), err)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(request.Payload)
	if err != nil {
		wfe.sendError(w, event, probs.Malformed("trigger payload is not base64 encoded"), err)
		return
	}

	chainPEM, leaf, prob := parseTriggerCertificate(raw)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}

	order, prob := wfe.matchProcessingOrder(r, leaf)
	if prob != nil {
		wfe.sendError(w, event, prob, nil)
		return
	}

	err = wfe.completeOrder(r.Context(), order, chainPEM)
	if err != nil {
		wfe.sendError(w, event, probs.ServerInternal("failed to complete order"), err)
		return
	}
	wfe.log.Infof("trigger completed order %s", order.ID)
	w.WriteHeader(http.StatusOK)
}

// parseTriggerCertificate accepts either a PEM chain or a bare DER leaf and
// returns the normalized PEM chain plus the parsed leaf.
func parseTriggerCertificate(raw []byte) ([]byte, *x509.Certificate, *probs.ProblemDetails) {
	block, _ := pem.Decode(raw)
	if block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, nil, probs.Malformed("trigger payload PEM does not contain a certificate")
		}
		leaf, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, nil, probs.Malformed("error parsing trigger payload certificate")
		}
		return raw, leaf, nil
	}
	leaf, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, nil, probs.Malformed("error parsing trigger payload certificate")
	}
	chainPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: raw})
	return chainPEM, leaf, nil
}

// matchProcessingOrder finds the processing order whose CSR public key
// matches the issued leaf.
func (wfe *WebFrontEndImpl) matchProcessingOrder(r *http.Request, leaf *x509.Certificate) (core.Order, *probs.ProblemDetails) {
	orders, err := wfe.sa.GetOrdersByStatus(r.Context(), core.StatusProcessing)
	if err != nil {
		return core.Order{}, probs.ServerInternal("failed to list processing orders")
	}
	for _, order := range orders {
		csr, err := x509.ParseCertificateRequest(order.CSR)
		if err != nil {
			continue
		}
		equal, err := core.PublicKeysEqual(csr.PublicKey, leaf.PublicKey)
		if err == nil && equal {
			return order, nil
		}
	}
	return core.Order{}, probs.NotFound("no processing order matches the delivered certificate")
}
