package wfe

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gopkg.in/go-jose/go-jose.v2"

	"github.com/petra-ca/petra/core"
	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/probs"
	"github.com/petra-ca/petra/web"
)

// jwsAuthType represents whether a JWS carries an embedded JWK or a key ID.
// A valid JWS in the ACME protocol carries exactly one of the two.
type jwsAuthType int

const (
	embeddedJWK jwsAuthType = iota
	embeddedKeyID
	invalidAuthType
)

// checkJWSAuthType examines the protected headers of a JWS to determine the
// auth type in use without consuming a nonce or verifying anything.
func checkJWSAuthType(jws *jose.JSONWebSignature) (jwsAuthType, *probs.ProblemDetails) {
	header := jws.Signatures[0].Header
	if header.KeyID != "" && header.JSONWebKey != nil {
		return invalidAuthType, probs.Malformed("jwk and kid header fields are mutually exclusive")
	}
	if header.KeyID != "" {
		return embeddedKeyID, nil
	}
	if header.JSONWebKey != nil {
		return embeddedJWK, nil
	}
	return invalidAuthType, probs.Malformed("No Key ID or embedded JWK in JWS header")
}

// sigAlgorithmForKey returns the expected JWS signature algorithm for the
// given key, or an error for unsupported key types.
func sigAlgorithmForKey(key *jose.JSONWebKey) (jose.SignatureAlgorithm, error) {
	switch k := key.Key.(type) {
	case *rsa.PublicKey:
		return jose.RS256, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
	}
	return "", errors.New("JWK contains unsupported key type (expected RSA, or ECDSA P-256, P-384, or P-521)")
}

// checkAlgorithm ensures the protected header's alg matches both the
// allow-list and the key's own type, preventing algorithm confusion.
func checkAlgorithm(key *jose.JSONWebKey, header jose.Header) *probs.ProblemDetails {
	sigHeaderAlg := jose.SignatureAlgorithm(header.Algorithm)
	expectedAlg, err := sigAlgorithmForKey(key)
	if err != nil {
		return probs.BadPublicKey(err.Error())
	}
	if sigHeaderAlg != expectedAlg {
		return probs.BadSignatureAlgorithm("JWS signature header contains unsupported algorithm %q, expected %q",
			header.Algorithm, string(expectedAlg))
	}
	return nil
}

// parseJWS extracts a JSONWebSignature from a request body. An ACME request
// must be a flattened JWS with exactly one signature and no unprotected
// headers.
func (wfe *WebFrontEndImpl) parseJWS(body []byte) (*jose.JSONWebSignature, *probs.ProblemDetails) {
	// Check that the request body contains neither the "signatures" array of
	// general JSON serialization nor an unprotected header.
	var unprotected struct {
		Header     map[string]string
		Signatures []interface{}
	}
	err := json.Unmarshal(body, &unprotected)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWSUnmarshalFailed").Inc()
		return nil, probs.Malformed("Parse error reading JWS")
	}
	if unprotected.Header != nil {
		wfe.joseErrorCount.WithLabelValues("JWSUnprotectedHeader").Inc()
		return nil, probs.Malformed(
			"JWS \"header\" field not allowed. All headers must be in \"protected\" field")
	}
	if len(unprotected.Signatures) > 0 {
		wfe.joseErrorCount.WithLabelValues("JWSMultiSig").Inc()
		return nil, probs.Malformed(
			"JWS \"signatures\" field not allowed. Only the \"signature\" field should contain a signature")
	}

	parsedJWS, err := jose.ParseSigned(string(body))
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWSParseFailed").Inc()
		return nil, probs.Malformed("Parse error reading JWS")
	}
	if len(parsedJWS.Signatures) > 1 {
		wfe.joseErrorCount.WithLabelValues("JWSTooManySignatures").Inc()
		return nil, probs.Malformed("Too many signatures in POST body")
	}
	if len(parsedJWS.Signatures) == 0 {
		wfe.joseErrorCount.WithLabelValues("JWSNoSignatures").Inc()
		return nil, probs.Malformed("POST JWS not signed")
	}
	return parsedJWS, nil
}

// validPOSTRequest checks the HTTP-level requirements of an ACME POST.
func (wfe *WebFrontEndImpl) validPOSTRequest(request *http.Request) *probs.ProblemDetails {
	if _, present := request.Header["Content-Length"]; !present {
		wfe.joseErrorCount.WithLabelValues("ContentLengthRequired").Inc()
		return probs.ContentLengthRequired()
	}
	if _, present := request.Header["Replay-Nonce"]; present {
		wfe.joseErrorCount.WithLabelValues("ReplayNonceOutsideJWS").Inc()
		return probs.Malformed("HTTP requests should NOT contain Replay-Nonce header. Use JWS nonce field")
	}
	contentType := request.Header.Get("Content-Type")
	if contentType != "application/jose+json" {
		wfe.joseErrorCount.WithLabelValues("InvalidContentType").Inc()
		return probs.InvalidContentType(
			"The Content-Type header must be application/jose+json")
	}
	if request.Body == nil {
		wfe.joseErrorCount.WithLabelValues("NoPOSTBody").Inc()
		return probs.Malformed("No body on POST")
	}
	return nil
}

// validNonce redeems the nonce in the JWS protected header.
func (wfe *WebFrontEndImpl) validNonce(ctx context.Context, header jose.Header) *probs.ProblemDetails {
	if len(header.Nonce) == 0 {
		wfe.joseErrorCount.WithLabelValues("JWSMissingNonce").Inc()
		return probs.BadNonce("JWS has no anti-replay nonce")
	}
	ok, err := wfe.nonceService.Redeem(ctx, header.Nonce)
	if err != nil {
		return probs.ServerInternal("failed to redeem nonce")
	}
	if !ok {
		wfe.joseErrorCount.WithLabelValues("JWSInvalidNonce").Inc()
		return probs.BadNonce(fmt.Sprintf("JWS has an invalid anti-replay nonce: %q", header.Nonce))
	}
	return nil
}

// validPOSTURL compares the JWS protected "url" header to the URL the
// request actually arrived at, binding the signature to its endpoint.
func (wfe *WebFrontEndImpl) validPOSTURL(request *http.Request, header jose.Header) *probs.ProblemDetails {
	extraHeaders := header.ExtraHeaders
	headerURL, ok := extraHeaders[jose.HeaderKey("url")].(string)
	if !ok || len(headerURL) == 0 {
		wfe.joseErrorCount.WithLabelValues("JWSMissingURL").Inc()
		return probs.Malformed("JWS header parameter 'url' required")
	}
	expectedURL := web.RelativeEndpoint(request, request.URL.RequestURI())
	if expectedURL != headerURL {
		wfe.joseErrorCount.WithLabelValues("JWSMismatchedURL").Inc()
		return probs.Malformed(fmt.Sprintf(
			"JWS header parameter 'url' incorrect. Expected %q got %q", expectedURL, headerURL))
	}
	return nil
}

// extractJWK returns the JWK embedded in the JWS header, for the
// self-authenticated endpoints.
func (wfe *WebFrontEndImpl) extractJWK(jws *jose.JSONWebSignature) (*jose.JSONWebKey, *probs.ProblemDetails) {
	header := jws.Signatures[0].Header
	key := header.JSONWebKey
	if key == nil {
		wfe.joseErrorCount.WithLabelValues("JWKExtractionFailed").Inc()
		return nil, probs.Malformed("No JWK in JWS header")
	}
	if !key.Valid() {
		wfe.joseErrorCount.WithLabelValues("JWKInvalid").Inc()
		return nil, probs.Malformed("Invalid JWK in JWS header")
	}
	if header.KeyID != "" {
		wfe.joseErrorCount.WithLabelValues("JWKAndKeyID").Inc()
		return nil, probs.Malformed("jwk and kid header fields are mutually exclusive")
	}
	return key, nil
}

// acctIDFromKid parses an account URL from a kid protected header.
func acctIDFromKid(request *http.Request, kid string) (string, *probs.ProblemDetails) {
	prefix := web.RelativeEndpoint(request, acctPath)
	if !strings.HasPrefix(kid, prefix) {
		return "", probs.Malformed(fmt.Sprintf(
			"KeyID header contained an invalid account URL: %q", kid))
	}
	id := strings.TrimPrefix(kid, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", probs.Malformed(fmt.Sprintf(
			"KeyID header contained an invalid account URL: %q", kid))
	}
	return id, nil
}

// lookupJWK resolves the kid header to a stored account and returns both the
// account and its key. Unknown accounts yield accountDoesNotExist;
// deactivated accounts yield unauthorized.
func (wfe *WebFrontEndImpl) lookupJWK(jws *jose.JSONWebSignature, ctx context.Context, request *http.Request) (*jose.JSONWebKey, core.Account, *probs.ProblemDetails) {
	header := jws.Signatures[0].Header
	id, prob := acctIDFromKid(request, header.KeyID)
	if prob != nil {
		wfe.joseErrorCount.WithLabelValues("KeyIDMalformed").Inc()
		return nil, core.Account{}, prob
	}

	account, cached := core.Account{}, false
	if wfe.accountCache != nil {
		account, cached = wfe.accountCache.Get(id)
	}
	if !cached {
		var err error
		account, err = wfe.sa.GetAccount(ctx, id)
		if err != nil {
			if errors.Is(err, berrors.NotFound) {
				wfe.joseErrorCount.WithLabelValues("KeyIDNotFound").Inc()
				return nil, core.Account{}, probs.AccountDoesNotExist(fmt.Sprintf(
					"Account %q not found", header.KeyID))
			}
			return nil, core.Account{}, probs.ServerInternal("Error retrieving account")
		}
		if wfe.accountCache != nil {
			wfe.accountCache.Add(account)
		}
	}
	if account.Status == core.StatusDeactivated {
		wfe.joseErrorCount.WithLabelValues("KeyIDAccountDeactivated").Inc()
		return nil, core.Account{}, probs.Unauthorized(fmt.Sprintf(
			"Account %q is not valid, has status %q", header.KeyID, account.Status))
	}
	return account.Key, account, nil
}

// validJWSForKey checks the algorithm and signature of a JWS against a
// resolved key and returns the verified payload.
func (wfe *WebFrontEndImpl) validJWSForKey(jws *jose.JSONWebSignature, key *jose.JSONWebKey) ([]byte, *probs.ProblemDetails) {
	header := jws.Signatures[0].Header
	if prob := checkAlgorithm(key, header); prob != nil {
		wfe.joseErrorCount.WithLabelValues("JWSAlgorithmCheckFailed").Inc()
		return nil, prob
	}
	payload, err := jws.Verify(key)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWSVerifyFailed").Inc()
		return nil, probs.Malformed("JWS verification error")
	}
	// An empty payload is POST-as-GET. Anything else must be valid JSON.
	if len(payload) > 0 && !json.Valid(payload) {
		wfe.joseErrorCount.WithLabelValues("JWSBodyUnmarshalFailed").Inc()
		return nil, probs.Malformed("Request payload did not parse as JSON")
	}
	return payload, nil
}

// validJWSForRequest runs the shared front of the pipeline: HTTP checks,
// parse, nonce, URL binding. Key resolution is left to the caller.
func (wfe *WebFrontEndImpl) validJWSForRequest(ctx context.Context, request *http.Request, body []byte) (*jose.JSONWebSignature, *probs.ProblemDetails) {
	if prob := wfe.validPOSTRequest(request); prob != nil {
		return nil, prob
	}
	jws, prob := wfe.parseJWS(body)
	if prob != nil {
		return nil, prob
	}
	header := jws.Signatures[0].Header
	if prob := wfe.validNonce(ctx, header); prob != nil {
		return nil, prob
	}
	if prob := wfe.validPOSTURL(request, header); prob != nil {
		return nil, prob
	}
	return jws, nil
}

// validPOSTForAccount verifies a kid-authenticated POST and returns the
// payload and the requesting account.
func (wfe *WebFrontEndImpl) validPOSTForAccount(ctx context.Context, request *http.Request, body []byte) ([]byte, core.Account, *probs.ProblemDetails) {
	jws, prob := wfe.validJWSForRequest(ctx, request, body)
	if prob != nil {
		return nil, core.Account{}, prob
	}
	authType, prob := checkJWSAuthType(jws)
	if prob != nil {
		wfe.joseErrorCount.WithLabelValues("InvalidJWSAuthType").Inc()
		return nil, core.Account{}, prob
	}
	if authType != embeddedKeyID {
		wfe.joseErrorCount.WithLabelValues("WrongJWSAuthType").Inc()
		return nil, core.Account{}, probs.Malformed("No Key ID in JWS header")
	}
	key, account, prob := wfe.lookupJWK(jws, ctx, request)
	if prob != nil {
		return nil, core.Account{}, prob
	}
	payload, prob := wfe.validJWSForKey(jws, key)
	if prob != nil {
		return nil, core.Account{}, prob
	}
	return payload, account, nil
}

// validPOSTAsGETForAccount additionally requires the payload to be empty,
// the POST-as-GET form of RFC 8555 section 6.3.
func (wfe *WebFrontEndImpl) validPOSTAsGETForAccount(ctx context.Context, request *http.Request, body []byte) (core.Account, *probs.ProblemDetails) {
	payload, account, prob := wfe.validPOSTForAccount(ctx, request, body)
	if prob != nil {
		return core.Account{}, prob
	}
	if len(payload) != 0 {
		return core.Account{}, probs.Malformed("POST-as-GET requests must have an empty payload")
	}
	return account, nil
}

// validSelfAuthenticatedPOST verifies a POST signed by an embedded JWK,
// used by newAccount and revokeCert-by-certificate-key. The signature still
// proves key possession; there is simply no account to resolve.
func (wfe *WebFrontEndImpl) validSelfAuthenticatedPOST(ctx context.Context, request *http.Request, body []byte) ([]byte, *jose.JSONWebKey, *probs.ProblemDetails) {
	jws, prob := wfe.validJWSForRequest(ctx, request, body)
	if prob != nil {
		return nil, nil, prob
	}
	authType, prob := checkJWSAuthType(jws)
	if prob != nil {
		wfe.joseErrorCount.WithLabelValues("InvalidJWSAuthType").Inc()
		return nil, nil, prob
	}
	if authType != embeddedJWK {
		wfe.joseErrorCount.WithLabelValues("WrongJWSAuthType").Inc()
		return nil, nil, probs.Malformed("No embedded JWK in JWS header")
	}
	key, prob := wfe.extractJWK(jws)
	if prob != nil {
		return nil, nil, prob
	}
	payload, prob := wfe.validJWSForKey(jws, key)
	if prob != nil {
		return nil, nil, prob
	}
	return payload, key, nil
}

// rolloverRequest is the inner payload of a key-change request.
type rolloverRequest struct {
	Account string          `json:"account"`
	OldKey  json.RawMessage `json:"oldKey"`
}

// validKeyRollover verifies the inner JWS of a key-change request against
// the new key it embeds and checks the inner payload's invariants: the url
// header matches the outer request, the account matches the outer kid, and
// oldKey equals the account's current key.
func (wfe *WebFrontEndImpl) validKeyRollover(request *http.Request, outerPayload []byte, account core.Account) (*jose.JSONWebKey, *probs.ProblemDetails) {
	innerJWS, prob := wfe.parseJWS(outerPayload)
	if prob != nil {
		return nil, prob
	}
	header := innerJWS.Signatures[0].Header
	if header.Nonce != "" {
		wfe.joseErrorCount.WithLabelValues("KeyRolloverInnerNonce").Inc()
		return nil, probs.Malformed("Inner JWS of key-change must not carry a nonce")
	}
	newKey := header.JSONWebKey
	if newKey == nil || !newKey.Valid() {
		return nil, probs.Malformed("Inner JWS of key-change has no valid embedded JWK")
	}
	if prob := wfe.validPOSTURL(request, header); prob != nil {
		return nil, prob
	}
	innerPayload, prob := wfe.validJWSForKey(innerJWS, newKey)
	if prob != nil {
		return nil, prob
	}

	var rollover rolloverRequest
	err := json.Unmarshal(innerPayload, &rollover)
	if err != nil {
		return nil, probs.Malformed("Inner JWS payload of key-change did not parse as JSON")
	}
	expectedAccount := web.RelativeEndpoint(request, acctPath+account.ID)
	if rollover.Account != expectedAccount {
		return nil, probs.Malformed(fmt.Sprintf(
			"Inner JWS payload account %q does not match signing account %q", rollover.Account, expectedAccount))
	}
	var oldKey jose.JSONWebKey
	err = oldKey.UnmarshalJSON(rollover.OldKey)
	if err != nil {
		return nil, probs.Malformed("Inner JWS payload oldKey did not parse as a JWK")
	}
	equal, err := core.PublicKeysEqual(oldKey.Key, account.Key.Key)
	if err != nil || !equal {
		return nil, probs.Malformed("Inner JWS payload oldKey does not match the account's current key")
	}
	return newKey, nil
}
