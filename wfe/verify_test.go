package wfe

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/petra-ca/petra/test"
)

func postRaw(t *testing.T, url, contentType, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, contentType, strings.NewReader(body))
	test.AssertNotError(t, err, "posting request")
	return resp
}

func TestPOSTWrongContentType(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	url := tc.ts.URL + "/acme/newaccount"
	body := c.sign(url, `{"termsOfServiceAgreed": true}`, c.freshNonce())

	resp := postRaw(t, url, "application/json", body)
	respBody := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusUnsupportedMediaType)
	test.AssertContains(t, respBody, "application/jose+json")
}

func TestPOSTMissingContentLength(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	url := tc.ts.URL + "/acme/newaccount"
	body := c.sign(url, `{"termsOfServiceAgreed": true}`, c.freshNonce())

	// Wrapping the reader forces chunked transfer encoding, so the request
	// arrives without a Content-Length header.
	req, err := http.NewRequest(http.MethodPost, url, struct{ io.Reader }{strings.NewReader(body)})
	test.AssertNotError(t, err, "building request")
	req.Header.Set("Content-Type", "application/jose+json")
	resp, err := http.DefaultClient.Do(req)
	test.AssertNotError(t, err, "posting request")
	readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusLengthRequired)
}

func TestPOSTReplayNonceHeaderRejected(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	url := tc.ts.URL + "/acme/newaccount"
	body := c.sign(url, `{"termsOfServiceAgreed": true}`, c.freshNonce())

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	test.AssertNotError(t, err, "building request")
	req.Header.Set("Content-Type", "application/jose+json")
	req.Header.Set("Replay-Nonce", c.freshNonce())
	resp, err := http.DefaultClient.Do(req)
	test.AssertNotError(t, err, "posting request")
	respBody := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, respBody, "urn:ietf:params:acme:error:malformed")
	test.AssertContains(t, respBody, "Replay-Nonce")
}

func TestPOSTURLMismatch(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	url := tc.ts.URL + "/acme/newaccount"
	// Signed for a different endpoint than the one it is sent to.
	body := c.sign(tc.ts.URL+"/acme/neworders", `{"termsOfServiceAgreed": true}`, c.freshNonce())

	resp := postRaw(t, url, "application/jose+json", body)
	respBody := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, respBody, "urn:ietf:params:acme:error:malformed")
	test.AssertContains(t, respBody, "url")
}

// rewriteJWS round-trips a flattened JWS through a map so tests can splice
// in fields the serializer would never emit.
func rewriteJWS(t *testing.T, serialized string, mutate func(map[string]interface{})) string {
	t.Helper()
	var fields map[string]interface{}
	err := json.Unmarshal([]byte(serialized), &fields)
	test.AssertNotError(t, err, "parsing JWS serialization")
	mutate(fields)
	out, err := json.Marshal(fields)
	test.AssertNotError(t, err, "serializing JWS")
	return string(out)
}

func TestPOSTUnprotectedHeaderRejected(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	url := tc.ts.URL + "/acme/newaccount"
	body := c.sign(url, `{"termsOfServiceAgreed": true}`, c.freshNonce())
	body = rewriteJWS(t, body, func(fields map[string]interface{}) {
		fields["header"] = map[string]string{"kid": "sneaky"}
	})

	resp := postRaw(t, url, "application/jose+json", body)
	respBody := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, respBody, `"header" field not allowed`)
}

func TestPOSTMultiSignatureRejected(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	url := tc.ts.URL + "/acme/newaccount"
	body := c.sign(url, `{"termsOfServiceAgreed": true}`, c.freshNonce())
	body = rewriteJWS(t, body, func(fields map[string]interface{}) {
		fields["signatures"] = []interface{}{map[string]string{"signature": "xx"}}
	})

	resp := postRaw(t, url, "application/jose+json", body)
	respBody := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, respBody, `"signatures" field not allowed`)
}

func TestPOSTBadSignatureAlgorithm(t *testing.T) {
	tc := setupWFE(t)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "generating RSA key")
	c := newTestClient(t, tc.ts)

	url := tc.ts.URL + "/acme/newaccount"
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.PS256, Key: rsaKey},
		&jose.SignerOptions{
			NonceSource: staticNonceSource(c.freshNonce()),
			EmbedJWK:    true,
			ExtraHeaders: map[jose.HeaderKey]interface{}{
				jose.HeaderKey("url"): url,
			},
		})
	test.AssertNotError(t, err, "creating signer")
	jws, err := signer.Sign([]byte(`{"termsOfServiceAgreed": true}`))
	test.AssertNotError(t, err, "signing payload")

	resp := postRaw(t, url, "application/jose+json", jws.FullSerialize())
	respBody := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, respBody, "urn:ietf:params:acme:error:badSignatureAlgorithm")
}

func TestPOSTUnknownKeyID(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.kid = tc.ts.URL + "/acme/acct/ffffffffffffffffffffffff"

	resp := c.post(tc.ts.URL+"/acme/neworders",
		`{"identifiers": [{"type": "dns", "value": "example.com"}]}`)
	respBody := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, respBody, "urn:ietf:params:acme:error:accountDoesNotExist")
}

func TestPOSTEmbeddedJWKOnAccountEndpoint(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	// No kid set: the JWK gets embedded, which newOrder must refuse.
	resp := c.post(tc.ts.URL+"/acme/neworders",
		`{"identifiers": [{"type": "dns", "value": "example.com"}]}`)
	respBody := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, respBody, "No Key ID in JWS header")
}

func TestPOSTAsGETWithPayloadRejected(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()
	orderURL, _ := c.newOrder("example.com")

	resp := c.post(orderURL, `{"status": "pending"}`)
	respBody := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, respBody, "POST-as-GET requests must have an empty payload")
}

func TestNonceReplayRejected(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	url := tc.ts.URL + "/acme/newaccount"
	nonceToken := c.freshNonce()

	body := c.sign(url, `{"termsOfServiceAgreed": true, "contact": ["mailto:replay@example.com"]}`, nonceToken)
	resp := postRaw(t, url, "application/jose+json", body)
	readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusCreated)

	// The same nonce again must be refused.
	body = c.sign(url, `{"termsOfServiceAgreed": true, "contact": ["mailto:replay@example.com"]}`, nonceToken)
	resp = postRaw(t, url, "application/jose+json", body)
	respBody := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, respBody, "urn:ietf:params:acme:error:badNonce")
}
