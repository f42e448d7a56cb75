package wfe

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/petra-ca/petra/core"
	"github.com/petra-ca/petra/goodkey"
	blog "github.com/petra-ca/petra/log"
	"github.com/petra-ca/petra/metrics"
	"github.com/petra-ca/petra/mocks"
	"github.com/petra-ca/petra/nonce"
	"github.com/petra-ca/petra/policy"
	"github.com/petra-ca/petra/test"
)

type wfeTestCtx struct {
	wfe *WebFrontEndImpl
	sa  *mocks.StorageAuthority
	va  *mocks.ValidationAuthority
	ca  *mocks.CertificateAuthority
	ts  *httptest.Server
	clk clock.FakeClock
}

func setupWFE(t *testing.T) *wfeTestCtx {
	t.Helper()
	logger := blog.NewMock()
	fc := clock.NewFake()
	fc.Set(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))

	storage := mocks.NewStorageAuthority()
	validation := mocks.NewValidationAuthority()
	certAuth := &mocks.CertificateAuthority{}
	nonceService := nonce.NewNonceService(storage, fc, 0, metrics.NoopRegisterer)
	pa, err := policy.New(map[core.AcmeChallenge]bool{
		core.ChallengeTypeHTTP01:    true,
		core.ChallengeTypeDNS01:     true,
		core.ChallengeTypeTLSALPN01: true,
	}, false, logger)
	test.AssertNotError(t, err, "creating policy authority")
	keyPolicy := goodkey.NewPolicy()

	w, err := NewWebFrontEnd(Config{
		SubscriberAgreementURL: "https://example.com/terms",
		WebsiteURL:             "https://example.com",
		CAAIdentities:          []string{"example.com"},
	}, storage, validation, certAuth, nonceService, pa, keyPolicy,
		metrics.NoopRegisterer, fc, logger)
	test.AssertNotError(t, err, "creating web front end")

	ts := httptest.NewServer(w.Handler())
	t.Cleanup(ts.Close)
	return &wfeTestCtx{wfe: w, sa: storage, va: validation, ca: certAuth, ts: ts, clk: fc}
}

// testClient signs and POSTs ACME requests against the test server.
type testClient struct {
	t   *testing.T
	ts  *httptest.Server
	key *ecdsa.PrivateKey
	kid string
}

func newTestClient(t *testing.T, ts *httptest.Server) *testClient {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating account key")
	return &testClient{t: t, ts: ts, key: key}
}

type staticNonceSource string

func (s staticNonceSource) Nonce() (string, error) { return string(s), nil }

func (c *testClient) freshNonce() string {
	c.t.Helper()
	resp, err := http.Head(c.ts.URL + "/acme/newnonce")
	test.AssertNotError(c.t, err, "fetching nonce")
	defer resp.Body.Close()
	token := resp.Header.Get("Replay-Nonce")
	test.Assert(c.t, token != "", "no Replay-Nonce header on newNonce response")
	return token
}

// sign produces a flattened JWS for the given url and payload. An empty kid
// embeds the JWK instead.
func (c *testClient) sign(url, payload, nonceToken string) string {
	c.t.Helper()
	opts := &jose.SignerOptions{
		NonceSource: staticNonceSource(nonceToken),
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			jose.HeaderKey("url"): url,
		},
	}
	signingKey := jose.SigningKey{Algorithm: jose.ES256, Key: c.key}
	if c.kid != "" {
		signingKey.Key = jose.JSONWebKey{Key: c.key, KeyID: c.kid, Algorithm: "ES256"}
	} else {
		opts.EmbedJWK = true
	}
	signer, err := jose.NewSigner(signingKey, opts)
	test.AssertNotError(c.t, err, "creating signer")
	jws, err := signer.Sign([]byte(payload))
	test.AssertNotError(c.t, err, "signing payload")
	return jws.FullSerialize()
}

func (c *testClient) post(url, payload string) *http.Response {
	c.t.Helper()
	body := c.sign(url, payload, c.freshNonce())
	resp, err := http.Post(url, "application/jose+json", strings.NewReader(body))
	test.AssertNotError(c.t, err, "posting request")
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	test.AssertNotError(t, err, "reading response body")
	return string(body)
}

// register creates an account and points the client's kid at it.
func (c *testClient) register() string {
	c.t.Helper()
	resp := c.post(c.ts.URL+"/acme/newaccount",
		`{"contact": ["mailto:admin@example.com"], "termsOfServiceAgreed": true}`)
	readBody(c.t, resp)
	test.AssertEquals(c.t, resp.StatusCode, http.StatusCreated)
	c.kid = resp.Header.Get("Location")
	test.Assert(c.t, c.kid != "", "no Location header on newAccount response")
	return c.kid
}

func TestDirectory(t *testing.T) {
	tc := setupWFE(t)
	resp, err := http.Get(tc.ts.URL + "/directory")
	test.AssertNotError(t, err, "fetching directory")
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
	test.Assert(t, resp.Header.Get("Replay-Nonce") != "", "directory response missing Replay-Nonce")

	var dir map[string]interface{}
	err = json.Unmarshal([]byte(body), &dir)
	test.AssertNotError(t, err, "parsing directory")
	for _, entry := range []string{"newNonce", "newAccount", "newOrder", "revokeCert", "keyChange"} {
		_, present := dir[entry]
		test.Assert(t, present, "directory missing "+entry)
	}
	meta, ok := dir["meta"].(map[string]interface{})
	test.Assert(t, ok, "directory missing meta")
	test.AssertEquals(t, meta["termsOfService"], "https://example.com/terms")
}

func TestNonceEndpoint(t *testing.T) {
	tc := setupWFE(t)
	resp, err := http.Head(tc.ts.URL + "/acme/newnonce")
	test.AssertNotError(t, err, "HEAD newNonce")
	resp.Body.Close()
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)

	resp, err = http.Get(tc.ts.URL + "/acme/newnonce")
	test.AssertNotError(t, err, "GET newNonce")
	resp.Body.Close()
	test.AssertEquals(t, resp.StatusCode, http.StatusNoContent)
	test.Assert(t, resp.Header.Get("Replay-Nonce") != "", "newNonce response missing Replay-Nonce")
}

func TestNewAccount(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)

	resp := c.post(tc.ts.URL+"/acme/newaccount",
		`{"contact": ["mailto:admin@example.com"], "termsOfServiceAgreed": true}`)
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusCreated)
	location := resp.Header.Get("Location")
	test.Assert(t, strings.Contains(location, "/acme/acct/"), "bad account Location")
	test.AssertContains(t, body, `"valid"`)

	// Re-registering the same key is idempotent and returns 200.
	resp = c.post(tc.ts.URL+"/acme/newaccount",
		`{"contact": ["mailto:admin@example.com"], "termsOfServiceAgreed": true}`)
	readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
	test.AssertEquals(t, resp.Header.Get("Location"), location)
}

func TestNewAccountConcurrentRegistration(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	url := tc.ts.URL + "/acme/newaccount"

	// All requests carry the same key but their own nonce. Exactly one may
	// create; the rest must be handed the winner.
	const attempts = 8
	bodies := make([]string, attempts)
	for i := range bodies {
		bodies[i] = c.sign(url,
			`{"contact": ["mailto:admin@example.com"], "termsOfServiceAgreed": true}`,
			c.freshNonce())
	}

	type result struct {
		status   int
		location string
		err      error
	}
	results := make(chan result, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			resp, err := http.Post(url, "application/jose+json", strings.NewReader(body))
			if err != nil {
				results <- result{err: err}
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			results <- result{status: resp.StatusCode, location: resp.Header.Get("Location")}
		}(bodies[i])
	}
	wg.Wait()
	close(results)

	var created int
	var location string
	for res := range results {
		test.AssertNotError(t, res.err, "posting registration")
		switch res.status {
		case http.StatusCreated:
			created++
		case http.StatusOK:
		default:
			t.Fatalf("unexpected status %d from concurrent registration", res.status)
		}
		test.Assert(t, res.location != "", "registration response missing Location")
		if location == "" {
			location = res.location
		}
		test.AssertEquals(t, res.location, location)
	}
	test.AssertEquals(t, created, 1)
}

func TestNewAccountOnlyReturnExisting(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	resp := c.post(tc.ts.URL+"/acme/newaccount", `{"onlyReturnExisting": true}`)
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, body, "urn:ietf:params:acme:error:accountDoesNotExist")
}

func TestNewAccountBadContact(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	resp := c.post(tc.ts.URL+"/acme/newaccount",
		`{"contact": ["tel:+15551234567"], "termsOfServiceAgreed": true}`)
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, body, "urn:ietf:params:acme:error:unsupportedContact")
}

func TestAccountContactUpdate(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()

	resp := c.post(c.kid, `{"contact": ["mailto:ops@example.com"]}`)
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
	test.AssertContains(t, body, "mailto:ops@example.com")

	// The replacement set gets the same validation as registration.
	resp = c.post(c.kid, `{"contact": ["tel:+15551234567"]}`)
	body = readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, body, "urn:ietf:params:acme:error:unsupportedContact")
}

func TestAccountUpdateUnrecognizedPayload(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()

	resp := c.post(c.kid, `{"externalAccountBinding": {}}`)
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, body, "urn:ietf:params:acme:error:malformed")
}

func TestBadNonceRejected(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	url := tc.ts.URL + "/acme/newaccount"
	body := c.sign(url, `{"termsOfServiceAgreed": true}`, "bogus-nonce")
	resp, err := http.Post(url, "application/jose+json", strings.NewReader(body))
	test.AssertNotError(t, err, "posting request")
	respBody := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, respBody, "urn:ietf:params:acme:error:badNonce")
}

func TestAccountDeactivation(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()

	resp := c.post(c.kid, `{"status": "deactivated"}`)
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
	test.AssertContains(t, body, `"deactivated"`)

	// Any further request from the deactivated account is unauthorized.
	resp = c.post(tc.ts.URL+"/acme/neworders",
		`{"identifiers": [{"type": "dns", "value": "example.com"}]}`)
	body = readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusUnauthorized)
	test.AssertContains(t, body, "urn:ietf:params:acme:error:unauthorized")
}

// orderResponse is the subset of the order view the tests inspect.
type orderResponse struct {
	Status         string   `json:"status"`
	Authorizations []string `json:"authorizations"`
	Finalize       string   `json:"finalize"`
	Certificate    string   `json:"certificate"`
}

func (c *testClient) newOrder(domains ...string) (string, orderResponse) {
	c.t.Helper()
	idents := make([]string, 0, len(domains))
	for _, d := range domains {
		idents = append(idents, fmt.Sprintf(`{"type": "dns", "value": %q}`, d))
	}
	resp := c.post(c.ts.URL+"/acme/neworders",
		`{"identifiers": [`+strings.Join(idents, ", ")+`]}`)
	body := readBody(c.t, resp)
	test.AssertEquals(c.t, resp.StatusCode, http.StatusCreated)
	var order orderResponse
	err := json.Unmarshal([]byte(body), &order)
	test.AssertNotError(c.t, err, "parsing order response")
	return resp.Header.Get("Location"), order
}

func (c *testClient) getOrder(url string) orderResponse {
	c.t.Helper()
	resp := c.post(url, "")
	body := readBody(c.t, resp)
	test.AssertEquals(c.t, resp.StatusCode, http.StatusOK)
	var order orderResponse
	err := json.Unmarshal([]byte(body), &order)
	test.AssertNotError(c.t, err, "parsing order response")
	return order
}

func entityID(url string) string {
	return url[strings.LastIndex(url, "/")+1:]
}

func TestNewOrderAndAuthorization(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()

	orderURL, order := c.newOrder("example.com")
	test.Assert(t, orderURL != "", "no order Location")
	test.AssertEquals(t, order.Status, "pending")
	test.AssertEquals(t, len(order.Authorizations), 1)
	test.Assert(t, strings.HasSuffix(order.Finalize, "/finalize"), "bad finalize URL")

	resp := c.post(order.Authorizations[0], "")
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
	var authz struct {
		Status     string `json:"status"`
		Identifier struct {
			Value string `json:"value"`
		} `json:"identifier"`
		Challenges []struct {
			Type  string `json:"type"`
			URL   string `json:"url"`
			Token string `json:"token"`
		} `json:"challenges"`
	}
	err := json.Unmarshal([]byte(body), &authz)
	test.AssertNotError(t, err, "parsing authorization response")
	test.AssertEquals(t, authz.Status, "pending")
	test.AssertEquals(t, authz.Identifier.Value, "example.com")
	test.AssertEquals(t, len(authz.Challenges), 3)
	types := make([]string, 0, 3)
	for _, chall := range authz.Challenges {
		types = append(types, chall.Type)
		test.Assert(t, chall.Token != "", "challenge missing token")
	}
	test.AssertSliceContains(t, types, "http-01")
	test.AssertSliceContains(t, types, "dns-01")
	test.AssertSliceContains(t, types, "tls-alpn-01")
}

func TestRejectedIdentifiers(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()

	resp := c.post(tc.ts.URL+"/acme/neworders",
		`{"identifiers": [{"type": "dns", "value": "*.example.com"}]}`)
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, body, "urn:ietf:params:acme:error:rejectedIdentifier")

	resp = c.post(tc.ts.URL+"/acme/neworders", `{"identifiers": []}`)
	body = readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, body, "urn:ietf:params:acme:error:malformed")
}

func TestChallengePostEnqueuesValidation(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()

	_, order := c.newOrder("example.com")
	resp := c.post(order.Authorizations[0], "")
	body := readBody(t, resp)
	var authz struct {
		Challenges []struct {
			Type string `json:"type"`
			URL  string `json:"url"`
		} `json:"challenges"`
	}
	err := json.Unmarshal([]byte(body), &authz)
	test.AssertNotError(t, err, "parsing authorization response")

	var challURL string
	for _, chall := range authz.Challenges {
		if chall.Type == "http-01" {
			challURL = chall.URL
		}
	}
	test.Assert(t, challURL != "", "no http-01 challenge offered")

	resp = c.post(challURL, `{}`)
	body = readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)

	// The response reflects that validation is underway, not the pending
	// state the challenge was read in.
	var challView struct {
		Status string `json:"status"`
	}
	err = json.Unmarshal([]byte(body), &challView)
	test.AssertNotError(t, err, "parsing challenge response")
	test.AssertEquals(t, challView.Status, "processing")

	requests := tc.va.Requests()
	test.AssertEquals(t, len(requests), 1)
	test.AssertEquals(t, requests[0].ChallengeID, entityID(challURL))
	test.AssertEquals(t, requests[0].AccountURL, c.kid)
	test.Assert(t, requests[0].AccountThumbprint != "", "validation request missing thumbprint")

	// A second POST while the first is in flight schedules nothing new.
	resp = c.post(challURL, `{}`)
	body = readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
	err = json.Unmarshal([]byte(body), &challView)
	test.AssertNotError(t, err, "parsing challenge response")
	test.AssertEquals(t, challView.Status, "processing")
	test.AssertEquals(t, len(tc.va.Requests()), 1)
}

// forceAuthzsValid marks every authorization of an order valid directly in
// the store, standing in for completed validations.
func forceAuthzsValid(t *testing.T, tc *wfeTestCtx, order orderResponse) {
	t.Helper()
	for _, authzURL := range order.Authorizations {
		err := tc.sa.UpdateAuthorizationStatus(context.Background(), entityID(authzURL), core.StatusValid)
		test.AssertNotError(t, err, "marking authorization valid")
	}
}

func testCSR(t *testing.T, key *ecdsa.PrivateKey, domains []string) []byte {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}, key)
	test.AssertNotError(t, err, "creating CSR")
	return der
}

// testChain self-signs a certificate over key and returns its PEM chain and
// leaf DER.
func testChain(t *testing.T, key *ecdsa.PrivateKey, domain string) ([]byte, []byte) {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	test.AssertNotError(t, err, "creating certificate")
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), der
}

func waitForOrderStatus(t *testing.T, c *testClient, orderURL, status string) orderResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		order := c.getOrder(orderURL)
		if order.Status == status {
			return order
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("order did not reach status %q", status)
	return orderResponse{}
}

func TestFinalizeHappyPath(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()

	orderURL, order := c.newOrder("example.com")
	forceAuthzsValid(t, tc, order)
	test.AssertEquals(t, c.getOrder(orderURL).Status, "ready")

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating certificate key")
	chainPEM, _ := testChain(t, certKey, "example.com")
	tc.ca.ChainPEM = chainPEM

	csrDER := testCSR(t, certKey, []string{"example.com"})
	resp := c.post(order.Finalize,
		fmt.Sprintf(`{"csr": %q}`, base64.RawURLEncoding.EncodeToString(csrDER)))
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
	test.AssertContains(t, body, `"processing"`)

	final := waitForOrderStatus(t, c, orderURL, "valid")
	test.Assert(t, final.Certificate != "", "valid order missing certificate URL")

	resp = c.post(final.Certificate, "")
	certBody := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
	test.AssertEquals(t, resp.Header.Get("Content-Type"), "application/pem-certificate-chain")
	test.AssertEquals(t, certBody, string(chainPEM))
}

func TestFinalizeCSRNameMismatch(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()

	_, order := c.newOrder("example.com")
	forceAuthzsValid(t, tc, order)

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating certificate key")
	csrDER := testCSR(t, certKey, []string{"other.example.org"})
	resp := c.post(order.Finalize,
		fmt.Sprintf(`{"csr": %q}`, base64.RawURLEncoding.EncodeToString(csrDER)))
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, body, "urn:ietf:params:acme:error:badCSR")
}

func TestFinalizeNotReady(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()

	_, order := c.newOrder("example.com")
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating certificate key")
	csrDER := testCSR(t, certKey, []string{"example.com"})
	resp := c.post(order.Finalize,
		fmt.Sprintf(`{"csr": %q}`, base64.RawURLEncoding.EncodeToString(csrDER)))
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusForbidden)
	test.AssertContains(t, body, "urn:ietf:params:acme:error:orderNotReady")
}

// issueForClient walks an order through to valid and returns the leaf DER
// and its private key.
func issueForClient(t *testing.T, tc *wfeTestCtx, c *testClient, domain string) ([]byte, *ecdsa.PrivateKey) {
	t.Helper()
	orderURL, order := c.newOrder(domain)
	forceAuthzsValid(t, tc, order)

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating certificate key")
	chainPEM, der := testChain(t, certKey, domain)
	tc.ca.ChainPEM = chainPEM

	csrDER := testCSR(t, certKey, []string{domain})
	resp := c.post(order.Finalize,
		fmt.Sprintf(`{"csr": %q}`, base64.RawURLEncoding.EncodeToString(csrDER)))
	readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
	waitForOrderStatus(t, c, orderURL, "valid")
	return der, certKey
}

func TestRevokeByAccount(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()
	der, _ := issueForClient(t, tc, c, "example.com")

	payload := fmt.Sprintf(`{"certificate": %q, "reason": 1}`,
		base64.RawURLEncoding.EncodeToString(der))
	resp := c.post(tc.ts.URL+"/acme/revokecert", payload)
	readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
	test.AssertEquals(t, len(tc.ca.Revoked()), 1)

	// Double revocation.
	resp = c.post(tc.ts.URL+"/acme/revokecert", payload)
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, body, "urn:ietf:params:acme:error:alreadyRevoked")
}

func TestRevokeBadReason(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()
	der, _ := issueForClient(t, tc, c, "example.com")

	resp := c.post(tc.ts.URL+"/acme/revokecert",
		fmt.Sprintf(`{"certificate": %q, "reason": 2}`,
			base64.RawURLEncoding.EncodeToString(der)))
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusBadRequest)
	test.AssertContains(t, body, "urn:ietf:params:acme:error:badRevocationReason")
}

func TestRevokeByCertificateKey(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()
	der, certKey := issueForClient(t, tc, c, "example.com")

	// A fresh client signing with the certificate key and an embedded JWK.
	revoker := &testClient{t: t, ts: tc.ts, key: certKey}
	resp := revoker.post(tc.ts.URL+"/acme/revokecert",
		fmt.Sprintf(`{"certificate": %q}`, base64.RawURLEncoding.EncodeToString(der)))
	readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
}

func TestRevokeWrongAccount(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()
	der, _ := issueForClient(t, tc, c, "example.com")

	other := newTestClient(t, tc.ts)
	other.register()
	resp := other.post(tc.ts.URL+"/acme/revokecert",
		fmt.Sprintf(`{"certificate": %q}`, base64.RawURLEncoding.EncodeToString(der)))
	body := readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusUnauthorized)
	test.AssertContains(t, body, "urn:ietf:params:acme:error:unauthorized")
}

func TestKeyRollover(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()

	newKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating new key")
	oldJWK := jose.JSONWebKey{Key: c.key.Public()}
	oldJWKJSON, err := oldJWK.MarshalJSON()
	test.AssertNotError(t, err, "marshaling old key")

	url := tc.ts.URL + "/acme/key-change"
	innerSigner, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: newKey},
		&jose.SignerOptions{
			EmbedJWK: true,
			ExtraHeaders: map[jose.HeaderKey]interface{}{
				jose.HeaderKey("url"): url,
			},
		})
	test.AssertNotError(t, err, "creating inner signer")
	innerJWS, err := innerSigner.Sign([]byte(fmt.Sprintf(
		`{"account": %q, "oldKey": %s}`, c.kid, oldJWKJSON)))
	test.AssertNotError(t, err, "signing inner JWS")

	resp := c.post(url, innerJWS.FullSerialize())
	readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)

	// The new key now authenticates the account; the old key does not.
	c.key = newKey
	resp = c.post(c.kid, "")
	readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
}

func TestTriggerCompletesAsyncOrder(t *testing.T) {
	tc := setupWFE(t)
	c := newTestClient(t, tc.ts)
	c.register()

	// A nil chain from the CA means issuance completes via the webhook.
	tc.ca.ChainPEM = nil

	orderURL, order := c.newOrder("example.com")
	forceAuthzsValid(t, tc, order)

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating certificate key")
	csrDER := testCSR(t, certKey, []string{"example.com"})
	resp := c.post(order.Finalize,
		fmt.Sprintf(`{"csr": %q}`, base64.RawURLEncoding.EncodeToString(csrDER)))
	readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)
	test.AssertEquals(t, c.getOrder(orderURL).Status, "processing")

	_, der := testChain(t, certKey, "example.com")
	triggerBody := fmt.Sprintf(`{"payload": %q}`, base64.StdEncoding.EncodeToString(der))
	resp, err = http.Post(tc.ts.URL+"/trigger", "application/json", strings.NewReader(triggerBody))
	test.AssertNotError(t, err, "posting trigger")
	readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusOK)

	final := c.getOrder(orderURL)
	test.AssertEquals(t, final.Status, "valid")
	test.Assert(t, final.Certificate != "", "valid order missing certificate URL")
}

func TestTriggerNoMatchingOrder(t *testing.T) {
	tc := setupWFE(t)
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating certificate key")
	_, der := testChain(t, certKey, "example.com")

	triggerBody := fmt.Sprintf(`{"payload": %q}`, base64.StdEncoding.EncodeToString(der))
	resp, err := http.Post(tc.ts.URL+"/trigger", "application/json", strings.NewReader(triggerBody))
	test.AssertNotError(t, err, "posting trigger")
	readBody(t, resp)
	test.AssertEquals(t, resp.StatusCode, http.StatusNotFound)
}
