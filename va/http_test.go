package va

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/petra-ca/petra/identifier"
	"github.com/petra-ca/petra/probs"
	"github.com/petra-ca/petra/test"
)

// httpChallengeServer serves a key authorization at the well-known path and
// points the validation authority's HTTP port at itself.
func httpChallengeServer(t *testing.T, va *ValidationAuthorityImpl, handler http.Handler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	_, portStr, err := net.SplitHostPort(server.Listener.Addr().(*net.TCPAddr).String())
	test.AssertNotError(t, err, "splitting test server address")
	port, err := strconv.Atoi(portStr)
	test.AssertNotError(t, err, "parsing test server port")
	va.httpPort = port
	return server
}

func keyAuthHandler(token, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wellKnownPath+token {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	})
}

func TestHTTP01ValidationOK(t *testing.T) {
	va, _, _ := setup(t)
	httpChallengeServer(t, va, keyAuthHandler(expectedToken, expectedKeyAuthorization))

	err := va.validateHTTP01(context.Background(), identifier.NewDNS("localhost"), expectedToken, expectedKeyAuthorization)
	test.AssertNotError(t, err, "Should be valid")
}

func TestHTTP01ValidationTrailingNewline(t *testing.T) {
	va, _, _ := setup(t)
	httpChallengeServer(t, va, keyAuthHandler(expectedToken, expectedKeyAuthorization+"\n"))

	err := va.validateHTTP01(context.Background(), identifier.NewDNS("localhost"), expectedToken, expectedKeyAuthorization)
	test.AssertNotError(t, err, "Trailing newline should be tolerated")
}

func TestHTTP01ValidationWrongBody(t *testing.T) {
	va, _, _ := setup(t)
	httpChallengeServer(t, va, keyAuthHandler(expectedToken, "not-the-key-authorization"))

	err := va.validateHTTP01(context.Background(), identifier.NewDNS("localhost"), expectedToken, expectedKeyAuthorization)
	test.AssertError(t, err, "Expected validation to fail with wrong body")
	prob := detailedError(err)
	test.AssertEquals(t, prob.Type, probs.UnauthorizedProblem)
}

func TestHTTP01ValidationNotFound(t *testing.T) {
	va, _, _ := setup(t)
	httpChallengeServer(t, va, http.NotFoundHandler())

	err := va.validateHTTP01(context.Background(), identifier.NewDNS("localhost"), expectedToken, expectedKeyAuthorization)
	test.AssertError(t, err, "Expected validation to fail with 404")
	test.AssertContains(t, err.Error(), "404")
}

func TestHTTP01ValidationConnectionRefused(t *testing.T) {
	va, _, _ := setup(t)
	// A port nothing is listening on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	test.AssertNotError(t, err, "finding free port")
	va.httpPort = listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	err = va.validateHTTP01(context.Background(), identifier.NewDNS("localhost"), expectedToken, expectedKeyAuthorization)
	test.AssertError(t, err, "Expected validation to fail with connection refused")
	prob := detailedError(err)
	test.AssertEquals(t, prob.Type, probs.ConnectionProblem)
}

func TestHTTP01ValidationRedirectLoop(t *testing.T) {
	va, _, _ := setup(t)
	var server *httptest.Server
	server = httpChallengeServer(t, va, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, fmt.Sprintf("http://localhost:%d%s", va.httpPort, r.URL.Path), http.StatusFound)
	}))
	_ = server

	err := va.validateHTTP01(context.Background(), identifier.NewDNS("localhost"), expectedToken, expectedKeyAuthorization)
	test.AssertError(t, err, "Expected validation to fail in a redirect loop")
	test.AssertContains(t, err.Error(), "redirect")
}

func TestHTTP01ValidationDisallowedRedirectPort(t *testing.T) {
	va, _, _ := setup(t)
	httpChallengeServer(t, va, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://localhost:8080"+r.URL.Path, http.StatusFound)
	}))

	err := va.validateHTTP01(context.Background(), identifier.NewDNS("localhost"), expectedToken, expectedKeyAuthorization)
	test.AssertError(t, err, "Expected validation to fail on a redirect to a disallowed port")
	test.AssertContains(t, err.Error(), "disallowed redirect port")
}

func TestHTTP01ValidationNotDNSIdentifier(t *testing.T) {
	va, _, _ := setup(t)
	notDNS := identifier.ACMEIdentifier{Type: identifier.IdentifierType("iris"), Value: "x"}
	err := va.validateHTTP01(context.Background(), notDNS, expectedToken, expectedKeyAuthorization)
	prob := detailedError(err)
	test.AssertEquals(t, prob.Type, probs.MalformedProblem)
}
