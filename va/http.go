package va

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/identifier"
)

const (
	// wellKnownPath is the prefix of http-01 challenge URLs, per RFC 8555
	// section 8.3.
	wellKnownPath = "/.well-known/acme-challenge/"

	// maxRedirect is how many redirects a single http-01 fetch will follow.
	maxRedirect = 10

	// maxResponseSize bounds the challenge response body read from the
	// server. Key authorizations are far smaller than this.
	maxResponseSize = 128
)

// httpDialer returns a DialContext that resolves hostnames through the
// configured DNS client instead of the system resolver, preferring IPv4.
// Redirect targets get re-resolved the same way because every dial passes
// through here.
func (va *ValidationAuthorityImpl) httpDialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if ip := net.ParseIP(host); ip != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		addrs, err := va.getAddrs(ctx, host)
		if err != nil {
			return nil, err
		}
		v4, v6 := availableAddresses(addrs)
		var target net.IP
		if len(v4) > 0 {
			target = v4[0]
		} else {
			target = v6[0]
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(target.String(), port))
	}
}

// checkRedirect enforces the redirect policy for http-01 fetches: bounded
// depth, http or https only, and only the validation ports.
func (va *ValidationAuthorityImpl) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirect {
		return berrors.ConnectionFailureError("too many redirects")
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return berrors.ConnectionFailureError("disallowed redirect scheme %q", req.URL.Scheme)
	}
	if port := req.URL.Port(); port != "" {
		portNum, err := strconv.Atoi(port)
		if err != nil {
			return berrors.ConnectionFailureError("invalid redirect port %q", port)
		}
		if portNum != va.httpPort && portNum != va.tlsPort {
			return berrors.ConnectionFailureError("disallowed redirect port %d", portNum)
		}
	}
	return nil
}

// validateHTTP01 fetches the challenge URL over plain HTTP on the validation
// port and compares the trimmed body against the expected key authorization.
func (va *ValidationAuthorityImpl) validateHTTP01(ctx context.Context, ident identifier.ACMEIdentifier, token string, keyAuthorization string) error {
	if ident.Type != identifier.TypeDNS {
		va.log.Infof("Identifier type for HTTP challenge was not DNS: %s", ident)
		return berrors.MalformedError("Identifier type for HTTP challenge was not DNS")
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: va.httpDialer(),
			// Challenge responses are single fetches; connection reuse buys
			// nothing here.
			DisableKeepAlives: true,
		},
		CheckRedirect: va.checkRedirect,
	}

	url := fmt.Sprintf("http://%s%s%s",
		net.JoinHostPort(ident.Value, strconv.Itoa(va.httpPort)),
		wellKnownPath, token)
	va.log.Debugf("Attempting to validate http-01 for %q", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return berrors.MalformedError("building challenge request: %s", err)
	}
	req.Header.Set("User-Agent", "petra-validator/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return berrors.ConnectionFailureError("Fetching %s: %s", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return berrors.UnauthorizedError("Invalid response from %s: %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return berrors.ConnectionFailureError("Reading response from %s: %s", url, err)
	}
	if len(body) > maxResponseSize {
		return berrors.UnauthorizedError("Invalid response from %s: body too large", url)
	}

	payload := strings.TrimRight(string(body), "\n\r\t ")
	if payload != keyAuthorization {
		return berrors.UnauthorizedError("The key authorization file from the server did not match this challenge %q != %q",
			keyAuthorization, payload)
	}
	return nil
}
