package va

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/petra-ca/petra/core"
	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/identifier"
)

// getAddrs will query for all A/AAAA records associated with hostname and
// return all addresses resolved. If there is an error resolving the hostname,
// or if no usable IP addresses are available, a berrors.DNSError instance is
// returned with a nil net.IP slice.
func (va *ValidationAuthorityImpl) getAddrs(ctx context.Context, hostname string) ([]net.IP, error) {
	addrs, err := va.dnsClient.LookupHost(ctx, hostname)
	if err != nil {
		return nil, berrors.DNSError("%v", err)
	}

	if len(addrs) == 0 {
		// This should be unreachable, as no valid IP addresses being found results
		// in an error being returned from LookupHost.
		return nil, berrors.DNSError("No valid IP addresses found for %s", hostname)
	}
	va.log.Debugf("Resolved addresses for %s: %s", hostname, addrs)
	return addrs, nil
}

// availableAddresses splits resolved addresses into IPv4 and IPv6 lists.
func availableAddresses(allAddrs []net.IP) (v4 []net.IP, v6 []net.IP) {
	for _, addr := range allAddrs {
		if addr.To4() != nil {
			v4 = append(v4, addr)
		} else {
			v6 = append(v6, addr)
		}
	}
	return
}

// calculateDNSAccount01Label calculates the label used in dns-account-01
// challenges, per draft-ietf-acme-dns-account-label.
//
// The label is calculated by:
// 1. Taking the SHA-256 hash of the account URL
// 2. Using the first 10 bytes of the hash
// 3. Encoding those bytes using standard base32 encoding
// 4. Prepending '_' (underscore)
//
// This function validates that the accountURL is non-empty, syntactically
// valid, and matches a configured account URL prefix before calculation.
func (va *ValidationAuthorityImpl) calculateDNSAccount01Label(accountURL string, accountURIPrefixes []string) (string, error) {
	// If the account URL is not formatted according to RFC 3986, reject it.
	_, err := url.Parse(accountURL)
	if err != nil {
		return "", berrors.MalformedError("Invalid Account URI syntax %q: %v", accountURL, err)
	}

	// Ensure the account URL matches a valid prefix
	var found bool
	for _, prefix := range accountURIPrefixes {
		if strings.HasPrefix(accountURL, prefix) {
			found = true
			break
		}
	}
	if !found {
		return "", berrors.UnauthorizedError("Invalid Account URI prefix: %s", accountURL)
	}

	h := sha256.Sum256([]byte(accountURL))
	label := fmt.Sprintf("_%s",
		strings.ToLower(base32.StdEncoding.EncodeToString(h[:10])))

	return label, nil
}

// validateDNSAccount01 validates the dns-account-01 challenge type.
//
// This challenge type is similar to dns-01 but uses a DNS record name that
// includes a label derived from the account URL, binding the challenge to a
// specific account.
//
// The DNS record format is: {accountLabel}._acme-challenge.{domain}
//
// Where {accountLabel} is produced by calculateDNSAccount01Label and
// {domain} is the domain being validated. The TXT record value is the same
// as for dns-01: a base64url encoded SHA-256 digest of the key authorization.
func (va *ValidationAuthorityImpl) validateDNSAccount01(ctx context.Context, ident identifier.ACMEIdentifier, keyAuthorization string, accountURL string) error {
	if !va.dnsAccount01Enabled {
		va.log.Infof("Got a dns-account-01 validation request but dns-account-01 challenge type is disabled")
		return berrors.UnauthorizedError("dns-account-01 challenge type disabled")
	}

	if ident.Type != identifier.TypeDNS {
		va.log.Infof("Identifier type for DNS-ACCOUNT-01 challenge was not DNS: %s", ident)
		return berrors.MalformedError("Identifier type for DNS-ACCOUNT-01 challenge was not DNS")
	}

	authorizedKeysDigest := keyAuthorizationDigest(keyAuthorization)

	label, err := va.calculateDNSAccount01Label(accountURL, va.accountURIPrefixes)
	if err != nil {
		return berrors.MalformedError("dns-account-01 label calculation failed: %s", err)
	}

	// Look for the required record in the DNS
	challengeSubdomain := fmt.Sprintf("%s.%s.%s", label, core.DNSPrefix, ident.Value)
	txts, err := va.dnsClient.LookupTXT(ctx, challengeSubdomain)
	if err != nil {
		return berrors.DNSError("%s", err)
	}

	// If there weren't any TXT records return a distinct error message to allow
	// troubleshooters to differentiate between no TXT records and
	// invalid/incorrect TXT records.
	if len(txts) == 0 {
		return berrors.UnauthorizedError("No TXT record found at %s", challengeSubdomain)
	}

	for _, element := range txts {
		if subtle.ConstantTimeCompare([]byte(element), []byte(authorizedKeysDigest)) == 1 {
			// Successful challenge validation
			return nil
		}
	}

	invalidRecord := txts[0]
	if len(invalidRecord) > 100 {
		invalidRecord = invalidRecord[0:100] + "..."
	}
	var andMore string
	if len(txts) > 1 {
		andMore = fmt.Sprintf(" (and %d more)", len(txts)-1)
	}
	return berrors.UnauthorizedError("Incorrect TXT record %q%s found at %s",
		invalidRecord, andMore, challengeSubdomain)
}

func (va *ValidationAuthorityImpl) validateDNS01(ctx context.Context, ident identifier.ACMEIdentifier, keyAuthorization string) error {
	if ident.Type != identifier.TypeDNS {
		va.log.Infof("Identifier type for DNS challenge was not DNS: %s", ident)
		return berrors.MalformedError("Identifier type for DNS challenge was not DNS")
	}

	authorizedKeysDigest := keyAuthorizationDigest(keyAuthorization)

	// Look for the required record in the DNS
	challengeSubdomain := fmt.Sprintf("%s.%s", core.DNSPrefix, ident.Value)
	txts, err := va.dnsClient.LookupTXT(ctx, challengeSubdomain)
	if err != nil {
		return berrors.DNSError("%s", err)
	}

	// If there weren't any TXT records return a distinct error message to allow
	// troubleshooters to differentiate between no TXT records and
	// invalid/incorrect TXT records.
	if len(txts) == 0 {
		return berrors.UnauthorizedError("No TXT record found at %s", challengeSubdomain)
	}

	for _, element := range txts {
		if subtle.ConstantTimeCompare([]byte(element), []byte(authorizedKeysDigest)) == 1 {
			// Successful challenge validation
			return nil
		}
	}

	invalidRecord := txts[0]
	if len(invalidRecord) > 100 {
		invalidRecord = invalidRecord[0:100] + "..."
	}
	var andMore string
	if len(txts) > 1 {
		andMore = fmt.Sprintf(" (and %d more)", len(txts)-1)
	}
	return berrors.UnauthorizedError("Incorrect TXT record %q%s found at %s",
		invalidRecord, andMore, challengeSubdomain)
}
