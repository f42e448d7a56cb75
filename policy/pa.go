// Package policy decides which identifiers the server is willing to issue
// for and which challenge types each identifier is offered.
package policy

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/weppos/publicsuffix-go/publicsuffix"
	"golang.org/x/net/idna"

	"github.com/petra-ca/petra/core"
	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/identifier"
	blog "github.com/petra-ca/petra/log"
)

// AuthorityImpl enforces CA policy decisions.
type AuthorityImpl struct {
	log blog.Logger

	enabledChallenges map[core.AcmeChallenge]bool
	allowWildcards    bool
}

// New constructs a policy authority. At least one challenge type must be
// enabled.
func New(challengeTypes map[core.AcmeChallenge]bool, allowWildcards bool, log blog.Logger) (*AuthorityImpl, error) {
	anyEnabled := false
	for c, enabled := range challengeTypes {
		if !c.IsValid() {
			return nil, fmt.Errorf("unrecognized challenge type %q", c)
		}
		if enabled {
			anyEnabled = true
		}
	}
	if !anyEnabled {
		return nil, errors.New("no challenge types enabled")
	}
	return &AuthorityImpl{
		log:               log,
		enabledChallenges: challengeTypes,
		allowWildcards:    allowWildcards,
	}, nil
}

const (
	maxLabels = 10

	// RFC 1035 says DNS names have a max of 255 octets; encoding each label
	// costs an extra octet, leaving 253 characters of presentation form.
	maxDNSIdentifierLength = 253

	maxLabelLength = 63
)

var dnsLabelCharacterRegexp = regexp.MustCompile("^[a-z0-9-]+$")

// ValidDomain checks that a domain is syntactically acceptable: lowercase
// presentation-form FQDN, IDNA-valid, not an IP address, not a bare public
// suffix.
func ValidDomain(domain string) error {
	if domain == "" {
		return berrors.MalformedError("empty domain name")
	}
	if strings.HasPrefix(domain, "*.") {
		return berrors.MalformedError("wildcard domain name %q not permitted here", domain)
	}
	if len(domain) > maxDNSIdentifierLength {
		return berrors.MalformedError("domain name %q longer than %d characters", domain, maxDNSIdentifierLength)
	}
	if ip := net.ParseIP(domain); ip != nil {
		return berrors.MalformedError("domain name %q is an IP address", domain)
	}

	labels := strings.Split(domain, ".")
	if len(labels) > maxLabels {
		return berrors.MalformedError("domain name %q has more than %d labels", domain, maxLabels)
	}
	if len(labels) < 2 {
		return berrors.MalformedError("domain name %q needs at least one dot", domain)
	}
	for _, label := range labels {
		if label == "" {
			return berrors.MalformedError("domain name %q contains an empty label", domain)
		}
		if len(label) > maxLabelLength {
			return berrors.MalformedError("label %q in domain %q longer than %d characters", label, domain, maxLabelLength)
		}
		if !dnsLabelCharacterRegexp.MatchString(label) {
			return berrors.MalformedError("domain name %q contains invalid characters", domain)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return berrors.MalformedError("label %q in domain %q starts or ends with a hyphen", label, domain)
		}
		// An xn-- label must round-trip through IDNA; anything else with
		// hyphens in positions three and four is reserved.
		if len(label) >= 4 && label[2:4] == "--" {
			if !strings.HasPrefix(label, "xn--") {
				return berrors.MalformedError("label %q in domain %q has reserved hyphens", label, domain)
			}
			ulabel, err := idna.ToUnicode(label)
			if err != nil || ulabel == label {
				return berrors.MalformedError("label %q in domain %q is not valid punycode", label, domain)
			}
		}
	}

	// The final label can't be entirely numeric.
	if regexp.MustCompile("^[0-9]+$").MatchString(labels[len(labels)-1]) {
		return berrors.MalformedError("domain name %q has an all-numeric TLD", domain)
	}

	// Names equal to a public suffix (e.g. "co.uk") are not issuable.
	registeredDomain, err := publicsuffix.Domain(domain)
	if err != nil || registeredDomain == "" {
		return berrors.RejectedIdentifierError("domain name %q is a public suffix or has no public suffix", domain)
	}

	return nil
}

// WillingToIssue checks whether the policy authority will issue for every
// identifier in the set. The set must be non-empty, all identifiers must be
// of type dns, and each value must pass ValidDomain. Wildcards are only
// accepted when configured.
func (pa *AuthorityImpl) WillingToIssue(idents []identifier.ACMEIdentifier) error {
	if len(idents) == 0 {
		return berrors.MalformedError("no identifiers specified")
	}
	for _, ident := range idents {
		if ident.Type != identifier.TypeDNS {
			return berrors.RejectedIdentifierError("unsupported identifier type %q", ident.Type)
		}
		domain := ident.Value
		if strings.HasPrefix(domain, "*.") {
			if !pa.allowWildcards {
				return berrors.RejectedIdentifierError("wildcard identifier %q not permitted", domain)
			}
			domain = strings.TrimPrefix(domain, "*.")
			if strings.Contains(domain, "*") {
				return berrors.RejectedIdentifierError("identifier %q contains an invalid wildcard", ident.Value)
			}
		} else if strings.Contains(domain, "*") {
			return berrors.RejectedIdentifierError("identifier %q contains an invalid wildcard", ident.Value)
		}
		err := ValidDomain(domain)
		if err != nil {
			return err
		}
	}
	return nil
}

// ChallengeTypesFor returns the enabled challenge types the given identifier
// may be validated with. Wildcard identifiers can only be validated over DNS.
func (pa *AuthorityImpl) ChallengeTypesFor(ident identifier.ACMEIdentifier) ([]core.AcmeChallenge, error) {
	var challenges []core.AcmeChallenge

	if strings.HasPrefix(ident.Value, "*.") {
		for _, c := range []core.AcmeChallenge{core.ChallengeTypeDNS01, core.ChallengeTypeDNSAccount01} {
			if pa.enabledChallenges[c] {
				challenges = append(challenges, c)
			}
		}
	} else {
		for _, c := range []core.AcmeChallenge{
			core.ChallengeTypeHTTP01,
			core.ChallengeTypeDNS01,
			core.ChallengeTypeTLSALPN01,
			core.ChallengeTypeDNSAccount01,
		} {
			if pa.enabledChallenges[c] {
				challenges = append(challenges, c)
			}
		}
	}

	if len(challenges) == 0 {
		return nil, berrors.RejectedIdentifierError("no enabled challenge types for identifier %q", ident.Value)
	}
	return challenges, nil
}
