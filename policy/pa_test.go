package policy

import (
	"testing"

	"github.com/petra-ca/petra/core"
	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/identifier"
	blog "github.com/petra-ca/petra/log"
	"github.com/petra-ca/petra/test"
)

func paImpl(t *testing.T, allowWildcards bool) *AuthorityImpl {
	t.Helper()
	pa, err := New(map[core.AcmeChallenge]bool{
		core.ChallengeTypeHTTP01:    true,
		core.ChallengeTypeDNS01:     true,
		core.ChallengeTypeTLSALPN01: true,
	}, allowWildcards, blog.NewMock())
	test.AssertNotError(t, err, "creating policy authority")
	return pa
}

func TestNewRequiresChallengeTypes(t *testing.T) {
	_, err := New(map[core.AcmeChallenge]bool{}, false, blog.NewMock())
	test.AssertError(t, err, "expected error for empty challenge type map")
}

func TestValidDomain(t *testing.T) {
	valid := []string{
		"example.com",
		"sub.example.com",
		"a.b.c.d.example.com",
		"xn--bcher-kva.example.com",
		"example-hyphen.com",
	}
	for _, domain := range valid {
		err := ValidDomain(domain)
		test.AssertNotError(t, err, "rejected valid domain "+domain)
	}

	invalid := []string{
		"",
		"example",
		"*.example.com",
		"127.0.0.1",
		"2001:db8::1",
		"ex ample.com",
		"example..com",
		".example.com",
		"-example.com",
		"example-.com",
		"example.com.",
		"xn--invalid-punycode-!!!.com",
		"example.123",
		"com",
		"co.uk",
	}
	for _, domain := range invalid {
		err := ValidDomain(domain)
		test.AssertError(t, err, "accepted invalid domain "+domain)
	}
}

func TestValidDomainPublicSuffix(t *testing.T) {
	err := ValidDomain("co.uk")
	test.AssertError(t, err, "accepted bare public suffix")
	test.AssertErrorIs(t, err, berrors.RejectedIdentifier)
}

func TestWillingToIssue(t *testing.T) {
	pa := paImpl(t, false)

	err := pa.WillingToIssue([]identifier.ACMEIdentifier{identifier.NewDNS("example.com")})
	test.AssertNotError(t, err, "rejected plain dns identifier")

	err = pa.WillingToIssue(nil)
	test.AssertError(t, err, "accepted empty identifier set")
	test.AssertErrorIs(t, err, berrors.Malformed)

	err = pa.WillingToIssue([]identifier.ACMEIdentifier{{Type: "ip", Value: "10.0.0.1"}})
	test.AssertError(t, err, "accepted non-dns identifier type")
	test.AssertErrorIs(t, err, berrors.RejectedIdentifier)

	// One bad identifier poisons the whole set.
	err = pa.WillingToIssue([]identifier.ACMEIdentifier{
		identifier.NewDNS("example.com"),
		identifier.NewDNS("bad domain"),
	})
	test.AssertError(t, err, "accepted set containing an invalid domain")
}

func TestWillingToIssueWildcards(t *testing.T) {
	wildcard := []identifier.ACMEIdentifier{identifier.NewDNS("*.example.com")}

	pa := paImpl(t, false)
	err := pa.WillingToIssue(wildcard)
	test.AssertError(t, err, "accepted wildcard while disabled")
	test.AssertErrorIs(t, err, berrors.RejectedIdentifier)

	pa = paImpl(t, true)
	err = pa.WillingToIssue(wildcard)
	test.AssertNotError(t, err, "rejected wildcard while enabled")

	// Only a single leading wildcard label is ever acceptable.
	for _, value := range []string{"*.*.example.com", "foo.*.example.com", "foo*.example.com", "*.co.uk"} {
		err = pa.WillingToIssue([]identifier.ACMEIdentifier{identifier.NewDNS(value)})
		test.AssertError(t, err, "accepted malformed wildcard "+value)
	}
}

func TestChallengeTypesFor(t *testing.T) {
	pa := paImpl(t, true)

	challenges, err := pa.ChallengeTypesFor(identifier.NewDNS("example.com"))
	test.AssertNotError(t, err, "plain identifier")
	test.AssertEquals(t, len(challenges), 3)
	test.AssertSliceContains(t, challenges, core.ChallengeTypeHTTP01)
	test.AssertSliceContains(t, challenges, core.ChallengeTypeDNS01)
	test.AssertSliceContains(t, challenges, core.ChallengeTypeTLSALPN01)

	// Wildcards validate over DNS only.
	challenges, err = pa.ChallengeTypesFor(identifier.NewDNS("*.example.com"))
	test.AssertNotError(t, err, "wildcard identifier")
	test.AssertDeepEquals(t, challenges, []core.AcmeChallenge{core.ChallengeTypeDNS01})
}

func TestChallengeTypesForDNSAccount01(t *testing.T) {
	pa, err := New(map[core.AcmeChallenge]bool{
		core.ChallengeTypeHTTP01:       true,
		core.ChallengeTypeDNSAccount01: true,
	}, true, blog.NewMock())
	test.AssertNotError(t, err, "creating policy authority")

	challenges, err := pa.ChallengeTypesFor(identifier.NewDNS("example.com"))
	test.AssertNotError(t, err, "plain identifier")
	test.AssertSliceContains(t, challenges, core.ChallengeTypeDNSAccount01)

	challenges, err = pa.ChallengeTypesFor(identifier.NewDNS("*.example.com"))
	test.AssertNotError(t, err, "wildcard identifier")
	test.AssertDeepEquals(t, challenges, []core.AcmeChallenge{core.ChallengeTypeDNSAccount01})
}

func TestChallengeTypesForNoneEnabled(t *testing.T) {
	// Wildcards need a DNS challenge type, so an HTTP-only policy has
	// nothing to offer them.
	pa, err := New(map[core.AcmeChallenge]bool{
		core.ChallengeTypeHTTP01: true,
	}, true, blog.NewMock())
	test.AssertNotError(t, err, "creating policy authority")

	_, err = pa.ChallengeTypesFor(identifier.NewDNS("*.example.com"))
	test.AssertError(t, err, "offered challenges for unservable wildcard")
	test.AssertErrorIs(t, err, berrors.RejectedIdentifier)
}
