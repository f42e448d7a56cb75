package va

import (
	"context"
	"testing"

	"github.com/petra-ca/petra/bdns"
	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/identifier"
	"github.com/petra-ca/petra/probs"
	"github.com/petra-ca/petra/test"
)

func dnsTestVA(t *testing.T) (*ValidationAuthorityImpl, *bdns.MockClient) {
	t.Helper()
	va, mockDNS, _ := setup(t)
	digest := keyAuthorizationDigest(expectedKeyAuthorization)
	mockDNS.AddTXT("_acme-challenge.good-dns01.com", []string{digest})
	mockDNS.AddTXT("_acme-challenge.wrong-dns01.com", []string{"a"})
	mockDNS.AddTXT("_acme-challenge.wrong-many-dns01.com", []string{"a", "b", "c", "d", "e"})
	mockDNS.AddTXT("_acme-challenge.long-dns01.com", []string{
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	mockDNS.AddTXT("_acme-challenge.empty-txts.com", []string{})
	mockDNS.SetError("_acme-challenge.servfail.com", bdns.ServfailError("_acme-challenge.servfail.com"))

	mockDNS.AddTXT(testAccountLabel+"._acme-challenge.good-dns01.com", []string{digest})
	mockDNS.AddTXT(testAccountLabel+"._acme-challenge.wrong-dns01.com", []string{"a"})
	return va, mockDNS
}

func TestDNS01ValidationOK(t *testing.T) {
	va, _ := dnsTestVA(t)
	err := va.validateDNS01(context.Background(), identifier.NewDNS("good-dns01.com"), expectedKeyAuthorization)
	test.AssertNotError(t, err, "Should be valid")
}

func TestDNS01ValidationWrong(t *testing.T) {
	va, _ := dnsTestVA(t)
	err := va.validateDNS01(context.Background(), identifier.NewDNS("wrong-dns01.com"), expectedKeyAuthorization)
	if err == nil {
		t.Fatalf("Successful DNS validation with wrong TXT record")
	}
	prob := detailedError(err)
	test.AssertEquals(t, prob.Type, probs.UnauthorizedProblem)
	test.AssertEquals(t, prob.Detail, `Incorrect TXT record "a" found at _acme-challenge.wrong-dns01.com`)
}

func TestDNS01ValidationWrongMany(t *testing.T) {
	va, _ := dnsTestVA(t)
	err := va.validateDNS01(context.Background(), identifier.NewDNS("wrong-many-dns01.com"), expectedKeyAuthorization)
	if err == nil {
		t.Fatalf("Successful DNS validation with wrong TXT record")
	}
	test.AssertContains(t, err.Error(), `Incorrect TXT record "a" (and 4 more) found at _acme-challenge.wrong-many-dns01.com`)
}

func TestDNS01ValidationWrongLong(t *testing.T) {
	va, _ := dnsTestVA(t)
	err := va.validateDNS01(context.Background(), identifier.NewDNS("long-dns01.com"), expectedKeyAuthorization)
	if err == nil {
		t.Fatalf("Successful DNS validation with wrong TXT record")
	}
	// Overlong records are truncated in the error detail.
	test.AssertContains(t, err.Error(), "...")
}

func TestDNS01ValidationNoTXT(t *testing.T) {
	va, _ := dnsTestVA(t)
	err := va.validateDNS01(context.Background(), identifier.NewDNS("empty-txts.com"), expectedKeyAuthorization)
	test.AssertError(t, err, "Expected validation to fail with no TXT records")
	test.AssertContains(t, err.Error(), "No TXT record found at _acme-challenge.empty-txts.com")
}

func TestDNS01ValidationServFail(t *testing.T) {
	va, _ := dnsTestVA(t)
	err := va.validateDNS01(context.Background(), identifier.NewDNS("servfail.com"), expectedKeyAuthorization)
	prob := detailedError(err)
	test.AssertEquals(t, prob.Type, probs.DNSProblem)
}

func TestDNS01ValidationNotDNSIdentifier(t *testing.T) {
	va, _ := dnsTestVA(t)
	notDNS := identifier.ACMEIdentifier{
		Type:  identifier.IdentifierType("iris"),
		Value: "790DB180-A274-47A4-855F-31C428CB1072",
	}
	err := va.validateDNS01(context.Background(), notDNS, expectedKeyAuthorization)
	prob := detailedError(err)
	test.AssertEquals(t, prob.Type, probs.MalformedProblem)
}

func TestDNSAccount01Label(t *testing.T) {
	va, _ := dnsTestVA(t)
	label, err := va.calculateDNSAccount01Label(testAccountURL, va.accountURIPrefixes)
	test.AssertNotError(t, err, "calculating label")
	test.AssertEquals(t, label, testAccountLabel)
}

func TestDNSAccount01LabelBadPrefix(t *testing.T) {
	va, _ := dnsTestVA(t)
	_, err := va.calculateDNSAccount01Label("https://other.example.net/acme/acct/12345", va.accountURIPrefixes)
	test.AssertError(t, err, "Expected label calculation to fail with foreign prefix")
	test.AssertErrorIs(t, err, berrors.Unauthorized)
}

func TestDNSAccount01ValidationOK(t *testing.T) {
	va, _ := dnsTestVA(t)
	err := va.validateDNSAccount01(context.Background(), identifier.NewDNS("good-dns01.com"), expectedKeyAuthorization, testAccountURL)
	test.AssertNotError(t, err, "Should be valid")
}

func TestDNSAccount01ValidationWrong(t *testing.T) {
	va, _ := dnsTestVA(t)
	err := va.validateDNSAccount01(context.Background(), identifier.NewDNS("wrong-dns01.com"), expectedKeyAuthorization, testAccountURL)
	if err == nil {
		t.Fatalf("Successful DNS validation with wrong TXT record")
	}
	test.AssertContains(t, err.Error(),
		`Incorrect TXT record "a" found at `+testAccountLabel+`._acme-challenge.wrong-dns01.com`)
}

func TestDNSAccount01ValidationDisabled(t *testing.T) {
	va, _ := dnsTestVA(t)
	va.dnsAccount01Enabled = false
	err := va.validateDNSAccount01(context.Background(), identifier.NewDNS("good-dns01.com"), expectedKeyAuthorization, testAccountURL)
	test.AssertError(t, err, "Expected validation to fail with challenge type disabled")
	test.AssertContains(t, err.Error(), "dns-account-01 challenge type disabled")
}

func TestDNSAccount01ValidationWrongAccount(t *testing.T) {
	va, _ := dnsTestVA(t)
	err := va.validateDNSAccount01(context.Background(), identifier.NewDNS("good-dns01.com"), expectedKeyAuthorization,
		"https://example.com/acme/acct/DifferentAccount")
	test.AssertError(t, err, "Expected validation to fail with a different account URL")
	test.AssertContains(t, err.Error(), "No TXT record found")
}

func TestDNSAccount01ValidationEmptyAccountURL(t *testing.T) {
	va, _ := dnsTestVA(t)
	err := va.validateDNSAccount01(context.Background(), identifier.NewDNS("good-dns01.com"), expectedKeyAuthorization, "")
	test.AssertError(t, err, "Expected validation to fail with empty account URL")
}
