// Package csr checks certificate signing requests against the order they
// claim to finalize.
package csr

import (
	"crypto/x509"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/petra-ca/petra/core"
	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/goodkey"
)

// NamesFromCSR deduplicates and lowercases the SubjectAltName DNS names of a
// CSR, folding in the CommonName when present.
func NamesFromCSR(csr *x509.CertificateRequest) []string {
	var names []string
	if csr.Subject.CommonName != "" {
		names = append(names, strings.ToLower(csr.Subject.CommonName))
	}
	for _, name := range csr.DNSNames {
		names = append(names, strings.ToLower(name))
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// VerifyCSR checks the validity of a x509.CertificateRequest against the
// order being finalized. The CSR must be self-signed, its public key must
// pass the key policy, it must not request non-DNS SANs, and its name set
// must equal the order's identifier set exactly (case-insensitive).
func VerifyCSR(csr *x509.CertificateRequest, order *core.Order, keyPolicy *goodkey.KeyPolicy) error {
	err := csr.CheckSignature()
	if err != nil {
		return berrors.BadCSRError("invalid signature on CSR")
	}

	err = keyPolicy.GoodKey(csr.PublicKey)
	if err != nil {
		return berrors.BadCSRError("invalid public key in CSR: %s", err)
	}

	if len(csr.EmailAddresses) > 0 || len(csr.IPAddresses) > 0 || len(csr.URIs) > 0 {
		return berrors.BadCSRError("CSR contains non-DNS subjectAltNames")
	}

	csrNames := NamesFromCSR(csr)
	if len(csrNames) == 0 {
		return berrors.BadCSRError("at least one DNS name is required")
	}

	orderNames := make([]string, 0, len(order.Identifiers))
	for _, ident := range order.Identifiers {
		orderNames = append(orderNames, strings.ToLower(ident.Value))
	}
	slices.Sort(orderNames)
	orderNames = slices.Compact(orderNames)

	if !slices.Equal(csrNames, orderNames) {
		return berrors.BadCSRError(
			"CSR names do not match order identifiers: CSR has %q, order has %q",
			strings.Join(csrNames, ", "), strings.Join(orderNames, ", "))
	}

	return nil
}
