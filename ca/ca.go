// Package ca implements the certificate authority handler backing order
// finalization. The default handler is a local software CA that signs
// directly with an issuer key; issuance requests coming back asynchronously
// through the trigger endpoint bypass it entirely.
package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	zlintx509 "github.com/zmap/zcrypto/x509"
	"github.com/zmap/zlint/v3"
	"github.com/zmap/zlint/v3/lint"

	"github.com/petra-ca/petra/core"
	berrors "github.com/petra-ca/petra/errors"
	blog "github.com/petra-ca/petra/log"
)

// enrollmentTimeout bounds a single signing operation, including linting.
const enrollmentTimeout = 120 * time.Second

// defaultValidity is the lifetime of issued certificates.
const defaultValidity = 90 * 24 * time.Hour

// Config holds the local CA's knobs.
type Config struct {
	// IssuerCertPath and IssuerKeyPath point at the PEM encoded issuer.
	IssuerCertPath string
	IssuerKeyPath  string
	// Validity overrides defaultValidity when nonzero.
	Validity time.Duration
	// OCSPURL, IssuerURL and CRLURL populate the AIA and CRLDP extensions of
	// issued certificates when set.
	OCSPURL   string
	IssuerURL string
	CRLURL    string
	// PolicyOIDs are the certificate policy identifiers asserted on issued
	// certificates, e.g. the CABF DV policy 2.23.140.1.2.1.
	PolicyOIDs []string
	// IgnoredLints names zlint lints whose findings do not block issuance.
	IgnoredLints []string
}

// CAImpl is a core.CertificateAuthority signing locally with a software key.
type CAImpl struct {
	issuerCert *x509.Certificate
	issuerKey  crypto.Signer
	validity   time.Duration
	ocspURL    string
	issuerURL  string
	crlURL     string
	policies   []asn1.ObjectIdentifier
	registry   lint.Registry
	clk        clock.Clock
	log        blog.Logger

	signatures   *prometheus.CounterVec
	lintFailures prometheus.Counter
}

var _ core.CertificateAuthority = (*CAImpl)(nil)

// New loads the issuer and builds a local CA.
func New(config Config, stats prometheus.Registerer, clk clock.Clock, logger blog.Logger) (*CAImpl, error) {
	issuerCert, issuerKey, err := loadIssuer(config.IssuerCertPath, config.IssuerKeyPath)
	if err != nil {
		return nil, err
	}
	if config.Validity == 0 {
		config.Validity = defaultValidity
	}
	registry, err := lint.GlobalRegistry().Filter(lint.FilterOptions{
		ExcludeNames: config.IgnoredLints,
	})
	if err != nil {
		return nil, fmt.Errorf("building lint registry: %w", err)
	}

	signatures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ca_signatures",
		Help: "Signing operations performed, by purpose",
	}, []string{"purpose"})
	stats.MustRegister(signatures)
	lintFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ca_lint_failures",
		Help: "Certificates rejected by pre-issuance linting",
	})
	stats.MustRegister(lintFailures)

	policies, err := parsePolicyOIDs(config.PolicyOIDs)
	if err != nil {
		return nil, err
	}

	return &CAImpl{
		issuerCert:   issuerCert,
		issuerKey:    issuerKey,
		validity:     config.Validity,
		ocspURL:      config.OCSPURL,
		issuerURL:    config.IssuerURL,
		crlURL:       config.CRLURL,
		policies:     policies,
		registry:     registry,
		clk:          clk,
		log:          logger,
		signatures:   signatures,
		lintFailures: lintFailures,
	}, nil
}

func loadIssuer(certPath, keyPath string) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading issuer certificate: %w", err)
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, nil, errors.New("issuer certificate file is not a PEM CERTIFICATE")
	}
	issuerCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing issuer certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading issuer key: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("issuer key file is not PEM")
	}
	key, err := parsePrivateKey(keyBlock)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing issuer key: %w", err)
	}
	return issuerCert, key, nil
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("issuer key does not implement crypto.Signer")
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New("unrecognized private key format")
}

func parsePolicyOIDs(raw []string) ([]asn1.ObjectIdentifier, error) {
	var oids []asn1.ObjectIdentifier
	for _, s := range raw {
		var oid asn1.ObjectIdentifier
		for _, part := range strings.Split(s, ".") {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid policy OID %q", s)
			}
			oid = append(oid, n)
		}
		oids = append(oids, oid)
	}
	return oids, nil
}

// randomSerial draws a 136 bit positive serial.
func randomSerial() (*big.Int, error) {
	serialBytes := make([]byte, 17)
	serialBytes[0] = 0x01
	_, err := rand.Read(serialBytes[1:])
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(serialBytes), nil
}

// Enroll signs the CSR and returns a leaf-first PEM chain. The CSR has
// already been checked against the order; only signature and key-level
// checks are repeated here.
func (ca *CAImpl) Enroll(ctx context.Context, csrDER []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, enrollmentTimeout)
	defer cancel()

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, berrors.BadCSRError("parsing CSR: %s", err)
	}
	err = csr.CheckSignature()
	if err != nil {
		return nil, berrors.BadCSRError("CSR signature check failed: %s", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	notBefore := ca.clk.Now().Add(-5 * time.Minute)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		DNSNames:              csr.DNSNames,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(ca.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	if len(template.DNSNames) == 0 && csr.Subject.CommonName != "" {
		template.DNSNames = []string{csr.Subject.CommonName}
	}
	if ca.ocspURL != "" {
		template.OCSPServer = []string{ca.ocspURL}
	}
	if ca.issuerURL != "" {
		template.IssuingCertificateURL = []string{ca.issuerURL}
	}
	if ca.crlURL != "" {
		template.CRLDistributionPoints = []string{ca.crlURL}
	}
	template.PolicyIdentifiers = ca.policies

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.issuerCert, csr.PublicKey, ca.issuerKey)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	ca.signatures.WithLabelValues("certificate").Inc()

	err = ca.lintCertificate(der)
	if err != nil {
		ca.lintFailures.Inc()
		return nil, err
	}

	ca.log.Infof("issued certificate: serial=%036x names=%v", serial, template.DNSNames)
	return ca.chainPEM(der), nil
}

// lintCertificate runs the zlint corpus over the signed certificate and
// fails issuance on any error-level finding.
func (ca *CAImpl) lintCertificate(der []byte) error {
	parsed, err := zlintx509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parsing certificate for linting: %w", err)
	}
	results := zlint.LintCertificateEx(parsed, ca.registry)
	for name, result := range results.Results {
		if result.Status > lint.Warn {
			return fmt.Errorf("pre-issuance lint %q failed: %s", name, result.Status)
		}
	}
	return nil
}

// chainPEM encodes the leaf followed by the issuer.
func (ca *CAImpl) chainPEM(leafDER []byte) []byte {
	var chain []byte
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})...)
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.issuerCert.Raw})...)
	return chain
}

// Revoke records the revocation with the issuing CA. The local CA has no
// external revocation channel, so this logs and succeeds; CRL and OCSP
// distribution are the deployment's concern.
func (ca *CAImpl) Revoke(_ context.Context, certDER []byte, reason core.RevocationCode) error {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parsing certificate for revocation: %w", err)
	}
	ca.log.Infof("revoked certificate: serial=%036x reason=%d", cert.SerialNumber, reason)
	return nil
}

// Poll reports whether an asynchronously issued certificate is ready. The
// local CA issues synchronously, so there is never anything pending.
func (ca *CAImpl) Poll(_ context.Context, _ string) ([]byte, error) {
	return nil, nil
}
