package va

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/asn1"
	"net"
	"strconv"
	"strings"
	"time"

	berrors "github.com/petra-ca/petra/errors"
	"github.com/petra-ca/petra/identifier"
)

// ACMETLS1Protocol is the ALPN protocol ID negotiated during tls-alpn-01
// validation, per RFC 8737.
const ACMETLS1Protocol = "acme-tls/1"

// IdPeAcmeIdentifier is the id-pe-acmeIdentifier OID (1.3.6.1.5.5.7.1.31)
// carried as a critical extension in the validation certificate.
var IdPeAcmeIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// validateTLSALPN01 performs a TLS handshake with the acme-tls/1 ALPN
// protocol and checks the presented self-signed certificate: the SNI name as
// its only SAN and the SHA-256 digest of the key authorization inside a
// critical id-pe-acmeIdentifier extension.
func (va *ValidationAuthorityImpl) validateTLSALPN01(ctx context.Context, ident identifier.ACMEIdentifier, keyAuthorization string) error {
	if ident.Type != identifier.TypeDNS {
		va.log.Infof("Identifier type for TLS-ALPN challenge was not DNS: %s", ident)
		return berrors.MalformedError("Identifier type for TLS-ALPN challenge was not DNS")
	}

	addrs, err := va.getAddrs(ctx, ident.Value)
	if err != nil {
		return err
	}
	v4, v6 := availableAddresses(addrs)
	var target net.IP
	if len(v4) > 0 {
		target = v4[0]
	} else {
		target = v6[0]
	}
	hostPort := net.JoinHostPort(target.String(), strconv.Itoa(va.tlsPort))
	va.log.Debugf("Attempting to validate tls-alpn-01 for %q (%s)", ident.Value, hostPort)

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 10 * time.Second},
		Config: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{ACMETLS1Protocol},
			ServerName: ident.Value,
			// The server presents a self-signed certificate bound to the
			// challenge, not a chain to a trust anchor.
			InsecureSkipVerify: true,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		// A tlsAlert with code 120 (no_application_protocol) means the
		// server does not speak acme-tls/1 at all.
		if strings.Contains(err.Error(), "no application protocol") {
			return berrors.TLSError("Server does not support the acme-tls/1 protocol")
		}
		return berrors.ConnectionFailureError("Connecting to %s: %s", hostPort, err)
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return berrors.TLSError("Connection to %s was not TLS", hostPort)
	}
	cs := tlsConn.ConnectionState()
	if cs.NegotiatedProtocol != ACMETLS1Protocol {
		return berrors.TLSError("Server did not negotiate the acme-tls/1 protocol")
	}
	if len(cs.PeerCertificates) == 0 {
		return berrors.TLSError("Server presented no certificate")
	}
	leaf := cs.PeerCertificates[0]

	if len(leaf.DNSNames) != 1 || !strings.EqualFold(leaf.DNSNames[0], ident.Value) {
		return berrors.UnauthorizedError(
			"Certificate presented for tls-alpn-01 challenge did not contain a single dNSName matching %q", ident.Value)
	}

	expected := sha256.Sum256([]byte(keyAuthorization))
	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(IdPeAcmeIdentifier) {
			continue
		}
		if !ext.Critical {
			return berrors.UnauthorizedError("acmeIdentifier extension is not critical")
		}
		var digest []byte
		rest, err := asn1.Unmarshal(ext.Value, &digest)
		if err != nil || len(rest) > 0 {
			return berrors.UnauthorizedError("Malformed acmeIdentifier extension value")
		}
		if subtle.ConstantTimeCompare(digest, expected[:]) != 1 {
			return berrors.UnauthorizedError(
				"Expected acmeIdentifier extension to contain the SHA-256 digest of the key authorization")
		}
		return nil
	}
	return berrors.UnauthorizedError("Certificate presented for tls-alpn-01 challenge has no acmeIdentifier extension")
}
