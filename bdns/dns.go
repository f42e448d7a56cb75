// Package bdns wraps DNS resolution for challenge validation. Queries go to
// explicitly configured recursive resolvers rather than the system stub so
// the validation path is under our control and testable against local
// servers.
package bdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	blog "github.com/petra-ca/petra/log"
)

// Client queries DNS on behalf of the validation authority.
type Client interface {
	// LookupTXT returns the TXT records at hostname, joined per RFC 7208
	// (character-strings of one record concatenated).
	LookupTXT(ctx context.Context, hostname string) ([]string, error)
	// LookupHost returns all A and AAAA records for hostname.
	LookupHost(ctx context.Context, hostname string) ([]net.IP, error)
}

// Error wraps a DNS-level failure with enough detail for a client-visible
// problem document.
type Error struct {
	recordType uint16
	hostname   string
	underlying error
	rCode      int
}

func (d Error) Error() string {
	if d.underlying != nil {
		return fmt.Sprintf("DNS problem: query for %s %q failed: %s", dns.TypeToString[d.recordType], d.hostname, d.underlying)
	}
	return fmt.Sprintf("DNS problem: %s looking up %s for %q", dns.RcodeToString[d.rCode], dns.TypeToString[d.recordType], d.hostname)
}

type impl struct {
	dnsClient *dns.Client
	servers   []string
	retries   int
	log       blog.Logger
	clk       clock.Clock

	queryTime *prometheus.HistogramVec
}

// New constructs a Client sending queries to the given resolver addresses
// (host:port), with the given per-query timeout.
func New(
	readTimeout time.Duration,
	servers []string,
	stats prometheus.Registerer,
	clk clock.Clock,
	maxTries int,
	log blog.Logger,
) (Client, error) {
	if len(servers) == 0 {
		return nil, errors.New("no DNS resolvers configured")
	}
	queryTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "dns_query_time",
			Help: "time taken to perform a DNS query",
		},
		[]string{"qtype", "result"})
	stats.MustRegister(queryTime)

	return &impl{
		dnsClient: &dns.Client{
			Net:         "udp",
			ReadTimeout: readTimeout,
		},
		servers:   servers,
		retries:   maxTries,
		log:       log,
		clk:       clk,
		queryTime: queryTime,
	}, nil
}

// exchangeOne performs a single query against one of the configured servers,
// retrying across servers, with a TCP retry on truncation.
func (c *impl) exchangeOne(ctx context.Context, hostname string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), qtype)
	m.SetEdns0(4096, false)

	var lastErr error
	for try := 0; try < c.retries; try++ {
		server := c.servers[try%len(c.servers)]
		begin := c.clk.Now()
		resp, _, err := c.dnsClient.ExchangeContext(ctx, m, server)
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.queryTime.With(prometheus.Labels{
			"qtype":  dns.TypeToString[qtype],
			"result": result,
		}).Observe(c.clk.Since(begin).Seconds())
		if err != nil {
			lastErr = err
			// A cancelled or deadlined context will not improve with retries.
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.Truncated {
			tcpClient := &dns.Client{Net: "tcp", ReadTimeout: c.dnsClient.ReadTimeout}
			resp, _, err = tcpClient.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = err
				continue
			}
		}
		return resp, nil
	}
	return nil, Error{recordType: qtype, hostname: hostname, underlying: lastErr}
}

func (c *impl) LookupTXT(ctx context.Context, hostname string) ([]string, error) {
	resp, err := c.exchangeOne(ctx, hostname, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, Error{recordType: dns.TypeTXT, hostname: hostname, rCode: resp.Rcode}
	}
	var txt []string
	for _, answer := range resp.Answer {
		if t, ok := answer.(*dns.TXT); ok {
			txt = append(txt, strings.Join(t.Txt, ""))
		}
	}
	return txt, nil
}

func (c *impl) LookupHost(ctx context.Context, hostname string) ([]net.IP, error) {
	var addrs []net.IP

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := c.exchangeOne(ctx, hostname, qtype)
		if err != nil {
			return nil, err
		}
		if resp.Rcode != dns.RcodeSuccess {
			// NXDOMAIN or SERVFAIL on either family is terminal; an empty
			// NOERROR answer is not.
			if resp.Rcode != dns.RcodeNameError {
				return nil, Error{recordType: qtype, hostname: hostname, rCode: resp.Rcode}
			}
			continue
		}
		for _, answer := range resp.Answer {
			switch rr := answer.(type) {
			case *dns.A:
				addrs = append(addrs, rr.A)
			case *dns.AAAA:
				addrs = append(addrs, rr.AAAA)
			}
		}
	}

	if len(addrs) == 0 {
		return nil, Error{recordType: dns.TypeA, hostname: hostname, rCode: dns.RcodeNameError}
	}
	return addrs, nil
}
