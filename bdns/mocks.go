package bdns

import (
	"context"
	"net"
	"sync"

	"github.com/miekg/dns"
)

// MockClient is a Client that serves canned records for tests.
type MockClient struct {
	mu sync.Mutex
	// TXT maps a fully qualified lookup name to its TXT record values.
	TXT map[string][]string
	// Hosts maps a hostname to its resolved addresses.
	Hosts map[string][]net.IP
	// Errors maps a lookup name to a forced error.
	Errors map[string]error
}

// NewMockClient returns an empty MockClient. Unknown hostnames resolve to
// 127.0.0.1 and have no TXT records.
func NewMockClient() *MockClient {
	return &MockClient{
		TXT:    map[string][]string{},
		Hosts:  map[string][]net.IP{},
		Errors: map[string]error{},
	}
}

// AddTXT registers TXT values for name.
func (m *MockClient) AddTXT(name string, values []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TXT[name] = values
}

// AddHost registers addresses for hostname.
func (m *MockClient) AddHost(hostname string, addrs []net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Hosts[hostname] = addrs
}

// SetError forces lookups of name to fail.
func (m *MockClient) SetError(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[name] = err
}

func (m *MockClient) LookupTXT(_ context.Context, hostname string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.Errors[hostname]; ok {
		return nil, err
	}
	return m.TXT[hostname], nil
}

func (m *MockClient) LookupHost(_ context.Context, hostname string) ([]net.IP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.Errors[hostname]; ok {
		return nil, err
	}
	if addrs, ok := m.Hosts[hostname]; ok {
		if len(addrs) == 0 {
			return nil, Error{recordType: dns.TypeA, hostname: hostname, rCode: dns.RcodeNameError}
		}
		return addrs, nil
	}
	return []net.IP{net.ParseIP("127.0.0.1")}, nil
}

// ServfailError returns the error a SERVFAIL response produces, for tests
// that force resolver failures.
func ServfailError(hostname string) error {
	return Error{recordType: dns.TypeTXT, hostname: hostname, rCode: dns.RcodeServerFailure}
}
