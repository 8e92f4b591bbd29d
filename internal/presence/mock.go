package presence

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MockNetwork is an in-memory mDNS segment. It implements both ServerFactory
// and Resolver so an Advertiser and a Discoverer can see each other without
// multicast I/O.
type MockNetwork struct {
	mu      sync.Mutex
	records map[string]*mockRecord
	// goodbyes are delivered once with TTL 0 on the next browse.
	goodbyes []*zeroconf.ServiceEntry
}

type mockRecord struct {
	net   *MockNetwork
	entry zeroconf.ServiceEntry
}

// NewMockNetwork creates an empty network.
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{records: make(map[string]*mockRecord)}
}

// Register implements ServerFactory.
func (m *MockNetwork) Register(instance, service, domain string, port int, txt []string, _ []net.Interface) (Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &mockRecord{net: m}
	rec.entry.Instance = instance
	rec.entry.Service = service
	rec.entry.Domain = domain
	rec.entry.HostName = instance + ".local."
	rec.entry.Port = port
	rec.entry.Text = append([]string(nil), txt...)
	rec.entry.TTL = 120
	rec.entry.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 10)}
	m.records[instance] = rec
	return rec, nil
}

// Drop removes a record without a goodbye, as if the host vanished.
func (m *MockNetwork) Drop(instance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, instance)
}

// Browse implements Resolver. Entries are sent synchronously.
func (m *MockNetwork) Browse(ctx context.Context, service, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	m.mu.Lock()
	var batch []*zeroconf.ServiceEntry
	for _, rec := range m.records {
		if rec.entry.Service != service {
			continue
		}
		e := rec.entry
		e.Text = append([]string(nil), rec.entry.Text...)
		batch = append(batch, &e)
	}
	var rest []*zeroconf.ServiceEntry
	for _, g := range m.goodbyes {
		if g.Service == service {
			batch = append(batch, g)
		} else {
			rest = append(rest, g)
		}
	}
	m.goodbyes = rest
	m.mu.Unlock()

	for _, entry := range batch {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *mockRecord) SetText(txt []string) {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	r.entry.Text = append([]string(nil), txt...)
}

func (r *mockRecord) Shutdown() {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	if r.net.records[r.entry.Instance] != r {
		return
	}
	delete(r.net.records, r.entry.Instance)
	bye := r.entry
	bye.TTL = 0
	r.net.goodbyes = append(r.net.goodbyes, &bye)
}
