package presence

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/mossy-p/lancast/internal/apperr"
	"github.com/mossy-p/lancast/internal/logging"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/mossy-p/lancast/internal/platform"
)

const testService = "_lancast._tcp"

func testCaps() platform.Capabilities {
	return platform.Full()
}

func newTestDiscoverer(network *MockNetwork, self models.PeerID) *Discoverer {
	return NewDiscoverer(DiscovererConfig{
		Capabilities:    testCaps(),
		SelfID:          self,
		RefreshInterval: 20 * time.Millisecond,
		StaleAfter:      200 * time.Millisecond,
		Resolver:        network,
		Logger:          logging.Discard(),
	})
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discovery event")
	}
	return Event{}
}

func expectQuiet(t *testing.T, ch <-chan Event, d time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected %s event for %s", ev.Kind, ev.Peer.ID)
	case <-time.After(d):
	}
}

type countingFactory struct {
	inner    ServerFactory
	setTexts atomic.Int32
}

type countingServer struct {
	Server
	f *countingFactory
}

func (c *countingServer) SetText(txt []string) {
	c.f.setTexts.Add(1)
	c.Server.SetText(txt)
}

func (f *countingFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error) {
	s, err := f.inner.Register(instance, service, domain, port, txt, ifaces)
	if err != nil {
		return nil, err
	}
	return &countingServer{Server: s, f: f}, nil
}

func TestParseTXT(t *testing.T) {
	attrs := Attributes{DeviceID: "tv", DeviceType: models.DeviceDesktop, IsSharing: true}
	txt := append(attrs.TXT(), "garbage", "extra=1")

	got := ParseTXT(txt)
	if got.DeviceID != "tv" || got.DeviceType != models.DeviceDesktop || !got.IsSharing {
		t.Errorf("unexpected attributes %+v", got)
	}
	if got.Version != models.ProtocolVersion {
		t.Errorf("expected default version %q, got %q", models.ProtocolVersion, got.Version)
	}
}

func TestAdvertiseUnsupported(t *testing.T) {
	caps := testCaps()
	caps.Discovery = false
	adv := NewAdvertiser(AdvertiserConfig{Capabilities: caps, Factory: NewMockNetwork(), Logger: logging.Discard()})

	err := adv.Advertise("Living Room", testService, 8765, Attributes{DeviceID: "tv"})
	if !apperr.Is(err, apperr.CapabilityUnsupported) {
		t.Fatalf("expected capability error, got %v", err)
	}
}

func TestAdvertiserLifecycle(t *testing.T) {
	adv := NewAdvertiser(AdvertiserConfig{Capabilities: testCaps(), Factory: NewMockNetwork(), Logger: logging.Discard()})

	if err := adv.Update(Attributes{DeviceID: "tv"}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := adv.Advertise("Living Room", testService, 8765, Attributes{DeviceID: "tv"}); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	if err := adv.Advertise("Living Room", testService, 8765, Attributes{DeviceID: "tv"}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	adv.Stop()
	adv.Stop()

	if err := adv.Advertise("Living Room", testService, 8765, Attributes{DeviceID: "tv"}); err != nil {
		t.Fatalf("Advertise after Stop failed: %v", err)
	}
	adv.Stop()
}

func TestUpdateSkipsUnchangedAttributes(t *testing.T) {
	factory := &countingFactory{inner: NewMockNetwork()}
	adv := NewAdvertiser(AdvertiserConfig{Capabilities: testCaps(), Factory: factory, Logger: logging.Discard()})
	attrs := Attributes{DeviceID: "tv", DeviceType: models.DeviceDesktop}

	if err := adv.Advertise("Living Room", testService, 8765, attrs); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	defer adv.Stop()

	if err := adv.Update(attrs); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if n := factory.setTexts.Load(); n != 0 {
		t.Fatalf("expected no republish for unchanged attributes, got %d", n)
	}

	attrs.IsSharing = true
	if err := adv.Update(attrs); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if n := factory.setTexts.Load(); n != 1 {
		t.Fatalf("expected one republish, got %d", n)
	}
	if !adv.Attributes().IsSharing {
		t.Error("expected published attributes to reflect the update")
	}
}

func TestDiscoverUnsupported(t *testing.T) {
	caps := testCaps()
	caps.Discovery = false
	d := NewDiscoverer(DiscovererConfig{Capabilities: caps, Resolver: NewMockNetwork(), Logger: logging.Discard()})

	ch, err := d.Discover(context.Background(), testService)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if ev := nextEvent(t, ch); ev.Kind != Started {
		t.Fatalf("expected started, got %s", ev.Kind)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to close after started")
	}
}

func TestSharingUpdateIsReportedOnce(t *testing.T) {
	network := NewMockNetwork()
	adv := NewAdvertiser(AdvertiserConfig{Capabilities: testCaps(), Factory: network, Logger: logging.Discard()})
	attrs := Attributes{DeviceID: "tv", DeviceType: models.DeviceDesktop}
	if err := adv.Advertise("Living Room", testService, 8765, attrs); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	defer adv.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := newTestDiscoverer(network, "phone").Discover(ctx, testService)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	if ev := nextEvent(t, ch); ev.Kind != Started {
		t.Fatalf("expected started, got %s", ev.Kind)
	}
	found := nextEvent(t, ch)
	if found.Kind != Found || found.Peer.ID != "tv" || found.Peer.IsSharing {
		t.Fatalf("unexpected first event %s %+v", found.Kind, found.Peer)
	}
	if found.Peer.Port != 8765 || found.Peer.PreferredAddress() != "192.168.1.10" {
		t.Errorf("unexpected endpoint %s:%d", found.Peer.PreferredAddress(), found.Peer.Port)
	}

	// Several refresh cycles pass without any change.
	expectQuiet(t, ch, 80*time.Millisecond)

	attrs.IsSharing = true
	if err := adv.Update(attrs); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	updated := nextEvent(t, ch)
	if updated.Kind != Updated || !updated.Peer.IsSharing {
		t.Fatalf("expected updated with sharing, got %s %+v", updated.Kind, updated.Peer)
	}
	expectQuiet(t, ch, 80*time.Millisecond)
}

func TestDiscoverFiltersSelf(t *testing.T) {
	network := NewMockNetwork()
	self := NewAdvertiser(AdvertiserConfig{Capabilities: testCaps(), Factory: network, Logger: logging.Discard()})
	other := NewAdvertiser(AdvertiserConfig{Capabilities: testCaps(), Factory: network, Logger: logging.Discard()})
	if err := self.Advertise("Phone", testService, 8765, Attributes{DeviceID: "phone"}); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	defer self.Stop()
	if err := other.Advertise("Living Room", testService, 8765, Attributes{DeviceID: "tv"}); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	defer other.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := newTestDiscoverer(network, "phone").Discover(ctx, testService)

	nextEvent(t, ch)
	ev := nextEvent(t, ch)
	if ev.Peer.ID != "tv" {
		t.Fatalf("expected only the other device, got %s", ev.Peer.ID)
	}
	expectQuiet(t, ch, 80*time.Millisecond)
}

func TestGoodbyeReportsLost(t *testing.T) {
	network := NewMockNetwork()
	adv := NewAdvertiser(AdvertiserConfig{Capabilities: testCaps(), Factory: network, Logger: logging.Discard()})
	if err := adv.Advertise("Living Room", testService, 8765, Attributes{DeviceID: "tv"}); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := newTestDiscoverer(network, "phone").Discover(ctx, testService)
	nextEvent(t, ch)
	if ev := nextEvent(t, ch); ev.Kind != Found {
		t.Fatalf("expected found, got %s", ev.Kind)
	}

	start := time.Now()
	adv.Stop()
	ev := nextEvent(t, ch)
	if ev.Kind != Lost || ev.Peer.ID != "tv" {
		t.Fatalf("expected lost tv, got %s %s", ev.Kind, ev.Peer.ID)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("expected goodbye to be reported before the stale timeout")
	}
}

func TestStalePeerExpires(t *testing.T) {
	network := NewMockNetwork()
	adv := NewAdvertiser(AdvertiserConfig{Capabilities: testCaps(), Factory: network, Logger: logging.Discard()})
	if err := adv.Advertise("Living Room", testService, 8765, Attributes{DeviceID: "tv"}); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	defer adv.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := newTestDiscoverer(network, "phone").Discover(ctx, testService)
	nextEvent(t, ch)
	nextEvent(t, ch)

	network.Drop("Living Room")
	if ev := nextEvent(t, ch); ev.Kind != Lost {
		t.Fatalf("expected lost, got %s", ev.Kind)
	}
}

func TestDiscoverClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := newTestDiscoverer(NewMockNetwork(), "phone").Discover(ctx, testService)
	nextEvent(t, ch)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestRenamedPeerForgetsOldInstance(t *testing.T) {
	d := newTestDiscoverer(NewMockNetwork(), "phone")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &watch{
		d:      d,
		out:    make(chan Event, 8),
		peers:  make(map[models.PeerID]models.DiscoveredPeer),
		byName: make(map[string]models.PeerID),
	}

	entry := func(instance string, ttl uint32) *zeroconf.ServiceEntry {
		e := zeroconf.NewServiceEntry(instance, testService, DefaultDomain)
		e.Text = Attributes{DeviceID: "tv"}.TXT()
		e.TTL = ttl
		return e
	}

	now := time.Now()
	w.handle(ctx, entry("Living Room", 120), now)
	w.handle(ctx, entry("Den", 120), now)
	if _, ok := w.byName["Living Room"]; ok {
		t.Fatal("old instance name still mapped after rename")
	}
	if ev := <-w.out; ev.Kind != Found {
		t.Fatalf("expected found, got %s", ev.Kind)
	}
	if ev := <-w.out; ev.Kind != Updated || ev.Peer.Name != "Den" {
		t.Fatalf("expected rename as update, got %s %q", ev.Kind, ev.Peer.Name)
	}

	// A goodbye for the old name must not drop the renamed peer.
	w.handle(ctx, entry("Living Room", 0), now)
	if _, ok := w.peers["tv"]; !ok {
		t.Fatal("renamed peer lost by goodbye for its old name")
	}

	w.handle(ctx, entry("Den", 0), now)
	if ev := <-w.out; ev.Kind != Lost || ev.Peer.ID != "tv" {
		t.Fatalf("expected lost, got %s %s", ev.Kind, ev.Peer.ID)
	}
}
