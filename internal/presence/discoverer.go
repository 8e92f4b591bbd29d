package presence

import (
	"context"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/mossy-p/lancast/internal/logging"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/mossy-p/lancast/internal/platform"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRefreshInterval = 5 * time.Second
	DefaultStaleAfter      = 30 * time.Second
)

// EventKind tags a discovery event.
type EventKind int

const (
	// Started is always the first event on a discovery channel.
	Started EventKind = iota
	Found
	Updated
	Lost
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Found:
		return "found"
	case Updated:
		return "updated"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Event reports a change in the set of visible peers. Peer is zero for Started.
type Event struct {
	Kind EventKind
	Peer models.DiscoveredPeer
}

// Resolver browses for mDNS services. Browse may block until ctx is done
// or return immediately and deliver entries in the background.
type Resolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver creates a fresh resolver per browse because a
// zeroconf client cannot be reused once its context is cancelled.
type zeroconfResolver struct{}

func (zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return r.Browse(ctx, service, domain, entries)
}

// DiscovererConfig configures a Discoverer.
type DiscovererConfig struct {
	Capabilities platform.Capabilities
	// SelfID is filtered out of every result.
	SelfID models.PeerID
	// RefreshInterval restarts the browse so attribute changes and
	// departures are observed. zeroconf reports each instance once per browse.
	RefreshInterval time.Duration
	// StaleAfter expires peers that stopped answering without a goodbye.
	StaleAfter time.Duration
	Resolver   Resolver
	Logger     logrus.FieldLogger
}

// Discoverer watches the LAN for peers advertising a service.
type Discoverer struct {
	cfg      DiscovererConfig
	resolver Resolver
	log      logrus.FieldLogger
}

// NewDiscoverer fills in defaults for zero config fields.
func NewDiscoverer(cfg DiscovererConfig) *Discoverer {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = zeroconfResolver{}
	}
	return &Discoverer{
		cfg:      cfg,
		resolver: resolver,
		log:      logging.OrDefault(cfg.Logger).WithField("component", "discovery"),
	}
}

// Discover streams events for service until ctx is cancelled, then closes
// the channel. Without discovery support the channel yields Started and closes.
func (d *Discoverer) Discover(ctx context.Context, service string) (<-chan Event, error) {
	out := make(chan Event, 16)
	if !d.cfg.Capabilities.Discovery {
		d.log.Debug("Discovery unsupported, returning empty result")
		out <- Event{Kind: Started}
		close(out)
		return out, nil
	}

	w := &watch{
		d:       d,
		service: service,
		out:     out,
		peers:   make(map[models.PeerID]models.DiscoveredPeer),
		byName:  make(map[string]models.PeerID),
	}
	go w.run(ctx)
	return out, nil
}

// watch is the state of one Discover call.
type watch struct {
	d       *Discoverer
	service string
	out     chan Event

	peers  map[models.PeerID]models.DiscoveredPeer
	byName map[string]models.PeerID
}

func (w *watch) run(ctx context.Context) {
	defer close(w.out)
	if !w.emit(ctx, Event{Kind: Started}) {
		return
	}

	sweep := time.NewTicker(w.d.cfg.StaleAfter / 2)
	defer sweep.Stop()

	for ctx.Err() == nil {
		w.browse(ctx, sweep.C)
	}
}

// browse runs one browse cycle of RefreshInterval.
func (w *watch) browse(ctx context.Context, sweep <-chan time.Time) {
	cycle, cancel := context.WithTimeout(ctx, w.d.cfg.RefreshInterval)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.d.resolver.Browse(cycle, w.service, DefaultDomain, entries); err != nil && cycle.Err() == nil {
			w.d.log.WithError(err).Warn("Browse failed")
		}
	}()

	for {
		select {
		case <-cycle.Done():
			wg.Wait()
			return
		case <-sweep:
			w.expire(ctx, time.Now())
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			w.handle(ctx, entry, time.Now())
		}
	}
}

func (w *watch) handle(ctx context.Context, entry *zeroconf.ServiceEntry, now time.Time) {
	if entry == nil {
		return
	}
	if entry.TTL == 0 {
		if id, ok := w.byName[entry.Instance]; ok {
			w.lose(ctx, id)
		}
		return
	}

	attrs := ParseTXT(entry.Text)
	if attrs.DeviceID == "" {
		w.d.log.WithField("instance", entry.Instance).Debug("Ignoring record without device_id")
		return
	}
	if attrs.DeviceID == w.d.cfg.SelfID {
		return
	}

	peer := entryToPeer(entry, attrs, now)
	prev, known := w.peers[peer.ID]
	if known && prev.Name != peer.Name {
		delete(w.byName, prev.Name)
	}
	w.peers[peer.ID] = peer
	w.byName[entry.Instance] = peer.ID

	switch {
	case !known:
		w.d.log.WithFields(logrus.Fields{"peer": peer.ID, "name": peer.Name}).Info("Peer found")
		w.emit(ctx, Event{Kind: Found, Peer: peer})
	case !prev.SameAttributes(peer):
		w.d.log.WithField("peer", peer.ID).Debug("Peer updated")
		w.emit(ctx, Event{Kind: Updated, Peer: peer})
	}
}

func (w *watch) expire(ctx context.Context, now time.Time) {
	for id, peer := range w.peers {
		if peer.Stale(now, w.d.cfg.StaleAfter) {
			w.lose(ctx, id)
		}
	}
}

func (w *watch) lose(ctx context.Context, id models.PeerID) {
	peer, ok := w.peers[id]
	if !ok {
		return
	}
	delete(w.peers, id)
	delete(w.byName, peer.Name)
	w.d.log.WithField("peer", id).Info("Peer lost")
	w.emit(ctx, Event{Kind: Lost, Peer: peer})
}

func (w *watch) emit(ctx context.Context, ev Event) bool {
	select {
	case w.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func entryToPeer(entry *zeroconf.ServiceEntry, attrs Attributes, now time.Time) models.DiscoveredPeer {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return models.DiscoveredPeer{
		ID:         attrs.DeviceID,
		Name:       entry.Instance,
		Host:       entry.HostName,
		Addresses:  addrs,
		Port:       entry.Port,
		DeviceType: attrs.DeviceType,
		IsSharing:  attrs.IsSharing,
		Version:    attrs.Version,
		SeenAt:     now,
	}
}
