package presence

import (
	"errors"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/mossy-p/lancast/internal/apperr"
	"github.com/mossy-p/lancast/internal/logging"
	"github.com/mossy-p/lancast/internal/platform"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyStarted = errors.New("presence: already advertising")
	ErrNotStarted     = errors.New("presence: not advertising")
)

// Server is a registered mDNS service.
type Server interface {
	SetText(txt []string)
	Shutdown()
}

// ServerFactory registers mDNS services. Tests inject a MockNetwork.
type ServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error)
}

type zeroconfFactory struct{}

func (zeroconfFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	Capabilities platform.Capabilities
	// Interfaces limits advertising to these interfaces. Nil means all.
	Interfaces []net.Interface
	// Factory defaults to grandcat/zeroconf.
	Factory ServerFactory
	Logger  logrus.FieldLogger
}

// Advertiser publishes one presence record.
type Advertiser struct {
	cfg     AdvertiserConfig
	factory ServerFactory
	log     logrus.FieldLogger

	mu     sync.Mutex
	server Server
	attrs  Attributes
}

// NewAdvertiser creates an idle advertiser.
func NewAdvertiser(cfg AdvertiserConfig) *Advertiser {
	factory := cfg.Factory
	if factory == nil {
		factory = zeroconfFactory{}
	}
	return &Advertiser{
		cfg:     cfg,
		factory: factory,
		log:     logging.OrDefault(cfg.Logger).WithField("component", "presence"),
	}
}

// Advertise publishes name under service on port.
func (a *Advertiser) Advertise(name, service string, port int, attrs Attributes) error {
	if !a.cfg.Capabilities.Discovery {
		return apperr.Newf(apperr.CapabilityUnsupported, "advertise", "multicast DNS is unavailable on this platform")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return ErrAlreadyStarted
	}

	server, err := a.factory.Register(name, service, DefaultDomain, port, attrs.TXT(), a.cfg.Interfaces)
	if err != nil {
		return apperr.New(apperr.TransportError, "register mdns service", err)
	}
	a.server = server
	a.attrs = attrs

	a.log.WithFields(logrus.Fields{
		"name":    name,
		"service": service,
		"port":    port,
	}).Info("Advertising presence")
	return nil
}

// Update republishes the TXT record if any attribute changed.
func (a *Advertiser) Update(attrs Attributes) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ErrNotStarted
	}
	if attrs == a.attrs {
		return nil
	}
	a.server.SetText(attrs.TXT())
	a.attrs = attrs
	a.log.WithField("sharing", attrs.IsSharing).Debug("Presence updated")
	return nil
}

// Attributes returns the currently published attributes.
func (a *Advertiser) Attributes() Attributes {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attrs
}

// Stop withdraws the record. Safe to call when not advertising.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server != nil {
		server.Shutdown()
		a.log.Info("Presence withdrawn")
	}
}
