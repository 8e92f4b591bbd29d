// Package platform resolves what this device can do once at startup so the
// core packages never branch on the operating system themselves.
package platform

import (
	"net"
	"os"
	"runtime"

	"github.com/google/uuid"
	"github.com/mossy-p/lancast/config"
	"github.com/mossy-p/lancast/internal/models"
)

// Capabilities is injected into the router, coordinator and presence layer.
type Capabilities struct {
	// HostServer: the device may bind listening sockets for the router.
	HostServer bool
	// RawSockets: outbound raw stream connections are possible. When false
	// the router client falls back to WebSocket.
	RawSockets bool
	// Discovery: multicast DNS is usable.
	Discovery bool
	// Capture: the media engine can capture the screen.
	Capture bool
}

// Full returns a descriptor with every capability enabled.
func Full() Capabilities {
	return Capabilities{HostServer: true, RawSockets: true, Discovery: true, Capture: true}
}

// Detect probes the runtime and applies configured overrides.
func Detect(o config.CapabilityOverrides) Capabilities {
	caps := Capabilities{
		HostServer: canListen(),
		RawSockets: runtime.GOOS != "js",
		Discovery:  hasMulticastInterface(),
		Capture:    runtime.GOOS != "js",
	}
	apply(&caps.HostServer, o.HostServer)
	apply(&caps.RawSockets, o.RawSockets)
	apply(&caps.Discovery, o.Discovery)
	apply(&caps.Capture, o.Capture)
	return caps
}

func apply(dst *bool, override *bool) {
	if override != nil {
		*dst = *override
	}
}

func canListen() bool {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return false
	}
	l.Close()
	return true
}

func hasMulticastInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}

// DeviceInfo describes the local device for presence records and join requests.
type DeviceInfo struct {
	ID   models.PeerID
	Name string
	Type string
}

// NewPeerID generates a fresh identity. Identities are never persisted.
func NewPeerID() models.PeerID {
	return models.PeerID(uuid.NewString())
}

// LocalDevice builds the DeviceInfo for this run from configuration.
func LocalDevice(cfg *config.Config) DeviceInfo {
	name := cfg.DeviceName
	if name == "" {
		name, _ = os.Hostname()
	}
	return DeviceInfo{ID: NewPeerID(), Name: name, Type: cfg.DeviceType}
}
