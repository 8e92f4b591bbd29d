package models

import "time"

// PeerID identifies a device for the lifetime of one run.
type PeerID string

// Device classes advertised in presence records.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceBrowser = "browser"
)

// ProtocolVersion is advertised in presence records and compared on discovery.
const ProtocolVersion = "1"

// DiscoveredPeer is an advisory record built from a presence announcement.
// Connectivity is only proven by signaling, never by discovery.
type DiscoveredPeer struct {
	ID         PeerID    `json:"id"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	Addresses  []string  `json:"addresses"`
	Port       int       `json:"port"`
	DeviceType string    `json:"deviceType"`
	IsSharing  bool      `json:"isSharing"`
	Version    string    `json:"version"`
	SeenAt     time.Time `json:"seenAt"`
}

// PreferredAddress returns the first resolved address, falling back to the host name.
func (p DiscoveredPeer) PreferredAddress() string {
	if len(p.Addresses) > 0 {
		return p.Addresses[0]
	}
	return p.Host
}

// Stale reports whether the record has not been refreshed within ttl.
func (p DiscoveredPeer) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.SeenAt) > ttl
}

// SameAttributes reports whether two records advertise the same attributes.
// SeenAt is ignored.
func (p DiscoveredPeer) SameAttributes(o DiscoveredPeer) bool {
	if p.Name != o.Name || p.Port != o.Port || p.DeviceType != o.DeviceType ||
		p.IsSharing != o.IsSharing || p.Version != o.Version || p.Host != o.Host {
		return false
	}
	if len(p.Addresses) != len(o.Addresses) {
		return false
	}
	for i := range p.Addresses {
		if p.Addresses[i] != o.Addresses[i] {
			return false
		}
	}
	return true
}

// PeerInfo is the roster entry the router exposes for one connected peer.
type PeerInfo struct {
	ID         PeerID    `json:"id"`
	DeviceName string    `json:"deviceName,omitempty"`
	DeviceType string    `json:"deviceType,omitempty"`
	Transport  string    `json:"transport"`
	RemoteAddr string    `json:"remoteAddr"`
	JoinedAt   time.Time `json:"joinedAt"`
}
