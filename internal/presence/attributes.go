// Package presence advertises this device on the LAN over multicast DNS
// and discovers other devices running the same service.
package presence

import (
	"strconv"
	"strings"

	"github.com/mossy-p/lancast/internal/models"
)

// DefaultDomain is the mDNS domain used for every record.
const DefaultDomain = "local."

// TXT keys.
const (
	keyDeviceID   = "device_id"
	keyDeviceType = "device_type"
	keyIsSharing  = "is_sharing"
	keyVersion    = "version"
)

// Attributes is the TXT payload of a presence record.
type Attributes struct {
	DeviceID   models.PeerID
	DeviceType string
	IsSharing  bool
	Version    string
}

// TXT encodes the attributes as key=value strings.
func (a Attributes) TXT() []string {
	version := a.Version
	if version == "" {
		version = models.ProtocolVersion
	}
	return []string{
		keyDeviceID + "=" + string(a.DeviceID),
		keyDeviceType + "=" + a.DeviceType,
		keyIsSharing + "=" + strconv.FormatBool(a.IsSharing),
		keyVersion + "=" + version,
	}
}

// ParseTXT decodes a TXT record. Unknown keys are ignored.
func ParseTXT(txt []string) Attributes {
	var a Attributes
	for _, kv := range txt {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case keyDeviceID:
			a.DeviceID = models.PeerID(value)
		case keyDeviceType:
			a.DeviceType = value
		case keyIsSharing:
			a.IsSharing, _ = strconv.ParseBool(value)
		case keyVersion:
			a.Version = value
		}
	}
	return a
}
