// Package media implements the session engine on pion/webrtc. Screen
// capture and encoding stay outside: a CaptureFunc supplies encoded samples
// and this package only moves them onto negotiated tracks.
package media

import (
	"context"
	"fmt"

	"github.com/mossy-p/lancast/config"
	"github.com/mossy-p/lancast/internal/apperr"
	"github.com/mossy-p/lancast/internal/logging"
	"github.com/mossy-p/lancast/internal/session"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Options configures an Engine.
type Options struct {
	// Capture opens the platform capture pipeline. Nil means this device
	// cannot share its screen.
	Capture CaptureFunc
	// IncludeLoopback gathers loopback candidates, for same-host viewing.
	IncludeLoopback bool
	Logger          logrus.FieldLogger
}

// Engine creates pion peer connections sharing one API instance.
type Engine struct {
	api     *webrtc.API
	capture CaptureFunc
	log     logrus.FieldLogger
}

var _ session.Engine = (*Engine)(nil)

// NewEngine builds the pion API with default codecs and our logger.
func NewEngine(opts Options) (*Engine, error) {
	log := logging.OrDefault(opts.Logger).WithField("component", "media")

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.LoggerFactory = &logging.PionFactory{Logger: log}
	settingEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	return &Engine{
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine)),
		capture: opts.Capture,
		log:     log,
	}, nil
}

// AcquireLocalCapture opens the capture pipeline and wraps it in a local
// video track. Errors already classified by the pipeline (for example a
// permission denial) pass through unchanged.
func (e *Engine) AcquireLocalCapture(ctx context.Context, c session.Constraints) (session.Track, error) {
	if e.capture == nil {
		return nil, apperr.Newf(apperr.CapabilityUnsupported, "acquire capture", "no capture pipeline on this device")
	}
	src, err := e.capture(ctx, c)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			return nil, apperr.New(apperr.CaptureFailed, "acquire capture", err)
		}
		return nil, err
	}
	track, err := newLocalTrack(src, c.Profile, e.log)
	if err != nil {
		src.Close()
		return nil, apperr.New(apperr.CaptureFailed, "create track", err)
	}
	return track, nil
}

// CreateSession opens a peer connection with the configured ICE servers.
func (e *Engine) CreateSession(cfg session.Config) (session.MediaSession, error) {
	pc, err := e.api.NewPeerConnection(Configuration(cfg.ICE))
	if err != nil {
		return nil, err
	}
	if cfg.ICE.ForceRelay && cfg.ICE.TURNURL == "" {
		e.log.Warn("Forced relay requested without a TURN server, connectivity will fail")
	}
	return newSession(pc, e.log), nil
}

// Configuration translates ICE settings into a pion configuration.
func Configuration(ice config.ICEConfig) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(ice.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: ice.STUNURLs})
	}
	if ice.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{ice.TURNURL},
			Username:   ice.TURNUsername,
			Credential: ice.TURNCredential,
		})
	}

	cfg := webrtc.Configuration{ICEServers: servers}
	if ice.ForceRelay {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}
