// Package session drives one remote media session at a time through
// negotiation, connectivity, quality changes and teardown. The media engine
// and the signaling transport are injected.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mossy-p/lancast/config"
	"github.com/mossy-p/lancast/internal/apperr"
	"github.com/mossy-p/lancast/internal/logging"
	"github.com/mossy-p/lancast/internal/metrics"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/mossy-p/lancast/internal/platform"
	"github.com/sirupsen/logrus"
)

// Join-response reasons.
const (
	ReasonBusy        = "busy"
	ReasonUnavailable = "unavailable"
)

var (
	// ErrSessionActive is returned when starting while a session exists.
	// Stop the current session first.
	ErrSessionActive = errors.New("a session is already active")
	ErrNoSession     = errors.New("no active media session")
	ErrJoinRejected  = errors.New("join rejected")
	ErrNoHost        = errors.New("host peer id required")
)

const stateBuffer = 32

// Options configures a Coordinator.
type Options struct {
	Engine       Engine
	Signaler     Signaler
	Capabilities platform.Capabilities
	ICE          config.ICEConfig
	Quality      models.QualityProfile
	Renderer     Renderer
	Metrics      metrics.Options
	Logger       logrus.FieldLogger
}

// Coordinator owns the single session state and remote-peer binding.
type Coordinator struct {
	engine   Engine
	signaler Signaler
	caps     platform.Capabilities
	ice      config.ICEConfig
	renderer Renderer
	log      logrus.FieldLogger
	sampler  *metrics.Sampler
	states   chan StateChange

	mu      sync.Mutex
	state   State
	role    Role
	remote  models.PeerID
	capture Track
	media   MediaSession
	quality models.QualityProfile
	lastErr error
	// remoteSet is true once a remote description has been applied.
	remoteSet bool
	// negotiated is true once the host has applied the viewer's first answer.
	negotiated bool
	// shape counts local track changes; offered is its value at the last
	// offer. Renegotiation events are stale when the two match.
	shape   uint64
	offered uint64
	pending []models.CandidatePayload

	// current mirrors media for lock-free Stats.
	current atomic.Pointer[mediaRef]
}

type mediaRef struct{ ms MediaSession }

// New creates a disconnected coordinator.
func New(opts Options) *Coordinator {
	quality := opts.Quality
	if quality.Name == "" {
		quality = models.QualityMedium
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = nopRenderer{}
	}
	c := &Coordinator{
		engine:   opts.Engine,
		signaler: opts.Signaler,
		caps:     opts.Capabilities,
		ice:      opts.ICE,
		renderer: renderer,
		log:      logging.OrDefault(opts.Logger).WithField("component", "session"),
		states:   make(chan StateChange, stateBuffer),
		quality:  quality,
	}
	mopts := opts.Metrics
	if mopts.Logger == nil {
		mopts.Logger = c.log
	}
	c.sampler = metrics.NewSampler(c, mopts)
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role returns the role of the current session.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// RemotePeer returns the bound remote peer, or "".
func (c *Coordinator) RemotePeer() models.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Quality returns the selected profile.
func (c *Coordinator) Quality() models.QualityProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// LastError returns the error that moved the session to StateError.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// States yields accepted transitions. Changes are dropped if nobody reads.
func (c *Coordinator) States() <-chan StateChange { return c.states }

// Metrics yields snapshots while a session is active.
func (c *Coordinator) Metrics() <-chan metrics.Snapshot { return c.sampler.Snapshots() }

// Stats polls the active media session. It implements metrics.Source.
func (c *Coordinator) Stats(ctx context.Context) (metrics.Report, error) {
	ref := c.current.Load()
	if ref == nil {
		return metrics.Report{}, ErrNoSession
	}
	return ref.ms.Stats(ctx)
}

// StartAsHost acquires local capture and waits for a viewer in StateReady.
// Capture failures leave the coordinator in StateError and are returned.
func (c *Coordinator) StartAsHost(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDisconnected {
		return ErrSessionActive
	}
	if !c.caps.Capture {
		return apperr.Newf(apperr.CapabilityUnsupported, "start host", "screen capture is unavailable on this platform")
	}

	c.lastErr = nil
	c.role = RoleHost
	c.transitionLocked(StateConnecting)

	track, err := c.engine.AcquireLocalCapture(ctx, Constraints{Profile: c.quality})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.New(apperr.CaptureFailed, "acquire capture", err)
		}
		c.failLocked(err)
		return err
	}
	c.capture = track
	c.transitionLocked(StateReady)
	c.sampler.Start()

	c.log.WithFields(logrus.Fields{
		"track":   track.ID(),
		"quality": c.quality.Name,
	}).Info("Hosting, waiting for a viewer")
	return nil
}

// ConnectToHost starts a viewer session against host and asks it to join.
// No local media is created.
func (c *Coordinator) ConnectToHost(ctx context.Context, host models.PeerID) error {
	if host == "" {
		return ErrNoHost
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDisconnected {
		return ErrSessionActive
	}

	c.lastErr = nil
	c.role = RoleViewer
	c.remote = host
	c.transitionLocked(StateConnecting)

	if err := c.openSessionLocked(); err != nil {
		c.failLocked(err)
		return err
	}

	join, err := models.NewMessage(models.TypeJoinRequest, c.signaler.LocalID(), models.To(host), nil)
	if err == nil {
		err = c.signaler.Send(join)
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.New(apperr.TransportError, "send join-request", err)
		}
		c.failLocked(err)
		return err
	}
	c.sampler.Start()

	c.log.WithField("host", host).Info("Connecting to host")
	return nil
}

// SetQuality selects a profile. A host with an active session re-caps its
// outbound video without renegotiating or changing state.
func (c *Coordinator) SetQuality(p models.QualityProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p == c.quality {
		return nil
	}
	c.quality = p
	if c.role != RoleHost || c.media == nil {
		return nil
	}
	if err := c.media.ApplyQuality(p); err != nil {
		return fmt.Errorf("apply quality %s: %w", p.Name, err)
	}
	c.log.WithField("quality", p.Name).Info("Quality updated")
	return nil
}

// Stop tears everything down and returns to StateDisconnected. The bound
// peer is told first. Safe to call in any state, any number of times.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopLocked(true)
	c.mu.Unlock()
}

// Run feeds signaling messages into the coordinator until ctx is done or
// in is closed.
func (c *Coordinator) Run(ctx context.Context, in <-chan models.SignalingMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			c.HandleMessage(ctx, msg)
		}
	}
}

func (c *Coordinator) stopLocked(notify bool) {
	if c.state == StateDisconnected && c.media == nil && c.capture == nil {
		return
	}
	if notify && c.remote != "" && c.media != nil {
		c.sendLocked(models.TypeDisconnect, models.To(c.remote), models.DisconnectPayload{Reason: "stopped"})
	}

	c.sampler.Stop()
	c.closeMediaLocked()
	if c.capture != nil {
		if err := c.capture.Stop(); err != nil {
			c.log.WithError(err).Debug("Failed to release capture")
		}
		c.capture = nil
	}
	c.role = RoleNone
	c.remote = ""
	c.transitionLocked(StateDisconnected)
	c.log.Info("Session stopped")
}

// closeMediaLocked drops the media session and renderer binding.
func (c *Coordinator) closeMediaLocked() {
	c.renderer.Detach()
	if c.media != nil {
		c.current.Store(nil)
		if err := c.media.Close(); err != nil {
			c.log.WithError(err).Debug("Failed to close media session")
		}
		c.media = nil
	}
	c.remoteSet = false
	c.negotiated = false
	c.shape, c.offered = 0, 0
	c.pending = nil
}

func (c *Coordinator) openSessionLocked() error {
	ms, err := c.engine.CreateSession(Config{ICE: c.ice})
	if err != nil {
		return apperr.New(apperr.NegotiationError, "create session", err)
	}
	c.media = ms
	c.current.Store(&mediaRef{ms: ms})
	go c.pumpEvents(ms)
	return nil
}

func (c *Coordinator) pumpEvents(ms MediaSession) {
	for ev := range ms.Events() {
		c.handleEvent(ms, ev)
	}
}

func (c *Coordinator) transitionLocked(to State) bool {
	from := c.state
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		c.log.WithFields(logrus.Fields{"from": from, "to": to}).Warn("Refusing illegal state transition")
		return false
	}
	c.state = to

	change := StateChange{From: from, To: to}
	if to == StateError {
		change.Err = c.lastErr
	}
	select {
	case c.states <- change:
	default:
	}
	c.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("State changed")
	return true
}

func (c *Coordinator) failLocked(err error) {
	c.lastErr = err
	c.transitionLocked(StateError)
	c.log.WithError(err).WithField("hint", apperr.HintOf(err)).Error("Session failed")
}

func (c *Coordinator) sendLocked(typ models.MessageType, to *models.PeerID, payload any) error {
	msg, err := models.NewMessage(typ, c.signaler.LocalID(), to, payload)
	if err != nil {
		return err
	}
	if err := c.signaler.Send(msg); err != nil {
		c.log.WithError(err).WithField("type", typ).Warn("Failed to send signaling message")
		return err
	}
	return nil
}
