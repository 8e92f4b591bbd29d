package session

import (
	"context"
	"fmt"

	"github.com/mossy-p/lancast/internal/apperr"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/sirupsen/logrus"
)

// HandleMessage applies one inbound signaling message. Messages that do not
// fit the current role or state are dropped.
func (c *Coordinator) HandleMessage(ctx context.Context, msg models.SignalingMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{"type": msg.Type, "from": msg.SenderID})

	switch msg.Type {
	case models.TypeJoinRequest:
		c.handleJoinLocked(ctx, log, msg)
	case models.TypeJoinResponse:
		c.handleJoinResponseLocked(log, msg)
	case models.TypeOffer:
		c.handleOfferLocked(ctx, log, msg)
	case models.TypeAnswer:
		c.handleAnswerLocked(log, msg)
	case models.TypeICECandidate:
		c.handleCandidateLocked(log, msg)
	case models.TypeDisconnect:
		c.handleDisconnectLocked(log, msg)
	}
}

// handleJoinLocked admits one viewer. Only join-requests addressed to this
// node start a session; the router's own registration join (addressed to
// "server") is not a request to view.
func (c *Coordinator) handleJoinLocked(ctx context.Context, log logrus.FieldLogger, msg models.SignalingMessage) {
	if c.role != RoleHost || msg.Target() != c.signaler.LocalID() {
		return
	}
	viewer := msg.SenderID

	switch {
	case c.remote == viewer:
		log.Debug("Ignoring duplicate join-request")
		return
	case c.remote != "":
		log.WithField("viewer", c.remote).Info("Rejecting join-request, already serving a viewer")
		c.sendLocked(models.TypeJoinResponse, models.To(viewer), models.JoinResponsePayload{Reason: ReasonBusy})
		return
	case c.state != StateReady:
		c.sendLocked(models.TypeJoinResponse, models.To(viewer), models.JoinResponsePayload{Reason: ReasonUnavailable})
		return
	}

	c.remote = viewer
	if err := c.openSessionLocked(); err != nil {
		c.failLocked(err)
		return
	}
	if err := c.media.AddTrack(c.capture); err != nil {
		c.failLocked(apperr.New(apperr.NegotiationError, "add capture track", err))
		return
	}
	c.shape++
	if err := c.media.ApplyQuality(c.quality); err != nil {
		log.WithError(err).Warn("Failed to apply initial quality")
	}

	c.sendLocked(models.TypeJoinResponse, models.To(viewer), models.JoinResponsePayload{Accepted: true})
	if err := c.sendOfferLocked(ctx); err != nil {
		c.failLocked(err)
		return
	}
	log.Info("Viewer joined, offer sent")
}

func (c *Coordinator) sendOfferLocked(ctx context.Context) error {
	offer, err := c.media.CreateOffer(ctx)
	if err != nil {
		return apperr.New(apperr.NegotiationError, "create offer", err)
	}
	if err := c.media.SetLocalDescription(offer); err != nil {
		return apperr.New(apperr.NegotiationError, "set local offer", err)
	}
	c.offered = c.shape
	c.sendLocked(models.TypeOffer, models.To(c.remote), offer)
	return nil
}

func (c *Coordinator) handleJoinResponseLocked(log logrus.FieldLogger, msg models.SignalingMessage) {
	if c.role != RoleViewer || c.state != StateConnecting || !c.fromRemote(msg) {
		return
	}
	resp, err := msg.JoinResponse()
	if err != nil {
		log.WithError(err).Debug("Dropping join-response")
		return
	}
	if resp.Accepted {
		log.Debug("Join accepted")
		return
	}
	c.failLocked(apperr.New(apperr.ProtocolError, "join", fmt.Errorf("%w: %s", ErrJoinRejected, resp.Reason)))
}

func (c *Coordinator) handleOfferLocked(ctx context.Context, log logrus.FieldLogger, msg models.SignalingMessage) {
	if c.role != RoleViewer || c.media == nil || !live(c.state) {
		log.Debug("Dropping offer outside a viewer session")
		return
	}
	if !c.fromRemote(msg) {
		log.WithField("host", c.remote).Warn("Dropping offer from unexpected peer")
		return
	}
	offer, err := msg.SessionDescription()
	if err != nil {
		log.WithError(err).Debug("Dropping malformed offer")
		return
	}

	// The offer's sender is the remote peer for the rest of the session.
	c.remote = msg.SenderID

	if err := c.media.SetRemoteDescription(offer); err != nil {
		c.failLocked(apperr.New(apperr.NegotiationError, "apply offer", err))
		return
	}
	c.remoteSet = true
	c.flushPendingLocked()

	answer, err := c.media.CreateAnswer(ctx)
	if err != nil {
		c.failLocked(apperr.New(apperr.NegotiationError, "create answer", err))
		return
	}
	if err := c.media.SetLocalDescription(answer); err != nil {
		c.failLocked(apperr.New(apperr.NegotiationError, "set local answer", err))
		return
	}
	c.sendLocked(models.TypeAnswer, models.To(c.remote), answer)
	log.Debug("Answer sent")
}

func (c *Coordinator) handleAnswerLocked(log logrus.FieldLogger, msg models.SignalingMessage) {
	if c.role != RoleHost || c.media == nil || !live(c.state) || !c.fromRemote(msg) {
		log.Debug("Dropping unexpected answer")
		return
	}
	answer, err := msg.SessionDescription()
	if err != nil {
		log.WithError(err).Debug("Dropping malformed answer")
		return
	}
	if err := c.media.SetRemoteDescription(answer); err != nil {
		c.failLocked(apperr.New(apperr.NegotiationError, "apply answer", err))
		return
	}
	c.remoteSet = true
	c.negotiated = true
	c.flushPendingLocked()
	log.Debug("Answer applied")

	if c.shape != c.offered {
		if err := c.sendOfferLocked(context.Background()); err != nil {
			c.failLocked(err)
		}
	}
}

// handleCandidateLocked applies a remote candidate. Candidates that are
// late, malformed or from the wrong peer are dropped without changing state.
func (c *Coordinator) handleCandidateLocked(log logrus.FieldLogger, msg models.SignalingMessage) {
	if c.media == nil || !live(c.state) || !c.fromRemote(msg) {
		return
	}
	cand, err := msg.Candidate()
	if err != nil {
		return
	}
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		return
	}
	if err := c.media.AddCandidate(cand); err != nil {
		log.WithError(err).Debug("Dropping candidate")
	}
}

func (c *Coordinator) flushPendingLocked() {
	pending := c.pending
	c.pending = nil
	for _, cand := range pending {
		if err := c.media.AddCandidate(cand); err != nil {
			c.log.WithError(err).Debug("Dropping queued candidate")
		}
	}
}

func (c *Coordinator) handleDisconnectLocked(log logrus.FieldLogger, msg models.SignalingMessage) {
	switch c.role {
	case RoleViewer:
		if msg.SenderID != c.remote && msg.SenderID != models.TargetServer {
			return
		}
		log.WithField("reason", msg.Disconnect().Reason).Info("Host disconnected")
		c.stopLocked(false)
	case RoleHost:
		if c.remote == "" || msg.SenderID != c.remote {
			return
		}
		log.WithField("reason", msg.Disconnect().Reason).Info("Viewer disconnected")
		c.releaseViewerLocked()
	}
}

// releaseViewerLocked ends the host's current viewer session but keeps
// capture so the next viewer can join.
func (c *Coordinator) releaseViewerLocked() {
	c.closeMediaLocked()
	c.remote = ""
	if c.state != StateError {
		c.transitionLocked(StateReady)
	}
}

// handleEvent applies one engine event if ms is still the active session.
func (c *Coordinator) handleEvent(ms MediaSession, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.media != ms {
		return
	}

	switch ev := ev.(type) {
	case CandidateGenerated:
		if !live(c.state) {
			return
		}
		var to *models.PeerID
		if c.remote != "" {
			to = models.To(c.remote)
		}
		c.sendLocked(models.TypeICECandidate, to, ev.Candidate)

	case ConnectivityChanged:
		c.handleConnectivityLocked(ev.State)

	case TrackReceived:
		if c.role == RoleViewer {
			c.renderer.Attach(ev.Track)
			c.log.WithField("track", ev.Track.ID()).Info("Receiving remote track")
		}

	case RenegotiationNeeded:
		// Events queued before the last offer are already covered by it.
		// Changes made while an offer is outstanding are picked up when
		// the answer lands.
		if c.role != RoleHost || !c.negotiated || !live(c.state) || c.shape == c.offered {
			return
		}
		if err := c.sendOfferLocked(context.Background()); err != nil {
			c.failLocked(err)
		}
	}
}

func (c *Coordinator) handleConnectivityLocked(s ConnectivityState) {
	c.log.WithField("connectivity", s).Debug("Connectivity changed")

	switch s {
	case ConnectivityConnected, ConnectivityCompleted:
		if c.state == StateConnected {
			return
		}
		if c.transitionLocked(StateConnected) {
			c.log.WithField("peer", c.remote).Info("Session connected")
		}
	case ConnectivityDisconnected:
		if c.state == StateConnected {
			c.transitionLocked(StateReconnecting)
		}
	case ConnectivityFailed:
		if c.state == StateError {
			return
		}
		c.failLocked(apperr.Newf(apperr.NegotiationError, "connectivity", "connectivity checks failed with %s", c.remote))
	case ConnectivityClosed:
		if c.role == RoleHost {
			c.releaseViewerLocked()
			return
		}
		c.stopLocked(false)
	}
}

func (c *Coordinator) fromRemote(msg models.SignalingMessage) bool {
	return c.remote == "" || msg.SenderID == c.remote
}

// live reports whether a session in s still accepts negotiation traffic.
func live(s State) bool {
	switch s {
	case StateConnecting, StateReady, StateConnected, StateReconnecting:
		return true
	}
	return false
}
