package router

import (
	"sort"
	"time"

	"github.com/mossy-p/lancast/internal/models"
	"github.com/mossy-p/lancast/internal/transport"
	"github.com/sirupsen/logrus"
)

// ReasonUnauthorized is sent in a rejecting join-response when the
// join-request's pairing token does not verify.
const ReasonUnauthorized = "unauthorized"

// record binds one identity to its live transport.
type record struct {
	info models.PeerInfo
	ep   transport.Endpoint
}

// Peers returns a snapshot of the roster ordered by join time.
func (r *Router) Peers() []models.PeerInfo {
	r.mu.Lock()
	peers := make([]models.PeerInfo, 0, len(r.peers))
	for _, rec := range r.peers {
		peers = append(peers, rec.info)
	}
	r.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].JoinedAt.Equal(peers[j].JoinedAt) {
			return peers[i].ID < peers[j].ID
		}
		return peers[i].JoinedAt.Before(peers[j].JoinedAt)
	})
	return peers
}

// route handles one message read from an accepted endpoint.
func (r *Router) route(ep transport.Endpoint, msg models.SignalingMessage) {
	if msg.Type == models.TypeJoinRequest {
		r.handleJoin(ep, msg)
		return
	}

	r.mu.Lock()
	id, ok := r.bound[ep]
	if ok && msg.Type == models.TypeDisconnect {
		r.unbindLocked(ep)
	}
	r.mu.Unlock()

	if !ok {
		r.log.WithFields(logrus.Fields{
			"type":   msg.Type,
			"remote": ep.RemoteAddr(),
		}).Debug("Dropping message from endpoint that has not joined")
		return
	}

	// Always forward with the bound sender ID
	msg.SenderID = id
	if msg.Type == models.TypeDisconnect {
		r.mirrorRemove(id)
		r.log.WithField("peer", id).Info("Peer left")
	}
	r.dispatch(msg, ep)
}

func (r *Router) handleJoin(ep transport.Endpoint, msg models.SignalingMessage) {
	req, _ := msg.JoinRequest()
	log := r.log.WithFields(logrus.Fields{"peer": msg.SenderID, "remote": ep.RemoteAddr()})

	r.mu.Lock()
	if r.role != RoleServer {
		r.mu.Unlock()
		return
	}
	existing, bound := r.bound[ep]
	r.mu.Unlock()

	// A bound endpoint already passed pairing. Its later joins are either a
	// repeated registration or a session join meant for a peer.
	if bound {
		if existing != msg.SenderID {
			log.WithField("bound", existing).Warn("Dropping join-request for a different identity on a bound endpoint")
			return
		}
		if target := msg.Target(); target == "" || target == models.TargetServer {
			log.Debug("Ignoring duplicate join-request")
			return
		}
		r.dispatch(msg, ep)
		return
	}

	if r.opts.Issuer.Enabled() {
		if _, err := r.opts.Issuer.Verify(req.Token); err != nil {
			log.WithError(err).Warn("Rejecting join-request")
			r.reject(ep, msg.SenderID, ReasonUnauthorized)
			return
		}
	}

	r.mu.Lock()
	if r.role != RoleServer {
		r.mu.Unlock()
		return
	}
	if _, ok := r.bound[ep]; ok {
		// Lost a race with a concurrent join on the same endpoint.
		r.mu.Unlock()
		return
	}

	var replaced transport.Endpoint
	if old, ok := r.peers[msg.SenderID]; ok && old.ep != ep {
		replaced = old.ep
		delete(r.bound, old.ep)
		delete(r.endpoints, old.ep)
	}
	info := models.PeerInfo{
		ID:         msg.SenderID,
		DeviceName: req.DeviceName,
		DeviceType: req.DeviceType,
		Transport:  string(ep.Kind()),
		RemoteAddr: ep.RemoteAddr(),
		JoinedAt:   time.Now(),
	}
	r.peers[msg.SenderID] = &record{info: info, ep: ep}
	r.bound[ep] = msg.SenderID
	count := len(r.peers)
	r.mu.Unlock()

	if replaced != nil {
		log.Info("Peer reconnected, replacing previous transport")
		replaced.Close()
	} else {
		log.WithField("peers", count).Info("Peer joined")
	}
	r.mirrorAdd(info)
	r.deliverLocal(msg)
}

func (r *Router) reject(ep transport.Endpoint, to models.PeerID, reason string) {
	resp, err := models.NewMessage(models.TypeJoinResponse, r.LocalID(), models.To(to),
		models.JoinResponsePayload{Accepted: false, Reason: reason})
	if err == nil {
		ep.Send(resp)
	}
	ep.Close()
}

// dispatch forwards msg. from is the endpoint it arrived on, or nil when
// this node originated it.
func (r *Router) dispatch(msg models.SignalingMessage, from transport.Endpoint) {
	local := r.LocalID()
	log := r.log.WithFields(logrus.Fields{"type": msg.Type, "from": msg.SenderID})

	if msg.IsBroadcast() {
		r.mu.Lock()
		targets := make([]*record, 0, len(r.peers))
		for _, rec := range r.peers {
			if rec.ep != from {
				targets = append(targets, rec)
			}
		}
		r.mu.Unlock()

		for _, rec := range targets {
			if err := rec.ep.Send(msg); err != nil {
				log.WithError(err).WithField("to", rec.info.ID).Warn("Failed to forward broadcast")
			}
		}
		if from != nil {
			r.deliverLocal(msg)
		}
		return
	}

	target := msg.Target()
	if target == models.TargetServer || target == local {
		if from != nil {
			r.deliverLocal(msg)
		}
		return
	}

	r.mu.Lock()
	rec, ok := r.peers[target]
	r.mu.Unlock()
	if !ok {
		log.WithField("to", target).Warn("Target peer not found, dropping message")
		return
	}
	if err := rec.ep.Send(msg); err != nil {
		log.WithError(err).WithField("to", target).Warn("Failed to forward message")
	}
}

// detach runs once an endpoint's message stream ends.
func (r *Router) detach(ep transport.Endpoint) {
	r.mu.Lock()
	delete(r.endpoints, ep)
	id, ok := r.unbindLocked(ep)
	r.mu.Unlock()

	ep.Close()
	if !ok {
		return
	}

	r.log.WithField("peer", id).Info("Peer transport closed")
	r.mirrorRemove(id)
	msg, err := models.NewMessage(models.TypeDisconnect, id, models.To(r.LocalID()),
		models.DisconnectPayload{Reason: "transport closed"})
	if err == nil {
		r.deliverLocal(msg)
	}
}

// unbindLocked drops the record for ep, if any. r.mu must be held.
func (r *Router) unbindLocked(ep transport.Endpoint) (models.PeerID, bool) {
	id, ok := r.bound[ep]
	if !ok {
		return "", false
	}
	delete(r.bound, ep)
	if rec, exists := r.peers[id]; exists && rec.ep == ep {
		delete(r.peers, id)
	}
	return id, true
}
