package router

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/mossy-p/lancast/internal/models"
	"github.com/mossy-p/lancast/internal/transport"
	"github.com/sirupsen/logrus"
)

// ConnectToServer dials a remote router and sends our join-request. Raw
// streams are preferred; without them the WebSocket listener on port+1 is
// used.
func (r *Router) ConnectToServer(ctx context.Context, host string, port int) error {
	r.mu.Lock()
	if r.role != RoleIdle {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	// Reserve the role while dialing so a concurrent start fails fast.
	r.role = RoleClient
	r.mu.Unlock()

	ep, err := r.dial(ctx, host, port)
	if err != nil {
		r.resetClient(nil)
		return err
	}

	join, err := models.NewMessage(models.TypeJoinRequest, r.LocalID(), models.To(models.TargetServer),
		models.JoinRequestPayload{
			DeviceName: r.opts.Device.Name,
			DeviceType: r.opts.Device.Type,
			Token:      r.opts.JoinToken,
		})
	if err != nil {
		ep.Close()
		r.resetClient(nil)
		return err
	}

	r.mu.Lock()
	if r.role != RoleClient {
		// Stopped while dialing.
		r.mu.Unlock()
		ep.Close()
		return ErrNotRunning
	}
	r.upstream = ep
	r.mu.Unlock()

	go r.pumpUpstream(ep)

	if err := ep.Send(join); err != nil {
		ep.Close()
		return err
	}
	r.log.WithFields(logrus.Fields{
		"server":    ep.RemoteAddr(),
		"transport": ep.Kind(),
	}).Info("Connected to signaling server")
	return nil
}

func (r *Router) dial(ctx context.Context, host string, port int) (transport.Endpoint, error) {
	if r.opts.Capabilities.RawSockets {
		return transport.DialStream(ctx, net.JoinHostPort(host, strconv.Itoa(port)), r.log)
	}
	url := fmt.Sprintf("ws://%s/ws/signal", net.JoinHostPort(host, strconv.Itoa(port+1)))
	return transport.DialWebSocket(ctx, url, nil, r.log)
}

// pumpUpstream delivers everything from the server locally. If the server
// goes away without us calling Stop, the owner sees a disconnect from it.
func (r *Router) pumpUpstream(ep transport.Endpoint) {
	for msg := range ep.Messages() {
		r.deliverLocal(msg)
	}
	if !r.resetClient(ep) {
		return
	}
	r.log.Info("Signaling server connection lost")
	msg, err := models.NewMessage(models.TypeDisconnect, models.TargetServer, models.To(r.LocalID()),
		models.DisconnectPayload{Reason: "server connection lost"})
	if err == nil {
		r.deliverLocal(msg)
	}
}

// resetClient returns the router to idle if it is still a client using ep.
func (r *Router) resetClient(ep transport.Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.role != RoleClient || r.upstream != ep {
		return false
	}
	r.role = RoleIdle
	r.upstream = nil
	return true
}
