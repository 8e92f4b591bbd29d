// Package router implements the signaling relay. A Router either hosts
// (raw-stream listener on P, WebSocket listener on P+1) or joins a remote
// router as a client. Messages addressed to this node are delivered on
// Incoming.
package router

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mossy-p/lancast/internal/apperr"
	"github.com/mossy-p/lancast/internal/auth"
	"github.com/mossy-p/lancast/internal/handlers"
	"github.com/mossy-p/lancast/internal/logging"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/mossy-p/lancast/internal/platform"
	"github.com/mossy-p/lancast/internal/transport"
	"github.com/sirupsen/logrus"
)

// Role is what the router is currently doing.
type Role int

const (
	RoleIdle Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "idle"
	}
}

const (
	incomingBuffer  = 256
	shutdownTimeout = 5 * time.Second
	mirrorTimeout   = 2 * time.Second
)

var (
	ErrNotRunning     = errors.New("router is not running")
	ErrAlreadyRunning = errors.New("router is already running")
)

// RosterMirror receives roster changes. internal/redis implements it.
type RosterMirror interface {
	Add(ctx context.Context, info models.PeerInfo) error
	Remove(ctx context.Context, id models.PeerID) error
}

// Options configures a Router.
type Options struct {
	Device       platform.DeviceInfo
	Capabilities platform.Capabilities
	// Issuer verifies join tokens when hosting. Nil or empty secret admits everyone.
	Issuer *auth.Issuer
	// JoinToken is presented in our own join-request when acting as a client.
	JoinToken      string
	Mirror         RosterMirror
	AllowedOrigins []string
	Production     bool
	Logger         logrus.FieldLogger
}

// Router relays signaling messages between peers.
type Router struct {
	opts Options
	log  logrus.FieldLogger

	mu        sync.Mutex
	role      Role
	peers     map[models.PeerID]*record
	bound     map[transport.Endpoint]models.PeerID
	endpoints map[transport.Endpoint]struct{}
	upstream  transport.Endpoint
	listener  net.Listener
	httpLn    net.Listener
	httpSrv   *http.Server
	wg        sync.WaitGroup

	// incoming is never closed; a router can be stopped and started again.
	incoming chan models.SignalingMessage
}

var _ handlers.Hub = (*Router)(nil)

// New creates an idle router.
func New(opts Options) *Router {
	return &Router{
		opts:      opts,
		log:       logging.OrDefault(opts.Logger).WithField("component", "router"),
		peers:     make(map[models.PeerID]*record),
		bound:     make(map[transport.Endpoint]models.PeerID),
		endpoints: make(map[transport.Endpoint]struct{}),
		incoming:  make(chan models.SignalingMessage, incomingBuffer),
	}
}

// LocalID returns this node's identity.
func (r *Router) LocalID() models.PeerID { return r.opts.Device.ID }

// Incoming yields messages addressed to this node, including join-requests
// from newly registered peers and synthesized disconnects.
func (r *Router) Incoming() <-chan models.SignalingMessage { return r.incoming }

// Role reports the current role.
func (r *Router) Role() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// StartServer binds the raw-stream listener on port and the WebSocket
// listener on port+1. Port 0 binds both to ephemeral ports.
func (r *Router) StartServer(ctx context.Context, port int) error {
	if !r.opts.Capabilities.HostServer {
		return apperr.Newf(apperr.CapabilityUnsupported, "start server", "this platform cannot host a socket server")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.role != RoleIdle {
		return ErrAlreadyRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", listenAddr(port))
	if err != nil {
		return apperr.New(apperr.TransportError, "bind stream listener", err)
	}
	wsPort := 0
	if port != 0 {
		wsPort = port + 1
	}
	httpLn, err := lc.Listen(ctx, "tcp", listenAddr(wsPort))
	if err != nil {
		ln.Close()
		return apperr.New(apperr.TransportError, "bind websocket listener", err)
	}

	engine := handlers.NewEngine(handlers.Deps{
		Hub:            r,
		Issuer:         r.opts.Issuer,
		AllowedOrigins: r.opts.AllowedOrigins,
		Production:     r.opts.Production,
		Logger:         r.log,
	})
	srv := &http.Server{Handler: engine, ReadHeaderTimeout: 10 * time.Second}

	r.role = RoleServer
	r.listener = ln
	r.httpLn = httpLn
	r.httpSrv = srv

	go func() {
		if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.WithError(err).Error("WebSocket listener stopped")
		}
	}()
	go r.acceptLoop(ln)

	r.log.WithFields(logrus.Fields{
		"stream":    ln.Addr().String(),
		"websocket": httpLn.Addr().String(),
	}).Info("Signaling server started")
	return nil
}

func listenAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

// Addrs returns the bound stream and WebSocket addresses while serving.
func (r *Router) Addrs() (stream, websocket string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener != nil {
		stream = r.listener.Addr().String()
	}
	if r.httpLn != nil {
		websocket = r.httpLn.Addr().String()
	}
	return stream, websocket
}

func (r *Router) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.WithError(err).Warn("Stream listener stopped")
			}
			return
		}
		r.Attach(transport.NewStreamEndpoint(conn, r.log))
	}
}

// Attach takes ownership of an accepted endpoint. Its identity is bound by
// its first join-request.
func (r *Router) Attach(ep transport.Endpoint) {
	r.mu.Lock()
	if r.role != RoleServer {
		r.mu.Unlock()
		ep.Close()
		return
	}
	r.endpoints[ep] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.serve(ep)
}

func (r *Router) serve(ep transport.Endpoint) {
	defer r.wg.Done()
	for msg := range ep.Messages() {
		r.route(ep, msg)
	}
	r.detach(ep)
}

// Send delivers a message originated by this node. As a server it is
// routed to the target peer or broadcast to all peers; as a client it is
// written to the upstream router. Unknown targets are dropped, not errors.
func (r *Router) Send(msg models.SignalingMessage) error {
	if msg.SenderID == "" {
		msg.SenderID = r.LocalID()
	}

	r.mu.Lock()
	role, upstream := r.role, r.upstream
	r.mu.Unlock()

	switch role {
	case RoleServer:
		r.dispatch(msg, nil)
		return nil
	case RoleClient:
		if upstream == nil {
			return ErrNotRunning
		}
		return upstream.Send(msg)
	default:
		return ErrNotRunning
	}
}

// Stop closes every held transport and listener. A client first tells the
// server it is leaving. Safe to call in any state.
func (r *Router) Stop() {
	r.mu.Lock()
	role := r.role
	if role == RoleIdle {
		r.mu.Unlock()
		return
	}
	upstream := r.upstream
	ln, httpSrv := r.listener, r.httpSrv
	endpoints := make([]transport.Endpoint, 0, len(r.endpoints))
	for ep := range r.endpoints {
		endpoints = append(endpoints, ep)
	}
	removed := make([]models.PeerID, 0, len(r.peers))
	for id := range r.peers {
		removed = append(removed, id)
	}
	r.role = RoleIdle
	r.upstream = nil
	r.listener, r.httpLn, r.httpSrv = nil, nil, nil
	r.peers = make(map[models.PeerID]*record)
	r.bound = make(map[transport.Endpoint]models.PeerID)
	r.endpoints = make(map[transport.Endpoint]struct{})
	r.mu.Unlock()

	if upstream != nil {
		msg, err := models.NewMessage(models.TypeDisconnect, r.LocalID(), models.To(models.TargetServer), nil)
		if err == nil {
			if err := upstream.Send(msg); err != nil {
				r.log.WithError(err).Debug("Failed to notify server of disconnect")
			}
		}
		upstream.Close()
	}

	if ln != nil {
		ln.Close()
	}
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpSrv.Shutdown(ctx); err != nil {
			r.log.WithError(err).Warn("WebSocket listener shutdown")
		}
		cancel()
	}
	for _, ep := range endpoints {
		ep.Close()
	}
	r.wg.Wait()

	for _, id := range removed {
		r.mirrorRemove(id)
	}
	r.log.WithField("role", role.String()).Info("Signaling router stopped")
}

func (r *Router) deliverLocal(msg models.SignalingMessage) {
	select {
	case r.incoming <- msg:
	default:
		r.log.WithFields(logrus.Fields{
			"type": msg.Type,
			"from": msg.SenderID,
		}).Warn("Local inbox full, dropping message")
	}
}

func (r *Router) mirrorAdd(info models.PeerInfo) {
	if r.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.opts.Mirror.Add(ctx, info); err != nil {
		r.log.WithError(err).Warn("Failed to mirror peer")
	}
}

func (r *Router) mirrorRemove(id models.PeerID) {
	if r.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.opts.Mirror.Remove(ctx, id); err != nil {
		r.log.WithError(err).WithField("peer", id).Warn("Failed to remove mirrored peer")
	}
}
