package router

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/mossy-p/lancast/internal/apperr"
	"github.com/mossy-p/lancast/internal/auth"
	"github.com/mossy-p/lancast/internal/logging"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/mossy-p/lancast/internal/platform"
	"github.com/mossy-p/lancast/internal/transport"
)

const waitTimeout = 2 * time.Second

func newRouter(id string, caps platform.Capabilities) *Router {
	return New(Options{
		Device:       platform.DeviceInfo{ID: models.PeerID(id), Name: id, Type: models.DeviceDesktop},
		Capabilities: caps,
		Logger:       logging.Discard(),
	})
}

func startHost(t *testing.T, opts ...func(*Options)) *Router {
	t.Helper()
	o := Options{
		Device:       platform.DeviceInfo{ID: "host", Name: "host"},
		Capabilities: platform.Full(),
		Logger:       logging.Discard(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	h := New(o)
	if err := h.StartServer(context.Background(), 0); err != nil {
		t.Fatalf("StartServer failed: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func ports(t *testing.T, h *Router) (stream, ws int) {
	t.Helper()
	s, w := h.Addrs()
	return portOf(t, s), portOf(t, w)
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad addr %q: %v", addr, err)
	}
	n, _ := strconv.Atoi(p)
	return n
}

func connectClient(t *testing.T, h *Router, id string) *Router {
	t.Helper()
	streamPort, _ := ports(t, h)
	c := newRouter(id, platform.Full())
	if err := c.ConnectToServer(context.Background(), "127.0.0.1", streamPort); err != nil {
		t.Fatalf("ConnectToServer failed: %v", err)
	}
	t.Cleanup(c.Stop)
	expect(t, h.Incoming(), models.TypeJoinRequest, models.PeerID(id))
	return c
}

func dialRaw(t *testing.T, h *Router) *transport.StreamEndpoint {
	t.Helper()
	streamPort, _ := ports(t, h)
	ep, err := transport.DialStream(context.Background(), net.JoinHostPort("127.0.0.1", strconv.Itoa(streamPort)), logging.Discard())
	if err != nil {
		t.Fatalf("DialStream failed: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

func join(t *testing.T, ep transport.Endpoint, id, token string) {
	t.Helper()
	msg, err := models.NewMessage(models.TypeJoinRequest, models.PeerID(id), models.To(models.TargetServer),
		models.JoinRequestPayload{DeviceName: id, Token: token})
	if err != nil {
		t.Fatal(err)
	}
	if err := ep.Send(msg); err != nil {
		t.Fatalf("join send failed: %v", err)
	}
}

func candidate(t *testing.T, from string, to *models.PeerID) models.SignalingMessage {
	t.Helper()
	msg, err := models.NewMessage(models.TypeICECandidate, models.PeerID(from), to,
		models.CandidatePayload{Candidate: "candidate:1 1 udp 1 192.168.1.2 5000 typ host"})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func expect(t *testing.T, ch <-chan models.SignalingMessage, typ models.MessageType, from models.PeerID) models.SignalingMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed waiting for %s", typ)
		}
		if msg.Type != typ || msg.SenderID != from {
			t.Fatalf("expected %s from %s, got %s from %s", typ, from, msg.Type, msg.SenderID)
		}
		return msg
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s from %s", typ, from)
	}
	return models.SignalingMessage{}
}

func expectNothing(t *testing.T, ch <-chan models.SignalingMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected %s from %s", msg.Type, msg.SenderID)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartServerUnsupported(t *testing.T) {
	caps := platform.Full()
	caps.HostServer = false
	r := newRouter("host", caps)

	err := r.StartServer(context.Background(), 0)
	if !apperr.Is(err, apperr.CapabilityUnsupported) {
		t.Fatalf("expected CapabilityUnsupported, got %v", err)
	}
	if r.Role() != RoleIdle {
		t.Errorf("expected idle role, got %s", r.Role())
	}
}

func TestStartServerPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	r := newRouter("host", platform.Full())
	err = r.StartServer(context.Background(), portOf(t, ln.Addr().String()))
	if !apperr.Is(err, apperr.TransportError) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestSendWhenIdle(t *testing.T) {
	r := newRouter("a", platform.Full())
	if err := r.Send(candidate(t, "a", nil)); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestBroadcastReachesEveryPeerOnce(t *testing.T) {
	h := startHost(t)
	a := connectClient(t, h, "a")
	b := connectClient(t, h, "b")
	c := connectClient(t, h, "c")

	if err := h.Send(candidate(t, "host", nil)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	for _, peer := range []*Router{a, b, c} {
		expect(t, peer.Incoming(), models.TypeICECandidate, "host")
	}
	for _, peer := range []*Router{a, b, c} {
		expectNothing(t, peer.Incoming())
	}
	expectNothing(t, h.Incoming())
}

func TestPeerBroadcastSkipsSender(t *testing.T) {
	h := startHost(t)
	a := connectClient(t, h, "a")
	b := connectClient(t, h, "b")

	if err := a.Send(candidate(t, "a", nil)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	expect(t, b.Incoming(), models.TypeICECandidate, "a")
	expect(t, h.Incoming(), models.TypeICECandidate, "a")
	expectNothing(t, a.Incoming())
}

func TestDuplicateJoinIgnored(t *testing.T) {
	h := startHost(t)
	ep := dialRaw(t, h)

	join(t, ep, "a", "")
	join(t, ep, "a", "")

	expect(t, h.Incoming(), models.TypeJoinRequest, "a")
	expectNothing(t, h.Incoming())
	if n := len(h.Peers()); n != 1 {
		t.Fatalf("expected 1 peer, got %d", n)
	}
}

func TestRejoinOnNewTransportReplacesRecord(t *testing.T) {
	h := startHost(t)
	first := dialRaw(t, h)
	join(t, first, "a", "")
	expect(t, h.Incoming(), models.TypeJoinRequest, "a")

	second := dialRaw(t, h)
	join(t, second, "a", "")
	expect(t, h.Incoming(), models.TypeJoinRequest, "a")

	select {
	case <-first.Done():
	case <-time.After(waitTimeout):
		t.Fatal("expected the replaced transport to be closed")
	}

	peers := h.Peers()
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	// The replaced transport closing must not look like the peer leaving.
	expectNothing(t, h.Incoming())

	if err := h.Send(candidate(t, "host", models.To("a"))); err != nil {
		t.Fatal(err)
	}
	expect(t, second.Messages(), models.TypeICECandidate, "host")
}

func TestUnknownTargetDropped(t *testing.T) {
	h := startHost(t)
	a := connectClient(t, h, "a")
	b := connectClient(t, h, "b")

	if err := h.Send(candidate(t, "host", models.To("ghost"))); err != nil {
		t.Fatalf("send to unknown peer should not fail: %v", err)
	}
	if err := b.Send(candidate(t, "b", models.To("ghost"))); err != nil {
		t.Fatalf("send to unknown peer should not fail: %v", err)
	}
	if err := b.Send(candidate(t, "b", models.To("a"))); err != nil {
		t.Fatal(err)
	}

	expect(t, a.Incoming(), models.TypeICECandidate, "b")
	expectNothing(t, a.Incoming())
	expectNothing(t, b.Incoming())
}

func TestSenderIDIsBoundIdentity(t *testing.T) {
	h := startHost(t)
	ep := dialRaw(t, h)
	join(t, ep, "a", "")
	expect(t, h.Incoming(), models.TypeJoinRequest, "a")

	if err := ep.Send(candidate(t, "spoofed", models.To(models.TargetServer))); err != nil {
		t.Fatal(err)
	}
	expect(t, h.Incoming(), models.TypeICECandidate, "a")
}

func TestMessagesBeforeJoinDropped(t *testing.T) {
	h := startHost(t)
	ep := dialRaw(t, h)

	if err := ep.Send(candidate(t, "a", models.To(models.TargetServer))); err != nil {
		t.Fatal(err)
	}
	expectNothing(t, h.Incoming())
}

func TestTransportCloseSynthesizesDisconnect(t *testing.T) {
	h := startHost(t)
	ep := dialRaw(t, h)
	join(t, ep, "a", "")
	expect(t, h.Incoming(), models.TypeJoinRequest, "a")

	ep.Close()
	msg := expect(t, h.Incoming(), models.TypeDisconnect, "a")
	if msg.Target() != "host" {
		t.Errorf("expected disconnect addressed to host, got %q", msg.Target())
	}
	waitFor(t, "roster to empty", func() bool { return len(h.Peers()) == 0 })
}

func TestDisconnectMessageRemovesRecord(t *testing.T) {
	h := startHost(t)
	a := connectClient(t, h, "a")

	a.Stop()
	expect(t, h.Incoming(), models.TypeDisconnect, "a")
	waitFor(t, "roster to empty", func() bool { return len(h.Peers()) == 0 })
	// The record went away with the message, so the close is not reported twice.
	expectNothing(t, h.Incoming())
}

func TestClientOverWebSocket(t *testing.T) {
	h := startHost(t)
	_, wsPort := ports(t, h)

	caps := platform.Full()
	caps.RawSockets = false
	c := newRouter("browser", caps)
	// The client dials port+1 for WebSocket.
	if err := c.ConnectToServer(context.Background(), "127.0.0.1", wsPort-1); err != nil {
		t.Fatalf("ConnectToServer failed: %v", err)
	}
	defer c.Stop()
	expect(t, h.Incoming(), models.TypeJoinRequest, "browser")

	peers := h.Peers()
	if len(peers) != 1 || peers[0].Transport != string(transport.KindWebSocket) {
		t.Fatalf("unexpected roster %+v", peers)
	}

	if err := h.Send(candidate(t, "host", models.To("browser"))); err != nil {
		t.Fatal(err)
	}
	expect(t, c.Incoming(), models.TypeICECandidate, "host")
}

func TestServerLossSynthesizesDisconnect(t *testing.T) {
	h := startHost(t)
	a := connectClient(t, h, "a")

	h.Stop()
	expect(t, a.Incoming(), models.TypeDisconnect, models.TargetServer)
	waitFor(t, "client to go idle", func() bool { return a.Role() == RoleIdle })
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	h := newRouter("host", platform.Full())
	h.Stop()
	if err := h.StartServer(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if err := h.StartServer(context.Background(), 0); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	h.Stop()
	h.Stop()
	if h.Role() != RoleIdle {
		t.Fatalf("expected idle, got %s", h.Role())
	}
	if err := h.StartServer(context.Background(), 0); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	h.Stop()
}

func TestPairingTokenRequired(t *testing.T) {
	issuer := auth.NewIssuer("secret")
	h := startHost(t, func(o *Options) { o.Issuer = issuer })

	ep := dialRaw(t, h)
	join(t, ep, "a", "")
	resp := expect(t, ep.Messages(), models.TypeJoinResponse, "host")
	payload, err := resp.JoinResponse()
	if err != nil {
		t.Fatal(err)
	}
	if payload.Accepted || payload.Reason != ReasonUnauthorized {
		t.Errorf("unexpected response %+v", payload)
	}
	select {
	case <-ep.Done():
	case <-time.After(waitTimeout):
		t.Fatal("expected rejected transport to be closed")
	}
	expectNothing(t, h.Incoming())

	token, err := issuer.Issue("pair:b", "b", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ok := dialRaw(t, h)
	join(t, ok, "b", token)
	expect(t, h.Incoming(), models.TypeJoinRequest, "b")
}

type fakeMirror struct {
	added   chan models.PeerID
	removed chan models.PeerID
}

func (m *fakeMirror) Add(_ context.Context, info models.PeerInfo) error {
	m.added <- info.ID
	return nil
}

func (m *fakeMirror) Remove(_ context.Context, id models.PeerID) error {
	m.removed <- id
	return nil
}

func TestRosterMirror(t *testing.T) {
	m := &fakeMirror{added: make(chan models.PeerID, 4), removed: make(chan models.PeerID, 4)}
	h := startHost(t, func(o *Options) { o.Mirror = m })

	ep := dialRaw(t, h)
	join(t, ep, "a", "")
	expect(t, h.Incoming(), models.TypeJoinRequest, "a")
	if id := <-m.added; id != "a" {
		t.Errorf("unexpected mirrored add %q", id)
	}

	ep.Close()
	select {
	case id := <-m.removed:
		if id != "a" {
			t.Errorf("unexpected mirrored remove %q", id)
		}
	case <-time.After(waitTimeout):
		t.Fatal("expected mirrored remove")
	}
}

func sessionJoin(t *testing.T, from, to string) models.SignalingMessage {
	t.Helper()
	msg, err := models.NewMessage(models.TypeJoinRequest, models.PeerID(from), models.To(models.PeerID(to)), nil)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestSessionJoinReachesHost(t *testing.T) {
	tests := []struct {
		name       string
		rawSockets bool
	}{
		{"stream", true},
		{"websocket", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startHost(t)
			port, wsPort := ports(t, h)
			if !tt.rawSockets {
				// Ephemeral ports are not adjacent; the client dials port+1.
				port = wsPort - 1
			}

			caps := platform.Full()
			caps.RawSockets = tt.rawSockets
			c := newRouter("viewer", caps)
			if err := c.ConnectToServer(context.Background(), "127.0.0.1", port); err != nil {
				t.Fatalf("ConnectToServer failed: %v", err)
			}
			defer c.Stop()
			reg := expect(t, h.Incoming(), models.TypeJoinRequest, "viewer")
			if reg.Target() != models.TargetServer {
				t.Fatalf("expected registration join to server, got %q", reg.Target())
			}

			if err := c.Send(sessionJoin(t, "viewer", "host")); err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			msg := expect(t, h.Incoming(), models.TypeJoinRequest, "viewer")
			if msg.Target() != "host" {
				t.Fatalf("expected join addressed to host, got %q", msg.Target())
			}
			if n := len(h.Peers()); n != 1 {
				t.Fatalf("expected 1 peer, got %d", n)
			}

			// The host can answer over the same transport.
			resp, err := models.NewMessage(models.TypeJoinResponse, "host", models.To("viewer"),
				models.JoinResponsePayload{Accepted: true})
			if err != nil {
				t.Fatal(err)
			}
			if err := h.Send(resp); err != nil {
				t.Fatal(err)
			}
			expect(t, c.Incoming(), models.TypeJoinResponse, "host")
		})
	}
}

func TestSessionJoinForwardedToPeer(t *testing.T) {
	h := startHost(t)
	a := connectClient(t, h, "a")
	b := connectClient(t, h, "b")

	if err := a.Send(sessionJoin(t, "a", "b")); err != nil {
		t.Fatal(err)
	}
	expect(t, b.Incoming(), models.TypeJoinRequest, "a")
	expectNothing(t, h.Incoming())
}

func TestSessionJoinSkipsPairingOnceBound(t *testing.T) {
	issuer := auth.NewIssuer("secret")
	h := startHost(t, func(o *Options) { o.Issuer = issuer })
	token, err := issuer.Issue("pair:viewer", "viewer", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	ep := dialRaw(t, h)
	join(t, ep, "viewer", token)
	expect(t, h.Incoming(), models.TypeJoinRequest, "viewer")

	if err := ep.Send(sessionJoin(t, "viewer", "host")); err != nil {
		t.Fatal(err)
	}
	expect(t, h.Incoming(), models.TypeJoinRequest, "viewer")
	select {
	case <-ep.Done():
		t.Fatal("bound transport closed by session join")
	default:
	}
}
