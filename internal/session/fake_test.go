package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/lancast/internal/metrics"
	"github.com/mossy-p/lancast/internal/models"
)

type fakeTrack struct {
	id      string
	stopped atomic.Int32
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return "video" }
func (t *fakeTrack) Stop() error {
	t.stopped.Add(1)
	return nil
}

// fakeEngine hands out fakeSessions. When autoConnect is set a session
// emits two candidates on SetLocalDescription and reports connected once it
// has a remote description and two remote candidates.
type fakeEngine struct {
	captureErr  error
	autoConnect bool

	mu       sync.Mutex
	capture  *fakeTrack
	sessions []*fakeSession
}

func (e *fakeEngine) AcquireLocalCapture(context.Context, Constraints) (Track, error) {
	if e.captureErr != nil {
		return nil, e.captureErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capture = &fakeTrack{id: "screen"}
	return e.capture, nil
}

func (e *fakeEngine) CreateSession(Config) (MediaSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &fakeSession{events: make(chan Event, 64), autoConnect: e.autoConnect}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) last() *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

type fakeSession struct {
	autoConnect bool
	events      chan Event

	mu          sync.Mutex
	closed      bool
	local       *models.SessionDescriptionPayload
	remote      *models.SessionDescriptionPayload
	tracks      []Track
	candidates  []models.CandidatePayload
	qualities   []models.QualityProfile
	candidateID int
	connected   bool
}

func (s *fakeSession) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(ev)
}

func (s *fakeSession) emitLocked(ev Event) {
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *fakeSession) AddTrack(t Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
	s.emitLocked(RenegotiationNeeded{})
	return nil
}

func (s *fakeSession) CreateOffer(context.Context) (models.SessionDescriptionPayload, error) {
	return models.SessionDescriptionPayload{Type: "offer", SDP: "v=0 offer"}, nil
}

func (s *fakeSession) CreateAnswer(context.Context) (models.SessionDescriptionPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return models.SessionDescriptionPayload{}, errors.New("no remote offer")
	}
	return models.SessionDescriptionPayload{Type: "answer", SDP: "v=0 answer"}, nil
}

func (s *fakeSession) SetLocalDescription(d models.SessionDescriptionPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = &d
	if s.autoConnect {
		for i := 0; i < 2; i++ {
			s.candidateID++
			s.emitLocked(CandidateGenerated{Candidate: models.CandidatePayload{
				Candidate: "candidate:" + d.Type + string(rune('0'+s.candidateID)) + " 1 udp 1 192.168.1.2 5000 typ host",
			}})
		}
	}
	return nil
}

func (s *fakeSession) SetRemoteDescription(d models.SessionDescriptionPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.SDP == "reject" {
		return errors.New("bad sdp")
	}
	s.remote = &d
	if d.Type == "offer" {
		s.emitLocked(TrackReceived{Track: &fakeTrack{id: "remote-video"}})
	}
	s.maybeConnectLocked()
	return nil
}

func (s *fakeSession) AddCandidate(c models.CandidatePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Candidate == "" {
		return errors.New("empty candidate")
	}
	s.candidates = append(s.candidates, c)
	s.maybeConnectLocked()
	return nil
}

func (s *fakeSession) maybeConnectLocked() {
	if s.autoConnect && !s.connected && s.remote != nil && len(s.candidates) >= 2 {
		s.connected = true
		s.emitLocked(ConnectivityChanged{State: ConnectivityChecking})
		s.emitLocked(ConnectivityChanged{State: ConnectivityConnected})
	}
}

func (s *fakeSession) ApplyQuality(p models.QualityProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qualities = append(s.qualities, p)
	return nil
}

func (s *fakeSession) Stats(context.Context) (metrics.Report, error) {
	return metrics.Report{Timestamp: time.Now(), RoundTripTime: 0.002}, nil
}

func (s *fakeSession) Events() <-chan Event { return s.events }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSession) snapshot() (candidates int, qualities []models.QualityProfile, remoteSet, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates), append([]models.QualityProfile(nil), s.qualities...), s.remote != nil, s.closed
}

// fakeSignaler records outbound messages, dropping them once its buffer is full.
type fakeSignaler struct {
	id   models.PeerID
	sent chan models.SignalingMessage
}

func newFakeSignaler(id models.PeerID) *fakeSignaler {
	return &fakeSignaler{id: id, sent: make(chan models.SignalingMessage, 64)}
}

func (f *fakeSignaler) Send(msg models.SignalingMessage) error {
	select {
	case f.sent <- msg:
	default:
	}
	return nil
}

func (f *fakeSignaler) LocalID() models.PeerID { return f.id }

type fakeRenderer struct {
	mu       sync.Mutex
	attached []string
	detached int
}

func (r *fakeRenderer) Attach(t Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached = append(r.attached, t.ID())
}

func (r *fakeRenderer) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached++
}

func (r *fakeRenderer) attachedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attached)
}
