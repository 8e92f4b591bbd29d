package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/lancast/internal/metrics"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/mossy-p/lancast/internal/session"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const eventBuffer = 128

var errForeignTrack = errors.New("track was not created by this engine")

// Session adapts a pion PeerConnection to session.MediaSession. pion
// callbacks are turned into session events.
type Session struct {
	pc  *webrtc.PeerConnection
	log logrus.FieldLogger

	events    chan session.Event
	done      chan struct{}
	closeOnce sync.Once
	// emitMu guards closing events against in-flight callbacks.
	emitMu sync.RWMutex
	closed bool

	mu     sync.Mutex
	tracks []*LocalTrack
}

var _ session.MediaSession = (*Session)(nil)

func newSession(pc *webrtc.PeerConnection, log logrus.FieldLogger) *Session {
	s := &Session{
		pc:     pc,
		log:    log,
		events: make(chan session.Event, eventBuffer),
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.emit(session.CandidateGenerated{Candidate: models.CandidatePayload{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.emit(session.ConnectivityChanged{State: connectivityState(state)})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.emit(session.TrackReceived{Track: &RemoteTrack{track: track}})
	})
	pc.OnNegotiationNeeded(func() {
		s.emit(session.RenegotiationNeeded{})
	})
	return s
}

func (s *Session) emit(ev session.Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func connectivityState(state webrtc.ICEConnectionState) session.ConnectivityState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return session.ConnectivityChecking
	case webrtc.ICEConnectionStateConnected:
		return session.ConnectivityConnected
	case webrtc.ICEConnectionStateCompleted:
		return session.ConnectivityCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return session.ConnectivityDisconnected
	case webrtc.ICEConnectionStateFailed:
		return session.ConnectivityFailed
	case webrtc.ICEConnectionStateClosed:
		return session.ConnectivityClosed
	default:
		return session.ConnectivityNew
	}
}

// AddTrack attaches a local capture track and drains RTCP for it.
func (s *Session) AddTrack(t session.Track) error {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return errForeignTrack
	}
	sender, err := s.pc.AddTrack(lt.track)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tracks = append(s.tracks, lt)
	s.mu.Unlock()

	// Read incoming RTCP packets so interceptors keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (s *Session) CreateOffer(ctx context.Context) (models.SessionDescriptionPayload, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescriptionPayload{}, err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescriptionPayload{}, err
	}
	return toPayload(offer), nil
}

func (s *Session) CreateAnswer(ctx context.Context) (models.SessionDescriptionPayload, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescriptionPayload{}, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescriptionPayload{}, err
	}
	return toPayload(answer), nil
}

func (s *Session) SetLocalDescription(d models.SessionDescriptionPayload) error {
	sd, err := fromPayload(d)
	if err != nil {
		return err
	}
	return s.pc.SetLocalDescription(sd)
}

func (s *Session) SetRemoteDescription(d models.SessionDescriptionPayload) error {
	sd, err := fromPayload(d)
	if err != nil {
		return err
	}
	return s.pc.SetRemoteDescription(sd)
}

func (s *Session) AddCandidate(c models.CandidatePayload) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// ApplyQuality re-caps every local track's encoder. Nothing is renegotiated.
func (s *Session) ApplyQuality(p models.QualityProfile) error {
	s.mu.Lock()
	tracks := append([]*LocalTrack(nil), s.tracks...)
	s.mu.Unlock()

	var errs []error
	for _, t := range tracks {
		if err := t.SetProfile(p); err != nil {
			errs = append(errs, fmt.Errorf("track %s: %w", t.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) Stats(ctx context.Context) (metrics.Report, error) {
	if err := ctx.Err(); err != nil {
		return metrics.Report{}, err
	}
	return reportFromStats(s.pc.GetStats()), nil
}

func (s *Session) Events() <-chan session.Event { return s.events }

// Close closes the peer connection and then the event channel.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pc.Close()

		s.emitMu.Lock()
		s.closed = true
		close(s.events)
		s.emitMu.Unlock()
	})
	return err
}

func toPayload(sd webrtc.SessionDescription) models.SessionDescriptionPayload {
	return models.SessionDescriptionPayload{Type: sd.Type.String(), SDP: sd.SDP}
}

func fromPayload(d models.SessionDescriptionPayload) (webrtc.SessionDescription, error) {
	typ := webrtc.NewSDPType(d.Type)
	if typ == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: typ, SDP: d.SDP}, nil
}
