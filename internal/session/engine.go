package session

import (
	"context"

	"github.com/mossy-p/lancast/config"
	"github.com/mossy-p/lancast/internal/metrics"
	"github.com/mossy-p/lancast/internal/models"
)

// Constraints describe the capture a host asks for.
type Constraints struct {
	Profile models.QualityProfile
}

// Track is a local capture or a received remote media track.
type Track interface {
	ID() string
	Kind() string
	// Stop releases the underlying capture. Remote tracks ignore it.
	Stop() error
}

// Config is handed to Engine.CreateSession.
type Config struct {
	ICE config.ICEConfig
}

// Engine is the media capability: capture plus negotiable sessions.
type Engine interface {
	AcquireLocalCapture(ctx context.Context, c Constraints) (Track, error)
	CreateSession(cfg Config) (MediaSession, error)
}

// MediaSession is one negotiable peer session. Events is closed by Close.
type MediaSession interface {
	AddTrack(t Track) error
	CreateOffer(ctx context.Context) (models.SessionDescriptionPayload, error)
	CreateAnswer(ctx context.Context) (models.SessionDescriptionPayload, error)
	SetLocalDescription(d models.SessionDescriptionPayload) error
	SetRemoteDescription(d models.SessionDescriptionPayload) error
	AddCandidate(c models.CandidatePayload) error
	// ApplyQuality caps every outbound video sender without renegotiating.
	ApplyQuality(p models.QualityProfile) error
	Stats(ctx context.Context) (metrics.Report, error)
	Events() <-chan Event
	Close() error
}

// ConnectivityState is the engine's view of the peer connection.
type ConnectivityState int

const (
	ConnectivityNew ConnectivityState = iota
	ConnectivityChecking
	ConnectivityConnected
	ConnectivityCompleted
	ConnectivityDisconnected
	ConnectivityFailed
	ConnectivityClosed
)

func (s ConnectivityState) String() string {
	switch s {
	case ConnectivityNew:
		return "new"
	case ConnectivityChecking:
		return "checking"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityCompleted:
		return "completed"
	case ConnectivityDisconnected:
		return "disconnected"
	case ConnectivityFailed:
		return "failed"
	case ConnectivityClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one of CandidateGenerated, ConnectivityChanged, TrackReceived
// or RenegotiationNeeded.
type Event interface {
	isEvent()
}

type CandidateGenerated struct {
	Candidate models.CandidatePayload
}

type ConnectivityChanged struct {
	State ConnectivityState
}

type TrackReceived struct {
	Track Track
}

type RenegotiationNeeded struct{}

func (CandidateGenerated) isEvent()  {}
func (ConnectivityChanged) isEvent() {}
func (TrackReceived) isEvent()       {}
func (RenegotiationNeeded) isEvent() {}

// Signaler sends signaling messages. *router.Router satisfies it.
type Signaler interface {
	Send(msg models.SignalingMessage) error
	LocalID() models.PeerID
}

// Renderer displays received tracks. It belongs to the presentation layer.
type Renderer interface {
	Attach(t Track)
	Detach()
}

type nopRenderer struct{}

func (nopRenderer) Attach(Track) {}
func (nopRenderer) Detach()      {}
