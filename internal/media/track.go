package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/mossy-p/lancast/internal/session"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

// SampleSource yields encoded video samples from the capture pipeline.
type SampleSource interface {
	NextSample(ctx context.Context) (media.Sample, error)
	Close() error
}

// ProfileSetter is implemented by sources whose encoder can be re-capped
// while running.
type ProfileSetter interface {
	SetProfile(p models.QualityProfile) error
}

// CaptureFunc opens the capture pipeline for the given constraints.
type CaptureFunc func(ctx context.Context, c session.Constraints) (SampleSource, error)

// IdleCapture negotiates a video track that never carries frames. It lets
// a device without a capture pipeline exercise signaling and connectivity.
func IdleCapture(context.Context, session.Constraints) (SampleSource, error) {
	return idleSource{}, nil
}

type idleSource struct{}

func (idleSource) NextSample(ctx context.Context) (media.Sample, error) {
	<-ctx.Done()
	return media.Sample{}, ctx.Err()
}

func (idleSource) Close() error { return nil }

// LocalTrack pumps samples from a SampleSource into a pion track.
type LocalTrack struct {
	track *webrtc.TrackLocalStaticSample
	src   SampleSource
	log   logrus.FieldLogger

	mu      sync.Mutex
	profile models.QualityProfile

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

var _ session.Track = (*LocalTrack)(nil)

func newLocalTrack(src SampleSource, p models.QualityProfile, log logrus.FieldLogger) (*LocalTrack, error) {
	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video-"+id, "lancast-"+id,
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &LocalTrack{
		track:   track,
		src:     src,
		log:     log.WithField("track", track.ID()),
		profile: p,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go t.pump(ctx)
	return t, nil
}

func (t *LocalTrack) pump(ctx context.Context) {
	defer close(t.done)
	for {
		sample, err := t.src.NextSample(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.log.WithError(err).Warn("Capture ended")
			}
			return
		}
		if err := t.track.WriteSample(sample); err != nil {
			t.log.WithError(err).Debug("Failed to write sample")
		}
	}
}

func (t *LocalTrack) ID() string   { return t.track.ID() }
func (t *LocalTrack) Kind() string { return t.track.Kind().String() }

// Profile returns the cap currently applied to the encoder.
func (t *LocalTrack) Profile() models.QualityProfile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.profile
}

// SetProfile re-caps the encoder if the source supports it.
func (t *LocalTrack) SetProfile(p models.QualityProfile) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ps, ok := t.src.(ProfileSetter); ok {
		if err := ps.SetProfile(p); err != nil {
			return err
		}
	}
	t.profile = p
	return nil
}

// Stop ends the pump and releases the capture pipeline.
func (t *LocalTrack) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		t.cancel()
		<-t.done
		err = t.src.Close()
	})
	return err
}

// RemoteTrack is a received track handed to the renderer.
type RemoteTrack struct {
	track *webrtc.TrackRemote
}

var _ session.Track = (*RemoteTrack)(nil)

func (t *RemoteTrack) ID() string   { return t.track.ID() }
func (t *RemoteTrack) Kind() string { return t.track.Kind().String() }
func (t *RemoteTrack) Stop() error  { return nil }

// Remote exposes the pion track so a renderer can read RTP from it.
func (t *RemoteTrack) Remote() *webrtc.TrackRemote { return t.track }
