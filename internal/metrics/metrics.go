// Package metrics polls the active media session for transport statistics
// and turns them into Snapshot values.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/lancast/internal/logging"
	"github.com/sirupsen/logrus"
)

// DefaultInterval is used when Options.Interval is zero.
const DefaultInterval = 2 * time.Second

// Report is one raw stats poll as the media engine reports it. Durations
// are in seconds.
type Report struct {
	Timestamp       time.Time
	RoundTripTime   float64
	Jitter          float64
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     int64
	BytesSent       uint64
	BytesReceived   uint64
	// FramesPerSecond is reported by the sending side only. Receivers
	// report the running FramesDecoded counter instead.
	FramesPerSecond float64
	FramesDecoded   uint32
	FrameWidth      uint32
	FrameHeight     uint32
}

// Snapshot is the normalized form handed to observers.
type Snapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	RTTMillis       float64   `json:"rttMs"`
	JitterMillis    float64   `json:"jitterMs"`
	PacketsLost     int64     `json:"packetsLost"`
	PacketLossRatio float64   `json:"packetLossRatio"`
	BytesSent       uint64    `json:"bytesSent"`
	BytesReceived   uint64    `json:"bytesReceived"`
	BitrateKbps     float64   `json:"bitrateKbps"`
	FramesPerSecond float64   `json:"fps"`
	FrameWidth      uint32    `json:"frameWidth"`
	FrameHeight     uint32    `json:"frameHeight"`
}

// Source is anything that can be polled for a Report.
type Source interface {
	Stats(ctx context.Context) (Report, error)
}

// Normalize converts cur into a Snapshot. prev, when non-nil, is the
// previous report of the same session and is used for bitrate.
func Normalize(prev *Report, cur Report) Snapshot {
	s := Snapshot{
		Timestamp:       cur.Timestamp,
		RTTMillis:       secondsToMillis(cur.RoundTripTime),
		JitterMillis:    secondsToMillis(cur.Jitter),
		PacketsLost:     cur.PacketsLost,
		BytesSent:       cur.BytesSent,
		BytesReceived:   cur.BytesReceived,
		FramesPerSecond: cur.FramesPerSecond,
		FrameWidth:      cur.FrameWidth,
		FrameHeight:     cur.FrameHeight,
	}

	total := cur.PacketsReceived + cur.PacketsSent
	if cur.PacketsLost > 0 && total > 0 {
		s.PacketLossRatio = float64(cur.PacketsLost) / float64(total+uint64(cur.PacketsLost))
	}

	if prev != nil {
		elapsed := cur.Timestamp.Sub(prev.Timestamp).Seconds()
		bytes := cur.BytesSent + cur.BytesReceived
		prevBytes := prev.BytesSent + prev.BytesReceived
		// Counters reset when the session is replaced.
		if elapsed > 0 && bytes >= prevBytes {
			s.BitrateKbps = float64(bytes-prevBytes) * 8 / 1000 / elapsed
		}
		if s.FramesPerSecond == 0 && elapsed > 0 && cur.FramesDecoded >= prev.FramesDecoded {
			s.FramesPerSecond = float64(cur.FramesDecoded-prev.FramesDecoded) / elapsed
		}
	}
	return s
}

// secondsToMillis scales exactly once. Negative or missing values read as 0.
func secondsToMillis(sec float64) float64 {
	if sec <= 0 {
		return 0
	}
	return sec * 1000
}

// Options configures a Sampler.
type Options struct {
	Interval time.Duration
	Logger   logrus.FieldLogger
}

// Sampler polls a Source on a fixed interval while started. Failed polls
// are logged and skipped.
type Sampler struct {
	src      Source
	interval time.Duration
	log      logrus.FieldLogger
	out      chan Snapshot

	mu      sync.Mutex
	prev    *Report
	latest  *Snapshot
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewSampler creates a stopped sampler.
func NewSampler(src Source, opts Options) *Sampler {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		src:      src,
		interval: interval,
		log:      logging.OrDefault(opts.Logger).WithField("component", "metrics"),
		out:      make(chan Snapshot, 1),
	}
}

// Snapshots yields each new snapshot. A slow reader only sees the newest.
func (s *Sampler) Snapshots() <-chan Snapshot { return s.out }

// Latest returns the most recent snapshot, if any.
func (s *Sampler) Latest() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Snapshot{}, false
	}
	return *s.latest, true
}

// Start begins polling. Calling Start on a running sampler does nothing.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.prev = nil
	go s.loop(ctx, s.stopped)
}

// Stop ends polling and waits for the loop to exit. Safe to call repeatedly.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.prev = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (s *Sampler) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := s.Sample(ctx)
			if err != nil {
				s.log.WithError(err).Debug("Skipping stats sample")
				continue
			}
			s.publish(snap)
		}
	}
}

// Sample polls the source once and records the result.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	report, err := s.src.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Normalize(s.prev, report)
	s.prev = &report
	s.latest = &snap
	return snap, nil
}

func (s *Sampler) publish(snap Snapshot) {
	select {
	case s.out <- snap:
		return
	default:
	}
	// Replace the unread snapshot with the newer one.
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- snap:
	default:
	}
}
