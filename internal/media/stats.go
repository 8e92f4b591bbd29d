package media

import (
	"time"

	"github.com/mossy-p/lancast/internal/metrics"
	"github.com/pion/webrtc/v4"
)

// reportFromStats folds a pion stats report into one metrics.Report. RTT
// comes from the nominated candidate pair; durations stay in seconds.
func reportFromStats(stats webrtc.StatsReport) metrics.Report {
	r := metrics.Report{Timestamp: time.Now()}

	for _, s := range stats {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if !st.Nominated {
				continue
			}
			r.RoundTripTime = float64(st.CurrentRoundTripTime)
			r.BytesSent += uint64(st.BytesSent)
			r.BytesReceived += uint64(st.BytesReceived)
		case webrtc.InboundRTPStreamStats:
			r.PacketsReceived += uint64(st.PacketsReceived)
			r.PacketsLost += int64(st.PacketsLost)
			if float64(st.Jitter) > r.Jitter {
				r.Jitter = float64(st.Jitter)
			}
			r.FramesDecoded += st.FramesDecoded
			r.FrameWidth = uint32(st.FrameWidth)
			r.FrameHeight = uint32(st.FrameHeight)
		case webrtc.OutboundRTPStreamStats:
			r.PacketsSent += uint64(st.PacketsSent)
			if st.FrameWidth > 0 {
				r.FramesPerSecond = float64(st.FramesPerSecond)
				r.FrameWidth = uint32(st.FrameWidth)
				r.FrameHeight = uint32(st.FrameHeight)
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if r.RoundTripTime == 0 {
				r.RoundTripTime = float64(st.RoundTripTime)
			}
			r.PacketsLost += int64(st.PacketsLost)
		}
	}
	return r
}
