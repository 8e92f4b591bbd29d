package models

import "fmt"

// QualityProfile caps the host's outbound video. Viewers adapt to whatever arrives.
type QualityProfile struct {
	Name       string `json:"name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FrameRate  int    `json:"frameRate"`
	MaxBitrate uint64 `json:"maxBitrate"` // bits per second
}

var (
	QualityLow    = QualityProfile{Name: "low", Width: 640, Height: 360, FrameRate: 15, MaxBitrate: 500_000}
	QualityMedium = QualityProfile{Name: "medium", Width: 1280, Height: 720, FrameRate: 30, MaxBitrate: 1_500_000}
	QualityHigh   = QualityProfile{Name: "high", Width: 1920, Height: 1080, FrameRate: 30, MaxBitrate: 4_000_000}
)

// ProfileByName looks up one of the fixed tiers.
func ProfileByName(name string) (QualityProfile, error) {
	switch name {
	case QualityLow.Name:
		return QualityLow, nil
	case QualityMedium.Name:
		return QualityMedium, nil
	case QualityHigh.Name:
		return QualityHigh, nil
	}
	return QualityProfile{}, fmt.Errorf("unknown quality profile %q", name)
}
