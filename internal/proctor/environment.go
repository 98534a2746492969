package proctor

import (
	"context"
	"errors"
)

// CapabilitySet describes which platform primitives the client exposes.
type CapabilitySet struct {
	Fullscreen      bool `json:"fullscreen"`
	MediaCapture    bool `json:"media_capture"`
	SecureTransport bool `json:"secure_transport"`
}

// MediaConstraints is the camera/microphone request sent to the client.
type MediaConstraints struct {
	Video      bool   `json:"video"`
	Audio      bool   `json:"audio"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	FacingMode string `json:"facing_mode,omitempty"`
}

// DefaultMediaConstraints asks for a 640x480 front camera plus microphone.
func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{
		Video:      true,
		Audio:      true,
		Width:      640,
		Height:     480,
		FacingMode: "user",
	}
}

// Track kinds.
const (
	TrackVideo = "video"
	TrackAudio = "audio"
)

// MediaTrack is a single live capture track. Stop must be idempotent.
type MediaTrack interface {
	ID() string
	Kind() string
	Live() bool
	Stop()
}

// MediaStream groups the tracks returned by one media request.
type MediaStream interface {
	Tracks() []MediaTrack
}

// Environment is the client platform as seen by the session controller.
// GetUserMedia and RequestFullscreen may block on a user permission prompt.
type Environment interface {
	Capabilities() CapabilitySet
	GetUserMedia(ctx context.Context, c MediaConstraints) (MediaStream, error)
	RequestFullscreen(ctx context.Context) error
	ExitFullscreen(ctx context.Context) error
	FullscreenActive() bool
	Online() bool
}

// BatteryStatus mirrors the battery status API. Level is in [0, 1].
type BatteryStatus struct {
	Level    float64 `json:"level"`
	Charging bool    `json:"charging"`
}

// BatteryReader is implemented by environments that expose battery status.
type BatteryReader interface {
	Battery(ctx context.Context) (BatteryStatus, error)
}

// ErrBatteryUnsupported is returned by a BatteryReader without battery support.
var ErrBatteryUnsupported = errors.New("battery status unsupported")
