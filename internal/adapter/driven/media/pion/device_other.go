//go:build !linux

package pion

import (
	"context"
	"fmt"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/pion/webrtc/v4"
)

// DeviceSource has no capture drivers outside linux. Every request is
// reported as refused so calls fail cleanly instead of sending nothing.
type DeviceSource struct{}

func NewDeviceSource(int) (*DeviceSource, error) {
	return &DeviceSource{}, nil
}

func (*DeviceSource) Configure(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (*DeviceSource) UserMedia(context.Context, bool) (LocalTrack, LocalTrack, error) {
	return nil, nil, fmt.Errorf("%w: no capture drivers on this platform", domain.ErrMediaAccessDenied)
}

func (*DeviceSource) DisplayMedia(context.Context) (LocalTrack, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", domain.ErrMediaAccessDenied)
}
