//go:build linux

package pion

import (
	"context"
	"fmt"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DeviceSource captures the local camera, microphone and screen through
// pion/mediadevices (V4L2, malgo and X11 drivers), encoded as VP8 and Opus.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceSource(videoBitRate int) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if videoBitRate > 0 {
		vpxParams.BitRate = videoBitRate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (s *DeviceSource) Configure(m *webrtc.MediaEngine) error {
	s.selector.Populate(m)
	return nil
}

func (s *DeviceSource) UserMedia(ctx context.Context, withVideo bool) (LocalTrack, LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug().Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("Media device")
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if withVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose MJPEG nodes with broken
			// frames that poison the encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrMediaAccessDenied, err)
	}

	var audio, video LocalTrack
	if tracks := stream.GetAudioTracks(); len(tracks) > 0 {
		audio = tracks[0]
	}
	if tracks := stream.GetVideoTracks(); len(tracks) > 0 {
		video = tracks[0]
	}
	if audio == nil || (withVideo && video == nil) {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
		return nil, nil, fmt.Errorf("%w: requested track unavailable", domain.ErrMediaAccessDenied)
	}
	return audio, video, nil
}

func (s *DeviceSource) DisplayMedia(ctx context.Context) (LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: display capture: %v", domain.ErrMediaAccessDenied, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no display track", domain.ErrMediaAccessDenied)
	}
	return tracks[0], nil
}
