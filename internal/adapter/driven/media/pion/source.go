package pion

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// LocalTrack is an outgoing track owned by the peer until Teardown.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// MediaSource produces local tracks. Configure registers the codecs its
// tracks are encoded with; it runs once per API.
type MediaSource interface {
	Configure(m *webrtc.MediaEngine) error
	// UserMedia returns an error wrapping domain.ErrMediaAccessDenied when
	// capture is refused. video is nil for audio-only calls.
	UserMedia(ctx context.Context, withVideo bool) (audio, video LocalTrack, err error)
	DisplayMedia(ctx context.Context) (LocalTrack, error)
}

// RemoteSink receives the RTP of one inbound track. ivfwriter and oggwriter
// satisfy it.
type RemoteSink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// SinkFactory opens a sink for a remote track, or returns nil to discard it.
type SinkFactory func(track *webrtc.TrackRemote) (RemoteSink, error)

// endable is implemented by capture tracks that can stop on their own, such
// as a display capture the user ends from the OS.
type endable interface {
	OnEnded(handler func(error))
}
