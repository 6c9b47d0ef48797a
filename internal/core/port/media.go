package port

import (
	"context"

	"github.com/Wyydra/callsig/internal/core/domain"
)

// PeerConnection owns exactly one underlying connection object and the local
// media tracks attached to it.
type PeerConnection interface {
	// AcquireLocalMedia returns an error wrapping domain.ErrMediaAccessDenied
	// when capture is refused.
	AcquireLocalMedia(ctx context.Context, hasVideo bool) (domain.StreamInfo, error)

	// CreateOffer and CreateAnswer also install the result as the local
	// description.
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)

	// SetRemoteDescription applies once per description type; repeats are
	// no-ops.
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(c domain.ICECandidate) error

	OnICECandidate(fn func(domain.ICECandidate))
	OnTrack(fn func(domain.RemoteTrack))
	OnConnectionStateChange(fn func(domain.TransportState))

	MuteAudio(muted bool) error
	DisableVideo(disabled bool) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare() error

	// Teardown stops every local track and closes the connection. Idempotent.
	Teardown() error
}

// PeerFactory builds one PeerConnection per call.
type PeerFactory func(callID domain.CallID) (PeerConnection, error)
