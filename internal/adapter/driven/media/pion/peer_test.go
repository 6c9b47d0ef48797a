package pion

import (
	"context"
	"testing"
	"time"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeer(t *testing.T, source MediaSource) *Peer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ICEServers = nil
	cfg.IncludeLoopback = true
	f, err := NewFactory(cfg, source)
	require.NoError(t, err)
	p, err := f.NewPeer(domain.NewCallID())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Teardown() })
	return p
}

// trickle collects local candidates until the remote side is ready for them.
type trickle chan domain.ICECandidate

func (tr trickle) forward(ctx context.Context, to *Peer) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-tr:
				_ = to.AddICECandidate(c)
			}
		}
	}()
}

func watchState(p *Peer) <-chan domain.TransportState {
	ch := make(chan domain.TransportState, 16)
	p.OnConnectionStateChange(func(s domain.TransportState) {
		select {
		case ch <- s:
		default:
		}
	})
	return ch
}

func waitState(t *testing.T, ch <-chan domain.TransportState, want domain.TransportState) {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("peer never reached %s", want)
		}
	}
}

func TestPeersConnectOverLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caller := newTestPeer(t, StaticSource{})
	callee := newTestPeer(t, StaticSource{})

	fromCaller, fromCallee := make(trickle, 64), make(trickle, 64)
	caller.OnICECandidate(func(c domain.ICECandidate) { fromCaller <- c })
	callee.OnICECandidate(func(c domain.ICECandidate) { fromCallee <- c })
	callerState, calleeState := watchState(caller), watchState(callee)

	stream, err := caller.AcquireLocalMedia(ctx, true)
	require.NoError(t, err)
	assert.True(t, stream.Audio)
	assert.True(t, stream.Video)

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=video")

	_, err = callee.AcquireLocalMedia(ctx, true)
	require.NoError(t, err)
	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPAnswer, answer.Type)
	require.NoError(t, caller.SetRemoteDescription(answer))

	// A redelivered answer is a no-op, not a state error.
	require.NoError(t, caller.SetRemoteDescription(answer))

	fromCaller.forward(ctx, callee)
	fromCallee.forward(ctx, caller)

	waitState(t, callerState, domain.TransportConnected)
	waitState(t, calleeState, domain.TransportConnected)
}

func TestSetRemoteDescriptionRejectsUnknownType(t *testing.T) {
	p := newTestPeer(t, StaticSource{})
	err := p.SetRemoteDescription(domain.SessionDescription{Type: "pranswer-ish", SDP: "v=0"})
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
}

func TestRejectedCandidateCanBeRetried(t *testing.T) {
	p := newTestPeer(t, StaticSource{})
	c := domain.ICECandidate{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"}

	// No remote description yet, so pion refuses it both times.
	require.Error(t, p.AddICECandidate(c))
	require.Error(t, p.AddICECandidate(c))
}

func TestAcquireLocalMediaDenied(t *testing.T) {
	p := newTestPeer(t, StaticSource{Deny: true})
	_, err := p.AcquireLocalMedia(context.Background(), true)
	assert.ErrorIs(t, err, domain.ErrMediaAccessDenied)
}

func TestAcquireLocalMediaCancelled(t *testing.T) {
	p := newTestPeer(t, StaticSource{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.AcquireLocalMedia(ctx, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrMediaAccessDenied)

	_, err = StaticSource{}.DisplayMedia(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrMediaAccessDenied)
}

func TestAcquireLocalMediaIsIdempotent(t *testing.T) {
	p := newTestPeer(t, StaticSource{})
	first, err := p.AcquireLocalMedia(context.Background(), false)
	require.NoError(t, err)
	second, err := p.AcquireLocalMedia(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.False(t, second.Video)
	assert.Len(t, p.pc.GetSenders(), 1)
}

func TestAudioOnlyPeerHasNoVideoControls(t *testing.T) {
	p := newTestPeer(t, StaticSource{})
	_, err := p.AcquireLocalMedia(context.Background(), false)
	require.NoError(t, err)

	assert.ErrorIs(t, p.DisableVideo(true), domain.ErrNoVideoTrack)
	assert.ErrorIs(t, p.StartScreenShare(context.Background()), domain.ErrNoVideoTrack)
	assert.NoError(t, p.StopScreenShare())
	assert.Nil(t, p.CurrentVideoTrack())
}

func TestMuteAudio(t *testing.T) {
	p := newTestPeer(t, StaticSource{})
	assert.ErrorIs(t, p.MuteAudio(true), domain.ErrSessionClosed)

	_, err := p.AcquireLocalMedia(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, p.MuteAudio(true))
	assert.Nil(t, p.audioSender.Track())
	require.NoError(t, p.MuteAudio(true))

	require.NoError(t, p.MuteAudio(false))
	assert.Same(t, p.audio, p.audioSender.Track())
}

func TestVideoSenderFollowsShareAndDisable(t *testing.T) {
	p := newTestPeer(t, StaticSource{})
	_, err := p.AcquireLocalMedia(context.Background(), true)
	require.NoError(t, err)
	camera := p.camera
	assert.Same(t, camera, p.CurrentVideoTrack())

	require.NoError(t, p.DisableVideo(true))
	assert.Nil(t, p.CurrentVideoTrack())

	// Sharing while video is off arms the display without sending it.
	require.NoError(t, p.StartScreenShare(context.Background()))
	assert.Nil(t, p.CurrentVideoTrack())
	display := p.display
	require.NotNil(t, display)

	require.NoError(t, p.DisableVideo(false))
	assert.Same(t, display, p.CurrentVideoTrack())

	require.NoError(t, p.StartScreenShare(context.Background()))
	assert.Same(t, display, p.CurrentVideoTrack(), "second start keeps the first capture")

	require.NoError(t, p.StopScreenShare())
	assert.Same(t, camera, p.CurrentVideoTrack())
	assert.True(t, display.(*staticTrack).Closed())
	assert.False(t, camera.(*staticTrack).Closed())
}

func TestEndedDisplayRestoresCamera(t *testing.T) {
	p := newTestPeer(t, StaticSource{})
	_, err := p.AcquireLocalMedia(context.Background(), true)
	require.NoError(t, err)
	camera := p.camera

	require.NoError(t, p.StartScreenShare(context.Background()))
	display := p.CurrentVideoTrack().(*staticTrack)
	display.End()

	assert.Eventually(t, func() bool {
		return p.CurrentVideoTrack() == webrtc.TrackLocal(camera)
	}, 3*time.Second, 5*time.Millisecond)
	assert.True(t, display.Closed())
}

func TestTeardown(t *testing.T) {
	p := newTestPeer(t, StaticSource{})
	_, err := p.AcquireLocalMedia(context.Background(), true)
	require.NoError(t, err)
	audio, camera := p.audio.(*staticTrack), p.camera.(*staticTrack)

	require.NoError(t, p.Teardown())
	require.NoError(t, p.Teardown())
	assert.True(t, audio.Closed())
	assert.True(t, camera.Closed())
	assert.Equal(t, webrtc.PeerConnectionStateClosed, p.pc.ConnectionState())

	_, err = p.AcquireLocalMedia(context.Background(), false)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestTransportState(t *testing.T) {
	tests := []struct {
		in   webrtc.PeerConnectionState
		want domain.TransportState
	}{
		{webrtc.PeerConnectionStateNew, domain.TransportNew},
		{webrtc.PeerConnectionStateConnecting, domain.TransportConnecting},
		{webrtc.PeerConnectionStateConnected, domain.TransportConnected},
		{webrtc.PeerConnectionStateDisconnected, domain.TransportDisconnected},
		{webrtc.PeerConnectionStateFailed, domain.TransportFailed},
		{webrtc.PeerConnectionStateClosed, domain.TransportClosed},
		{webrtc.PeerConnectionStateUnknown, domain.TransportNew},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, transportState(tt.in))
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"callsig-1f3a":     "callsig-1f3a",
		"a/b\\c":           "a_b_c",
		"{stream id}":      "_stream_id_",
		"../../etc/passwd": "______etc_passwd",
		"Mixed_Case-09":    "Mixed_Case-09",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitize(in), in)
	}
}
