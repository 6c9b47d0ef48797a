package pion

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticSource hands out sample tracks that carry no captured media. Used
// by headless bots and tests where no camera or microphone exists.
type StaticSource struct {
	// Deny makes every capture fail as if the user refused the prompt.
	Deny bool
}

func (StaticSource) Configure(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (s StaticSource) UserMedia(ctx context.Context, withVideo bool) (LocalTrack, LocalTrack, error) {
	if err := s.check(ctx); err != nil {
		return nil, nil, err
	}
	streamID := "callsig-" + uuid.NewString()
	audio, err := newStaticTrack(webrtc.MimeTypeOpus, "audio", streamID)
	if err != nil {
		return nil, nil, err
	}
	if !withVideo {
		return audio, nil, nil
	}
	video, err := newStaticTrack(webrtc.MimeTypeVP8, "video", streamID)
	if err != nil {
		return nil, nil, err
	}
	return audio, video, nil
}

func (s StaticSource) DisplayMedia(ctx context.Context) (LocalTrack, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return newStaticTrack(webrtc.MimeTypeVP8, "screen", "callsig-screen-"+uuid.NewString())
}

func (s StaticSource) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Deny {
		return fmt.Errorf("%w: capture refused", domain.ErrMediaAccessDenied)
	}
	return nil
}

type staticTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	closed  bool
	onEnded []func(error)
}

func newStaticTrack(mime, id, streamID string) (*staticTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("static %s track: %w", id, err)
	}
	return &staticTrack{TrackLocalStaticSample: t}, nil
}

func (t *staticTrack) OnEnded(handler func(error)) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, handler)
	t.mu.Unlock()
}

// End simulates the capture stopping on its own.
func (t *staticTrack) End() {
	t.mu.Lock()
	handlers := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	for _, h := range handlers {
		h(nil)
	}
}

func (t *staticTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.onEnded = nil
	t.mu.Unlock()
	return nil
}

func (t *staticTrack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
