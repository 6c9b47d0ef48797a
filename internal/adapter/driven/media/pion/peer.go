package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/Wyydra/callsig/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ICEServers []webrtc.ICEServer

	// ICE agent timeouts. Generous values let a relay hiccup recover before
	// the controller's own grace window even starts.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host calls.
	IncludeLoopback bool

	Sink SinkFactory
}

func DefaultConfig() Config {
	return Config{
		ICEServers:          []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// Factory builds one Peer per call on a shared webrtc.API.
type Factory struct {
	api    *webrtc.API
	cfg    Config
	source MediaSource
}

func NewFactory(cfg Config, source MediaSource) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := source.Configure(m); err != nil {
		return nil, fmt.Errorf("configure codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	registry.Add(pli)

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		cfg:    cfg,
		source: source,
	}, nil
}

// New satisfies port.PeerFactory.
func (f *Factory) New(callID domain.CallID) (port.PeerConnection, error) {
	return f.NewPeer(callID)
}

func (f *Factory) NewPeer(callID domain.CallID) (*Peer, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &Peer{
		pc:      pc,
		source:  f.source,
		sink:    f.cfg.Sink,
		log:     log.With().Str("call_id", callID.String()).Str("component", "pion").Logger(),
		applied: make(map[webrtc.SDPType]bool),
		seen:    make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	p.wire()
	go p.dispatch()
	return p, nil
}

// Peer is a port.PeerConnection over one pion PeerConnection. Callbacks are
// handed to the core from a single goroutine, in the order pion raised
// them, so the core may call back into the peer without deadlocking pion's
// ICE agent.
type Peer struct {
	pc     *webrtc.PeerConnection
	source MediaSource
	sink   SinkFactory
	log    zerolog.Logger

	mu          sync.Mutex
	stream      *domain.StreamInfo
	audio       LocalTrack
	camera      LocalTrack
	display     LocalTrack
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioMuted  bool
	videoOff    bool
	applied     map[webrtc.SDPType]bool
	seen        map[string]struct{}
	sinks       []RemoteSink
	onCandidate func(domain.ICECandidate)
	onTrack     func(domain.RemoteTrack)
	onState     func(domain.TransportState)
	tornDown    bool

	qmu    sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (p *Peer) wire() {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		j := c.ToJSON()
		cand := domain.ICECandidate{
			Candidate:        j.Candidate,
			SDPMid:           j.SDPMid,
			SDPMLineIndex:    j.SDPMLineIndex,
			UsernameFragment: j.UsernameFragment,
		}
		p.emit(func() {
			if fn := p.handlers().onCandidate; fn != nil {
				fn(cand)
			}
		})
	})

	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		state := transportState(s)
		p.log.Debug().Str("state", s.String()).Msg("Peer connection state")
		p.emit(func() {
			if fn := p.handlers().onState; fn != nil {
				fn(state)
			}
		})
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := domain.RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind().String()}
		p.log.Debug().Str("kind", rt.Kind).Str("codec", track.Codec().MimeType).Msg("Remote track")
		go p.drain(track)
		p.emit(func() {
			if fn := p.handlers().onTrack; fn != nil {
				fn(rt)
			}
		})
	})
}

type handlerSet struct {
	onCandidate func(domain.ICECandidate)
	onTrack     func(domain.RemoteTrack)
	onState     func(domain.TransportState)
}

func (p *Peer) handlers() handlerSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return handlerSet{onCandidate: p.onCandidate, onTrack: p.onTrack, onState: p.onState}
}

func (p *Peer) emit(fn func()) {
	p.qmu.Lock()
	select {
	case <-p.closed:
		p.qmu.Unlock()
		return
	default:
	}
	p.queue = append(p.queue, fn)
	p.qmu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Peer) dispatch() {
	for {
		select {
		case <-p.closed:
			return
		case <-p.wake:
		}
		for {
			p.qmu.Lock()
			if len(p.queue) == 0 {
				p.qmu.Unlock()
				break
			}
			fn := p.queue[0]
			p.queue = p.queue[1:]
			p.qmu.Unlock()
			fn()
		}
	}
}

// drain reads a remote track until it ends. Reading is required even
// without a sink so the interceptors keep running.
func (p *Peer) drain(track *webrtc.TrackRemote) {
	var sink RemoteSink
	if p.sink != nil {
		s, err := p.sink(track)
		if err != nil {
			p.log.Warn().Err(err).Str("kind", track.Kind().String()).Msg("Failed to open remote sink")
		} else if s != nil {
			p.mu.Lock()
			if p.tornDown {
				p.mu.Unlock()
				_ = s.Close()
				return
			}
			sink = s
			p.sinks = append(p.sinks, s)
			p.mu.Unlock()
		}
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if sink == nil {
			continue
		}
		if err := sink.WriteRTP(pkt); err != nil {
			p.log.Debug().Err(err).Msg("Remote sink write failed")
			sink = nil
		}
	}
}

// readRTCP keeps a sender's RTCP flowing through the interceptors.
func (p *Peer) readRTCP(sender *webrtc.RTPSender, kind string) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				p.log.Debug().Str("kind", kind).Msg("Picture loss indication")
			}
		}
	}
}

func (p *Peer) AcquireLocalMedia(ctx context.Context, hasVideo bool) (domain.StreamInfo, error) {
	p.mu.Lock()
	if p.tornDown {
		p.mu.Unlock()
		return domain.StreamInfo{}, domain.ErrSessionClosed
	}
	if p.stream != nil {
		s := *p.stream
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	audio, video, err := p.source.UserMedia(ctx, hasVideo)
	if err != nil {
		// A cancelled caller is not a refusal.
		if !errors.Is(err, domain.ErrMediaAccessDenied) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", domain.ErrMediaAccessDenied, err)
		}
		return domain.StreamInfo{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tornDown {
		closeTracks(audio, video)
		return domain.StreamInfo{}, domain.ErrSessionClosed
	}

	stream := domain.StreamInfo{ID: audio.StreamID(), Audio: true}
	sender, err := p.pc.AddTrack(audio)
	if err != nil {
		closeTracks(audio, video)
		return domain.StreamInfo{}, fmt.Errorf("add audio track: %w", err)
	}
	p.audio, p.audioSender = audio, sender
	go p.readRTCP(sender, "audio")

	if video != nil {
		sender, err := p.pc.AddTrack(video)
		if err != nil {
			closeTracks(video)
			return domain.StreamInfo{}, fmt.Errorf("add video track: %w", err)
		}
		p.camera, p.videoSender = video, sender
		stream.Video = true
		go p.readRTCP(sender, "video")
	}
	p.stream = &stream
	p.log.Info().Bool("video", stream.Video).Msg("Local media attached")
	return stream, nil
}

func (p *Peer) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return p.createLocal(ctx, webrtc.SDPTypeOffer)
}

func (p *Peer) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	return p.createLocal(ctx, webrtc.SDPTypeAnswer)
}

func (p *Peer) createLocal(ctx context.Context, t webrtc.SDPType) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if t == webrtc.SDPTypeOffer {
		desc, err = p.pc.CreateOffer(nil)
	} else {
		desc, err = p.pc.CreateAnswer(nil)
	}
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create %s: %w", t, err)
	}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local %s: %w", t, err)
	}
	return domain.SessionDescription{Type: domain.SDPType(t.String()), SDP: desc.SDP}, nil
}

func (p *Peer) SetRemoteDescription(desc domain.SessionDescription) error {
	t := webrtc.NewSDPType(string(desc.Type))
	if t == webrtc.SDPTypeUnknown {
		return fmt.Errorf("%w: sdp type %q", domain.ErrInvalidSignal, desc.Type)
	}

	p.mu.Lock()
	if p.applied[t] {
		p.mu.Unlock()
		p.log.Debug().Str("type", t.String()).Msg("Remote description already applied")
		return nil
	}
	p.applied[t] = true
	p.mu.Unlock()

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: desc.SDP}); err != nil {
		p.mu.Lock()
		p.applied[t] = false
		p.mu.Unlock()
		return fmt.Errorf("set remote %s: %w", t, err)
	}
	return nil
}

func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	if _, dup := p.seen[c.Key()]; dup {
		p.mu.Unlock()
		return nil
	}
	p.seen[c.Key()] = struct{}{}
	p.mu.Unlock()

	err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil {
		p.mu.Lock()
		delete(p.seen, c.Key())
		p.mu.Unlock()
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *Peer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) OnTrack(fn func(domain.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(domain.TransportState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// MuteAudio detaches the microphone from its sender. The track keeps
// running so unmuting needs no new capture and no renegotiation.
func (p *Peer) MuteAudio(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audioSender == nil {
		return domain.ErrSessionClosed
	}
	if muted == p.audioMuted {
		return nil
	}
	var next webrtc.TrackLocal
	if !muted {
		next = p.audio
	}
	if err := p.audioSender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("replace audio track: %w", err)
	}
	p.audioMuted = muted
	return nil
}

func (p *Peer) DisableVideo(disabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.videoSender == nil {
		return domain.ErrNoVideoTrack
	}
	if disabled == p.videoOff {
		return nil
	}
	var next webrtc.TrackLocal
	if !disabled {
		next = p.outgoingVideoLocked()
	}
	if err := p.videoSender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	p.videoOff = disabled
	return nil
}

func (p *Peer) outgoingVideoLocked() LocalTrack {
	if p.display != nil {
		return p.display
	}
	return p.camera
}

// StartScreenShare puts a display capture on the video sender. The camera
// track stays open, detached, until the share stops.
func (p *Peer) StartScreenShare(ctx context.Context) error {
	p.mu.Lock()
	if p.videoSender == nil {
		p.mu.Unlock()
		return domain.ErrNoVideoTrack
	}
	if p.display != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	display, err := p.source.DisplayMedia(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tornDown || p.display != nil {
		_ = display.Close()
		if p.tornDown {
			return domain.ErrSessionClosed
		}
		return nil
	}
	if !p.videoOff {
		if err := p.videoSender.ReplaceTrack(display); err != nil {
			_ = display.Close()
			return fmt.Errorf("replace with display track: %w", err)
		}
	}
	p.display = display
	if e, ok := display.(endable); ok {
		e.OnEnded(func(error) {
			go func() {
				p.log.Info().Msg("Display capture ended, restoring camera")
				if err := p.stopShare(display); err != nil {
					p.log.Warn().Err(err).Msg("Failed to restore camera")
				}
			}()
		})
	}
	p.log.Info().Msg("Screen share started")
	return nil
}

func (p *Peer) StopScreenShare() error {
	p.mu.Lock()
	display := p.display
	p.mu.Unlock()
	if display == nil {
		return nil
	}
	return p.stopShare(display)
}

func (p *Peer) stopShare(display LocalTrack) error {
	p.mu.Lock()
	if p.display != display {
		p.mu.Unlock()
		return nil
	}
	if !p.videoOff && !p.tornDown {
		if err := p.videoSender.ReplaceTrack(p.camera); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("restore camera track: %w", err)
		}
	}
	p.display = nil
	p.mu.Unlock()

	_ = display.Close()
	p.log.Info().Msg("Screen share stopped")
	return nil
}

// CurrentVideoTrack is the track the video sender is carrying, nil when
// video is disabled or absent.
func (p *Peer) CurrentVideoTrack() webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.videoSender == nil {
		return nil
	}
	return p.videoSender.Track()
}

func (p *Peer) Teardown() error {
	var err error
	p.once.Do(func() {
		p.qmu.Lock()
		close(p.closed)
		p.queue = nil
		p.qmu.Unlock()

		p.mu.Lock()
		p.tornDown = true
		tracks := []LocalTrack{p.audio, p.camera, p.display}
		sinks := p.sinks
		p.audio, p.camera, p.display = nil, nil, nil
		p.sinks = nil
		p.mu.Unlock()

		closeTracks(tracks...)
		err = p.pc.Close()
		for _, s := range sinks {
			if cerr := s.Close(); cerr != nil {
				p.log.Debug().Err(cerr).Msg("Remote sink close failed")
			}
		}
		p.log.Debug().Msg("Peer torn down")
	})
	return err
}

func closeTracks(tracks ...LocalTrack) {
	for _, t := range tracks {
		if t != nil {
			_ = t.Close()
		}
	}
}

func transportState(s webrtc.PeerConnectionState) domain.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}
