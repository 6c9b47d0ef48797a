package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/callsig/internal/adapter/driven/relay/memory"
	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/Wyydra/callsig/internal/core/port"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func testOptions() Options {
	return Options{
		NegotiationTimeout: 2 * time.Second,
		DisconnectGrace:    150 * time.Millisecond,
		PublishAttempts:    3,
		PublishBackoff:     time.Millisecond,
		HangupTimeout:      time.Second,
		RecordTimeout:      time.Second,
	}
}

func fakeSDP(video bool) string {
	lines := []string{
		"v=0",
		"o=- 4215 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=sendrecv",
	}
	if video {
		lines = append(lines,
			"m=video 9 UDP/TLS/RTP/SAVPF 96",
			"c=IN IP4 0.0.0.0",
			"a=sendrecv",
		)
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

// fakePeer simulates a peer connection. With autoConnect it reports the
// transport up once both descriptions are in place and a remote candidate
// has been applied, the way ICE would.
type fakePeer struct {
	name        string
	autoConnect bool
	mediaErr    error
	shareErr    error

	mu          sync.Mutex
	video       bool
	localSet    bool
	remote      map[domain.SDPType]domain.SessionDescription
	remoteCalls int
	candidates  []domain.ICECandidate
	early       int
	connected   bool
	muted       bool
	videoOff    bool
	sharing     bool
	teardowns   int
	mediaCalls  int
	onCandidate func(domain.ICECandidate)
	onTrack     func(domain.RemoteTrack)
	onState     func(domain.TransportState)
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name, autoConnect: true, remote: make(map[domain.SDPType]domain.SessionDescription)}
}

func (p *fakePeer) AcquireLocalMedia(ctx context.Context, hasVideo bool) (domain.StreamInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mediaCalls++
	if p.mediaErr != nil {
		return domain.StreamInfo{}, p.mediaErr
	}
	p.video = hasVideo
	return domain.StreamInfo{ID: p.name + "-local", Audio: true, Video: hasVideo}, nil
}

func (p *fakePeer) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return p.createLocal(domain.SDPOffer)
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	return p.createLocal(domain.SDPAnswer)
}

func (p *fakePeer) createLocal(t domain.SDPType) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t == domain.SDPAnswer && p.remote[domain.SDPOffer].SDP == "" {
		return domain.SessionDescription{}, errors.New("answer without remote offer")
	}
	first := !p.localSet
	p.localSet = true
	if first {
		cb := p.onCandidate
		name := p.name
		go func() {
			for i := 1; i <= 2; i++ {
				mid := "0"
				idx := uint16(0)
				cb(domain.ICECandidate{
					Candidate:     fmt.Sprintf("candidate:%s%d 1 udp 2130706431 10.0.0.%d 500%d typ host", name, i, i, i),
					SDPMid:        &mid,
					SDPMLineIndex: &idx,
				})
			}
		}()
	}
	p.maybeConnectLocked()
	return domain.SessionDescription{Type: t, SDP: fakeSDP(p.video)}, nil
}

func (p *fakePeer) SetRemoteDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteCalls++
	if _, ok := p.remote[desc.Type]; ok {
		return nil
	}
	p.remote[desc.Type] = desc
	p.maybeConnectLocked()
	return nil
}

func (p *fakePeer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remote) == 0 {
		p.early++
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	p.maybeConnectLocked()
	return nil
}

func (p *fakePeer) maybeConnectLocked() {
	if !p.autoConnect || p.connected || !p.localSet || len(p.remote) == 0 || len(p.candidates) == 0 {
		return
	}
	p.connected = true
	onState, onTrack, name := p.onState, p.onTrack, p.name
	go func() {
		onState(domain.TransportConnecting)
		onState(domain.TransportConnected)
		onTrack(domain.RemoteTrack{ID: name + "-audio", StreamID: name + "-remote", Kind: "audio"})
	}()
}

func (p *fakePeer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.onCandidate = fn
}

func (p *fakePeer) OnTrack(fn func(domain.RemoteTrack)) {
	p.onTrack = fn
}

func (p *fakePeer) OnConnectionStateChange(fn func(domain.TransportState)) {
	p.onState = fn
}

func (p *fakePeer) MuteAudio(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
	return nil
}

func (p *fakePeer) DisableVideo(disabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.video {
		return domain.ErrNoVideoTrack
	}
	p.videoOff = disabled
	return nil
}

func (p *fakePeer) StartScreenShare(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shareErr != nil {
		return p.shareErr
	}
	if !p.video {
		return domain.ErrNoVideoTrack
	}
	p.sharing = true
	return nil
}

func (p *fakePeer) StopScreenShare() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sharing = false
	return nil
}

func (p *fakePeer) Teardown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns++
	return nil
}

// setState plays a transport change as the adapter would report it.
func (p *fakePeer) setState(s domain.TransportState) {
	p.onState(s)
}

type peerState struct {
	remote     int
	setRemote  int
	candidates []domain.ICECandidate
	early      int
	muted      bool
	videoOff   bool
	sharing    bool
	teardowns  int
	mediaCalls int
}

func (p *fakePeer) snapshot() peerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peerState{
		remote:     len(p.remote),
		setRemote:  p.remoteCalls,
		candidates: append([]domain.ICECandidate(nil), p.candidates...),
		early:      p.early,
		muted:      p.muted,
		videoOff:   p.videoOff,
		sharing:    p.sharing,
		teardowns:  p.teardowns,
		mediaCalls: p.mediaCalls,
	}
}

// peers hands out fake peers and remembers them per call.
type peers struct {
	name  string
	tweak func(*fakePeer)

	mu    sync.Mutex
	all   map[domain.CallID]*fakePeer
	order []*fakePeer
}

func newPeers(name string) *peers {
	return &peers{name: name, all: make(map[domain.CallID]*fakePeer)}
}

func (ps *peers) factory(callID domain.CallID) (port.PeerConnection, error) {
	p := newFakePeer(ps.name)
	if ps.tweak != nil {
		ps.tweak(p)
	}
	ps.mu.Lock()
	ps.all[callID] = p
	ps.order = append(ps.order, p)
	ps.mu.Unlock()
	return p, nil
}

func (ps *peers) get(callID domain.CallID) *fakePeer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.all[callID]
}

func (ps *peers) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.order)
}

type observer struct {
	mu        sync.Mutex
	states    []domain.CallSession
	errs      []domain.ErrorKind
	streams   []domain.StreamInfo
	cancelled []domain.CallID
	incoming  chan domain.IncomingCall
}

func newObserver() *observer {
	return &observer{incoming: make(chan domain.IncomingCall, 16)}
}

func (o *observer) OnIncoming(call domain.IncomingCall) { o.incoming <- call }

func (o *observer) OnIncomingCancelled(callID domain.CallID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled = append(o.cancelled, callID)
}

func (o *observer) OnStateChange(s domain.CallSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *observer) OnRemoteStream(_ domain.CallID, s domain.StreamInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.streams = append(o.streams, s)
}

func (o *observer) OnError(_ domain.CallID, kind domain.ErrorKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, kind)
}

// statuses lists the distinct status sequence reported for callID.
func (o *observer) statuses(callID domain.CallID) []domain.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []domain.Status
	for _, s := range o.states {
		if s.ID != callID {
			continue
		}
		if len(out) == 0 || out[len(out)-1] != s.Status {
			out = append(out, s.Status)
		}
	}
	return out
}

func (o *observer) errKinds() []domain.ErrorKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.ErrorKind(nil), o.errs...)
}

func (o *observer) stateCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.states)
}

func (o *observer) nextIncoming(t *testing.T) domain.IncomingCall {
	t.Helper()
	select {
	case call := <-o.incoming:
		return call
	case <-time.After(waitFor):
		t.Fatal("no incoming call")
		return domain.IncomingCall{}
	}
}

type recorder struct {
	mu   sync.Mutex
	recs []domain.CallRecord
}

func (r *recorder) Record(_ context.Context, rec domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recorder) statuses() []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Status
	for _, rec := range r.recs {
		out = append(out, rec.Status)
	}
	return out
}

// endpoint is one user wired to a shared relay.
type endpoint struct {
	user     domain.UserID
	phone    *Phone
	peers    *peers
	obs      *observer
	recorder *recorder
}

func newEndpoint(t *testing.T, relay port.SignalRelay, user domain.UserID) *endpoint {
	t.Helper()
	return newEndpointWith(t, relay, user, testOptions())
}

func newEndpointWith(t *testing.T, relay port.SignalRelay, user domain.UserID, opts Options) *endpoint {
	t.Helper()
	e := &endpoint{user: user, peers: newPeers(string(user)), obs: newObserver(), recorder: &recorder{}}
	e.phone = NewPhone(user, Deps{
		Relay:    relay,
		Recorder: e.recorder,
		Observer: e.obs,
		Options:  opts,
	}, e.peers.factory)
	require.NoError(t, e.phone.Start())
	t.Cleanup(e.phone.Close)
	return e
}

func newMemoryRelay(t *testing.T, opts memory.Options) *memory.Relay {
	t.Helper()
	r := memory.NewRelay(opts)
	t.Cleanup(r.Close)
	return r
}

// keepFlushing releases shuffled messages until the test ends.
func keepFlushing(t *testing.T, r *memory.Relay) {
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				r.Flush()
			}
		}
	}()
}

// connectCall places a call from alice to bob and waits until both sides
// are connected.
func connectCall(t *testing.T, relay port.SignalRelay, video bool) (a, b *endpoint, ca, cb *Controller) {
	t.Helper()
	a = newEndpoint(t, relay, "alice")
	b = newEndpoint(t, relay, "bob")

	ca, err := a.phone.StartOutgoing(context.Background(), "bob", video)
	require.NoError(t, err)
	call := b.obs.nextIncoming(t)
	require.Equal(t, ca.ID(), call.CallID)
	require.Equal(t, domain.UserID("alice"), call.From)
	require.Equal(t, video, call.HasVideo)

	cb, err = b.phone.AcceptIncoming(context.Background(), call.CallID, call.HasVideo)
	require.NoError(t, err)
	waitStatus(t, ca, domain.StatusConnected)
	waitStatus(t, cb, domain.StatusConnected)
	return a, b, ca, cb
}

func waitStatus(t *testing.T, c *Controller, want domain.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Session().Status == want },
		waitFor, tick, "status never became %s", want)
}

func candidateLines(cs []domain.ICECandidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Candidate)
	}
	return out
}
