package service

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/Wyydra/callsig/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// pendingCall is an incoming call nobody has answered yet.
type pendingCall struct {
	from      domain.UserID
	offer     *domain.SessionDescription
	offerAt   time.Time
	hasVideo  bool
	buffer    *IceCandidateBuffer
	seen      map[string]struct{}
	announced bool
	createdAt time.Time
}

// Phone is the per-user entry point: it admits at most one live call and
// collects incoming offers from the relay inbox until they are accepted or
// declined.
type Phone struct {
	self    domain.UserID
	deps    Deps
	newPeer port.PeerFactory
	log     zerolog.Logger

	mu          sync.Mutex
	active      *Controller
	incoming    map[domain.CallID]*pendingCall
	finished    map[domain.CallID]time.Time
	unsubscribe func()
	closed      bool
}

func NewPhone(self domain.UserID, deps Deps, newPeer port.PeerFactory) *Phone {
	if deps.Observer == nil {
		deps.Observer = port.NopObserver{}
	}
	deps.Options = deps.Options.withDefaults()
	return &Phone{
		self:     self,
		deps:     deps,
		newPeer:  newPeer,
		log:      log.With().Str("user_id", self.String()).Logger(),
		incoming: make(map[domain.CallID]*pendingCall),
		finished: make(map[domain.CallID]time.Time),
	}
}

// Start subscribes to the inbox. Incoming calls are reported to the
// observer from then on.
func (p *Phone) Start() error {
	unsub, err := p.deps.Relay.SubscribeInbox(p.self, p.handleInbox)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.unsubscribe = unsub
	p.mu.Unlock()
	p.log.Info().Msg("Phone ready")
	return nil
}

// Close ends the active call and stops listening.
func (p *Phone) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	active := p.active
	unsub := p.unsubscribe
	p.unsubscribe = nil
	p.incoming = make(map[domain.CallID]*pendingCall)
	p.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if active != nil {
		active.EndCall()
	}
}

// Active returns the current live call, if any.
func (p *Phone) Active() (*Controller, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.active != nil
}

// Pending lists incoming calls that have an offer and await a decision.
func (p *Phone) Pending() []domain.IncomingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.IncomingCall, 0, len(p.incoming))
	for id, pc := range p.incoming {
		if pc.offer == nil {
			continue
		}
		out = append(out, domain.IncomingCall{CallID: id, From: pc.from, HasVideo: pc.hasVideo, ReceivedAt: pc.offerAt})
	}
	return out
}

func (p *Phone) StartOutgoing(ctx context.Context, remote domain.UserID, hasVideo bool) (*Controller, error) {
	callID := domain.NewCallID()
	c, err := p.admit(callID, domain.CallSession{
		ID:           callID,
		LocalUserID:  p.self,
		RemoteUserID: remote,
		Role:         domain.RoleOfferer,
		HasVideo:     hasVideo,
	})
	if err != nil {
		return nil, err
	}
	p.log.Info().Str("call_id", callID.String()).Str("remote", remote.String()).Bool("video", hasVideo).Msg("Placing call")
	if err := c.startOutgoing(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// AcceptIncoming answers callID. The call may be known only by its early
// candidates; the controller then answers when the offer shows up.
func (p *Phone) AcceptIncoming(ctx context.Context, callID domain.CallID, hasVideo bool) (*Controller, error) {
	c, err := p.admitIncoming(callID, hasVideo)
	if err != nil {
		return nil, err
	}
	if err := c.acceptIncoming(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// admitIncoming makes the pending call active and preloads its offer and
// early candidates under the same lock, so a signal forwarded from the
// inbox cannot overtake them.
func (p *Phone) admitIncoming(callID domain.CallID, hasVideo bool) (*Controller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.incoming[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	c, err := p.admitLocked(callID, domain.CallSession{
		ID:           callID,
		LocalUserID:  p.self,
		RemoteUserID: pc.from,
		Role:         domain.RoleAnswerer,
		HasVideo:     hasVideo,
	})
	if err != nil {
		return nil, err
	}
	delete(p.incoming, callID)

	var early []domain.ICECandidate
	_, _ = pc.buffer.DrainInto(CandidateApplierFunc(func(cand domain.ICECandidate) error {
		early = append(early, cand)
		return nil
	}))
	c.preload(pc.offer, early)
	p.log.Info().Str("call_id", callID.String()).Int("early_candidates", len(early)).Msg("Accepting call")
	return c, nil
}

// Decline refuses callID without touching media and forgets everything
// buffered for it.
func (p *Phone) Decline(ctx context.Context, callID domain.CallID) error {
	p.mu.Lock()
	pc, ok := p.incoming[callID]
	if ok {
		delete(p.incoming, callID)
		p.finished[callID] = time.Now()
	}
	p.mu.Unlock()
	if !ok {
		return domain.ErrCallNotFound
	}
	pc.buffer.Reset()

	l := p.log.With().Str("call_id", callID.String()).Logger()
	l.Info().Str("remote", pc.from.String()).Msg("Declining call")
	msg := domain.NewSignal(callID, p.self, pc.from, domain.SignalDecline, nil)
	o := p.deps.Options
	return publishWithRetry(ctx, p.deps.Relay, msg, o.PublishAttempts, o.PublishBackoff, l)
}

func (p *Phone) admit(callID domain.CallID, session domain.CallSession) (*Controller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.admitLocked(callID, session)
}

func (p *Phone) admitLocked(callID domain.CallID, session domain.CallSession) (*Controller, error) {
	if p.closed {
		return nil, domain.ErrSessionClosed
	}
	if p.active != nil {
		return nil, domain.ErrBusy
	}
	peer, err := p.newPeer(callID)
	if err != nil {
		return nil, err
	}
	c := newController(p.deps, peer, session)
	c.onTerminal = p.release
	p.active = c
	return c, nil
}

func (p *Phone) release(c *Controller) {
	p.mu.Lock()
	if p.active == c {
		p.active = nil
	}
	p.finished[c.ID()] = time.Now()
	p.mu.Unlock()
}

func (p *Phone) handleInbox(msg domain.SignalMessage) {
	if msg.To != p.self || msg.From == p.self {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.active != nil && p.active.ID() == msg.CallID {
		c := p.active
		p.mu.Unlock()
		c.HandleSignal(msg)
		return
	}
	p.pruneLocked(time.Now())
	if _, done := p.finished[msg.CallID]; done {
		p.mu.Unlock()
		return
	}
	var fire func()
	switch msg.Type {
	case domain.SignalOffer:
		fire = p.onOfferLocked(msg)
	case domain.SignalCandidate:
		p.onCandidateLocked(msg)
	case domain.SignalHangup, domain.SignalDecline:
		p.finished[msg.CallID] = time.Now()
		if pc, ok := p.incoming[msg.CallID]; ok {
			delete(p.incoming, msg.CallID)
			pc.buffer.Reset()
			if pc.announced {
				callID := msg.CallID
				fire = func() { p.deps.Observer.OnIncomingCancelled(callID) }
			}
			p.log.Info().Str("call_id", msg.CallID.String()).Msg("Caller gave up")
		}
	default:
		p.log.Debug().
			Str("kind", string(domain.KindDuplicateOrStaleSignal)).
			Str("call_id", msg.CallID.String()).
			Str("type", string(msg.Type)).
			Msg("Inbox signal dropped")
	}
	p.mu.Unlock()

	if fire != nil {
		fire()
	}
}

func (p *Phone) pendingLocked(msg domain.SignalMessage) *pendingCall {
	pc, ok := p.incoming[msg.CallID]
	if !ok {
		pc = &pendingCall{
			from:      msg.From,
			buffer:    NewIceCandidateBuffer(),
			seen:      make(map[string]struct{}),
			createdAt: time.Now(),
		}
		p.incoming[msg.CallID] = pc
	}
	return pc
}

func (p *Phone) onOfferLocked(msg domain.SignalMessage) func() {
	offer, err := domain.DecodeDescription(msg.Payload)
	if err != nil {
		p.log.Debug().Err(err).Str("call_id", msg.CallID.String()).Msg("Bad offer dropped")
		return nil
	}
	pc := p.pendingLocked(msg)
	if pc.from != msg.From {
		return nil
	}
	if pc.offer != nil && !msg.SentAt.After(pc.offerAt) {
		return nil
	}
	pc.offer = &offer
	pc.offerAt = msg.SentAt
	pc.hasVideo = offerHasVideo(offer.SDP)
	if pc.announced {
		return nil
	}
	pc.announced = true
	call := domain.IncomingCall{CallID: msg.CallID, From: msg.From, HasVideo: pc.hasVideo, ReceivedAt: time.Now().UTC()}
	p.log.Info().Str("call_id", msg.CallID.String()).Str("from", msg.From.String()).Bool("video", pc.hasVideo).Msg("Incoming call")
	return func() { p.deps.Observer.OnIncoming(call) }
}

func (p *Phone) onCandidateLocked(msg domain.SignalMessage) {
	cand, err := domain.DecodeCandidate(msg.Payload)
	if err != nil {
		return
	}
	pc := p.pendingLocked(msg)
	if pc.from != msg.From {
		return
	}
	if _, dup := pc.seen[cand.Key()]; dup {
		return
	}
	pc.seen[cand.Key()] = struct{}{}
	pc.buffer.Push(cand)
}

// pruneLocked forgets pending and finished calls older than the negotiation
// timeout; the caller has failed them by now and retransmissions have
// stopped.
func (p *Phone) pruneLocked(now time.Time) {
	ttl := p.deps.Options.NegotiationTimeout
	if ttl <= 0 {
		return
	}
	for id, pc := range p.incoming {
		if now.Sub(pc.createdAt) > ttl {
			delete(p.incoming, id)
		}
	}
	for id, at := range p.finished {
		if now.Sub(at) > ttl {
			delete(p.finished, id)
		}
	}
}
