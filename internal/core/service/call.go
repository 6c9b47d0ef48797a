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

type Options struct {
	// NegotiationTimeout bounds requesting/negotiating before the call fails.
	NegotiationTimeout time.Duration
	// DisconnectGrace is how long a disconnected transport may recover
	// before the call is considered lost.
	DisconnectGrace time.Duration
	PublishAttempts int
	PublishBackoff  time.Duration
	// HangupTimeout bounds the best-effort hangup publish on EndCall.
	HangupTimeout time.Duration
	RecordTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		NegotiationTimeout: 30 * time.Second,
		DisconnectGrace:    4 * time.Second,
		PublishAttempts:    3,
		PublishBackoff:     200 * time.Millisecond,
		HangupTimeout:      5 * time.Second,
		RecordTimeout:      5 * time.Second,
	}
}

// withDefaults fills every zero field from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = d.NegotiationTimeout
	}
	if o.DisconnectGrace <= 0 {
		o.DisconnectGrace = d.DisconnectGrace
	}
	if o.PublishAttempts <= 0 {
		o.PublishAttempts = d.PublishAttempts
	}
	if o.PublishBackoff <= 0 {
		o.PublishBackoff = d.PublishBackoff
	}
	if o.HangupTimeout <= 0 {
		o.HangupTimeout = d.HangupTimeout
	}
	if o.RecordTimeout <= 0 {
		o.RecordTimeout = d.RecordTimeout
	}
	return o
}

// Deps are the collaborators shared by every call of one local user.
type Deps struct {
	Relay    port.SignalRelay
	Recorder port.CallRecorder // optional
	Observer port.Observer     // optional
	Options  Options
}

// effects collects work that must run after the controller lock is
// released: publishing, observer callbacks, teardown.
type effects []func()

func (e *effects) add(fn func()) { *e = append(*e, fn) }

func (e effects) run() {
	for _, fn := range e {
		fn()
	}
}

// Controller is the state machine of one call. Every input, whether a relay
// signal, a transport change, a local candidate or a user command, is
// handled under mu, and side effects run after unlock.
type Controller struct {
	opts     Options
	relay    port.SignalRelay
	peer     port.PeerConnection
	recorder port.CallRecorder
	observer port.Observer
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	session      domain.CallSession
	buffer       *IceCandidateBuffer
	applied      map[domain.SignalType]bool
	seen         map[string]struct{}
	remoteSet    bool
	mediaReady   bool
	pendingOffer *domain.SessionDescription
	transportUp  bool
	unsubscribe  func()
	negotiation  *time.Timer
	grace        *time.Timer
	onTerminal   func(*Controller)
}

func newController(deps Deps, peer port.PeerConnection, session domain.CallSession) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	obs := deps.Observer
	if obs == nil {
		obs = port.NopObserver{}
	}
	session.Status = domain.StatusIdle
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	c := &Controller{
		opts:     deps.Options.withDefaults(),
		relay:    deps.Relay,
		peer:     peer,
		recorder: deps.Recorder,
		observer: obs,
		log: log.With().
			Str("call_id", session.ID.String()).
			Str("role", string(session.Role)).
			Str("user_id", session.LocalUserID.String()).
			Logger(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		session: session,
		buffer:  NewIceCandidateBuffer(),
		applied: make(map[domain.SignalType]bool),
		seen:    make(map[string]struct{}),
	}

	peer.OnICECandidate(c.HandleLocalCandidate)
	peer.OnTrack(c.HandleRemoteTrack)
	peer.OnConnectionStateChange(c.HandleTransportState)
	return c
}

func (c *Controller) ID() domain.CallID {
	return c.session.ID
}

// Session returns a snapshot of the current session.
func (c *Controller) Session() domain.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Done is closed when the session reaches a terminal state.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// startOutgoing drives idle -> requesting and publishes the offer. On error
// the session is already failed.
func (c *Controller) startOutgoing(ctx context.Context) error {
	var fx effects
	c.mu.Lock()
	ok := c.transitionLocked(domain.StatusRequesting, domain.KindNone, &fx)
	if ok {
		c.armNegotiationLocked()
	}
	hasVideo := c.session.HasVideo
	c.mu.Unlock()
	fx.run()
	if !ok {
		return domain.ErrSessionClosed
	}

	if err := c.subscribe(); err != nil {
		c.fail(err)
		return err
	}

	stream, err := c.peer.AcquireLocalMedia(ctx, hasVideo)
	if err != nil {
		c.log.Warn().Err(err).Msg("Local media acquisition failed")
		c.fail(err)
		return err
	}

	fx = nil
	c.mu.Lock()
	if c.session.Status.Terminal() {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	c.session.LocalStream = &stream
	c.mediaReady = true
	offer, err := c.peer.CreateOffer(ctx)
	if err != nil {
		c.transitionLocked(domain.StatusFailed, domain.KindOf(err), &fx)
		c.mu.Unlock()
		fx.run()
		return err
	}
	c.applied[domain.SignalOffer] = true
	c.mu.Unlock()

	return c.sendDescription(ctx, domain.SignalOffer, offer)
}

// preload hands over what the phone buffered for an incoming call. It must
// run before the controller is reachable from the inbox so the early
// candidates keep their arrival order.
func (c *Controller) preload(offer *domain.SessionDescription, early []domain.ICECandidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offer != nil {
		c.pendingOffer = offer
	}
	for _, cand := range early {
		c.acceptCandidateLocked(cand)
	}
}

// acceptIncoming drives idle -> negotiating. Without a preloaded offer the
// controller answers as soon as the offer arrives.
func (c *Controller) acceptIncoming(ctx context.Context) error {
	var fx effects
	c.mu.Lock()
	ok := c.transitionLocked(domain.StatusNegotiating, domain.KindNone, &fx)
	if ok {
		c.armNegotiationLocked()
	}
	hasVideo := c.session.HasVideo
	c.mu.Unlock()
	fx.run()
	if !ok {
		return domain.ErrSessionClosed
	}

	if err := c.subscribe(); err != nil {
		c.fail(err)
		return err
	}

	stream, err := c.peer.AcquireLocalMedia(ctx, hasVideo)
	if err != nil {
		c.log.Warn().Err(err).Msg("Local media acquisition failed")
		c.fail(err)
		return err
	}

	fx = nil
	c.mu.Lock()
	if c.session.Status.Terminal() {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	c.session.LocalStream = &stream
	c.mediaReady = true
	var answer *domain.SessionDescription
	if c.pendingOffer != nil {
		pending := *c.pendingOffer
		c.pendingOffer = nil
		a, err := c.applyOfferLocked(ctx, pending, &fx)
		if err != nil {
			c.transitionLocked(domain.StatusFailed, domain.KindOf(err), &fx)
			c.mu.Unlock()
			fx.run()
			return err
		}
		answer = &a
	} else {
		c.log.Debug().Msg("Accepted before offer arrived, waiting")
	}
	c.mu.Unlock()
	fx.run()

	if answer == nil {
		return nil
	}
	return c.sendDescription(ctx, domain.SignalAnswer, *answer)
}

// HandleSignal is the relay callback. Duplicates, self-sent, misaddressed,
// out-of-role and post-terminal signals are dropped.
func (c *Controller) HandleSignal(msg domain.SignalMessage) {
	var fx effects
	c.mu.Lock()
	c.dispatchLocked(msg, &fx)
	c.mu.Unlock()
	fx.run()
}

func (c *Controller) dispatchLocked(msg domain.SignalMessage, fx *effects) {
	if msg.CallID != c.session.ID || msg.From != c.session.RemoteUserID || msg.To != c.session.LocalUserID {
		c.dropLocked(msg, "misaddressed")
		return
	}
	if c.session.Status.Terminal() {
		c.dropLocked(msg, "session terminal")
		return
	}

	switch msg.Type {
	case domain.SignalOffer:
		c.onOfferLocked(msg, fx)
	case domain.SignalAnswer:
		c.onAnswerLocked(msg, fx)
	case domain.SignalCandidate:
		cand, err := domain.DecodeCandidate(msg.Payload)
		if err != nil {
			c.dropLocked(msg, err.Error())
			return
		}
		if !c.acceptCandidateLocked(cand) {
			c.dropLocked(msg, "duplicate candidate")
		}
	case domain.SignalDecline:
		if c.session.Status != domain.StatusRequesting {
			c.dropLocked(msg, "decline outside requesting")
			return
		}
		c.log.Info().Msg("Remote declined")
		c.transitionLocked(domain.StatusDeclined, domain.KindNone, fx)
	case domain.SignalHangup:
		c.log.Info().Msg("Remote hung up")
		c.transitionLocked(domain.StatusEnded, domain.KindNone, fx)
	default:
		c.dropLocked(msg, "unknown type")
	}
}

func (c *Controller) onOfferLocked(msg domain.SignalMessage, fx *effects) {
	if c.session.Role != domain.RoleAnswerer {
		c.dropLocked(msg, "offer out of role")
		return
	}
	if c.applied[domain.SignalOffer] || c.pendingOffer != nil {
		c.dropLocked(msg, "duplicate offer")
		return
	}
	offer, err := domain.DecodeDescription(msg.Payload)
	if err != nil {
		c.dropLocked(msg, err.Error())
		return
	}
	if !c.mediaReady {
		c.pendingOffer = &offer
		return
	}
	answer, err := c.applyOfferLocked(c.ctx, offer, fx)
	if err != nil {
		c.transitionLocked(domain.StatusFailed, domain.KindOf(err), fx)
		return
	}
	fx.add(func() {
		_ = c.sendDescription(c.ctx, domain.SignalAnswer, answer)
	})
}

func (c *Controller) applyOfferLocked(ctx context.Context, offer domain.SessionDescription, fx *effects) (domain.SessionDescription, error) {
	if err := c.peer.SetRemoteDescription(offer); err != nil {
		c.log.Error().Err(err).Msg("Failed to apply remote offer")
		return domain.SessionDescription{}, err
	}
	c.applied[domain.SignalOffer] = true
	c.remoteSet = true
	c.drainLocked()

	answer, err := c.peer.CreateAnswer(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to create answer")
		return domain.SessionDescription{}, err
	}
	c.applied[domain.SignalAnswer] = true
	c.checkConnectedLocked(fx)
	return answer, nil
}

func (c *Controller) onAnswerLocked(msg domain.SignalMessage, fx *effects) {
	if c.session.Role != domain.RoleOfferer {
		c.dropLocked(msg, "answer out of role")
		return
	}
	if c.applied[domain.SignalAnswer] {
		c.dropLocked(msg, "duplicate answer")
		return
	}
	if !c.applied[domain.SignalOffer] {
		c.dropLocked(msg, "answer before local offer")
		return
	}
	answer, err := domain.DecodeDescription(msg.Payload)
	if err != nil {
		c.dropLocked(msg, err.Error())
		return
	}
	if err := c.peer.SetRemoteDescription(answer); err != nil {
		c.log.Error().Err(err).Msg("Failed to apply remote answer")
		c.transitionLocked(domain.StatusFailed, domain.KindOf(err), fx)
		return
	}
	c.applied[domain.SignalAnswer] = true
	c.remoteSet = true
	c.drainLocked()
	if c.session.Status == domain.StatusRequesting {
		c.transitionLocked(domain.StatusNegotiating, domain.KindNone, fx)
	}
	c.checkConnectedLocked(fx)
}

// acceptCandidateLocked applies or buffers cand. It returns false for a
// candidate already seen.
func (c *Controller) acceptCandidateLocked(cand domain.ICECandidate) bool {
	key := cand.Key()
	if _, dup := c.seen[key]; dup {
		return false
	}
	c.seen[key] = struct{}{}

	if !c.remoteSet {
		c.buffer.Push(cand)
		return true
	}
	if err := c.peer.AddICECandidate(cand); err != nil {
		c.log.Warn().Err(err).Msg("Failed to add remote candidate")
	}
	return true
}

func (c *Controller) drainLocked() {
	n, err := c.buffer.DrainInto(c.peer)
	if err != nil {
		c.log.Warn().Err(err).Msg("Some buffered candidates failed")
	}
	if n > 0 {
		c.log.Debug().Int("count", n).Msg("Drained buffered candidates")
	}
}

func (c *Controller) checkConnectedLocked(fx *effects) {
	if c.transportUp && c.remoteSet && c.session.Status == domain.StatusNegotiating {
		c.transitionLocked(domain.StatusConnected, domain.KindNone, fx)
	}
}

// HandleTransportState is the connection-state callback of the adapter.
// It, not the arrival of media, decides connected, failed and ended.
func (c *Controller) HandleTransportState(state domain.TransportState) {
	var fx effects
	c.mu.Lock()
	if c.session.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.log.Debug().Str("state", string(state)).Msg("Transport state changed")

	switch state {
	case domain.TransportConnected:
		c.transportUp = true
		c.stopGraceLocked()
		c.checkConnectedLocked(&fx)
	case domain.TransportDisconnected:
		c.transportUp = false
		if c.grace == nil {
			var t *time.Timer
			t = time.AfterFunc(c.opts.DisconnectGrace, func() { c.onGraceExpired(t) })
			c.grace = t
		}
	case domain.TransportFailed, domain.TransportClosed:
		c.transportUp = false
		c.transportLostLocked(&fx)
	}
	c.mu.Unlock()
	fx.run()
}

// onGraceExpired ignores a timer that was stopped after it had already
// fired; a newer window may be running by then.
func (c *Controller) onGraceExpired(t *time.Timer) {
	var fx effects
	c.mu.Lock()
	if c.grace != t {
		c.mu.Unlock()
		return
	}
	c.grace = nil
	if !c.session.Status.Terminal() && !c.transportUp {
		c.log.Warn().Dur("grace", c.opts.DisconnectGrace).Msg("Transport did not recover")
		c.transportLostLocked(&fx)
	}
	c.mu.Unlock()
	fx.run()
}

func (c *Controller) transportLostLocked(fx *effects) {
	if !c.session.ConnectedAt.IsZero() {
		c.transitionLocked(domain.StatusEnded, domain.KindTransportLost, fx)
		return
	}
	c.transitionLocked(domain.StatusFailed, domain.KindTransportLost, fx)
}

// HandleLocalCandidate forwards each locally gathered candidate on its own
// so the remote side can start connectivity checks early.
func (c *Controller) HandleLocalCandidate(cand domain.ICECandidate) {
	c.mu.Lock()
	if c.session.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	payload, err := domain.EncodeCandidate(cand)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode local candidate")
		return
	}
	if err := c.send(c.ctx, domain.SignalCandidate, payload); err != nil {
		c.fail(err)
	}
}

// HandleRemoteTrack is informational: it sets RemoteStream once and never
// drives a state transition.
func (c *Controller) HandleRemoteTrack(track domain.RemoteTrack) {
	var fx effects
	c.mu.Lock()
	if c.session.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	if c.session.RemoteStream == nil {
		stream := domain.StreamInfo{ID: track.StreamID}
		markKind(&stream, track.Kind)
		c.session.RemoteStream = &stream
		snap := stream
		callID := c.session.ID
		fx.add(func() { c.observer.OnRemoteStream(callID, snap) })
	} else {
		markKind(c.session.RemoteStream, track.Kind)
	}
	c.mu.Unlock()
	fx.run()
}

func markKind(s *domain.StreamInfo, kind string) {
	switch kind {
	case "audio":
		s.Audio = true
	case "video":
		s.Video = true
	}
}

// EndCall moves any non-terminal session to ended. Idempotent.
func (c *Controller) EndCall() {
	var fx effects
	c.mu.Lock()
	if c.session.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(domain.StatusEnded, domain.KindNone, &fx)
	c.hangupLocked(&fx)
	c.mu.Unlock()
	fx.run()
}

// hangupLocked queues a best-effort hangup to the remote peer.
func (c *Controller) hangupLocked(fx *effects) {
	msg := c.newSignalLocked(domain.SignalHangup, nil)
	fx.add(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.HangupTimeout)
			defer cancel()
			if err := c.relay.Publish(ctx, msg); err != nil {
				c.log.Debug().Err(err).Msg("Hangup not delivered")
			}
		}()
	})
}

// remoteAwareLocked reports whether the remote peer may be waiting on this
// call: the callee always is, the caller once its offer exists.
func (c *Controller) remoteAwareLocked() bool {
	return c.session.Role == domain.RoleAnswerer || c.applied[domain.SignalOffer]
}

func (c *Controller) MuteAudio(muted bool) error {
	return c.toggle(func() error {
		if err := c.peer.MuteAudio(muted); err != nil {
			return err
		}
		c.session.AudioMuted = muted
		return nil
	})
}

func (c *Controller) DisableVideo(disabled bool) error {
	return c.toggle(func() error {
		if err := c.peer.DisableVideo(disabled); err != nil {
			return err
		}
		c.session.VideoDisabled = disabled
		return nil
	})
}

func (c *Controller) toggle(apply func() error) error {
	var fx effects
	c.mu.Lock()
	if c.session.Status.Terminal() {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if err := apply(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.notifyLocked(&fx)
	c.mu.Unlock()
	fx.run()
	return nil
}

// StartScreenShare swaps the outgoing video track for a display capture in
// place. The capture prompt may block, so it runs without the lock.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.session.Status.Terminal() {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	c.mu.Unlock()

	if err := c.peer.StartScreenShare(ctx); err != nil {
		return err
	}
	return c.toggle(func() error {
		c.session.ScreenSharing = true
		return nil
	})
}

func (c *Controller) StopScreenShare() error {
	return c.toggle(func() error {
		if err := c.peer.StopScreenShare(); err != nil {
			return err
		}
		c.session.ScreenSharing = false
		return nil
	})
}

func (c *Controller) subscribe() error {
	unsub, err := c.relay.Subscribe(c.session.ID, c.HandleSignal)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.session.Status.Terminal() {
		c.mu.Unlock()
		unsub()
		return domain.ErrSessionClosed
	}
	c.unsubscribe = unsub
	c.mu.Unlock()
	return nil
}

func (c *Controller) sendDescription(ctx context.Context, t domain.SignalType, desc domain.SessionDescription) error {
	payload, err := domain.EncodeDescription(desc)
	if err != nil {
		c.fail(err)
		return err
	}
	if err := c.send(ctx, t, payload); err != nil {
		c.fail(err)
		return err
	}
	c.log.Debug().Str("type", string(t)).Msg("Description sent")
	return nil
}

func (c *Controller) send(ctx context.Context, t domain.SignalType, payload []byte) error {
	c.mu.Lock()
	msg := c.newSignalLocked(t, payload)
	c.mu.Unlock()
	return publishWithRetry(ctx, c.relay, msg, c.opts.PublishAttempts, c.opts.PublishBackoff, c.log)
}

func (c *Controller) newSignalLocked(t domain.SignalType, payload []byte) domain.SignalMessage {
	return domain.NewSignal(c.session.ID, c.session.LocalUserID, c.session.RemoteUserID, t, payload)
}

func (c *Controller) fail(err error) {
	var fx effects
	c.mu.Lock()
	c.transitionLocked(domain.StatusFailed, domain.KindOf(err), &fx)
	c.mu.Unlock()
	fx.run()
}

func (c *Controller) armNegotiationLocked() {
	c.negotiation = time.AfterFunc(c.opts.NegotiationTimeout, func() {
		var fx effects
		c.mu.Lock()
		s := c.session.Status
		if s == domain.StatusRequesting || s == domain.StatusNegotiating {
			c.log.Warn().Dur("timeout", c.opts.NegotiationTimeout).Msg("Negotiation timed out")
			c.transitionLocked(domain.StatusFailed, domain.KindNegotiationTimeout, &fx)
		}
		c.mu.Unlock()
		fx.run()
	})
}

func (c *Controller) stopGraceLocked() {
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}

// transitionLocked applies one state machine step. Entering a terminal
// state releases every resource exactly once.
func (c *Controller) transitionLocked(to domain.Status, reason domain.ErrorKind, fx *effects) bool {
	from := c.session.Status
	if !from.CanTransition(to) {
		c.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Transition rejected")
		return false
	}
	c.session.Status = to
	now := time.Now().UTC()

	switch {
	case to == domain.StatusConnected:
		c.session.ConnectedAt = now
		if c.negotiation != nil {
			c.negotiation.Stop()
		}
		c.recordLocked(fx)
	case to.Terminal():
		c.session.EndedAt = now
		c.session.Reason = reason
		c.releaseLocked(fx)
		c.recordLocked(fx)
	}

	ev := c.log.Info().Str("from", string(from)).Str("to", string(to))
	if reason != domain.KindNone {
		ev = ev.Str("reason", string(reason))
	}
	ev.Msg("Call state changed")

	c.notifyLocked(fx)
	if to == domain.StatusFailed {
		if reason != domain.KindNone {
			callID := c.session.ID
			fx.add(func() { c.observer.OnError(callID, reason) })
		}
		if c.remoteAwareLocked() {
			c.hangupLocked(fx)
		}
	}
	if to.Terminal() && c.onTerminal != nil {
		hook := c.onTerminal
		fx.add(func() { hook(c) })
	}
	return true
}

func (c *Controller) releaseLocked(fx *effects) {
	if c.negotiation != nil {
		c.negotiation.Stop()
	}
	c.stopGraceLocked()
	c.buffer.Reset()
	c.pendingOffer = nil
	c.session.LocalStream = nil
	c.session.RemoteStream = nil
	c.cancel()
	close(c.done)

	unsub := c.unsubscribe
	c.unsubscribe = nil
	fx.add(func() {
		if unsub != nil {
			unsub()
		}
		if err := c.peer.Teardown(); err != nil {
			c.log.Warn().Err(err).Msg("Teardown reported an error")
		}
	})
}

func (c *Controller) notifyLocked(fx *effects) {
	snap := c.session
	fx.add(func() { c.observer.OnStateChange(snap) })
}

func (c *Controller) recordLocked(fx *effects) {
	if c.recorder == nil {
		return
	}
	rec := c.session.Record()
	fx.add(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.RecordTimeout)
			defer cancel()
			if err := c.recorder.Record(ctx, rec); err != nil {
				c.log.Warn().Err(err).Msg("Failed to persist call record")
			}
		}()
	})
}

func (c *Controller) dropLocked(msg domain.SignalMessage, why string) {
	c.log.Debug().
		Str("kind", string(domain.KindDuplicateOrStaleSignal)).
		Str("type", string(msg.Type)).
		Str("from", msg.From.String()).
		Str("why", why).
		Msg("Signal dropped")
}
