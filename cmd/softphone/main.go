package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/callsig/internal/adapter/driven/media/pion"
	"github.com/Wyydra/callsig/internal/adapter/driven/persistence/httprecorder"
	"github.com/Wyydra/callsig/internal/adapter/driven/relay/p2p"
	"github.com/Wyydra/callsig/internal/adapter/driven/relay/wsrelay"
	"github.com/Wyydra/callsig/internal/config"
	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/Wyydra/callsig/internal/core/port"
	"github.com/Wyydra/callsig/internal/core/service"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	user        = flag.String("user", "", "Local user id (required)")
	callee      = flag.String("call", "", "Place a call to this user and exit when it ends")
	withVideo   = flag.Bool("video", false, "Send video")
	autoAccept  = flag.Bool("accept", true, "Answer incoming calls automatically, decline otherwise")
	recordDir   = flag.String("record", "", "Write received media to this directory")
	static      = flag.Bool("static", false, "Use silent synthetic tracks instead of capture devices")
	hangupAfter = flag.Duration("hangup-after", 0, "End the call after this long (0 keeps it up)")
)

var errCallOver = errors.New("call over")

type signalRelay interface {
	port.SignalRelay
	Close() error
}

func main() {
	flag.Parse()
	if *user == "" {
		fmt.Fprintln(os.Stderr, "Usage: softphone -user <id> [-call <id>] [-video] [-record <dir>]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logs, err := config.SetupLogging(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log configuration")
	}
	defer logs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, domain.UserID(*user)); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errCallOver) {
		log.Error().Err(err).Msg("Softphone stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, self domain.UserID) error {
	relay, err := dialRelay(ctx, cfg, self)
	if err != nil {
		return err
	}
	defer relay.Close()

	factory, err := newPeerFactory(cfg)
	if err != nil {
		return err
	}

	obs := &console{incoming: make(chan domain.IncomingCall, 8)}
	deps := service.Deps{
		Relay:    relay,
		Observer: obs,
		Options: service.Options{
			NegotiationTimeout: cfg.Call.NegotiationTimeout,
			DisconnectGrace:    cfg.Call.DisconnectGrace,
			PublishAttempts:    cfg.Call.PublishAttempts,
			PublishBackoff:     cfg.Call.PublishBackoff,
		},
	}
	if cfg.Call.APIURL != "" {
		deps.Recorder = httprecorder.New(cfg.Call.APIURL, nil)
	}

	phone := service.NewPhone(self, deps, factory.New)
	if err := phone.Start(); err != nil {
		return fmt.Errorf("start phone: %w", err)
	}
	defer phone.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return answer(ctx, phone, obs.incoming) })
	if *callee != "" {
		g.Go(func() error { return dial(ctx, phone, domain.UserID(*callee)) })
	}
	return g.Wait()
}

func dialRelay(ctx context.Context, cfg *config.Config, self domain.UserID) (signalRelay, error) {
	switch cfg.Relay.Kind {
	case config.RelayP2P:
		r, err := p2p.New(ctx, p2p.Config{ListenAddrs: cfg.Relay.P2PListen, Bootstrap: cfg.Relay.P2PBootstrap})
		if err != nil {
			return nil, err
		}
		log.Info().Strs("addrs", r.Addrs()).Msg("Share one of these as RELAY_P2P_BOOTSTRAP")
		return r, nil
	default:
		opts := wsrelay.DefaultOptions()
		opts.AckTimeout = cfg.Relay.AckTimeout
		r, err := wsrelay.Dial(ctx, cfg.Relay.URL, self, opts)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

func newPeerFactory(cfg *config.Config) (*pion.Factory, error) {
	pc := pion.DefaultConfig()
	pc.ICEServers = []webrtc.ICEServer{{
		URLs:       cfg.ICE.URLs,
		Username:   cfg.ICE.Username,
		Credential: cfg.ICE.Credential,
	}}
	if len(cfg.ICE.URLs) == 0 {
		pc.ICEServers = nil
	}
	pc.IncludeLoopback = cfg.ICE.IncludeLoopback
	if *recordDir != "" {
		pc.Sink = pion.FileSinks(*recordDir)
	}

	var source pion.MediaSource = pion.StaticSource{}
	if !*static {
		dev, err := pion.NewDeviceSource(1_000_000)
		if err != nil {
			return nil, fmt.Errorf("open capture devices: %w", err)
		}
		source = dev
	}
	return pion.NewFactory(pc, source)
}

// answer handles every incoming call until ctx ends.
func answer(ctx context.Context, phone *service.Phone, incoming <-chan domain.IncomingCall) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case call := <-incoming:
			l := log.With().Str("call_id", call.CallID.String()).Str("from", call.From.String()).Logger()
			if !*autoAccept {
				if err := phone.Decline(ctx, call.CallID); err != nil {
					l.Warn().Err(err).Msg("Decline failed")
				}
				continue
			}
			c, err := phone.AcceptIncoming(ctx, call.CallID, *withVideo && call.HasVideo)
			if err != nil {
				l.Warn().Err(err).Msg("Accept failed")
				continue
			}
			go hangupLater(ctx, c)
		}
	}
}

// dial places one call and returns once it is over, which stops the
// softphone.
func dial(ctx context.Context, phone *service.Phone, remote domain.UserID) error {
	c, err := phone.StartOutgoing(ctx, remote, *withVideo)
	if err != nil {
		return fmt.Errorf("call %s: %w", remote, err)
	}
	go hangupLater(ctx, c)
	select {
	case <-c.Done():
	case <-ctx.Done():
		c.EndCall()
		return ctx.Err()
	}
	s := c.Session()
	log.Info().Str("status", string(s.Status)).Str("reason", string(s.Reason)).Dur("duration", s.Duration()).Msg("Call finished")
	if s.Status == domain.StatusFailed {
		return fmt.Errorf("call failed: %s", s.Reason)
	}
	return errCallOver
}

func hangupLater(ctx context.Context, c *service.Controller) {
	if *hangupAfter <= 0 {
		return
	}
	t := time.NewTimer(*hangupAfter)
	defer t.Stop()
	select {
	case <-t.C:
		c.EndCall()
	case <-c.Done():
	case <-ctx.Done():
	}
}

// console logs what a UI would render and queues incoming calls for
// answer.
type console struct {
	port.NopObserver
	incoming chan domain.IncomingCall
}

func (o *console) OnIncoming(call domain.IncomingCall) {
	log.Info().Str("call_id", call.CallID.String()).Str("from", call.From.String()).Bool("video", call.HasVideo).Msg("Ringing")
	select {
	case o.incoming <- call:
	default:
		log.Warn().Str("call_id", call.CallID.String()).Msg("Too many unanswered calls, ignoring")
	}
}

func (o *console) OnIncomingCancelled(callID domain.CallID) {
	log.Info().Str("call_id", callID.String()).Msg("Caller hung up before answer")
}

func (o *console) OnStateChange(s domain.CallSession) {
	log.Info().Str("call_id", s.ID.String()).Str("status", string(s.Status)).
		Bool("muted", s.AudioMuted).Bool("sharing", s.ScreenSharing).Msg("Call state")
}

func (o *console) OnRemoteStream(callID domain.CallID, stream domain.StreamInfo) {
	log.Info().Str("call_id", callID.String()).Bool("audio", stream.Audio).Bool("video", stream.Video).Msg("Remote media")
}

func (o *console) OnError(callID domain.CallID, kind domain.ErrorKind) {
	log.Warn().Str("call_id", callID.String()).Str("kind", string(kind)).Msg("Call error")
}
