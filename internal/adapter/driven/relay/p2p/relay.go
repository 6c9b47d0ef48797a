package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/callsig/internal/core/domain"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const topicPrefix = "callsig/"

var ErrClosed = errors.New("relay closed")

func CallTopic(id domain.CallID) string { return topicPrefix + "call/" + id.String() }
func InboxTopic(id domain.UserID) string { return topicPrefix + "inbox/" + id.String() }

type Config struct {
	ListenAddrs []string
	// Bootstrap peers as full /p2p/ multiaddrs.
	Bootstrap []string
}

// Relay is a port.SignalRelay over GossipSub: one topic per call and one
// inbox topic per user. Publish writes to both.
type Relay struct {
	host host.Host
	ps   *pubsub.PubSub
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*topicRef
	closed bool
}

// topicRef counts the subscriptions and in-flight publishes on a joined
// topic. The topic is closed when the count drops to zero.
type topicRef struct {
	topic *pubsub.Topic
	refs  int
}

func New(ctx context.Context, cfg Config) (*Relay, error) {
	opts := []libp2p.Option{}
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	r, err := NewWithHost(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	for _, addr := range cfg.Bootstrap {
		if err := r.Connect(ctx, addr); err != nil {
			r.log.Warn().Err(err).Str("addr", addr).Msg("Bootstrap peer unreachable")
		}
	}
	return r, nil
}

// NewWithHost runs the relay on an existing host. The relay owns h from
// then on and closes it.
func NewWithHost(ctx context.Context, h host.Host) (*Relay, error) {
	rctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(rctx, h)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start gossipsub: %w", err)
	}
	r := &Relay{
		host:   h,
		ps:     ps,
		log:    log.With().Str("component", "p2p").Str("peer_id", h.ID().String()).Logger(),
		ctx:    rctx,
		cancel: cancel,
		topics: make(map[string]*topicRef),
	}
	r.log.Info().Strs("addrs", r.Addrs()).Msg("P2P relay started")
	return r, nil
}

// Addrs lists the full dialable multiaddrs of this host.
func (r *Relay) Addrs() []string {
	out := make([]string, 0, len(r.host.Addrs()))
	for _, a := range r.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, r.host.ID()))
	}
	return out
}

func (r *Relay) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return fmt.Errorf("peer info: %w", err)
	}
	if err := r.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect %s: %w", info.ID, err)
	}
	r.log.Info().Str("peer", info.ID.String()).Msg("Connected to peer")
	return nil
}

func (r *Relay) acquire(name string) (*pubsub.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if ref, ok := r.topics[name]; ok {
		ref.refs++
		return ref.topic, nil
	}
	t, err := r.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	r.topics[name] = &topicRef{topic: t, refs: 1}
	return t, nil
}

// release drops one reference. Closing stays under mu so a concurrent
// acquire never joins a topic pubsub still holds.
func (r *Relay) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.topics[name]
	if !ok {
		return
	}
	if ref.refs--; ref.refs > 0 {
		return
	}
	if err := ref.topic.Close(); err != nil {
		// Kept at zero refs; the next acquire reuses it.
		r.log.Debug().Err(err).Str("topic", name).Msg("Topic close")
		return
	}
	delete(r.topics, name)
}

func (r *Relay) topicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

func (r *Relay) Publish(ctx context.Context, msg domain.SignalMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	for _, name := range []string{CallTopic(msg.CallID), InboxTopic(msg.To)} {
		if err := r.publish(ctx, name, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) publish(ctx context.Context, name string, data []byte) error {
	t, err := r.acquire(name)
	if err != nil {
		return err
	}
	defer r.release(name)
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func (r *Relay) Subscribe(callID domain.CallID, fn func(domain.SignalMessage)) (func(), error) {
	return r.subscribe(CallTopic(callID), fn)
}

func (r *Relay) SubscribeInbox(userID domain.UserID, fn func(domain.SignalMessage)) (func(), error) {
	return r.subscribe(InboxTopic(userID), fn)
}

func (r *Relay) subscribe(name string, fn func(domain.SignalMessage)) (func(), error) {
	t, err := r.acquire(name)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		r.release(name)
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	go func() {
		for {
			m, err := sub.Next(r.ctx)
			if err != nil {
				return
			}
			var msg domain.SignalMessage
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				r.log.Debug().Err(err).Str("topic", name).Msg("Undecodable signal")
				continue
			}
			if err := msg.Validate(); err != nil {
				r.log.Debug().Err(err).Str("topic", name).Msg("Invalid signal")
				continue
			}
			fn(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Cancel()
			r.release(name)
		})
	}, nil
}

func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	topics := r.topics
	r.topics = nil
	r.mu.Unlock()

	r.cancel()
	for name, ref := range topics {
		if err := ref.topic.Close(); err != nil {
			r.log.Debug().Err(err).Str("topic", name).Msg("Topic close")
		}
	}
	return r.host.Close()
}
