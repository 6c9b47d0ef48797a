package memory

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("relay closed")

// Options shape the delivery guarantees. The zero value delivers every
// message exactly once, in publish order per subscriber.
type Options struct {
	// Duplicate delivers every message twice.
	Duplicate bool
	// Shuffle holds back up to Shuffle messages per subscriber and releases
	// them in random order.
	Shuffle int
	Seed    int64
}

// Relay is an in-process port.SignalRelay. Each subscriber gets its own
// delivery goroutine, so a slow handler never blocks Publish.
type Relay struct {
	opts Options

	mu      sync.Mutex
	rng     *rand.Rand
	calls   map[domain.CallID]map[*mailbox]struct{}
	inboxes map[domain.UserID]map[*mailbox]struct{}
	failing int
	sent    []domain.SignalMessage
	closed  bool
}

func NewRelay(opts Options) *Relay {
	return &Relay{
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
		calls:   make(map[domain.CallID]map[*mailbox]struct{}),
		inboxes: make(map[domain.UserID]map[*mailbox]struct{}),
	}
}

// FailNext makes the next n publishes fail.
func (r *Relay) FailNext(n int) {
	r.mu.Lock()
	r.failing = n
	r.mu.Unlock()
}

// Sent returns every message accepted so far.
func (r *Relay) Sent() []domain.SignalMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SignalMessage(nil), r.sent...)
}

func (r *Relay) Publish(ctx context.Context, msg domain.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.failing > 0 {
		r.failing--
		return errors.New("relay unavailable")
	}
	r.sent = append(r.sent, msg)

	targets := make(map[*mailbox]struct{})
	for mb := range r.calls[msg.CallID] {
		targets[mb] = struct{}{}
	}
	for mb := range r.inboxes[msg.To] {
		targets[mb] = struct{}{}
	}
	copies := 1
	if r.opts.Duplicate {
		copies = 2
	}
	for mb := range targets {
		for i := 0; i < copies; i++ {
			mb.push(msg, r.opts.Shuffle, r.rng)
		}
	}
	log.Debug().Str("call_id", msg.CallID.String()).Str("type", string(msg.Type)).Int("targets", len(targets)).Msg("Signal relayed")
	return nil
}

func (r *Relay) Subscribe(callID domain.CallID, fn func(domain.SignalMessage)) (func(), error) {
	return add(r, r.calls, callID, fn)
}

func (r *Relay) SubscribeInbox(userID domain.UserID, fn func(domain.SignalMessage)) (func(), error) {
	return add(r, r.inboxes, userID, fn)
}

func add[K comparable](r *Relay, subs map[K]map[*mailbox]struct{}, key K, fn func(domain.SignalMessage)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	mb := newMailbox(fn)
	if subs[key] == nil {
		subs[key] = make(map[*mailbox]struct{})
	}
	subs[key][mb] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(subs[key], mb)
			if len(subs[key]) == 0 {
				delete(subs, key)
			}
			r.mu.Unlock()
			mb.close()
		})
	}, nil
}

// Flush releases messages held back by Shuffle.
func (r *Relay) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.calls {
		for mb := range set {
			mb.flush(r.rng)
		}
	}
	for _, set := range r.inboxes {
		for mb := range set {
			mb.flush(r.rng)
		}
	}
}

func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var all []*mailbox
	for _, set := range r.calls {
		for mb := range set {
			all = append(all, mb)
		}
	}
	for _, set := range r.inboxes {
		for mb := range set {
			all = append(all, mb)
		}
	}
	r.calls = nil
	r.inboxes = nil
	r.mu.Unlock()

	for _, mb := range all {
		mb.close()
	}
}
