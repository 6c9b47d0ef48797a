package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []domain.SignalMessage
}

func (c *collector) add(m domain.SignalMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, m)
}

func (c *collector) has(id domain.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.got {
		if m.ID == id {
			return true
		}
	}
	return false
}

func newRelay(t *testing.T) *Relay {
	t.Helper()
	r, err := New(context.Background(), Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "callsig/call/c1", CallTopic("c1"))
	assert.Equal(t, "callsig/inbox/bob", InboxTopic("bob"))
}

func TestPublishReachesLocalSubscribers(t *testing.T) {
	r := newRelay(t)
	require.NotEmpty(t, r.Addrs())

	callID := domain.NewCallID()
	var call, inbox collector
	_, err := r.Subscribe(callID, call.add)
	require.NoError(t, err)
	_, err = r.SubscribeInbox("bob", inbox.add)
	require.NoError(t, err)

	msg := domain.NewSignal(callID, "alice", "bob", domain.SignalHangup, nil)
	require.NoError(t, r.Publish(context.Background(), msg))

	assert.Eventually(t, func() bool {
		return call.has(msg.ID) && inbox.has(msg.ID)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPublishAcrossPeers(t *testing.T) {
	alice, bob := newRelay(t), newRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, bob.Connect(ctx, alice.Addrs()[0]))

	var inbox collector
	_, err := bob.SubscribeInbox("bob", inbox.add)
	require.NoError(t, err)

	msg := domain.NewSignal(domain.NewCallID(), "alice", "bob", domain.SignalHangup, nil)
	// Subscriptions propagate asynchronously; republishing is what an
	// at-least-once sender would do anyway.
	assert.Eventually(t, func() bool {
		_ = alice.Publish(ctx, msg)
		return inbox.has(msg.ID)
	}, 10*time.Second, 200*time.Millisecond)
}

func TestTopicsAreReleased(t *testing.T) {
	r := newRelay(t)
	callID := domain.NewCallID()

	var call collector
	unsubCall, err := r.Subscribe(callID, call.add)
	require.NoError(t, err)
	// A second handler on the same call shares the joined topic.
	unsubOther, err := r.Subscribe(callID, func(domain.SignalMessage) {})
	require.NoError(t, err)
	unsubInbox, err := r.SubscribeInbox("alice", func(domain.SignalMessage) {})
	require.NoError(t, err)
	assert.Equal(t, 2, r.topicCount())

	msg := domain.NewSignal(callID, "alice", "bob", domain.SignalHangup, nil)
	require.NoError(t, r.Publish(context.Background(), msg))
	assert.Equal(t, 2, r.topicCount(), "publishing to bob's inbox must not keep it joined")
	assert.Eventually(t, func() bool { return call.has(msg.ID) }, 5*time.Second, 10*time.Millisecond)

	unsubCall()
	unsubCall()
	assert.Equal(t, 2, r.topicCount())
	unsubOther()
	assert.Equal(t, 1, r.topicCount())
	unsubInbox()
	assert.Equal(t, 0, r.topicCount())

	// A released call topic can be joined again.
	_, err = r.Subscribe(callID, func(domain.SignalMessage) {})
	require.NoError(t, err)
	assert.Equal(t, 1, r.topicCount())
}

func TestPublishRejectsInvalidSignal(t *testing.T) {
	r := newRelay(t)
	err := r.Publish(context.Background(), domain.SignalMessage{CallID: "c1", Type: domain.SignalOffer})
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
}

func TestConnectRejectsBadAddress(t *testing.T) {
	r := newRelay(t)
	assert.Error(t, r.Connect(context.Background(), "not-a-multiaddr"))
	assert.Error(t, r.Connect(context.Background(), "/ip4/127.0.0.1/tcp/1"))
}

func TestClosedRelay(t *testing.T) {
	r, err := New(context.Background(), Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	msg := domain.NewSignal(domain.NewCallID(), "alice", "bob", domain.SignalHangup, nil)
	assert.ErrorIs(t, r.Publish(context.Background(), msg), ErrClosed)
	_, err = r.Subscribe(msg.CallID, func(domain.SignalMessage) {})
	assert.ErrorIs(t, err, ErrClosed)
}
