package memory

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

func (c *collector) ids() []domain.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.MessageID, 0, len(c.got))
	for _, m := range c.got {
		out = append(out, m.ID)
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestPublishReachesCallAndInboxOnce(t *testing.T) {
	r := NewRelay(Options{})
	defer r.Close()

	var call, inbox, other collector
	_, err := r.Subscribe("c1", call.add)
	require.NoError(t, err)
	_, err = r.SubscribeInbox("bob", inbox.add)
	require.NoError(t, err)
	_, err = r.SubscribeInbox("carol", other.add)
	require.NoError(t, err)

	msg := domain.NewSignal("c1", "alice", "bob", domain.SignalHangup, nil)
	require.NoError(t, r.Publish(context.Background(), msg))

	require.Eventually(t, func() bool { return call.count() == 1 && inbox.count() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, other.count())
	assert.Equal(t, []domain.MessageID{msg.ID}, call.ids())
}

func TestOneHandlerSeesEveryMessageOnce(t *testing.T) {
	r := NewRelay(Options{})
	defer r.Close()

	var both collector
	_, err := r.Subscribe("c1", both.add)
	require.NoError(t, err)
	require.NoError(t, r.Publish(context.Background(), domain.NewSignal("c1", "alice", "bob", domain.SignalHangup, nil)))
	require.NoError(t, r.Publish(context.Background(), domain.NewSignal("c2", "alice", "bob", domain.SignalHangup, nil)))

	require.Eventually(t, func() bool { return both.count() == 1 }, time.Second, time.Millisecond)
}

func TestDuplicateAndShuffle(t *testing.T) {
	r := NewRelay(Options{Duplicate: true, Shuffle: 4, Seed: 7})
	defer r.Close()

	var got collector
	_, err := r.Subscribe("c1", got.add)
	require.NoError(t, err)

	var sent []domain.MessageID
	for i := 0; i < 3; i++ {
		m := domain.NewSignal("c1", "alice", "bob", domain.SignalHangup, nil)
		sent = append(sent, m.ID)
		require.NoError(t, r.Publish(context.Background(), m))
	}
	// Four of six copies are released once the hold fills, the rest wait.
	require.Eventually(t, func() bool { return got.count() == 4 }, time.Second, time.Millisecond)
	r.Flush()
	require.Eventually(t, func() bool { return got.count() == 6 }, time.Second, time.Millisecond)

	counts := map[domain.MessageID]int{}
	for _, id := range got.ids() {
		counts[id]++
	}
	for _, id := range sent {
		assert.Equal(t, 2, counts[id])
	}
}

func TestFailNextAndSent(t *testing.T) {
	r := NewRelay(Options{})
	defer r.Close()

	r.FailNext(1)
	msg := domain.NewSignal("c1", "alice", "bob", domain.SignalHangup, nil)
	assert.Error(t, r.Publish(context.Background(), msg))
	require.NoError(t, r.Publish(context.Background(), msg))
	assert.Len(t, r.Sent(), 1)

	invalid := msg
	invalid.To = ""
	assert.ErrorIs(t, r.Publish(context.Background(), invalid), domain.ErrInvalidSignal)
}

func TestUnsubscribeAndClose(t *testing.T) {
	r := NewRelay(Options{})

	var got collector
	unsub, err := r.Subscribe("c1", got.add)
	require.NoError(t, err)
	unsub()
	unsub()
	require.NoError(t, r.Publish(context.Background(), domain.NewSignal("c1", "alice", "bob", domain.SignalHangup, nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, got.count())

	r.Close()
	r.Close()
	assert.ErrorIs(t, r.Publish(context.Background(), domain.NewSignal("c1", "alice", "bob", domain.SignalHangup, nil)), ErrClosed)
	_, err = r.SubscribeInbox("bob", got.add)
	assert.ErrorIs(t, err, ErrClosed)
}
