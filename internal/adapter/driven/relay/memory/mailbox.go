package memory

import (
	"math/rand"
	"sync"

	"github.com/Wyydra/callsig/internal/core/domain"
)

// mailbox delivers to one subscriber from its own goroutine.
type mailbox struct {
	fn func(domain.SignalMessage)

	mu     sync.Mutex
	queue  []domain.SignalMessage
	held   []domain.SignalMessage
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newMailbox(fn func(domain.SignalMessage)) *mailbox {
	mb := &mailbox{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go mb.run()
	return mb
}

// push queues msg. With hold > 0 the message is parked until hold messages
// are waiting, then they are released in random order.
func (mb *mailbox) push(msg domain.SignalMessage, hold int, rng *rand.Rand) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	if hold > 0 {
		mb.held = append(mb.held, msg)
		if len(mb.held) < hold {
			mb.mu.Unlock()
			return
		}
		mb.releaseLocked(rng)
	} else {
		mb.queue = append(mb.queue, msg)
	}
	mb.mu.Unlock()
	mb.signal()
}

func (mb *mailbox) flush(rng *rand.Rand) {
	mb.mu.Lock()
	mb.releaseLocked(rng)
	mb.mu.Unlock()
	mb.signal()
}

func (mb *mailbox) releaseLocked(rng *rand.Rand) {
	rng.Shuffle(len(mb.held), func(i, j int) { mb.held[i], mb.held[j] = mb.held[j], mb.held[i] })
	mb.queue = append(mb.queue, mb.held...)
	mb.held = nil
}

func (mb *mailbox) signal() {
	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

func (mb *mailbox) run() {
	for {
		select {
		case <-mb.done:
			return
		case <-mb.wake:
		}
		for {
			mb.mu.Lock()
			if mb.closed || len(mb.queue) == 0 {
				mb.mu.Unlock()
				break
			}
			msg := mb.queue[0]
			mb.queue = mb.queue[1:]
			mb.mu.Unlock()
			mb.fn(msg)
		}
	}
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	mb.queue = nil
	mb.held = nil
	close(mb.done)
}
