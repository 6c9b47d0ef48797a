package ws

import (
	"sync/atomic"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/rs/zerolog/log"
)

type subscription struct {
	client *Client
	callID domain.CallID
	done   chan struct{}
}

// Hub fans signals out to every connection subscribed to the call and to
// every connection of the addressee. All maps are owned by Run.
type Hub struct {
	clients map[*Client]struct{}
	users   map[domain.UserID]map[*Client]struct{}
	calls   map[domain.CallID]map[*Client]struct{}

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription
	route       chan routed
	quit        chan struct{}
	stopped     chan struct{}

	connections atomic.Int64
	relayed     atomic.Int64
}

type routed struct {
	msg  domain.SignalMessage
	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		users:       make(map[domain.UserID]map[*Client]struct{}),
		calls:       make(map[domain.CallID]map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		route:       make(chan routed, 256),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			if h.users[client.user] == nil {
				h.users[client.user] = make(map[*Client]struct{})
			}
			h.users[client.user][client] = struct{}{}
			h.connections.Add(1)
			log.Info().Str("user_id", client.user.String()).Msg("Client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				log.Info().Str("user_id", client.user.String()).Msg("Client unregistered")
			}

		case s := <-h.subscribe:
			if _, ok := h.clients[s.client]; ok {
				if h.calls[s.callID] == nil {
					h.calls[s.callID] = make(map[*Client]struct{})
				}
				h.calls[s.callID][s.client] = struct{}{}
				s.client.calls[s.callID] = struct{}{}
			}
			close(s.done)

		case s := <-h.unsubscribe:
			h.leave(s.client, s.callID)
			close(s.done)

		case r := <-h.route:
			h.fanOut(r.msg)
			close(r.done)
		}
	}
}

func (h *Hub) fanOut(msg domain.SignalMessage) {
	targets := make(map[*Client]struct{})
	for c := range h.calls[msg.CallID] {
		targets[c] = struct{}{}
	}
	for c := range h.users[msg.To] {
		targets[c] = struct{}{}
	}

	frame := Frame{Op: OpSignal, Signal: &msg}
	for c := range targets {
		if !c.deliver(frame) {
			log.Warn().Str("user_id", c.user.String()).Msg("Client too slow, dropping connection")
			h.drop(c)
		}
	}
	h.relayed.Add(1)
	log.Debug().
		Str("call_id", msg.CallID.String()).
		Str("type", string(msg.Type)).
		Int("targets", len(targets)).
		Msg("Signal routed")
}

func (h *Hub) leave(c *Client, callID domain.CallID) {
	delete(c.calls, callID)
	if set := h.calls[callID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.calls, callID)
		}
	}
}

func (h *Hub) drop(c *Client) {
	for callID := range c.calls {
		h.leave(c, callID)
	}
	if set := h.users[c.user]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.user)
		}
	}
	delete(h.clients, c)
	h.connections.Add(-1)
	c.shutdown()
}

// Route queues msg for fan-out and returns once it has been handed to every
// target's write buffer.
func (h *Hub) Route(msg domain.SignalMessage) bool {
	r := routed{msg: msg, done: make(chan struct{})}
	select {
	case h.route <- r:
	case <-h.stopped:
		return false
	}
	select {
	case <-r.done:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopped:
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

func (h *Hub) Subscribe(c *Client, callID domain.CallID) {
	h.sync(h.subscribe, subscription{client: c, callID: callID, done: make(chan struct{})})
}

func (h *Hub) Unsubscribe(c *Client, callID domain.CallID) {
	h.sync(h.unsubscribe, subscription{client: c, callID: callID, done: make(chan struct{})})
}

func (h *Hub) sync(ch chan subscription, s subscription) {
	select {
	case ch <- s:
	case <-h.stopped:
		return
	}
	select {
	case <-s.done:
	case <-h.stopped:
	}
}

// Connections is the number of live sockets.
func (h *Hub) Connections() int64 {
	return h.connections.Load()
}

// Relayed counts signals routed since start.
func (h *Hub) Relayed() int64 {
	return h.relayed.Load()
}

func (h *Hub) Stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	<-h.stopped
}
