package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Limits bound what a single connection may push into the hub.
type Limits struct {
	PerSecond float64
	Burst     int
}

// Client is one relay socket owned by a user.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	user    domain.UserID
	limiter *rate.Limiter
	log     zerolog.Logger

	// calls is owned by the hub's Run goroutine.
	calls map[domain.CallID]struct{}

	mu     sync.Mutex
	send   chan Frame
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, user domain.UserID, limits Limits) *Client {
	limit := rate.Inf
	if limits.PerSecond > 0 {
		limit = rate.Limit(limits.PerSecond)
	}
	return &Client{
		hub:     hub,
		conn:    conn,
		user:    user,
		limiter: rate.NewLimiter(limit, max(limits.Burst, 1)),
		log:     log.With().Str("user_id", user.String()).Str("remote_addr", conn.RemoteAddr().String()).Logger(),
		calls:   make(map[domain.CallID]struct{}),
		send:    make(chan Frame, sendBuffer),
	}
}

// Serve registers the client and pumps frames until the socket closes.
func (c *Client) Serve() {
	c.hub.Register(c)
	c.log.Info().Msg("Relay client connected")
	go c.writePump()
	c.readPump()
	c.hub.Unregister(c)
	c.log.Info().Msg("Relay client disconnected")
}

func (c *Client) deliver(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) reply(req string, err error) {
	f := Frame{Op: OpAck, Req: req}
	if err != nil {
		f = Frame{Op: OpError, Req: req, Error: err.Error()}
	}
	if !c.deliver(f) {
		c.log.Debug().Str("req", req).Msg("Reply dropped")
	}
}

func (c *Client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("Malformed frame")
			c.reply("", errMalformed)
			continue
		}
		if !c.limiter.Allow() {
			c.reply(f.Req, errRateLimited)
			continue
		}
		c.handle(f)
	}
}

func (c *Client) handle(f Frame) {
	switch f.Op {
	case OpPublish:
		if f.Signal == nil {
			c.reply(f.Req, errMissingSignal)
			return
		}
		msg := *f.Signal
		msg.From = c.user
		if msg.ID == "" {
			msg.ID = domain.NewMessageID()
		}
		if msg.SentAt.IsZero() {
			msg.SentAt = time.Now().UTC()
		}
		if err := msg.Validate(); err != nil {
			c.reply(f.Req, err)
			return
		}
		if !c.hub.Route(msg) {
			c.reply(f.Req, errHubStopped)
			return
		}
		c.reply(f.Req, nil)

	case OpSubscribe, OpUnsubscribe:
		if f.CallID == "" {
			c.reply(f.Req, errMissingCallID)
			return
		}
		if f.Op == OpSubscribe {
			c.hub.Subscribe(c, f.CallID)
		} else {
			c.hub.Unsubscribe(c, f.CallID)
		}
		c.reply(f.Req, nil)

	default:
		c.reply(f.Req, errUnknownOp)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
