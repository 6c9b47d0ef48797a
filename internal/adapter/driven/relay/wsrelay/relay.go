package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Wyydra/callsig/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed       = errors.New("relay closed")
	ErrDisconnected = errors.New("relay disconnected")
	ErrForeignInbox = errors.New("inbox belongs to another user")
)

type Options struct {
	// AckTimeout bounds how long a publish or subscribe waits for the hub.
	AckTimeout time.Duration
	// ReconnectDelay is the first redial delay. It doubles up to 30s.
	ReconnectDelay time.Duration
}

func DefaultOptions() Options {
	return Options{AckTimeout: 10 * time.Second, ReconnectDelay: 500 * time.Millisecond}
}

type handler struct {
	fn func(domain.SignalMessage)
}

// Relay is a port.SignalRelay over the hub's WebSocket endpoint. A publish
// succeeds once the hub acks it, an at-least-once transport ack.
type Relay struct {
	endpoint string
	user     domain.UserID
	opts     Options
	log      zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan error
	calls   map[domain.CallID]map[*handler]struct{}
	inbox   map[*handler]struct{}
	closed  bool
	done    chan struct{}

	// Inbound signals are handed to subscribers from one goroutine so a
	// handler that publishes never blocks the read loop waiting on its ack.
	qmu   sync.Mutex
	queue []domain.SignalMessage
	wake  chan struct{}
}

// Dial connects to a ws:// or wss:// hub base URL as user.
func Dial(ctx context.Context, base string, user domain.UserID, opts Options) (*Relay, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("user", user.String())
	u.RawQuery = q.Encode()

	r := &Relay{
		endpoint: u.String(),
		user:     user,
		opts:     opts,
		log:      log.With().Str("user_id", user.String()).Str("component", "wsrelay").Logger(),
		pending:  make(map[string]chan error),
		calls:    make(map[domain.CallID]map[*handler]struct{}),
		inbox:    make(map[*handler]struct{}),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	go r.deliverLoop()
	go r.readLoop(conn)
	return r, nil
}

func (r *Relay) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	r.log.Info().Str("endpoint", r.endpoint).Msg("Relay connected")
	return conn, nil
}

func (r *Relay) Publish(ctx context.Context, msg domain.SignalMessage) error {
	return r.request(ctx, ws.Frame{Op: ws.OpPublish, Signal: &msg})
}

func (r *Relay) Subscribe(callID domain.CallID, fn func(domain.SignalMessage)) (func(), error) {
	h := &handler{fn: fn}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	first := len(r.calls[callID]) == 0
	if first {
		r.calls[callID] = make(map[*handler]struct{})
	}
	r.calls[callID][h] = struct{}{}
	r.mu.Unlock()

	if first {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.AckTimeout)
		defer cancel()
		if err := r.request(ctx, ws.Frame{Op: ws.OpSubscribe, CallID: callID}); err != nil {
			r.removeCall(callID, h)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if r.removeCall(callID, h) {
				ctx, cancel := context.WithTimeout(context.Background(), r.opts.AckTimeout)
				defer cancel()
				if err := r.request(ctx, ws.Frame{Op: ws.OpUnsubscribe, CallID: callID}); err != nil {
					r.log.Debug().Err(err).Str("call_id", callID.String()).Msg("Unsubscribe not acked")
				}
			}
		})
	}, nil
}

// removeCall reports whether h was the last handler for callID.
func (r *Relay) removeCall(callID domain.CallID, h *handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.calls[callID]
	delete(set, h)
	if len(set) == 0 {
		delete(r.calls, callID)
		return !r.closed
	}
	return false
}

// SubscribeInbox needs no round trip: the hub routes every signal addressed
// to this connection's user here already.
func (r *Relay) SubscribeInbox(userID domain.UserID, fn func(domain.SignalMessage)) (func(), error) {
	if userID != r.user {
		return nil, ErrForeignInbox
	}
	h := &handler{fn: fn}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.inbox[h] = struct{}{}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.inbox, h)
		r.mu.Unlock()
	}, nil
}

func (r *Relay) request(ctx context.Context, f ws.Frame) error {
	f.Req = uuid.NewString()
	ack := make(chan error, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return ErrDisconnected
	}
	r.pending[f.Req] = ack
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, f.Req)
		r.mu.Unlock()
	}()

	r.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(r.opts.AckTimeout))
	err := conn.WriteJSON(f)
	r.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", f.Op, err)
	}

	timer := time.NewTimer(r.opts.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-timer.C:
		return fmt.Errorf("%s: ack timeout", f.Op)
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

func (r *Relay) readLoop(conn *websocket.Conn) {
	for {
		var f ws.Frame
		if err := conn.ReadJSON(&f); err != nil {
			r.disconnected(conn, err)
			return
		}
		switch f.Op {
		case ws.OpAck, ws.OpError:
			r.resolve(f)
		case ws.OpSignal:
			if f.Signal != nil {
				r.enqueue(*f.Signal)
			}
		default:
			r.log.Debug().Str("op", string(f.Op)).Msg("Unknown frame")
		}
	}
}

func (r *Relay) resolve(f ws.Frame) {
	r.mu.Lock()
	ack, ok := r.pending[f.Req]
	r.mu.Unlock()
	if !ok {
		if f.Op == ws.OpError {
			r.log.Warn().Str("error", f.Error).Msg("Relay reported an error")
		}
		return
	}
	var err error
	if f.Op == ws.OpError {
		err = errors.New(f.Error)
	}
	select {
	case ack <- err:
	default:
	}
}

func (r *Relay) enqueue(msg domain.SignalMessage) {
	r.qmu.Lock()
	r.queue = append(r.queue, msg)
	r.qmu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) deliverLoop() {
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}
		for {
			r.qmu.Lock()
			if len(r.queue) == 0 {
				r.qmu.Unlock()
				break
			}
			msg := r.queue[0]
			r.queue = r.queue[1:]
			r.qmu.Unlock()
			r.dispatch(msg)
		}
	}
}

func (r *Relay) dispatch(msg domain.SignalMessage) {
	r.mu.Lock()
	var targets []*handler
	for h := range r.calls[msg.CallID] {
		targets = append(targets, h)
	}
	if msg.To == r.user {
		for h := range r.inbox {
			targets = append(targets, h)
		}
	}
	r.mu.Unlock()

	for _, h := range targets {
		h.fn(msg)
	}
}

func (r *Relay) disconnected(conn *websocket.Conn, err error) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	for req, ack := range r.pending {
		select {
		case ack <- ErrDisconnected:
		default:
		}
		delete(r.pending, req)
	}
	closed := r.closed
	r.mu.Unlock()
	_ = conn.Close()
	if closed {
		return
	}
	r.log.Warn().Err(err).Msg("Relay connection lost, reconnecting")
	go r.reconnect()
}

func (r *Relay) reconnect() {
	delay := r.opts.ReconnectDelay
	for {
		select {
		case <-r.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.opts.AckTimeout)
		conn, err := r.dial(ctx)
		cancel()
		if err != nil {
			r.log.Debug().Err(err).Dur("retry_in", delay).Msg("Redial failed")
			delay = min(delay*2, 30*time.Second)
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = conn.Close()
			return
		}
		r.conn = conn
		calls := make([]domain.CallID, 0, len(r.calls))
		for id := range r.calls {
			calls = append(calls, id)
		}
		r.mu.Unlock()

		go r.readLoop(conn)
		for _, id := range calls {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.AckTimeout)
			if err := r.request(ctx, ws.Frame{Op: ws.OpSubscribe, CallID: id}); err != nil {
				r.log.Warn().Err(err).Str("call_id", id.String()).Msg("Resubscribe failed")
			}
			cancel()
		}
		return
	}
}

func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	close(r.done)
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	r.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	r.writeMu.Unlock()
	return conn.Close()
}
