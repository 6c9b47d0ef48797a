package ws

import "github.com/Wyydra/callsig/internal/core/domain"

type Op string

const (
	OpPublish     Op = "publish"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpAck         Op = "ack"
	OpError       Op = "error"
	OpSignal      Op = "signal"
)

// Frame is one JSON text message on the relay socket, in either direction.
type Frame struct {
	Op     Op                    `json:"op"`
	Req    string                `json:"req,omitempty"`
	CallID domain.CallID         `json:"call_id,omitempty"`
	Signal *domain.SignalMessage `json:"signal,omitempty"`
	Error  string                `json:"error,omitempty"`
}
