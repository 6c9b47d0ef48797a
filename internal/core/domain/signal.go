package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
	SignalDecline   SignalType = "decline"
	SignalHangup    SignalType = "hangup"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate, SignalDecline, SignalHangup:
		return true
	}
	return false
}

// SignalMessage is the unit carried by the relay. Payload is opaque to the
// relay: a SessionDescription for offer/answer, an ICECandidate for
// ice-candidate, empty for decline/hangup.
type SignalMessage struct {
	ID      MessageID       `json:"id"`
	CallID  CallID          `json:"call_id"`
	From    UserID          `json:"from"`
	To      UserID          `json:"to"`
	Type    SignalType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

func NewSignal(callID CallID, from, to UserID, t SignalType, payload json.RawMessage) SignalMessage {
	return SignalMessage{
		ID:      NewMessageID(),
		CallID:  callID,
		From:    from,
		To:      to,
		Type:    t,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}
}

var ErrInvalidSignal = errors.New("invalid signal")

// Validate checks the envelope only; payloads are decoded by whoever
// consumes them.
func (m SignalMessage) Validate() error {
	if m.CallID == "" {
		return fmt.Errorf("%w: missing call_id", ErrInvalidSignal)
	}
	if m.From == "" || m.To == "" {
		return fmt.Errorf("%w: missing from/to", ErrInvalidSignal)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, m.Type)
	}
	return nil
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// SessionDescription matches the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate matches the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key is the content identity used for at-most-once application.
func (c ICECandidate) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := -1
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	return fmt.Sprintf("%s|%d|%s", mid, idx, c.Candidate)
}

func EncodeDescription(d SessionDescription) (json.RawMessage, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode description: %w", err)
	}
	return b, nil
}

func DecodeDescription(payload json.RawMessage) (SessionDescription, error) {
	var d SessionDescription
	if err := json.Unmarshal(payload, &d); err != nil {
		return SessionDescription{}, fmt.Errorf("%w: decode description: %v", ErrInvalidSignal, err)
	}
	if d.SDP == "" {
		return SessionDescription{}, fmt.Errorf("%w: empty sdp", ErrInvalidSignal)
	}
	return d, nil
}

func EncodeCandidate(c ICECandidate) (json.RawMessage, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode candidate: %w", err)
	}
	return b, nil
}

func DecodeCandidate(payload json.RawMessage) (ICECandidate, error) {
	var c ICECandidate
	if err := json.Unmarshal(payload, &c); err != nil {
		return ICECandidate{}, fmt.Errorf("%w: decode candidate: %v", ErrInvalidSignal, err)
	}
	if c.Candidate == "" {
		return ICECandidate{}, fmt.Errorf("%w: empty candidate", ErrInvalidSignal)
	}
	return c, nil
}
